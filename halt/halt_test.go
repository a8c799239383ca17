package halt_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperdbg-go/hvdbg/halt"
)

func TestBroadcastSynchronizeRequiresLockAgain(t *testing.T) {
	t.Parallel()

	c := halt.New(4, 0)

	if err := c.BroadcastTaskAllCores(halt.TaskTest, false, true, nil); !errors.Is(err, halt.ErrMisuse) {
		t.Fatalf("got %v, want ErrMisuse", err)
	}
}

func TestBroadcastReachesEveryPeerNotSelf(t *testing.T) {
	t.Parallel()

	const numCores = 4

	c := halt.New(numCores, 1)

	var handled int32

	stop := make(chan struct{})

	for i := 0; i < numCores; i++ {
		if i == 1 {
			continue
		}

		mb, err := c.Mailbox(i)
		if err != nil {
			t.Fatalf("Mailbox(%d): %v", i, err)
		}

		go mb.Spin(func(code halt.TaskCode, ctx any) int {
			atomic.AddInt32(&handled, 1)

			return 0
		}, stop)
	}

	if err := c.BroadcastTaskAllCores(halt.TaskInvEptAll, true, true, nil); err != nil {
		t.Fatalf("BroadcastTaskAllCores: %v", err)
	}

	close(stop)

	if got := atomic.LoadInt32(&handled); got != numCores-1 {
		t.Errorf("handled = %d, want %d", got, numCores-1)
	}
}

func TestSelfIsNeverAMailboxTarget(t *testing.T) {
	t.Parallel()

	c := halt.New(2, 0)

	if err := c.BroadcastTaskAllCores(halt.TaskTest, false, false, nil); err != nil {
		t.Fatalf("BroadcastTaskAllCores: %v", err)
	}

	mb, err := c.Mailbox(0)
	if err != nil {
		t.Fatalf("Mailbox(0): %v", err)
	}

	time.Sleep(time.Millisecond)

	if mb.Pending() {
		t.Errorf("self core's mailbox should never receive a broadcast task")
	}
}

func TestMailboxOutOfRangeFails(t *testing.T) {
	t.Parallel()

	c := halt.New(2, 0)

	if _, err := c.Mailbox(5); err == nil {
		t.Fatalf("expected an error for an out-of-range core id")
	}
}

func TestSpinStopsWithoutPendingTask(t *testing.T) {
	t.Parallel()

	c := halt.New(1, -1)

	mb, _ := c.Mailbox(0)

	stop := make(chan struct{})

	done := make(chan struct{})

	go func() {
		mb.Spin(func(halt.TaskCode, any) int { return 0 }, stop)
		close(done)
	}()

	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Spin did not return after stop was closed")
	}
}
