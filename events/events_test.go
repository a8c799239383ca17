package events_test

import (
	"errors"
	"testing"

	"github.com/hyperdbg-go/hvdbg/events"
)

func TestCreateRejectsShortCircuitOnPost(t *testing.T) {
	t.Parallel()

	s := events.NewStore(1)

	_, err := s.Create(events.CreateOptions{
		Kind:               events.CPUIDInstructionExecution,
		CoreID:             events.AllCores,
		ProcessID:          events.AllProcesses,
		Stage:              events.StagePost,
		EnableShortCircuit: true,
	})

	if !errors.Is(err, events.ErrUsingShortCircuitingInPostEvents) {
		t.Fatalf("got %v, want ErrUsingShortCircuitingInPostEvents", err)
	}
}

func TestCreateRejectsProcessIDFromRoot(t *testing.T) {
	t.Parallel()

	s := events.NewStore(1)

	_, err := s.Create(events.CreateOptions{
		Kind:           events.CPUIDInstructionExecution,
		CoreID:         events.AllCores,
		ProcessID:      42,
		CalledFromRoot: true,
	})

	if !errors.Is(err, events.ErrProcessIDFromRoot) {
		t.Fatalf("got %v, want ErrProcessIDFromRoot", err)
	}
}

func TestCreateRejectsExceptionVectorOutOfRange(t *testing.T) {
	t.Parallel()

	s := events.NewStore(1)

	_, err := s.Create(events.CreateOptions{
		Kind:      events.ExceptionOccurred,
		CoreID:    events.AllCores,
		ProcessID: events.AllProcesses,
		Options:   events.Options{P1: 32},
	})

	if !errors.Is(err, events.ErrExceptionIndexExceedsFirst32) {
		t.Fatalf("got %v, want ErrExceptionIndexExceedsFirst32", err)
	}
}

func TestCreateRejectsInterruptVectorOutOfRange(t *testing.T) {
	t.Parallel()

	s := events.NewStore(1)

	for _, p1 := range []uint64{0, 31, 256} {
		_, err := s.Create(events.CreateOptions{
			Kind:      events.ExternalInterruptOccurred,
			CoreID:    events.AllCores,
			ProcessID: events.AllProcesses,
			Options:   events.Options{P1: p1},
		})

		if !errors.Is(err, events.ErrInterruptIndexInvalid) {
			t.Errorf("p1=%d: got %v, want ErrInterruptIndexInvalid", p1, err)
		}
	}
}

func TestCreateRejectsInvertedMonitorRange(t *testing.T) {
	t.Parallel()

	s := events.NewStore(1)

	_, err := s.Create(events.CreateOptions{
		Kind:      events.HiddenHookReadAndWrite,
		CoreID:    events.AllCores,
		ProcessID: events.AllProcesses,
		Options:   events.Options{P1: 0x2000, P2: 0x1000},
	})

	if !errors.Is(err, events.ErrInvalidAddress) {
		t.Fatalf("got %v, want ErrInvalidAddress", err)
	}
}

func TestEnabledEventOccupiesSlotUntilClear(t *testing.T) {
	t.Parallel()

	s := events.NewStore(1)

	tag, err := s.Create(events.CreateOptions{
		Kind:      events.CPUIDInstructionExecution,
		CoreID:    events.AllCores,
		ProcessID: events.AllProcesses,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.Modify(tag, events.ModifyDisable); err != nil {
		t.Fatalf("Modify disable: %v", err)
	}

	if _, err := s.Lookup(tag); err != nil {
		t.Errorf("disabled event should still occupy its slot: %v", err)
	}

	if got := s.CountByCore(events.CPUIDInstructionExecution, 0); got != 0 {
		t.Errorf("CountByCore for disabled event = %d, want 0", got)
	}

	if _, err := s.Modify(tag, events.ModifyClear); err != nil {
		t.Fatalf("Modify clear: %v", err)
	}

	if _, err := s.Lookup(tag); !errors.Is(err, events.ErrUnknownTag) {
		t.Errorf("got %v, want ErrUnknownTag after clear", err)
	}
}

func TestActionsOrderedAscending(t *testing.T) {
	t.Parallel()

	s := events.NewStore(1)

	tag, err := s.Create(events.CreateOptions{
		Kind:      events.CPUIDInstructionExecution,
		CoreID:    events.AllCores,
		ProcessID: events.AllProcesses,
		Actions: []events.Action{
			{Order: 2, Kind: events.ActionRunScript},
			{Order: 0, Kind: events.ActionBreakToDebugger},
			{Order: 1, Kind: events.ActionRunCustomCode},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ev, err := s.Lookup(tag)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	for i, a := range ev.Actions {
		if a.Order != i {
			t.Errorf("Actions[%d].Order = %d, want %d", i, a.Order, i)
		}
	}
}

func TestMatchingStageAllQueryIsAWildcard(t *testing.T) {
	t.Parallel()

	s := events.NewStore(1)

	for _, stage := range []events.Stage{events.StagePre, events.StagePost, events.StageAll} {
		if _, err := s.Create(events.CreateOptions{
			Kind: events.CPUIDInstructionExecution, CoreID: events.AllCores, ProcessID: events.AllProcesses, Stage: stage,
		}); err != nil {
			t.Fatalf("Create stage %v: %v", stage, err)
		}
	}

	if got := len(s.Matching(events.CPUIDInstructionExecution, 0, 0, events.StageAll)); got != 3 {
		t.Errorf("StageAll query matched %d events, want all 3", got)
	}

	if got := len(s.Matching(events.CPUIDInstructionExecution, 0, 0, events.StagePre)); got != 2 {
		t.Errorf("StagePre query matched %d events, want pre + all = 2", got)
	}
}

func TestExceptionBitmapMaskForCoreORsVectors(t *testing.T) {
	t.Parallel()

	s := events.NewStore(1)

	if _, err := s.Create(events.CreateOptions{
		Kind: events.ExceptionOccurred, CoreID: events.AllCores, ProcessID: events.AllProcesses,
		Options: events.Options{P1: 1},
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.Create(events.CreateOptions{
		Kind: events.ExceptionOccurred, CoreID: events.AllCores, ProcessID: events.AllProcesses,
		Options: events.Options{P1: 3},
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mask := s.ExceptionBitmapMaskForCore(0)

	if mask != (1<<1)|(1<<3) {
		t.Errorf("mask = %#b, want bits 1 and 3", mask)
	}
}

func TestMatchingScopesByCoreProcessAndStage(t *testing.T) {
	t.Parallel()

	s := events.NewStore(1)

	if _, err := s.Create(events.CreateOptions{
		Kind: events.CPUIDInstructionExecution, CoreID: 2, ProcessID: events.AllProcesses, Stage: events.StagePre,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.Create(events.CreateOptions{
		Kind: events.CPUIDInstructionExecution, CoreID: events.AllCores, ProcessID: events.AllProcesses, Stage: events.StagePost,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	matches := s.Matching(events.CPUIDInstructionExecution, 2, 99, events.StagePre)
	if len(matches) != 1 {
		t.Fatalf("Matching = %d events, want 1", len(matches))
	}

	matches = s.Matching(events.CPUIDInstructionExecution, 5, 99, events.StagePre)
	if len(matches) != 0 {
		t.Fatalf("Matching on non-matching core = %d events, want 0", len(matches))
	}
}
