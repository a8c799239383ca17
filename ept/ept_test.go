package ept_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/hyperdbg-go/hvdbg/ept"
)

func newPreallocated() []ept.PML1Entry {
	return make([]ept.PML1Entry, 512)
}

func TestIdentityMapCoversRequestedRange(t *testing.T) {
	t.Parallel()

	tbl, err := ept.New([]ept.MTRRRange{{Base: 0, Size: 1 << 30, MemType: ept.MemTypeWriteBack}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	block := newPreallocated()

	if _, err := tbl.SplitLargePage(0x200000, block); err != nil {
		t.Fatalf("SplitLargePage: %v", err)
	}

	entry, err := tbl.GetPML1(0x200000)
	if err != nil {
		t.Fatalf("GetPML1: %v", err)
	}

	if entry.PFN != 0x200000/4096 {
		t.Errorf("PFN = %#x, want %#x", entry.PFN, 0x200000/4096)
	}
}

func TestSplitTwiceReturnsSameBlock(t *testing.T) {
	t.Parallel()

	tbl, _ := ept.New(nil)

	b1, err := tbl.SplitLargePage(0, newPreallocated())
	if err != nil {
		t.Fatalf("first split: %v", err)
	}

	b2, err := tbl.SplitLargePage(0, newPreallocated())
	if err != nil {
		t.Fatalf("second split: %v", err)
	}

	if &b1[0] != &b2[0] {
		t.Errorf("re-split returned a different PML1 block")
	}
}

func TestSplitWithoutPreallocatedBlockFails(t *testing.T) {
	t.Parallel()

	tbl, _ := ept.New(nil)

	if _, err := tbl.SplitLargePage(0, nil); !errors.Is(err, ept.ErrUnsplitFailed) {
		t.Errorf("got %v, want ErrUnsplitFailed", err)
	}
}

func TestGetPML1BeforeSplitFails(t *testing.T) {
	t.Parallel()

	tbl, _ := ept.New(nil)

	if _, err := tbl.GetPML1(0x400000); !errors.Is(err, ept.ErrUnsplitFailed) {
		t.Errorf("got %v, want ErrUnsplitFailed", err)
	}
}

func TestOutOfRangeAddressFails(t *testing.T) {
	t.Parallel()

	tbl, _ := ept.New(nil)

	huge := uint64(pml3Span) * 4096

	if _, err := tbl.GetPML1(huge); !errors.Is(err, ept.ErrUnmappedPhysicalAddress) {
		t.Errorf("got %v, want ErrUnmappedPhysicalAddress", err)
	}
}

// pml3Span is the number of 4-KB pages spanned by all PML3 entries
// (512 PML3 * 512 PML2 * 512 PML1), used only to construct an address
// guaranteed out of range without duplicating ept's internal constants.
const pml3Span = 512 * 512 * 512

func TestSetPML1AndInvalidateCountsScope(t *testing.T) {
	t.Parallel()

	tbl, _ := ept.New(nil)

	if _, err := tbl.SplitLargePage(0, newPreallocated()); err != nil {
		t.Fatalf("split: %v", err)
	}

	if err := tbl.SetPML1AndInvalidate(0, ept.PML1Entry{Execute: true}, ept.InveptSingleContext); err != nil {
		t.Fatalf("SetPML1AndInvalidate: %v", err)
	}

	if err := tbl.SetPML1AndInvalidate(0, ept.PML1Entry{Read: true}, ept.InveptAllContexts); err != nil {
		t.Fatalf("SetPML1AndInvalidate: %v", err)
	}

	single, all := tbl.Invalidations()
	if single != 1 || all != 1 {
		t.Errorf("Invalidations() = (%d, %d), want (1, 1)", single, all)
	}

	entry, _ := tbl.GetPML1(0)
	if !entry.Read || entry.Execute {
		t.Errorf("entry = %+v, want last write (Read only) to have applied", entry)
	}
}

// TestConcurrentEditsSerialize: concurrent writers never corrupt the
// invalidation counters, and every call either succeeds or reports a
// real error.
func TestConcurrentEditsSerialize(t *testing.T) {
	t.Parallel()

	tbl, _ := ept.New(nil)

	if _, err := tbl.SplitLargePage(0, newPreallocated()); err != nil {
		t.Fatalf("split: %v", err)
	}

	var wg sync.WaitGroup

	const writers = 16

	for i := 0; i < writers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			_ = tbl.SetPML1AndInvalidate(0, ept.PML1Entry{PFN: uint64(i)}, ept.InveptSingleContext)
		}(i)
	}

	wg.Wait()

	single, _ := tbl.Invalidations()
	if single != writers {
		t.Errorf("single-context invalidations = %d, want %d", single, writers)
	}
}
