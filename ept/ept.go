// Package ept simulates the identity-mapped Extended Page Table every core
// builds on first entry to root mode: a 512-entry PML4/PML3 with 2-MB PML2
// leaves, split to 4-KB PML1 pages on demand by the hook engine.
//
// There is no real second-level address translation hardware behind
// this: PML1/PML2 entries are plain structs and "INVEPT" is a counter
// bump plus a lock.
package ept

import (
	"errors"
	"fmt"
	"sync"
)

const (
	pml4Entries = 512
	pml3Entries = 512
	pml2Entries = 512
	pml1Entries = 512

	page2MB = 2 << 20
	page4KB = 4 << 10

	// MaxMTRRRanges bounds the number of BIOS memory-type ranges recorded
	// at virtualization time.
	MaxMTRRRanges = 9
)

// MemType is an EPT memory-type attribute, copied onto PML2 leaves from the
// MTRR ranges and propagated down to PML1 entries on split.
type MemType uint8

const (
	MemTypeUncacheable MemType = iota
	MemTypeWriteCombining
	MemTypeWriteThrough
	MemTypeWriteProtected
	MemTypeWriteBack
)

// ErrUnmappedPhysicalAddress is returned when a caller addresses memory
// at or beyond the 512-GB identity map (512 PML3 x 512 PML2 2-MB leaves).
var ErrUnmappedPhysicalAddress = errors.New("physical address outside identity-mapped range")

// ErrUnsplitFailed is returned when SplitLargePage is invoked without a
// pre-allocated PML1 block to consume.
var ErrUnsplitFailed = errors.New("no pre-allocated split block available")

// PML1Entry is one 4-KB leaf, holding the translation and access rights the
// hook engine mutates to install and lift shadow pages.
type PML1Entry struct {
	PFN     uint64 // physical frame number this entry currently translates to
	Read    bool
	Write   bool
	Execute bool
	MemType MemType
}

// pml2Entry is a 2-MB leaf until split, after which PML1 is non-nil and the
// leaf fields are ignored.
type pml2Entry struct {
	pfn     uint64
	read    bool
	write   bool
	execute bool
	memType MemType

	split bool
	pml1  []PML1Entry
}

// MTRRRange is one BIOS-reported memory-type range.
type MTRRRange struct {
	Base    uint64
	Size    uint64
	MemType MemType
}

// Table is one core's (or, when shared, the system's) identity-mapped EPT.
type Table struct {
	mu sync.Mutex

	pml2 [pml3Entries][pml2Entries]pml2Entry

	mtrrs []MTRRRange

	// invalidations counts simulated INVEPT executions, partitioned by
	// scope, for tests asserting the cross-core visibility story.
	singleContextInvalidations int
	allContextInvalidations    int
}

// New builds an identity-mapped EPT covering the first 512 GB of physical
// memory whatever mtrrs hold; mtrrs only select each 2-MB granule's memory
// type (taken from the first range that contains it, defaulting to
// write-back). mtrrs must not exceed MaxMTRRRanges entries.
func New(mtrrs []MTRRRange) (*Table, error) {
	if len(mtrrs) > MaxMTRRRanges {
		return nil, fmt.Errorf("ept: %d MTRR ranges exceeds maximum %d", len(mtrrs), MaxMTRRRanges)
	}

	t := &Table{mtrrs: append([]MTRRRange(nil), mtrrs...)}

	for pml3 := 0; pml3 < pml3Entries; pml3++ {
		for pml2 := 0; pml2 < pml2Entries; pml2++ {
			base := uint64(pml3)*pml3Entries*page2MB + uint64(pml2)*page2MB
			t.pml2[pml3][pml2] = pml2Entry{
				pfn:     base / page4KB,
				read:    true,
				write:   true,
				execute: true,
				memType: t.memTypeFor(base),
			}
		}
	}

	return t, nil
}

func (t *Table) memTypeFor(phys uint64) MemType {
	for _, r := range t.mtrrs {
		if phys >= r.Base && phys < r.Base+r.Size {
			return r.MemType
		}
	}

	return MemTypeWriteBack
}

func indices(phys uint64) (pml3, pml2 int, offset uint64) {
	pml3 = int(phys / (pml2Entries * page2MB))
	rem := phys % (pml2Entries * page2MB)
	pml2 = int(rem / page2MB)
	offset = rem % page2MB

	return
}

// SplitLargePage converts the 2-MB leaf covering phys into a PML1 pointer,
// consuming the caller-supplied pre-allocated 512-entry block (typically
// obtained from rootpool with intent SplitToPml1). It is a no-op, returning
// the existing PML1 slice, if the page is already split.
func (t *Table) SplitLargePage(phys uint64, preallocated []PML1Entry) ([]PML1Entry, error) {
	pml3i, pml2i, err := t.boundsCheck(phys)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	leaf := &t.pml2[pml3i][pml2i]
	if leaf.split {
		return leaf.pml1, nil
	}

	if preallocated == nil || len(preallocated) != pml1Entries {
		return nil, fmt.Errorf("split phys=%#x: %w", phys, ErrUnsplitFailed)
	}

	base2MB := leaf.pfn * page4KB

	for i := range preallocated {
		preallocated[i] = PML1Entry{
			PFN:     base2MB/page4KB + uint64(i),
			Read:    leaf.read,
			Write:   leaf.write,
			Execute: leaf.execute,
			MemType: leaf.memType,
		}
	}

	leaf.split = true
	leaf.pml1 = preallocated

	return leaf.pml1, nil
}

// GetPML1 returns a mutable reference to the PML1 entry covering phys,
// which must already have been split.
func (t *Table) GetPML1(phys uint64) (*PML1Entry, error) {
	pml3i, pml2i, offset := indices(phys)
	if pml3i >= pml3Entries {
		return nil, fmt.Errorf("get pml1 phys=%#x: %w", phys, ErrUnmappedPhysicalAddress)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	leaf := &t.pml2[pml3i][pml2i]
	if !leaf.split {
		return nil, fmt.Errorf("get pml1 phys=%#x: %w", phys, ErrUnsplitFailed)
	}

	idx := offset / page4KB

	return &leaf.pml1[idx], nil
}

// InveptScope selects the invalidation scope performed alongside a PML1
// edit.
type InveptScope int

const (
	InveptSingleContext InveptScope = iota
	InveptAllContexts
)

// SetPML1AndInvalidate overwrites the PML1 entry at phys with newValue,
// then performs a simulated INVEPT of the requested scope. The whole
// operation is serialized under the table lock.
func (t *Table) SetPML1AndInvalidate(phys uint64, newValue PML1Entry, scope InveptScope) error {
	pml3i, pml2i, offset := indices(phys)
	if pml3i >= pml3Entries {
		return fmt.Errorf("set pml1 phys=%#x: %w", phys, ErrUnmappedPhysicalAddress)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	leaf := &t.pml2[pml3i][pml2i]
	if !leaf.split {
		return fmt.Errorf("set pml1 phys=%#x: %w", phys, ErrUnsplitFailed)
	}

	leaf.pml1[offset/page4KB] = newValue

	switch scope {
	case InveptSingleContext:
		t.singleContextInvalidations++
	case InveptAllContexts:
		t.allContextInvalidations++
	}

	return nil
}

// Invalidations reports the number of simulated INVEPT executions of each
// scope, used by concurrency tests.
func (t *Table) Invalidations() (single, all int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.singleContextInvalidations, t.allContextInvalidations
}

func (t *Table) boundsCheck(phys uint64) (pml3, pml2 int, err error) {
	pml3, pml2, _ = indices(phys)
	if pml3 >= pml3Entries {
		return 0, 0, fmt.Errorf("phys=%#x: %w", phys, ErrUnmappedPhysicalAddress)
	}

	return pml3, pml2, nil
}
