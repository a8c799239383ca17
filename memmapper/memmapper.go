// Package memmapper provides cross-address-space memory access from
// simulated root mode, without using the paged primitives that would be
// unsafe to call at that IRQL.
//
// A real implementation reserves one kernel virtual address per core and
// repoints its PTE at whatever physical page it needs to touch next. This
// simulation reaches the same semantics with a plain map from physical
// address to backing bytes: ReadSafe/WriteSafe fail with ErrNotPresent
// exactly when the real PTE-patch path would, and the per-core "reserved
// PTE" is modeled as a small struct so tests can assert it is repointed
// rather than duplicated.
package memmapper

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotPresent is returned when a translation step encounters a page that
// is not mapped in the target address space.
var ErrNotPresent = errors.New("page table entry not present")

// AddressSpace is a foreign guest's physical memory, addressed by CR3. The
// zero value is an empty space.
type AddressSpace struct {
	CR3 uint64

	mu     sync.RWMutex
	pages  map[uint64][]byte // physical page number -> 4096 bytes
	valid  map[uint64]bool   // virtual page number -> present
	vtoPhy map[uint64]uint64 // virtual page number -> physical page number
}

const pageSize = 4096

// NewAddressSpace creates an empty foreign address space identified by cr3.
func NewAddressSpace(cr3 uint64) *AddressSpace {
	return &AddressSpace{
		CR3:    cr3,
		pages:  make(map[uint64][]byte),
		valid:  make(map[uint64]bool),
		vtoPhy: make(map[uint64]uint64),
	}
}

// MapPage installs a present translation from va's page to a freshly
// zeroed physical page, standing in for the target CR3's own page tables.
// If va's page already has a translation, MapPage returns its physical
// page number and changes nothing: the contents are kept, and a page
// marked not-present by Unmap stays not-present.
func (s *AddressSpace) MapPage(va uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	vpn := va / pageSize

	if phys, ok := s.vtoPhy[vpn]; ok {
		return phys
	}

	phys := vpn // identity-ish for simulation purposes; callers only compare, never interpret, these numbers
	s.vtoPhy[vpn] = phys
	s.valid[vpn] = true
	s.pages[phys] = make([]byte, pageSize)

	return phys
}

// Unmap marks va's page not-present, simulating a paged-out or unmapped
// guest page for NotPresent-path tests.
func (s *AddressSpace) Unmap(va uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.valid[va/pageSize] = false
}

func (s *AddressSpace) translate(va uint64) (phys uint64, off int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vpn := va / pageSize

	if present, ok := s.valid[vpn]; !ok || !present {
		return 0, 0, fmt.Errorf("va=%#x: %w", va, ErrNotPresent)
	}

	return s.vtoPhy[vpn], int(va % pageSize), nil
}

// Translate resolves va to its physical address in this space, failing
// with ErrNotPresent when the page is unmapped.
func (s *AddressSpace) Translate(va uint64) (uint64, error) {
	phys, off, err := s.translate(va)
	if err != nil {
		return 0, err
	}

	return phys*pageSize + uint64(off), nil
}

// ReverseLookup resolves a physical address back to the virtual address
// mapping it, failing with ErrNotPresent when no present mapping refers to
// the page.
func (s *AddressSpace) ReverseLookup(phys uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ppn := phys / pageSize

	for vpn, p := range s.vtoPhy {
		if p == ppn && s.valid[vpn] {
			return vpn*pageSize + phys%pageSize, nil
		}
	}

	return 0, fmt.Errorf("phys=%#x: %w", phys, ErrNotPresent)
}

// ReservedPTE models the single per-core reserved virtual address and the
// PTE that maps it, repointed on every cross-CR3 access rather than
// allocated fresh.
type ReservedPTE struct {
	VA          uint64
	mappedPhys  uint64
	mappedCR3   uint64
	repointings int
}

// Mapped reports the physical page and CR3 the reserved PTE currently
// points at, plus how many times it has been repointed.
func (r *ReservedPTE) Mapped() (phys, cr3 uint64, repointings int) {
	return r.mappedPhys, r.mappedCR3, r.repointings
}

// Mapper owns one ReservedPTE per core.
type Mapper struct {
	mu       sync.Mutex
	reserved []ReservedPTE
}

// DefaultReservedVABase is where the per-core reserved pages live when the
// caller does not pick a base: the bottom of the canonical kernel half,
// where a real driver would carve its per-core mapping window.
const DefaultReservedVABase = uint64(0xFFFF800000000000)

// New allocates a Mapper with one reserved virtual address per core,
// starting at reservedVABase (DefaultReservedVABase if zero) and
// incrementing by one page per core.
func New(numCores int, reservedVABase uint64) *Mapper {
	if reservedVABase == 0 {
		reservedVABase = DefaultReservedVABase
	}

	m := &Mapper{reserved: make([]ReservedPTE, numCores)}

	for i := range m.reserved {
		m.reserved[i].VA = reservedVABase + uint64(i)*pageSize
	}

	return m
}

// GetPTE returns the reserved PTE record for core, without switching CR3 —
// matching the read-only "view a paging-structure entry" contract.
func (m *Mapper) GetPTE(core int) (*ReservedPTE, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if core < 0 || core >= len(m.reserved) {
		return nil, fmt.Errorf("core %d: %w", core, ErrNotPresent)
	}

	return &m.reserved[core], nil
}

// MapPhysicalToPTE repoints core's reserved PTE at phys within space,
// invalidating the previous single TLB entry (modeled here as simply
// overwriting the mapping).
func (m *Mapper) MapPhysicalToPTE(core int, space *AddressSpace, phys uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if core < 0 || core >= len(m.reserved) {
		return fmt.Errorf("core %d: %w", core, ErrNotPresent)
	}

	r := &m.reserved[core]
	r.mappedPhys = phys
	r.mappedCR3 = space.CR3
	r.repointings++

	return nil
}

// ReadSafe reads len(dst) bytes from va in the address space identified by
// cr3, repointing core's reserved PTE as needed. It fails with ErrNotPresent
// if va or any straddled page is unmapped.
func (m *Mapper) ReadSafe(core int, space *AddressSpace, dst []byte, va uint64) error {
	return m.accessSafe(core, space, va, len(dst), func(phys uint64, off, done, n int) error {
		space.mu.RLock()
		defer space.mu.RUnlock()

		copy(dst[done:done+n], space.pages[phys][off:off+n])

		return nil
	})
}

// WriteSafe mirrors ReadSafe for writes.
func (m *Mapper) WriteSafe(core int, space *AddressSpace, va uint64, src []byte) error {
	return m.accessSafe(core, space, va, len(src), func(phys uint64, off, done, n int) error {
		space.mu.Lock()
		defer space.mu.Unlock()

		copy(space.pages[phys][off:off+n], src[done:done+n])

		return nil
	})
}

// accessSafe walks va..va+n one page at a time (an access may straddle a
// page boundary), repointing the reserved PTE for each page and invoking
// fn with the physical page, the in-page offset, the progress through the
// caller's buffer, and the byte count for that chunk.
func (m *Mapper) accessSafe(core int, space *AddressSpace, va uint64, n int, fn func(phys uint64, off, done, chunk int) error) error {
	done := 0

	for done < n {
		cur := va + uint64(done)

		phys, off, err := space.translate(cur)
		if err != nil {
			return err
		}

		if err := m.MapPhysicalToPTE(core, space, phys); err != nil {
			return err
		}

		chunk := pageSize - off
		if remain := n - done; chunk > remain {
			chunk = remain
		}

		if err := fn(phys, off, done, chunk); err != nil {
			return err
		}

		done += chunk
	}

	return nil
}
