// Package hooks implements the shadow-page hook engine: hidden
// breakpoints, inline detours, memory monitors and execution traps, all
// built on the same HookedPageDetail/fake-page mechanism.
package hooks

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/arch/x86/x86asm"

	"github.com/hyperdbg-go/hvdbg/ept"
)

// ErrAlreadyHooked is returned by Hook/HookInline/Monitor when a detail for
// the (physical page, tag) pair already exists.
var ErrAlreadyHooked = errors.New("page already hooked under this tag")

// ErrUnsplitFailed is returned when the EPT split underlying a hook
// installation cannot be performed (no pre-allocated block).
var ErrUnsplitFailed = errors.New("unsplit failed")

// ErrOutOfRange is returned when a target virtual address resolves to a
// physical address outside the identity-mapped range.
var ErrOutOfRange = errors.New("target address out of identity-mapped range")

// ViolationKind distinguishes which access right tripped an EPT violation.
type ViolationKind int

const (
	ViolationNone ViolationKind = iota
	ViolationRead
	ViolationWrite
	ViolationExecute
)

// MemType selects how Monitor interprets range: a virtual or physical
// range, over normal RAM or MMIO.
type MemType int

const (
	MemTypeVirtualNormal MemType = iota
	MemTypePhysicalNormal
	MemTypeVirtualMMIO
	MemTypePhysicalMMIO
)

const pageSize = 4096

// HookContext describes the violation that caused the most recent trap on
// a page, handed to EventDispatch.
type HookContext struct {
	HookTag      uint64
	PhysicalAddr uint64
	VirtualAddr  uint64
}

// DetourDetails records the return point for an inline hook so the trampoline
// can recover it, mirroring the registry referenced from HookedPageDetail.
type DetourDetails struct {
	HookedFnVA    uint64
	ReturnAddress uint64
}

// HookedPageDetail is the per-physical-page record created on first hook
// and destroyed only when every hook on the page is removed.
type HookedPageDetail struct {
	FakePage              [pageSize]byte
	PhysicalBase          uint64
	VirtualBaseInOwnerCR3 uint64
	FakePagePhysicalBase  uint64

	OriginalPML1 ept.PML1Entry
	CurrentPML1  ept.PML1Entry

	TrampolineBytes []byte

	IsExecutionHook    bool
	IsHiddenBreakpoint bool
	IsPostEventAllowed bool

	LastViolationKind ViolationKind
	LastContext       HookContext

	BreakpointAddresses [40]uint64
	PreviousByteAtBP    [40]byte
	BPCount             int

	HookingTag uint64

	Detour *DetourDetails

	// usesFakePage is true for hidden-breakpoint and inline-detour
	// hooks, whose steady-state PML1 entry points at FakePage so
	// instruction fetch sees the patched content; a data access to the
	// same page then traps and OnViolation retargets the entry at
	// PhysicalBase for the single permitted access. Monitor hooks leave
	// this false: their PML1 entry always points at the real page, and
	// only the permission bits change.
	usesFakePage bool

	// mtfPending is true between the moment a violation flipped the
	// PML1 entry to permit the offending access and the MTF handler's
	// restoration.
	mtfPending bool
}

// Engine owns every HookedPageDetail, keyed by (physical page, tag).
type Engine struct {
	table *ept.Table

	mu           sync.Mutex
	details      map[pageKey]*HookedPageDetail
	nextFakePhys uint64
}

type pageKey struct {
	page uint64
	tag  uint64
}

// fakePageBase is the first physical address the engine hands out for
// shadow (fake) pages. It is well above any identity-mapped guest RAM
// range used in this tree's simulated address spaces, so fake pages never
// collide with real physical pages.
const fakePageBase = uint64(1) << 40

// New creates a hook engine backed by table.
func New(table *ept.Table) *Engine {
	return &Engine{
		table:        table,
		details:      make(map[pageKey]*HookedPageDetail),
		nextFakePhys: fakePageBase,
	}
}

func pageOf(va uint64) uint64 { return va &^ (pageSize - 1) }

func frameOf(phys uint64) uint64 { return phys / pageSize }

// allocFakePagePhysicalBase hands out the next unused fake-page physical
// address. Callers must hold e.mu.
func (e *Engine) allocFakePagePhysicalBase() uint64 {
	addr := e.nextFakePhys
	e.nextFakePhys += pageSize

	return addr
}

// splitError classifies a failure from the underlying EPT split/lookup as
// either an out-of-range target or a plain unsplit failure.
func (e *Engine) splitError(targetVA uint64, cause error) error {
	if errors.Is(cause, ept.ErrUnmappedPhysicalAddress) {
		return fmt.Errorf("hook va=%#x: %w", targetVA, ErrOutOfRange)
	}

	return fmt.Errorf("hook va=%#x: %w", targetVA, ErrUnsplitFailed)
}

// Hook installs a hidden breakpoint at targetVA: the fake page's byte at
// the target offset is overwritten with 0xCC, and the real page's original
// byte is preserved for single-step restoration.
func (e *Engine) Hook(targetVA uint64, pid uint64, tag uint64, realPage [pageSize]byte, split []ept.PML1Entry) (*HookedPageDetail, error) {
	phys := pageOf(targetVA)

	e.mu.Lock()
	defer e.mu.Unlock()

	key := pageKey{phys, tag}
	if _, exists := e.details[key]; exists {
		return nil, fmt.Errorf("hook va=%#x tag=%#x: %w", targetVA, tag, ErrAlreadyHooked)
	}

	if _, err := e.table.SplitLargePage(phys, split); err != nil {
		return nil, e.splitError(targetVA, err)
	}

	d := &HookedPageDetail{
		PhysicalBase:          phys,
		VirtualBaseInOwnerCR3: pageOf(targetVA),
		FakePagePhysicalBase:  e.allocFakePagePhysicalBase(),
		IsHiddenBreakpoint:    true,
		HookingTag:            tag,
		usesFakePage:          true,
	}

	d.FakePage = realPage

	off := targetVA & (pageSize - 1)
	d.PreviousByteAtBP[0] = d.FakePage[off]
	d.FakePage[off] = 0xCC
	d.BPCount = 1
	d.BreakpointAddresses[0] = targetVA

	orig, err := e.table.GetPML1(phys)
	if err != nil {
		return nil, fmt.Errorf("hook va=%#x: %w", targetVA, ErrUnsplitFailed)
	}

	d.OriginalPML1 = *orig
	d.CurrentPML1 = ept.PML1Entry{PFN: frameOf(d.FakePagePhysicalBase), Execute: true}

	if err := e.table.SetPML1AndInvalidate(phys, d.CurrentPML1, ept.InveptSingleContext); err != nil {
		return nil, err
	}

	e.details[key] = d

	return d, nil
}

// HookInline installs an inline detour: the fake page begins, at the
// target offset, with a trampoline that transfers control to hookFn. It
// shares Hook's split/fake-page machinery but records a DetourDetails
// instead of a breakpoint byte. The return address is placed after the
// last whole instruction the trampoline displaces, never mid-instruction.
func (e *Engine) HookInline(targetVA, hookFn, pid, tag uint64, realPage [pageSize]byte, trampoline []byte, split []ept.PML1Entry) (*HookedPageDetail, error) {
	off := targetVA & (pageSize - 1)
	displaced := displacedLength(realPage[off:], len(trampoline))

	d, err := e.installShadow(targetVA, tag, realPage, split, false, true)
	if err != nil {
		return nil, err
	}

	d.TrampolineBytes = trampoline
	d.Detour = &DetourDetails{HookedFnVA: hookFn, ReturnAddress: targetVA + uint64(displaced)}

	copy(d.FakePage[off:], trampoline)

	return d, nil
}

// displacedLength decodes instructions at the start of code until at least
// min bytes are covered, so the detour resumes on an instruction boundary.
// Bytes that do not decode stop the walk; min is the floor either way.
func displacedLength(code []byte, min int) int {
	total := 0

	for total < min {
		inst, err := x86asm.Decode(code[total:], 64)
		if err != nil {
			break
		}

		total += inst.Len
	}

	if total < min {
		return min
	}

	return total
}

// installShadow is the shared setup for Hook-family calls that are not the
// hidden-breakpoint 0xCC case. usesFakePage selects whether the steady-state
// CurrentPML1 entry points at a freshly-allocated fake page (inline detours,
// whose trampoline lives in FakePage) or at the real page itself (memory
// monitors, which only vary permission bits).
func (e *Engine) installShadow(targetVA, tag uint64, realPage [pageSize]byte, split []ept.PML1Entry, execHook, usesFakePage bool) (*HookedPageDetail, error) {
	phys := pageOf(targetVA)

	e.mu.Lock()
	defer e.mu.Unlock()

	key := pageKey{phys, tag}
	if _, exists := e.details[key]; exists {
		return nil, fmt.Errorf("hook va=%#x tag=%#x: %w", targetVA, tag, ErrAlreadyHooked)
	}

	if _, err := e.table.SplitLargePage(phys, split); err != nil {
		return nil, e.splitError(targetVA, err)
	}

	orig, err := e.table.GetPML1(phys)
	if err != nil {
		return nil, e.splitError(targetVA, err)
	}

	d := &HookedPageDetail{
		PhysicalBase:          phys,
		VirtualBaseInOwnerCR3: phys,
		IsExecutionHook:       execHook,
		HookingTag:            tag,
		FakePage:              realPage,
		OriginalPML1:          *orig,
		usesFakePage:          usesFakePage,
	}

	pfn := frameOf(phys)
	if usesFakePage {
		d.FakePagePhysicalBase = e.allocFakePagePhysicalBase()
		pfn = frameOf(d.FakePagePhysicalBase)
	}

	d.CurrentPML1 = ept.PML1Entry{PFN: pfn, Execute: true}

	if err := e.table.SetPML1AndInvalidate(phys, d.CurrentPML1, ept.InveptSingleContext); err != nil {
		return nil, err
	}

	e.details[key] = d

	return d, nil
}

// Monitor installs a read/write/execute memory monitor over range, one
// HookedPageDetail per 4-KB page, with CurrentPML1 permissions set to the
// complement of rwxMask.
func (e *Engine) Monitor(fromVA, toVA uint64, rwxMask ViolationKind, memType MemType, pid, tag uint64, pages map[uint64][pageSize]byte, splits map[uint64][]ept.PML1Entry) ([]*HookedPageDetail, error) {
	if toVA < fromVA {
		return nil, fmt.Errorf("monitor range %#x..%#x: invalid address", fromVA, toVA)
	}

	var installed []*HookedPageDetail

	for va := pageOf(fromVA); va <= toVA; va += pageSize {
		d, err := e.installShadow(va, tag, pages[va], splits[va], false, false)
		if err != nil {
			return installed, err
		}

		d.CurrentPML1.Read = rwxMask != ViolationRead
		d.CurrentPML1.Write = rwxMask != ViolationWrite
		d.CurrentPML1.Execute = rwxMask != ViolationExecute

		if err := e.table.SetPML1AndInvalidate(d.PhysicalBase, d.CurrentPML1, ept.InveptSingleContext); err != nil {
			return installed, err
		}

		installed = append(installed, d)
	}

	return installed, nil
}

// ExecTrap installs an execute trap over range: like Monitor, but the
// entries drop execute so any instruction fetch in the range exits, and
// the details are flagged as execution hooks.
func (e *Engine) ExecTrap(fromVA, toVA, pid, tag uint64, pages map[uint64][pageSize]byte, splits map[uint64][]ept.PML1Entry) ([]*HookedPageDetail, error) {
	if toVA < fromVA {
		return nil, fmt.Errorf("exec trap range %#x..%#x: invalid address", fromVA, toVA)
	}

	var installed []*HookedPageDetail

	for va := pageOf(fromVA); va <= toVA; va += pageSize {
		d, err := e.installShadow(va, tag, pages[va], splits[va], true, false)
		if err != nil {
			return installed, err
		}

		d.CurrentPML1.Read = true
		d.CurrentPML1.Write = true
		d.CurrentPML1.Execute = false

		if err := e.table.SetPML1AndInvalidate(d.PhysicalBase, d.CurrentPML1, ept.InveptSingleContext); err != nil {
			return installed, err
		}

		installed = append(installed, d)
	}

	return installed, nil
}

// OnViolation records the violation and, unless a post-event is pending,
// flips the PML1 entry to permit the offending access and arms the MTF
// restore cycle. Callers invoke RestoreAfterMTF once the single step has
// retired.
func (e *Engine) OnViolation(phys uint64, kind ViolationKind, ctx HookContext) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.findByPhys(phys)
	if d == nil {
		return fmt.Errorf("violation on unhooked page %#x", phys)
	}

	d.LastViolationKind = kind
	d.LastContext = ctx

	permitted := d.CurrentPML1

	switch kind {
	case ViolationRead:
		permitted.Read = true
	case ViolationWrite:
		permitted.Write = true
	case ViolationExecute:
		permitted.Execute = true
	}

	// A read or write against a page whose steady state points at the fake
	// page must be satisfied by the real page's contents: retarget the PFN
	// for the duration of the single step, restored by RestoreAfterMTF.
	if d.usesFakePage && (kind == ViolationRead || kind == ViolationWrite) {
		permitted.PFN = frameOf(d.PhysicalBase)
	}

	if err := e.table.SetPML1AndInvalidate(d.PhysicalBase, permitted, ept.InveptSingleContext); err != nil {
		return err
	}

	d.mtfPending = true

	return nil
}

// RestoreAfterMTF reverses the permissive flip made by OnViolation,
// restoring CurrentPML1, so the entry is back at its hook-steady-state
// value before the guest re-executes the offending instruction.
func (e *Engine) RestoreAfterMTF(phys uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.findByPhys(phys)
	if d == nil || !d.mtfPending {
		return nil
	}

	d.mtfPending = false

	return e.table.SetPML1AndInvalidate(d.PhysicalBase, d.CurrentPML1, ept.InveptSingleContext)
}

func (e *Engine) findByPhys(phys uint64) *HookedPageDetail {
	for k, d := range e.details {
		if k.page == phys {
			return d
		}
	}

	return nil
}

// UnhookSingle is the non-root-mode unhook request: the caller does not
// need the original entry back, only the restore and its invalidation.
func (e *Engine) UnhookSingle(phys, tag uint64) error {
	_, err := e.UnhookSingleFromRoot(phys, tag)

	return err
}

// UnhookSingleFromRoot restores a single page's original PML1 entry and
// removes its detail, returning the original entry so a root-mode caller
// can re-invalidate EPT on the other cores.
func (e *Engine) UnhookSingleFromRoot(phys, tag uint64) (ept.PML1Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := pageKey{phys, tag}

	d, ok := e.details[key]
	if !ok {
		return ept.PML1Entry{}, fmt.Errorf("unhook phys=%#x tag=%#x: not hooked", phys, tag)
	}

	if err := e.table.SetPML1AndInvalidate(phys, d.OriginalPML1, ept.InveptSingleContext); err != nil {
		return ept.PML1Entry{}, err
	}

	delete(e.details, key)

	return d.OriginalPML1, nil
}

// UnhookAll walks every HookedPageDetail, restores its entry, and removes
// it from the table.
func (e *Engine) UnhookAll() error {
	e.mu.Lock()
	keys := make([]pageKey, 0, len(e.details))

	for k := range e.details {
		keys = append(keys, k)
	}

	e.mu.Unlock()

	for _, k := range keys {
		if _, err := e.UnhookSingleFromRoot(k.page, k.tag); err != nil {
			return err
		}
	}

	return nil
}

// Count reports the number of currently-installed hook details, used by
// ProtectedHv's EPT-hook-count integrity input.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.details)
}

// Lookup returns the detail for (phys, tag), if any.
func (e *Engine) Lookup(phys, tag uint64) (*HookedPageDetail, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.details[pageKey{phys, tag}]

	return d, ok
}

// BreakpointInfo summarizes one installed hidden breakpoint for the kernel
// debugger controller's list-breakpoints reply.
type BreakpointInfo struct {
	Address uint64
	Tag     uint64
}

// ListBreakpoints reports every address currently hidden-breakpointed
// across all pages and tags.
func (e *Engine) ListBreakpoints() []BreakpointInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []BreakpointInfo

	for k, d := range e.details {
		if !d.IsHiddenBreakpoint {
			continue
		}

		for i := 0; i < d.BPCount; i++ {
			out = append(out, BreakpointInfo{Address: d.BreakpointAddresses[i], Tag: k.tag})
		}
	}

	return out
}
