// Package syscallhook emulates the EFER-hook interception of SYSCALL and
// SYSRET, and the post-syscall trap-flag callback mechanism used by the
// transparency subsystem.
package syscallhook

import (
	"sort"
	"sync"

	"golang.org/x/arch/x86/x86asm"

	"github.com/hyperdbg-go/hvdbg/cpustate"
)

// Mode selects how a trapping #UD is classified.
type Mode int

const (
	// ModeSafe inspects the actual instruction bytes via MemMapper to
	// distinguish SYSCALL (0F 05) from SYSRET (48 0F 07).
	ModeSafe Mode = iota
	// ModeHandleAllUD treats every #UD from kernel addresses as SYSRET
	// and from user addresses as SYSCALL, without the memory check.
	ModeHandleAllUD
)

// RFLAGS bits referenced by the emulation, re-exported from cpustate for
// readability at call sites.
const (
	flagRF  = cpustate.FlagRF
	flagVM  = cpustate.FlagVM
	flagVIF = cpustate.FlagVIF
	flagVIP = cpustate.FlagVIP
	flagID  = cpustate.FlagID
	fixed   = cpustate.Reserved
)

// Classification is Classify's verdict on a trapping #UD.
type Classification int

const (
	ClassifyNeither Classification = iota
	ClassifySyscall
	ClassifySysret
)

// Classify implements the two classification modes: ModeHandleAllUD keys on
// the privilege half the faulting RIP lives in, ModeSafe decodes the actual
// instruction bytes in 64-bit mode.
func Classify(mode Mode, insn []byte, ripIsKernel bool) Classification {
	if mode == ModeHandleAllUD {
		if ripIsKernel {
			return ClassifySysret
		}

		return ClassifySyscall
	}

	inst, err := x86asm.Decode(insn, 64)
	if err != nil {
		return ClassifyNeither
	}

	switch inst.Op {
	case x86asm.SYSCALL:
		return ClassifySyscall
	case x86asm.SYSRET:
		return ClassifySysret
	default:
		return ClassifyNeither
	}
}

// InstructionLength decodes the instruction at the start of insn in 64-bit
// mode and returns its length in bytes, falling back to fallback when the
// bytes do not decode (an unmapped or partially-read fetch).
func InstructionLength(insn []byte, fallback uint64) uint64 {
	inst, err := x86asm.Decode(insn, 64)
	if err != nil {
		return fallback
	}

	return uint64(inst.Len)
}

// EmulateSyscall rewrites regs/sregs exactly as real hardware would on
// SYSCALL: RCX = RIP + insnLen, RIP from IA32_LSTAR, R11 = RFLAGS, RFLAGS
// masked by IA32_FMASK and RF, CS/SS loaded from STAR bits 47:32 at DPL 0.
// It returns false for incrementRip, matching "increment_rip is cleared so
// the guest resumes at the new RIP".
func EmulateSyscall(regs *cpustate.Regs, sregs *cpustate.SRegs, insnLen uint64) (incrementRip bool) {
	regs.RCX = regs.RIP + insnLen
	regs.RIP = sregs.LSTAR
	regs.R11 = regs.RFLAGS
	regs.RFLAGS &^= sregs.FMASK | flagRF

	selector := uint16(sregs.STAR >> 32)
	sregs.CS = cpustate.CodeSegment64(selector, 0)
	sregs.SS = cpustate.DataSegment64(selector+8, 0)

	return false
}

// EmulateSysret rewrites regs/sregs as real hardware would on SYSRET: RIP
// = RCX, RFLAGS = (R11 & ~(RF|VM|reserved-bits)) | fixed, CS/SS loaded
// from STAR bits 63:48 at DPL 3.
func EmulateSysret(regs *cpustate.Regs, sregs *cpustate.SRegs) (incrementRip bool) {
	const reservedBits = 0xFFFFFFFFFFC08028 // RFLAGS bits 3, 5, 15 and 22-63

	regs.RIP = regs.RCX
	regs.RFLAGS = (regs.R11 &^ (flagRF | flagVM | reservedBits)) | fixed

	selector := uint16(sregs.STAR >> 48)
	sregs.CS = cpustate.CodeSegment64(selector+16, 3)
	sregs.SS = cpustate.DataSegment64(selector+8, 3)

	return false
}

// ArmTrapFlag sets TF in R11, which becomes RFLAGS once SYSRET retires,
// implementing the "sets the TF bit in R11" step of the post-syscall trap
// callback.
func ArmTrapFlag(regs *cpustate.Regs) {
	regs.R11 |= cpustate.FlagTF
}

// TrapEntry is one armed post-syscall trap callback.
type TrapEntry struct {
	PID     uint64
	TID     uint64
	Context any
	Params  any
}

func (e TrapEntry) key() uint64 { return e.PID<<32 | e.TID }

// Callback is invoked on the #DB that corresponds to an armed trap entry.
type Callback func(entry TrapEntry)

// TrapState is the sorted (pid, tid) registry of armed post-syscall trap
// callbacks, guarded by a single lock.
type TrapState struct {
	mu      sync.Mutex
	entries []TrapEntry
}

// Insert arms a callback for (pid, tid), keeping entries sorted by key so
// lookups can binary search.
func (s *TrapState) Insert(entry TrapEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entry.key()

	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].key() >= k })

	s.entries = append(s.entries, TrapEntry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = entry
}

// Lookup binary-searches for (pid, tid), returning the entry and its index
// if present.
func (s *TrapState) Lookup(pid, tid uint64) (TrapEntry, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lookupLocked(pid, tid)
}

func (s *TrapState) lookupLocked(pid, tid uint64) (TrapEntry, int, bool) {
	k := TrapEntry{PID: pid, TID: tid}.key()

	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].key() >= k })

	if i < len(s.entries) && s.entries[i].key() == k {
		return s.entries[i], i, true
	}

	return TrapEntry{}, -1, false
}

// Delete removes the entry for (pid, tid) via insertion-sort-delete
// (shifting the tail down by one), preserving sort order.
func (s *TrapState) Delete(pid, tid uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, i, ok := s.lookupLocked(pid, tid)
	if !ok {
		return false
	}

	copy(s.entries[i:], s.entries[i+1:])
	s.entries = s.entries[:len(s.entries)-1]

	return true
}

// OnDebugException is the #DB side of the trap-flag cycle: look up
// (pid, tid); on hit, clear TF in the guest RFLAGS,
// invoke cb with the saved entry, delete it, and report that re-injection
// should be suppressed.
func (s *TrapState) OnDebugException(pid, tid uint64, regs *cpustate.Regs, cb Callback) (handled bool) {
	entry, _, ok := s.Lookup(pid, tid)
	if !ok {
		return false
	}

	regs.RFLAGS &^= cpustate.FlagTF

	if cb != nil {
		cb(entry)
	}

	s.Delete(pid, tid)

	return true
}
