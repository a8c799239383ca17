package syscallhook_test

import (
	"testing"

	"github.com/hyperdbg-go/hvdbg/cpustate"
	"github.com/hyperdbg-go/hvdbg/syscallhook"
)

func TestClassifySafeMode(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		insn []byte
		want syscallhook.Classification
	}{
		{"syscall", []byte{0x0F, 0x05}, syscallhook.ClassifySyscall},
		{"sysret", []byte{0x48, 0x0F, 0x07}, syscallhook.ClassifySysret},
		{"neither", []byte{0x90, 0x90, 0x90}, syscallhook.ClassifyNeither},
	} {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := syscallhook.Classify(syscallhook.ModeSafe, tt.insn, false); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInstructionLength(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		insn []byte
		want uint64
	}{
		{"syscall", []byte{0x0F, 0x05}, 2},
		{"sysret with rex.w", []byte{0x48, 0x0F, 0x07}, 3},
		{"undecodable falls back", []byte{}, 2},
	} {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := syscallhook.InstructionLength(tt.insn, 2); got != tt.want {
				t.Errorf("InstructionLength() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestClassifyHandleAllUDMode(t *testing.T) {
	t.Parallel()

	if got := syscallhook.Classify(syscallhook.ModeHandleAllUD, nil, true); got != syscallhook.ClassifySysret {
		t.Errorf("kernel rip = %v, want ClassifySysret", got)
	}

	if got := syscallhook.Classify(syscallhook.ModeHandleAllUD, nil, false); got != syscallhook.ClassifySyscall {
		t.Errorf("user rip = %v, want ClassifySyscall", got)
	}
}

// TestSyscallSysretRoundTripIsIndistinguishableFromHardware proves the
// register-equivalence property for an emulated SYSCALL immediately
// followed by an emulated SYSRET on the same logical CPU.
func TestSyscallSysretRoundTripIsIndistinguishableFromHardware(t *testing.T) {
	t.Parallel()

	regs := &cpustate.Regs{RIP: 0x7FFE0000, RFLAGS: cpustate.FlagIF | cpustate.FlagTF}
	sregs := &cpustate.SRegs{
		LSTAR: 0xFFFFF80012340000,
		FMASK: cpustate.FlagIF | cpustate.FlagTF,
		STAR:  uint64(0x18) << 32, // kernel CS selector 0x18 in bits 47:32
	}

	ripBefore := regs.RIP
	flagsBefore := regs.RFLAGS

	if inc := syscallhook.EmulateSyscall(regs, sregs, 2); inc {
		t.Errorf("EmulateSyscall: incrementRip = true, want false")
	}

	if regs.RCX != ripBefore+2 {
		t.Errorf("RCX = %#x, want %#x", regs.RCX, ripBefore+2)
	}

	if regs.R11 != flagsBefore {
		t.Errorf("R11 = %#x, want %#x", regs.R11, flagsBefore)
	}

	if regs.RIP != sregs.LSTAR {
		t.Errorf("RIP after syscall = %#x, want LSTAR %#x", regs.RIP, sregs.LSTAR)
	}

	if regs.RFLAGS&(sregs.FMASK) != 0 {
		t.Errorf("RFLAGS after syscall = %#x, still has masked bits set", regs.RFLAGS)
	}

	rcxBeforeSysret := regs.RCX
	r11BeforeSysret := regs.R11

	if inc := syscallhook.EmulateSysret(regs, sregs); inc {
		t.Errorf("EmulateSysret: incrementRip = true, want false")
	}

	if regs.RIP != rcxBeforeSysret {
		t.Errorf("RIP after sysret = %#x, want RCX %#x", regs.RIP, rcxBeforeSysret)
	}

	want := (r11BeforeSysret &^ (cpustate.FlagRF | cpustate.FlagVM | 0xFFFFFFFFFFC08028)) | cpustate.Reserved
	if regs.RFLAGS != want {
		t.Errorf("RFLAGS after sysret = %#x, want %#x", regs.RFLAGS, want)
	}
}

func TestTrapStateInsertLookupDelete(t *testing.T) {
	t.Parallel()

	var s syscallhook.TrapState

	entries := []syscallhook.TrapEntry{
		{PID: 5, TID: 1, Context: "a"},
		{PID: 1240, TID: 4001, Context: 0xC0FFEE},
		{PID: 2, TID: 9, Context: "c"},
	}

	for _, e := range entries {
		s.Insert(e)
	}

	for _, e := range entries {
		got, _, ok := s.Lookup(e.PID, e.TID)
		if !ok {
			t.Fatalf("Lookup(%d,%d) missing", e.PID, e.TID)
		}

		if got.Context != e.Context {
			t.Errorf("Lookup(%d,%d).Context = %v, want %v", e.PID, e.TID, got.Context, e.Context)
		}
	}

	if !s.Delete(1240, 4001) {
		t.Fatalf("Delete reported not found")
	}

	if _, _, ok := s.Lookup(1240, 4001); ok {
		t.Errorf("entry still present after Delete")
	}

	// remaining entries still locatable after the delete shifted the tail
	if _, _, ok := s.Lookup(2, 9); !ok {
		t.Errorf("Lookup(2,9) lost after deleting an earlier entry")
	}
}

// TestPostSyscallTrapCallbackScenario: a callback registered for
// (pid=1240, tid=4001) fires on the matching #DB with its saved context
// and is then gone.
func TestPostSyscallTrapCallbackScenario(t *testing.T) {
	t.Parallel()

	var s syscallhook.TrapState

	s.Insert(syscallhook.TrapEntry{PID: 1240, TID: 4001, Context: 0xC0FFEE, Params: "argv"})

	regs := &cpustate.Regs{RFLAGS: cpustate.FlagTF}

	var firedWith any

	handled := s.OnDebugException(1240, 4001, regs, func(e syscallhook.TrapEntry) {
		firedWith = e.Context
	})

	if !handled {
		t.Fatalf("OnDebugException reported not handled")
	}

	if firedWith != 0xC0FFEE {
		t.Errorf("callback context = %v, want 0xC0FFEE", firedWith)
	}

	if regs.RFLAGS&cpustate.FlagTF != 0 {
		t.Errorf("TF still set after callback, want cleared")
	}

	if _, _, ok := s.Lookup(1240, 4001); ok {
		t.Errorf("entry should be removed after the callback fires")
	}
}
