// Package cpustate defines the guest register file shared by every
// component that reads or rewrites a halted logical processor: the hook
// engine, the syscall/sysret emulator and the kernel debugger controller.
//
// The layout mirrors the general-purpose and special register structures
// a real VT-x VMCS exposes, but nothing here talks to hardware: values are
// read from and written into a CoreState snapshot taken at VM-exit.
package cpustate

import (
	"encoding/binary"
	"fmt"
)

// Regs holds the general purpose registers for a 64-bit guest.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// RFLAGS bits referenced by the syscall/sysret emulator and the MTF
// single-step cycle.
const (
	FlagCF   = uint64(1) << 0
	FlagIF   = uint64(1) << 9
	FlagTF   = uint64(1) << 8
	FlagRF   = uint64(1) << 16
	FlagVM   = uint64(1) << 17
	FlagVIF  = uint64(1) << 19
	FlagVIP  = uint64(1) << 20
	FlagID   = uint64(1) << 21
	Reserved = uint64(1) << 1 // bit 1 is always set
)

// Reg identifies a general purpose register by name, used wherever a hook
// or a script needs to address a register generically instead of through
// a Go struct field.
type Reg int

const (
	RAX Reg = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RSP
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	RIP
	RFLAGSReg
)

// ErrBadRegister is returned by Field when reg does not name a known
// general purpose register.
var ErrBadRegister = fmt.Errorf("unsupported register")

// Field returns a pointer to the register named by reg inside r, so that
// callers (the condition-program VM, the syscall emulator, register-read
// packets) can read or overwrite it uniformly.
func (r *Regs) Field(reg Reg) (*uint64, error) {
	switch reg {
	case RAX:
		return &r.RAX, nil
	case RBX:
		return &r.RBX, nil
	case RCX:
		return &r.RCX, nil
	case RDX:
		return &r.RDX, nil
	case RSI:
		return &r.RSI, nil
	case RDI:
		return &r.RDI, nil
	case RSP:
		return &r.RSP, nil
	case RBP:
		return &r.RBP, nil
	case R8:
		return &r.R8, nil
	case R9:
		return &r.R9, nil
	case R10:
		return &r.R10, nil
	case R11:
		return &r.R11, nil
	case R12:
		return &r.R12, nil
	case R13:
		return &r.R13, nil
	case R14:
		return &r.R14, nil
	case R15:
		return &r.R15, nil
	case RIP:
		return &r.RIP, nil
	case RFLAGSReg:
		return &r.RFLAGS, nil
	}

	return nil, fmt.Errorf("register %d: %w", reg, ErrBadRegister)
}

// Reset zeroes every register and clears all RFLAGS bits except the
// reserved bit 1, matching the state a newly-virtualized core presents
// before its first VM-entry.
func (r *Regs) Reset() {
	*r = Regs{RFLAGS: Reserved}
}

// MarshalBinary encodes every general-purpose register plus RIP/RFLAGS as
// 18 little-endian uint64s, the layout the kernel debugger controller's
// ReadRegisters reply carries over the wire.
func (r *Regs) MarshalBinary() []byte {
	fields := []uint64{
		r.RAX, r.RBX, r.RCX, r.RDX, r.RSI, r.RDI, r.RSP, r.RBP,
		r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15,
		r.RIP, r.RFLAGS,
	}

	out := make([]byte, len(fields)*8)
	for i, v := range fields {
		binary.LittleEndian.PutUint64(out[i*8:], v)
	}

	return out
}

// UnmarshalBinary decodes the layout MarshalBinary produces back into r.
func (r *Regs) UnmarshalBinary(b []byte) error {
	const wantLen = 18 * 8
	if len(b) < wantLen {
		return fmt.Errorf("regs wire body: got %d bytes, want %d", len(b), wantLen)
	}

	fields := [18]*uint64{
		&r.RAX, &r.RBX, &r.RCX, &r.RDX, &r.RSI, &r.RDI, &r.RSP, &r.RBP,
		&r.R8, &r.R9, &r.R10, &r.R11, &r.R12, &r.R13, &r.R14, &r.R15,
		&r.RIP, &r.RFLAGS,
	}

	for i, f := range fields {
		*f = binary.LittleEndian.Uint64(b[i*8:])
	}

	return nil
}
