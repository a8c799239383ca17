package cpustate

// Segment is an x86 segment descriptor, identical in shape to the value a
// real VMCS GUEST_CS/SS/... field group encodes.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
}

// Descriptor describes a GDTR/IDTR-style base+limit pair.
type Descriptor struct {
	Base  uint64
	Limit uint16
}

// Control register bits the syscall/sysret path and the hook engine care
// about when deciding long-mode vs. compatibility-mode segment attributes.
const (
	CR0PE = uint64(1) << 0
	CR0PG = uint64(1) << 31
	CR4PAE = uint64(1) << 5

	EFERSCE = uint64(1) << 0 // syscall/sysret enable
	EFERLME = uint64(1) << 8
	EFERLMA = uint64(1) << 10
)

// SRegs holds the segment and control-register state needed to emulate
// SYSCALL/SYSRET and to decide the attributes of a newly-loaded CS/SS.
type SRegs struct {
	CS, DS, ES, FS, GS, SS, TR, LDT Segment
	GDT, IDT                        Descriptor
	CR0, CR2, CR3, CR4, CR8         uint64
	EFER                            uint64

	// STAR/LSTAR/FMASK are the SYSCALL/SYSRET MSRs consumed directly by
	// the syscall interception emulator; they live here rather than in a
	// generic MSR map because every core always has exactly one of each.
	STAR  uint64
	LSTAR uint64
	FMASK uint64
}

// CodeSegment64 returns the flat 64-bit code segment attributes used for a
// ring transition to the given DPL, matching what real hardware loads from
// IA32_STAR bits 47:32 (SYSCALL) or 63:48 (SYSRET).
func CodeSegment64(selector uint16, dpl uint8) Segment {
	return Segment{
		Base: 0, Limit: 0xFFFFFFFF,
		Selector: selector,
		Typ:      11, // execute, read, accessed
		Present:  1,
		DPL:      dpl,
		S:        1,
		L:        1,
		G:        1,
	}
}

// DataSegment64 returns the flat data segment attributes loaded alongside
// CodeSegment64 for the same ring transition.
func DataSegment64(selector uint16, dpl uint8) Segment {
	return Segment{
		Base: 0, Limit: 0xFFFFFFFF,
		Selector: selector,
		Typ:      3, // read/write, accessed
		Present:  1,
		DPL:      dpl,
		S:        1,
		G:        1,
	}
}
