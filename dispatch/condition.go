package dispatch

import "github.com/hyperdbg-go/hvdbg/cpustate"

// ConditionVM evaluates an event's condition program. It has no type
// graph: a condition program is a short sequence of comparison opcodes
// against register values, enough to decide whether an event's actions
// should be skipped for this exit.
//
// Encoding, one instruction per 10 bytes:
//   byte 0: opcode (opEqual, opNotEqual, opGreater, opLess, opAnd)
//   byte 1: cpustate.Reg to read
//   bytes 2-9: little-endian uint64 immediate operand
// A program with zero instructions is vacuously true. All instructions
// must evaluate true for the program to return non-zero.
const (
	opEqual = iota
	opNotEqual
	opGreater
	opLess
	opAnd
)

const instrLen = 10

// EvalCondition runs program against regs, returning true if every
// instruction is satisfied (program may be nil or empty, meaning "no
// condition": always true).
func EvalCondition(program []byte, regs *cpustate.Regs) bool {
	for off := 0; off+instrLen <= len(program); off += instrLen {
		opcode := program[off]
		reg := cpustate.Reg(program[off+1])

		var imm uint64
		for i := 0; i < 8; i++ {
			imm |= uint64(program[off+2+i]) << (8 * i)
		}

		field, err := regs.Field(reg)
		if err != nil {
			return false
		}

		var ok bool

		switch opcode {
		case opEqual:
			ok = *field == imm
		case opNotEqual:
			ok = *field != imm
		case opGreater:
			ok = *field > imm
		case opLess:
			ok = *field < imm
		case opAnd:
			ok = *field&imm != 0
		default:
			ok = false
		}

		if !ok {
			return false
		}
	}

	return true
}
