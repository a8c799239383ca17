// Package serialproto implements the framed, checksum-bearing packet
// protocol that carries requests and replies between a debuggee and a
// remote debugger. The only transport this package provides is a
// physical COM port (ComTransport); it has no named-pipe transport.
package serialproto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType is the wire-level `type` field.
type PacketType uint32

const (
	DebuggerToDebuggeeRoot PacketType = 1
	DebuggerToDebuggeeUser PacketType = 2
	DebuggeeToDebugger     PacketType = 3
)

// EndOfBufferSentinel is appended to the close of every transmission.
var EndOfBufferSentinel = [4]byte{0x10, 0x20, 0x30, 0x40}

// MaxSerialPacketSize bounds a single frame (header + body + sentinel).
const MaxSerialPacketSize = 64 * 1024

// headerLen is the fixed-size prefix before the action-specific body:
// checksum(1) + indicator(8) + type(4) + action(4).
const headerLen = 1 + 8 + 4 + 4

// Indicator is the fixed magic value identifying a valid header.
const Indicator uint64 = 0x4848444247444247 // "HHDBGDBG" in ASCII, little-endian

// ErrPacketTooLarge is returned when a composed frame would exceed
// MaxSerialPacketSize.
var ErrPacketTooLarge = errors.New("packet exceeds MaxSerialPacketSize")

// ErrBadChecksum is returned by Decode when the leading checksum does not
// match the computed value.
var ErrBadChecksum = errors.New("packet checksum mismatch")

// ErrShortPacket is returned by Decode when fewer than headerLen bytes are
// available.
var ErrShortPacket = errors.New("packet shorter than header")

// ErrBadIndicator is returned by Decode when the magic indicator field
// does not match.
var ErrBadIndicator = errors.New("packet indicator mismatch")

// Packet is one parsed frame, without the trailing sentinel.
type Packet struct {
	Type   PacketType
	Action uint32
	Body   []byte
}

func checksum(b []byte) byte {
	var sum byte

	for _, c := range b {
		sum += c
	}

	return sum
}

// Encode serializes p into checksum:u8, indicator:u64 little-endian,
// type:u32, action:u32, then the body.
func Encode(p Packet) ([]byte, error) {
	rest := make([]byte, 8+4+4+len(p.Body))
	binary.LittleEndian.PutUint64(rest[0:8], Indicator)
	binary.LittleEndian.PutUint32(rest[8:12], uint32(p.Type))
	binary.LittleEndian.PutUint32(rest[12:16], p.Action)
	copy(rest[16:], p.Body)

	out := make([]byte, 1+len(rest))
	out[0] = checksum(rest)
	copy(out[1:], rest)

	if len(out)+len(EndOfBufferSentinel) > MaxSerialPacketSize {
		return nil, fmt.Errorf("encode action=%d: %w", p.Action, ErrPacketTooLarge)
	}

	return out, nil
}

// Decode parses a frame (without its sentinel, already stripped by the
// receiver) back into a Packet, verifying the checksum.
func Decode(frame []byte) (Packet, error) {
	if len(frame) < headerLen {
		return Packet{}, ErrShortPacket
	}

	want := frame[0]
	rest := frame[1:]

	if got := checksum(rest); got != want {
		return Packet{}, fmt.Errorf("checksum %#x != computed %#x: %w", want, got, ErrBadChecksum)
	}

	indicator := binary.LittleEndian.Uint64(rest[0:8])
	if indicator != Indicator {
		return Packet{}, fmt.Errorf("indicator %#x != %#x: %w", indicator, Indicator, ErrBadIndicator)
	}

	return Packet{
		Type:   PacketType(binary.LittleEndian.Uint32(rest[8:12])),
		Action: binary.LittleEndian.Uint32(rest[12:16]),
		Body:   append([]byte(nil), rest[16:]...),
	}, nil
}

// Frame appends the end-of-buffer sentinel to an encoded packet, producing
// the bytes actually written to the transport.
func Frame(encoded []byte) []byte {
	out := make([]byte, len(encoded)+len(EndOfBufferSentinel))
	copy(out, encoded)
	copy(out[len(encoded):], EndOfBufferSentinel[:])

	return out
}
