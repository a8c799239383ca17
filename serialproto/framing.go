package serialproto

import "fmt"

// Receiver accumulates bytes from the transport into a bounded buffer:
// each appended byte is checked against the last four bytes of the
// buffer, and on a sentinel match those four bytes are zeroed and the
// packet handed up.
type Receiver struct {
	buf []byte
}

// NewReceiver creates an empty Receiver.
func NewReceiver() *Receiver {
	return &Receiver{buf: make([]byte, 0, MaxSerialPacketSize)}
}

// Push appends one byte. It returns (frame, true) once the sentinel is
// observed, where frame is the packet bytes with the sentinel stripped and
// zeroed from the internal buffer, ready for Decode. It returns
// ErrPacketTooLarge if appending would overflow MaxSerialPacketSize.
func (r *Receiver) Push(b byte) ([]byte, bool, error) {
	if len(r.buf) >= MaxSerialPacketSize {
		return nil, false, fmt.Errorf("receiver buffer at %d bytes: %w", len(r.buf), ErrPacketTooLarge)
	}

	r.buf = append(r.buf, b)

	n := len(r.buf)
	if n < 4 {
		return nil, false, nil
	}

	last4 := r.buf[n-4:]
	if last4[0] != EndOfBufferSentinel[0] || last4[1] != EndOfBufferSentinel[1] ||
		last4[2] != EndOfBufferSentinel[2] || last4[3] != EndOfBufferSentinel[3] {
		return nil, false, nil
	}

	for i := 0; i < 4; i++ {
		last4[i] = 0
	}

	// effectiveLen strips the full four-byte sentinel, leaving exactly
	// the encoded packet Decode expects.
	effectiveLen := n - 4
	frame := append([]byte(nil), r.buf[:effectiveLen]...)
	r.buf = r.buf[:0]

	return frame, true, nil
}

// PushAll feeds every byte of data through Push, returning every complete
// frame observed, in order.
func (r *Receiver) PushAll(data []byte) ([][]byte, error) {
	var frames [][]byte

	for _, b := range data {
		frame, ok, err := r.Push(b)
		if err != nil {
			return frames, err
		}

		if ok {
			frames = append(frames, frame)
		}
	}

	return frames, nil
}
