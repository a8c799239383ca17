//go:build !linux

package serialproto

import "errors"

// ErrComPortUnsupported is returned on platforms where the legacy COM
// ports are not exposed as tty devices.
var ErrComPortUnsupported = errors.New("COM port transport is not supported on this platform")

// ComTransport is a byte-level link over a physical COM port; it is only
// available where the kernel exposes the legacy COM ports as tty devices.
type ComTransport struct{}

// OpenComPort fails on this platform.
func OpenComPort(port ComPort, baud int) (*ComTransport, error) {
	return nil, ErrComPortUnsupported
}

func (t *ComTransport) ReadByte() (byte, error) { return 0, ErrComPortUnsupported }

func (t *ComTransport) Write(p []byte) (int, error) { return 0, ErrComPortUnsupported }

// Close releases nothing on this platform.
func (t *ComTransport) Close() error { return nil }
