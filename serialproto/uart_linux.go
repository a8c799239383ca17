//go:build linux

package serialproto

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// comDevices maps the legacy COM I/O addresses onto the tty devices the
// Linux kernel exposes them as.
var comDevices = map[ComPort]string{
	COM1: "/dev/ttyS0",
	COM2: "/dev/ttyS1",
	COM3: "/dev/ttyS2",
	COM4: "/dev/ttyS3",
}

// baudFlags maps allow-listed baud rates onto termios speed flags. Rates
// from the protocol allow-list with no termios encoding on this platform
// are absent and rejected at open time.
var baudFlags = map[int]uint32{
	110:    unix.B110,
	300:    unix.B300,
	600:    unix.B600,
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// ComTransport is a byte-level link over a physical COM port.
type ComTransport struct {
	f *os.File
}

// OpenComPort opens the tty behind port and programs it raw 8N1 at baud.
func OpenComPort(port ComPort, baud int) (*ComTransport, error) {
	if err := ValidatePort(port); err != nil {
		return nil, err
	}

	if err := ValidateBaud(baud); err != nil {
		return nil, err
	}

	flag, ok := baudFlags[baud]
	if !ok {
		return nil, fmt.Errorf("baud %d has no termios encoding on this host: %w", baud, ErrInvalidBaudrate)
	}

	dev := comDevices[port]

	fd, err := unix.Open(dev, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dev, err)
	}

	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("reading termios for %s: %w", dev, err)
	}

	// Raw 8N1: no echo, no line discipline, no flow control, one byte at
	// a time with no read timeout.
	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tio.Cflag &^= unix.CSIZE | unix.PARENB | unix.CBAUD
	tio.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | flag
	tio.Ispeed = flag
	tio.Ospeed = flag
	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("programming termios for %s: %w", dev, err)
	}

	return &ComTransport{f: os.NewFile(uintptr(fd), dev)}, nil
}

// ReadByte blocks for the next byte from the line.
func (t *ComTransport) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(t.f, b[:]); err != nil {
		return 0, err
	}

	return b[0], nil
}

func (t *ComTransport) Write(p []byte) (int, error) { return t.f.Write(p) }

// Close releases the tty.
func (t *ComTransport) Close() error { return t.f.Close() }
