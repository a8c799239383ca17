// Package cli defines the hyperdbg-go command-line surface: a "serve"
// subcommand that runs the debugger engine as a daemon over a serial
// transport, and a "probe" subcommand that reports host virtualization
// capability and validates an event-registration script without running
// anything.
package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPort is returned when --port names neither a COM port nor
// "console".
var ErrInvalidPort = errors.New("port must be COM1..COM4 or \"console\"")

// CLI is the kong root command.
type CLI struct {
	Serve ServeCmd `cmd:"" help:"Run the hyperdbg-go debugger engine, serving a remote controller over a serial transport."`
	Probe ProbeCmd `cmd:"" help:"Report host virtualization capability and validate an event-registration script."`
}

// ServeCmd starts the debugger daemon.
type ServeCmd struct {
	NumCores   int    `short:"c" default:"1" help:"number of logical processors to simulate"`
	Port       string `short:"p" default:"console" help:"COM1, COM2, COM3, COM4, or \"console\" for a local raw-mode passthrough"`
	Baud       int    `short:"b" default:"115200" help:"baud rate, must be one of the fixed allow-list values"`
	EventsFile string `short:"e" optional:"" help:"YAML file of event-registration requests to replay at startup"`
	OSName     string `default:"hyperdbg-go" help:"OS name reported in the DebuggeeStarted packet"`
}

// ProbeCmd reports host capability and validates event scripts.
type ProbeCmd struct {
	EventsFile string `short:"e" optional:"" help:"YAML file of event-registration requests to validate"`
}

// parsePort maps a --port string onto a serialproto.ComPort, or reports
// that "console" was requested via the second return value.
func parsePort(s string) (port int, isConsole bool, err error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CONSOLE", "":
		return 0, true, nil
	case "COM1":
		return 0x3F8, false, nil
	case "COM2":
		return 0x2F8, false, nil
	case "COM3":
		return 0x3E8, false, nil
	case "COM4":
		return 0x2E8, false, nil
	}

	if n, convErr := strconv.ParseInt(s, 0, 32); convErr == nil {
		return int(n), false, nil
	}

	return 0, false, fmt.Errorf("%q: %w", s, ErrInvalidPort)
}
