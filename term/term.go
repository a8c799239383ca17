// Package term provides the interactive console raw-mode passthrough
// kdcontroller's "serve" front-end uses when it is attached directly to a
// local console instead of a physical COM port.
package term

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether stdin is attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// SetRawMode puts stdin into raw mode for the duration of an interactive
// kdcontroller session, returning a restore function that undoes it.
func SetRawMode() (func(), error) {
	fd := int(os.Stdin.Fd())

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}, err
	}

	return func() {
		_ = term.Restore(fd, oldState)
	}, nil
}
