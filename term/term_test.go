package term_test

import (
	"testing"

	"github.com/hyperdbg-go/hvdbg/term"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	// Test runs are not attached to a terminal, so this should be false
	// rather than panic or error.
	if term.IsTerminal() {
		t.Fatalf("test process unexpectedly reports as a terminal")
	}
}

func TestSetRawModeOnNonTerminal(t *testing.T) {
	t.Parallel()

	// stdin under `go test` is not a terminal, so MakeRaw is expected to
	// fail; SetRawMode must still return a usable (no-op) restore func.
	restore, err := term.SetRawMode()
	if err == nil {
		t.Logf("SetRawMode succeeded unexpectedly (test run attached to a tty?)")
	}

	restore()
}
