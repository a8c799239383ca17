package cli

import (
	"errors"
	"testing"
)

func TestParsePort(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name      string
		in        string
		port      int
		isConsole bool
		err       error
	}{
		{name: "console", in: "console", isConsole: true},
		{name: "empty defaults to console", in: "", isConsole: true},
		{name: "com1", in: "com1", port: 0x3F8},
		{name: "COM2 uppercase", in: "COM2", port: 0x2F8},
		{name: "com3", in: "com3", port: 0x3E8},
		{name: "com4", in: "com4", port: 0x2E8},
		{name: "raw numeric", in: "0x2F8", port: 0x2F8},
		{name: "garbage", in: "COM9", err: ErrInvalidPort},
	} {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			port, isConsole, err := parsePort(tt.in)
			if !errors.Is(err, tt.err) {
				t.Fatalf("parsePort(%q) err = %v, want %v", tt.in, err, tt.err)
			}

			if tt.err != nil {
				return
			}

			if port != tt.port || isConsole != tt.isConsole {
				t.Fatalf("parsePort(%q) = (%#x, %v), want (%#x, %v)", tt.in, port, isConsole, tt.port, tt.isConsole)
			}
		})
	}
}
