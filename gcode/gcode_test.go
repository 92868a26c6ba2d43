package gcode

import (
	"fmt"
	"testing"
)

func TestAddLineAndHash(t *testing.T) {
	tests := []struct {
		lineno int
		cmd    string
		want   string
	}{
		{1, "G1 X10", "N1G1 X10*112"},
		{42, "M110", "N42M110*53"},
		{3, "M105", "N3M105*4"},
	}
	for _, tt := range tests {
		got := AddLineAndHash(tt.lineno, tt.cmd)
		if got != tt.want {
			t.Errorf("(%d, %q), want: %q, got: %q", tt.lineno, tt.cmd, tt.want, got)
		}
	}
}

func TestChecksumMatchesXOR(t *testing.T) {
	for _, cmd := range []string{"G1 X10", "M105", "G28 Z0 F150", "M110 N0"} {
		for lineno := 1; lineno < 60; lineno += 7 {
			prefix := fmt.Sprintf("N%d%s", lineno, cmd)
			var want byte
			for i := 0; i < len(prefix); i++ {
				want ^= prefix[i]
			}
			if got := Checksum(prefix); got != want {
				t.Errorf("Checksum(%q) = %d, want %d", prefix, got, want)
			}
			wantFrame := fmt.Sprintf("%s*%d", prefix, want)
			if got := AddLineAndHash(lineno, cmd); got != wantFrame {
				t.Errorf("AddLineAndHash(%d, %q) = %q, want %q", lineno, cmd, got, wantFrame)
			}
		}
	}
}
