package executor

import (
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"\x1b[31mred\x1b[0m", "red"},
		{"\x1b[1;32mok\x1b[0m done", "ok done"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := stripANSI(tt.in); got != tt.want {
			t.Errorf("stripANSI(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPumpLines(t *testing.T) {
	t.Parallel()
	out := make(chan string, 16)
	r := strings.NewReader("one\r\n\ntwo\n\x1b[33mthree\x1b[0m\n")
	if err := pumpLines(r, "[STDERR] ", out); err != nil {
		t.Fatalf("pumpLines: %v", err)
	}
	close(out)

	var got []string
	for l := range out {
		got = append(got, l)
	}
	want := []string{"[STDERR] one", "[STDERR] two", "[STDERR] three"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}
