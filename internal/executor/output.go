package executor

import (
	"bufio"
	"io"
	"regexp"
	"strings"
)

const outputBuffer = 256

// Terminal escape sequences confuse both the persisted log and the dashboard,
// so strip them at capture time.
var reANSI = regexp.MustCompile(`\x1B(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

func stripANSI(s string) string {
	return reANSI.ReplaceAllString(s, "")
}

// pumpLines reads r line by line and forwards non-empty lines to out,
// optionally prefixed (e.g. "[STDERR] "). It returns the scanner error, if any.
// The caller owns closing out.
func pumpLines(r io.Reader, prefix string, out chan<- string) error {
	sc := bufio.NewScanner(r)
	// Allow long single lines (playbook JSON output etc).
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		out <- prefix + stripANSI(line)
	}
	return sc.Err()
}
