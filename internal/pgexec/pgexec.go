// Package pgexec wraps the native PostgreSQL tooling as stream-oriented
// capabilities: a dump producer whose stdout is the backup stream, a restore
// applier fed through stdin, and a direct server probe. The pipeline only
// sees io interfaces and classified errors, so tests can substitute
// synthetic producers and appliers.
package pgexec

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
)

// stderrTailSize bounds how much native-process diagnostic output is kept
// for error reporting.
const stderrTailSize = 4 * 1024

// tailBuffer is an io.Writer retaining only the last stderrTailSize bytes.
// pg_dump --verbose can emit megabytes of progress chatter; only the tail
// carries the failure diagnostics.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if len(t.buf) > stderrTailSize {
		t.buf = t.buf[len(t.buf)-stderrTailSize:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

var versionRe = regexp.MustCompile(`PostgreSQL (\d+)\.(\d+)`)

// ParseServerMajor extracts the major version from a version() string such
// as "PostgreSQL 16.2 on x86_64-pc-linux-gnu".
func ParseServerMajor(versionStr string) (int, error) {
	matches := versionRe.FindStringSubmatch(versionStr)
	if len(matches) < 3 {
		return 0, fmt.Errorf("could not parse PostgreSQL version from: %s", versionStr)
	}
	major, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, fmt.Errorf("invalid major version: %s", matches[1])
	}
	return major, nil
}

// packagedMajors are the client versions shipped in the runtime image,
// newest first.
var packagedMajors = []int{17, 16, 15}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// findBinary picks the best versioned client binary for a server major
// version, e.g. pg_dump16 for a 16.x server. Servers older than the oldest
// packaged client use that client (dump format is backward compatible).
// Falls back to the unversioned name.
func findBinary(tool string, serverMajor int) string {
	target := serverMajor
	if target < packagedMajors[len(packagedMajors)-1] {
		target = packagedMajors[len(packagedMajors)-1]
	}

	candidate := fmt.Sprintf("%s%d", tool, target)
	if _, err := lookPath(candidate); err == nil {
		return candidate
	}

	for _, v := range packagedMajors {
		if v >= target {
			candidate = fmt.Sprintf("%s%d", tool, v)
			if _, err := lookPath(candidate); err == nil {
				return candidate
			}
		}
	}

	return tool
}
