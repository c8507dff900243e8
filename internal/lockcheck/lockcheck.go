// Package lockcheck classifies why the managed process failed to become ready.
//
// The only failure handled locally is lock contention: a stale instance still
// holds the exclusive lock or lockfile, so the new process refuses to start.
package lockcheck

import (
	"bufio"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Kind is the class of a start failure.
type Kind int

const (
	Other Kind = iota
	LockContention
)

func (k Kind) String() string {
	if k == LockContention {
		return "lock-contention"
	}
	return "other"
}

// Result is the outcome of Classify. PID is the process holding the lock,
// or 0 when the output did not name one.
type Result struct {
	Kind Kind
	PID  int
}

var signatures = []string{
	"already running",
	"lock held",
	"lock is held",
	"lockfile",
	"lock file",
	"lock timeout",
	"timed out waiting for lock",
	"failed to acquire lock",
	"could not acquire lock",
}

var pidPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bpid[\s:=#]*(\d+)`),
	regexp.MustCompile(`(?i)\bprocess[\s:#]+(\d+)`),
	regexp.MustCompile(`(?i)\bheld by[\s:#]+(\d+)`),
}

// Classify inspects recent output of a process that failed to become ready.
// JSON log lines are checked first, then free text.
func Classify(output string) Result {
	if res, ok := classifyStructured(output); ok {
		return res
	}

	lower := strings.ToLower(output)
	for _, sig := range signatures {
		if strings.Contains(lower, sig) {
			return Result{Kind: LockContention, PID: extractPID(output)}
		}
	}
	return Result{Kind: Other}
}

func classifyStructured(output string) (Result, bool) {
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if !mentionsLock(rec) {
			continue
		}
		return Result{Kind: LockContention, PID: pidField(rec)}, true
	}
	return Result{}, false
}

func mentionsLock(rec map[string]any) bool {
	for _, key := range []string{"error", "err", "msg", "message", "code", "reason"} {
		s, ok := rec[key].(string)
		if !ok {
			continue
		}
		s = strings.ToLower(s)
		if strings.Contains(s, "lock") || strings.Contains(s, "already running") {
			return true
		}
	}
	return false
}

func pidField(rec map[string]any) int {
	for _, key := range []string{"pid", "lockPid", "lock_pid", "ownerPid", "holder"} {
		switch v := rec[key].(type) {
		case float64:
			if v > 0 {
				return int(v)
			}
		case string:
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}

func extractPID(output string) int {
	for _, re := range pidPatterns {
		m := re.FindStringSubmatch(output)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
