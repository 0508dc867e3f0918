package sysinfo

import (
	"os"
	"strconv"
	"testing"
)

func TestSnapshotCarriesProcessFigures(t *testing.T) {
	state := Snapshot(nil)

	if state["pid"] != strconv.Itoa(os.Getpid()) {
		t.Errorf("pid = %q", state["pid"])
	}
	for _, key := range []string{"goroutines", "cpus"} {
		n, err := strconv.Atoi(state[key])
		if err != nil || n < 1 {
			t.Errorf("%s = %q, want a positive count", key, state[key])
		}
	}
}

func TestStaticEntriesWinOnCollision(t *testing.T) {
	state := Snapshot(map[string]string{
		"mode": "degraded",
		"pid":  "pinned",
	})

	if state["mode"] != "degraded" {
		t.Errorf("mode = %q, want degraded", state["mode"])
	}
	if state["pid"] != "pinned" {
		t.Errorf("pid = %q, static entry should override the live figure", state["pid"])
	}
}
