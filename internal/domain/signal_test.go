package domain

import (
	"testing"
	"time"
)

func TestEscalationLevelFor(t *testing.T) {
	tests := []struct {
		priority int
		want     int
	}{
		{10, 3}, {8, 3}, {7, 2}, {6, 2}, {5, 1}, {4, 1}, {3, 0}, {1, 0},
	}
	for _, tt := range tests {
		if got := EscalationLevelFor(tt.priority); got != tt.want {
			t.Errorf("EscalationLevelFor(%d) = %d, want %d", tt.priority, got, tt.want)
		}
	}
}

func TestClampPriority(t *testing.T) {
	if got := ClampPriority(0); got != 1 {
		t.Errorf("ClampPriority(0) = %d, want 1", got)
	}
	if got := ClampPriority(15); got != 10 {
		t.Errorf("ClampPriority(15) = %d, want 10", got)
	}
	if got := ClampPriority(5); got != 5 {
		t.Errorf("ClampPriority(5) = %d, want 5", got)
	}
}

func TestSignalFingerprint(t *testing.T) {
	a := Signal{ID: "s1", Type: "bb", Source: "watcher", Priority: 5, Payload: map[string]any{"k": "v"}}
	b := Signal{ID: "s2", Type: "bb", Source: "watcher", Priority: 5, Payload: map[string]any{"k": "v"}}
	c := Signal{ID: "s3", Type: "bb", Source: "watcher", Priority: 6, Payload: map[string]any{"k": "v"}}

	// Identical (type, source, priority, payload) collide regardless of id.
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("expected identical fingerprints for same content")
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("expected different fingerprints for different priority")
	}
}

func TestSerializedPayloadNeverFails(t *testing.T) {
	// Channels cannot be marshaled; estimation falls back to fmt.
	s := Signal{Payload: make(chan int)}
	if s.SerializedPayload() == "" {
		t.Error("expected non-empty fallback serialization")
	}

	if got := (Signal{Payload: "plain"}).SerializedPayload(); got != "plain" {
		t.Errorf("string payload = %q, want %q", got, "plain")
	}
	if got := (Signal{}).SerializedPayload(); got != "" {
		t.Errorf("nil payload = %q, want empty", got)
	}
}

func TestRoutingHistoryBounded(t *testing.T) {
	var info RoutingInfo
	for i := 0; i < MaxRoutingHistory+5; i++ {
		info.AppendHistory(RoutingAttempt{To: "agent", Timestamp: time.Now()})
	}
	if len(info.History) != MaxRoutingHistory {
		t.Errorf("history length = %d, want %d", len(info.History), MaxRoutingHistory)
	}
}

func TestEnrichedSignalPRPID(t *testing.T) {
	s := Signal{ID: "s1", Metadata: map[string]string{MetaPRPID: "prp-7"}}
	e := Enrich(s)
	if got := e.PRPID(); got != "prp-7" {
		t.Errorf("PRPID() = %q, want %q", got, "prp-7")
	}

	e.Context.PRPID = "prp-9"
	if got := e.PRPID(); got != "prp-9" {
		t.Errorf("PRPID() after enrichment = %q, want %q", got, "prp-9")
	}
}
