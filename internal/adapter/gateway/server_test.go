package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"signalflow/internal/domain"
	"signalflow/internal/infra/config"
	"signalflow/internal/infra/logger"
	"signalflow/internal/usecase/eventbus"
)

type stubIntake struct {
	processErr error
	analyzeErr error
	lastSignal domain.Signal
}

func (s *stubIntake) Process(_ context.Context, signal domain.Signal) (domain.RoutingDecision, error) {
	s.lastSignal = signal
	if s.processErr != nil {
		return domain.RoutingDecision{}, s.processErr
	}
	return domain.RoutingDecision{TargetAgent: "orchestrator", Confidence: 0.4}, nil
}

func (s *stubIntake) Analyze(_ context.Context, signal domain.Signal) (string, error) {
	s.lastSignal = signal
	if s.analyzeErr != nil {
		return "", s.analyzeErr
	}
	return "q-1", nil
}

func (s *stubIntake) QueueDepth() (int, int) { return 3, 1 }

type stubLoads struct {
	known map[string]int
}

func (s *stubLoads) SetLoad(agentID string, load int) bool {
	if _, ok := s.known[agentID]; !ok {
		return false
	}
	s.known[agentID] = load
	return true
}

type fixture struct {
	intake *stubIntake
	loads  *stubLoads
	bus    *eventbus.Bus
	base   string
	token  string
}

func startServer(t *testing.T, authToken string) *fixture {
	t.Helper()

	intake := &stubIntake{}
	loads := &stubLoads{known: map[string]int{"dev-1": 0}}
	bus := eventbus.New(logger.Discard())
	status := func() map[string]any {
		return map[string]any{"window": map[string]int{"total_tokens": 42}}
	}

	srv := NewServer(config.GatewayConfig{Addr: "127.0.0.1:0", AuthToken: authToken},
		intake, loads, status, bus, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
		bus.Close()
	})

	deadline := time.Now().Add(2 * time.Second)
	for srv.BoundAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return &fixture{intake: intake, loads: loads, bus: bus, base: "http://" + srv.BoundAddr(), token: authToken}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.base+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSubmitSignal(t *testing.T) {
	f := startServer(t, "")

	resp := f.do(t, http.MethodPost, "/signals", map[string]any{
		"type": "incident", "source": "ci", "priority": 20,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		SignalID string                 `json:"signal_id"`
		Decision domain.RoutingDecision `json:"decision"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.SignalID == "" {
		t.Error("no signal id assigned")
	}
	if body.Decision.TargetAgent != "orchestrator" {
		t.Errorf("decision target = %q", body.Decision.TargetAgent)
	}
	if f.intake.lastSignal.Priority != 10 {
		t.Errorf("priority not clamped: %d", f.intake.lastSignal.Priority)
	}
	if f.intake.lastSignal.Timestamp.IsZero() {
		t.Error("timestamp not defaulted")
	}
}

func TestSubmitRejectsMissingType(t *testing.T) {
	f := startServer(t, "")

	resp := f.do(t, http.MethodPost, "/signals", map[string]any{"source": "ci"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"missing guideline", domain.NewDomainError("Queue.Enqueue", domain.ErrNoGuideline, "incident"), http.StatusUnprocessableEntity},
		{"draining", domain.NewDomainError("Queue.Enqueue", domain.ErrDisabled, ""), http.StatusServiceUnavailable},
		{"internal", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := startServer(t, "")
			f.intake.processErr = tc.err

			resp := f.do(t, http.MethodPost, "/signals", map[string]any{"type": "incident"})
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			var body struct {
				Code string `json:"code"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Code == "" {
				t.Error("error code missing from response")
			}
		})
	}
}

func TestAnalyzeEndpoint(t *testing.T) {
	f := startServer(t, "")

	resp := f.do(t, http.MethodPost, "/signals/analyze", map[string]any{"type": "incident", "id": "s-9"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		QueueID string `json:"queue_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.QueueID != "q-1" {
		t.Errorf("queue_id = %q", body.QueueID)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := startServer(t, "")

	resp := f.do(t, http.MethodGet, "/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if _, ok := body["queue"]; !ok {
		t.Error("queue figures missing")
	}
	if _, ok := body["window"]; !ok {
		t.Error("status func figures missing")
	}
}

func TestLoadReport(t *testing.T) {
	f := startServer(t, "")

	resp := f.do(t, http.MethodPut, "/agents/dev-1/load", map[string]int{"load": 4})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if f.loads.known["dev-1"] != 4 {
		t.Errorf("load = %d", f.loads.known["dev-1"])
	}

	resp = f.do(t, http.MethodPut, "/agents/ghost/load", map[string]int{"load": 4})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAuthToken(t *testing.T) {
	f := startServer(t, "secret")

	req, _ := http.NewRequest(http.MethodGet, f.base+"/status", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}

	if resp := f.do(t, http.MethodGet, "/status", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d", resp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	f := startServer(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + f.base[len("http"):] + "/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the write loop a moment to register the client.
	time.Sleep(50 * time.Millisecond)

	f.bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventQueueLength,
		Timestamp: time.Now(),
		SignalID:  "s-1",
	})

	var event domain.Event
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != domain.EventQueueLength {
		t.Errorf("event type = %q", event.Type)
	}
}
