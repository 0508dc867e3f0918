// Package gateway exposes the signal intake over HTTP plus a websocket event
// stream mirroring the internal bus.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"signalflow/internal/domain"
	"signalflow/internal/infra/config"
)

// SignalIntake is the slice of the processor the gateway drives.
type SignalIntake interface {
	Process(ctx context.Context, signal domain.Signal) (domain.RoutingDecision, error)
	Analyze(ctx context.Context, signal domain.Signal) (string, error)
	QueueDepth() (pending, inflight int)
}

// LoadReporter accepts worker load reports for the capability registry.
type LoadReporter interface {
	SetLoad(agentID string, load int) bool
}

// StatusFunc supplies the component figures merged into /status responses.
type StatusFunc func() map[string]any

// clientConn tracks one websocket event-stream subscriber.
type clientConn struct {
	ws        *websocket.Conn
	sendCh    chan domain.Event // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

// Server is the intake HTTP server. Signals arrive as JSON posts; events flow
// back out over /events websockets.
type Server struct {
	intake    SignalIntake
	loads     LoadReporter
	status    StatusFunc
	bus       domain.EventBus
	logger    *slog.Logger
	addr      string
	authToken string
	httpSrv   *http.Server
	boundAddr string
	clients   sync.Map // connID (uint64) -> *clientConn
	nextID    atomic.Uint64
	unsubAll  func()
}

// NewServer creates a gateway server.
func NewServer(cfg config.GatewayConfig, intake SignalIntake, loads LoadReporter, status StatusFunc, bus domain.EventBus, logger *slog.Logger) *Server {
	return &Server{
		intake:    intake,
		loads:     loads,
		status:    status,
		bus:       bus,
		logger:    logger,
		addr:      cfg.Addr,
		authToken: cfg.AuthToken,
	}
}

// Start begins serving. Blocks until the context is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /signals", s.auth(s.handleSubmit))
	mux.HandleFunc("POST /signals/analyze", s.auth(s.handleAnalyze))
	mux.HandleFunc("GET /status", s.auth(s.handleStatus))
	mux.HandleFunc("PUT /agents/{id}/load", s.auth(s.handleLoad))
	mux.HandleFunc("GET /events", s.auth(s.handleEvents))

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{Handler: mux}

	// One bus subscription fans out to every connected stream client.
	s.unsubAll = s.bus.SubscribeAll(func(_ context.Context, event domain.Event) {
		s.clients.Range(func(_, value any) bool {
			cc := value.(*clientConn)
			select {
			case cc.sendCh <- event:
			default:
				s.logger.Warn("gateway: dropped event for slow client")
			}
			return true
		})
	})

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server and closes stream clients.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubAll != nil {
		s.unsubAll()
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.closeOnce.Do(func() { close(cc.done) })
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// auth gates a handler on the configured bearer token. An empty configured
// token disables the check.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token != s.authToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	signal, ok := s.decodeSignal(w, r)
	if !ok {
		return
	}

	decision, err := s.intake.Process(r.Context(), signal)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"signal_id": signal.ID,
		"decision":  decision,
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	signal, ok := s.decodeSignal(w, r)
	if !ok {
		return
	}

	queueID, err := s.intake.Analyze(r.Context(), signal)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"signal_id": signal.ID,
		"queue_id":  queueID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	pending, inflight := s.intake.QueueDepth()
	body := map[string]any{
		"queue": map[string]int{"pending": pending, "inflight": inflight},
	}
	if s.status != nil {
		for k, v := range s.status() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	var body struct {
		Load int `json:"load"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !s.loads.SetLoad(agentID, body.Load) {
		http.Error(w, "unknown agent: "+agentID, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		ws:     ws,
		sendCh: make(chan domain.Event, 64),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, cc)
	s.logger.Info("event stream client connected", "conn_id", connID)

	s.writeLoop(r.Context(), cc)

	cc.closeOnce.Do(func() { close(cc.done) })
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("event stream client disconnected", "conn_id", connID)
}

func (s *Server) writeLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-cc.done:
			return
		case event := <-cc.sendCh:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, cc.ws, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// decodeSignal parses and normalizes the posted signal: a missing id gets
// one, a missing timestamp gets the receive time, priority is clamped.
func (s *Server) decodeSignal(w http.ResponseWriter, r *http.Request) (domain.Signal, bool) {
	var signal domain.Signal
	if err := json.NewDecoder(r.Body).Decode(&signal); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return domain.Signal{}, false
	}
	if signal.Type == "" {
		http.Error(w, "bad request: signal type is required", http.StatusBadRequest)
		return domain.Signal{}, false
	}
	if signal.ID == "" {
		signal.ID = ulid.Make().String()
	}
	if signal.Timestamp.IsZero() {
		signal.Timestamp = time.Now().UTC()
	}
	signal.Priority = domain.ClampPriority(signal.Priority)
	return signal, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNoGuideline), errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrDisabled):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"code":  domain.ErrorCodeOf(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
