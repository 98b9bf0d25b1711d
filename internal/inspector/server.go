// Package inspector serves a read-only HTTP view of the clearinghouse: contract
// state, journals, a live event stream and Prometheus metrics.
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cgast/clearinghouse/internal/metrics"
	"github.com/cgast/clearinghouse/pkg/escrow"
	"github.com/cgast/clearinghouse/pkg/events"
	"github.com/cgast/clearinghouse/pkg/protocol"
	"github.com/cgast/clearinghouse/pkg/service"
)

// Contracts is the read side of the escrow service.
type Contracts interface {
	GetStatus(ctx context.Context, contractID string) (service.Status, error)
	ListEvents(ctx context.Context, contractID string) ([]escrow.Event, error)
	ListSubmissions(ctx context.Context, contractID string) ([]escrow.Submission, error)
}

// Pinger is a dependency whose reachability /healthz reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// healthTimeout bounds one /healthz check of all dependencies.
const healthTimeout = 2 * time.Second

// Server is the inspector HTTP server.
type Server struct {
	bus       events.Bus
	contracts Contracts
	metrics   *metrics.Metrics
	logger    *zap.Logger
	mux       *http.ServeMux
	startTime time.Time
	checks    map[string]Pinger
}

// New creates an inspector over the given bus and contract reader. A nil
// metrics collector disables /metrics.
func New(bus events.Bus, contracts Contracts, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		bus:       bus,
		contracts: contracts,
		metrics:   m,
		logger:    logger.With(zap.String("component", "inspector")),
		mux:       http.NewServeMux(),
		startTime: time.Now(),
		checks:    make(map[string]Pinger),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/events/stream", s.handleStream)
	s.mux.HandleFunc("GET /api/contracts/{id}", s.handleContract)
	s.mux.HandleFunc("GET /api/contracts/{id}/events", s.handleContractEvents)
	s.mux.HandleFunc("GET /api/contracts/{id}/submissions", s.handleContractSubmissions)
	if m != nil {
		s.mux.Handle("GET /metrics", m.Handler())
	}
	return s
}

// AddHealthCheck makes /healthz report on p under name. Register checks
// before serving.
func (s *Server) AddHealthCheck(name string, p Pinger) {
	s.checks[name] = p
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves on port until ctx is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("inspector listening", zap.Int("port", port))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("inspector: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status, code := "ok", http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.checks[name].Ping(ctx); err != nil {
			s.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			results[name] = err.Error()
			status, code = "unavailable", http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": results})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	history := s.bus.History(events.Filter{}, time.Time{})
	byType := make(map[escrow.EventType]int)
	contracts := make(map[string]bool)
	for _, ev := range history {
		byType[ev.Type]++
		contracts[ev.ContractID] = true
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
		"events":    len(history),
		"contracts": len(contracts),
		"by_type":   byType,
		"dropped":   s.dropped(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	since := time.Time{}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}
	f := events.Filter{ContractID: r.URL.Query().Get("contract_id")}
	writeJSON(w, http.StatusOK, s.bus.History(f, since))
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	st, err := s.contracts.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewStatusResult(st))
}

func (s *Server) handleContractEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.contracts.ListEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleContractSubmissions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.contracts.ListSubmissions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// handleStream replays the bus history and then follows new events as
// Server-Sent Events. ?contract_id= narrows the feed to one contract.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	f := events.Filter{ContractID: r.URL.Query().Get("contract_id")}
	ch := s.bus.Subscribe(f)
	defer s.bus.Unsubscribe(ch)

	for _, ev := range s.bus.History(f, time.Time{}) {
		writeEvent(w, ev)
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, ev)
			flusher.Flush()
		}
	}
}

// dropped reports live-feed deliveries lost to slow subscribers, when the
// bus tracks them.
func (s *Server) dropped() uint64 {
	if d, ok := s.bus.(interface{ Dropped() uint64 }); ok {
		return d.Dropped()
	}
	return 0
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	rpcErr := protocol.FromError(err)
	status := http.StatusInternalServerError
	switch rpcErr.Code {
	case protocol.CodeNotFound:
		status = http.StatusNotFound
	case protocol.CodeCorruption:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("inspector request failed", zap.Error(err))
	}
	writeJSON(w, status, rpcErr)
}

func writeEvent(w http.ResponseWriter, ev escrow.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
