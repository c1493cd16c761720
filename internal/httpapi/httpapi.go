// Package httpapi exposes the PV registry as a small JSON status API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/timzifer/pvcore/driver"
	"github.com/timzifer/pvcore/pv"
)

// Backend is the registry surface served by the API. driver.Registry
// satisfies it.
type Backend interface {
	Names() []string
	Describe(name string) (pv.Info, error)
	Peek(name string) (pv.Snapshot, error)
	Read(ctx context.Context, name string) (pv.Snapshot, error)
	Write(ctx context.Context, name string, value interface{}, req driver.Request) (driver.WriteOutcome, error)
	Completions() *driver.Completions
}

// Server serves the status API.
type Server struct {
	backend  Backend
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
	router   *mux.Router

	server *http.Server
	ln     net.Listener
}

// New builds the API router. A nil gatherer disables /metrics.
func New(backend Backend, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	s := &Server{
		backend:  backend,
		gatherer: gatherer,
		logger:   logger.With().Str("component", "httpapi").Logger(),
		router:   mux.NewRouter(),
	}
	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	s.router.HandleFunc("/api/pvs", s.listPVs).Methods(http.MethodGet)
	s.router.HandleFunc("/api/pvs/{name}", s.getPV).Methods(http.MethodGet)
	s.router.HandleFunc("/api/pvs/{name}", s.writePV).Methods(http.MethodPut)
	s.router.HandleFunc("/api/pending", s.pending).Methods(http.MethodGet)
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	s.server = srv
	s.ln = ln
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("status api stopped")
		}
	}()
	s.logger.Info().Str("listen", ln.Addr().String()).Msg("status api started")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close shuts the listener down, waiting for in-flight requests until ctx ends.
func (s *Server) Close(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type pvView struct {
	Name      string      `json:"name"`
	Type      pv.Type     `json:"type"`
	Count     int         `json:"count"`
	Units     string      `json:"units,omitempty"`
	Enums     []string    `json:"enums,omitempty"`
	Value     interface{} `json:"value"`
	Display   string      `json:"display"`
	Severity  string      `json:"severity"`
	Status    string      `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Seq       uint64      `json:"seq"`
}

func toView(info pv.Info, snap pv.Snapshot) pvView {
	value := snap.Value
	if b, ok := value.([]byte); ok {
		value = pv.Format(info, b)
	}
	return pvView{
		Name:      info.Name,
		Type:      info.Type,
		Count:     info.Count,
		Units:     info.Units,
		Enums:     info.Enums,
		Value:     value,
		Display:   pv.Format(info, snap.Value),
		Severity:  snap.Severity.String(),
		Status:    snap.Status.String(),
		Timestamp: snap.Timestamp,
		Seq:       snap.Seq,
	}
}

type writeRequest struct {
	Value *json.RawMessage `json:"value"`
}

type writeResponse struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
	Token   string `json:"token,omitempty"`
	PV      pvView `json:"pv"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listPVs(w http.ResponseWriter, r *http.Request) {
	names := s.backend.Names()
	views := make([]pvView, 0, len(names))
	for _, name := range names {
		view, err := s.view(name)
		if err != nil {
			// deregistered between Names and Describe
			continue
		}
		views = append(views, view)
	}
	s.respond(w, http.StatusOK, views)
}

func (s *Server) view(name string) (pvView, error) {
	info, err := s.backend.Describe(name)
	if err != nil {
		return pvView{}, err
	}
	snap, err := s.backend.Peek(name)
	if err != nil {
		return pvView{}, err
	}
	return toView(info, snap), nil
}

func (s *Server) getPV(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	info, err := s.backend.Describe(name)
	if err != nil {
		s.fail(w, err)
		return
	}
	var snap pv.Snapshot
	if r.URL.Query().Get("refresh") != "" {
		snap, err = s.backend.Read(r.Context(), name)
	} else {
		snap, err = s.backend.Peek(name)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, toView(info, snap))
}

func (s *Server) writePV(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Value == nil {
		http.Error(w, "value required", http.StatusBadRequest)
		return
	}
	var value interface{}
	if err := json.Unmarshal(*req.Value, &value); err != nil {
		http.Error(w, "invalid value", http.StatusBadRequest)
		return
	}
	info, err := s.backend.Describe(name)
	if err != nil {
		s.fail(w, err)
		return
	}

	client := driver.ClientID("http:" + r.RemoteAddr)
	outcome, err := s.backend.Write(r.Context(), name, value, driver.Request{Client: client})
	if err != nil {
		s.fail(w, err)
		return
	}
	snap := outcome.Snapshot
	if outcome.Outcome != driver.OutcomeCompleted {
		if current, err := s.backend.Peek(name); err == nil {
			snap = current
		}
	}
	status := http.StatusOK
	switch outcome.Outcome {
	case driver.OutcomePending:
		status = http.StatusAccepted
	case driver.OutcomeRejected:
		status = http.StatusConflict
	}
	s.logger.Debug().Str("pv", name).Str("client", string(client)).Str("outcome", outcome.Outcome.String()).Msg("write via status api")
	s.respond(w, status, writeResponse{
		Outcome: outcome.Outcome.String(),
		Reason:  outcome.Reason,
		Token:   string(outcome.Token),
		PV:      toView(info, snap),
	})
}

func (s *Server) pending(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]int{"pending": s.backend.Completions().Pending()})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pv.ErrUnknownPV):
		status = http.StatusNotFound
	case errors.Is(err, pv.ErrTypeMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, pv.ErrHandler):
		status = http.StatusBadGateway
	}
	s.respond(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("encode response")
	}
}
