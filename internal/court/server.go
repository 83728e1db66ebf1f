package court

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/windowcourt/court/internal/api"
	"github.com/windowcourt/court/internal/config"
	"github.com/windowcourt/court/internal/logging"
	"github.com/windowcourt/court/internal/model"
)

// Server exposes a Monarch on the well-known namespace socket. The listener
// comes from the activation registry; the server only serves it.
type Server struct {
	cfg         config.Config
	log         *logging.Logger
	monarch     *Monarch
	httpSrv     *http.Server
	sequence    atomic.Int64
	done        chan struct{}
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, log *logging.Logger, monarch *Monarch) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:     cfg,
		log:     log,
		monarch: monarch,
		done:    make(chan struct{}),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/monarch", s.monarchHandler)
	mux.HandleFunc("/v1/peasants", s.peasantsHandler)
	mux.HandleFunc("/v1/peasants/", s.peasantByIDHandler)
	mux.HandleFunc("/v1/propose", s.proposeHandler)
	mux.HandleFunc("/v1/activate", s.activateHandler)
	mux.HandleFunc("/v1/reign", s.reignHandler)
	return s
}

// Serve blocks until the listener closes or Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpSrv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server and ends every reign stream. Safe to call more
// than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		close(s.done)
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			// Long-lived reign streams may outlast the grace period.
			s.httpSrv.Close() //nolint:errcheck
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				s.shutdownErr = err
			}
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		PID:           s.monarch.Pid(),
		ReignID:       s.monarch.ReignID(),
	})
}

func (s *Server) monarchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, api.MonarchEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		PID:           s.monarch.Pid(),
		ReignID:       s.monarch.ReignID(),
		StartedAt:     s.monarch.StartedAt(),
		PeasantCount:  s.monarch.peasantCount(),
	})
}

func (s *Server) peasantsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listPeasants(w)
	case http.MethodPost:
		s.addPeasant(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) listPeasants(w http.ResponseWriter) {
	peasants := s.monarch.ListPeasants()
	resp := api.PeasantsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		ReignID:       s.monarch.ReignID(),
		Peasants:      make([]api.PeasantItem, 0, len(peasants)),
	}
	for _, p := range peasants {
		item := api.PeasantItem{
			PeasantID:    int64(p.ID),
			PID:          p.PID,
			WindowName:   p.WindowName,
			SocketPath:   p.SocketPath,
			RegisteredAt: p.RegisteredAt.UTC().Format(time.RFC3339Nano),
		}
		if !p.LastActivatedAt.IsZero() {
			item.LastActivatedAt = p.LastActivatedAt.UTC().Format(time.RFC3339Nano)
		}
		resp.Peasants = append(resp.Peasants, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) addPeasant(w http.ResponseWriter, r *http.Request) {
	var req api.AddPeasantRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	if strings.TrimSpace(req.SocketPath) == "" {
		writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "socket_path is required")
		return
	}
	id := s.monarch.AddPeasant(r.Context(), req)
	writeJSON(w, http.StatusOK, api.AddPeasantResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		PeasantID:     int64(id),
		ReignID:       s.monarch.ReignID(),
	})
}

func (s *Server) peasantByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.methodNotAllowed(w, http.MethodDelete)
		return
	}
	rawID := strings.TrimPrefix(r.URL.Path, "/v1/peasants/")
	id, ok := model.ParsePeasantID(rawID)
	if !ok {
		writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid peasant id")
		return
	}
	if !s.monarch.RemovePeasant(r.Context(), id) {
		writeError(w, http.StatusNotFound, model.ErrRefNotFound, "peasant not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) proposeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.ProposeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		// Malformed proposals resolve to "create new", never an error.
		writeJSON(w, http.StatusOK, api.ProposeResponse{
			SchemaVersion:      "v1",
			GeneratedAt:        time.Now().UTC(),
			ShouldCreateWindow: true,
		})
		return
	}
	create, routedTo := s.monarch.ProposeCommandline(r.Context(), req.Args)
	writeJSON(w, http.StatusOK, api.ProposeResponse{
		SchemaVersion:      "v1",
		GeneratedAt:        time.Now().UTC(),
		ShouldCreateWindow: create,
		WindowID:           int64(routedTo),
	})
}

func (s *Server) activateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.ActivateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	s.monarch.HandleActivatePeasant(r.Context(), model.PeasantID(req.PeasantID), req.Args)
	writeJSON(w, http.StatusOK, api.ActivateResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "recorded",
	})
}

// reignHandler streams heartbeats until the monarch shuts down. Subjects
// block reading this stream; its end is their liveness signal.
func (s *Server) reignHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)

	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	emit := func() bool {
		line := api.ReignLine{
			SchemaVersion: "v1",
			EmittedAt:     time.Now().UTC(),
			ReignID:       s.monarch.ReignID(),
			PID:           s.monarch.Pid(),
			Sequence:      s.sequence.Add(1),
		}
		if err := enc.Encode(line); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !emit() {
		return
	}
	for {
		select {
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !emit() {
				return
			}
		}
	}
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}
