package court

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/windowcourt/court/internal/api"
	"github.com/windowcourt/court/internal/logging"
	"github.com/windowcourt/court/internal/model"
)

// PeasantServer exposes this process's window on its per-process socket so
// the monarch can dispatch commandlines to it.
type PeasantServer struct {
	log      *logging.Logger
	peasant  *Peasant
	httpSrv  *http.Server
	shutdown sync.Once
}

func NewPeasantServer(log *logging.Logger, peasant *Peasant) *PeasantServer {
	if log == nil {
		log = logging.NewNop()
	}
	mux := http.NewServeMux()
	s := &PeasantServer{
		log:     log,
		peasant: peasant,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/execute", s.executeHandler)
	return s
}

func (s *PeasantServer) Serve(ln net.Listener) error {
	err := s.httpSrv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *PeasantServer) Shutdown(ctx context.Context) error {
	var err error
	s.shutdown.Do(func() {
		err = s.httpSrv.Shutdown(ctx)
	})
	return err
}

func (s *PeasantServer) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *PeasantServer) executeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", strings.Join([]string{http.MethodPost}, ", "))
		writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
		return
	}
	var req api.ExecuteRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	s.peasant.ExecuteCommandline(req.Args)
	writeJSON(w, http.StatusOK, api.ExecuteResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		PeasantID:     int64(s.peasant.ID()),
		Status:        "executed",
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Error:         api.APIError{Code: code, Message: msg},
	})
}
