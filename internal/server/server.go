// Package server exposes the wizard engine and job service over local
// HTTP, plus an SSE stream of diagnostics events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/bookwright/bookwright/internal/diag"
	"github.com/bookwright/bookwright/internal/jobs"
	"github.com/bookwright/bookwright/internal/wizard"
)

// Config holds server configuration.
type Config struct {
	Addr string
}

// Server is the HTTP front over the wizard core. It serves a single
// workstation; cross-origin POSTs are rejected.
type Server struct {
	config  Config
	engine  *wizard.Engine
	jobs    *jobs.Service
	stream  *diag.Stream
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *log.Logger
}

func New(cfg Config, engine *wizard.Engine, jobsvc *jobs.Service, stream *diag.Stream) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		engine:  engine,
		jobs:    jobsvc,
		stream:  stream,
		baseCtx: ctx,
		cancel:  cancel,
		logger:  log.New(os.Stderr, "[wizard-server] ", log.LstdFlags),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetState)
	mux.HandleFunc("GET /sessions/{id}/steps/{step}", s.handleGetStep)
	mux.HandleFunc("POST /sessions/{id}/steps/{step}", s.handleSubmitStep)
	mux.HandleFunc("POST /sessions/{id}/actions", s.handleApplyAction)
	mux.HandleFunc("POST /sessions/{id}/previews", s.handlePreview)
	mux.HandleFunc("POST /sessions/{id}/plan", s.handleComputePlan)
	mux.HandleFunc("POST /sessions/{id}/process", s.handleStartProcessing)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /jobs/{id}/retry", s.handleRetryJob)
	mux.HandleFunc("GET /events", s.handleEvents)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)
	s.cancel()
}

var validID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type createSessionRequest struct {
	Root          string            `json:"root"`
	Path          string            `json:"path"`
	Mode          string            `json:"mode"`
	FlowOverrides *wizard.Overrides `json:"flow_overrides,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, &wizard.Error{Code: wizard.CodeValidation, Message: "invalid request body"})
		return
	}
	st, err := s.engine.CreateSession(req.Root, req.Path, req.Mode, req.FlowOverrides)
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("id")
	if !validID.MatchString(sid) {
		writeEnvelope(w, &wizard.Error{Code: wizard.CodeValidation, Message: "invalid session id"})
		return
	}
	st, err := s.engine.GetState(sid)
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	step, err := s.engine.GetStepDefinition(r.PathValue("id"), r.PathValue("step"))
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (s *Server) handleSubmitStep(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeEnvelope(w, &wizard.Error{Code: wizard.CodeValidation, Message: "invalid request body"})
		return
	}
	st, err := s.engine.SubmitStep(r.PathValue("id"), r.PathValue("step"), payload)
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleApplyAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, &wizard.Error{Code: wizard.CodeValidation, Message: "invalid request body"})
		return
	}
	st, err := s.engine.ApplyAction(r.PathValue("id"), req.Action)
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StepID  string         `json:"step_id"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, &wizard.Error{Code: wizard.CodeValidation, Message: "invalid request body"})
		return
	}
	res, err := s.engine.PreviewAction(r.PathValue("id"), req.StepID, req.Payload)
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleComputePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.engine.ComputePlan(r.PathValue("id"))
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleStartProcessing(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, &wizard.Error{Code: wizard.CodeValidation, Message: "invalid request body"})
		return
	}
	res, err := s.engine.StartProcessing(r.PathValue("id"), body)
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.jobs.List()
	if err != nil {
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": recs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.jobs.Get(r.PathValue("id"))
	if err != nil {
		writeEnvelope(w, &wizard.Error{Code: wizard.CodeNotFound, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.jobs.Cancel(r.PathValue("id"))
	if err != nil {
		var ill *jobs.IllegalTransitionError
		if errors.As(err, &ill) {
			writeEnvelope(w, &wizard.Error{Code: wizard.CodeInvariant, Message: err.Error()})
			return
		}
		writeEnvelope(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.jobs.Retry(r.PathValue("id"))
	if err != nil {
		writeEnvelope(w, &wizard.Error{Code: wizard.CodeInvariant, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// csrfProtect rejects cross-origin POSTs. CLI and same-origin callers omit
// the Origin header or match the host.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" && origin != "http://"+r.Host && origin != "https://"+r.Host {
				http.Error(w, "cross-origin request rejected", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// writeEnvelope maps an error onto the uniform envelope and an HTTP status.
func writeEnvelope(w http.ResponseWriter, err error) {
	env := wizard.Envelope(err)
	status := http.StatusInternalServerError
	var we *wizard.Error
	if errors.As(err, &we) {
		switch we.Code {
		case wizard.CodeValidation:
			status = http.StatusBadRequest
		case wizard.CodeNotFound:
			status = http.StatusNotFound
		case wizard.CodeInvariant, wizard.CodeConflicts:
			status = http.StatusConflict
		}
	}
	writeJSON(w, status, env)
}
