// Package agent implements the in-container HTTP service: sessions, command
// execution, supervised processes, workspace file operations, port exposure,
// and git checkouts. The control plane is its only intended caller.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/gantrylabs/gantry/internal/config"
	"github.com/gantrylabs/gantry/internal/gitops"
	"github.com/gantrylabs/gantry/internal/logger"
	"github.com/gantrylabs/gantry/internal/middleware"
	"github.com/gantrylabs/gantry/internal/ports"
	"github.com/gantrylabs/gantry/internal/security"
	"github.com/gantrylabs/gantry/internal/session"
	"github.com/gantrylabs/gantry/internal/supervisor"
	"github.com/gantrylabs/gantry/pkg/api"
)

// requestTimeout bounds the short-lived API routes. Streaming and execution
// routes are registered outside it and manage their own deadlines.
const requestTimeout = 60 * time.Second

// Server is the agent's HTTP surface over the in-container registries.
type Server struct {
	cfg      *config.AgentConfig
	log      *logger.Logger
	sessions *session.Registry
	procs    *supervisor.Supervisor
	ports    *ports.Registry
	git      *gitops.Runner
	start    time.Time
}

// NewServer wires the in-container registries behind a Server.
func NewServer(cfg *config.AgentConfig, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		sessions: session.NewRegistry(cfg.WorkspaceRoot),
		procs: supervisor.New(supervisor.Options{
			MaxBufferBytes: cfg.MaxLogBuffer,
			KillGrace:      cfg.KillGrace,
			Log:            log.With("component", "supervisor"),
		}),
		ports: ports.NewRegistry(cfg.ControlPlanePort),
		git:   gitops.NewRunner(log.With("component", "git")),
		start: time.Now(),
	}
}

// Router assembles the agent's route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.log))
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(requestTimeout))

		r.Get("/api/ping", s.Ping)
		r.Get("/api/commands", s.ListCommands)

		r.Post("/api/sessions", s.CreateSession)
		r.Get("/api/sessions", s.ListSessions)
		r.Delete("/api/sessions/{id}", s.DeleteSession)

		r.Post("/api/processes/start", s.StartProcess)
		r.Get("/api/processes", s.ListProcesses)
		r.Get("/api/process/{id}", s.GetProcess)
		r.Delete("/api/process/{id}", s.KillProcess)
		r.Get("/api/process/{id}/logs", s.ProcessLogs)

		r.Post("/api/files/write", s.WriteFile)
		r.Post("/api/files/read", s.ReadFile)
		r.Post("/api/files/delete", s.DeleteFile)
		r.Post("/api/files/mkdir", s.Mkdir)
		r.Post("/api/files/rename", s.RenameFile)
		r.Post("/api/files/move", s.MoveFile)

		r.Post("/api/ports/expose", s.ExposePort)
		r.Post("/api/ports/unexpose", s.UnexposePort)
		r.Get("/api/ports", s.ListPorts)
		r.Post("/api/ports/check-ready", s.CheckPortReady)
		r.Post("/api/ports/check-token", s.CheckPortToken)
	})

	// Execution, log streaming, checkouts, and the port proxy can outlive any
	// fixed request deadline.
	r.Group(func(r chi.Router) {
		r.Post("/api/execute", s.Execute)
		r.Post("/api/execute/stream", s.ExecuteStream)
		r.Get("/api/process/{id}/logs/stream", s.StreamProcessLogs)
		r.Post("/api/git/checkout", s.GitCheckout)
		r.Handle("/proxy/{port}", http.HandlerFunc(s.Proxy))
		r.Handle("/proxy/{port}/*", http.HandlerFunc(s.Proxy))
	})

	return r
}

// Shutdown terminates all supervised processes.
func (s *Server) Shutdown(ctx context.Context) {
	s.procs.Shutdown(ctx)
}

// respond writes v as JSON with the given status.
func (s *Server) respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "error", err)
	}
}

// fail writes a failure envelope. An empty code is omitted from the body.
func (s *Server) fail(w http.ResponseWriter, status int, code api.ErrorCode, message string) {
	s.respond(w, status, api.Fail(code, message))
}

// decode reads the request body as JSON into v. An empty body is allowed and
// leaves v untouched.
func (s *Server) decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// resolveSession maps an optional session id to a live session, writing the
// error response itself when the session does not exist.
func (s *Server) resolveSession(w http.ResponseWriter, id string) (*session.Session, bool) {
	sess, err := s.sessions.Resolve(id)
	if err != nil {
		s.fail(w, http.StatusNotFound, api.CodeSessionNotFound, fmt.Sprintf("session %q not found", id))
		return nil, false
	}
	return sess, true
}

// resolvePath validates p against the workspace root, resolving relative
// paths against the session working directory first.
func (s *Server) resolvePath(sess *session.Session, p string) (string, bool) {
	if p != "" && !path.IsAbs(p) {
		p = path.Join(sess.Cwd, p)
	}
	return security.ValidatePath(p, s.cfg.WorkspaceRoot)
}

/// resolveCwd picks the working directory for an execution: the request
// override when present, the session directory otherwise.
func resolveCwd(sess *session.Session, reqCwd string) string {
	if reqCwd == "" {
		return sess.Cwd
	}
	if !path.IsAbs(reqCwd) {
		return path.Join(sess.Cwd, reqCwd)
	}
	return reqCwd
}

// buildEnv layers the request environment over the session environment over
// the agent's own. exec.Cmd keeps the last value for duplicate keys.
func buildEnv(base []string, sess *session.Session, extra map[string]string) []string {
	env := append([]string(nil), base...)
	for k, v := range sess.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
