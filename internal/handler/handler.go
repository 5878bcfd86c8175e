// Package handler implements the gantryd HTTP API: sandbox listing and
// deletion against the store, and per-sandbox operations forwarded into the
// container through its control-plane instance.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/gantrylabs/gantry/internal/config"
	"github.com/gantrylabs/gantry/internal/controlplane"
	"github.com/gantrylabs/gantry/internal/logger"
	"github.com/gantrylabs/gantry/internal/middleware"
	"github.com/gantrylabs/gantry/pkg/api"
)

// Server is the daemon's HTTP surface over the control-plane manager.
type Server struct {
	cfg     *config.Config
	manager *controlplane.Manager
	log     *logger.Logger
}

// NewServer creates the daemon API server.
func NewServer(cfg *config.Config, m *controlplane.Manager, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{cfg: cfg, manager: m, log: log}
}

// Router assembles the daemon's route tree. Preview traffic is intercepted
// ahead of routing because it is recognized by hostname shape, not path.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.log))
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Use(s.previewIngress)

	r.Get("/health", s.Health)

	r.Route("/v1/sandboxes", func(r chi.Router) {
		r.Get("/", s.ListSandboxes)

		r.Route("/{sandbox}", func(r chi.Router) {
			r.Delete("/", s.DeleteSandbox)
			r.Get("/ping", s.PingSandbox)

			r.Post("/execute", s.forwardSessionTo("POST", "/api/execute"))
			r.Post("/execute/stream", s.ExecuteStream)

			r.Post("/processes", s.forwardSessionTo("POST", "/api/processes/start"))
			r.Get("/processes", s.forwardTo("GET", "/api/processes"))
			r.Get("/processes/{id}", s.forwardProcess("GET"))
			r.Delete("/processes/{id}", s.forwardProcess("DELETE"))
			r.Get("/processes/{id}/logs", s.ProcessLogs)
			r.Get("/processes/{id}/logs/stream", s.StreamProcessLogs)

			r.Post("/files/write", s.forwardSessionTo("POST", "/api/files/write"))
			r.Post("/files/read", s.forwardSessionTo("POST", "/api/files/read"))
			r.Post("/files/delete", s.forwardSessionTo("POST", "/api/files/delete"))
			r.Post("/files/mkdir", s.forwardSessionTo("POST", "/api/files/mkdir"))
			r.Post("/files/rename", s.forwardSessionTo("POST", "/api/files/rename"))
			r.Post("/files/move", s.forwardSessionTo("POST", "/api/files/move"))

			r.Post("/ports/expose", s.ExposePort)
			r.Post("/ports/unexpose", s.UnexposePort)
			r.Get("/ports", s.ListPorts)
			r.Post("/ports/validate-token", s.ValidatePortToken)
			r.Post("/ports/check-ready", s.forwardTo("POST", "/api/ports/check-ready"))

			r.Post("/git/checkout", s.GitCheckout)

			r.Post("/sessions", s.forwardTo("POST", "/api/sessions"))
			r.Get("/sessions", s.forwardTo("GET", "/api/sessions"))
			r.Delete("/sessions/{id}", s.DeleteSession)

			r.Patch("/settings", s.UpdateSettings)

			r.HandleFunc("/connect/{target}", s.Connect)
			r.HandleFunc("/connect/{target}/*", s.Connect)
		})
	})

	return r
}

// Health reports daemon liveness without touching any container.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, api.OK())
}

// respond writes v as JSON with the given status.
func (s *Server) respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "error", err)
	}
}

// fail writes a failure envelope.
func (s *Server) fail(w http.ResponseWriter, status int, code api.ErrorCode, message string) {
	s.respond(w, status, api.Fail(code, message))
}

// decode reads the request body as JSON into v. An empty body is allowed and
// leaves v untouched.
func (s *Server) decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// instance resolves the {sandbox} path parameter to its control-plane
// instance, writing the error response itself when the id is unusable. The
// request's Host header feeds preview-URL construction.
func (s *Server) instance(w http.ResponseWriter, r *http.Request) (*controlplane.Instance, bool) {
	inst, err := s.manager.Instance(r.Context(), chi.URLParam(r, "sandbox"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, api.CodeInvalidID, err.Error())
		return nil, false
	}
	inst.CaptureHost(r.Host)
	return inst, true
}

// previewPolicy is the policy preview hostnames are checked against. Dev
// mode drops the host blocklist so previews work behind tunneled or
// platform-assigned hostnames.
func (s *Server) previewPolicy() *config.Policy {
	if s.cfg.DevMode {
		return nil
	}
	return s.manager.Policy()
}

// containerError maps a failed container operation to its HTTP form:
// transient startup trouble becomes a 503 with Retry-After, everything else
// a 500.
func (s *Server) containerError(w http.ResponseWriter, err error) {
	status, retryAfter := controlplane.ClassifyStartupError(err)
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	code := api.CodeInternalError
	if status == http.StatusServiceUnavailable {
		code = api.CodeSandboxUnavailable
	}
	s.fail(w, status, code, err.Error())
}
