package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gantrylabs/gantry/internal/security"
	"github.com/gantrylabs/gantry/pkg/api"
)

// Connect tunnels the request into the container. A numeric target is a
// port inside the sandbox, reached through the agent's port proxy; anything
// else addresses the agent's own HTTP surface. Upgrade handshakes pass
// through untouched, so WebSocket connections work across the tunnel.
func (s *Server) Connect(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}

	target := chi.URLParam(r, "target")
	rest := chi.URLParam(r, "*")

	var path string
	if port, err := strconv.Atoi(target); err == nil {
		if !security.ValidatePort(port, s.cfg.ControlPlanePort) {
			s.fail(w, http.StatusBadRequest, api.CodeInvalidPort, fmt.Sprintf("invalid port: %d", port))
			return
		}
		path = "/proxy/" + target
	} else {
		path = "/" + target
	}
	if rest != "" {
		path += "/" + rest
	}

	if err := inst.Proxy(w, r, path); err != nil {
		s.containerError(w, err)
	}
}
