package agent

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gantrylabs/gantry/internal/ports"
	"github.com/gantrylabs/gantry/pkg/api"
)

// ExposePort handles POST /api/ports/expose. The minted token travels back
// to the control plane in the response and is never logged.
func (s *Server) ExposePort(w http.ResponseWriter, r *http.Request) {
	var req api.ExposePortRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}

	exp, err := s.ports.Expose(req.Port, req.Name)
	if err != nil {
		switch {
		case errors.Is(err, ports.ErrInvalidPort):
			s.fail(w, http.StatusBadRequest, api.CodeInvalidPort,
				fmt.Sprintf("port %d cannot be exposed", req.Port))
		case errors.Is(err, ports.ErrAlreadyExposed):
			s.fail(w, http.StatusConflict, api.CodePortAlreadyExposed,
				fmt.Sprintf("port %d is already exposed", req.Port))
		default:
			s.fail(w, http.StatusInternalServerError, api.CodeInternalError, err.Error())
		}
		return
	}

	s.log.Info("port exposed", "port", exp.Port, "name", exp.Name)
	s.respond(w, http.StatusOK, api.ExposePortResponse{
		Response:  api.OK(),
		Port:      exp.Port,
		Name:      exp.Name,
		Token:     exp.Token,
		ExposedAt: exp.ExposedAt,
	})
}

// UnexposePort handles POST /api/ports/unexpose. The port's token is
// invalidated immediately.
func (s *Server) UnexposePort(w http.ResponseWriter, r *http.Request) {
	var req api.UnexposePortRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}

	if err := s.ports.Unexpose(req.Port); err != nil {
		s.fail(w, http.StatusNotFound, api.CodePortNotExposed,
			fmt.Sprintf("port %d is not exposed", req.Port))
		return
	}

	s.log.Info("port unexposed", "port", req.Port)
	s.respond(w, http.StatusOK, api.OK())
}

// ListPorts handles GET /api/ports. Tokens are omitted from listings.
func (s *Server) ListPorts(w http.ResponseWriter, r *http.Request) {
	exposed := s.ports.List()
	infos := make([]api.PortInfo, 0, len(exposed))
	for _, exp := range exposed {
		infos = append(infos, api.PortInfo{
			Port:      exp.Port,
			Name:      exp.Name,
			ExposedAt: exp.ExposedAt,
		})
	}
	s.respond(w, http.StatusOK, api.ListPortsResponse{
		Response: api.OK(),
		Ports:    infos,
	})
}

// CheckPortReady handles POST /api/ports/check-ready. The probe result is
// always a 200; Ready carries the verdict.
func (s *Server) CheckPortReady(w http.ResponseWriter, r *http.Request) {
	var req api.CheckReadyRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}
	if req.Port < 1 || req.Port > 65535 {
		s.fail(w, http.StatusBadRequest, api.CodeInvalidPort,
			fmt.Sprintf("port %d is out of range", req.Port))
		return
	}

	result := ports.CheckReady(r.Context(), ports.ReadyCheck{
		Port:      req.Port,
		Mode:      req.Mode,
		Path:      req.Path,
		StatusMin: req.StatusMin,
		StatusMax: req.StatusMax,
		Timeout:   time.Duration(req.TimeoutMs) * time.Millisecond,
	})

	s.respond(w, http.StatusOK, api.CheckReadyResponse{
		Ready:      result.Ready,
		StatusCode: result.StatusCode,
		Error:      result.Err,
	})
}

// CheckPortToken handles POST /api/ports/check-token. The preview ingress
// calls it to validate tokens minted at expose time.
func (s *Server) CheckPortToken(w http.ResponseWriter, r *http.Request) {
	var req api.CheckTokenRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}
	s.respond(w, http.StatusOK, api.CheckTokenResponse{
		Valid: s.ports.CheckToken(req.Port, req.Token),
	})
}
