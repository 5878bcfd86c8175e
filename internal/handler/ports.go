package handler

import (
	"errors"
	"net/http"

	"github.com/gantrylabs/gantry/internal/controlplane"
	"github.com/gantrylabs/gantry/pkg/api"
)

// ExposePort opens a port for preview traffic and returns the access token
// and outward URL. A hostname on which previews cannot work is rejected
// before any container is touched.
func (s *Server) ExposePort(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}

	var req api.ExposePortRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}

	resp, status, err := inst.ExposePort(r.Context(), req, s.previewPolicy())
	if err != nil {
		if errors.Is(err, controlplane.ErrCustomDomainRequired) {
			s.fail(w, http.StatusBadRequest, api.CodeCustomDomainRequired, err.Error())
			return
		}
		s.containerError(w, err)
		return
	}
	s.respond(w, status, resp)
}

// UnexposePort closes a port exposure and invalidates its token.
func (s *Server) UnexposePort(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}

	var req api.UnexposePortRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}

	resp, status, err := inst.UnexposePort(r.Context(), req.Port)
	if err != nil {
		s.containerError(w, err)
		return
	}
	s.respond(w, status, resp)
}

// ListPorts lists the sandbox's exposed ports with preview URLs.
func (s *Server) ListPorts(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}

	resp, status, err := inst.ListPorts(r.Context(), s.previewPolicy())
	if err != nil {
		s.containerError(w, err)
		return
	}
	s.respond(w, status, resp)
}

// ValidatePortToken reports whether a token grants access to a port. The
// verdict is always a 200; callers branch on the valid field.
func (s *Server) ValidatePortToken(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}

	var req api.ValidateTokenRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}

	valid := inst.ValidatePortToken(r.Context(), req.Port, req.Token)
	s.respond(w, http.StatusOK, api.ValidateTokenResponse{
		Response: api.OK(),
		Valid:    valid,
	})
}
