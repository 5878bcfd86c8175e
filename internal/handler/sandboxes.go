package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gantrylabs/gantry/internal/model"
	"github.com/gantrylabs/gantry/internal/store"
	"github.com/gantrylabs/gantry/pkg/api"
)

// ListSandboxes returns every sandbox known to the store, running or not.
func (s *Server) ListSandboxes(w http.ResponseWriter, r *http.Request) {
	sandboxes, err := s.manager.ListSandboxes(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, api.CodeInternalError, err.Error())
		return
	}

	infos := make([]api.SandboxInfo, 0, len(sandboxes))
	for _, sb := range sandboxes {
		infos = append(infos, sandboxInfo(sb))
	}
	s.respond(w, http.StatusOK, api.ListSandboxesResponse{
		Response:  api.OK(),
		Sandboxes: infos,
	})
}

func sandboxInfo(sb *model.Sandbox) api.SandboxInfo {
	info := api.SandboxInfo{
		ID:        sb.ID,
		Status:    sb.Status,
		Image:     sb.Image,
		KeepAlive: sb.KeepAlive,
		CreatedAt: sb.CreatedAt,
	}
	if sb.Name != nil {
		info.Name = *sb.Name
	}
	if sb.LastActiveAt != nil {
		info.LastActiveAt = *sb.LastActiveAt
	}
	// The record is written when the idle monitor stops the container, so
	// its update time is the moment the sandbox went to sleep.
	if sb.Status == model.SandboxStatusSleeping {
		stopped := sb.UpdatedAt
		info.StoppedAt = &stopped
	}
	return info
}

// DeleteSandbox destroys a sandbox: container removed, record deleted.
func (s *Server) DeleteSandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sandbox")
	if _, err := s.manager.GetSandbox(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.fail(w, http.StatusNotFound, api.CodeSandboxNotFound, "sandbox not found: "+id)
			return
		}
		s.fail(w, http.StatusInternalServerError, api.CodeInternalError, err.Error())
		return
	}

	if err := s.manager.DeleteSandbox(r.Context(), id); err != nil {
		s.containerError(w, err)
		return
	}
	s.respond(w, http.StatusOK, api.OK())
}

// PingSandbox wakes the sandbox and returns the agent's ping response.
func (s *Server) PingSandbox(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}

	resp, err := inst.Ping(r.Context())
	if err != nil {
		s.containerError(w, err)
		return
	}
	s.respond(w, http.StatusOK, resp)
}

// UpdateSettings changes per-sandbox settings in the store without starting
// a container. Environment changes take effect on the next container start.
func (s *Server) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}

	var req api.SettingsRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}

	resp, err := inst.ApplySettings(r.Context(), req)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, api.CodeInternalError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, resp)
}
