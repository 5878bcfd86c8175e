package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/gantrylabs/gantry/internal/controlplane"
	"github.com/gantrylabs/gantry/internal/security"
	"github.com/gantrylabs/gantry/pkg/api"
)

// forwardTo returns a handler that relays the request body to a fixed agent
// path, waking the container first when needed.
func (s *Server) forwardTo(method, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := s.instance(w, r)
		if !ok {
			return
		}
		s.forward(w, r, inst, method, path)
	}
}

// forwardSessionTo is forwardTo for session-scoped operations: a request
// that names no session is bound to the sandbox's default session, which is
// created in the container on first use and carries the stored environment
// variables.
func (s *Server) forwardSessionTo(method, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := s.instance(w, r)
		if !ok {
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.fail(w, http.StatusBadRequest, "", err.Error())
			return
		}
		body, err = s.defaultSession(r.Context(), inst, body)
		if err != nil {
			s.containerError(w, err)
			return
		}
		s.forwardBody(w, r, inst, method, path, body)
	}
}

// defaultSession rewrites body so that a request without an explicit
// sessionId lands in the sandbox's default session. Bodies the agent would
// reject anyway pass through untouched.
func (s *Server) defaultSession(ctx context.Context, inst *controlplane.Instance, body []byte) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			return body, nil
		}
	}
	if raw, ok := fields["sessionId"]; ok {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil || id != "" {
			return body, nil
		}
	}

	id, err := inst.DefaultSessionID(ctx)
	if err != nil {
		return nil, err
	}
	idJSON, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	fields["sessionId"] = idJSON
	return json.Marshal(fields)
}

// forwardProcess relays to the agent's per-process endpoint.
func (s *Server) forwardProcess(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := s.instance(w, r)
		if !ok {
			return
		}
		s.forward(w, r, inst, method, "/api/process/"+url.PathEscape(chi.URLParam(r, "id")))
	}
}

// ProcessLogs returns the buffered output of a supervised process.
func (s *Server) ProcessLogs(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	s.forward(w, r, inst, "GET", "/api/process/"+url.PathEscape(chi.URLParam(r, "id"))+"/logs")
}

// StreamProcessLogs relays the agent's live log stream with stall detection.
func (s *Server) StreamProcessLogs(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	s.forwardStream(w, r, inst, "GET", "/api/process/"+url.PathEscape(chi.URLParam(r, "id"))+"/logs/stream")
}

// ExecuteStream runs a command and relays its event stream. Like Execute,
// a request without a session runs in the default session.
func (s *Server) ExecuteStream(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}
	body, err = s.defaultSession(r.Context(), inst, body)
	if err != nil {
		s.containerError(w, err)
		return
	}
	s.forwardStreamBody(w, r, inst, "POST", "/api/execute/stream", body)
}

// DeleteSession tears down a session and its processes.
func (s *Server) DeleteSession(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	s.forward(w, r, inst, "DELETE", "/api/sessions/"+url.PathEscape(chi.URLParam(r, "id")))
}

// GitCheckout validates the repository URL against daemon and policy host
// restrictions before involving the container at all.
func (s *Server) GitCheckout(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}
	var req api.GitCheckoutRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.fail(w, http.StatusBadRequest, "", err.Error())
			return
		}
	}

	// Both lists restrict independently; the hot-reloaded policy can
	// tighten what the static configuration allows but never widen it.
	if err := security.ValidateGitURL(req.RepoURL, s.cfg.GitAllowedHosts); err != nil {
		s.fail(w, http.StatusBadRequest, api.CodeInvalidGitURL, err.Error())
		return
	}
	if err := security.ValidateGitURL(req.RepoURL, s.manager.Policy().GitAllowedHosts); err != nil {
		s.fail(w, http.StatusBadRequest, api.CodeInvalidGitURL, err.Error())
		return
	}

	body, err = s.defaultSession(r.Context(), inst, body)
	if err != nil {
		s.containerError(w, err)
		return
	}
	s.forwardBody(w, r, inst, "POST", "/api/git/checkout", body)
}

// forward relays the request to the agent and copies the response back
// unchanged.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, inst *controlplane.Instance, method, path string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}
	s.forwardBody(w, r, inst, method, path, body)
}

func (s *Server) forwardBody(w http.ResponseWriter, r *http.Request, inst *controlplane.Instance, method, path string, body []byte) {
	if q := r.URL.RawQuery; q != "" {
		path += "?" + q
	}
	resp, err := inst.Do(r.Context(), method, path, r.Header, body)
	if err != nil {
		s.containerError(w, err)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.log.Debug("copy agent response", "error", err)
	}
}

// forwardStream relays an SSE response from the agent. Agent errors raised
// before the stream starts pass through as plain JSON responses.
func (s *Server) forwardStream(w http.ResponseWriter, r *http.Request, inst *controlplane.Instance, method, path string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "", err.Error())
		return
	}
	s.forwardStreamBody(w, r, inst, method, path, body)
}

func (s *Server) forwardStreamBody(w http.ResponseWriter, r *http.Request, inst *controlplane.Instance, method, path string, body []byte) {
	if q := r.URL.RawQuery; q != "" {
		path += "?" + q
	}
	resp, err := inst.Do(r.Context(), method, path, r.Header, body)
	if err != nil {
		s.containerError(w, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return
	}

	if err := inst.RelayStream(r.Context(), w, resp.Body); err != nil {
		s.containerError(w, err)
	}
}
