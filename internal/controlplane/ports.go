package controlplane

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gantrylabs/gantry/internal/config"
	"github.com/gantrylabs/gantry/internal/runtime"
	"github.com/gantrylabs/gantry/pkg/api"
)

// ExposePort exposes a container port, mirrors the minted token, and fills
// in the preview URL. A hostname that matches a blocked wildcard pattern
// rejects the exposure before the container is touched.
func (i *Instance) ExposePort(ctx context.Context, req api.ExposePortRequest, policy *config.Policy) (*api.ExposePortResponse, int, error) {
	url, err := PreviewURL(i.previewHost(req.Hostname), req.Port, i.id, policy)
	if err != nil {
		return nil, 0, err
	}

	var out api.ExposePortResponse
	status, err := i.doJSON(ctx, "POST", "/api/ports/expose", api.ExposePortRequest{
		Port: req.Port,
		Name: req.Name,
	}, &out)
	if err != nil {
		return nil, 0, err
	}

	if status == http.StatusOK && out.Token != "" {
		i.mu.Lock()
		i.portTokens[out.Port] = out.Token
		i.mu.Unlock()
		out.URL = url
	}
	return &out, status, nil
}

// UnexposePort removes a port exposure and drops the mirrored token.
func (i *Instance) UnexposePort(ctx context.Context, port int) (*api.Response, int, error) {
	var out api.Response
	status, err := i.doJSON(ctx, "POST", "/api/ports/unexpose", api.UnexposePortRequest{Port: port}, &out)
	if err != nil {
		return nil, 0, err
	}

	if status == http.StatusOK {
		i.mu.Lock()
		delete(i.portTokens, port)
		i.mu.Unlock()
	}
	return &out, status, nil
}

// ListPorts lists the container's exposed ports with preview URLs filled
// in. A hostname on which previews are unavailable leaves the URLs empty
// rather than failing the listing.
func (i *Instance) ListPorts(ctx context.Context, policy *config.Policy) (*api.ListPortsResponse, int, error) {
	var out api.ListPortsResponse
	status, err := i.doJSON(ctx, "GET", "/api/ports", nil, &out)
	if err != nil {
		return nil, 0, err
	}

	host := i.previewHost("")
	for n := range out.Ports {
		if url, err := PreviewURL(host, out.Ports[n].Port, i.id, policy); err == nil {
			out.Ports[n].URL = url
		}
	}
	return &out, status, nil
}

// ValidatePortToken checks a preview token. The in-memory mirror answers
// in constant time without waking the container; a miss falls through to
// the in-container registry, which is authoritative after a control-plane
// restart. Valid tokens learned that way refill the mirror.
//
// The fallback only asks a container that is already running. Exposures
// live in the agent's memory and die with the container, so a stopped or
// absent container cannot hold a valid token, and an unauthenticated probe
// must never boot one.
func (i *Instance) ValidatePortToken(ctx context.Context, port int, token string) bool {
	if token == "" {
		return false
	}

	i.mu.Lock()
	mirror, ok := i.portTokens[port]
	i.mu.Unlock()
	if ok && subtle.ConstantTimeCompare([]byte(mirror), []byte(token)) == 1 {
		return true
	}

	c, err := i.rt.Get(ctx, i.id)
	if err != nil || c.Status != runtime.StatusRunning {
		return false
	}

	var out api.CheckTokenResponse
	status, err := i.doJSON(ctx, "POST", "/api/ports/check-token", api.CheckTokenRequest{
		Port:  port,
		Token: token,
	}, &out)
	if err != nil || status != http.StatusOK || !out.Valid {
		return false
	}

	i.mu.Lock()
	i.portTokens[port] = token
	i.mu.Unlock()
	return true
}
