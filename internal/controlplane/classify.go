package controlplane

import (
	"net/http"
	"strings"
)

// Startup failures fall into three classes. Transient conditions clear on
// their own once the container finishes coming up, so callers get a short
// Retry-After hint. A missing instance needs a full provisioning cycle and
// gets a longer one. Everything else stays broken until someone intervenes.

// transientMarkers are matched case-insensitively against the failure text.
// The list covers the messages the runtime, the port mapper, and the
// in-container proxy produce while a container is still settling.
var transientMarkers = []string{
	"container port not found",
	"connection refused: container port",
	"the container is not listening",
	"failed to verify port",
	"container did not start",
	"network connection lost",
	"container suddenly disconnected",
	"monitor failed to find container",
	"timed out",
	"timeout",
	"the operation was aborted",
}

const noInstanceMarker = "no container instance"

// Retry-After hints in seconds.
const (
	retryAfterTransient  = 3
	retryAfterNoInstance = 10
)

// ClassifyStartupError maps a startup failure onto an HTTP status and a
// Retry-After hint in seconds. A zero hint means the header is omitted.
func ClassifyStartupError(err error) (status, retryAfter int) {
	if err == nil {
		return http.StatusOK, 0
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, noInstanceMarker) {
		return http.StatusServiceUnavailable, retryAfterNoInstance
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return http.StatusServiceUnavailable, retryAfterTransient
		}
	}
	return http.StatusInternalServerError, 0
}
