package agent

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/gantrylabs/gantry/pkg/api"
)

// Ping handles GET /api/ping. The control plane polls it during container
// startup, so it must answer without touching any registry.
func (s *Server) Ping(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, api.PingResponse{
		Message:   "pong",
		Timestamp: time.Now().UTC(),
		RequestID: chimiddleware.GetReqID(r.Context()),
	})
}

// ListCommands handles GET /api/commands. It reports the executables
// reachable through the container's PATH, deduplicated and sorted.
func (s *Server) ListCommands(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, api.CommandsResponse{
		AvailableCommands: availableCommands(os.Getenv("PATH")),
		Timestamp:         time.Now().UTC(),
	})
}

func availableCommands(pathEnv string) []string {
	seen := make(map[string]struct{})
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.Mode()&os.ModeSymlink != 0 {
				info, err = os.Stat(filepath.Join(dir, e.Name()))
				if err != nil || info.IsDir() {
					continue
				}
			}
			if info.Mode()&0111 == 0 {
				continue
			}
			seen[e.Name()] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
