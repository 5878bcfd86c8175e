// Package middleware holds HTTP middleware shared by the daemon and the
// in-container agent.
package middleware

import (
	"net/http"
	"net/url"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/gantrylabs/gantry/internal/logger"
)

// SensitiveQueryParams are query parameters whose values are redacted from
// request logs.
var SensitiveQueryParams = []string{
	"token",
	"password",
	"api_key",
	"secret",
	"apiKey",
}

// RequestLogger logs one line per completed request. Sensitive query
// parameter values are replaced with a placeholder before logging.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.Nop()
	}
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				log.Info("request",
					"method", r.Method,
					"path", redactSensitiveParams(r.URL),
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start).Round(time.Microsecond).String(),
					"remote", r.RemoteAddr,
					"requestId", chimiddleware.GetReqID(r.Context()),
				)
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}

// redactSensitiveParams returns the request path with sensitive query
// parameter values masked.
func redactSensitiveParams(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}

	query := u.Query()
	redacted := false
	for _, param := range SensitiveQueryParams {
		if query.Has(param) {
			query.Set(param, "[REDACTED]")
			redacted = true
		}
	}
	if !redacted {
		return u.Path + "?" + u.RawQuery
	}

	clean := *u
	clean.RawQuery = query.Encode()
	return clean.Path + "?" + clean.RawQuery
}
