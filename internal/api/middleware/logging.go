package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

const requestLogKey contextKey = "request_log"

// requestLog carries attributes learned further down the chain, such as the
// authenticated client, back up to the access log line.
type requestLog struct {
	clientID string
}

func noteClient(ctx context.Context, clientID string) {
	if rl, ok := ctx.Value(requestLogKey).(*requestLog); ok {
		rl.clientID = clientID
	}
}

// Logger writes one access log line per request. Health checks and metric
// scrapes log at debug level, client errors at warn and server errors at error.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		info := &requestLog{}

		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), requestLogKey, info)))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		}
		if id := middleware.GetReqID(r.Context()); id != "" {
			attrs = append(attrs, "request_id", id)
		}
		if info.clientID != "" {
			attrs = append(attrs, "client_id", info.clientID)
		}
		slog.Log(r.Context(), accessLevel(r.URL.Path, status), "request", attrs...)
	})
}

func accessLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	case path == "/metrics" || strings.HasSuffix(path, "/health"):
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
