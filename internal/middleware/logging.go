package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// responseWriter wraps http.ResponseWriter to capture what the handler wrote.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// logAttrsKey carries the per-request attribute collector.
const logAttrsKey contextKey = "log_attrs"

// requestAttrs collects attributes resolved downstream of the access logger,
// so the log line can say who the caller was once auth has run.
type requestAttrs struct {
	mu    sync.Mutex
	attrs []slog.Attr
}

// annotateRequest attaches attributes to the request's access log entry.
// A no-op when the logging middleware is not installed.
func annotateRequest(ctx context.Context, attrs ...slog.Attr) {
	holder, ok := ctx.Value(logAttrsKey).(*requestAttrs)
	if !ok {
		return
	}
	holder.mu.Lock()
	holder.attrs = append(holder.attrs, attrs...)
	holder.mu.Unlock()
}

// Logging returns an access-log middleware. Auth middleware further down the
// chain annotates each entry with the resolved org, cluster, or user.
func Logging(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			holder := &requestAttrs{}
			ctx := context.WithValue(r.Context(), logAttrsKey, holder)

			next.ServeHTTP(wrapped, r.WithContext(ctx))

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.status),
				slog.Int("bytes", wrapped.bytes),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", chimiddleware.GetReqID(ctx)),
				slog.String("remote_addr", r.RemoteAddr),
			}
			holder.mu.Lock()
			attrs = append(attrs, holder.attrs...)
			holder.mu.Unlock()

			logger.LogAttrs(ctx, slog.LevelInfo, "request", attrs...)
		})
	}
}
