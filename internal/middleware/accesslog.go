package middleware

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aegisgw/aegis/internal/logging"
)

var accessRWPool = sync.Pool{
	New: func() any { return &accessWriter{} },
}

// accessWriter captures status and byte count for the access line.
type accessWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *accessWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *accessWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *accessWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// AccessLog writes one structured line per request.
func AccessLog() Middleware {
	return AccessLogSkipping()
}

// AccessLogSkipping is AccessLog with paths excluded from logging,
// typically health probes.
func AccessLogSkipping(skip ...string) Middleware {
	skipPaths := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			aw := accessRWPool.Get().(*accessWriter)
			aw.ResponseWriter = w
			aw.status = 0
			aw.bytes = 0

			next.ServeHTTP(aw, r)

			logging.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", aw.status),
				zap.Int64("bytes", aw.bytes),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote", r.RemoteAddr),
				zap.String("request_id", RequestIDFromContext(r.Context())))

			aw.ResponseWriter = nil
			accessRWPool.Put(aw)
		})
	}
}
