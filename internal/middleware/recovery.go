package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/aegisgw/aegis/internal/errors"
	"github.com/aegisgw/aegis/internal/logging"
)

// Recovery converts panics in downstream handlers into a 500 with the
// standard error body. The stack is logged, never sent to the client.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logging.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()))

					ge := errors.ErrInternalServer
					// Recovery sits outside RequestID, so the id is
					// only visible via the response header it set.
					id := RequestIDFromContext(r.Context())
					if id == "" {
						id = w.Header().Get(RequestIDHeader)
					}
					if id != "" {
						ge = ge.WithRequestID(id)
					}
					ge.WriteJSON(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
