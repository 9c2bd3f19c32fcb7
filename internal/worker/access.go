package worker

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

// accessLog writes one line per request to the access logger and makes sure
// every request carries an X-Request-ID.
func accessLog(log *zap.Logger, pid int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rid := r.Header.Get(requestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
				r.Header.Set(requestIDHeader, rid)
			}
			w.Header().Set(requestIDHeader, rid)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Info(fmt.Sprintf("%s %s %s", r.Method, r.URL.RequestURI(), r.Proto),
				zap.String("remote", r.RemoteAddr),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("referer", r.Referer()),
				zap.String("user_agent", r.UserAgent()),
				zap.String("request_id", rid),
				zap.Int("pid", pid),
			)
		})
	}
}
