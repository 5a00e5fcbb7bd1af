package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Logging logs one line per request with its status and duration.
type Logging struct {
	logger *zap.Logger
}

// NewLogging returns request logging middleware writing to logger.
func NewLogging(logger *zap.Logger) *Logging {
	return &Logging{logger: logger}
}

// Handler wraps next.
func (l *Logging) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		}
		if id := chimw.GetReqID(r.Context()); id != "" {
			fields = append(fields, zap.String("request_id", id))
		}
		switch {
		case status >= 500:
			l.logger.Error("request completed", fields...)
		case status >= 400:
			l.logger.Warn("request completed", fields...)
		default:
			l.logger.Info("request completed", fields...)
		}
	})
}
