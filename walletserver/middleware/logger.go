package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader is the header a client can read back to correlate its
// request with server-side logs.
const RequestIDHeader = "X-Request-Id"

// Logger tags each request with a uuid, logs method/path/duration,
// and echoes the id back so a caller can correlate a failure with a log line.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set(RequestIDHeader, id)
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"request_id": id,
			"duration":   time.Since(start),
		}).Infof("%s %s", r.Method, r.RequestURI)
	})
}
