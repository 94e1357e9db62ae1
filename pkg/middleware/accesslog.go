package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// AccessLog writes one line per request. A handler that writes the status
// twice is reported instead of silently ignored.
func AccessLog(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &recorder{ResponseWriter: w}
			next.ServeHTTP(rw, r)
			if rw.code == 0 {
				rw.code = http.StatusOK
			}
			if rw.second != 0 {
				log.Warnw("status written twice", "path", r.URL.Path, "first", rw.code, "second", rw.second)
			}
			fields := []any{
				"method", r.Method, "path", r.URL.Path, "status", rw.code,
				"bytes", rw.bytes, "duration", time.Since(start), "request_id", RequestIDFrom(r.Context()),
			}
			if p, ok := PrincipalFrom(r.Context()); ok {
				fields = append(fields, "identity", p.IdentityID)
			}
			if rw.code >= 500 {
				log.Warnw("request", fields...)
				return
			}
			log.Debugw("request", fields...)
		})
	}
}

type recorder struct {
	http.ResponseWriter
	code   int
	second int
	bytes  int
}

func (r *recorder) WriteHeader(code int) {
	if r.code != 0 {
		r.second = code
		return
	}
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *recorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
