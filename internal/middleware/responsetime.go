package middleware

import (
	"net/http"
	"strconv"
	"time"
)

// ResponseTime stamps every response with the gateway's handling duration.
// The header is written with the status line, so it reflects time to first
// byte rather than full body transfer.
func ResponseTime() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(&timedWriter{ResponseWriter: w, started: time.Now()}, r)
		})
	}
}

type timedWriter struct {
	http.ResponseWriter
	started time.Time
	wrote   bool
}

func (tw *timedWriter) WriteHeader(status int) {
	if !tw.wrote {
		tw.wrote = true
		tw.Header().Set("X-Response-Time",
			strconv.FormatInt(time.Since(tw.started).Milliseconds(), 10)+"ms")
	}
	tw.ResponseWriter.WriteHeader(status)
}

func (tw *timedWriter) Write(p []byte) (int, error) {
	if !tw.wrote {
		tw.WriteHeader(http.StatusOK)
	}
	return tw.ResponseWriter.Write(p)
}
