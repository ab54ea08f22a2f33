package eventlog

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"pulsegate/internal/observability/metrics"
)

// Middleware records every request into the request log and handler failures
// into the error log. Panics are logged and re-raised so an outer recovery
// layer still controls the response.
func Middleware(requests, errors *Log, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := metrics.NewResponseRecorder(w)
		origin := clientOrigin(r)

		defer func() {
			elapsed := time.Since(start).Milliseconds()
			if recovered := recover(); recovered != nil {
				errors.Append(Entry{
					Timestamp:  start,
					Method:     r.Method,
					Path:       r.URL.Path,
					Origin:     origin,
					Status:     http.StatusInternalServerError,
					DurationMs: elapsed,
					Error:      fmt.Sprintf("%v", recovered),
					Kind:       "panic",
				})
				panic(recovered)
			}
			status := recorder.Status()
			requests.Append(Entry{
				Timestamp:  start,
				Method:     r.Method,
				Path:       r.URL.Path,
				Origin:     origin,
				Status:     status,
				DurationMs: elapsed,
			})
			if status >= http.StatusInternalServerError {
				errors.Append(Entry{
					Timestamp:  start,
					Method:     r.Method,
					Path:       r.URL.Path,
					Origin:     origin,
					Status:     status,
					DurationMs: elapsed,
					Error:      http.StatusText(status),
					Kind:       "http",
				})
			}
		}()

		next.ServeHTTP(recorder, r)
	})
}

func clientOrigin(r *http.Request) string {
	if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" {
		return origin
	}
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if first := strings.TrimSpace(parts[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
