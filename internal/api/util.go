package api

import (
	"net"
	"net/http"
	"reflect"

	"github.com/questionpy-go/questionpy-server/internal/metrics"
)

func metricsErrorsByCode(code ErrorCode) {
	metrics.ErrorsByCode.WithLabelValues(string(code)).Inc()
}

// errorClassName names an error's underlying Go type, standing in for the
// "class name" spec.md §7 puts in an uncaught exception's reason field.
func errorClassName(err error) string {
	t := reflect.TypeOf(err)
	if t == nil {
		return "error"
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// clientIP extracts the request's remote address for logging, stripping
// the port (grounded on the teacher's getClientIP helper in
// internal/api/utils.go).
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
