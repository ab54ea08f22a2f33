package proxy

import (
	"encoding/json"
	"net/http"
)

// FailureKind classifies why a proxied call could not produce a backend
// response. Each kind maps to exactly one HTTP status so callers see a
// deterministic surface.
type FailureKind string

const (
	// KindUnsupportedMethod rejects methods outside the proxied set before
	// the backend is contacted.
	KindUnsupportedMethod FailureKind = "unsupported_method"
	// KindBackendUnreachable covers connection-level failures.
	KindBackendUnreachable FailureKind = "backend_unreachable"
	// KindBackendTimeout covers calls that exceeded the outbound deadline.
	KindBackendTimeout FailureKind = "backend_timeout"
	// KindInternal covers everything the forwarder itself got wrong.
	KindInternal FailureKind = "internal"
)

// Status returns the HTTP status code the gateway reports for the failure.
func (k FailureKind) Status() int {
	switch k {
	case KindUnsupportedMethod:
		return http.StatusMethodNotAllowed
	case KindBackendUnreachable, KindBackendTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Failure pairs a failure kind with a human-readable detail message.
type Failure struct {
	Kind   FailureKind
	Detail string
}

func (f Failure) Error() string {
	return f.Detail
}

func writeFailure(w http.ResponseWriter, failure Failure) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(failure.Kind.Status())
	json.NewEncoder(w).Encode(map[string]string{"detail": failure.Detail})
}
