package upstream

import (
	"errors"
	"fmt"
)

// APIError is a non-2xx response from the assessment platform.
type APIError struct {
	Status  int
	Path    string
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream %s: %d %s: %s", e.Path, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("upstream %s: status %d", e.Path, e.Status)
}

// IsClientRejection reports whether the upstream rejected the request itself
// (4xx), as opposed to being unavailable. Rejections are not retried — the
// payload will not become valid on its own.
func IsClientRejection(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500
	}
	return false
}
