package remote

import "fmt"

// APIError represents a non-2xx response from the remote data service
type APIError struct {
	StatusCode int
	Message    string
	Table      string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote insert into %s failed: %s (status: %d)", e.Table, e.Message, e.StatusCode)
}

// Temporary reports whether retrying the same insert later may succeed
func (e *APIError) Temporary() bool {
	return e.StatusCode == 408 || e.StatusCode == 429 || e.StatusCode >= 500
}
