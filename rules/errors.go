package rules

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorObject is one entry of the errors array returned by the API
type ErrorObject struct {
	ID     string `json:"id,omitempty"`
	Value  string `json:"value,omitempty"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
	Type   string `json:"type,omitempty"`
}

// APIError is a rejected rule request. StatusCode is the HTTP status, which
// may be 200 when the server accepted the request but refused some rules.
type APIError struct {
	Op         string        `json:"op"`
	StatusCode int           `json:"status_code"`
	Title      string        `json:"title,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Type       string        `json:"type,omitempty"`
	Errors     []ErrorObject `json:"errors,omitempty"`
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rules %s failed (HTTP %d)", e.Op, e.StatusCode)
	if e.Title != "" {
		fmt.Fprintf(&b, ": %s", e.Title)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	}
	for _, obj := range e.Errors {
		fmt.Fprintf(&b, "; %s", obj.Title)
		if obj.Value != "" {
			fmt.Fprintf(&b, " (%s)", obj.Value)
		}
	}
	return b.String()
}

// Temporary reports whether retrying the same request may succeed
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
