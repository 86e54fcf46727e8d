package types

import (
	"fmt"
	"time"
)

// APIError is the structured user-facing error returned by the backend
type APIError struct {
	Status            int    `json:"-"`
	Code              string `json:"code"`
	Category          string `json:"category"`
	Title             string `json:"title"`
	Description       string `json:"description"`
	RetryAfterSeconds *int   `json:"retryAfterSeconds,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	switch {
	case e.Title != "" && e.Description != "":
		return fmt.Sprintf("%s: %s", e.Title, e.Description)
	case e.Description != "":
		return e.Description
	case e.Title != "":
		return e.Title
	case e.Code != "":
		return fmt.Sprintf("API error %s (status %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("API error (status %d)", e.Status)
}

// RetryAfter returns the server-requested wait, or zero
func (e *APIError) RetryAfter() time.Duration {
	if e.RetryAfterSeconds == nil || *e.RetryAfterSeconds <= 0 {
		return 0
	}
	return time.Duration(*e.RetryAfterSeconds) * time.Second
}
