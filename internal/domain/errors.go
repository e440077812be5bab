// Package domain holds the data model shared by ingestion and delivery, plus
// the error taxonomy returned by request handling code. HTTP handlers look
// for the error types defined in this file and set the response status
// accordingly.
package domain

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidRequest covers malformed request bodies (e.g. unparseable JSON).
type ErrInvalidRequest struct {
	Message string
}

func (err *ErrInvalidRequest) Error() string {
	if err.Message == "" {
		return "invalid request"
	}
	return err.Message
}

// ErrMissingTarget is returned when an ingest payload names neither a column
// id nor a workflow id.
type ErrMissingTarget struct{}

func (err *ErrMissingTarget) Error() string {
	return "either columnId or workflowId must be provided"
}

// ErrMissingItems is returned when an ingest payload has no items array.
type ErrMissingItems struct{}

func (err *ErrMissingItems) Error() string {
	return "items must be provided as an array"
}

// ErrInvalidItem is returned when an ingested item lacks an id or a title.
type ErrInvalidItem struct {
	Index   int
	Message string
}

func (err *ErrInvalidItem) Error() string {
	return fmt.Sprintf("item at index %d is invalid: %s", err.Index, err.Message)
}

// ErrUnauthorized is returned on a bad or missing API key.
type ErrUnauthorized struct {
	Message string
}

func (err *ErrUnauthorized) Error() string {
	if err.Message == "" {
		return "unauthorized"
	}
	return err.Message
}

// ErrRateLimited is returned when a caller identifier has exhausted its
// ingest rate allowance.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (err *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %s", err.RetryAfter)
}

// ErrNotReady indicates a component that has not finished initial loading.
// It is distinct from a lookup miss.
type ErrNotReady struct {
	Resource string
}

func (err *ErrNotReady) Error() string {
	return fmt.Sprintf("%s is not ready", err.Resource)
}

// CodeFromError maps an error to the HTTP status code to respond with.
func CodeFromError(err error) int {
	var invalidRequest *ErrInvalidRequest
	var missingTarget *ErrMissingTarget
	var missingItems *ErrMissingItems
	var invalidItem *ErrInvalidItem
	var unauthorized *ErrUnauthorized
	var rateLimited *ErrRateLimited

	switch {
	case errors.As(err, &invalidRequest),
		errors.As(err, &missingTarget),
		errors.As(err, &missingItems),
		errors.As(err, &invalidItem):
		return http.StatusBadRequest
	case errors.As(err, &unauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &rateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
