package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthenticated is returned when no caller identity can be resolved.
var ErrUnauthenticated = errors.New("unauthenticated")

// ValidationError rejects a malformed request before it reaches a store.
type ValidationError struct {
	Field string `json:"param"`
	Msg   string `json:"msg"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// ValidationErrors collects every failed field of one request.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return strings.Join(msgs, "; ")
}

// AuthorizationError rejects an operation on another user's data.
type AuthorizationError struct {
	Msg string
}

func (e *AuthorizationError) Error() string { return e.Msg }

// StoreError wraps a persistence failure. It is propagated, never retried here.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ConfigurationError reports a caller or deployment mistake such as missing
// VAPID keys or an unknown category.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }

func unknownCategory(s string) error {
	return &ConfigurationError{Msg: fmt.Sprintf("unknown notification category %q", s)}
}

// ErrorKind classifies a failed delivery.
type ErrorKind string

const (
	// ErrorTransient: the endpoint may still be valid, retry later.
	ErrorTransient ErrorKind = "transient"
	// ErrorPermanent: the push service unregistered the endpoint.
	ErrorPermanent ErrorKind = "permanent"
	// ErrorMalformed: the payload or keys were rejected.
	ErrorMalformed ErrorKind = "malformed"
)

// DeliveryError is the per-subscription failure carried inside a DeliveryResult.
type DeliveryError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s delivery failure (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s delivery failure (status %d)", e.Kind, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// DeliveryResult is the outcome of sending one payload to one subscription.
type DeliveryResult struct {
	Success    bool
	StatusCode int
	Err        *DeliveryError
}

// Kind returns the failure kind, or "" on success.
func (r DeliveryResult) Kind() ErrorKind {
	if r.Err == nil {
		return ""
	}
	return r.Err.Kind
}
