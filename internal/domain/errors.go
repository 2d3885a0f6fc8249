package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrConflict      = errors.New("conflict")
	ErrLockHeld      = errors.New("lock already held")
	ErrNoCredentials = errors.New("no session credentials")
)

// ValidationError is returned when an auction configuration is rejected
// before tracking begins.
type ValidationError struct {
	Fields map[string]string
}

// Add records a problem with the named field.
func (e *ValidationError) Add(field, problem string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = problem
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		names = append(names, f)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, f := range names {
		parts = append(parts, f+": "+e.Fields[f])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// IdempotencyError is returned when an auction id is already tracked.
type IdempotencyError struct {
	ID string
}

func (e *IdempotencyError) Error() string {
	return fmt.Sprintf("auction %s is already monitored", e.ID)
}

func (e *IdempotencyError) Unwrap() error { return ErrAlreadyExists }

// NetworkError is a transport failure or an upstream server error. Status is
// zero when no HTTP response was received.
type NetworkError struct {
	Op          string
	Status      int
	RateLimited bool
	Err         error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: upstream HTTP %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: network: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError is returned when an upstream call exceeded its deadline.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timeout: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// CircuitOpenError is returned without any network attempt while the breaker
// is open.
type CircuitOpenError struct {
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open until %s", e.RetryAt.Format(time.RFC3339))
}

// AuthExpiredError signals that the session credentials were rejected and no
// refreshed credentials are available.
type AuthExpiredError struct {
	Err error
}

func (e *AuthExpiredError) Error() string {
	if e.Err == nil {
		return "session credentials expired"
	}
	return fmt.Sprintf("session credentials expired: %v", e.Err)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// BusinessRejectionError is a well-formed refusal from the auction site,
// such as a bid below the current minimum.
type BusinessRejectionError struct {
	Code    string
	Message string
}

func (e *BusinessRejectionError) Error() string {
	return fmt.Sprintf("rejected by auction site: %s: %s", e.Code, e.Message)
}

// StoreUnavailableError is returned by a state backend that cannot be
// reached. Callers degrade to memory and reconcile later.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("state store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	var ne *NetworkError
	var te *TimeoutError
	return errors.As(err, &ne) || errors.As(err, &te)
}

// IsUpstreamFault reports whether err should count against the upstream
// circuit breaker. Business rejections, expired credentials and caller
// cancellation are not upstream faults.
func IsUpstreamFault(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Status == 0 || ne.Status >= http.StatusInternalServerError || ne.RateLimited
	}
	var te *TimeoutError
	return errors.As(err, &te)
}
