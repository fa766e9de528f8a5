/*
errors.go - Centralized error types for the cycle & settlement engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with errors.Is against the sentinels, or
  errors.As against the structured types when they need the details.

ERROR CATEGORIES:
  1. Validation   - bad caller input, rejected before any side effect
  2. NotFound     - referenced entity missing (or inactive)
  3. Conflict     - duplicate join, duplicate paid contribution, capacity
  4. Concurrency  - lock contention or request already in flight; retryable
  5. External     - payment rail unreachable or refused
  6. Integrity    - an invariant would be violated; fatal, never auto-fixed

USAGE:
  if errors.Is(err, tontine.ErrNotFound) { ... 404 ... }

  var ext *tontine.ExternalServiceError
  if errors.As(err, &ext) { log ext.Op }

SEE ALSO:
  - api/handlers.go: maps these to HTTP status codes
*/
package tontine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrNotFound = errors.New("not found")

	ErrConflict = errors.New("conflict")

	// ErrCapacity is a conflict: the group already has MaxMembers active members.
	ErrCapacity = errors.New("group at capacity")

	// ErrConcurrency is returned when a lock cannot be acquired in time or the
	// same logical request is already in flight. The caller may retry.
	ErrConcurrency = errors.New("concurrent modification")

	ErrExternalService = errors.New("external service error")

	// ErrIntegrity means continuing would break a money or cycle invariant.
	ErrIntegrity = errors.New("integrity violation")

	// ErrInvalidSignature is returned for settlement notifications whose
	// HMAC does not match the raw body.
	ErrInvalidSignature = errors.New("invalid signature")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError describes why a write collided with existing state.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// CapacityError is returned when a join would exceed MaxMembers.
type CapacityError struct {
	GroupID    string
	MaxMembers int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("group %s is full (%d members)", e.GroupID, e.MaxMembers)
}

// Unwrap reports both ErrCapacity and ErrConflict.
func (e *CapacityError) Unwrap() []error { return []error{ErrCapacity, ErrConflict} }

// ConcurrencyError describes contention on a resource.
type ConcurrencyError struct {
	Resource string
	Reason   string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("%s busy: %s", e.Resource, e.Reason)
}

func (e *ConcurrencyError) Unwrap() error { return ErrConcurrency }

// ExternalServiceError wraps a payment rail failure.
type ExternalServiceError struct {
	Op  string // e.g. "create_invoice", "disburse"
	Err error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("payment rail %s failed: %v", e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() []error { return []error{ErrExternalService, e.Err} }

// IntegrityError names the invariant that would have been broken.
type IntegrityError struct {
	Invariant string
	Detail    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation (%s): %s", e.Invariant, e.Detail)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole request may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrency)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidSignature)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func notFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
