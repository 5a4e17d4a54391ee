// Package errs defines the error taxonomy shared by the orchestration layer.
// Every failure surfaced to callers carries one Kind, matched with errors.Is
// against the Err* sentinels.
package errs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"omnillm/internal/models"
)

// Kind classifies an orchestration failure.
type Kind string

const (
	KindUnknown             Kind = "unknown"
	KindUnknownProvider     Kind = "unknown_provider"
	KindDuplicateProvider   Kind = "duplicate_provider"
	KindCapabilityMismatch  Kind = "capability_mismatch"
	KindProviderCallFailed  Kind = "provider_call_failed"
	KindValidationExhausted Kind = "validation_exhausted"
	KindAllProvidersFailed  Kind = "all_providers_failed"
	KindChainStepFailed     Kind = "chain_step_failed"
	KindCancelled           Kind = "cancelled"
)

// Sentinels for errors.Is matching; each compares equal to any error of the same kind.
var (
	ErrUnknownProvider     = &Error{kind: KindUnknownProvider, message: "unknown provider"}
	ErrDuplicateProvider   = &Error{kind: KindDuplicateProvider, message: "provider already registered"}
	ErrCapabilityMismatch  = &Error{kind: KindCapabilityMismatch, message: "capability not supported"}
	ErrProviderCallFailed  = &Error{kind: KindProviderCallFailed, message: "provider call failed"}
	ErrValidationExhausted = &Error{kind: KindValidationExhausted, message: "validation retries exhausted"}
	ErrAllProvidersFailed  = &Error{kind: KindAllProvidersFailed, message: "all providers failed"}
	ErrChainStepFailed     = &Error{kind: KindChainStepFailed, message: "chain step failed"}
	ErrCancelled           = &Error{kind: KindCancelled, message: "operation cancelled"}
)

// Error is the generic kind-tagged error.
type Error struct {
	kind    Kind
	message string
	cause   error
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{kind: kind, message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Is(target error) bool {
	return isKind(target, e.kind)
}

// Cancelled wraps a context error as a Cancelled failure.
func Cancelled(cause error) *Error {
	return Wrap(KindCancelled, cause, "operation cancelled")
}

// ProviderError is a transport or vendor failure reported by an adapter.
type ProviderError struct {
	Provider string
	// Status is the vendor HTTP status, or 0 when unavailable.
	Status int
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s call failed (status %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("provider %s call failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool {
	return isKind(target, KindProviderCallFailed)
}

func (e *ProviderError) Kind() Kind { return KindProviderCallFailed }

// ValidationExhaustedError reports that no attempt satisfied the predicate.
type ValidationExhaustedError struct {
	Attempts int
	Last     *models.ChatResponse
}

func (e *ValidationExhaustedError) Error() string {
	return fmt.Sprintf("validation failed after %d attempts", e.Attempts)
}

func (e *ValidationExhaustedError) Is(target error) bool {
	return isKind(target, KindValidationExhausted)
}

func (e *ValidationExhaustedError) Kind() Kind { return KindValidationExhausted }

// ChainStepError reports the step at which a chain halted.
type ChainStepError struct {
	Index  int
	StepID string
	Cause  error
}

func (e *ChainStepError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("chain step %d (%s) failed: %v", e.Index, e.StepID, e.Cause)
	}
	return fmt.Sprintf("chain step %d failed: %v", e.Index, e.Cause)
}

func (e *ChainStepError) Unwrap() error { return e.Cause }

func (e *ChainStepError) Is(target error) bool {
	return isKind(target, KindChainStepFailed)
}

func (e *ChainStepError) Kind() Kind { return KindChainStepFailed }

// AllProvidersFailedError carries every per-provider failure of an evaluation.
type AllProvidersFailedError struct {
	Errors map[string]error
}

func (e *AllProvidersFailedError) Error() string {
	ids := make([]string, 0, len(e.Errors))
	for id := range e.Errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Errors[id]))
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

func (e *AllProvidersFailedError) Is(target error) bool {
	return isKind(target, KindAllProvidersFailed)
}

func (e *AllProvidersFailedError) Kind() Kind { return KindAllProvidersFailed }

type kinded interface {
	Kind() Kind
}

func isKind(target error, kind Kind) bool {
	t, ok := target.(*Error)
	return ok && t.kind == kind
}

// KindOf returns the outermost kind found in err's chain. A bare
// context.DeadlineExceeded is not reported as Cancelled: it is usually a
// transport timeout rather than the caller giving up.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}
