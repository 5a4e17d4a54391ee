package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindMatching(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		target error
		kind   Kind
	}{
		{
			name:   "generic error",
			err:    New(KindUnknownProvider, "unknown provider \"x\""),
			target: ErrUnknownProvider,
			kind:   KindUnknownProvider,
		},
		{
			name:   "provider error",
			err:    &ProviderError{Provider: "openai", Status: 429, Err: errors.New("rate limited")},
			target: ErrProviderCallFailed,
			kind:   KindProviderCallFailed,
		},
		{
			name:   "validation exhausted",
			err:    &ValidationExhaustedError{Attempts: 3},
			target: ErrValidationExhausted,
			kind:   KindValidationExhausted,
		},
		{
			name:   "chain step",
			err:    &ChainStepError{Index: 2, Cause: errors.New("boom")},
			target: ErrChainStepFailed,
			kind:   KindChainStepFailed,
		},
		{
			name:   "all failed",
			err:    &AllProvidersFailedError{Errors: map[string]error{"a": errors.New("x")}},
			target: ErrAllProvidersFailed,
			kind:   KindAllProvidersFailed,
		},
		{
			name:   "wrapped with fmt",
			err:    fmt.Errorf("outer: %w", Cancelled(context.Canceled)),
			target: ErrCancelled,
			kind:   KindCancelled,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !errors.Is(tc.err, tc.target) {
				t.Fatalf("errors.Is(%v, %v) = false", tc.err, tc.target)
			}
			if got := KindOf(tc.err); got != tc.kind {
				t.Fatalf("KindOf = %q, want %q", got, tc.kind)
			}
		})
	}
}

func TestChainStepErrorExposesCause(t *testing.T) {
	cause := &ProviderError{Provider: "p", Err: errors.New("timeout")}
	err := &ChainStepError{Index: 1, StepID: "summarise", Cause: cause}

	if !errors.Is(err, ErrProviderCallFailed) {
		t.Fatal("chain step error should expose provider failure")
	}
	if errors.Is(err, ErrCancelled) {
		t.Fatal("chain step error must not match unrelated kinds")
	}
	if !strings.Contains(err.Error(), "summarise") {
		t.Fatalf("error text should name the step: %q", err.Error())
	}
}

func TestKindOfContextErrors(t *testing.T) {
	if got := KindOf(fmt.Errorf("call: %w", context.Canceled)); got != KindCancelled {
		t.Fatalf("KindOf(canceled) = %q", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindUnknown {
		t.Fatalf("KindOf(deadline) = %q", got)
	}
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Fatalf("KindOf(plain) = %q", got)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("KindOf(nil) = %q", got)
	}
}

func TestAllProvidersFailedErrorIsSorted(t *testing.T) {
	err := &AllProvidersFailedError{Errors: map[string]error{
		"zeta":  errors.New("z"),
		"alpha": errors.New("a"),
	}}
	msg := err.Error()
	if strings.Index(msg, "alpha") > strings.Index(msg, "zeta") {
		t.Fatalf("expected deterministic ordering, got %q", msg)
	}
}
