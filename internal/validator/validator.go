// Package validator re-issues a chat call until a predicate accepts the
// output or the retry budget runs out.
package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"omnillm/internal/errs"
	"omnillm/internal/models"
)

// Chatter is the single operation the validator needs from a provider handle.
type Chatter interface {
	ID() string
	Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
}

// Predicate decides whether a response is acceptable.
type Predicate func(resp *models.ChatResponse) bool

// Feedback derives the request for the next attempt from the rejected one.
// attempt is the 1-based number of the attempt that was rejected.
type Feedback func(req models.ChatRequest, rejected *models.ChatResponse, attempt int) (models.ChatRequest, error)

// Option configures a Validator.
type Option func(*Validator)

// WithFeedback installs a hook that rewrites the request before each retry.
func WithFeedback(fb Feedback) Option {
	return func(v *Validator) {
		v.feedback = fb
	}
}

// WithLogger overrides the logger used for attempt tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// Validator wraps a provider call with bounded retries.
type Validator struct {
	feedback Feedback
	logger   *slog.Logger
}

// New constructs a validator.
func New(opts ...Option) *Validator {
	v := &Validator{logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate calls target with req and returns the first response accepted by
// accept. At most maxRetries+1 calls are made. Provider failures are returned
// immediately without consuming retries.
func (v *Validator) Validate(ctx context.Context, target Chatter, req models.ChatRequest, accept Predicate, maxRetries int) (*models.ChatResponse, error) {
	if target == nil {
		return nil, errors.New("validator target must not be nil")
	}
	if accept == nil {
		return nil, errors.New("validator predicate must not be nil")
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	var last *models.ChatResponse
	attempts := 0
	for attempts <= maxRetries {
		if err := ctx.Err(); err != nil {
			return nil, errs.Cancelled(err)
		}

		attempts++
		resp, err := target.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		last = resp

		if accept(resp) {
			v.logger.Debug("validation accepted", "provider", target.ID(), "attempt", attempts)
			return resp, nil
		}
		v.logger.Debug("validation rejected", "provider", target.ID(), "attempt", attempts, "max_attempts", maxRetries+1)

		if attempts > maxRetries || v.feedback == nil {
			continue
		}
		next, err := v.feedback(req, resp, attempts)
		if err != nil {
			return nil, fmt.Errorf("build retry request: %w", err)
		}
		req = next
	}

	return nil, &errs.ValidationExhaustedError{Attempts: attempts, Last: last}
}

// CorrectionFeedback appends the rejected output as an assistant turn followed
// by a user message asking for a corrected answer.
func CorrectionFeedback(instruction string) Feedback {
	if strings.TrimSpace(instruction) == "" {
		instruction = "Your previous response was invalid. Please try again and follow the requested format exactly."
	}
	return func(req models.ChatRequest, rejected *models.ChatResponse, _ int) (models.ChatRequest, error) {
		var extra []models.Message
		if text := rejected.TextOrEmpty(); strings.TrimSpace(text) != "" {
			extra = append(extra, models.AssistantText(text))
		}
		extra = append(extra, models.UserText(instruction))
		return req.Append(extra...)
	}
}

// Check turns an error-returning check into a Predicate.
func Check(fn func(*models.ChatResponse) error) Predicate {
	return func(resp *models.ChatResponse) bool {
		return fn(resp) == nil
	}
}

// All accepts only when every predicate accepts.
func All(preds ...Predicate) Predicate {
	return func(resp *models.ChatResponse) bool {
		for _, p := range preds {
			if !p(resp) {
				return false
			}
		}
		return true
	}
}

// NonEmptyText accepts responses with non-blank text.
func NonEmptyText(resp *models.ChatResponse) bool {
	return strings.TrimSpace(resp.TextOrEmpty()) != ""
}

// ValidJSON accepts responses whose text parses as JSON. Markdown code fences
// around the payload are tolerated.
func ValidJSON(resp *models.ChatResponse) bool {
	return json.Valid([]byte(StripCodeFence(resp.TextOrEmpty())))
}

// RequireFields accepts JSON object responses containing every listed key.
func RequireFields(fields ...string) Predicate {
	return func(resp *models.ChatResponse) bool {
		var obj map[string]any
		if err := json.Unmarshal([]byte(StripCodeFence(resp.TextOrEmpty())), &obj); err != nil {
			return false
		}
		for _, f := range fields {
			if _, ok := obj[f]; !ok {
				return false
			}
		}
		return true
	}
}

// StripCodeFence removes a surrounding ``` fence (with optional language tag).
func StripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") || !strings.HasSuffix(trimmed, "```") || len(trimmed) < 6 {
		return trimmed
	}
	body := strings.TrimSuffix(strings.TrimPrefix(trimmed, "```"), "```")
	if idx := strings.IndexByte(body, '\n'); idx >= 0 {
		body = body[idx+1:]
	}
	return strings.TrimSpace(body)
}
