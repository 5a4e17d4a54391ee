package validator

import (
	"context"
	"errors"
	"testing"

	"omnillm/internal/errs"
	"omnillm/internal/models"
	"omnillm/internal/provider/providertest"
)

func resolve(t *testing.T, stub *providertest.Stub) Chatter {
	t.Helper()
	reg, err := providertest.Registry(stub)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	h, err := reg.Resolve(stub.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return h
}

func userRequest(text string) models.ChatRequest {
	return models.MustChatRequest([]models.Message{models.UserText(text)}, models.RequestOptions{})
}

func TestValidateAcceptsOnAttemptJ(t *testing.T) {
	const maxRetries = 4
	for j := 1; j <= maxRetries+1; j++ {
		replies := make([]string, j)
		for i := range replies {
			replies[i] = "bad"
		}
		replies[j-1] = "good"

		stub := providertest.New("p", providertest.Sequence(replies...))
		resp, err := New().Validate(context.Background(), resolve(t, stub), userRequest("q"),
			func(r *models.ChatResponse) bool { return r.TextOrEmpty() == "good" }, maxRetries)
		if err != nil {
			t.Fatalf("j=%d: unexpected error %v", j, err)
		}
		if resp.TextOrEmpty() != "good" {
			t.Fatalf("j=%d: got %q", j, resp.TextOrEmpty())
		}
		if stub.Calls() != j {
			t.Fatalf("j=%d: expected %d calls, got %d", j, j, stub.Calls())
		}
	}
}

func TestValidateExhausted(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 3} {
		stub := providertest.New("p", providertest.Fixed("never"))
		_, err := New().Validate(context.Background(), resolve(t, stub), userRequest("q"),
			func(*models.ChatResponse) bool { return false }, maxRetries)

		var exhausted *errs.ValidationExhaustedError
		if !errors.As(err, &exhausted) {
			t.Fatalf("retries=%d: expected ValidationExhaustedError, got %v", maxRetries, err)
		}
		if !errors.Is(err, errs.ErrValidationExhausted) {
			t.Fatalf("retries=%d: errors.Is mismatch", maxRetries)
		}
		if exhausted.Attempts != maxRetries+1 || stub.Calls() != maxRetries+1 {
			t.Fatalf("retries=%d: attempts=%d calls=%d", maxRetries, exhausted.Attempts, stub.Calls())
		}
		if exhausted.Last.TextOrEmpty() != "never" {
			t.Fatalf("retries=%d: last response not carried", maxRetries)
		}
	}
}

func TestValidateNegativeRetriesMeansSingleAttempt(t *testing.T) {
	stub := providertest.New("p", providertest.Fixed("x"))
	_, err := New().Validate(context.Background(), resolve(t, stub), userRequest("q"),
		func(*models.ChatResponse) bool { return false }, -3)
	if !errors.Is(err, errs.ErrValidationExhausted) || stub.Calls() != 1 {
		t.Fatalf("err=%v calls=%d", err, stub.Calls())
	}
}

func TestValidateProviderErrorStopsImmediately(t *testing.T) {
	stub := providertest.New("p", providertest.Fail(errors.New("503")))
	_, err := New().Validate(context.Background(), resolve(t, stub), userRequest("q"), NonEmptyText, 5)
	if !errors.Is(err, errs.ErrProviderCallFailed) {
		t.Fatalf("expected provider failure, got %v", err)
	}
	if stub.Calls() != 1 {
		t.Fatalf("provider errors must not be retried, got %d calls", stub.Calls())
	}
}

func TestValidateFeedbackRewritesRequest(t *testing.T) {
	stub := providertest.New("p", providertest.Sequence("not json", `{"name":"Ada"}`))
	v := New(WithFeedback(CorrectionFeedback("Respond with JSON only.")))

	resp, err := v.Validate(context.Background(), resolve(t, stub), userRequest("student?"), ValidJSON, 2)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if resp.TextOrEmpty() != `{"name":"Ada"}` {
		t.Fatalf("unexpected response %q", resp.TextOrEmpty())
	}

	reqs := stub.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	if n := len(reqs[0].Messages()); n != 1 {
		t.Fatalf("first request should be untouched, got %d messages", n)
	}
	second := reqs[1].Messages()
	if len(second) != 3 {
		t.Fatalf("retry request should carry 3 messages, got %d", len(second))
	}
	if second[1].Role != models.RoleAssistant || second[1].Text != "not json" {
		t.Fatalf("rejected output not echoed: %+v", second[1])
	}
	if second[2].Role != models.RoleUser || second[2].Text != "Respond with JSON only." {
		t.Fatalf("correction message missing: %+v", second[2])
	}
}

func TestValidateCancelledBeforeRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stub := providertest.New("p", func(_ context.Context, call int, _ models.ChatRequest) (*models.ChatResponse, error) {
		cancel()
		return providertest.Text("bad"), nil
	})

	_, err := New().Validate(ctx, resolve(t, stub), userRequest("q"), func(*models.ChatResponse) bool { return false }, 5)
	if !errors.Is(err, errs.ErrCancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if stub.Calls() != 1 {
		t.Fatalf("no attempt should follow cancellation, got %d calls", stub.Calls())
	}
}

func TestPredicates(t *testing.T) {
	cases := []struct {
		name string
		pred Predicate
		resp *models.ChatResponse
		want bool
	}{
		{"non-empty nil text", NonEmptyText, &models.ChatResponse{}, false},
		{"non-empty text", NonEmptyText, providertest.Text("hi"), true},
		{"json fenced", ValidJSON, providertest.Text("```json\n{\"a\":1}\n```"), true},
		{"json invalid", ValidJSON, providertest.Text("{a:1}"), false},
		{"json absent", ValidJSON, &models.ChatResponse{}, false},
		{"fields present", RequireFields("name", "age"), providertest.Text(`{"name":"x","age":3}`), true},
		{"fields missing", RequireFields("name", "age"), providertest.Text(`{"name":"x"}`), false},
		{"all", All(NonEmptyText, ValidJSON), providertest.Text(`[]`), true},
		{"check", Check(func(*models.ChatResponse) error { return errors.New("no") }), providertest.Text("x"), false},
	}
	for _, tc := range cases {
		if got := tc.pred(tc.resp); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}
