package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"omnillm/internal/errs"
	"omnillm/internal/models"
	"omnillm/internal/provider"
	"omnillm/internal/provider/providertest"
	"omnillm/internal/validator"
)

func textStep(providerID string, text func(State) string) Step {
	return Step{
		Provider: providerID,
		Transform: func(s State) (models.ChatRequest, error) {
			return models.NewChatRequest([]models.Message{models.UserText(text(s))}, models.RequestOptions{})
		},
	}
}

func mustRegistry(t *testing.T, stubs ...*providertest.Stub) *provider.Registry {
	t.Helper()
	reg, err := providertest.Registry(stubs...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func TestRunTwoStepScenario(t *testing.T) {
	first := providertest.New("first", providertest.Fixed("A"))
	second := providertest.New("second", func(_ context.Context, _ int, req models.ChatRequest) (*models.ChatResponse, error) {
		msgs := req.Messages()
		return providertest.Text(msgs[len(msgs)-1].Text + "-B"), nil
	})

	c := New(
		textStep("first", func(State) string { return "start" }),
		textStep("second", func(s State) string { return s.Last() }),
	)

	res, err := NewExecutor(mustRegistry(t, first, second)).Run(context.Background(), c, Input{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff([]string{"A", "A-B"}, res.Texts()); diff != "" {
		t.Fatalf("responses mismatch (-want +got):\n%s", diff)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %v", res.Status)
	}
	if res.RunID == "" {
		t.Fatal("run id not assigned")
	}
}

func TestRunAllStepsSucceed(t *testing.T) {
	for n := 1; n <= 5; n++ {
		stub := providertest.New("p", providertest.Echo())
		steps := make([]Step, n)
		for i := range steps {
			i := i
			steps[i] = textStep("p", func(State) string { return fmt.Sprintf("step-%d", i) })
		}

		res, err := NewExecutor(mustRegistry(t, stub)).Run(context.Background(), New(steps...), Input{})
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if len(res.Responses) != n {
			t.Fatalf("n=%d: got %d responses", n, len(res.Responses))
		}
		for i, text := range res.Texts() {
			if want := fmt.Sprintf("step-%d", i); text != want {
				t.Fatalf("n=%d: response %d = %q, want %q", n, i, text, want)
			}
		}
	}
}

func TestRunStopsAtFailingStep(t *testing.T) {
	const steps = 5
	for k := 0; k < steps; k++ {
		ok := providertest.New("ok", providertest.Fixed("fine"))
		bad := providertest.New("bad", providertest.Fail(errors.New("transport error")))
		after := providertest.New("after", providertest.Fixed("never"))

		list := make([]Step, steps)
		for i := range list {
			switch {
			case i < k:
				list[i] = textStep("ok", func(State) string { return "x" })
			case i == k:
				list[i] = textStep("bad", func(State) string { return "x" })
			default:
				list[i] = textStep("after", func(State) string { return "x" })
			}
		}

		res, err := NewExecutor(mustRegistry(t, ok, bad, after)).Run(context.Background(), New(list...), Input{})

		var stepErr *errs.ChainStepError
		if !errors.As(err, &stepErr) {
			t.Fatalf("k=%d: expected ChainStepError, got %v", k, err)
		}
		if stepErr.Index != k {
			t.Fatalf("k=%d: error references step %d", k, stepErr.Index)
		}
		if !errors.Is(err, errs.ErrProviderCallFailed) {
			t.Fatalf("k=%d: cause should be a provider failure: %v", k, err)
		}
		if len(res.Responses) != k {
			t.Fatalf("k=%d: expected %d completed responses, got %d", k, k, len(res.Responses))
		}
		if res.Status != StatusFailed || res.Step != k {
			t.Fatalf("k=%d: status=%v step=%d", k, res.Status, res.Step)
		}
		if ok.Calls() != k || bad.Calls() != 1 || after.Calls() != 0 {
			t.Fatalf("k=%d: calls ok=%d bad=%d after=%d", k, ok.Calls(), bad.Calls(), after.Calls())
		}
	}
}

func TestRunTransformError(t *testing.T) {
	stub := providertest.New("p", providertest.Fixed("A"))
	c := New(
		textStep("p", func(State) string { return "x" }),
		Step{Provider: "p", Transform: func(State) (models.ChatRequest, error) {
			return models.ChatRequest{}, errors.New("cannot build")
		}},
	)

	res, err := NewExecutor(mustRegistry(t, stub)).Run(context.Background(), c, Input{})
	var stepErr *errs.ChainStepError
	if !errors.As(err, &stepErr) || stepErr.Index != 1 {
		t.Fatalf("expected failure at step 1, got %v", err)
	}
	if len(res.Responses) != 1 || stub.Calls() != 1 {
		t.Fatalf("responses=%d calls=%d", len(res.Responses), stub.Calls())
	}
}

func TestRunUnknownProviderFailsAtStep(t *testing.T) {
	stub := providertest.New("p", providertest.Fixed("A"))
	c := New(
		textStep("p", func(State) string { return "x" }),
		textStep("missing", func(State) string { return "x" }),
	)

	_, err := NewExecutor(mustRegistry(t, stub)).Run(context.Background(), c, Input{})
	if !errors.Is(err, errs.ErrUnknownProvider) || !errors.Is(err, errs.ErrChainStepFailed) {
		t.Fatalf("expected unknown provider inside a chain step failure, got %v", err)
	}
}

func TestRunCapabilityMismatch(t *testing.T) {
	stub := providertest.New("p", providertest.Fixed("A"))
	c := New(Step{Provider: "p", Transform: func(State) (models.ChatRequest, error) {
		return models.NewChatRequest([]models.Message{models.UserImage("image/png", []byte{1}, "what")}, models.RequestOptions{})
	}})

	_, err := NewExecutor(mustRegistry(t, stub)).Run(context.Background(), c, Input{})
	if !errors.Is(err, errs.ErrCapabilityMismatch) {
		t.Fatalf("expected capability mismatch, got %v", err)
	}
}

func TestRunRejectsInvalidChains(t *testing.T) {
	exec := NewExecutor(provider.NewRegistry())
	if _, err := exec.Run(context.Background(), Chain{}, Input{}); !errors.Is(err, ErrEmptyChain) {
		t.Fatalf("expected ErrEmptyChain, got %v", err)
	}

	dup := New(
		Step{ID: "a", Provider: "p", Transform: func(State) (models.ChatRequest, error) { return models.ChatRequest{}, nil }},
		Step{ID: "a", Provider: "p", Transform: func(State) (models.ChatRequest, error) { return models.ChatRequest{}, nil }},
	)
	if _, err := exec.Run(context.Background(), dup, Input{}); err == nil {
		t.Fatal("expected duplicate id error")
	}

	if _, err := exec.Run(context.Background(), New(Step{Provider: "p"}), Input{}); err == nil {
		t.Fatal("expected missing transform error")
	}
}

func TestTransformSeesOnlyPriorOutputs(t *testing.T) {
	stub := providertest.New("p", providertest.Sequence("one", "two", "three"))
	var seen [][]string

	record := func(s State) string {
		var texts []string
		for _, r := range s.Responses {
			texts = append(texts, r.TextOrEmpty())
		}
		seen = append(seen, texts)
		return "x"
	}
	c := New(textStep("p", record), textStep("p", record), textStep("p", record))

	if _, err := NewExecutor(mustRegistry(t, stub)).Run(context.Background(), c, Input{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := [][]string{nil, {"one"}, {"one", "two"}}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("visible outputs mismatch (-want +got):\n%s", diff)
	}
}

func TestTransformCannotMutateAccumulatedState(t *testing.T) {
	stub := providertest.New("p", providertest.Fixed("kept"))
	c := New(
		Step{ID: "a", Provider: "p", Transform: func(s State) (models.ChatRequest, error) {
			return models.NewChatRequest([]models.Message{models.UserText("x")}, models.RequestOptions{})
		}},
		Step{ID: "b", Provider: "p", Transform: func(s State) (models.ChatRequest, error) {
			s.Outputs["a"] = "overwritten"
			s.Responses[0] = nil
			return models.NewChatRequest([]models.Message{models.UserText("x")}, models.RequestOptions{})
		}},
		Step{Provider: "p", Transform: func(s State) (models.ChatRequest, error) {
			if s.Outputs["a"] != "kept" || s.Responses[0] == nil {
				return models.ChatRequest{}, errors.New("state leaked between steps")
			}
			return models.NewChatRequest([]models.Message{models.UserText("x")}, models.RequestOptions{})
		}},
	)

	if _, err := NewExecutor(mustRegistry(t, stub)).Run(context.Background(), c, Input{}); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunCancellationPreservesPartialResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := providertest.New("first", func(context.Context, int, models.ChatRequest) (*models.ChatResponse, error) {
		cancel()
		return providertest.Text("done"), nil
	})
	second := providertest.New("second", providertest.Fixed("never"))

	c := New(
		textStep("first", func(State) string { return "x" }),
		textStep("second", func(State) string { return "x" }),
	)

	res, err := NewExecutor(mustRegistry(t, first, second)).Run(ctx, c, Input{})
	if !errors.Is(err, errs.ErrCancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if errs.KindOf(err) != errs.KindCancelled {
		t.Fatalf("KindOf = %q", errs.KindOf(err))
	}
	if diff := cmp.Diff([]string{"done"}, res.Texts()); diff != "" {
		t.Fatalf("partial responses mismatch (-want +got):\n%s", diff)
	}
	if second.Calls() != 0 {
		t.Fatal("no step may run after cancellation")
	}
}

func TestRunStepValidationPolicy(t *testing.T) {
	stub := providertest.New("p", providertest.Sequence("nope", `{"ok":true}`))
	c := New(Step{
		Provider: "p",
		Transform: func(State) (models.ChatRequest, error) {
			return models.NewChatRequest([]models.Message{models.UserText("json please")}, models.RequestOptions{})
		},
		Validate: &ValidationPolicy{Accept: validator.ValidJSON, MaxRetries: 2},
	})

	res, err := NewExecutor(mustRegistry(t, stub)).Run(context.Background(), c, Input{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Texts()[0] != `{"ok":true}` || stub.Calls() != 2 {
		t.Fatalf("text=%q calls=%d", res.Texts()[0], stub.Calls())
	}
}

func TestRunObserverSeesTransitions(t *testing.T) {
	stub := providertest.New("p", providertest.Fixed("x"))
	var statuses []Status
	exec := NewExecutor(mustRegistry(t, stub), WithObserver(func(ev Event) {
		statuses = append(statuses, ev.Status)
	}))

	c := New(textStep("p", func(State) string { return "a" }), textStep("p", func(State) string { return "b" }))
	if _, err := exec.Run(context.Background(), c, Input{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []Status{StatusPending, StatusRunning, StatusRunning, StatusCompleted}
	if diff := cmp.Diff(want, statuses); diff != "" {
		t.Fatalf("transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestStepModelFillsEmptyRequestModel(t *testing.T) {
	stub := providertest.New("p", providertest.Fixed("x"))
	c := New(Step{Provider: "p", Model: "small", Transform: func(State) (models.ChatRequest, error) {
		return models.NewChatRequest([]models.Message{models.UserText("hi")}, models.RequestOptions{})
	}})

	if _, err := NewExecutor(mustRegistry(t, stub)).Run(context.Background(), c, Input{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := stub.Requests()[0].Model(); got != "small" {
		t.Fatalf("model = %q", got)
	}
}
