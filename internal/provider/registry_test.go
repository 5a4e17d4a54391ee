package provider_test

import (
	"context"
	"errors"
	"testing"

	"omnillm/internal/errs"
	"omnillm/internal/models"
	"omnillm/internal/provider"
	"omnillm/internal/provider/providertest"
)

func TestRegisterThenResolveReturnsSameHandle(t *testing.T) {
	reg := provider.NewRegistry()
	stub := providertest.New("x", providertest.Fixed("ok"))

	if err := reg.Register("x", stub); err != nil {
		t.Fatalf("register: %v", err)
	}

	first, err := reg.Resolve("x")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := reg.Resolve("x")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if first != second {
		t.Fatal("resolve returned different handles for the same id")
	}
	if first.Adapter() != stub {
		t.Fatal("handle does not wrap the registered adapter")
	}
}

func TestResolveUnknownProvider(t *testing.T) {
	reg := provider.NewRegistry()
	_, err := reg.Resolve("y")
	if !errors.Is(err, errs.ErrUnknownProvider) {
		t.Fatalf("expected UnknownProvider, got %v", err)
	}
}

func TestRegisterIdempotentAndConflicting(t *testing.T) {
	reg := provider.NewRegistry()
	a := providertest.New("a", nil)
	b := providertest.New("a", nil)

	if err := reg.Register("a", a); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("a", a); err != nil {
		t.Fatalf("re-registering same adapter should be a no-op, got %v", err)
	}
	if err := reg.Register("a", b); !errors.Is(err, errs.ErrDuplicateProvider) {
		t.Fatalf("expected DuplicateProvider, got %v", err)
	}
}

type valueAdapter struct {
	meta any
}

func (v valueAdapter) Name() string { return "value" }

func (v valueAdapter) Capabilities() provider.CapabilitySet {
	return provider.NewCapabilitySet(provider.CapabilityChat)
}

func TestRegisterValueAdapterWithUncomparableField(t *testing.T) {
	reg := provider.NewRegistry()
	if err := reg.Register("v", valueAdapter{meta: []string{"x"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("v", valueAdapter{meta: []string{"x"}}); err != nil {
		t.Fatalf("re-registering an equal value adapter should be a no-op, got %v", err)
	}
	if err := reg.Register("v", valueAdapter{meta: []string{"y"}}); !errors.Is(err, errs.ErrDuplicateProvider) {
		t.Fatalf("expected DuplicateProvider, got %v", err)
	}
}

func TestRegisterAndResolveTrimID(t *testing.T) {
	reg := provider.NewRegistry()
	stub := providertest.New("x", nil)
	if err := reg.Register(" x ", stub); err != nil {
		t.Fatalf("register: %v", err)
	}
	padded, err := reg.Resolve(" x ")
	if err != nil {
		t.Fatalf("resolve padded: %v", err)
	}
	plain, err := reg.Resolve("x")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if padded != plain || plain.ID() != "x" {
		t.Fatalf("handles differ: %p %p", padded, plain)
	}
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	reg := provider.NewRegistry()
	if err := reg.Register("", providertest.New("", nil)); err == nil {
		t.Fatal("expected error for empty id")
	}
	if err := reg.Register("a:b", providertest.New("a", nil)); err == nil {
		t.Fatal("expected error for id containing a colon")
	}
	if err := reg.Register("a", nil); err == nil {
		t.Fatal("expected error for nil adapter")
	}
}

func TestHandleChecksCapabilities(t *testing.T) {
	stub := providertest.New("text-only", providertest.Fixed("ok"))
	reg, err := providertest.Registry(stub)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	h, _ := reg.Resolve("text-only")

	_, err = h.Complete(context.Background(), models.CompletionRequest{Prompt: "hi"})
	if !errors.Is(err, errs.ErrCapabilityMismatch) {
		t.Fatalf("expected CapabilityMismatch for completion, got %v", err)
	}

	_, err = h.Embed(context.Background(), models.EmbeddingRequest{Input: []string{"a"}})
	if !errors.Is(err, errs.ErrCapabilityMismatch) {
		t.Fatalf("expected CapabilityMismatch for embedding, got %v", err)
	}

	img := models.MustChatRequest([]models.Message{models.UserImage("image/png", []byte{1}, "what")}, models.RequestOptions{})
	_, err = h.Chat(context.Background(), img)
	if !errors.Is(err, errs.ErrCapabilityMismatch) {
		t.Fatalf("expected CapabilityMismatch for vision, got %v", err)
	}
	if stub.Calls() != 0 {
		t.Fatalf("adapter must not be called on capability mismatch, got %d calls", stub.Calls())
	}
}

func TestHandleWrapsAdapterFailures(t *testing.T) {
	stub := providertest.New("flaky", providertest.Fail(errors.New("connection reset")))
	reg, _ := providertest.Registry(stub)
	h, _ := reg.Resolve("flaky")

	req := models.MustChatRequest([]models.Message{models.UserText("hi")}, models.RequestOptions{})
	_, err := h.Chat(context.Background(), req)

	var providerErr *errs.ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("expected ProviderError, got %T %v", err, err)
	}
	if providerErr.Provider != "flaky" {
		t.Fatalf("provider = %q", providerErr.Provider)
	}
}

func TestHandleSurfacesCancellation(t *testing.T) {
	stub := providertest.New("slow", providertest.Block())
	reg, _ := providertest.Registry(stub)
	h, _ := reg.Resolve("slow")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := models.MustChatRequest([]models.Message{models.UserText("hi")}, models.RequestOptions{})
	_, err := h.Chat(ctx, req)
	if !errors.Is(err, errs.ErrCancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if stub.Calls() != 0 {
		t.Fatal("adapter should not be called with a cancelled context")
	}
}

func TestRegistryIDsSorted(t *testing.T) {
	reg, _ := providertest.Registry(providertest.New("b", nil), providertest.New("a", nil))
	ids := reg.IDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("IDs = %v", ids)
	}
}

func TestParseSelector(t *testing.T) {
	cases := []struct {
		in      string
		want    provider.Selector
		wantErr bool
	}{
		{in: "openai:gpt-4o", want: provider.Selector{Provider: "openai", Model: "gpt-4o"}},
		{in: "ollama:llama3:8b", want: provider.Selector{Provider: "ollama", Model: "llama3:8b"}},
		{in: "anthropic", want: provider.Selector{Provider: "anthropic"}},
		{in: " :gpt", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := provider.ParseSelector(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseSelector(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSelector(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseSelector(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}
