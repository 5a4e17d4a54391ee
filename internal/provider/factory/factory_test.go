package factory

import (
	"context"
	"errors"
	"testing"
	"time"

	"omnillm/internal/config"
	"omnillm/internal/errs"
	"omnillm/internal/provider"
)

func TestRegisterConfiguredProviders(t *testing.T) {
	cfg := config.Config{Providers: []config.ProviderConfig{
		{ID: "gpt", Type: config.TypeOpenAI, APIKey: "k"},
		{ID: "claude", Type: config.TypeAnthropic, APIKey: "k"},
		{ID: "local", Type: config.TypeCompat, BaseURL: "http://localhost:11434/v1", Capabilities: []string{"chat", "embedding"}},
	}}

	reg := provider.NewRegistry()
	if err := RegisterConfiguredProviders(context.Background(), cfg, reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	ids := reg.IDs()
	if len(ids) != 3 || ids[0] != "claude" || ids[1] != "gpt" || ids[2] != "local" {
		t.Fatalf("ids = %v", ids)
	}

	local, err := reg.Resolve("local")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !local.Supports(provider.CapabilityEmbedding) || local.Supports(provider.CapabilityCompletion) {
		t.Fatalf("local capabilities = %s", local.Capabilities())
	}

	claude, _ := reg.Resolve("claude")
	if claude.Supports(provider.CapabilityEmbedding) {
		t.Fatal("anthropic must not advertise embeddings")
	}
}

func TestRegisterConfiguredProvidersFailures(t *testing.T) {
	if err := RegisterConfiguredProviders(context.Background(), config.Config{}, nil); err == nil {
		t.Fatal("expected nil registry error")
	}

	bad := config.Config{Providers: []config.ProviderConfig{{ID: "x", Type: "mystery"}}}
	if err := RegisterConfiguredProviders(context.Background(), bad, provider.NewRegistry()); err == nil {
		t.Fatal("expected unknown type error")
	}

	dup := config.Config{Providers: []config.ProviderConfig{
		{ID: "x", Type: config.TypeCompat, BaseURL: "http://a"},
		{ID: "x", Type: config.TypeCompat, BaseURL: "http://b"},
	}}
	err := RegisterConfiguredProviders(context.Background(), dup, provider.NewRegistry())
	if !errors.Is(err, errs.ErrDuplicateProvider) {
		t.Fatalf("expected DuplicateProvider, got %v", err)
	}
}

func TestNewHTTPClientTimeout(t *testing.T) {
	if c := newHTTPClient(5 * time.Second); c.Timeout != 5*time.Second || c.Transport == nil {
		t.Fatalf("client = %+v", c)
	}
}
