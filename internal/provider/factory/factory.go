package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"omnillm/internal/config"
	"omnillm/internal/provider"
	anthropicProvider "omnillm/internal/provider/anthropic"
	compatProvider "omnillm/internal/provider/compat"
	googleProvider "omnillm/internal/provider/google"
	openaiProvider "omnillm/internal/provider/openai"
)

const (
	defaultHTTPTimeout     = 60 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// RegisterConfiguredProviders constructs providers from configuration and stores them in the registry.
func RegisterConfiguredProviders(ctx context.Context, cfg config.Config, registry *provider.Registry) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	for _, pc := range cfg.Providers {
		adapter, err := Build(ctx, pc)
		if err != nil {
			return fmt.Errorf("initialise %s provider %q: %w", pc.Type, pc.ID, err)
		}
		if err := registry.Register(pc.ID, adapter); err != nil {
			return fmt.Errorf("register provider %q: %w", pc.ID, err)
		}
		slog.Info("provider configured", "id", pc.ID, "type", pc.Type, "capabilities", adapter.Capabilities().String())
	}

	return nil
}

// Build constructs the adapter described by one provider entry.
func Build(ctx context.Context, pc config.ProviderConfig) (provider.Provider, error) {
	timeout := pc.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := newHTTPClient(timeout)

	switch pc.Type {
	case config.TypeOpenAI:
		return openaiProvider.New(pc.ID, pc, client)
	case config.TypeAnthropic:
		return anthropicProvider.New(pc.ID, pc, client)
	case config.TypeGoogle:
		return googleProvider.New(ctx, pc.ID, pc, client)
	case config.TypeCompat:
		return compatProvider.New(pc.ID, pc, client)
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
