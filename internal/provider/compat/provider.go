// Package compat talks to vendors that expose the OpenAI chat completions wire
// format (xAI, Ollama, Groq, DeepSeek and similar) over plain HTTP.
package compat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"omnillm/internal/config"
	"omnillm/internal/errs"
	"omnillm/internal/models"
	"omnillm/internal/provider"
	"omnillm/internal/translator"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "omnillm/0.1"
	maxErrorBody    = 64 * 1024
)

var supported = provider.NewCapabilitySet(
	provider.CapabilityChat,
	provider.CapabilityCompletion,
	provider.CapabilityEmbedding,
	provider.CapabilityVision,
)

// Provider implements chat, completion and embedding against an
// OpenAI-compatible endpoint.
type Provider struct {
	name         string
	apiKey       string
	model        string
	system       string
	headers      map[string]string
	client       *http.Client
	caps         provider.CapabilitySet
	chatURL      string
	legacyURL    string
	embeddingURL string
}

// New creates a compat provider. Without configured capabilities only chat is
// advertised, since completion and embedding endpoints vary between vendors.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	caps := provider.NewCapabilitySet(provider.CapabilityChat)
	if len(cfg.Capabilities) > 0 {
		var err error
		if caps, err = provider.Restrict(supported, cfg.Capabilities); err != nil {
			return nil, fmt.Errorf("compat provider %q: %w", name, err)
		}
	}

	return &Provider{
		name:         name,
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		system:       cfg.System,
		headers:      cfg.Headers,
		client:       client,
		caps:         caps,
		chatURL:      baseURL + "/chat/completions",
		legacyURL:    baseURL + "/completions",
		embeddingURL: baseURL + "/embeddings",
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Capabilities() provider.CapabilitySet {
	return p.caps
}

func (p *Provider) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	model, err := p.resolveModel(req.Model())
	if err != nil {
		return nil, err
	}

	payload, err := translator.FromUnified(req.WithModel(model).WithDefaultSystem(p.system))
	if err != nil {
		return nil, err
	}

	var providerResp translator.ChatCompletionResponse
	if err := p.post(ctx, p.chatURL, payload, &providerResp); err != nil {
		return nil, err
	}

	resp, err := providerResp.ToUnified()
	if err != nil {
		return nil, p.fail(0, err)
	}
	resp.Provider = p.name
	if resp.Model == "" {
		resp.Model = model
	}
	return resp, nil
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	model, err := p.resolveModel(req.Model)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("prompt must not be empty")
	}

	payload := translator.CompletionRequestFromUnified(req)
	payload.Model = model

	var providerResp translator.CompletionResponse
	if err := p.post(ctx, p.legacyURL, payload, &providerResp); err != nil {
		return nil, err
	}

	resp, err := providerResp.ToUnified()
	if err != nil {
		return nil, p.fail(0, err)
	}
	return resp, nil
}

func (p *Provider) Embed(ctx context.Context, req models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	model, err := p.resolveModel(req.Model)
	if err != nil {
		return nil, err
	}
	if len(req.Input) == 0 {
		return nil, errors.New("embedding input must not be empty")
	}

	payload := translator.FromUnifiedEmbeddingRequest(req)
	payload.Model = model

	var providerResp translator.EmbeddingResponse
	if err := p.post(ctx, p.embeddingURL, payload, &providerResp); err != nil {
		return nil, err
	}

	resp, err := providerResp.ToUnified()
	if err != nil {
		return nil, p.fail(0, err)
	}
	return resp, nil
}

func (p *Provider) resolveModel(requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if p.model != "" {
		return p.model, nil
	}
	return "", fmt.Errorf("provider %s: no model requested and no default configured", p.name)
}

func (p *Provider) post(ctx context.Context, url string, payload, target any) error {
	httpReq, err := p.newRequest(ctx, http.MethodPost, url, payload)
	if err != nil {
		return err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return p.fail(0, fmt.Errorf("request %s: %w", url, err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return p.fail(httpResp.StatusCode, parseAPIError(httpResp))
	}

	if err := decodeJSON(httpResp.Body, target); err != nil {
		return p.fail(httpResp.StatusCode, err)
	}
	return nil
}

func (p *Provider) fail(status int, err error) error {
	return &errs.ProviderError{Provider: p.name, Status: status, Err: err}
}

func (p *Provider) newRequest(ctx context.Context, method, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("upstream error status %d and failed to read body: %w", resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		if apiErr.Error.Type != "" {
			return fmt.Errorf("upstream error (%s): %s", apiErr.Error.Type, apiErr.Error.Message)
		}
		return fmt.Errorf("upstream error: %s", apiErr.Error.Message)
	}

	return fmt.Errorf("upstream error status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func decodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}
