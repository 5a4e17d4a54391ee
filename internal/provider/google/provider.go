// Package google adapts the Gemini API (google.golang.org/genai) to the
// provider contracts.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"

	"google.golang.org/genai"

	"omnillm/internal/config"
	"omnillm/internal/errs"
	"omnillm/internal/models"
	"omnillm/internal/provider"
)

const (
	defaultModel          = "gemini-2.5-flash"
	defaultEmbeddingModel = "gemini-embedding-001"
)

var supported = provider.NewCapabilitySet(
	provider.CapabilityChat,
	provider.CapabilityEmbedding,
	provider.CapabilityVision,
)

var thinkingBudget = map[models.ReasoningEffort]int32{
	models.ReasoningLow:    1024,
	models.ReasoningMedium: 8192,
	models.ReasoningHigh:   24576,
}

// modelsClient is the slice of genai.Models the adapter calls.
type modelsClient interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

var newGoogleClient = func(ctx context.Context, cfg *genai.ClientConfig) (*genai.Client, error) {
	return genai.NewClient(ctx, cfg)
}

type Provider struct {
	name   string
	model  string
	system string
	models modelsClient
	caps   provider.CapabilitySet
}

// New creates a Gemini provider.
func New(ctx context.Context, name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("google provider %q: api key must not be empty", name)
	}

	caps, err := provider.Restrict(supported, cfg.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("google provider %q: %w", name, err)
	}

	clientCfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: client,
	}
	if cfg.BaseURL != "" || len(cfg.Headers) > 0 {
		headers := make(http.Header, len(cfg.Headers))
		for k, v := range cfg.Headers {
			headers.Set(k, v)
		}
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL, Headers: headers}
	}

	gc, err := newGoogleClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create google client: %w", err)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	slog.Debug("google provider ready", "id", name, "model", model)
	return &Provider{name: name, model: model, system: cfg.System, models: gc.Models, caps: caps}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Capabilities() provider.CapabilitySet {
	return p.caps
}

func (p *Provider) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	model, contents, cfg, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, p.fail(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, p.fail(errors.New("response did not include candidates"))
	}

	candidate := resp.Candidates[0]
	out := &models.ChatResponse{
		Provider:     p.name,
		Model:        model,
		FinishReason: string(candidate.FinishReason),
		Raw:          resp,
	}

	var text, thoughts []string
	for i, part := range candidate.Content.Parts {
		switch {
		case part == nil:
		case part.FunctionCall != nil:
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return nil, p.fail(fmt.Errorf("encode function call arguments: %w", err))
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", i)
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:       id,
				Type:     "function",
				Function: models.FunctionCall{Name: part.FunctionCall.Name, Arguments: string(args)},
			})
		case part.Thought:
			thoughts = append(thoughts, part.Text)
		case part.Text != "":
			text = append(text, part.Text)
		}
	}
	if len(text) > 0 {
		out.Text = models.Ptr(strings.Join(text, ""))
	}
	if len(thoughts) > 0 {
		out.Reasoning = models.Ptr(strings.Join(thoughts, ""))
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = models.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

func (p *Provider) buildRequest(req models.ChatRequest) (string, []*genai.Content, *genai.GenerateContentConfig, error) {
	model := req.Model()
	if model == "" {
		model = p.model
	}

	msgs := req.WithDefaultSystem(p.system).Messages()
	callNames := make(map[string]string)
	contents := make([]*genai.Content, 0, len(msgs))
	var systemParts []string

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			if text := strings.TrimSpace(msg.Text); text != "" {
				systemParts = append(systemParts, text)
			}
		case models.RoleAssistant:
			parts := make([]*genai.Part, 0, len(msg.ToolCalls)+1)
			if msg.Text != "" {
				parts = append(parts, &genai.Part{Text: msg.Text})
			}
			for _, tc := range msg.ToolCalls {
				args := map[string]any{}
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
						return "", nil, nil, fmt.Errorf("parse tool call arguments for %s: %w", tc.Function.Name, err)
					}
				}
				callNames[tc.ID] = tc.Function.Name
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Function.Name, Args: args}})
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
		case models.RoleTool:
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     callNames[msg.ToolCallID],
					Response: map[string]any{"output": msg.Text},
				}}},
			})
		default:
			parts, err := userParts(msg)
			if err != nil {
				return "", nil, nil, err
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
		}
	}
	if len(contents) == 0 {
		return "", nil, nil, errors.New("at least one user or assistant message is required")
	}

	cfg := &genai.GenerateContentConfig{}
	if len(systemParts) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(systemParts, "\n\n")}}}
	}
	if v, ok := req.Temperature(); ok {
		cfg.Temperature = genai.Ptr(float32(v))
	}
	if v, ok := req.TopP(); ok {
		cfg.TopP = genai.Ptr(float32(v))
	}
	if v, ok := req.TopK(); ok {
		cfg.TopK = genai.Ptr(float32(v))
	}
	if v, ok := req.MaxTokens(); ok && v > 0 {
		cfg.MaxOutputTokens = int32(v)
	}
	if budget, ok := thinkingBudget[req.ReasoningEffort()]; ok {
		cfg.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: genai.Ptr(budget)}
	}
	if schema := req.Schema(); schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseJsonSchema = schema.Schema
	}
	if tools := req.Tools(); len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	return model, contents, cfg, nil
}

func userParts(msg models.Message) ([]*genai.Part, error) {
	var parts []*genai.Part
	switch msg.Kind {
	case "", models.ContentText:
		return []*genai.Part{{Text: msg.Text}}, nil
	case models.ContentImage, models.ContentDocument:
		parts = append(parts, genai.NewPartFromBytes(msg.Data, msg.MIMEType))
	case models.ContentImageURL:
		parts = append(parts, genai.NewPartFromURI(msg.URL, guessImageType(msg.URL)))
	default:
		return nil, fmt.Errorf("unsupported content kind %q", msg.Kind)
	}
	if msg.Text != "" {
		parts = append(parts, &genai.Part{Text: msg.Text})
	}
	return parts, nil
}

func guessImageType(url string) string {
	if t := mime.TypeByExtension(path.Ext(strings.SplitN(url, "?", 2)[0])); strings.HasPrefix(t, "image/") {
		return t
	}
	return "image/jpeg"
}

func (p *Provider) Embed(ctx context.Context, req models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	if len(req.Input) == 0 {
		return nil, errors.New("embedding input must not be empty")
	}
	model := req.Model
	if model == "" {
		model = defaultEmbeddingModel
	}

	contents := make([]*genai.Content, len(req.Input))
	for i, in := range req.Input {
		contents[i] = &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: in}}}
	}

	var embedCfg *genai.EmbedContentConfig
	if req.Dimensions != nil {
		embedCfg = &genai.EmbedContentConfig{OutputDimensionality: genai.Ptr(int32(*req.Dimensions))}
	}
	resp, err := p.models.EmbedContent(ctx, model, contents, embedCfg)
	if err != nil {
		return nil, p.fail(err)
	}
	if resp == nil || len(resp.Embeddings) != len(req.Input) {
		return nil, p.fail(fmt.Errorf("expected %d embeddings", len(req.Input)))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if e != nil {
			vectors[i] = e.Values
		}
	}
	return &models.EmbeddingResponse{Vectors: vectors}, nil
}

func (p *Provider) fail(err error) error {
	perr := &errs.ProviderError{Provider: p.name, Err: err}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		perr.Status = apiErr.Code
	}
	return perr
}
