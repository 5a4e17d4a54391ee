// Package openai adapts the official OpenAI SDK to the provider contracts.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"omnillm/internal/config"
	"omnillm/internal/errs"
	"omnillm/internal/models"
	"omnillm/internal/provider"
	"omnillm/internal/translator"
)

const defaultModel = "gpt-4o-mini"

var supported = provider.NewCapabilitySet(
	provider.CapabilityChat,
	provider.CapabilityCompletion,
	provider.CapabilityEmbedding,
	provider.CapabilityVision,
)

// Provider implements chat, completion, embedding and vision on the OpenAI API.
type Provider struct {
	name   string
	model  string
	system string
	client openai.Client
	caps   provider.CapabilitySet
}

// New creates an OpenAI provider. Retries are disabled in the SDK; retrying is
// the validator's decision, not the transport's.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai provider %q: api key must not be empty", name)
	}

	caps, err := provider.Restrict(supported, cfg.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("openai provider %q: %w", name, err)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(client),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	return &Provider{
		name:   name,
		model:  model,
		system: cfg.System,
		client: openai.NewClient(opts...),
		caps:   caps,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Capabilities() provider.CapabilitySet {
	return p.caps
}

func (p *Provider) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	params, err := p.buildChatParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.fail(err)
	}
	if len(resp.Choices) == 0 {
		return nil, p.fail(errors.New("response did not include choices"))
	}

	choice := resp.Choices[0]
	out := &models.ChatResponse{
		Provider:     p.name,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Raw:          resp,
		Usage: models.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	if choice.Message.Content != "" || len(choice.Message.ToolCalls) == 0 {
		out.Text = models.Ptr(choice.Message.Content)
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: models.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out, nil
}

func (p *Provider) buildChatParams(req models.ChatRequest) (openai.ChatCompletionNewParams, error) {
	model := req.Model()
	if model == "" {
		model = p.model
	}

	msgs := req.WithDefaultSystem(p.system).Messages()
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for i, msg := range msgs {
		param, err := toChatMessageParam(msg)
		if err != nil {
			return openai.ChatCompletionNewParams{}, fmt.Errorf("message[%d]: %w", i, err)
		}
		messages = append(messages, param)
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if v, ok := req.Temperature(); ok {
		params.Temperature = openai.Float(v)
	}
	if v, ok := req.MaxTokens(); ok {
		params.MaxTokens = openai.Int(int64(v))
	}
	if v, ok := req.TopP(); ok {
		params.TopP = openai.Float(v)
	}
	// top_k is not an OpenAI parameter; compatible backends reached through a
	// custom base URL accept it.
	if v, ok := req.TopK(); ok {
		params.SetExtraFields(map[string]any{"top_k": v})
	}
	if effort := req.ReasoningEffort(); effort != models.ReasoningNone {
		params.ReasoningEffort = shared.ReasoningEffort(effort)
	}
	for _, spec := range req.Tools() {
		fn := shared.FunctionDefinitionParam{
			Name:       spec.Name,
			Parameters: shared.FunctionParameters(spec.Parameters),
		}
		if spec.Description != "" {
			fn.Description = openai.String(spec.Description)
		}
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(fn))
	}
	if schema := req.Schema(); schema != nil {
		js := shared.ResponseFormatJSONSchemaJSONSchemaParam{
			Name:   schema.Name,
			Schema: schema.Schema,
		}
		if schema.Description != "" {
			js.Description = openai.String(schema.Description)
		}
		if schema.Strict != nil {
			js.Strict = openai.Bool(*schema.Strict)
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{JSONSchema: js},
		}
	}
	return params, nil
}

func toChatMessageParam(msg models.Message) (openai.ChatCompletionMessageParamUnion, error) {
	switch msg.Role {
	case models.RoleSystem:
		return openai.SystemMessage(msg.Text), nil
	case models.RoleTool:
		return openai.ToolMessage(msg.Text, msg.ToolCallID), nil
	case models.RoleAssistant:
		if len(msg.ToolCalls) == 0 {
			return openai.AssistantMessage(msg.Text), nil
		}
		assistant := openai.ChatCompletionAssistantMessageParam{}
		if msg.Text != "" {
			assistant.Content.OfString = openai.String(msg.Text)
		}
		for _, tc := range msg.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				},
			})
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}, nil
	case models.RoleUser:
		return userMessage(msg)
	default:
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported role: %s", msg.Role)
	}
}

func userMessage(msg models.Message) (openai.ChatCompletionMessageParamUnion, error) {
	var media openai.ChatCompletionContentPartUnionParam
	switch msg.Kind {
	case "", models.ContentText:
		return openai.UserMessage(msg.Text), nil
	case models.ContentImage:
		media = openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: translator.EncodeDataURL(msg.MIMEType, msg.Data),
		})
	case models.ContentImageURL:
		media = openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: msg.URL})
	case models.ContentDocument:
		media = openai.FileContentPart(openai.ChatCompletionContentPartFileFileParam{
			FileData: openai.String(translator.EncodeDataURL(msg.MIMEType, msg.Data)),
			Filename: openai.String("document"),
		})
	default:
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported content kind %q", msg.Kind)
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, 2)
	if msg.Text != "" {
		parts = append(parts, openai.TextContentPart(msg.Text))
	}
	parts = append(parts, media)
	return openai.UserMessage(parts), nil
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("prompt must not be empty")
	}
	model := req.Model
	if model == "" {
		model = p.model
	}

	params := openai.CompletionNewParams{
		Model:  openai.CompletionNewParamsModel(model),
		Prompt: openai.CompletionNewParamsPromptUnion{OfString: openai.String(req.Prompt)},
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	resp, err := p.client.Completions.New(ctx, params)
	if err != nil {
		return nil, p.fail(err)
	}
	if len(resp.Choices) == 0 {
		return nil, p.fail(errors.New("completion response did not include choices"))
	}

	return &models.CompletionResponse{
		Text:         resp.Choices[0].Text,
		FinishReason: string(resp.Choices[0].FinishReason),
		Raw:          resp,
		Usage: models.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (p *Provider) Embed(ctx context.Context, req models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	if len(req.Input) == 0 {
		return nil, errors.New("embedding input must not be empty")
	}
	model := req.Model
	if model == "" {
		model = "text-embedding-3-small"
	}

	// Vectors are always fetched as floats; the REST façade re-encodes them
	// when a caller asked for base64.
	params := openai.EmbeddingNewParams{
		Model:          openai.EmbeddingModel(model),
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Input},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if req.Dimensions != nil {
		params.Dimensions = openai.Int(int64(*req.Dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, p.fail(err)
	}

	vectors := make([][]float32, len(req.Input))
	for _, d := range resp.Data {
		idx := int(d.Index)
		if idx < 0 || idx >= len(vectors) {
			return nil, p.fail(fmt.Errorf("embedding index %d out of range", idx))
		}
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		vectors[idx] = vec
	}

	return &models.EmbeddingResponse{
		Vectors: vectors,
		Usage: models.Usage{
			PromptTokens: int(resp.Usage.PromptTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}, nil
}

// fail tags SDK errors with the vendor status when the API reported one.
func (p *Provider) fail(err error) error {
	perr := &errs.ProviderError{Provider: p.name, Err: err}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		perr.Status = apiErr.StatusCode
	}
	return perr
}
