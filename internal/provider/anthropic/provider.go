// Package anthropic adapts the Anthropic Messages API to the provider contracts.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"omnillm/internal/config"
	"omnillm/internal/errs"
	"omnillm/internal/models"
	"omnillm/internal/provider"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 1024
)

var supported = provider.NewCapabilitySet(provider.CapabilityChat, provider.CapabilityVision)

// thinkingBudget maps a reasoning effort onto an extended thinking budget.
var thinkingBudget = map[models.ReasoningEffort]int64{
	models.ReasoningLow:    1024,
	models.ReasoningMedium: 4096,
	models.ReasoningHigh:   16384,
}

type Provider struct {
	name   string
	model  string
	system string
	client anthropic.Client
	caps   provider.CapabilitySet
}

// New creates an Anthropic provider with SDK retries disabled.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("anthropic provider %q: api key must not be empty", name)
	}

	caps, err := provider.Restrict(supported, cfg.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("anthropic provider %q: %w", name, err)
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
		client: anthropic.NewClient(opts...),
		caps:   caps,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Capabilities() provider.CapabilitySet {
	return p.caps
}

// Chat sends the request to the Messages API. System messages are hoisted
// into the system prompt; consecutive tool results share one user turn.
func (p *Provider) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	body, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := p.client.Messages.New(ctx, body)
	if err != nil {
		return nil, p.fail(err)
	}

	var (
		text      []string
		reasoning []string
		calls     []models.ToolCall
	)
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			text = append(text, v.Text)
		case anthropic.ThinkingBlock:
			reasoning = append(reasoning, v.Thinking)
		case anthropic.ToolUseBlock:
			calls = append(calls, models.ToolCall{
				ID:   v.ID,
				Type: "function",
				Function: models.FunctionCall{
					Name:      v.Name,
					Arguments: string(v.Input),
				},
			})
		}
	}

	out := &models.ChatResponse{
		ToolCalls:    calls,
		Provider:     p.name,
		Model:        string(msg.Model),
		FinishReason: string(msg.StopReason),
		Raw:          msg,
		Usage: models.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	if len(text) > 0 {
		out.Text = models.Ptr(strings.Join(text, "\n"))
	}
	if len(reasoning) > 0 {
		out.Reasoning = models.Ptr(strings.Join(reasoning, "\n"))
	}
	return out, nil
}

func (p *Provider) buildParams(req models.ChatRequest) (anthropic.MessageNewParams, error) {
	model := req.Model()
	if model == "" {
		model = p.model
	}

	var system []anthropic.TextBlockParam
	var convo []models.Message
	for _, msg := range req.WithDefaultSystem(p.system).Messages() {
		if msg.Role == models.RoleSystem {
			system = append(system, anthropic.TextBlockParam{Text: msg.Text})
			continue
		}
		convo = append(convo, msg)
	}
	if len(convo) == 0 {
		return anthropic.MessageNewParams{}, errors.New("anthropic requires at least one non-system message")
	}

	msgs, err := toAnthropicMessages(convo)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := int64(defaultMaxTokens)
	if v, ok := req.MaxTokens(); ok && v > 0 {
		maxTokens = int64(v)
	}

	body := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  msgs,
		System:    system,
	}
	if v, ok := req.Temperature(); ok {
		body.Temperature = anthropic.Float(v)
	}
	if v, ok := req.TopP(); ok {
		body.TopP = anthropic.Float(v)
	}
	if v, ok := req.TopK(); ok {
		body.TopK = anthropic.Int(int64(v))
	}
	if budget, ok := thinkingBudget[req.ReasoningEffort()]; ok {
		body.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		if body.MaxTokens <= budget {
			body.MaxTokens = budget + maxTokens
		}
	}
	if tools := req.Tools(); len(tools) > 0 {
		body.Tools = toAnthropicTools(tools)
	}
	return body, nil
}

func toAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for i := 0; i < len(messages); {
		msg := messages[i]
		switch msg.Role {
		case models.RoleUser:
			blocks, err := userBlocks(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
			i++
		case models.RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolCalls)+1)
			if msg.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Text))
			}
			for _, tc := range msg.ToolCalls {
				input := map[string]any{}
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
						return nil, fmt.Errorf("parse tool call arguments for %s: %w", tc.Function.Name, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
			i++
		case models.RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for i < len(messages) && messages[i].Role == models.RoleTool {
				blocks = append(blocks, anthropic.NewToolResultBlock(messages[i].ToolCallID, messages[i].Text, false))
				i++
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		default:
			return nil, fmt.Errorf("unsupported message role %s", msg.Role)
		}
	}
	return out, nil
}

func userBlocks(msg models.Message) ([]anthropic.ContentBlockParamUnion, error) {
	var media anthropic.ContentBlockParamUnion
	switch msg.Kind {
	case "", models.ContentText:
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Text)}, nil
	case models.ContentImage:
		media = anthropic.NewImageBlockBase64(msg.MIMEType, base64.StdEncoding.EncodeToString(msg.Data))
	case models.ContentImageURL:
		media = anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: msg.URL})
	case models.ContentDocument:
		if msg.MIMEType != "application/pdf" {
			return nil, fmt.Errorf("anthropic documents must be application/pdf, got %q", msg.MIMEType)
		}
		media = anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{Data: base64.StdEncoding.EncodeToString(msg.Data)})
	default:
		return nil, fmt.Errorf("unsupported content kind %q", msg.Kind)
	}

	blocks := []anthropic.ContentBlockParamUnion{media}
	if msg.Text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(msg.Text))
	}
	return blocks, nil
}

func toAnthropicTools(tools []models.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		toolParam := anthropic.ToolParam{
			Name:        tool.Name,
			InputSchema: toInputSchema(tool.Parameters),
		}
		if tool.Description != "" {
			toolParam.Description = anthropic.String(tool.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return out
}

func toInputSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	if len(schema) == 0 {
		return anthropic.ToolInputSchemaParam{}
	}

	var required []string
	switch v := schema["required"].(type) {
	case []string:
		required = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				required = append(required, s)
			}
		}
	}

	inputSchema := anthropic.ToolInputSchemaParam{Required: required}
	if props, ok := schema["properties"]; ok {
		inputSchema.Properties = props
	}

	extras := make(map[string]any)
	for k, v := range schema {
		if k == "properties" || k == "required" || k == "type" {
			continue
		}
		extras[k] = v
	}
	if len(extras) > 0 {
		inputSchema.ExtraFields = extras
	}
	return inputSchema
}

func (p *Provider) fail(err error) error {
	perr := &errs.ProviderError{Provider: p.name, Err: err}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr.Status = apiErr.StatusCode
	}
	return perr
}
