// Package translator converts between the OpenAI-compatible wire format and
// the unified model. The REST façade uses it for inbound requests, the compat
// adapter for outbound calls.
package translator

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"omnillm/internal/models"
)

var (
	errEmptyModel       = errors.New("model must be provided")
	errEmptyMessages    = errors.New("at least one message is required")
	errInvalidRole      = errors.New("invalid role")
	errInvalidContent   = errors.New("invalid message content")
	errStreamingRefused = errors.New("streaming responses are not supported")
	errEmptyInput       = errors.New("input must not be empty")
)

const (
	partText     = "text"
	partImageURL = "image_url"
)

var allowedRoles = map[string]struct{}{
	"system":    {},
	"user":      {},
	"assistant": {},
	"tool":      {},
}

// ChatCompletionRequest models the OpenAI chat/completions request payload.
type ChatCompletionRequest struct {
	Model           string                 `json:"model"`
	Messages        []ChatMessage          `json:"messages"`
	Stream          bool                   `json:"stream,omitempty"`
	MaxTokens       *int                   `json:"max_tokens,omitempty"`
	Temperature     *float64               `json:"temperature,omitempty"`
	TopP            *float64               `json:"top_p,omitempty"`
	TopK            *int                   `json:"top_k,omitempty"`
	Tools           []Tool                 `json:"tools,omitempty"`
	ResponseFormat  *ResponseFormat        `json:"response_format,omitempty"`
	ReasoningEffort models.ReasoningEffort `json:"reasoning_effort,omitempty"`
}

// Validate enforces the rules an inbound request must satisfy.
func (r ChatCompletionRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return errEmptyModel
	}
	if r.Stream {
		return errStreamingRefused
	}
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	for i, msg := range r.Messages {
		if _, ok := allowedRoles[msg.Role]; !ok {
			return fmt.Errorf("message[%d]: %w: %q", i, errInvalidRole, msg.Role)
		}
		if len(msg.Parts) == 0 && len(msg.ToolCalls) == 0 {
			return fmt.Errorf("message[%d]: %w: content must not be empty", i, errInvalidContent)
		}
	}
	for i, tool := range r.Tools {
		if strings.TrimSpace(tool.Function.Name) == "" {
			return fmt.Errorf("tools[%d]: function name must not be empty", i)
		}
	}
	return nil
}

// ToUnified converts the wire request into a unified request addressed to model.
// Multi-part messages are split into one unified message per part, with
// neighbouring text parts merged.
func (r ChatCompletionRequest) ToUnified(model string) (models.ChatRequest, error) {
	if err := r.Validate(); err != nil {
		return models.ChatRequest{}, err
	}

	msgs := make([]models.Message, 0, len(r.Messages))
	for i, m := range r.Messages {
		converted, err := m.toUnified()
		if err != nil {
			return models.ChatRequest{}, fmt.Errorf("message[%d]: %w", i, err)
		}
		msgs = append(msgs, converted...)
	}

	opts := models.RequestOptions{
		Model:           model,
		Temperature:     r.Temperature,
		MaxTokens:       r.MaxTokens,
		TopP:            r.TopP,
		TopK:            r.TopK,
		ReasoningEffort: r.ReasoningEffort,
	}
	for _, tool := range r.Tools {
		opts.Tools = append(opts.Tools, models.ToolSpec{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}
	if r.ResponseFormat != nil && r.ResponseFormat.JSONSchema != nil {
		opts.Schema = r.ResponseFormat.JSONSchema
	}

	return models.NewChatRequest(msgs, opts)
}

// FromUnified builds the wire request for an outbound call.
func FromUnified(req models.ChatRequest) (ChatCompletionRequest, error) {
	out := ChatCompletionRequest{
		Model:           req.Model(),
		ReasoningEffort: req.ReasoningEffort(),
	}
	if v, ok := req.MaxTokens(); ok {
		out.MaxTokens = &v
	}
	if v, ok := req.Temperature(); ok {
		out.Temperature = &v
	}
	if v, ok := req.TopP(); ok {
		out.TopP = &v
	}
	if v, ok := req.TopK(); ok {
		out.TopK = &v
	}
	for _, spec := range req.Tools() {
		out.Tools = append(out.Tools, Tool{
			Type: "function",
			Function: FunctionDef{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
		})
	}
	if schema := req.Schema(); schema != nil {
		out.ResponseFormat = &ResponseFormat{Type: "json_schema", JSONSchema: schema}
	}

	for i, msg := range req.Messages() {
		wire, err := messageFromUnified(msg)
		if err != nil {
			return ChatCompletionRequest{}, fmt.Errorf("message[%d]: %w", i, err)
		}
		out.Messages = append(out.Messages, wire)
	}
	return out, nil
}

func messageFromUnified(msg models.Message) (ChatMessage, error) {
	wire := ChatMessage{
		Role:       string(msg.Role),
		ToolCalls:  msg.ToolCalls,
		ToolCallID: msg.ToolCallID,
	}

	switch msg.Kind {
	case "", models.ContentText:
		if msg.Text != "" {
			wire.Parts = []ContentPart{{Type: partText, Text: msg.Text}}
		}
	case models.ContentImage:
		wire.Parts = captioned(msg.Text, ContentPart{
			Type:     partImageURL,
			ImageURL: &ImageURL{URL: EncodeDataURL(msg.MIMEType, msg.Data)},
		})
	case models.ContentImageURL:
		wire.Parts = captioned(msg.Text, ContentPart{
			Type:     partImageURL,
			ImageURL: &ImageURL{URL: msg.URL},
		})
	default:
		return ChatMessage{}, fmt.Errorf("%w: %s content cannot be sent over the chat completions wire", errInvalidContent, msg.Kind)
	}
	return wire, nil
}

func captioned(caption string, part ContentPart) []ContentPart {
	if caption == "" {
		return []ContentPart{part}
	}
	return []ContentPart{{Type: partText, Text: caption}, part}
}

// ChatMessage captures a single message. Content is a string on the wire when
// it is a single text part, an array of parts otherwise, and null when absent.
type ChatMessage struct {
	Role             string
	Parts            []ContentPart
	Name             string
	ToolCalls        []models.ToolCall
	ToolCallID       string
	ReasoningContent string
}

type wireMessage struct {
	Role             string            `json:"role"`
	Content          json.RawMessage   `json:"content"`
	Name             string            `json:"name,omitempty"`
	ToolCalls        []models.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string            `json:"tool_call_id,omitempty"`
	ReasoningContent string            `json:"reasoning_content,omitempty"`
}

// Text concatenates the text parts.
func (m ChatMessage) Text() string {
	var builder strings.Builder
	for _, part := range m.Parts {
		if part.Type == partText {
			builder.WriteString(part.Text)
		}
	}
	return builder.String()
}

func (m ChatMessage) MarshalJSON() ([]byte, error) {
	var content any
	switch {
	case len(m.Parts) == 1 && m.Parts[0].Type == partText:
		content = m.Parts[0].Text
	case len(m.Parts) > 0:
		content = m.Parts
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode message content: %w", err)
	}
	return json.Marshal(wireMessage{
		Role:             m.Role,
		Content:          raw,
		Name:             m.Name,
		ToolCalls:        m.ToolCalls,
		ToolCallID:       m.ToolCallID,
		ReasoningContent: m.ReasoningContent,
	})
}

// UnmarshalJSON supports string, array-of-parts and null content.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var raw wireMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	parts, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Parts = parts
	m.Name = strings.TrimSpace(raw.Name)
	m.ToolCalls = raw.ToolCalls
	m.ToolCallID = strings.TrimSpace(raw.ToolCallID)
	m.ReasoningContent = raw.ReasoningContent
	return nil
}

func (m ChatMessage) toUnified() ([]models.Message, error) {
	role := models.Role(m.Role)

	switch role {
	case models.RoleTool:
		return []models.Message{models.ToolResult(m.ToolCallID, m.Text())}, nil
	case models.RoleAssistant:
		return []models.Message{{Role: role, Kind: models.ContentText, Text: m.Text(), ToolCalls: m.ToolCalls}}, nil
	}

	var (
		out     []models.Message
		pending strings.Builder
	)
	flush := func() {
		if pending.Len() > 0 {
			out = append(out, models.Message{Role: role, Kind: models.ContentText, Text: pending.String()})
			pending.Reset()
		}
	}
	for _, part := range m.Parts {
		switch part.Type {
		case partText:
			pending.WriteString(part.Text)
		case partImageURL:
			if role != models.RoleUser {
				return nil, fmt.Errorf("%w: images are only accepted in user messages", errInvalidContent)
			}
			flush()
			img, err := imageMessage(part.ImageURL)
			if err != nil {
				return nil, err
			}
			out = append(out, img)
		}
	}
	flush()
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: content must not be empty", errInvalidContent)
	}
	return out, nil
}

func imageMessage(img *ImageURL) (models.Message, error) {
	if img == nil || strings.TrimSpace(img.URL) == "" {
		return models.Message{}, fmt.Errorf("%w: image_url part requires a url", errInvalidContent)
	}
	if strings.HasPrefix(img.URL, "data:") {
		mime, data, err := DecodeDataURL(img.URL)
		if err != nil {
			return models.Message{}, err
		}
		return models.UserImage(mime, data, ""), nil
	}
	return models.UserImageURL(img.URL, ""), nil
}

func extractMessageContent(raw json.RawMessage) ([]ContentPart, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil, nil
		}
		return []ContentPart{{Type: partText, Text: text}}, nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		for _, part := range parts {
			if part.Type != partText && part.Type != partImageURL {
				return nil, fmt.Errorf("%w: segment type %q not supported", errInvalidContent, part.Type)
			}
		}
		return parts, nil
	}

	return nil, fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

// ContentPart is one element of an array-valued message content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image by URL or data URL.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Tool declares a callable function.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a function and its JSON-schema parameters.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ResponseFormat requests structured output.
type ResponseFormat struct {
	Type       string                 `json:"type"`
	JSONSchema *models.ResponseSchema `json:"json_schema,omitempty"`
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *OpenAIUsage `json:"usage,omitempty"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *OpenAIUsage) toUnified() models.Usage {
	if u == nil {
		return models.Usage{}
	}
	return models.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func usageFromUnified(u models.Usage) *OpenAIUsage {
	if u.TotalTokens == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return nil
	}
	return &OpenAIUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// ToUnified reads the first choice of an upstream response.
func (r ChatCompletionResponse) ToUnified() (*models.ChatResponse, error) {
	if len(r.Choices) == 0 {
		return nil, errors.New("response did not include choices")
	}

	choice := r.Choices[0]
	resp := &models.ChatResponse{
		ToolCalls:    choice.Message.ToolCalls,
		Model:        r.Model,
		FinishReason: choice.FinishReason,
		Usage:        r.Usage.toUnified(),
		Raw:          r,
	}
	if len(choice.Message.Parts) > 0 {
		resp.Text = models.Ptr(choice.Message.Text())
	}
	if choice.Message.ReasoningContent != "" {
		resp.Reasoning = models.Ptr(choice.Message.ReasoningContent)
	}
	return resp, nil
}

// FromUnifiedChat constructs the OpenAI response shape from the unified data.
func FromUnifiedChat(id, modelID string, createdUnix int64, resp *models.ChatResponse) ChatCompletionResponse {
	msg := ChatMessage{
		Role:             string(models.RoleAssistant),
		ToolCalls:        resp.ToolCalls,
		ReasoningContent: resp.ReasoningOrEmpty(),
	}
	if resp.Text != nil {
		msg.Parts = []ContentPart{{Type: partText, Text: *resp.Text}}
	}

	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
		if len(resp.ToolCalls) > 0 {
			finish = "tool_calls"
		}
	}

	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: createdUnix,
		Model:   modelID,
		Choices: []ChatChoice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage:   usageFromUnified(resp.Usage),
	}
}

// EncodeDataURL renders bytes as a base64 data URL.
func EncodeDataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL parses a base64 data URL into its mime type and bytes.
func DecodeDataURL(url string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return "", nil, fmt.Errorf("%w: not a data url", errInvalidContent)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: malformed data url", errInvalidContent)
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", nil, fmt.Errorf("%w: data url must be base64 encoded", errInvalidContent)
	}
	if mime == "" {
		return "", nil, fmt.Errorf("%w: data url is missing a mime type", errInvalidContent)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: decode data url: %v", errInvalidContent, err)
	}
	return mime, data, nil
}

// CompletionRequest models the legacy OpenAI text completions request payload.
type CompletionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Stream      bool     `json:"stream,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// UnmarshalJSON accepts a string or an array of strings as prompt.
func (r *CompletionRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Model       string          `json:"model"`
		Prompt      json.RawMessage `json:"prompt"`
		Stream      bool            `json:"stream"`
		MaxTokens   *int            `json:"max_tokens"`
		Temperature *float64        `json:"temperature"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode completion request: %w", err)
	}

	prompt, err := extractPrompt(raw.Prompt)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Prompt = prompt
	r.Stream = raw.Stream
	r.MaxTokens = raw.MaxTokens
	r.Temperature = raw.Temperature
	return nil
}

// ToUnified validates the request and converts it, addressed to model.
func (r CompletionRequest) ToUnified(model string) (models.CompletionRequest, error) {
	if r.Model == "" {
		return models.CompletionRequest{}, errEmptyModel
	}
	if r.Stream {
		return models.CompletionRequest{}, errStreamingRefused
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return models.CompletionRequest{}, errors.New("prompt must not be empty")
	}
	return models.CompletionRequest{
		Model:       model,
		Prompt:      r.Prompt,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
	}, nil
}

// CompletionRequestFromUnified builds the wire request for an outbound call.
func CompletionRequestFromUnified(req models.CompletionRequest) CompletionRequest {
	return CompletionRequest{
		Model:       req.Model,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

// CompletionResponse models the OpenAI completion response payload.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *OpenAIUsage       `json:"usage,omitempty"`
}

// CompletionChoice represents a single completion choice.
type CompletionChoice struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// ToUnified reads the first choice of an upstream completion response.
func (r CompletionResponse) ToUnified() (*models.CompletionResponse, error) {
	if len(r.Choices) == 0 {
		return nil, errors.New("completion response did not include choices")
	}
	return &models.CompletionResponse{
		Text:         r.Choices[0].Text,
		FinishReason: r.Choices[0].FinishReason,
		Usage:        r.Usage.toUnified(),
		Raw:          r,
	}, nil
}

// FromUnifiedCompletion converts unified completion data to OpenAI shape.
func FromUnifiedCompletion(id, modelID string, createdUnix int64, resp *models.CompletionResponse) CompletionResponse {
	return CompletionResponse{
		ID:      id,
		Object:  "text_completion",
		Created: createdUnix,
		Model:   modelID,
		Choices: []CompletionChoice{{
			Text:         resp.Text,
			Index:        0,
			FinishReason: resp.FinishReason,
		}},
		Usage: usageFromUnified(resp.Usage),
	}
}

func extractPrompt(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("prompt is required")
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var parts []string
	if err := json.Unmarshal(raw, &parts); err == nil {
		return strings.Join(parts, "\n"), nil
	}

	return "", errors.New("unsupported prompt type")
}

// Embedding encodings accepted on the wire.
const (
	EncodingFloat  = "float"
	EncodingBase64 = "base64"
)

// EmbeddingRequest models the OpenAI embeddings request payload.
type EmbeddingRequest struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	Dimensions     *int     `json:"dimensions,omitempty"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
}

// UnmarshalJSON accepts a string or an array of strings as input.
func (r *EmbeddingRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Model          string          `json:"model"`
		Input          json.RawMessage `json:"input"`
		Dimensions     *int            `json:"dimensions"`
		EncodingFormat string          `json:"encoding_format"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode embedding request: %w", err)
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Dimensions = raw.Dimensions
	r.EncodingFormat = raw.EncodingFormat
	r.Input = nil

	var single string
	if err := json.Unmarshal(raw.Input, &single); err == nil {
		r.Input = []string{single}
		return nil
	}
	if err := json.Unmarshal(raw.Input, &r.Input); err != nil {
		return errors.New("input must be a string or an array of strings")
	}
	return nil
}

// ToUnified validates the request and converts it, addressed to model.
func (r EmbeddingRequest) ToUnified(model string) (models.EmbeddingRequest, error) {
	if r.Model == "" {
		return models.EmbeddingRequest{}, errEmptyModel
	}
	if len(r.Input) == 0 {
		return models.EmbeddingRequest{}, errEmptyInput
	}
	for i, in := range r.Input {
		if strings.TrimSpace(in) == "" {
			return models.EmbeddingRequest{}, fmt.Errorf("input[%d]: %w", i, errEmptyInput)
		}
	}
	if r.Dimensions != nil && *r.Dimensions <= 0 {
		return models.EmbeddingRequest{}, errors.New("dimensions must be positive")
	}
	switch r.EncodingFormat {
	case "", EncodingFloat, EncodingBase64:
	default:
		return models.EmbeddingRequest{}, fmt.Errorf("unsupported encoding_format %q", r.EncodingFormat)
	}
	return models.EmbeddingRequest{
		Model:          model,
		Input:          append([]string(nil), r.Input...),
		Dimensions:     r.Dimensions,
		EncodingFormat: r.EncodingFormat,
	}, nil
}

// FromUnifiedEmbeddingRequest builds the wire request for an outbound call.
func FromUnifiedEmbeddingRequest(req models.EmbeddingRequest) EmbeddingRequest {
	return EmbeddingRequest{
		Model:          req.Model,
		Input:          req.Input,
		Dimensions:     req.Dimensions,
		EncodingFormat: req.EncodingFormat,
	}
}

// EmbeddingResponse models the OpenAI embeddings response payload.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   []EmbeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  *OpenAIUsage    `json:"usage,omitempty"`
}

// EmbeddingData is one vector in an embeddings response.
type EmbeddingData struct {
	Object    string `json:"object"`
	Index     int    `json:"index"`
	Embedding Vector `json:"embedding"`
}

// Vector is an embedding. It decodes from a JSON number array or from the
// base64 form (little-endian float32) and encodes as a number array unless
// Base64 is set.
type Vector struct {
	Values []float32
	Base64 bool
}

func (v Vector) MarshalJSON() ([]byte, error) {
	if !v.Base64 {
		if v.Values == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Values)
	}
	buf := make([]byte, 4*len(v.Values))
	for i, f := range v.Values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(buf))
}

func (v *Vector) UnmarshalJSON(data []byte) error {
	var encoded string
	if err := json.Unmarshal(data, &encoded); err == nil {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("decode base64 embedding: %w", err)
		}
		if len(raw)%4 != 0 {
			return fmt.Errorf("base64 embedding has %d bytes, not a multiple of 4", len(raw))
		}
		v.Values = make([]float32, len(raw)/4)
		for i := range v.Values {
			v.Values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		v.Base64 = true
		return nil
	}
	v.Base64 = false
	return json.Unmarshal(data, &v.Values)
}

// ToUnified orders vectors by their reported index.
func (r EmbeddingResponse) ToUnified() (*models.EmbeddingResponse, error) {
	vectors := make([][]float32, len(r.Data))
	for _, d := range r.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding.Values
	}
	return &models.EmbeddingResponse{Vectors: vectors, Usage: r.Usage.toUnified()}, nil
}

// FromUnifiedEmbedding converts unified vectors to OpenAI shape, encoding
// each vector as requested by encodingFormat.
func FromUnifiedEmbedding(modelID, encodingFormat string, resp *models.EmbeddingResponse) EmbeddingResponse {
	data := make([]EmbeddingData, len(resp.Vectors))
	for i, v := range resp.Vectors {
		data[i] = EmbeddingData{
			Object:    "embedding",
			Index:     i,
			Embedding: Vector{Values: v, Base64: encodingFormat == EncodingBase64},
		}
	}
	return EmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  modelID,
		Usage:  usageFromUnified(resp.Usage),
	}
}
