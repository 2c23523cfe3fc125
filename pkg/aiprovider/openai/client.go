// Package openai implements the secondary provider adapter: a single-key
// chat-completions client used when the primary provider is exhausted.
//
// No key rotation, no context caching. The adapter still records response
// classification so the fallback router reports a precise failure kind.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/chunchiehdev/gradeflow/pkg/aiprovider"
	"github.com/chunchiehdev/gradeflow/pkg/keyhealth"
)

const (
	// ProviderName identifies this adapter in responses and errors.
	ProviderName = "openai"

	// DefaultModel is used when the config names none.
	DefaultModel = "gpt-4o-mini"

	defaultBaseURL        = "https://api.openai.com/v1"
	defaultRequestTimeout = 90 * time.Second
	defaultMaxTokens      = 8192
)

// Config configures the adapter.
type Config struct {
	// APIKey is the single fixed credential.
	APIKey string

	// Model is the chat model name.
	Model string

	// BaseURL overrides the API endpoint. Tests point this at a local
	// server.
	BaseURL string

	// RequestTimeout bounds each HTTP call.
	RequestTimeout time.Duration

	// MaxTokens caps the completion length.
	MaxTokens int
}

// Client is the single-credential adapter. Implements aiprovider.Adapter.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient builds the adapter. An empty API key returns ErrNotConfigured so
// the router can run without a fallback tier.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: %w: no API key", aiprovider.ErrNotConfigured)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
	}, nil
}

// Name implements aiprovider.Adapter.
func (c *Client) Name() string { return ProviderName }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *jsonSchemaSpec `json:"json_schema,omitempty"`
}

type jsonSchemaSpec struct {
	Name   string             `json:"name"`
	Strict bool               `json:"strict"`
	Schema *aiprovider.Schema `json:"schema"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("openai api: %d: %s", e.StatusCode, e.Message)
}

// Generate implements aiprovider.Adapter. One call, no rotation; failures
// return a classified *CallError for the router to act on.
func (c *Client) Generate(ctx context.Context, req *aiprovider.Request) (*aiprovider.Response, error) {
	messages := make([]chatMessage, 0, 2)
	if req.SystemInstruction != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemInstruction})
	}
	prompt := req.Prompt
	if req.ContextContent != "" {
		// No provider-side cache here; reusable context rides along in
		// the prompt.
		prompt = req.ContextContent + "\n\n" + prompt
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	wire := &chatRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		MaxTokens: c.cfg.MaxTokens,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		wire.Temperature = &t
	}
	if req.Schema != nil {
		wire.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchemaSpec{
				Name:   "structured_output",
				Strict: true,
				Schema: req.Schema,
			},
		}
	}

	start := time.Now()
	resp, err := c.doChat(ctx, wire)
	elapsed := time.Since(start)
	if err != nil {
		return nil, c.classifyFailure(err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, &aiprovider.CallError{
			Provider: ProviderName,
			Kind:     keyhealth.ErrorOther,
			Message:  "empty response from provider",
		}
	}
	text := resp.Choices[0].Message.Content

	raw := json.RawMessage(text)
	if req.Schema != nil {
		if verr := req.Schema.Validate(raw); verr != nil {
			return nil, &aiprovider.CallError{
				Provider:  ProviderName,
				Kind:      keyhealth.ErrorMalformedOutput,
				Message:   verr.Error(),
				RawOutput: text,
				Err:       verr,
			}
		}
	}

	return &aiprovider.Response{
		Data: raw,
		Usage: aiprovider.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Provider:     ProviderName,
		ResponseTime: elapsed,
	}, nil
}

func (c *Client) doChat(ctx context.Context, wire *chatRequest) (*chatResponse, error) {
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if jerr := json.Unmarshal(data, &envelope); jerr == nil && envelope.Error.Message != "" {
			return nil, &apiError{StatusCode: resp.StatusCode, Message: envelope.Error.Message}
		}
		return nil, &apiError{StatusCode: resp.StatusCode, Message: string(data)}
	}

	var decoded chatResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &decoded, nil
}

func (c *Client) classifyFailure(err error) *aiprovider.CallError {
	var ae *apiError
	if errors.As(err, &ae) {
		kind := aiprovider.Classify(ae.StatusCode, ae.Message)
		c.logger.Warn("openai call failed",
			zap.Int("status", ae.StatusCode),
			zap.String("kind", string(kind)))
		return &aiprovider.CallError{
			Provider: ProviderName,
			Kind:     kind,
			Message:  ae.Message,
			Err:      err,
		}
	}
	return &aiprovider.CallError{
		Provider: ProviderName,
		Kind:     aiprovider.Classify(0, err.Error()),
		Message:  err.Error(),
		Err:      err,
	}
}
