// Package aiprovider defines the contract shared by all AI provider adapters
// and the fallback router that chains them.
//
// Adapters implement a minimal surface: hand a prompt plus an expected output
// schema to the provider and return the parsed structured output. Key
// rotation, context caching and circuit breaking are concerns of individual
// adapters; callers only see this contract.
package aiprovider

import (
	"context"
	"encoding/json"
	"time"
)

// Request describes one structured-output generation call.
type Request struct {
	// Prompt is the full user prompt. Opaque to this layer.
	Prompt string

	// SystemInstruction is an optional system-level instruction.
	SystemInstruction string

	// Temperature for sampling. Zero means the adapter default.
	Temperature float64

	// Schema describes the required shape of the structured output. The
	// adapter serializes it into the provider's native schema dialect and
	// validates the response against it before returning.
	Schema *Schema

	// ContextHash and ContextContent enable provider-side context caching
	// for large reusable prompt content. When both are set the adapter may
	// issue the call against a remote cached-context handle; any cache
	// error falls through to the uncached path.
	ContextHash    string
	ContextContent string
}

// Usage reports token accounting for a completed call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Response is a successful generation.
type Response struct {
	// Data is the schema-validated structured output.
	Data json.RawMessage

	Usage Usage

	// Provider names the adapter that produced the output.
	Provider string

	// KeyID identifies the pool key used, when the adapter rotates keys.
	KeyID string

	ResponseTime time.Duration

	// PrimaryError carries the primary adapter's error text when this
	// response came from the fallback adapter. The first failure is never
	// discarded in favor of the second success.
	PrimaryError string
}

// Adapter is one external AI provider.
//
// Generate returns a *CallError on failure so callers can inspect the error
// kind, the key involved and any raw unparseable output.
type Adapter interface {
	// Name identifies the provider (e.g. "gemini", "openai").
	Name() string

	// Generate performs one structured-output call. The context bounds the
	// whole attempt including any internal key rotation.
	Generate(ctx context.Context, req *Request) (*Response, error)
}
