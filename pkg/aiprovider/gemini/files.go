package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chunchiehdev/gradeflow/pkg/aiprovider"
	"github.com/chunchiehdev/gradeflow/pkg/keyhealth"
)

// FileRef identifies an uploaded file resource.
type FileRef struct {
	Name     string
	URI      string
	MimeType string
}

// FileSession runs upload-then-process operations pinned to a single pool
// key. An uploaded file is only visible to the key that created it, so every
// call in the session must use that key; if the pinned key fails with a
// retryable error, the session re-selects a key and re-uploads the artifact
// before retrying the dependent call.
type FileSession struct {
	client *Client

	keyID string
	file  *FileRef

	data     []byte
	mimeType string
}

// NewFileSession uploads data under the healthiest available key and pins the
// session to it. The caller must Close the session when done.
func (c *Client) NewFileSession(ctx context.Context, data []byte, mimeType string) (*FileSession, error) {
	s := &FileSession{client: c, data: data, mimeType: mimeType}
	if err := s.rebind(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// rebind selects a key and uploads the artifact under it, replacing any
// previous binding.
func (s *FileSession) rebind(ctx context.Context) error {
	c := s.client

	keyID, err := c.selector.SelectBestKey(ctx, c.keyIDs)
	if err != nil {
		if errors.Is(err, keyhealth.ErrAllKeysThrottled) {
			return &aiprovider.CallError{
				Provider: ProviderName,
				Kind:     keyhealth.ErrorRateLimit,
				Message:  "all keys throttled",
				Err:      aiprovider.ErrAllKeysThrottled,
			}
		}
		return fmt.Errorf("selecting key: %w", err)
	}
	secret := c.secrets[keyID]

	if err := c.limiters[keyID].Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	ref, err := c.rest.uploadFile(ctx, secret, s.mimeType, s.data)
	if err != nil {
		callErr := c.classifyFailure(keyID, err)
		c.recordFailure(ctx, keyID, callErr)
		return callErr
	}
	if rerr := c.store.RecordSuccess(ctx, keyID, time.Since(start)); rerr != nil {
		c.logger.Warn("recording key success failed", zap.String("key_id", keyID), zap.Error(rerr))
	}

	c.logger.Info("file session bound",
		zap.String("key_id", keyID),
		zap.String("file", ref.Name))

	s.keyID = keyID
	s.file = ref
	return nil
}

// KeyID returns the currently pinned key.
func (s *FileSession) KeyID() string { return s.keyID }

// Generate performs a structured-output call that references the uploaded
// file. On a retryable failure of the pinned key it re-uploads under a fresh
// key and retries; the context bounds the whole loop.
func (s *FileSession) Generate(ctx context.Context, req *aiprovider.Request) (*aiprovider.Response, error) {
	c := s.client

	var lastErr *aiprovider.CallError
	for {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		resp, callErr := s.generateOnce(ctx, req)
		if callErr == nil {
			return resp, nil
		}
		lastErr = callErr

		if !aiprovider.Retryable(callErr.Kind) {
			return nil, callErr
		}

		// The artifact dies with the failed key. Recreate it under the
		// next key before the dependent call retries.
		c.logger.Info("re-binding file session after key failure",
			zap.String("failed_key", s.keyID),
			zap.String("kind", string(callErr.Kind)))
		if err := s.rebind(ctx); err != nil {
			var rebindErr *aiprovider.CallError
			if errors.As(err, &rebindErr) {
				return nil, rebindErr
			}
			return nil, err
		}
	}
}

func (s *FileSession) generateOnce(ctx context.Context, req *aiprovider.Request) (*aiprovider.Response, *aiprovider.CallError) {
	c := s.client
	secret := c.secrets[s.keyID]

	if err := c.limiters[s.keyID].Wait(ctx); err != nil {
		return nil, &aiprovider.CallError{
			Provider: ProviderName,
			KeyID:    s.keyID,
			Kind:     keyhealth.ErrorOther,
			Message:  err.Error(),
			Err:      err,
		}
	}

	wire := &generateRequest{
		Contents: []wireContent{
			{Role: "user", Parts: []wirePart{
				{FileData: &wireFileData{MimeType: s.file.MimeType, FileURI: s.file.URI}},
				{Text: req.Prompt},
			}},
		},
		GenerationConfig: &generationConfig{
			MaxOutputTokens:  c.cfg.MaxOutputTokens,
			ResponseMIMEType: "application/json",
		},
	}
	if req.Temperature > 0 {
		t := req.Temperature
		wire.GenerationConfig.Temperature = &t
	}
	if req.Schema != nil {
		wire.GenerationConfig.ResponseSchema = req.Schema.GeminiDialect()
	}
	if req.SystemInstruction != "" {
		wire.SystemInstruction = &wireContent{
			Parts: []wirePart{{Text: req.SystemInstruction}},
		}
	}

	start := time.Now()
	apiResp, err := c.rest.generateContent(ctx, secret, c.cfg.Model, wire)
	elapsed := time.Since(start)
	if err != nil {
		callErr := c.classifyFailure(s.keyID, err)
		c.recordFailure(ctx, s.keyID, callErr)
		return nil, callErr
	}

	text := apiResp.text()
	if text == "" {
		callErr := &aiprovider.CallError{
			Provider: ProviderName,
			KeyID:    s.keyID,
			Kind:     keyhealth.ErrorOther,
			Message:  "empty response from provider",
		}
		c.recordFailure(ctx, s.keyID, callErr)
		return nil, callErr
	}

	raw := json.RawMessage(text)
	if req.Schema != nil {
		if verr := req.Schema.Validate(raw); verr != nil {
			callErr := &aiprovider.CallError{
				Provider:  ProviderName,
				KeyID:     s.keyID,
				Kind:      keyhealth.ErrorMalformedOutput,
				Message:   verr.Error(),
				RawOutput: text,
				Err:       verr,
			}
			c.recordFailure(ctx, s.keyID, callErr)
			return nil, callErr
		}
	}

	if rerr := c.store.RecordSuccess(ctx, s.keyID, elapsed); rerr != nil {
		c.logger.Warn("recording key success failed", zap.String("key_id", s.keyID), zap.Error(rerr))
	}

	return &aiprovider.Response{
		Data: raw,
		Usage: aiprovider.Usage{
			PromptTokens:     apiResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: apiResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      apiResp.UsageMetadata.TotalTokenCount,
		},
		Provider:     ProviderName,
		KeyID:        s.keyID,
		ResponseTime: elapsed,
	}, nil
}

// Close deletes the uploaded file. Best effort; files expire server-side
// after 48 hours regardless.
func (s *FileSession) Close(ctx context.Context) {
	if s.file == nil {
		return
	}
	if err := s.client.rest.deleteFile(ctx, s.client.secrets[s.keyID], s.file.Name); err != nil {
		s.client.logger.Debug("file cleanup failed",
			zap.String("file", s.file.Name),
			zap.Error(err))
	}
	s.file = nil
}
