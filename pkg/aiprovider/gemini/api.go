package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	apiVersion     = "v1beta"

	defaultRequestTimeout = 90 * time.Second
)

// apiError is a non-2xx response from the Generative Language API. The status
// code and message feed error classification.
type apiError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *apiError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("gemini api: %d %s: %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("gemini api: %d: %s", e.StatusCode, e.Message)
}

// Wire types follow the Generative Language REST schema. Only the fields this
// adapter reads or writes are declared.

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text     string        `json:"text,omitempty"`
	FileData *wireFileData `json:"fileData,omitempty"`
}

type wireFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type generationConfig struct {
	Temperature      *float64       `json:"temperature,omitempty"`
	MaxOutputTokens  int            `json:"maxOutputTokens,omitempty"`
	ResponseMIMEType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type generateRequest struct {
	Contents          []wireContent     `json:"contents"`
	SystemInstruction *wireContent      `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	CachedContent     string            `json:"cachedContent,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      wireContent `json:"content"`
		FinishReason string      `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// text concatenates the text parts of the first candidate.
func (r *generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var buf bytes.Buffer
	for _, p := range r.Candidates[0].Content.Parts {
		buf.WriteString(p.Text)
	}
	return buf.String()
}

type cachedContentRequest struct {
	Model    string        `json:"model"`
	Contents []wireContent `json:"contents"`
	TTL      string        `json:"ttl"`
}

type cachedContentResponse struct {
	Name string `json:"name"`
}

type fileUploadResponse struct {
	File struct {
		Name     string `json:"name"`
		URI      string `json:"uri"`
		MimeType string `json:"mimeType"`
		State    string `json:"state"`
	} `json:"file"`
}

// restClient issues raw Generative Language API calls. It holds no key state;
// the API key is supplied per call so the rotating adapter can switch keys
// between attempts.
type restClient struct {
	httpClient *http.Client
	baseURL    string
}

func newRESTClient(baseURL string, timeout time.Duration) *restClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &restClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
	}
}

func (c *restClient) do(ctx context.Context, apiKey, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func decodeAPIError(statusCode int, data []byte) error {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
		return &apiError{StatusCode: statusCode, Status: envelope.Error.Status, Message: envelope.Error.Message}
	}
	return &apiError{StatusCode: statusCode, Message: string(data)}
}

// generateContent issues one models.generateContent call.
func (c *restClient) generateContent(ctx context.Context, apiKey, model string, req *generateRequest) (*generateResponse, error) {
	url := fmt.Sprintf("%s/%s/models/%s:generateContent", c.baseURL, apiVersion, model)
	var resp generateResponse
	if err := c.do(ctx, apiKey, http.MethodPost, url, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateCachedContent creates a provider-side cached context holding content
// and returns its resource name (e.g. "cachedContents/abc123").
//
// Implements contextcache.RemoteCreator.
func (c *restClient) CreateCachedContent(ctx context.Context, apiKey, model, content string, ttl time.Duration) (string, error) {
	url := fmt.Sprintf("%s/%s/cachedContents", c.baseURL, apiVersion)
	req := &cachedContentRequest{
		Model: "models/" + model,
		Contents: []wireContent{
			{Role: "user", Parts: []wirePart{{Text: content}}},
		},
		TTL: fmt.Sprintf("%ds", int(ttl.Seconds())),
	}
	var resp cachedContentResponse
	if err := c.do(ctx, apiKey, http.MethodPost, url, req, &resp); err != nil {
		return "", err
	}
	if resp.Name == "" {
		return "", fmt.Errorf("cached content creation returned no name")
	}
	return resp.Name, nil
}

// uploadFile uploads raw bytes through the media upload endpoint and returns
// the file resource. The file is only visible to the uploading API key.
func (c *restClient) uploadFile(ctx context.Context, apiKey, mimeType string, data []byte) (*FileRef, error) {
	url := fmt.Sprintf("%s/upload/%s/files?uploadType=media", c.baseURL, apiVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeAPIError(resp.StatusCode, body)
	}

	var decoded fileUploadResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if decoded.File.URI == "" {
		return nil, fmt.Errorf("file upload returned no uri")
	}
	return &FileRef{
		Name:     decoded.File.Name,
		URI:      decoded.File.URI,
		MimeType: decoded.File.MimeType,
	}, nil
}

// deleteFile removes an uploaded file resource. Best effort; uploaded files
// expire server-side after 48 hours regardless.
func (c *restClient) deleteFile(ctx context.Context, apiKey, name string) error {
	url := fmt.Sprintf("%s/%s/%s", c.baseURL, apiVersion, name)
	return c.do(ctx, apiKey, http.MethodDelete, url, nil, nil)
}
