// Package gateway is a uniform request/response abstraction over the AI
// backends: a local inference server (Ollama), a cloud OpenAI-compatible
// server, and three hosted vendor APIs. Each backend keeps its own wire
// format; the gateway strictly translates and never invents one.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"page-capture-llm/messages"
)

// ProgressFunc receives incremental output as it streams in. The final
// return value of every call is always the fully assembled text; progress
// is UI feedback only.
type ProgressFunc func(chunk string, cumulativeLen int)

// Model is one selectable backend model.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Provider is implemented once per backend variant. The gateway holds a
// registry of these and never branches on a provider name anywhere else.
type Provider interface {
	Name() string
	// RequiresCredential reports whether calls must fail fast with a missing
	// credential error when none is configured.
	RequiresCredential() bool
	// DescribeImage extracts visible text from a PNG image, verbatim and
	// with no commentary.
	DescribeImage(ctx context.Context, png []byte, onProgress ProgressFunc) (string, error)
	// AnalyzeText analyzes previously extracted text in context.
	AnalyzeText(ctx context.Context, text string, onProgress ProgressFunc) (string, error)
	// AskFollowUp answers a question given prior conversation turns,
	// reshaped into whatever multi-turn form the backend expects.
	AskFollowUp(ctx context.Context, question string, history []messages.Turn, onProgress ProgressFunc) (string, error)
	// ListModels enumerates selectable models.
	ListModels(ctx context.Context) ([]Model, error)
}

// Shared prompts. Vision asks for verbatim extraction so the analysis step
// operates on what the page actually said.
const (
	visionPrompt = "Extract the visible text from this image verbatim. Return ONLY the raw text with:\n" +
		"- No formatting\n" +
		"- No XML/HTML tags\n" +
		"- No markdown\n" +
		"- No commentary\n" +
		"- Preserve line breaks from the visual layout.\n" +
		"If no text is visible, return 'NO_TEXT_FOUND'"

	analyzePrompt = "The following text was extracted from a region of a web page. " +
		"Explain what it is about, summarize the key points, and note anything " +
		"a reader should pay attention to. Use Markdown.\n\nExtracted text:\n"
)

// doJSON posts a JSON body and returns the raw response. Callers own the
// body and must close it.
func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, payload interface{}) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// readBackendError drains an error response into a BackendError with a
// short, human-translatable message.
func readBackendError(provider string, resp *http.Response) error {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := ""
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	} else if len(data) > 0 {
		msg = string(data)
	}
	return &BackendError{Provider: provider, Status: resp.StatusCode, Message: msg}
}

func emitProgress(onProgress ProgressFunc, chunk string, total int) {
	if onProgress != nil && chunk != "" {
		onProgress(chunk, total)
	}
}
