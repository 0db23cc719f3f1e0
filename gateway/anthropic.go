package gateway

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"page-capture-llm/config"
	"page-capture-llm/messages"
)

const anthropicVersion = "2023-06-01"

// Anthropic speaks the Messages API: auth via x-api-key header rather than
// a bearer token, images as base64 source blocks, SSE events with their own
// event taxonomy.
type Anthropic struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

func NewAnthropic(s config.ProviderSettings) Provider {
	base := s.BaseURL
	if base == "" {
		base = "https://api.anthropic.com"
	}
	model := s.Model
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &Anthropic{
		baseURL: strings.TrimRight(base, "/"),
		model:   model,
		apiKey:  s.Credential,
		client:  &http.Client{},
	}
}

func (a *Anthropic) Name() string             { return "anthropic" }
func (a *Anthropic) RequiresCredential() bool { return true }

type antSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type antContent struct {
	Type   string     `json:"type"`
	Text   string     `json:"text,omitempty"`
	Source *antSource `json:"source,omitempty"`
}

type antMessage struct {
	Role    string       `json:"role"`
	Content []antContent `json:"content"`
}

type antRequest struct {
	Model     string       `json:"model"`
	Messages  []antMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens"`
	Stream    bool         `json:"stream"`
}

type antStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *Anthropic) DescribeImage(ctx context.Context, png []byte, onProgress ProgressFunc) (string, error) {
	msgs := []antMessage{{
		Role: "user",
		Content: []antContent{
			{Type: "image", Source: &antSource{
				Type:      "base64",
				MediaType: "image/png",
				Data:      base64.StdEncoding.EncodeToString(png),
			}},
			{Type: "text", Text: visionPrompt},
		},
	}}
	return a.stream(ctx, msgs, onProgress)
}

func (a *Anthropic) AnalyzeText(ctx context.Context, text string, onProgress ProgressFunc) (string, error) {
	msgs := []antMessage{{
		Role:    "user",
		Content: []antContent{{Type: "text", Text: analyzePrompt + text}},
	}}
	return a.stream(ctx, msgs, onProgress)
}

func (a *Anthropic) AskFollowUp(ctx context.Context, question string, history []messages.Turn, onProgress ProgressFunc) (string, error) {
	msgs := make([]antMessage, 0, len(history)+1)
	for _, turn := range history {
		msgs = append(msgs, antMessage{
			Role:    turn.Role,
			Content: []antContent{{Type: "text", Text: turn.Content}},
		})
	}
	msgs = append(msgs, antMessage{
		Role:    "user",
		Content: []antContent{{Type: "text", Text: question}},
	})
	return a.stream(ctx, msgs, onProgress)
}

func (a *Anthropic) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := doJSON(ctx, a.client, http.MethodGet, a.baseURL+"/v1/models", a.headers(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readBackendError(a.Name(), resp)
	}

	var out struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}
	models := make([]Model, 0, len(out.Data))
	for _, m := range out.Data {
		models = append(models, Model{ID: m.ID, Name: m.DisplayName})
	}
	return models, nil
}

func (a *Anthropic) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}
}

func (a *Anthropic) stream(ctx context.Context, msgs []antMessage, onProgress ProgressFunc) (string, error) {
	req := antRequest{Model: a.model, Messages: msgs, MaxTokens: 4096, Stream: true}
	resp, err := doJSON(ctx, a.client, http.MethodPost, a.baseURL+"/v1/messages", a.headers(), req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", readBackendError(a.Name(), resp)
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var ev antStreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		switch {
		case ev.Type == "error" && ev.Error != nil:
			return "", &BackendError{Provider: a.Name(), Message: ev.Error.Message}
		case ev.Type == "content_block_delta" && ev.Delta.Type == "text_delta":
			sb.WriteString(ev.Delta.Text)
			emitProgress(onProgress, ev.Delta.Text, sb.Len())
		case ev.Type == "message_stop":
			return sb.String(), scanner.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read failed: %w", err)
	}
	return sb.String(), nil
}
