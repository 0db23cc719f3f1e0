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

// oaClient speaks the OpenAI chat-completions wire format. It backs both
// the hosted OpenAI provider and the self-hosted OpenAI-compatible server,
// which differ only in base URL, default model, and whether a credential
// is mandatory.
type oaClient struct {
	name        string
	baseURL     string
	model       string
	apiKey      string
	requireCred bool
	client      *http.Client
}

// NewOpenAI builds the hosted OpenAI provider (bearer auth, SSE streaming).
func NewOpenAI(s config.ProviderSettings) Provider {
	base := s.BaseURL
	if base == "" {
		base = "https://api.openai.com"
	}
	model := s.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &oaClient{
		name:        "openai",
		baseURL:     strings.TrimRight(base, "/"),
		model:       model,
		apiKey:      s.Credential,
		requireCred: true,
		client:      &http.Client{},
	}
}

func (c *oaClient) Name() string             { return c.name }
func (c *oaClient) RequiresCredential() bool { return c.requireCred }

// OpenAI wire shapes.
type oaImageURL struct {
	URL string `json:"url"`
}

type oaContent struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL *oaImageURL `json:"image_url,omitempty"`
}

type oaMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []oaContent
}

type oaChatRequest struct {
	Model    string      `json:"model"`
	Messages []oaMessage `json:"messages"`
	Stream   bool        `json:"stream"`
}

type oaStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *oaClient) DescribeImage(ctx context.Context, png []byte, onProgress ProgressFunc) (string, error) {
	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	msgs := []oaMessage{{
		Role: "user",
		Content: []oaContent{
			{Type: "text", Text: visionPrompt},
			{Type: "image_url", ImageURL: &oaImageURL{URL: dataURI}},
		},
	}}
	return c.streamChat(ctx, msgs, onProgress)
}

func (c *oaClient) AnalyzeText(ctx context.Context, text string, onProgress ProgressFunc) (string, error) {
	msgs := []oaMessage{{Role: "user", Content: analyzePrompt + text}}
	return c.streamChat(ctx, msgs, onProgress)
}

func (c *oaClient) AskFollowUp(ctx context.Context, question string, history []messages.Turn, onProgress ProgressFunc) (string, error) {
	msgs := make([]oaMessage, 0, len(history)+1)
	for _, turn := range history {
		msgs = append(msgs, oaMessage{Role: turn.Role, Content: turn.Content})
	}
	msgs = append(msgs, oaMessage{Role: "user", Content: question})
	return c.streamChat(ctx, msgs, onProgress)
}

func (c *oaClient) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := doJSON(ctx, c.client, http.MethodGet, c.baseURL+"/v1/models", c.headers(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readBackendError(c.name, resp)
	}

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}
	models := make([]Model, 0, len(out.Data))
	for _, m := range out.Data {
		models = append(models, Model{ID: m.ID})
	}
	return models, nil
}

func (c *oaClient) headers() map[string]string {
	h := map[string]string{}
	if c.apiKey != "" {
		h["Authorization"] = "Bearer " + c.apiKey
	}
	return h
}

// streamChat posts a streaming chat request and assembles the full reply
// from SSE frames. Malformed partial frames are skipped, not fatal, unless
// the payload carries an explicit error.
func (c *oaClient) streamChat(ctx context.Context, msgs []oaMessage, onProgress ProgressFunc) (string, error) {
	req := oaChatRequest{Model: c.model, Messages: msgs, Stream: true}
	resp, err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/v1/chat/completions", c.headers(), req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", readBackendError(c.name, resp)
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
		if payload == "[DONE]" {
			break
		}
		var chunk oaStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return "", &BackendError{Provider: c.name, Message: chunk.Error.Message}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		emitProgress(onProgress, delta, sb.Len())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read failed: %w", err)
	}
	return sb.String(), nil
}
