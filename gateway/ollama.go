package gateway

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"page-capture-llm/config"
	"page-capture-llm/messages"
)

// Ollama is the fully local inference server: no auth at all, NDJSON
// streaming. It first attempts the richer /api/chat shape and silently
// falls back to the legacy /api/generate shape when the server predates
// chat support; a successful fallback never surfaces as an error.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewOllama(s config.ProviderSettings) Provider {
	base := s.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	model := s.Model
	if model == "" {
		model = "llava"
	}
	return &Ollama{
		baseURL: strings.TrimRight(base, "/"),
		model:   model,
		client:  &http.Client{},
	}
}

func (o *Ollama) Name() string             { return "ollama" }
func (o *Ollama) RequiresCredential() bool { return false }

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatFrame struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

type ollamaGenerateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images,omitempty"`
	Stream bool     `json:"stream"`
}

type ollamaGenerateFrame struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func (o *Ollama) DescribeImage(ctx context.Context, png []byte, onProgress ProgressFunc) (string, error) {
	img := base64.StdEncoding.EncodeToString(png)
	return o.query(ctx, visionPrompt, []string{img}, onProgress)
}

func (o *Ollama) AnalyzeText(ctx context.Context, text string, onProgress ProgressFunc) (string, error) {
	return o.query(ctx, analyzePrompt+text, nil, onProgress)
}

// AskFollowUp flattens the history into one synthesized context string;
// small local models handle that more predictably than multi-turn chat.
func (o *Ollama) AskFollowUp(ctx context.Context, question string, history []messages.Turn, onProgress ProgressFunc) (string, error) {
	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Earlier conversation:\n")
		for _, turn := range history {
			sb.WriteString(turn.Role)
			sb.WriteString(": ")
			sb.WriteString(turn.Content)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Answer the following question based on the conversation above:\n")
	sb.WriteString(question)
	return o.query(ctx, sb.String(), nil, onProgress)
}

func (o *Ollama) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := doJSON(ctx, o.client, http.MethodGet, o.baseURL+"/api/tags", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readBackendError(o.Name(), resp)
	}

	var out struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}
	models := make([]Model, 0, len(out.Models))
	for _, m := range out.Models {
		models = append(models, Model{ID: m.Name, Name: m.Name})
	}
	return models, nil
}

// query tries /api/chat, then the legacy /api/generate shape when the chat
// endpoint is missing or rejects the request shape.
func (o *Ollama) query(ctx context.Context, prompt string, images []string, onProgress ProgressFunc) (string, error) {
	text, err := o.chat(ctx, prompt, images, onProgress)
	if err == nil {
		return text, nil
	}
	if !o.shouldFallBack(err) {
		return "", err
	}
	log.Printf("ollama: chat endpoint unavailable (%v), falling back to generate", err)
	return o.generate(ctx, prompt, images, onProgress)
}

// shouldFallBack recognizes "this server has no chat endpoint" conditions,
// not genuine request failures.
func (o *Ollama) shouldFallBack(err error) bool {
	var be *BackendError
	if !errors.As(err, &be) {
		return false
	}
	if be.Status == http.StatusNotFound || be.Status == http.StatusMethodNotAllowed {
		return true
	}
	return strings.Contains(strings.ToLower(be.Message), "unknown endpoint")
}

func (o *Ollama) chat(ctx context.Context, prompt string, images []string, onProgress ProgressFunc) (string, error) {
	req := ollamaChatRequest{
		Model:    o.model,
		Messages: []ollamaChatMessage{{Role: "user", Content: prompt, Images: images}},
		Stream:   true,
	}
	resp, err := doJSON(ctx, o.client, http.MethodPost, o.baseURL+"/api/chat", nil, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", readBackendError(o.Name(), resp)
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var frame ollamaChatFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue
		}
		if frame.Error != "" {
			return "", &BackendError{Provider: o.Name(), Message: frame.Error}
		}
		if frame.Message.Content != "" {
			sb.WriteString(frame.Message.Content)
			emitProgress(onProgress, frame.Message.Content, sb.Len())
		}
		if frame.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read failed: %w", err)
	}
	return sb.String(), nil
}

func (o *Ollama) generate(ctx context.Context, prompt string, images []string, onProgress ProgressFunc) (string, error) {
	req := ollamaGenerateRequest{Model: o.model, Prompt: prompt, Images: images, Stream: true}
	resp, err := doJSON(ctx, o.client, http.MethodPost, o.baseURL+"/api/generate", nil, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", readBackendError(o.Name(), resp)
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var frame ollamaGenerateFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue
		}
		if frame.Error != "" {
			return "", &BackendError{Provider: o.Name(), Message: frame.Error}
		}
		if frame.Response != "" {
			sb.WriteString(frame.Response)
			emitProgress(onProgress, frame.Response, sb.Len())
		}
		if frame.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read failed: %w", err)
	}
	return sb.String(), nil
}
