package gateway

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"page-capture-llm/config"
	"page-capture-llm/messages"
)

// Gemini speaks the generateContent API: the key travels in the query
// string, images as inlineData parts, streaming via streamGenerateContent
// with alt=sse.
type Gemini struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

func NewGemini(s config.ProviderSettings) Provider {
	base := s.BaseURL
	if base == "" {
		base = "https://generativelanguage.googleapis.com"
	}
	model := s.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &Gemini{
		baseURL: strings.TrimRight(base, "/"),
		model:   model,
		apiKey:  s.Credential,
		client:  &http.Client{},
	}
}

func (g *Gemini) Name() string             { return "gemini" }
func (g *Gemini) RequiresCredential() bool { return true }

type gemInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type gemPart struct {
	Text       string         `json:"text,omitempty"`
	InlineData *gemInlineData `json:"inlineData,omitempty"`
}

type gemContent struct {
	Role  string    `json:"role,omitempty"` // "user" or "model"
	Parts []gemPart `json:"parts"`
}

type gemRequest struct {
	Contents []gemContent `json:"contents"`
}

type gemResponse struct {
	Candidates []struct {
		Content struct {
			Parts []gemPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (g *Gemini) DescribeImage(ctx context.Context, png []byte, onProgress ProgressFunc) (string, error) {
	req := gemRequest{Contents: []gemContent{{
		Role: "user",
		Parts: []gemPart{
			{Text: visionPrompt},
			{InlineData: &gemInlineData{MimeType: "image/png", Data: base64.StdEncoding.EncodeToString(png)}},
		},
	}}}
	return g.stream(ctx, req, onProgress)
}

func (g *Gemini) AnalyzeText(ctx context.Context, text string, onProgress ProgressFunc) (string, error) {
	req := gemRequest{Contents: []gemContent{{
		Role:  "user",
		Parts: []gemPart{{Text: analyzePrompt + text}},
	}}}
	return g.stream(ctx, req, onProgress)
}

func (g *Gemini) AskFollowUp(ctx context.Context, question string, history []messages.Turn, onProgress ProgressFunc) (string, error) {
	contents := make([]gemContent, 0, len(history)+1)
	for _, turn := range history {
		role := turn.Role
		// Gemini names the counterpart role "model", not "assistant".
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, gemContent{Role: role, Parts: []gemPart{{Text: turn.Content}}})
	}
	contents = append(contents, gemContent{Role: "user", Parts: []gemPart{{Text: question}}})
	return g.stream(ctx, gemRequest{Contents: contents}, onProgress)
}

func (g *Gemini) ListModels(ctx context.Context) ([]Model, error) {
	endpoint := fmt.Sprintf("%s/v1beta/models?key=%s", g.baseURL, url.QueryEscape(g.apiKey))
	resp, err := doJSON(ctx, g.client, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readBackendError(g.Name(), resp)
	}

	var out struct {
		Models []struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}
	models := make([]Model, 0, len(out.Models))
	for _, m := range out.Models {
		models = append(models, Model{ID: strings.TrimPrefix(m.Name, "models/"), Name: m.DisplayName})
	}
	return models, nil
}

func (g *Gemini) stream(ctx context.Context, req gemRequest, onProgress ProgressFunc) (string, error) {
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		g.baseURL, url.PathEscape(g.model), url.QueryEscape(g.apiKey))
	resp, err := doJSON(ctx, g.client, http.MethodPost, endpoint, nil, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", readBackendError(g.Name(), resp)
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
		var frame gemResponse
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			continue
		}
		if frame.Error != nil {
			return "", &BackendError{Provider: g.Name(), Message: frame.Error.Message}
		}
		for _, cand := range frame.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				sb.WriteString(part.Text)
				emitProgress(onProgress, part.Text, sb.Len())
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read failed: %w", err)
	}
	return sb.String(), nil
}
