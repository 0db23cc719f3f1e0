package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"page-capture-llm/config"
	"page-capture-llm/messages"
)

func sseBody(payloads ...string) string {
	var sb strings.Builder
	for _, p := range payloads {
		sb.WriteString("data: ")
		sb.WriteString(p)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func TestOpenAIStreamAssemblesChunks(t *testing.T) {
	var gotAuth string
	var gotReq oaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		io.WriteString(w, sseBody(
			`{"choices":[{"delta":{"content":"Hello"}}]}`,
			`{"choices":[{"delta":{"content":" world"}}]}`,
			"[DONE]",
		))
	}))
	defer srv.Close()

	p := NewOpenAI(config.ProviderSettings{BaseURL: srv.URL, Model: "gpt-test", Credential: "sk-test"})

	var progress []int
	out, err := p.AnalyzeText(context.Background(), "input", func(_ string, total int) {
		progress = append(progress, total)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", out)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-test", gotReq.Model)
	assert.True(t, gotReq.Stream)
	assert.Equal(t, []int{5, 11}, progress, "progress reports cumulative length")
}

func TestOpenAIDescribeImageSendsDataURI(t *testing.T) {
	var raw map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		io.WriteString(w, sseBody(`{"choices":[{"delta":{"content":"text"}}]}`, "[DONE]"))
	}))
	defer srv.Close()

	p := NewOpenAI(config.ProviderSettings{BaseURL: srv.URL, Credential: "sk-test"})
	_, err := p.DescribeImage(context.Background(), []byte{0x89, 0x50}, nil)
	require.NoError(t, err)

	encoded, err := json.Marshal(raw)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), "data:image/png;base64,")
	assert.Contains(t, string(encoded), "image_url")
}

func TestOpenAINonOKStatusIsBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limit reached"}}`)
	}))
	defer srv.Close()

	p := NewOpenAI(config.ProviderSettings{BaseURL: srv.URL, Credential: "sk-test"})
	_, err := p.AnalyzeText(context.Background(), "input", nil)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusTooManyRequests, be.Status)
	assert.Equal(t, "rate limit reached", be.Message)
}

func TestOpenAIErrorChunkStopsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseBody(`{"error":{"message":"context length exceeded"}}`))
	}))
	defer srv.Close()

	p := NewOpenAI(config.ProviderSettings{BaseURL: srv.URL, Credential: "sk-test"})
	_, err := p.AnalyzeText(context.Background(), "input", nil)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "context length exceeded", be.Message)
}

func TestOpenAIMalformedChunksAreSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {truncated\n\n")
		io.WriteString(w, sseBody(`{"choices":[{"delta":{"content":"ok"}}]}`, "[DONE]"))
	}))
	defer srv.Close()

	p := NewOpenAI(config.ProviderSettings{BaseURL: srv.URL, Credential: "sk-test"})
	out, err := p.AnalyzeText(context.Background(), "input", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestOpenAIListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		io.WriteString(w, `{"data":[{"id":"gpt-4o-mini"},{"id":"gpt-4o"}]}`)
	}))
	defer srv.Close()

	p := NewOpenAI(config.ProviderSettings{BaseURL: srv.URL, Credential: "sk-test"})
	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-4o-mini", models[0].ID)
}

func ndjsonBody(frames ...string) string {
	return strings.Join(frames, "\n") + "\n"
}

func TestOllamaChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"), "ollama sends no auth")
		io.WriteString(w, ndjsonBody(
			`{"message":{"content":"one "},"done":false}`,
			`{"message":{"content":"two"},"done":true}`,
		))
	}))
	defer srv.Close()

	p := NewOllama(config.ProviderSettings{BaseURL: srv.URL, Model: "llava"})
	out, err := p.AnalyzeText(context.Background(), "input", nil)
	require.NoError(t, err)
	assert.Equal(t, "one two", out)
}

func TestOllamaFallsBackToGenerate(t *testing.T) {
	var chatHits, generateHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			chatHits++
			w.WriteHeader(http.StatusNotFound)
		case "/api/generate":
			generateHits++
			io.WriteString(w, ndjsonBody(`{"response":"legacy answer","done":true}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	p := NewOllama(config.ProviderSettings{BaseURL: srv.URL})
	out, err := p.AnalyzeText(context.Background(), "input", nil)
	require.NoError(t, err, "a successful fallback must not surface as an error")
	assert.Equal(t, "legacy answer", out)
	assert.Equal(t, 1, chatHits)
	assert.Equal(t, 1, generateHits)
}

func TestOllamaGenuineErrorDoesNotFallBack(t *testing.T) {
	var generateHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":{"message":"model not loaded"}}`)
		case "/api/generate":
			generateHits++
		}
	}))
	defer srv.Close()

	p := NewOllama(config.ProviderSettings{BaseURL: srv.URL})
	_, err := p.AnalyzeText(context.Background(), "input", nil)
	require.Error(t, err)
	assert.Equal(t, 0, generateHits, "a 500 is a real failure, not a missing endpoint")
}

func TestOllamaFollowUpFlattensHistory(t *testing.T) {
	var gotReq ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		io.WriteString(w, ndjsonBody(`{"message":{"content":"answer"},"done":true}`))
	}))
	defer srv.Close()

	p := NewOllama(config.ProviderSettings{BaseURL: srv.URL})
	history := []messages.Turn{
		{Role: "user", Content: "what is this?"},
		{Role: "assistant", Content: "a login form"},
	}
	_, err := p.AskFollowUp(context.Background(), "which field is required?", history, nil)
	require.NoError(t, err)

	require.Len(t, gotReq.Messages, 1, "history collapses into one synthesized message")
	prompt := gotReq.Messages[0].Content
	assert.Contains(t, prompt, "user: what is this?")
	assert.Contains(t, prompt, "assistant: a login form")
	assert.Contains(t, prompt, "which field is required?")
}

func TestOllamaListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		io.WriteString(w, `{"models":[{"name":"llava:13b"},{"name":"llama3"}]}`)
	}))
	defer srv.Close()

	p := NewOllama(config.ProviderSettings{BaseURL: srv.URL})
	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llava:13b", models[0].ID)
}

func TestAnthropicHeadersAndStream(t *testing.T) {
	var gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		io.WriteString(w, sseBody(
			`{"type":"message_start"}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"part "}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"two"}}`,
			`{"type":"message_stop"}`,
		))
	}))
	defer srv.Close()

	p := NewAnthropic(config.ProviderSettings{BaseURL: srv.URL, Credential: "ak-test"})
	out, err := p.AnalyzeText(context.Background(), "input", nil)
	require.NoError(t, err)
	assert.Equal(t, "part two", out)
	assert.Equal(t, "ak-test", gotKey)
	assert.Equal(t, anthropicVersion, gotVersion)
}

func TestAnthropicStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseBody(`{"type":"error","error":{"message":"overloaded"}}`))
	}))
	defer srv.Close()

	p := NewAnthropic(config.ProviderSettings{BaseURL: srv.URL, Credential: "ak-test"})
	_, err := p.AnalyzeText(context.Background(), "input", nil)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "overloaded", be.Message)
}

func TestGeminiKeyInQueryAndRoleRename(t *testing.T) {
	var gotKey string
	var gotReq gemRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("key")
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		io.WriteString(w, sseBody(`{"candidates":[{"content":{"parts":[{"text":"answer"}]}}]}`))
	}))
	defer srv.Close()

	p := NewGemini(config.ProviderSettings{BaseURL: srv.URL, Model: "gemini-test", Credential: "gk-test"})
	history := []messages.Turn{{Role: "assistant", Content: "earlier answer"}}
	out, err := p.AskFollowUp(context.Background(), "and now?", history, nil)
	require.NoError(t, err)
	assert.Equal(t, "answer", out)
	assert.Equal(t, "gk-test", gotKey)

	require.Len(t, gotReq.Contents, 2)
	assert.Equal(t, "model", gotReq.Contents[0].Role, "assistant turns become model turns")
	assert.Equal(t, "user", gotReq.Contents[1].Role)
}

func TestGeminiListModelsTrimsPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1beta/models", r.URL.Path)
		io.WriteString(w, `{"models":[{"name":"models/gemini-2.0-flash","displayName":"Gemini 2.0 Flash"}]}`)
	}))
	defer srv.Close()

	p := NewGemini(config.ProviderSettings{BaseURL: srv.URL, Credential: "gk-test"})
	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "gemini-2.0-flash", models[0].ID)
	assert.Equal(t, "Gemini 2.0 Flash", models[0].Name)
}

func TestOpenAICompatOptionalCredential(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, sseBody(`{"choices":[{"delta":{"content":"local"}}]}`, "[DONE]"))
	}))
	defer srv.Close()

	p := NewOpenAICompat(config.ProviderSettings{BaseURL: srv.URL})
	require.False(t, p.RequiresCredential())

	out, err := p.AnalyzeText(context.Background(), "input", nil)
	require.NoError(t, err)
	assert.Equal(t, "local", out)
	assert.Empty(t, gotAuth, "no bearer header when no credential is configured")
}

func TestReadBackendErrorPlainBody(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusBadGateway,
		Body:       io.NopCloser(strings.NewReader("upstream unavailable")),
	}
	err := readBackendError("openai_compat", resp)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusBadGateway, be.Status)
	assert.Equal(t, "upstream unavailable", be.Message)
	assert.Contains(t, fmt.Sprintf("%v", be), "openai_compat")
}
