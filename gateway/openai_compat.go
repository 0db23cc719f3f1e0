package gateway

import (
	"net/http"
	"strings"

	"page-capture-llm/config"
)

// NewOpenAICompat builds the provider for a cloud or self-hosted inference
// server exposing the OpenAI-compatible API (LM Studio, vLLM, llama.cpp
// server). Same wire format as OpenAI; base URL comes from settings and a
// credential is optional, sent as a bearer token when present.
func NewOpenAICompat(s config.ProviderSettings) Provider {
	base := s.BaseURL
	if base == "" {
		base = "http://localhost:1234"
	}
	model := s.Model
	if model == "" {
		model = "local-model"
	}
	return &oaClient{
		name:        "openai_compat",
		baseURL:     strings.TrimRight(base, "/"),
		model:       model,
		apiKey:      s.Credential,
		requireCred: false,
		client:      &http.Client{},
	}
}
