package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"page-capture-llm/config"
	"page-capture-llm/logutil"
	"page-capture-llm/messages"
)

const (
	// DefaultCallTimeout races against every backend call.
	DefaultCallTimeout = 120 * time.Second
	// modelCacheTTL is the freshness window for cached model lists.
	modelCacheTTL = time.Hour
)

type modelCacheEntry struct {
	models    []Model
	fetchedAt time.Time
}

// Gateway dispatches the capability set {describe image, analyze text, ask
// follow-up, list models} to the configured providers.
type Gateway struct {
	providers map[string]Provider
	creds     map[string]string

	visionProvider string
	textProvider   string
	timeout        time.Duration

	cacheMu    sync.Mutex
	modelCache map[string]modelCacheEntry
	sf         singleflight.Group
	now        func() time.Time
}

// New builds a gateway with every known provider registered. Provider
// selection and credentials come from settings, read-only.
func New(cfg *config.Config) *Gateway {
	g := &Gateway{
		providers:      make(map[string]Provider),
		creds:          make(map[string]string),
		visionProvider: cfg.VisionProvider,
		textProvider:   cfg.TextProvider,
		timeout:        time.Duration(cfg.RequestTimeoutSec) * time.Second,
		modelCache:     make(map[string]modelCacheEntry),
		now:            time.Now,
	}
	if g.timeout <= 0 {
		g.timeout = DefaultCallTimeout
	}

	g.register(NewOllama(cfg.Provider("ollama")))
	g.register(NewOpenAICompat(cfg.Provider("openai_compat")))
	g.register(NewOpenAI(cfg.Provider("openai")))
	g.register(NewAnthropic(cfg.Provider("anthropic")))
	g.register(NewGemini(cfg.Provider("gemini")))

	for _, id := range config.ProviderIDs {
		g.creds[id] = cfg.Provider(id).Credential
		if g.creds[id] != "" {
			log.Printf("gateway: %s credential %s", id, logutil.RedactKey(g.creds[id]))
		}
	}
	return g
}

func (g *Gateway) register(p Provider) { g.providers[p.Name()] = p }

// Register replaces or adds a provider. Exposed for tests.
func (g *Gateway) Register(p Provider, credential string) {
	g.providers[p.Name()] = p
	g.creds[p.Name()] = credential
}

// DescribeImage sends the image to the configured vision backend and
// returns the extracted text.
func (g *Gateway) DescribeImage(ctx context.Context, png []byte, onProgress ProgressFunc) (string, error) {
	return g.call(ctx, g.visionProvider, func(ctx context.Context, p Provider) (string, error) {
		return p.DescribeImage(ctx, png, onProgress)
	})
}

// AnalyzeText sends extracted text to the configured text backend for
// contextual analysis.
func (g *Gateway) AnalyzeText(ctx context.Context, text string, onProgress ProgressFunc) (string, error) {
	return g.call(ctx, g.textProvider, func(ctx context.Context, p Provider) (string, error) {
		return p.AnalyzeText(ctx, text, onProgress)
	})
}

// AskFollowUp sends a question plus prior turns to the configured text
// backend.
func (g *Gateway) AskFollowUp(ctx context.Context, question string, history []messages.Turn, onProgress ProgressFunc) (string, error) {
	return g.call(ctx, g.textProvider, func(ctx context.Context, p Provider) (string, error) {
		return p.AskFollowUp(ctx, question, history, onProgress)
	})
}

// ListModels enumerates selectable models for a provider. Results are
// cached for an hour per (provider, credential); concurrent refreshes for
// the same key collapse into one upstream call.
func (g *Gateway) ListModels(ctx context.Context, providerID string) ([]Model, error) {
	p, ok := g.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerID)
	}
	if err := g.checkCredential(p); err != nil {
		return nil, err
	}

	key := providerID + "\x00" + g.creds[providerID]

	g.cacheMu.Lock()
	if entry, ok := g.modelCache[key]; ok && g.now().Sub(entry.fetchedAt) < modelCacheTTL {
		g.cacheMu.Unlock()
		return entry.models, nil
	}
	g.cacheMu.Unlock()

	v, err, _ := g.sf.Do(key, func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		models, err := p.ListModels(cctx)
		if err != nil {
			return nil, err
		}
		g.cacheMu.Lock()
		g.modelCache[key] = modelCacheEntry{models: models, fetchedAt: g.now()}
		g.cacheMu.Unlock()
		return models, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Model), nil
}

// VisionProviderID returns the configured vision provider id.
func (g *Gateway) VisionProviderID() string { return g.visionProvider }

// TextProviderID returns the configured text provider id.
func (g *Gateway) TextProviderID() string { return g.textProvider }

func (g *Gateway) checkCredential(p Provider) error {
	if p.RequiresCredential() && g.creds[p.Name()] == "" {
		return fmt.Errorf("%s: %w", p.Name(), ErrCredentialMissing)
	}
	return nil
}

// call runs one provider operation with the credential fail-fast check and
// the fixed timeout raced against the network call.
func (g *Gateway) call(ctx context.Context, providerID string, fn func(context.Context, Provider) (string, error)) (string, error) {
	p, ok := g.providers[providerID]
	if !ok {
		return "", fmt.Errorf("unknown provider %q", providerID)
	}
	if err := g.checkCredential(p); err != nil {
		return "", err
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		text, err := fn(cctx, p)
		ch <- outcome{text: text, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s: %w", providerID, ErrTimeout)
		}
		return out.text, out.err
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s: %w", providerID, ErrTimeout)
		}
		return "", cctx.Err()
	}
}
