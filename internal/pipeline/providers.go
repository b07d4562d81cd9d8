package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-meet/internal/llm"
	"github.com/loqalabs/loqa-meet/internal/stt"
)

type STTFactory func(ctx context.Context, s STTSettings) (stt.Recognizer, error)

type LLMFactory func(ctx context.Context, s LLMSettings) (llm.Generator, error)

type sttEntry struct {
	requiresKey bool
	build       STTFactory
}

type llmEntry struct {
	requiresKey bool
	build       LLMFactory
}

// Providers resolves provider names to constructors. It is safe for
// concurrent use and shared across sessions.
type Providers struct {
	mu  sync.RWMutex
	stt map[string]sttEntry
	llm map[string]llmEntry
}

func NewProviders() *Providers {
	return &Providers{
		stt: make(map[string]sttEntry),
		llm: make(map[string]llmEntry),
	}
}

func (p *Providers) RegisterSTT(name string, requiresKey bool, build STTFactory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stt[normalizeName(name)] = sttEntry{requiresKey: requiresKey, build: build}
}

func (p *Providers) RegisterLLM(name string, requiresKey bool, build LLMFactory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.llm[normalizeName(name)] = llmEntry{requiresKey: requiresKey, build: build}
}

// BuildSTT constructs the recognizer named by s. Any failure is a
// *ProviderInitError.
func (p *Providers) BuildSTT(ctx context.Context, s STTSettings) (stt.Recognizer, error) {
	p.mu.RLock()
	entry, ok := p.stt[normalizeName(s.Provider)]
	p.mu.RUnlock()
	if !ok {
		return nil, &ProviderInitError{Capability: "stt", Provider: s.Provider, Err: ErrUnknownProvider}
	}
	if entry.requiresKey && strings.TrimSpace(s.APIKey) == "" {
		return nil, &ProviderInitError{Capability: "stt", Provider: s.Provider, Err: ErrMissingCredential}
	}
	rec, err := entry.build(ctx, s)
	if err != nil {
		return nil, &ProviderInitError{Capability: "stt", Provider: s.Provider, Err: err}
	}
	return rec, nil
}

// BuildLLM constructs the generator named by s. Any failure is a
// *ProviderInitError.
func (p *Providers) BuildLLM(ctx context.Context, s LLMSettings) (llm.Generator, error) {
	p.mu.RLock()
	entry, ok := p.llm[normalizeName(s.Provider)]
	p.mu.RUnlock()
	if !ok {
		return nil, &ProviderInitError{Capability: "llm", Provider: s.Provider, Err: ErrUnknownProvider}
	}
	if entry.requiresKey && strings.TrimSpace(s.APIKey) == "" {
		return nil, &ProviderInitError{Capability: "llm", Provider: s.Provider, Err: ErrMissingCredential}
	}
	gen, err := entry.build(ctx, s)
	if err != nil {
		return nil, &ProviderInitError{Capability: "llm", Provider: s.Provider, Err: err}
	}
	return gen, nil
}

// Names lists registered provider names per capability.
func (p *Providers) Names() (sttNames, llmNames []string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for name := range p.stt {
		sttNames = append(sttNames, name)
	}
	for name := range p.llm {
		llmNames = append(llmNames, name)
	}
	sort.Strings(sttNames)
	sort.Strings(llmNames)
	return sttNames, llmNames
}

// DefaultProviders registers every built-in backend.
func DefaultProviders(client *http.Client) *Providers {
	p := NewProviders()

	p.RegisterSTT("mock", false, func(context.Context, STTSettings) (stt.Recognizer, error) {
		return stt.NewMockRecognizer(), nil
	})
	p.RegisterSTT("exec", false, func(_ context.Context, s STTSettings) (stt.Recognizer, error) {
		return stt.NewExecRecognizer(s.Command)
	})
	p.RegisterSTT("deepgram", true, func(_ context.Context, s STTSettings) (stt.Recognizer, error) {
		return stt.NewDeepgramRecognizer(s.Endpoint, s.APIKey, client)
	})

	p.RegisterLLM("mock", false, func(context.Context, LLMSettings) (llm.Generator, error) {
		return llm.NewMockGenerator(), nil
	})
	p.RegisterLLM("exec", false, func(_ context.Context, s LLMSettings) (llm.Generator, error) {
		return llm.NewExecGenerator(s.Command)
	})
	p.RegisterLLM("ollama", false, func(_ context.Context, s LLMSettings) (llm.Generator, error) {
		if s.Endpoint == "" {
			return nil, fmt.Errorf("ollama endpoint is required")
		}
		return llm.NewOllamaGenerator(s.Endpoint, s.Model, client), nil
	})
	p.RegisterLLM("openai", true, func(_ context.Context, s LLMSettings) (llm.Generator, error) {
		return llm.NewOpenAIGenerator(s.APIKey, hostedEndpoint(s.Endpoint), s.Model)
	})
	p.RegisterLLM("gemini", true, func(ctx context.Context, s LLMSettings) (llm.Generator, error) {
		return llm.NewGeminiGenerator(ctx, s.APIKey, s.Model)
	})
	p.RegisterLLM("anthropic", true, func(_ context.Context, s LLMSettings) (llm.Generator, error) {
		return llm.NewAnthropicGenerator(hostedEndpoint(s.Endpoint), s.APIKey, s.Model, client)
	})
	return p
}

// The shared llm.endpoint setting defaults to the local Ollama address; hosted
// vendors only honour it when it points elsewhere.
func hostedEndpoint(endpoint string) string {
	if endpoint == "" || strings.Contains(endpoint, ":11434") {
		return ""
	}
	return endpoint
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
