package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeindex/codeindex/internal/store"
)

// Defaults for LLMContextGenerator when ContextGeneratorConfig leaves a
// field zero.
const (
	DefaultContextModel   = "qwen3:0.6b"
	DefaultContextTimeout = 5 * time.Second
	DefaultContextHost    = "http://localhost:11434"
)

// LLMContextGenerator asks a local Ollama model for a short context
// sentence per symbol.
type LLMContextGenerator struct {
	client *http.Client
	config ContextGeneratorConfig
}

type llmGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type llmGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

const contextPromptTemplate = `You are labeling a code symbol for a search index.
File: %s
Document outline:
%s

Symbol body:
%s

Write a 1-2 sentence description (under 100 tokens) of what this symbol is and where it fits in the file above. Output ONLY the context, no preamble.`

// NewLLMContextGenerator builds a generator against the given Ollama host.
// An empty host, model, or an unparsable timeout fall back to the package
// defaults rather than failing construction.
func NewLLMContextGenerator(config ContextGeneratorConfig) (*LLMContextGenerator, error) {
	if config.OllamaHost == "" {
		config.OllamaHost = DefaultContextHost
	}
	if config.Model == "" {
		config.Model = DefaultContextModel
	}

	timeout := DefaultContextTimeout
	if config.Timeout != "" {
		if d, err := time.ParseDuration(config.Timeout); err == nil {
			timeout = d
		}
	}

	return &LLMContextGenerator{
		client: &http.Client{Timeout: timeout},
		config: config,
	}, nil
}

// GenerateContext asks the model for a context sentence for sym's body.
func (l *LLMContextGenerator) GenerateContext(ctx context.Context, sym *store.CodeSymbol, docContext string) (string, error) {
	prompt := fmt.Sprintf(contextPromptTemplate, sym.FilePath, docContext, truncateContent(sym.BodyText, 1500))

	resp, err := l.generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "Context:")
	return strings.TrimSpace(resp), nil
}

// GenerateBatch generates context for each symbol, tolerating per-symbol
// failures: a failed symbol gets an empty string rather than aborting the
// rest of the batch.
func (l *LLMContextGenerator) GenerateBatch(ctx context.Context, symbols []*store.CodeSymbol, docContext string) ([]string, error) {
	out := make([]string, len(symbols))
	for i, sym := range symbols {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		text, err := l.GenerateContext(ctx, sym, docContext)
		if err != nil {
			slog.Debug("LLM context generation failed, using empty", slog.String("symbol_id", sym.ID), slog.String("error", err.Error()))
			continue
		}
		out[i] = text
	}
	return out, nil
}

func (l *LLMContextGenerator) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(llmGenerateRequest{Model: l.config.Model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.config.OllamaHost+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var out llmGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.Response, nil
}

// Available reports whether the Ollama host answers /api/tags within 2s.
func (l *LLMContextGenerator) Available(ctx context.Context) bool {
	tctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(tctx, http.MethodGet, l.config.OllamaHost+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ModelName returns the configured Ollama model name.
func (l *LLMContextGenerator) ModelName() string { return l.config.Model }

// Close is a no-op; the underlying http.Client needs no teardown.
func (l *LLMContextGenerator) Close() error { return nil }

func truncateContent(content string, maxLen int) string {
	if len(content) <= maxLen {
		return content
	}
	return content[:maxLen] + "\n... [truncated]"
}
