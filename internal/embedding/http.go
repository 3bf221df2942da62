package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the OpenAI-compatible endpoint of a local Ollama server.
const DefaultBaseURL = "http://localhost:11434/v1"

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// HTTPProvider computes embeddings through an OpenAI-compatible
// /embeddings endpoint (OpenAI, Ollama, vLLM).
type HTTPProvider struct {
	baseURL string
	apiKey  string
	model   string
	dim     int
	http    *http.Client
}

// NewHTTPProvider creates an HTTP embedder. Dimension is required because
// vectors of a different length are rejected.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("http embedder: dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		dim:     cfg.Dimension,
		http:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := p.embed(ctx, text)
	if err != nil {
		return nil, wrapErr(p.model, err)
	}
	return vec, nil
}

func (p *HTTPProvider) embed(ctx context.Context, text string) ([]float32, error) {
	data, err := json.Marshal(map[string]any{
		"model": p.model,
		"input": []string{text},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings endpoint: %s: %s", resp.Status, body)
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	if len(result.Data) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(result.Data))
	}
	vec := result.Data[0].Embedding
	if len(vec) != p.dim {
		return nil, fmt.Errorf("embedding dimension %d, want %d", len(vec), p.dim)
	}
	return vec, nil
}

func (p *HTTPProvider) Dimension() int { return p.dim }

func (p *HTTPProvider) Model() string { return p.model }
