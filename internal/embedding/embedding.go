package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Provider turns text into vectors for the capability index.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config selects and parameterizes a provider.
type Config struct {
	Provider  string `json:"provider"` // "openai" or "ollama"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// FromConfig builds the configured provider, defaulting to openai.
func FromConfig(cfg Config) Provider {
	if cfg.Provider == "ollama" {
		return NewOllama(cfg)
	}
	return NewOpenAI(cfg)
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// dimCache remembers the vector length of the first successful response
// so Dimension works before config declares it.
type dimCache struct {
	once sync.Once
	dim  int
}

func (d *dimCache) observe(vecs [][]float32) {
	if len(vecs) > 0 && len(vecs[0]) > 0 {
		d.once.Do(func() { d.dim = len(vecs[0]) })
	}
}

// OpenAI calls an OpenAI-compatible /embeddings endpoint, batching all
// texts into a single request.
type OpenAI struct {
	endpoint string
	model    string
	apiKey   string
	fallback int
	cache    dimCache
}

func NewOpenAI(cfg Config) *OpenAI {
	return &OpenAI{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		fallback: cfg.Dimension,
	}
}

func (p *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	reqBody := struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: p.model, Input: texts}

	var respBody struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}
	if err := postJSON(ctx, p.endpoint+"/embeddings", headers, reqBody, &respBody); err != nil {
		return nil, err
	}

	vecs := make([][]float32, len(respBody.Data))
	for i, d := range respBody.Data {
		vecs[i] = d.Embedding
	}
	p.cache.observe(vecs)
	return vecs, nil
}

func (p *OpenAI) Dimension() int {
	if p.cache.dim > 0 {
		return p.cache.dim
	}
	return p.fallback
}

// Ollama calls a local Ollama /api/embeddings endpoint, one request per
// text.
type Ollama struct {
	endpoint string
	model    string
	fallback int
	cache    dimCache
}

func NewOllama(cfg Config) *Ollama {
	return &Ollama{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		fallback: cfg.Dimension,
	}
}

func (p *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs := make([][]float32, 0, len(texts))
	for _, text := range texts {
		reqBody := struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}{Model: p.model, Prompt: text}

		var respBody struct {
			Embedding []float32 `json:"embedding"`
		}
		if err := postJSON(ctx, p.endpoint+"/api/embeddings", nil, reqBody, &respBody); err != nil {
			return nil, err
		}
		vecs = append(vecs, respBody.Embedding)
	}
	p.cache.observe(vecs)
	return vecs, nil
}

func (p *Ollama) Dimension() int {
	if p.cache.dim > 0 {
		return p.cache.dim
	}
	return p.fallback
}

func postJSON(ctx context.Context, url string, headers map[string]string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("embedding: endpoint returned %d: %s", resp.StatusCode, raw)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}
