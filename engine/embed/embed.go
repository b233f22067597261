// Package embed turns clinical note text into fixed-dimension embedding
// vectors via an Ollama-compatible HTTP API.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/domain"
)

// Embedder produces embedding vectors for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Client implements Embedder against an Ollama-compatible HTTP endpoint.
// Requests are rate limited so a bulk ingest cannot starve the model server.
type Client struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient creates an embedding client. rps bounds request rate; zero or
// negative means unlimited.
func NewClient(baseURL, model string, dim int, rps float64) *Client {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if dim <= 0 {
		dim = domain.VectorDim
	}
	return &Client{
		baseURL: baseURL,
		model:   model,
		dim:     dim,
		client:  &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(limit, 1),
	}
}

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &domain.EmbeddingError{Err: err}
	}

	body, _ := json.Marshal(embedReq{Model: c.model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, &domain.EmbeddingError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &domain.EmbeddingError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.EmbeddingError{Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var result embedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &domain.EmbeddingError{Err: fmt.Errorf("decode: %w", err)}
	}
	if len(result.Embedding) != c.dim {
		return nil, &domain.EmbeddingError{
			Err: fmt.Errorf("model returned %d dimensions, want %d", len(result.Embedding), c.dim),
		}
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// EmbedBatch embeds texts sequentially. The rate limiter paces the calls.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d]: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}
