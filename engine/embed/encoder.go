// Package embed is the embedding service: a batching front over a compute
// backend, with a two-level (in-process LRU + shared NATS KV) cache.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lexigraph/lexigraph/engine/domain"
)

// Encoder turns texts into fixed-dimension vectors. Implementations must
// be safe to share across pipeline workers and are never mutated after
// construction.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	Dims() int
}

// OllamaEncoder calls Ollama's batch embedding endpoint.
type OllamaEncoder struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
}

// NewOllamaEncoder creates an encoder for the given Ollama model.
func NewOllamaEncoder(baseURL, model string, dims int) *OllamaEncoder {
	if dims <= 0 {
		dims = domain.EmbeddingDims
	}
	return &OllamaEncoder{
		baseURL: baseURL,
		model:   model,
		dims:    dims,
		client:  &http.Client{},
	}
}

func (e *OllamaEncoder) Dims() int { return e.dims }

type ollamaEmbedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResp struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Encode embeds all texts in one backend call.
func (e *OllamaEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, _ := json.Marshal(ollamaEmbedReq{Model: e.model, Input: texts})
	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, domain.Ef(domain.KindTransient, "embed", "ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, domain.Ef(domain.KindTransient, "embed", "ollama: status %d", resp.StatusCode)
	}
	if resp.StatusCode != 200 {
		return nil, domain.Ef(domain.KindFatal, "embed", "ollama: status %d", resp.StatusCode)
	}

	var result ollamaEmbedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, domain.Ef(domain.KindTransient, "embed", "ollama decode: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, domain.Ef(domain.KindFatal, "embed", "ollama: %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, vec := range result.Embeddings {
		if len(vec) != e.dims {
			return nil, domain.Ef(domain.KindFatal, "embed", "ollama: dimension %d, want %d", len(vec), e.dims)
		}
		v := make([]float32, len(vec))
		for j, f := range vec {
			v[j] = float32(f)
		}
		out[i] = v
	}
	return out, nil
}

var _ Encoder = (*OllamaEncoder)(nil)

// String implements fmt.Stringer for log lines.
func (e *OllamaEncoder) String() string {
	return fmt.Sprintf("ollama(%s, %dd)", e.model, e.dims)
}
