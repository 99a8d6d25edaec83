// Package embedder produces fixed-dimension vectors from text via an
// OpenAI-compatible embeddings endpoint.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/fabfab/kbrag/internal/apperr"
)

// Embedder generates vector representations for text. Implementations must
// be safe for concurrent use; a caller may invoke Embed from any worker.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

type openAIEmbedder struct {
	baseURL   string
	apiKey    string
	model     string
	dimension int
	batchSize int
	client    *http.Client

	// Concurrent callers are serialized inside the embedder per spec §4.1.
	mu sync.Mutex
}

// Config bundles the settings needed to construct an OpenAI-compatible
// embedder.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	BatchSize int
	Timeout   time.Duration
}

// New constructs an Embedder backed by an OpenAI-compatible
// POST {base_url}/embeddings endpoint.
func New(cfg Config) Embedder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	return &openAIEmbedder{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		batchSize: batchSize,
		client:    &http.Client{Timeout: timeout},
	}
}

func (e *openAIEmbedder) Dimension() int { return e.dimension }

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Embed returns one L2-normalized vector per input text, in the same order
// as texts. Batches of batchSize are submitted sequentially; the embedder
// serializes concurrent callers with an internal mutex.
func (e *openAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, batch...)
	}

	return results, nil
}

func (e *openAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody, err := json.Marshal(embeddingsRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindModel, err, "marshal embeddings request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindModel, err, "create embeddings request")
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindModel, err, "call embeddings endpoint")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return nil, apperr.New(apperr.KindModel, fmt.Sprintf("embeddings endpoint returned %s: %s", resp.Status, string(data)))
	}

	var payload embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, apperr.Wrap(apperr.KindModel, err, "decode embeddings response")
	}
	if payload.Error != nil {
		return nil, apperr.New(apperr.KindModel, payload.Error.Message)
	}

	vecs := make([][]float32, len(texts))
	for _, d := range payload.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			continue
		}
		if e.dimension > 0 && len(d.Embedding) != e.dimension {
			return nil, apperr.New(apperr.KindModel, fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.dimension, len(d.Embedding)))
		}
		vecs[d.Index] = normalize(d.Embedding)
	}
	for i, v := range vecs {
		if v == nil {
			return nil, apperr.New(apperr.KindModel, fmt.Sprintf("embeddings endpoint omitted index %d", i))
		}
	}

	return vecs, nil
}

// normalize returns the L2-normalized copy of v, tolerating backends that
// already return normalized vectors (norm ~= 1).
func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
