package cache

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
)

// Embedder turns an instruction into a vector for similarity comparison.
// The cache's eviction and TTL logic is independent of the embedding
// algorithm behind this interface.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

const trigramDimensions = 128

// TrigramEmbedder hashes character trigrams into a fixed-size normalized
// vector. It is deterministic and needs no network, which makes it the
// default when no embedding provider is configured.
type TrigramEmbedder struct{}

func (TrigramEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	text = strings.ToLower(strings.TrimSpace(text))

	vec := make([]float64, trigramDimensions)
	runes := []rune(text)
	for i := 0; i+3 <= len(runes); i++ {
		h := fnv.New32a()
		h.Write([]byte(string(runes[i : i+3])))
		vec[h.Sum32()%trigramDimensions]++
	}

	var magnitude float64
	for _, v := range vec {
		magnitude += v * v
	}
	magnitude = math.Sqrt(magnitude)
	if magnitude > 0 {
		for i := range vec {
			vec[i] /= magnitude
		}
	}
	return vec, nil
}

// ProviderEmbedder adapts a langchaingo embeddings.Embedder so a real
// embedding model can replace the trigram fallback without touching the
// cache.
type ProviderEmbedder struct {
	Client embeddings.Embedder
}

func (p ProviderEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	raw, err := p.Client.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	vec := make([]float64, len(raw))
	for i, v := range raw {
		vec[i] = float64(v)
	}
	return vec, nil
}

// CosineSimilarity returns the cosine similarity of two vectors, clamped to
// [0, 1]. Mismatched or empty vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	return math.Max(0, math.Min(1, sim))
}
