// Package inference holds the embedding and reranking model clients.
package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrBadRerank is returned when a reranker does not score every candidate exactly once.
	ErrBadRerank = errors.New("reranker returned an invalid score set")
	// ErrUnavailable is returned while a model endpoint is considered down.
	ErrUnavailable = errors.New("model endpoint unavailable")
)

// Embedder maps texts to L2-normalized vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Score struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
}

// Reranker scores (query, text) pairs. Higher is more relevant.
type Reranker interface {
	Score(ctx context.Context, query string, texts []string) ([]Score, error)
}

// Normalize scales v to unit length in place. Zero vectors are left untouched.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}

	return v
}

// CheckScores verifies that scores reference each of n candidates exactly once.
func CheckScores(scores []Score, n int) error {
	if len(scores) != n {
		return fmt.Errorf("%w: got %d scores for %d candidates", ErrBadRerank, len(scores), n)
	}

	seen := make([]bool, n)
	for _, s := range scores {
		if s.Index < 0 || s.Index >= n {
			return fmt.Errorf("%w: index %d out of range", ErrBadRerank, s.Index)
		}
		if seen[s.Index] {
			return fmt.Errorf("%w: index %d scored twice", ErrBadRerank, s.Index)
		}
		if math.IsNaN(float64(s.Score)) {
			return fmt.Errorf("%w: index %d has no numeric score", ErrBadRerank, s.Index)
		}
		seen[s.Index] = true
	}

	return nil
}

func checkEmbeddings(vectors [][]float32, n int) error {
	if len(vectors) != n {
		return fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), n)
	}

	return nil
}
