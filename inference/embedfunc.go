package inference

import (
	"context"
	"fmt"

	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	gemini "github.com/amikos-tech/chroma-go/pkg/embeddings/gemini"
	openai "github.com/amikos-tech/chroma-go/pkg/embeddings/openai"
)

const (
	ProviderTEI    = "tei"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderHash   = "hash"
	ProviderNone   = "none"
)

// NewEmbeddingFunction builds one of the hosted or local embedding functions shipped with chroma-go.
func NewEmbeddingFunction(provider, model, apiKey string) (embeddings.EmbeddingFunction, error) {
	switch provider {
	case ProviderOpenAI:
		ef, err := openai.NewOpenAIEmbeddingFunction(apiKey, openai.WithModel(openai.EmbeddingModel(model)))
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI embedding function: %w", err)
		}
		return ef, nil

	case ProviderGemini:
		ef, err := gemini.NewGeminiEmbeddingFunction(
			gemini.WithAPIKey(apiKey),
			gemini.WithDefaultModel(embeddings.EmbeddingModel(model)))
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini embedding function: %w", err)
		}
		return ef, nil

	case ProviderHash:
		return embeddings.NewConsistentHashEmbeddingFunction(), nil
	}

	return nil, fmt.Errorf("unsupported embedding function provider %q", provider)
}

// FuncEmbedder adapts a chroma-go embedding function to Embedder.
type FuncEmbedder struct {
	ef        embeddings.EmbeddingFunction
	batchSize int
}

func NewFuncEmbedder(ef embeddings.EmbeddingFunction, batchSize int) *FuncEmbedder {
	if batchSize <= 0 {
		batchSize = 32
	}

	return &FuncEmbedder{ef: ef, batchSize: batchSize}
}

func (e *FuncEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		batch := texts[start:min(start+e.batchSize, len(texts))]

		embs, err := e.ef.EmbedDocuments(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to embed texts: %w", err)
		}
		if len(embs) != len(batch) {
			return nil, fmt.Errorf("embedding function returned %d vectors for %d texts", len(embs), len(batch))
		}

		for _, emb := range embs {
			v := append([]float32(nil), emb.ContentAsFloat32()...)
			out = append(out, Normalize(v))
		}
	}

	return out, nil
}
