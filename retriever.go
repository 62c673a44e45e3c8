package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gamma-omg/pivot-rag/docstore"
	"github.com/gamma-omg/pivot-rag/inference"
)

const DefaultTopK = 25

type SearchRequest struct {
	Query string
	TopK  int
	// Collection scopes the search to one logical collection. Empty searches all of them.
	Collection string
	Filter     *docstore.Filter
}

type ResultMetadata struct {
	SourceID   string `json:"source_id"`
	SourcePath string `json:"source_path"`
	DocTitle   string `json:"doc_title"`
	MimeType   string `json:"mime_type"`
	ChunkIndex int    `json:"chunk_index"`
	CreatedAt  int64  `json:"created_at"`
	Hash       string `json:"hash"`
	Collection string `json:"logical_collection"`
}

type SearchResult struct {
	Text        string         `json:"text"`
	RerankScore float32        `json:"rerank_score"`
	Similarity  float32        `json:"similarity"`
	Metadata    ResultMetadata `json:"metadata"`
}

// Retriever runs vector search followed by reranking.
type Retriever struct {
	log      *slog.Logger
	store    docstore.Store
	embedder inference.Embedder
	reranker inference.Reranker
	metrics  *Metrics
}

func (r *Retriever) Search(ctx context.Context, req SearchRequest) (res []SearchResult, err error) {
	started := time.Now()
	defer func() { r.metrics.RecordSearch(ctx, started, len(res), err) }()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return []SearchResult{}, nil
	}

	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vectors))
	}

	hits, err := r.store.Search(ctx, vectors[0], topK, req.Collection, req.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	if len(hits) == 0 {
		return []SearchResult{}, nil
	}

	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Text
	}

	scores, err := r.reranker.Score(ctx, query, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to rerank candidates: %w", err)
	}
	if err := inference.CheckScores(scores, len(hits)); err != nil {
		return nil, err
	}

	res = make([]SearchResult, len(hits))
	for i, h := range hits {
		res[i] = newSearchResult(h)
	}
	for _, s := range scores {
		res[s.Index].RerankScore = s.Score
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].RerankScore > res[j].RerankScore })

	if len(res) > topK {
		res = res[:topK]
	}

	r.log.Debug("search completed",
		slog.Int("candidates", len(hits)),
		slog.Int("results", len(res)),
		slog.String("logical_collection", req.Collection))
	return res, nil
}

func newSearchResult(h docstore.Hit) SearchResult {
	return SearchResult{
		Text:       h.Text,
		Similarity: h.Similarity,
		Metadata: ResultMetadata{
			SourceID:   h.SourceID,
			SourcePath: h.SourcePath,
			DocTitle:   h.DocTitle,
			MimeType:   h.MimeType,
			ChunkIndex: h.ChunkIndex,
			CreatedAt:  h.CreatedAt,
			Hash:       h.Hash,
			Collection: h.Collection,
		},
	}
}
