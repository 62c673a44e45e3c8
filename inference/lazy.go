package inference

import (
	"context"
	"sync"
)

// Pinger is implemented by models served behind a health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

func ping(ctx context.Context, model any) error {
	if p, ok := model.(Pinger); ok {
		return p.Ping(ctx)
	}

	return nil
}

// LazyEmbedder builds its underlying embedder on first use. A failed build is
// remembered and returned on every later call.
type LazyEmbedder struct {
	get func() (Embedder, error)
}

func NewLazyEmbedder(build func() (Embedder, error)) *LazyEmbedder {
	return &LazyEmbedder{get: sync.OnceValues(build)}
}

func (l *LazyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e, err := l.get()
	if err != nil {
		return nil, err
	}

	return e.Embed(ctx, texts)
}

// Ping builds the embedder if needed and checks its health endpoint, if it has one.
func (l *LazyEmbedder) Ping(ctx context.Context) error {
	e, err := l.get()
	if err != nil {
		return err
	}

	return ping(ctx, e)
}

type LazyReranker struct {
	get func() (Reranker, error)
}

func NewLazyReranker(build func() (Reranker, error)) *LazyReranker {
	return &LazyReranker{get: sync.OnceValues(build)}
}

func (l *LazyReranker) Score(ctx context.Context, query string, texts []string) ([]Score, error) {
	r, err := l.get()
	if err != nil {
		return nil, err
	}

	return r.Score(ctx, query, texts)
}

func (l *LazyReranker) Ping(ctx context.Context) error {
	r, err := l.get()
	if err != nil {
		return err
	}

	return ping(ctx, r)
}
