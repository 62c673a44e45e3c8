package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

type TEIConfig struct {
	Name string
	URL  string
	// Timeout bounds a single HTTP call.
	Timeout time.Duration
	// RatePerSecond <= 0 disables client side rate limiting.
	RatePerSecond float64
	Burst         int
	BatchSize     int
}

// TEIClient talks to a text-embeddings-inference server. A server hosts either an
// embedding model (/embed) or a reranker model (/rerank).
type TEIClient struct {
	log       *slog.Logger
	url       string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker
	limiter   *rate.Limiter
	batchSize int
}

func NewTEIClient(log *slog.Logger, cfg TEIConfig) *TEIClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(cfg.Burst, 1))
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("model endpoint breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &TEIClient{
		log:       log,
		url:       strings.TrimRight(cfg.URL, "/"),
		http:      &http.Client{Timeout: cfg.Timeout},
		breaker:   breaker,
		limiter:   limiter,
		batchSize: cfg.BatchSize,
	}
}

type embedRequest struct {
	Inputs    []string `json:"inputs"`
	Normalize bool     `json:"normalize"`
	Truncate  bool     `json:"truncate"`
}

type rerankRequest struct {
	Query    string   `json:"query"`
	Texts    []string `json:"texts"`
	Truncate bool     `json:"truncate"`
}

func (c *TEIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		batch := texts[start:min(start+c.batchSize, len(texts))]

		var vectors [][]float32
		err := c.call(ctx, "/embed", embedRequest{Inputs: batch, Normalize: true, Truncate: true}, &vectors)
		if err != nil {
			return nil, fmt.Errorf("failed to embed texts: %w", err)
		}
		if err := checkEmbeddings(vectors, len(batch)); err != nil {
			return nil, err
		}

		for _, v := range vectors {
			out = append(out, Normalize(v))
		}
	}

	return out, nil
}

func (c *TEIClient) Score(ctx context.Context, query string, texts []string) ([]Score, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var scores []Score
	err := c.call(ctx, "/rerank", rerankRequest{Query: query, Texts: texts, Truncate: true}, &scores)
	if err != nil {
		return nil, fmt.Errorf("failed to rerank: %w", err)
	}
	if err := CheckScores(scores, len(texts)); err != nil {
		return nil, err
	}

	return scores, nil
}

// Ping checks that the server answers its health endpoint.
func (c *TEIClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("model endpoint health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model endpoint health check returned %s", resp.Status)
	}

	return nil
}

func (c *TEIClient) call(ctx context.Context, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, path, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrUnavailable, c.url)
	}

	return err
}

func (c *TEIClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}

	return nil
}
