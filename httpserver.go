package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gamma-omg/pivot-rag/docstore"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
)

const (
	requestIDHeader = "X-Request-ID"
	maxTopK         = 100
)

type HealthInfo struct {
	EmbeddingModel string
	RerankerModel  string
	Collection     string
	StoreBackend   string
}

type pinger interface {
	Ping(ctx context.Context) error
}

type HTTPServer struct {
	log       *slog.Logger
	registry  *DocRegistry
	retriever *Retriever
	store     pinger

	// a nil model counts as ready
	embedModel  pinger
	rerankModel pinger

	info    HealthInfo
	limiter *rate.Limiter
}

type searchRequest struct {
	Query      string `json:"query"`
	TopK       *int   `json:"top_k"`
	Collection string `json:"logical_collection"`
	Expr       string `json:"expr"`
}

type scanRequest struct {
	BaseDir    string `json:"base_dir" binding:"required"`
	Pattern    string `json:"pattern"`
	Collection string `json:"logical_collection"`
}

type scanResponse struct {
	Total    int             `json:"total"`
	Ingested int             `json:"ingested"`
	Skipped  int             `json:"skipped"`
	Errors   []IngestOutcome `json:"errors"`
}

func summarize(outcomes []IngestOutcome) scanResponse {
	res := scanResponse{Total: len(outcomes), Errors: []IngestOutcome{}}
	for _, o := range outcomes {
		switch {
		case o.Status == StatusIngested:
			res.Ingested++
		case o.Status.Skipped():
			res.Skipped++
		case o.Status == StatusError:
			res.Errors = append(res.Errors, o)
		}
	}

	return res
}

// Handler builds the gin engine with all routes and middleware.
func (s *HTTPServer) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(meterName), s.requestID(), s.accessLog())

	v1 := r.Group("/v1")
	v1.GET("/retrieval/health", s.health)
	v1.POST("/retrieval/search", s.rateLimit(), s.search)
	v1.POST("/ingest/scan", s.scan)
	v1.DELETE("/sources/:source_id", s.deleteSource)

	return r
}

func (s *HTTPServer) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	storeOK := s.store.Ping(ctx) == nil
	embedOK := ready(ctx, s.embedModel)
	rerankOK := ready(ctx, s.rerankModel)

	status := "ok"
	if !storeOK || !embedOK || !rerankOK {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"store":           storeOK,
		"embedding_ready": embedOK,
		"reranker_ready":  rerankOK,
		"store_backend":   s.info.StoreBackend,
		"embedding_model": s.info.EmbeddingModel,
		"reranker_model":  s.info.RerankerModel,
		"collection":      s.info.Collection,
	})
}

func ready(ctx context.Context, p pinger) bool {
	return p == nil || p.Ping(ctx) == nil
}

func (s *HTTPServer) search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	topK := DefaultTopK
	if req.TopK != nil {
		topK = *req.TopK
	}
	if topK < 1 || topK > maxTopK {
		abortWithError(c, http.StatusBadRequest, errors.New("top_k must be between 1 and 100"))
		return
	}

	filter, err := docstore.ParseFilter(req.Expr)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	results, err := s.retriever.Search(c.Request.Context(), SearchRequest{
		Query:      req.Query,
		TopK:       topK,
		Collection: req.Collection,
		Filter:     filter,
	})
	if err != nil {
		s.log.Error("search failed", slog.String("request_id", c.GetString("request_id")), slog.Any("error", err))
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *HTTPServer) scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	outcomes, err := s.registry.IngestDirectory(c.Request.Context(), req.BaseDir, req.Pattern, req.Collection)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	c.JSON(http.StatusOK, summarize(outcomes))
}

func (s *HTTPServer) deleteSource(c *gin.Context) {
	sourceID := strings.TrimSpace(c.Param("source_id"))
	collection := s.registry.collectionOr(c.Query("logical_collection"))

	if err := s.registry.DeleteSource(c.Request.Context(), sourceID, collection); err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": sourceID, "logical_collection": collection})
}

func (s *HTTPServer) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *HTTPServer) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.log.Info("http request",
			slog.String("request_id", c.GetString("request_id")),
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}

func (s *HTTPServer) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter != nil && !s.limiter.Allow() {
			abortWithError(c, http.StatusTooManyRequests, errors.New("too many requests"))
			return
		}
		c.Next()
	}
}

func abortWithError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
