package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gamma-omg/pivot-rag/docstore"
	"github.com/gamma-omg/pivot-rag/inference"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type downPinger struct{}

func (downPinger) Ping(ctx context.Context) error { return errors.New("connection refused") }

func newTestHTTPServer(t *testing.T) (*HTTPServer, *docstore.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := docstore.NewMemoryStore(testSchema())
	embedder := &fakeEmbedder{}

	return &HTTPServer{
		log:       testLogger(),
		registry:  newTestRegistry(store, embedder),
		retriever: newTestRetriever(store, embedder, inference.RankReranker{}),
		store:     store,
		info: HealthInfo{
			EmbeddingModel: "embed-model",
			RerankerModel:  "rerank-model",
			Collection:     "pivot_docs_v1",
			StoreBackend:   StoreMemory,
		},
	}, store
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func Test_HTTP_Health(t *testing.T) {
	srv, _ := newTestHTTPServer(t)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/v1/retrieval/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["store"])
	assert.Equal(t, "embed-model", body["embedding_model"])
	assert.Equal(t, "rerank-model", body["reranker_model"])
	assert.Equal(t, "pivot_docs_v1", body["collection"])
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func Test_HTTP_HealthDegraded(t *testing.T) {
	srv, _ := newTestHTTPServer(t)
	srv.store = downPinger{}

	w := doJSON(t, srv.Handler(), http.MethodGet, "/v1/retrieval/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, false, body["store"])
	assert.Equal(t, true, body["embedding_ready"])
}

func Test_HTTP_HealthModels(t *testing.T) {
	srv, _ := newTestHTTPServer(t)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/v1/retrieval/health", nil)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["embedding_ready"])
	assert.Equal(t, true, body["reranker_ready"])

	srv.rerankModel = downPinger{}
	w = doJSON(t, srv.Handler(), http.MethodGet, "/v1/retrieval/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body = decodeBody(t, w)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, true, body["store"])
	assert.Equal(t, true, body["embedding_ready"])
	assert.Equal(t, false, body["reranker_ready"])

	srv.rerankModel = nil
	srv.embedModel = downPinger{}
	body = decodeBody(t, doJSON(t, srv.Handler(), http.MethodGet, "/v1/retrieval/health", nil))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, false, body["embedding_ready"])
}

func Test_HTTP_RequestIDPropagated(t *testing.T) {
	srv, _ := newTestHTTPServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/retrieval/health", nil)
	req.Header.Set(requestIDHeader, "req-42")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get(requestIDHeader))
}

func Test_HTTP_SearchValidation(t *testing.T) {
	srv, _ := newTestHTTPServer(t)
	h := srv.Handler()

	tests := map[string]any{
		"zero top_k":     map[string]any{"query": "q", "top_k": 0},
		"top_k too big":  map[string]any{"query": "q", "top_k": 101},
		"bad expr":       map[string]any{"query": "q", "expr": "source_id > 3"},
		"malformed json": "{not json",
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := doJSON(t, h, http.MethodPost, "/v1/retrieval/search", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, decodeBody(t, w)["error"])
		})
	}
}

func Test_HTTP_SearchEmptyQuery(t *testing.T) {
	srv, _ := newTestHTTPServer(t)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/v1/retrieval/search", map[string]any{"query": "   "})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, decodeBody(t, w)["results"])
}

func Test_HTTP_ScanSearchDelete(t *testing.T) {
	srv, store := newTestHTTPServer(t)
	h := srv.Handler()

	root := t.TempDir()
	path := writeFile(t, root, "notes/a.txt", "a document about pivots")
	writeFile(t, root, "notes/empty.txt", " ")

	w := doJSON(t, h, http.MethodPost, "/v1/ingest/scan", map[string]any{
		"base_dir":           root,
		"logical_collection": "team",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var scan scanResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scan))
	assert.Equal(t, 2, scan.Total)
	assert.Equal(t, 1, scan.Ingested)
	assert.Equal(t, 1, scan.Skipped)
	assert.Empty(t, scan.Errors)

	w = doJSON(t, h, http.MethodPost, "/v1/retrieval/search", map[string]any{
		"query":              "pivots",
		"top_k":              5,
		"logical_collection": "team",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var res struct {
		Results []SearchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Results, 1)
	sourceID := SourceIDFor(root, path)
	assert.Equal(t, sourceID, res.Results[0].Metadata.SourceID)
	assert.Equal(t, "notes/a.txt", res.Results[0].Metadata.SourcePath)

	w = doJSON(t, h, http.MethodDelete, "/v1/sources/"+sourceID+"?logical_collection=team", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sourceID, decodeBody(t, w)["deleted"])
	assert.Empty(t, store.Rows(sourceID, "team"))
}

func Test_HTTP_ScanValidation(t *testing.T) {
	srv, _ := newTestHTTPServer(t)
	h := srv.Handler()

	w := doJSON(t, h, http.MethodPost, "/v1/ingest/scan", map[string]any{"pattern": "**/*"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodPost, "/v1/ingest/scan", map[string]any{"base_dir": "/definitely/not/here"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "base directory")
}

func Test_HTTP_SearchRateLimit(t *testing.T) {
	srv, _ := newTestHTTPServer(t)
	srv.limiter = rate.NewLimiter(0, 1)
	h := srv.Handler()

	w := doJSON(t, h, http.MethodPost, "/v1/retrieval/search", map[string]any{"query": ""})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/v1/retrieval/search", map[string]any{"query": ""})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
