package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"
)

type ChromaStoreConfig struct {
	BaseURL    string
	Collection string
	// EmbeddingFunc is attached to the collection only. Rows always carry their own vectors.
	EmbeddingFunc embeddings.EmbeddingFunction
	RequestSize   int
	Schema        Schema
	HNSWM         int
	HNSWBuildEf   int
	HNSWSearchEf  int
	Reset         bool
}

type ChromaStore struct {
	client      chroma.Client
	cfg         ChromaStoreConfig
	requestSize int

	mu  sync.Mutex
	col chroma.Collection
}

func NewChromaStore(ctx context.Context, cfg ChromaStoreConfig) (*ChromaStore, error) {
	if cfg.Collection == "" {
		return nil, errors.New("chroma collection name is required")
	}
	if cfg.EmbeddingFunc == nil {
		cfg.EmbeddingFunc = embeddings.NewConsistentHashEmbeddingFunction()
	}

	client, err := chroma.NewHTTPClient(chroma.WithBaseURL(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create chroma client: %w", err)
	}

	s := &ChromaStore{
		client:      client,
		cfg:         cfg,
		requestSize: cfg.RequestSize,
	}

	if cfg.Reset {
		if err := s.Reset(ctx); err != nil {
			client.Close()
			return nil, err
		}
		return s, nil
	}

	if err := s.EnsureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}

	return s, nil
}

func (s *ChromaStore) EnsureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ensureCollection(ctx)
}

func (s *ChromaStore) ensureCollection(ctx context.Context) error {
	if s.col != nil {
		return nil
	}

	col, err := s.client.GetOrCreateCollection(ctx, s.cfg.Collection, collectionOptions(s.cfg)...)
	if err != nil {
		return fmt.Errorf("failed to get or create collection %s: %w", s.cfg.Collection, err)
	}

	s.col = col
	return nil
}

func (s *ChromaStore) collection(ctx context.Context) (chroma.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}

	return s.col, nil
}

func collectionOptions(cfg ChromaStoreConfig) []chroma.CreateCollectionOption {
	opts := []chroma.CreateCollectionOption{
		chroma.WithEmbeddingFunctionCreate(cfg.EmbeddingFunc),
		chroma.WithHNSWSpaceCreate(embeddings.IP),
	}
	if cfg.HNSWM > 0 {
		opts = append(opts, chroma.WithHNSWMCreate(cfg.HNSWM))
	}
	if cfg.HNSWBuildEf > 0 {
		opts = append(opts, chroma.WithHNSWConstructionEfCreate(cfg.HNSWBuildEf))
	}
	if cfg.HNSWSearchEf > 0 {
		opts = append(opts, chroma.WithHNSWSearchEfCreate(cfg.HNSWSearchEf))
	}

	return opts
}

func (s *ChromaStore) Ping(ctx context.Context) error {
	if err := s.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("chroma heartbeat failed: %w", err)
	}

	return nil
}

func (s *ChromaStore) Close() error {
	return s.client.Close()
}

func (s *ChromaStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.client.DeleteCollection(ctx, s.cfg.Collection)
	if err != nil {
		// the collection may simply not exist yet
		if _, getErr := s.client.GetCollection(ctx, s.cfg.Collection); getErr == nil {
			return fmt.Errorf("failed to delete collection %s: %w", s.cfg.Collection, err)
		}
	}

	s.col = nil
	return s.ensureCollection(ctx)
}

func (s *ChromaStore) DeleteBySource(ctx context.Context, sourceID, collection string) error {
	col, err := s.collection(ctx)
	if err != nil {
		return err
	}

	err = col.Delete(ctx, chroma.WithWhereDelete(chroma.And(
		chroma.EqString(SourceID, sourceID),
		chroma.EqString(Collection, collection),
	)))
	if err != nil {
		return fmt.Errorf("failed to delete source %s: %w", sourceID, err)
	}

	return nil
}

func (s *ChromaStore) Upsert(ctx context.Context, rows []Row) error {
	for i, r := range rows {
		if err := s.cfg.Schema.Validate(r); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}

	col, err := s.collection(ctx)
	if err != nil {
		return err
	}

	for _, batch := range splitBatches(rows, s.requestSize) {
		texts := make([]string, len(batch))
		vectors := make([]embeddings.Embedding, len(batch))
		metas := make([]chroma.DocumentMetadata, len(batch))
		for i, r := range batch {
			texts[i] = r.Text
			vectors[i] = embeddings.NewEmbeddingFromFloat32(r.Vector)
			metas[i] = rowMetadata(r)
		}

		err := col.Add(ctx,
			chroma.WithTexts(texts...),
			chroma.WithEmbeddings(vectors...),
			chroma.WithIDGenerator(chroma.NewULIDGenerator()),
			chroma.WithMetadatas(metas...),
		)
		if err != nil {
			return fmt.Errorf("failed to add %d rows: %w", len(batch), err)
		}
	}

	return nil
}

func (s *ChromaStore) Search(ctx context.Context, vector []float32, topK int, collection string, filter *Filter) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}
	if s.cfg.Schema.Dimension > 0 && len(vector) != s.cfg.Schema.Dimension {
		return nil, fmt.Errorf("query vector has %d dimensions, expected %d", len(vector), s.cfg.Schema.Dimension)
	}

	opts := []chroma.CollectionQueryOption{
		chroma.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(vector)),
		chroma.WithNResults(topK),
	}
	if where := whereClause(collection, filter); where != nil {
		opts = append(opts, chroma.WithWhereQuery(where))
	}

	col, err := s.collection(ctx)
	if err != nil {
		return nil, err
	}

	r, err := col.Query(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}

	return queryHits(r), nil
}

// queryHits reads the first result group. Missing metadata or distances for a
// document leave the row fields or the similarity at their zero value.
func queryHits(r chroma.QueryResult) []Hit {
	docGroups := r.GetDocumentsGroups()
	if len(docGroups) == 0 {
		return nil
	}

	var (
		docs      = docGroups[0]
		metadatas chroma.DocumentMetadatas
		distances embeddings.Distances
	)
	if groups := r.GetMetadatasGroups(); len(groups) > 0 {
		metadatas = groups[0]
	}
	if groups := r.GetDistancesGroups(); len(groups) > 0 {
		distances = groups[0]
	}

	hits := make([]Hit, 0, len(docs))
	for i, doc := range docs {
		var row Row
		if i < len(metadatas) {
			row = metadataRow(metadatas[i])
		}
		if doc != nil {
			row.Text = doc.ContentString()
		}

		var sim float32
		if i < len(distances) {
			sim = similarityFromDistance(float32(distances[i]))
		}
		hits = append(hits, Hit{Row: row, Similarity: sim})
	}

	return hits
}

// chroma reports inner product space as 1 - dot(a, b)
func similarityFromDistance(d float32) float32 {
	return 1 - d
}

func whereClause(collection string, filter *Filter) chroma.WhereClause {
	var clauses []chroma.WhereClause
	if collection != "" {
		clauses = append(clauses, chroma.EqString(Collection, collection))
	}
	if filter != nil {
		for _, c := range filter.Conditions {
			clauses = append(clauses, conditionClause(c))
		}
	}

	switch len(clauses) {
	case 0:
		return nil
	case 1:
		return clauses[0]
	default:
		return chroma.And(clauses...)
	}
}

func conditionClause(c Condition) chroma.WhereClause {
	if !c.IsInt {
		if c.Op == OpNe {
			return chroma.NotEqString(c.Field, c.Str)
		}
		return chroma.EqString(c.Field, c.Str)
	}

	v := int(c.Int)
	switch c.Op {
	case OpNe:
		return chroma.NotEqInt(c.Field, v)
	case OpGt:
		return chroma.GtInt(c.Field, v)
	case OpGte:
		return chroma.GteInt(c.Field, v)
	case OpLt:
		return chroma.LtInt(c.Field, v)
	case OpLte:
		return chroma.LteInt(c.Field, v)
	default:
		return chroma.EqInt(c.Field, v)
	}
}

func rowMetadata(r Row) chroma.DocumentMetadata {
	return chroma.NewDocumentMetadata(
		chroma.NewStringAttribute(SourceID, r.SourceID),
		chroma.NewStringAttribute(SourcePath, r.SourcePath),
		chroma.NewStringAttribute(DocTitle, r.DocTitle),
		chroma.NewStringAttribute(MimeType, r.MimeType),
		chroma.NewIntAttribute(ChunkIndex, int64(r.ChunkIndex)),
		chroma.NewIntAttribute(CreatedAt, r.CreatedAt),
		chroma.NewStringAttribute(Hash, r.Hash),
		chroma.NewStringAttribute(Collection, r.Collection),
	)
}

func metadataRow(meta chroma.DocumentMetadata) Row {
	var r Row
	if meta == nil {
		return r
	}

	r.SourceID, _ = meta.GetString(SourceID)
	r.SourcePath, _ = meta.GetString(SourcePath)
	r.DocTitle, _ = meta.GetString(DocTitle)
	r.MimeType, _ = meta.GetString(MimeType)
	r.Hash, _ = meta.GetString(Hash)
	r.Collection, _ = meta.GetString(Collection)
	if idx, ok := meta.GetInt(ChunkIndex); ok {
		r.ChunkIndex = int(idx)
	}
	if ts, ok := meta.GetInt(CreatedAt); ok {
		r.CreatedAt = int64(ts)
	}

	return r
}

// splitBatches groups rows so that the text of each batch stays within size characters.
// A single row larger than size forms its own batch. size <= 0 disables splitting.
func splitBatches(rows []Row, size int) [][]Row {
	if len(rows) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]Row{rows}
	}

	var (
		batches [][]Row
		start   int
		total   int
	)
	for i, r := range rows {
		n := len(r.Text)
		if i > start && total+n > size {
			batches = append(batches, rows[start:i])
			start = i
			total = 0
		}
		total += n
	}
	batches = append(batches, rows[start:])

	return batches
}
