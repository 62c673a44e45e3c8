package docstore

import "context"

const (
	SourceID   = "source_id"
	SourcePath = "source_path"
	DocTitle   = "doc_title"
	MimeType   = "mime_type"
	ChunkIndex = "chunk_index"
	CreatedAt  = "created_at"
	Hash       = "hash"
	Collection = "logical_collection"
)

// Row is one persisted chunk. ID is assigned by the store on insert.
type Row struct {
	ID         string
	Vector     []float32
	SourceID   string
	SourcePath string
	DocTitle   string
	MimeType   string
	ChunkIndex int
	CreatedAt  int64
	Hash       string
	Collection string
	Text       string
}

type Hit struct {
	Row
	Similarity float32
}

// Store owns the physical chunk collection.
type Store interface {
	EnsureCollection(ctx context.Context) error
	DeleteBySource(ctx context.Context, sourceID, collection string) error
	Upsert(ctx context.Context, rows []Row) error
	Search(ctx context.Context, vector []float32, topK int, collection string, filter *Filter) ([]Hit, error)
	Ping(ctx context.Context) error
	Close() error
}

// Replacer is implemented by stores that can swap a source's rows in one transaction.
type Replacer interface {
	Replace(ctx context.Context, sourceID, collection string, rows []Row) error
}

// Resetter drops the physical collection.
type Resetter interface {
	Reset(ctx context.Context) error
}

func stringField(r Row, field string) (string, bool) {
	switch field {
	case SourceID:
		return r.SourceID, true
	case SourcePath:
		return r.SourcePath, true
	case DocTitle:
		return r.DocTitle, true
	case MimeType:
		return r.MimeType, true
	case Hash:
		return r.Hash, true
	case Collection:
		return r.Collection, true
	}

	return "", false
}

func intField(r Row, field string) (int64, bool) {
	switch field {
	case ChunkIndex:
		return int64(r.ChunkIndex), true
	case CreatedAt:
		return r.CreatedAt, true
	}

	return 0, false
}
