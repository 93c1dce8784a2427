// Package vector provides storage and similarity search over conversation
// embeddings. Backends are mutually exclusive and selected by config: a
// durable SQLite store (default), an in-memory fallback, and REST clients
// for the Qdrant, Pinecone, and Milvus managed services.
package vector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/okatran/mnemo/internal/config"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("not found")

// Document is a stored conversation exchange with its embedding.
type Document struct {
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	Sources   []string  `json:"sources"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Match is a Document with a similarity score attached.
type Match struct {
	Document
	Score float32 `json:"score"`
}

// Store is the interface all similarity-search backends implement.
// Search returns the top-K most similar documents with score >= minScore,
// ordered by score descending.
type Store interface {
	Upsert(ctx context.Context, docs []Document) error
	Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]Match, error)
	Get(ctx context.Context, id string) (Document, error)
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
	Count(ctx context.Context) (int, error)

	// Ping reports backend reachability for the status endpoint.
	Ping(ctx context.Context) error
}

// New builds the Store named by cfg.Provider. Remote backends get their
// collection ensured up front; db is only used by the sqlite provider.
func New(ctx context.Context, cfg config.VectorConfig, db *sql.DB) (Store, error) {
	switch cfg.Provider {
	case "sqlite":
		if db == nil {
			return nil, errors.New("sqlite vector provider requires an open database")
		}
		return NewSQLiteStore(db), nil
	case "memory":
		return NewMemoryStore(), nil
	case "qdrant":
		s := NewQdrantStore(cfg)
		if err := s.EnsureCollection(ctx); err != nil {
			return nil, fmt.Errorf("ensuring qdrant collection: %w", err)
		}
		return s, nil
	case "pinecone":
		return NewPineconeStore(cfg), nil
	case "milvus":
		s := NewMilvusStore(cfg)
		if err := s.EnsureCollection(ctx); err != nil {
			return nil, fmt.Errorf("ensuring milvus collection: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown vector provider %q", cfg.Provider)
	}
}
