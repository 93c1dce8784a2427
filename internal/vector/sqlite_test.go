package vector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// openTestDB creates an in-memory SQLite database with the
// conversation_vectors table.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	_, err = db.Exec(`
		CREATE TABLE conversation_vectors (
			id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			response TEXT NOT NULL,
			sources TEXT NOT NULL DEFAULT '[]',
			embedding BLOB NOT NULL,
			created_at TEXT NOT NULL
		)`)
	if err != nil {
		t.Fatalf("creating table: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func makeTestVector(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = seed + float32(i)*0.001
	}
	return v
}

func testDoc(id string, vec []float32) Document {
	return Document{
		ID:        id,
		Query:     "what is " + id,
		Response:  "answer for " + id,
		Sources:   []string{"s1"},
		Embedding: vec,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestSQLiteUpsertAndSearch(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	vec := makeTestVector(64, 0.1)
	if err := s.Upsert(ctx, []Document{testDoc("d1", vec)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := s.Search(ctx, vec, 1, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	if matches[0].ID != "d1" {
		t.Errorf("ID = %q, want %q", matches[0].ID, "d1")
	}
	if matches[0].Score < 0.99 {
		t.Errorf("score = %f, want > 0.99", matches[0].Score)
	}
	if matches[0].Query != "what is d1" {
		t.Errorf("Query = %q, want %q", matches[0].Query, "what is d1")
	}
	if len(matches[0].Sources) != 1 || matches[0].Sources[0] != "s1" {
		t.Errorf("Sources = %v, want [s1]", matches[0].Sources)
	}
}

func TestSQLiteSearch_TopK(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	docs := make([]Document, 10)
	for i := range docs {
		docs[i] = testDoc(fmt.Sprintf("d%d", i), makeTestVector(64, float32(i)*0.3))
	}
	if err := s.Upsert(ctx, docs); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := s.Search(ctx, makeTestVector(64, 0.0), 3, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("got %d matches, want 3", len(matches))
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Score > matches[i-1].Score {
			t.Errorf("matches not sorted by score: %f before %f", matches[i-1].Score, matches[i].Score)
		}
	}
}

func TestSQLiteSearch_MinScore(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	similar := makeTestVector(4, 1.0)
	// Orthogonal to the query vector, cosine score 0.
	orthogonal := []float32{0, 0, 0, 1}
	query := []float32{1, 1, 1, 0}

	err := s.Upsert(ctx, []Document{
		testDoc("close", similar),
		testDoc("far", orthogonal),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := s.Search(ctx, query, 10, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	if matches[0].ID != "close" {
		t.Errorf("ID = %q, want %q", matches[0].ID, "close")
	}
}

func TestSQLiteSearch_Empty(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))

	matches, err := s.Search(context.Background(), makeTestVector(64, 0.1), 5, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("got %d matches, want 0", len(matches))
	}
}

func TestSQLiteUpsert_Replaces(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	vec := makeTestVector(16, 0.2)
	if err := s.Upsert(ctx, []Document{testDoc("d1", vec)}); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}

	updated := testDoc("d1", vec)
	updated.Response = "revised answer"
	if err := s.Upsert(ctx, []Document{updated}); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
	doc, err := s.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.Response != "revised answer" {
		t.Errorf("Response = %q, want %q", doc.Response, "revised answer")
	}
}

func TestSQLiteGet_NotFound(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))

	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteDelete(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	if err := s.Upsert(ctx, []Document{testDoc("d1", makeTestVector(8, 0.1))}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Delete(ctx, "d1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "d1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteDeleteAll(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	docs := []Document{
		testDoc("d1", makeTestVector(8, 0.1)),
		testDoc("d2", makeTestVector(8, 0.2)),
	}
	if err := s.Upsert(ctx, docs); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestVectorCodecRoundTrip(t *testing.T) {
	v := makeTestVector(1536, 0.7)
	decoded, err := decodeFloat32s(encodeFloat32s(v))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != len(v) {
		t.Fatalf("len = %d, want %d", len(decoded), len(v))
	}
	for i := range v {
		if decoded[i] != v[i] {
			t.Fatalf("decoded[%d] = %f, want %f", i, decoded[i], v[i])
		}
	}
}

func TestDecodeFloat32s_BadLength(t *testing.T) {
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
