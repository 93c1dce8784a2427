package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/okatran/mnemo/internal/config"
)

var _ Store = (*PineconeStore)(nil)

const pineconeTimeout = 15 * time.Second

// PineconeStore talks to a Pinecone index over its data-plane REST API.
// The configured collection name is used as the namespace, so one index
// can be shared across installations.
type PineconeStore struct {
	baseURL    string
	apiKey     string
	namespace  string
	httpClient *http.Client
}

// NewPineconeStore creates a client for the index host at cfg.URL.
func NewPineconeStore(cfg config.VectorConfig) *PineconeStore {
	return &PineconeStore{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		namespace:  cfg.Collection,
		httpClient: &http.Client{Timeout: pineconeTimeout},
	}
}

type pineconeVector struct {
	ID       string            `json:"id"`
	Values   []float32         `json:"values"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *PineconeStore) Upsert(ctx context.Context, docs []Document) error {
	vectors := make([]pineconeVector, len(docs))
	for i, d := range docs {
		createdAt := d.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		sources, err := json.Marshal(d.Sources)
		if err != nil {
			return fmt.Errorf("marshalling sources for %s: %w", d.ID, err)
		}
		vectors[i] = pineconeVector{
			ID:     d.ID,
			Values: d.Embedding,
			Metadata: map[string]string{
				"query":      d.Query,
				"response":   d.Response,
				"sources":    string(sources),
				"created_at": createdAt.Format(time.RFC3339),
			},
		}
	}
	body := map[string]any{
		"vectors":   vectors,
		"namespace": s.namespace,
	}
	return s.do(ctx, http.MethodPost, "/vectors/upsert", body, nil)
}

func (s *PineconeStore) Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]Match, error) {
	body := map[string]any{
		"vector":          vector,
		"topK":            topK,
		"namespace":       s.namespace,
		"includeMetadata": true,
	}

	var resp struct {
		Matches []struct {
			ID       string            `json:"id"`
			Score    float32           `json:"score"`
			Metadata map[string]string `json:"metadata"`
		} `json:"matches"`
	}
	if err := s.do(ctx, http.MethodPost, "/query", body, &resp); err != nil {
		return nil, err
	}

	// Pinecone has no server-side score threshold, filter here.
	matches := make([]Match, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		if float64(m.Score) < minScore {
			continue
		}
		doc, err := docFromPinecone(m.ID, m.Metadata)
		if err != nil {
			return nil, err
		}
		matches = append(matches, Match{Document: doc, Score: m.Score})
	}
	return matches, nil
}

func (s *PineconeStore) Get(ctx context.Context, id string) (Document, error) {
	var resp struct {
		Vectors map[string]struct {
			ID       string            `json:"id"`
			Metadata map[string]string `json:"metadata"`
		} `json:"vectors"`
	}
	path := "/vectors/fetch?ids=" + id + "&namespace=" + s.namespace
	if err := s.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return Document{}, err
	}
	v, ok := resp.Vectors[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return docFromPinecone(v.ID, v.Metadata)
}

func (s *PineconeStore) Delete(ctx context.Context, id string) error {
	body := map[string]any{
		"ids":       []string{id},
		"namespace": s.namespace,
	}
	return s.do(ctx, http.MethodPost, "/vectors/delete", body, nil)
}

func (s *PineconeStore) DeleteAll(ctx context.Context) error {
	body := map[string]any{
		"deleteAll": true,
		"namespace": s.namespace,
	}
	return s.do(ctx, http.MethodPost, "/vectors/delete", body, nil)
}

func (s *PineconeStore) Count(ctx context.Context) (int, error) {
	var resp struct {
		Namespaces map[string]struct {
			VectorCount int `json:"vectorCount"`
		} `json:"namespaces"`
	}
	if err := s.do(ctx, http.MethodPost, "/describe_index_stats", map[string]any{}, &resp); err != nil {
		return 0, err
	}
	return resp.Namespaces[s.namespace].VectorCount, nil
}

func (s *PineconeStore) Ping(ctx context.Context) error {
	return s.do(ctx, http.MethodPost, "/describe_index_stats", map[string]any{}, nil)
}

func docFromPinecone(id string, meta map[string]string) (Document, error) {
	d := Document{
		ID:       id,
		Query:    meta["query"],
		Response: meta["response"],
	}
	if raw := meta["sources"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &d.Sources); err != nil {
			return Document{}, fmt.Errorf("parsing sources for %s: %w", id, err)
		}
	}
	if raw := meta["created_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Document{}, fmt.Errorf("parsing created_at for %s: %w", id, err)
		}
		d.CreatedAt = t
	}
	return d, nil
}

func (s *PineconeStore) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("pinecone returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
