package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/okatran/mnemo/internal/config"
)

// Compile-time check that QdrantStore implements Store.
var _ Store = (*QdrantStore)(nil)

const qdrantTimeout = 15 * time.Second

// QdrantStore is a thin client for the Qdrant REST API. It performs
// upsert/search/delete against a single collection; ranking happens
// inside the service.
type QdrantStore struct {
	baseURL    string
	apiKey     string
	collection string
	dimensions int
	httpClient *http.Client
}

// NewQdrantStore creates a client for the Qdrant instance at cfg.URL.
func NewQdrantStore(cfg config.VectorConfig) *QdrantStore {
	return &QdrantStore{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimensions: cfg.Dimensions,
		httpClient: &http.Client{Timeout: qdrantTimeout},
	}
}

// EnsureCollection creates the collection if it does not already exist.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	var exists struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodGet, "/collections/"+s.collection+"/exists", nil, &exists); err != nil {
		return err
	}
	if exists.Result.Exists {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.dimensions,
			"distance": "Cosine",
		},
	}
	return s.do(ctx, http.MethodPut, "/collections/"+s.collection, body, nil)
}

type qdrantPayload struct {
	Query     string   `json:"query"`
	Response  string   `json:"response"`
	Sources   []string `json:"sources"`
	CreatedAt string   `json:"created_at"`
}

func (s *QdrantStore) Upsert(ctx context.Context, docs []Document) error {
	points := make([]map[string]any, len(docs))
	for i, d := range docs {
		createdAt := d.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		points[i] = map[string]any{
			"id":     d.ID,
			"vector": d.Embedding,
			"payload": qdrantPayload{
				Query:     d.Query,
				Response:  d.Response,
				Sources:   d.Sources,
				CreatedAt: createdAt.Format(time.RFC3339),
			},
		}
	}
	body := map[string]any{"points": points}
	return s.do(ctx, http.MethodPut, "/collections/"+s.collection+"/points?wait=true", body, nil)
}

func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]Match, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	if minScore > 0 {
		body["score_threshold"] = minScore
	}

	var resp struct {
		Result []struct {
			ID      string        `json:"id"`
			Score   float32       `json:"score"`
			Payload qdrantPayload `json:"payload"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/search", body, &resp); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(resp.Result))
	for _, r := range resp.Result {
		doc, err := docFromQdrant(r.ID, r.Payload)
		if err != nil {
			return nil, err
		}
		matches = append(matches, Match{Document: doc, Score: r.Score})
	}
	return matches, nil
}

func (s *QdrantStore) Get(ctx context.Context, id string) (Document, error) {
	var resp struct {
		Result *struct {
			ID      string        `json:"id"`
			Payload qdrantPayload `json:"payload"`
		} `json:"result"`
	}
	err := s.do(ctx, http.MethodGet, "/collections/"+s.collection+"/points/"+id, nil, &resp)
	if err != nil {
		var se *qdrantStatusError
		if errors.As(err, &se) && se.status == http.StatusNotFound {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	if resp.Result == nil {
		return Document{}, ErrNotFound
	}
	return docFromQdrant(resp.Result.ID, resp.Result.Payload)
}

func (s *QdrantStore) Delete(ctx context.Context, id string) error {
	body := map[string]any{"points": []string{id}}
	return s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/delete?wait=true", body, nil)
}

// DeleteAll drops and recreates the collection.
func (s *QdrantStore) DeleteAll(ctx context.Context) error {
	if err := s.do(ctx, http.MethodDelete, "/collections/"+s.collection, nil, nil); err != nil {
		return err
	}
	return s.EnsureCollection(ctx)
}

func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	body := map[string]any{"exact": true}
	if err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/count", body, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

func (s *QdrantStore) Ping(ctx context.Context) error {
	return s.do(ctx, http.MethodGet, "/collections/"+s.collection, nil, nil)
}

func docFromQdrant(id string, p qdrantPayload) (Document, error) {
	d := Document{
		ID:       id,
		Query:    p.Query,
		Response: p.Response,
		Sources:  p.Sources,
	}
	if p.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, p.CreatedAt)
		if err != nil {
			return Document{}, fmt.Errorf("parsing created_at for %s: %w", id, err)
		}
		d.CreatedAt = t
	}
	return d, nil
}

// qdrantStatusError is returned for non-2xx responses.
type qdrantStatusError struct {
	status int
	body   string
}

func (e *qdrantStatusError) Error() string {
	return fmt.Sprintf("qdrant returned status %d: %s", e.status, e.body)
}

// do executes one JSON request against the Qdrant API and decodes the
// response into out when non-nil.
func (s *QdrantStore) do(ctx context.Context, method, path string, body, out any) error {
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
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &qdrantStatusError{status: resp.StatusCode, body: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
