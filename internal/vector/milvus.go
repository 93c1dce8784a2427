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

var _ Store = (*MilvusStore)(nil)

const milvusTimeout = 15 * time.Second

// MilvusStore talks to Milvus through its v2 REST API. Every response
// carries a {"code": 0, "data": ...} envelope; a non-zero code is an
// error even when the HTTP status is 200.
type MilvusStore struct {
	baseURL    string
	apiKey     string
	collection string
	dimensions int
	httpClient *http.Client
}

// NewMilvusStore creates a client for the Milvus instance at cfg.URL.
func NewMilvusStore(cfg config.VectorConfig) *MilvusStore {
	return &MilvusStore{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimensions: cfg.Dimensions,
		httpClient: &http.Client{Timeout: milvusTimeout},
	}
}

// EnsureCollection creates the collection with a string primary key and
// a cosine index. Milvus treats creation as idempotent.
func (s *MilvusStore) EnsureCollection(ctx context.Context) error {
	body := map[string]any{
		"collectionName": s.collection,
		"schema": map[string]any{
			"fields": []map[string]any{
				{
					"fieldName": "id",
					"dataType":  "VarChar",
					"isPrimary": true,
					"elementTypeParams": map[string]any{
						"max_length": 64,
					},
				},
				{
					"fieldName": "embedding",
					"dataType":  "FloatVector",
					"elementTypeParams": map[string]any{
						"dim": s.dimensions,
					},
				},
				{
					"fieldName": "query",
					"dataType":  "VarChar",
					"elementTypeParams": map[string]any{
						"max_length": 65535,
					},
				},
				{
					"fieldName": "response",
					"dataType":  "VarChar",
					"elementTypeParams": map[string]any{
						"max_length": 65535,
					},
				},
				{
					"fieldName": "sources",
					"dataType":  "VarChar",
					"elementTypeParams": map[string]any{
						"max_length": 65535,
					},
				},
				{
					"fieldName": "created_at",
					"dataType":  "VarChar",
					"elementTypeParams": map[string]any{
						"max_length": 64,
					},
				},
			},
		},
		"indexParams": []map[string]any{
			{
				"fieldName":  "embedding",
				"indexName":  "embedding_idx",
				"metricType": "COSINE",
			},
		},
	}
	return s.do(ctx, "/v2/vectordb/collections/create", body, nil)
}

type milvusEntity struct {
	ID        string    `json:"id"`
	Embedding []float32 `json:"embedding,omitempty"`
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	Sources   string    `json:"sources"`
	CreatedAt string    `json:"created_at"`
}

func (s *MilvusStore) Upsert(ctx context.Context, docs []Document) error {
	entities := make([]milvusEntity, len(docs))
	for i, d := range docs {
		createdAt := d.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		sources, err := json.Marshal(d.Sources)
		if err != nil {
			return fmt.Errorf("marshalling sources for %s: %w", d.ID, err)
		}
		entities[i] = milvusEntity{
			ID:        d.ID,
			Embedding: d.Embedding,
			Query:     d.Query,
			Response:  d.Response,
			Sources:   string(sources),
			CreatedAt: createdAt.Format(time.RFC3339),
		}
	}
	body := map[string]any{
		"collectionName": s.collection,
		"data":           entities,
	}
	return s.do(ctx, "/v2/vectordb/entities/upsert", body, nil)
}

func (s *MilvusStore) Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]Match, error) {
	body := map[string]any{
		"collectionName": s.collection,
		"data":           [][]float32{vector},
		"annsField":      "embedding",
		"limit":          topK,
		"outputFields":   []string{"id", "query", "response", "sources", "created_at"},
	}

	var data []struct {
		milvusEntity
		Distance float32 `json:"distance"`
	}
	if err := s.do(ctx, "/v2/vectordb/entities/search", body, &data); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(data))
	for _, r := range data {
		// With COSINE metric the distance is the similarity score.
		if float64(r.Distance) < minScore {
			continue
		}
		doc, err := docFromMilvus(r.milvusEntity)
		if err != nil {
			return nil, err
		}
		matches = append(matches, Match{Document: doc, Score: r.Distance})
	}
	return matches, nil
}

func (s *MilvusStore) Get(ctx context.Context, id string) (Document, error) {
	body := map[string]any{
		"collectionName": s.collection,
		"id":             []string{id},
		"outputFields":   []string{"id", "query", "response", "sources", "created_at"},
	}
	var data []milvusEntity
	if err := s.do(ctx, "/v2/vectordb/entities/get", body, &data); err != nil {
		return Document{}, err
	}
	if len(data) == 0 {
		return Document{}, ErrNotFound
	}
	return docFromMilvus(data[0])
}

func (s *MilvusStore) Delete(ctx context.Context, id string) error {
	body := map[string]any{
		"collectionName": s.collection,
		"filter":         fmt.Sprintf("id in [%q]", id),
	}
	return s.do(ctx, "/v2/vectordb/entities/delete", body, nil)
}

func (s *MilvusStore) DeleteAll(ctx context.Context) error {
	body := map[string]any{
		"collectionName": s.collection,
		"filter":         `id != ""`,
	}
	return s.do(ctx, "/v2/vectordb/entities/delete", body, nil)
}

func (s *MilvusStore) Count(ctx context.Context) (int, error) {
	body := map[string]any{
		"collectionName": s.collection,
		"filter":         "",
		"outputFields":   []string{"count(*)"},
	}
	var data []map[string]int
	if err := s.do(ctx, "/v2/vectordb/entities/query", body, &data); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	return data[0]["count(*)"], nil
}

func (s *MilvusStore) Ping(ctx context.Context) error {
	body := map[string]any{
		"collectionName": s.collection,
	}
	return s.do(ctx, "/v2/vectordb/collections/describe", body, nil)
}

func docFromMilvus(e milvusEntity) (Document, error) {
	d := Document{
		ID:       e.ID,
		Query:    e.Query,
		Response: e.Response,
	}
	if e.Sources != "" {
		if err := json.Unmarshal([]byte(e.Sources), &d.Sources); err != nil {
			return Document{}, fmt.Errorf("parsing sources for %s: %w", e.ID, err)
		}
	}
	if e.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, e.CreatedAt)
		if err != nil {
			return Document{}, fmt.Errorf("parsing created_at for %s: %w", e.ID, err)
		}
		d.CreatedAt = t
	}
	return d, nil
}

// do posts one request to the Milvus API, checks the envelope code and
// decodes the data field into out when non-nil.
func (s *MilvusStore) do(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("milvus returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if envelope.Code != 0 {
		return fmt.Errorf("milvus error %d: %s", envelope.Code, envelope.Message)
	}

	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}
