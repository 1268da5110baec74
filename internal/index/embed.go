package index

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"
)

const (
	embedBatchSize = 50
	embedBatchGap  = 100 * time.Millisecond
)

// Embedder turns text into vectors. Implementations may call out to an API.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedQueue drains newly indexed chunks into the embeddings table in small
// batches. Per-chunk failures are logged and skipped.
type EmbedQueue struct {
	db       *sql.DB
	embedder Embedder

	mu      sync.Mutex
	pending []int64
	wake    chan struct{}
}

func NewEmbedQueue(db *sql.DB, embedder Embedder) *EmbedQueue {
	return &EmbedQueue{
		db:       db,
		embedder: embedder,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue registers chunk ids for embedding.
func (q *EmbedQueue) Enqueue(chunkIDs []int64) {
	if len(chunkIDs) == 0 {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, chunkIDs...)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled.
func (q *EmbedQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
		for {
			batch := q.takeBatch()
			if len(batch) == 0 {
				break
			}
			q.processBatch(ctx, batch)
			select {
			case <-ctx.Done():
				return
			case <-time.After(embedBatchGap):
			}
		}
	}
}

func (q *EmbedQueue) takeBatch() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if n == 0 {
		return nil
	}
	if n > embedBatchSize {
		n = embedBatchSize
	}
	batch := q.pending[:n]
	q.pending = q.pending[n:]
	return batch
}

func (q *EmbedQueue) processBatch(ctx context.Context, ids []int64) {
	texts := make([]string, 0, len(ids))
	live := make([]int64, 0, len(ids))
	for _, id := range ids {
		var content string
		err := q.db.QueryRowContext(ctx, `SELECT content FROM chunks WHERE id = ?`, id).Scan(&content)
		if err != nil {
			continue // chunk replaced since enqueue
		}
		texts = append(texts, content)
		live = append(live, id)
	}
	if len(live) == 0 {
		return
	}

	vectors, err := q.embedder.Embed(ctx, texts)
	if err != nil {
		slog.Warn("embedding batch failed", "chunks", len(live), "error", err)
		return
	}

	for i, id := range live {
		if i >= len(vectors) {
			break
		}
		blob := encodeVector(vectors[i])
		_, err := q.db.ExecContext(ctx,
			`INSERT INTO embeddings (chunk_id, dim, vector) VALUES (?, ?, ?)
			 ON CONFLICT(chunk_id) DO UPDATE SET dim = excluded.dim, vector = excluded.vector`,
			id, len(vectors[i]), blob)
		if err != nil {
			slog.Warn("embedding store failed", "chunkId", id, "error", err)
		}
	}
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	v := make([]float32, len(blob)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return v
}

// SearchVector ranks chunks by cosine similarity against the query vector.
func (ix *Indexer) SearchVector(ctx context.Context, query []float32, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	rows, err := ix.db.QueryContext(ctx, `
		SELECT f.type, f.path, c.metadata, c.content, e.vector
		FROM embeddings e
		JOIN chunks c ON c.id = e.chunk_id
		JOIN files f ON f.id = c.file_id
		WHERE e.dim = ?`, len(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var metaRaw, content string
		var blob []byte
		if err := rows.Scan(&r.Type, &r.Path, &metaRaw, &content, &blob); err != nil {
			return nil, err
		}
		r.Score = cosine(query, decodeVector(blob))
		if len(content) > 240 {
			content = content[:240] + "…"
		}
		r.Snippet = content
		var meta struct {
			Heading string `json:"heading"`
		}
		if json.Unmarshal([]byte(metaRaw), &meta) == nil {
			r.Heading = meta.Heading
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Highest similarity first; a partial sort would do but n is small.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Score > out[i].Score {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// HTTPEmbedder calls an OpenAI-compatible embeddings endpoint.
type HTTPEmbedder struct {
	Endpoint string
	APIKey   string
	Model    string
	Client   *http.Client
}

func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{"model": e.Model, "input": texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.APIKey)

	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding endpoint %d", resp.StatusCode)
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	out := make([][]float32, 0, len(parsed.Data))
	for _, d := range parsed.Data {
		out = append(out, d.Embedding)
	}
	return out, nil
}
