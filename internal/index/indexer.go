package index

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FTS optimize causes brief write stalls, so it is throttled: only after a
// meaningful batch of changes and never more than once per window.
const (
	optimizeMinChanged  = 64
	optimizeMinInterval = 10 * time.Minute
)

// File types as stored in the files table.
const (
	TypeDurable   = "durable"
	TypeDaily     = "daily"
	TypeDecision  = "decision"
	TypePath      = "path"
	TypePathDaily = "path-daily"
	TypeSession   = "session"
	TypeOther     = "other"
)

// Indexer reflects the memory store into the search index.
type Indexer struct {
	db          *sql.DB
	memoryDir   string
	sessionsDir string
	queue       *EmbedQueue // nil when embeddings are disabled

	mu           sync.Mutex
	changedSince int
	lastOptimize time.Time
}

func NewIndexer(db *sql.DB, memoryDir, sessionsDir string, queue *EmbedQueue) *Indexer {
	return &Indexer{
		db:          db,
		memoryDir:   memoryDir,
		sessionsDir: sessionsDir,
		queue:       queue,
	}
}

// classify maps a file path to its index type from its position in the tree.
func (ix *Indexer) classify(path string) string {
	if rel, err := filepath.Rel(ix.sessionsDir, path); err == nil && !strings.HasPrefix(rel, "..") {
		if strings.HasSuffix(rel, ".jsonl") {
			return TypeSession
		}
		return TypeOther
	}
	rel, err := filepath.Rel(ix.memoryDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return TypeOther
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	switch {
	case rel == "MEMORY.md":
		return TypeDurable
	case parts[0] == "daily":
		return TypeDaily
	case parts[0] == "decisions":
		return TypeDecision
	case parts[0] == "paths" && len(parts) >= 3:
		switch parts[2] {
		case "MEMORY.md":
			return TypePath
		case "daily":
			return TypePathDaily
		case "decisions":
			return TypeDecision
		}
	}
	return TypeOther
}

// IndexFile (re)indexes one file. Unchanged content (by hash) is skipped;
// otherwise the file's chunks are replaced in a single transaction.
func (ix *Indexer) IndexFile(ctx context.Context, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ix.Remove(ctx, path)
		}
		return err
	}

	hash := sha256.Sum256(content)
	hashHex := hex.EncodeToString(hash[:])

	var fileID int64
	var prevHash string
	err = ix.db.QueryRowContext(ctx,
		`SELECT id, content_hash FROM files WHERE path = ?`, path).Scan(&fileID, &prevHash)
	switch {
	case err == sql.ErrNoRows:
		fileID = 0
	case err != nil:
		return err
	case prevHash == hashHex:
		return nil
	}

	fileType := ix.classify(path)
	var chunks []Chunk
	if strings.HasSuffix(path, ".jsonl") {
		chunks = ChunkJSONL(string(content), fileType, path)
	} else {
		chunks = ChunkMarkdown(string(content), fileType, path)
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	if fileID == 0 {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO files (path, type, content_hash, indexed_at, size) VALUES (?, ?, ?, ?, ?)`,
			path, fileType, hashHex, now, len(content))
		if err != nil {
			return err
		}
		fileID, _ = res.LastInsertId()
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET type = ?, content_hash = ?, indexed_at = ?, size = ? WHERE id = ?`,
			fileType, hashHex, now, len(content), fileID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
			return err
		}
	}

	var chunkIDs []int64
	for _, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (file_id, chunk_index, content, metadata) VALUES (?, ?, ?, ?)`,
			fileID, c.Index, c.Content, string(meta))
		if err != nil {
			return err
		}
		id, _ := res.LastInsertId()
		chunkIDs = append(chunkIDs, id)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	ix.mu.Lock()
	ix.changedSince++
	ix.mu.Unlock()

	if ix.queue != nil {
		ix.queue.Enqueue(chunkIDs)
	}
	return nil
}

// Remove drops a file and its chunks (FTS rows go via triggers and cascade).
func (ix *Indexer) Remove(ctx context.Context, path string) error {
	var fileID int64
	err := ix.db.QueryRowContext(ctx, `SELECT id FROM files WHERE path = ?`, path).Scan(&fileID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	// ON DELETE CASCADE skips the chunk delete triggers, which would leave
	// orphaned FTS rows; delete chunks explicitly first.
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
		return err
	}
	_, err = ix.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID)
	return err
}

// Sweep walks memory/ and sessions/, indexing every markdown and JSONL file,
// then deletes entries for vanished files and maybe optimizes the FTS table.
func (ix *Indexer) Sweep(ctx context.Context) error {
	seen := make(map[string]bool)

	for _, root := range []string{ix.memoryDir, ix.sessionsDir} {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // vanished mid-walk
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				return nil
			}
			if !strings.HasSuffix(path, ".md") && !strings.HasSuffix(path, ".jsonl") {
				return nil
			}
			seen[path] = true
			if err := ix.IndexFile(ctx, path); err != nil {
				slog.Warn("index file failed", "path", path, "error", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if err := ix.removeVanished(ctx, seen); err != nil {
		return err
	}
	ix.maybeOptimize(ctx)
	return nil
}

func (ix *Indexer) removeVanished(ctx context.Context, seen map[string]bool) error {
	rows, err := ix.db.QueryContext(ctx, `SELECT path FROM files`)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return err
		}
		if !seen[path] {
			stale = append(stale, path)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, path := range stale {
		if err := ix.Remove(ctx, path); err != nil {
			return fmt.Errorf("remove vanished %s: %w", path, err)
		}
	}
	return nil
}

func (ix *Indexer) maybeOptimize(ctx context.Context) {
	ix.mu.Lock()
	due := ix.changedSince >= optimizeMinChanged &&
		time.Since(ix.lastOptimize) >= optimizeMinInterval
	if due {
		ix.changedSince = 0
		ix.lastOptimize = time.Now()
	}
	ix.mu.Unlock()
	if !due {
		return
	}

	start := time.Now()
	if _, err := ix.db.ExecContext(ctx, `INSERT INTO chunks_fts(chunks_fts) VALUES ('optimize')`); err != nil {
		slog.Warn("fts optimize failed", "error", err)
		return
	}
	slog.Debug("fts optimize complete", "took", time.Since(start))
}

// Stats returns file and chunk counts for the status surface.
func (ix *Indexer) Stats(ctx context.Context) (files, chunks int, err error) {
	if err = ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&files); err != nil {
		return 0, 0, err
	}
	if err = ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&chunks); err != nil {
		return 0, 0, err
	}
	return files, chunks, nil
}
