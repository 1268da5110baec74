package index

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// SearchResult is one ranked hit.
type SearchResult struct {
	Type    string  `json:"type"`
	Path    string  `json:"path"`
	Heading string  `json:"heading,omitempty"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

const defaultSearchLimit = 20

// Search runs a BM25-ranked full-text query, optionally scoped to a subset
// of file types.
func (ix *Indexer) Search(ctx context.Context, query string, types []string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	sql := `
		SELECT f.type, f.path, c.metadata,
		       snippet(chunks_fts, 0, '', '', '…', 16),
		       bm25(chunks_fts)
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.rowid
		JOIN files f ON f.id = c.file_id
		WHERE chunks_fts MATCH ?`
	args := []any{ftsQuery(query)}

	if len(types) > 0 {
		sql += ` AND f.type IN (?` + strings.Repeat(",?", len(types)-1) + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}
	sql += ` ORDER BY bm25(chunks_fts) LIMIT ?`
	args = append(args, limit)

	rows, err := ix.db.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var metaRaw string
		if err := rows.Scan(&r.Type, &r.Path, &metaRaw, &r.Snippet, &r.Score); err != nil {
			return nil, err
		}
		var meta struct {
			Heading string `json:"heading"`
		}
		if json.Unmarshal([]byte(metaRaw), &meta) == nil {
			r.Heading = meta.Heading
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ftsQuery quotes each term so operator characters in user input cannot
// break the MATCH syntax.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}
