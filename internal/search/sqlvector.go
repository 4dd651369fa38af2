package search

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/hessamz/docuchat/internal/apperr"
	"github.com/hessamz/docuchat/models"
)

// embeddingDimensions is the expected length of vectors stored in the
// pgvector column; fixed by the embedding model at first write.
const embeddingDimensions = 1536

// SQLVectorHandler stores chunks in a single Postgres table with a pgvector
// column for similarity and a tsvector column for keyword matching.
type SQLVectorHandler struct {
	db       *sql.DB
	embedder Embedder
}

// NewSQLVectorHandler opens the database and provisions the schema if absent.
func NewSQLVectorHandler(dsn string, embedder Embedder) (*SQLVectorHandler, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	h := &SQLVectorHandler{db: db, embedder: embedder}
	if err := h.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

// NewSQLVectorHandlerFromDB wraps an existing connection; used by tests.
func NewSQLVectorHandlerFromDB(db *sql.DB, embedder Embedder) *SQLVectorHandler {
	return &SQLVectorHandler{db: db, embedder: embedder}
}

// ensureSchema provisions the table and ANN index. All statements are
// IF NOT EXISTS so concurrent worker startups tolerate each other.
func (h *SQLVectorHandler) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS source_documents (
			id TEXT PRIMARY KEY,
			chunk_id TEXT NOT NULL,
			content TEXT NOT NULL,
			source TEXT NOT NULL,
			title TEXT NOT NULL,
			chunk INT NOT NULL DEFAULT 0,
			content_offset INT NOT NULL DEFAULT 0,
			page_number INT,
			content_vector vector(%d),
			search tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, embeddingDimensions),
		`CREATE INDEX IF NOT EXISTS source_documents_source_idx ON source_documents (source)`,
		`CREATE INDEX IF NOT EXISTS source_documents_search_idx ON source_documents USING GIN (search)`,
		`CREATE INDEX IF NOT EXISTS source_documents_vector_idx ON source_documents
			USING hnsw (content_vector vector_cosine_ops)`,
	}
	for _, s := range stmts {
		if _, err := h.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Upsert embeds each document's content and writes the batch. Per-document
// failures are collected; any failure fails the overall call.
func (h *SQLVectorHandler) Upsert(ctx context.Context, docs []models.SourceDocument) (UpsertResult, error) {
	var res UpsertResult
	if len(docs) == 0 {
		return res, nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := h.embedder.Embed(ctx, texts)
	if err != nil {
		return res, err
	}
	const q = `
INSERT INTO source_documents (id, chunk_id, content, source, title, chunk, content_offset, page_number, content_vector)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::vector)
ON CONFLICT (id) DO UPDATE SET
  chunk_id = EXCLUDED.chunk_id,
  content = EXCLUDED.content,
  source = EXCLUDED.source,
  title = EXCLUDED.title,
  chunk = EXCLUDED.chunk,
  content_offset = EXCLUDED.content_offset,
  page_number = EXCLUDED.page_number,
  content_vector = EXCLUDED.content_vector`
	var firstErr error
	for i, d := range docs {
		lit, err := encodeVectorLiteral(vecs[i])
		if err == nil {
			chunkID := d.ChunkID
			if chunkID == "" {
				chunkID = d.ID
			}
			_, err = h.db.ExecContext(ctx, q,
				d.ID, chunkID, d.Content, d.Source, d.Title, d.Chunk, d.Offset, d.PageNumber, lit)
		}
		if err != nil {
			res.Failed = append(res.Failed, d.ID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.Succeeded = append(res.Succeeded, d.ID)
	}
	if len(res.Failed) > 0 {
		return res, apperr.Newf(apperr.KindIngestionFailed, "sqlvector.upsert",
			"%d of %d documents failed: %v", len(res.Failed), len(docs), firstErr)
	}
	return res, nil
}

func (h *SQLVectorHandler) scanDocs(rows *sql.Rows) ([]models.SourceDocument, error) {
	defer rows.Close()
	var docs []models.SourceDocument
	for rows.Next() {
		var d models.SourceDocument
		var page sql.NullInt64
		if err := rows.Scan(&d.ID, &d.ChunkID, &d.Content, &d.Source, &d.Title, &d.Chunk, &d.Offset, &page); err != nil {
			return nil, err
		}
		if page.Valid {
			p := int(page.Int64)
			d.PageNumber = &p
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Query runs the vector and keyword legs concurrently and fuses the ranked
// lists with reciprocal-rank fusion.
func (h *SQLVectorHandler) Query(ctx context.Context, question string, k int, filter string) ([]models.SourceDocument, error) {
	if k <= 0 {
		k = 4
	}
	qvecs, err := h.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, err
	}
	lit, err := encodeVectorLiteral(qvecs[0])
	if err != nil {
		return nil, err
	}

	candidates := k * 3
	var vecDocs, kwDocs []models.SourceDocument
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := h.db.QueryContext(gctx, `
SELECT id, chunk_id, content, source, title, chunk, content_offset, page_number
FROM source_documents
ORDER BY content_vector <=> $1::vector
LIMIT $2`, lit, candidates)
		if err != nil {
			return fmt.Errorf("vector leg: %w", err)
		}
		vecDocs, err = h.scanDocs(rows)
		return err
	})
	g.Go(func() error {
		rows, err := h.db.QueryContext(gctx, `
SELECT id, chunk_id, content, source, title, chunk, content_offset, page_number
FROM source_documents
WHERE search @@ websearch_to_tsquery('english', $1)
ORDER BY ts_rank_cd(search, websearch_to_tsquery('english', $1)) DESC
LIMIT $2`, question, candidates)
		if err != nil {
			return fmt.Errorf("keyword leg: %w", err)
		}
		kwDocs, err = h.scanDocs(rows)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, apperr.New(apperr.KindUpstreamUnavailable, "sqlvector.query", err)
	}
	return fuseRRF(vecDocs, kwDocs, k), nil
}

// DeleteBySource removes every chunk sharing the source URL.
func (h *SQLVectorHandler) DeleteBySource(ctx context.Context, sourceURL string) error {
	masked := models.MaskSourceURL(sourceURL)
	if _, err := h.db.ExecContext(ctx, `DELETE FROM source_documents WHERE source = $1`, masked); err != nil {
		return apperr.New(apperr.KindUpstreamUnavailable, "sqlvector.delete_by_source", err)
	}
	return nil
}

// ListFiles maps each stored title to its chunk ids, ordered by chunk.
func (h *SQLVectorHandler) ListFiles(ctx context.Context) (map[string][]string, error) {
	rows, err := h.db.QueryContext(ctx, `
SELECT title, chunk_id FROM source_documents ORDER BY title, chunk`)
	if err != nil {
		return nil, apperr.New(apperr.KindUpstreamUnavailable, "sqlvector.list_files", err)
	}
	defer rows.Close()
	files := map[string][]string{}
	for rows.Next() {
		var title, chunkID string
		if err := rows.Scan(&title, &chunkID); err != nil {
			return nil, err
		}
		files[title] = append(files[title], chunkID)
	}
	return files, rows.Err()
}

// Close releases the connection pool.
func (h *SQLVectorHandler) Close() error { return h.db.Close() }

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
