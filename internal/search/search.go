// Package search fronts the two retrieval back ends behind one handler
// contract: a remote vector-capable document index, and Postgres with a
// vector extension.
package search

import (
	"context"
	"fmt"

	"github.com/hessamz/docuchat/config"
	"github.com/hessamz/docuchat/models"
)

// Embedder is the slice of the LLM gateway the handlers need to vectorise
// queries and content.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ImageVectorizer embeds a text query into the image vector space. Required
// by the vector-index handler when advanced image processing is on, because
// the image field's dimensionality differs from the text embedding's.
type ImageVectorizer interface {
	VectorizeText(ctx context.Context, text string) ([]float32, error)
}

// UpsertResult reports the per-document outcome of a batch write.
type UpsertResult struct {
	Succeeded []string
	Failed    []string
}

// Handler is the operation set shared by both back ends. Writes are
// at-least-once and idempotent on document id.
type Handler interface {
	// Upsert writes the documents. On partial failure the result carries
	// the per-document outcome and the error is non-nil.
	Upsert(ctx context.Context, docs []models.SourceDocument) (UpsertResult, error)
	// Query runs a hybrid (vector + keyword) search for the question.
	Query(ctx context.Context, question string, k int, filter string) ([]models.SourceDocument, error)
	// DeleteBySource removes every chunk sharing the source URL.
	DeleteBySource(ctx context.Context, sourceURL string) error
	// ListFiles maps each stored title to its chunk ids.
	ListFiles(ctx context.Context) (map[string][]string, error)
}

// NewHandler builds the handler variant selected by DATABASE_TYPE.
func NewHandler(cfg *config.Config, embedder Embedder, images ImageVectorizer) (Handler, error) {
	switch cfg.Database.Type {
	case config.DatabaseSQLVector:
		dsn, err := cfg.Database.DSN()
		if err != nil {
			return nil, err
		}
		return NewSQLVectorHandler(dsn, embedder)
	case config.DatabaseVectorIndex:
		return NewVectorIndexHandler(context.Background(), cfg.Search, embedder, cfg.Vision.UseAdvancedImageProcessing, images)
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Database.Type)
	}
}
