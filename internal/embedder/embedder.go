// Package embedder runs the ingestion pipeline: resolve the processor for a
// document type, load, chunk, vectorise and push into the search back end.
package embedder

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/hessamz/docuchat/config"
	"github.com/hessamz/docuchat/internal/appconfig"
	"github.com/hessamz/docuchat/internal/apperr"
	"github.com/hessamz/docuchat/internal/blob"
	"github.com/hessamz/docuchat/internal/chunker"
	"github.com/hessamz/docuchat/internal/llm"
	"github.com/hessamz/docuchat/internal/loader"
	"github.com/hessamz/docuchat/internal/search"
	"github.com/hessamz/docuchat/internal/telemetry"
	"github.com/hessamz/docuchat/models"
)

const captionSystemPrompt = "You write one-paragraph descriptions of images for a document search index. Describe the image at the URL the user provides. Mention any visible text verbatim."

// ImageUpserter is implemented by back ends that store a dedicated image
// vector alongside the text embedding.
type ImageUpserter interface {
	UpsertImage(ctx context.Context, doc models.SourceDocument, imageVector []float32) (search.UpsertResult, error)
}

// Pipeline wires the loaders, chunkers and search handler together.
type Pipeline struct {
	cfg      *config.Config
	store    *appconfig.Store
	handler  search.Handler
	blobs    *blob.Client
	gateway  *llm.Gateway
	vision   *VisionClient
	docIntel *loader.DocIntelClient
	tele     *telemetry.Telemetry
	logger   *log.Logger
	httpc    *http.Client
}

// New builds the pipeline. vision and docIntel may be nil when the matching
// processors are not configured; resolving a processor that needs them fails
// at ingest time instead.
func New(cfg *config.Config, store *appconfig.Store, handler search.Handler, blobs *blob.Client, gateway *llm.Gateway, vision *VisionClient, docIntel *loader.DocIntelClient, tele *telemetry.Telemetry) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		store:    store,
		handler:  handler,
		blobs:    blobs,
		gateway:  gateway,
		vision:   vision,
		docIntel: docIntel,
		tele:     tele,
		logger:   log.New(log.Writer(), "[EMBED] ", log.LstdFlags),
		httpc:    &http.Client{Timeout: cfg.DocIntel.Timeout},
	}
}

// documentType maps a file name to the processor lookup key. Names without
// an extension are treated as web pages.
func documentType(fileName string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	if ext == "" {
		return "url"
	}
	return ext
}

var imageTypes = map[string]bool{"jpg": true, "jpeg": true, "png": true}

// Process ingests one source. sourceURL must be fetchable (it carries a live
// access token when the source lives in blob storage); the stored chunks use
// the canonical form with the token replaced by a placeholder.
func (p *Pipeline) Process(ctx context.Context, sourceURL, fileName string) error {
	const op = "embedder.process"
	docType := documentType(fileName)

	active, err := p.store.GetActiveOrDefault(ctx)
	if err != nil {
		return err
	}
	proc, ok := active.ProcessorFor(docType)
	if !ok {
		p.tele.IngestFailures.Inc()
		return apperr.Newf(apperr.KindUnsupported, op, "no processor configured for document type %q", docType)
	}

	canonical := models.MaskSourceURL(sourceURL)

	// drop stale chunks so a shrinking document leaves no orphans
	if err := p.handler.DeleteBySource(ctx, sourceURL); err != nil {
		p.logger.Printf("delete before reingest failed for %s: %v", canonical, err)
	}

	var count int
	if imageTypes[docType] && proc.UseAdvancedImageProcessing {
		count, err = p.processImage(ctx, sourceURL, canonical)
	} else {
		count, err = p.processText(ctx, sourceURL, canonical, proc)
	}
	if err != nil {
		p.tele.IngestFailures.Inc()
		return err
	}
	p.tele.DocsIngested.Add(float64(count))
	p.logger.Printf("ingested %s: %d chunks", canonical, count)
	return nil
}

func (p *Pipeline) processText(ctx context.Context, sourceURL, canonical string, proc appconfig.Processor) (int, error) {
	ld, err := loader.ForStrategy(proc.Loading.Strategy, loader.Deps{
		DocIntel: p.docIntel,
		HTTP:     p.httpc,
		RenderJS: p.cfg.Ingestion.RenderJS,
	})
	if err != nil {
		return 0, err
	}
	pages, err := ld.Load(ctx, sourceURL)
	if err != nil {
		return 0, err
	}

	ch, err := chunker.New(proc.Chunking)
	if err != nil {
		return 0, err
	}
	docs, err := ch.Chunk(pages, canonical)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	res, err := p.handler.Upsert(ctx, docs)
	if err != nil {
		return len(res.Succeeded), err
	}
	return len(res.Succeeded), nil
}

// processImage stores a single chunk per image: an LLM-written caption as the
// searchable text plus the image vector when the back end supports it.
func (p *Pipeline) processImage(ctx context.Context, sourceURL, canonical string) (int, error) {
	const op = "embedder.image"
	if p.vision == nil {
		return 0, apperr.Newf(apperr.KindConfigMalformed, op, "advanced image processing enabled but vision service not configured")
	}
	vector, err := p.vision.Vectorize(ctx, sourceURL)
	if err != nil {
		return 0, err
	}

	caption := models.TitleFromSource(canonical)
	result, err := p.gateway.Chat(ctx, []models.ChatMessage{
		{Role: models.RoleSystem, Content: captionSystemPrompt},
		{Role: models.RoleUser, Content: sourceURL},
	})
	if err != nil {
		p.logger.Printf("caption failed for %s, indexing file name only: %v", canonical, err)
	} else {
		caption = result.Content
		p.tele.RecordTokens(result.PromptTokens, result.CompletionTokens)
	}

	id := models.DocumentID(canonical, 0)
	doc := models.SourceDocument{
		ID:      id,
		ChunkID: id,
		Content: caption,
		Source:  canonical,
		Title:   models.TitleFromSource(canonical),
	}

	if iu, ok := p.handler.(ImageUpserter); ok {
		res, err := iu.UpsertImage(ctx, doc, vector)
		return len(res.Succeeded), err
	}
	// back end without an image vector field still gets the caption text
	res, err := p.handler.Upsert(ctx, []models.SourceDocument{doc})
	return len(res.Succeeded), err
}

// Delete removes a source from both the search back end and blob storage.
// The incoming URL may carry a live token or the placeholder; matching is on
// the canonical form.
func (p *Pipeline) Delete(ctx context.Context, sourceURL string) error {
	if err := p.handler.DeleteBySource(ctx, sourceURL); err != nil {
		return err
	}
	p.tele.DocsDeleted.Inc()
	return nil
}

// ReprocessAll re-ingests every blob in the document container. Failures on
// individual blobs are logged and counted, not fatal.
func (p *Pipeline) ReprocessAll(ctx context.Context) error {
	names, err := p.blobs.List(ctx, p.cfg.Storage.DocumentContainer)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	var failed int
	for _, name := range names {
		signed := p.blobs.SignedReadURL(models.MaskSourceURL(p.blobs.BlobURL(p.cfg.Storage.DocumentContainer, name)))
		if err := p.Process(ctx, signed, name); err != nil {
			failed++
			p.logger.Printf("reprocess %s: %v", name, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	p.logger.Printf("reprocessed %d blobs, %d failed", len(names), failed)
	if failed > 0 {
		return apperr.Newf(apperr.KindIngestionFailed, "embedder.reprocess", "%d of %d blobs failed", failed, len(names))
	}
	return nil
}
