package embedder

import (
	"github.com/hessamz/docuchat/config"
	"github.com/hessamz/docuchat/internal/appconfig"
	"github.com/hessamz/docuchat/internal/blob"
	"github.com/hessamz/docuchat/internal/llm"
	"github.com/hessamz/docuchat/internal/loader"
	"github.com/hessamz/docuchat/internal/search"
	"github.com/hessamz/docuchat/internal/telemetry"
)

// FromConfig wires a standalone pipeline for worker and CLI processes that
// do not run the HTTP server.
func FromConfig(cfg *config.Config) (*Pipeline, error) {
	blobs, err := blob.New(cfg.Storage, nil)
	if err != nil {
		return nil, err
	}
	store := appconfig.NewStore(blobs, cfg.Storage.ConfigContainer, cfg.Storage.LoadConfigFromBlob)

	gateway, err := llm.New(cfg.LLM, nil)
	if err != nil {
		return nil, err
	}
	var vision *VisionClient
	if cfg.Vision.Endpoint != "" {
		if vision, err = NewVisionClient(cfg.Vision); err != nil {
			return nil, err
		}
	}
	var images search.ImageVectorizer
	if vision != nil {
		images = vision
	}
	handler, err := search.NewHandler(cfg, gateway, images)
	if err != nil {
		return nil, err
	}

	var docIntel *loader.DocIntelClient
	if cfg.DocIntel.Endpoint != "" {
		if docIntel, err = loader.NewDocIntelClient(cfg.DocIntel); err != nil {
			return nil, err
		}
	}

	return New(cfg, store, handler, blobs, gateway, vision, docIntel, telemetry.New()), nil
}
