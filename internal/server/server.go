// Package server exposes the conversation and ingestion APIs over HTTP.
package server

import (
	"context"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/hessamz/docuchat/config"
	"github.com/hessamz/docuchat/internal/appconfig"
	"github.com/hessamz/docuchat/internal/apperr"
	"github.com/hessamz/docuchat/internal/blob"
	"github.com/hessamz/docuchat/internal/embedder"
	"github.com/hessamz/docuchat/internal/llm"
	"github.com/hessamz/docuchat/internal/loader"
	"github.com/hessamz/docuchat/internal/orchestrator"
	"github.com/hessamz/docuchat/internal/output"
	"github.com/hessamz/docuchat/internal/queue"
	"github.com/hessamz/docuchat/internal/safety"
	"github.com/hessamz/docuchat/internal/search"
	"github.com/hessamz/docuchat/internal/telemetry"
	"github.com/hessamz/docuchat/internal/tools"
)

// Server carries the request handlers' shared dependencies.
type Server struct {
	cfg       *config.Config
	store     *appconfig.Store
	orch      *orchestrator.Orchestrator
	pipeline  *embedder.Pipeline
	handler   search.Handler
	blobs     *blob.Client
	publisher *queue.Publisher
	tele      *telemetry.Telemetry
	chatModel string
	logger    *log.Logger
}

// Run wires the dependency graph and serves until the listener fails.
func Run(cfg *config.Config) error {
	ctx := context.Background()

	blobs, err := blob.New(cfg.Storage, nil)
	if err != nil {
		return err
	}
	store := appconfig.NewStore(blobs, cfg.Storage.ConfigContainer, cfg.Storage.LoadConfigFromBlob)

	gateway, err := llm.New(cfg.LLM, nil)
	if err != nil {
		return err
	}
	var vision *embedder.VisionClient
	if cfg.Vision.Endpoint != "" {
		if vision, err = embedder.NewVisionClient(cfg.Vision); err != nil {
			return err
		}
	}
	var images search.ImageVectorizer
	if vision != nil {
		images = vision
	}
	handler, err := search.NewHandler(cfg, gateway, images)
	if err != nil {
		return err
	}

	var gate *safety.Gate
	if cfg.Safety.Endpoint != "" {
		if gate, err = safety.New(cfg.Safety); err != nil {
			return err
		}
	}

	tele := telemetry.New()
	registry := tools.NewRegistry(tele,
		tools.NewQuestionAnswerTool(gateway, handler, store, cfg.Search.TopK, tele),
		tools.NewTextProcessingTool(gateway, tele),
	)
	validator := tools.NewPostAnswerValidator(gateway, store, tele)
	parser := output.NewParser(blobs)
	orch := orchestrator.New(store, gateway, registry, gate, validator, parser, tele)

	var docIntel *loader.DocIntelClient
	if cfg.DocIntel.Endpoint != "" {
		if docIntel, err = loader.NewDocIntelClient(cfg.DocIntel); err != nil {
			return err
		}
	}
	pipeline := embedder.New(cfg, store, handler, blobs, gateway, vision, docIntel, tele)

	var publisher *queue.Publisher
	if cfg.Queue.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr, Password: cfg.Queue.RedisPassword})
		if err := queue.EnsureGroup(ctx, rdb, cfg.Queue.Stream, cfg.Queue.Group); err != nil {
			return err
		}
		publisher = queue.NewPublisher(rdb, cfg.Queue.Stream)
	}

	s := &Server{
		cfg:       cfg,
		store:     store,
		orch:      orch,
		pipeline:  pipeline,
		handler:   handler,
		blobs:     blobs,
		publisher: publisher,
		tele:      tele,
		chatModel: cfg.LLM.ChatModel,
		logger:    log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
	return s.serve()
}

func (s *Server) serve() error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	s.Register(e)
	return e.Start(s.cfg.Server.Address)
}

// Register mounts every route on the echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "OK") })
	e.GET("/metrics", echo.WrapHandler(s.tele.Handler()))

	api := e.Group("/api")
	api.POST("/conversation", s.handleConversation)
	api.POST("/ingest/url", s.handleIngestURL)
	api.POST("/ingest/event", s.handleIngestEvent)
	api.POST("/ingest/batch", s.handleIngestBatch)
	api.GET("/files", s.handleListFiles)
	api.POST("/files/delete", s.handleDeleteFiles)
	api.GET("/config", s.handleGetConfig)
	api.POST("/config", s.handleSaveConfig)
	api.GET("/speech", s.handleSpeechConfig)
}

// errorHandler maps error kinds onto HTTP statuses and keeps the response
// shape uniform: every error body carries a stable machine-readable code
// alongside the message.
func (s *Server) errorHandler(err error, c echo.Context) {
	status := http.StatusInternalServerError
	code := "internal_error"
	msg := "internal error"

	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		code = "http_error"
		if he.Message != nil {
			if m, ok := he.Message.(string); ok {
				msg = m
			}
		}
	} else {
		switch apperr.KindOf(err) {
		case apperr.KindNotFound:
			status, code, msg = http.StatusBadRequest, "not_found", err.Error()
		case apperr.KindUnsupported:
			status, code, msg = http.StatusBadRequest, "unsupported", err.Error()
		case apperr.KindConfigMalformed:
			status, code, msg = http.StatusBadRequest, "config_malformed", err.Error()
		case apperr.KindUpstreamUnavailable, apperr.KindUpstreamBadResponse:
			status, code, msg = http.StatusBadGateway, "upstream_error", "upstream service error"
		case apperr.KindCanceled:
			// client went away; nothing useful to report
			status, code, msg = 499, "canceled", "request canceled"
		}
	}

	req := c.Request()
	if apperr.KindOf(err) != apperr.KindCanceled {
		s.logger.Printf("%d %s %s: %v", status, req.Method, req.URL.Path, err)
	}
	if !c.Response().Committed {
		_ = c.JSON(status, map[string]string{"error": msg, "code": code})
	}
}
