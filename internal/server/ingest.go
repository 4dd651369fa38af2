package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hessamz/docuchat/internal/queue"
)

type ingestURLRequest struct {
	URL      string `json:"url"`
	FileName string `json:"filename,omitempty"`
}

// handleIngestURL queues a single source for ingestion. Without a queue the
// document is processed inline before the response.
func (s *Server) handleIngestURL(c echo.Context) error {
	var req ingestURLRequest
	if err := c.Bind(&req); err != nil || req.URL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url is required")
	}
	ctx := c.Request().Context()

	if s.publisher != nil {
		id, err := s.publisher.Publish(ctx, queue.BlobEvent{
			EventType: queue.EventBlobCreated,
			Data:      queue.BlobEventData{URL: req.URL, FileName: req.FileName},
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusAccepted, map[string]string{"event_id": id})
	}

	name := req.FileName
	if name == "" {
		name = req.URL
	}
	if err := s.pipeline.Process(ctx, req.URL, name); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ingested"})
}

type gridEvent struct {
	EventType string `json:"eventType"`
	Data      struct {
		URL            string `json:"url"`
		ValidationCode string `json:"validationCode"`
	} `json:"data"`
}

// handleIngestEvent receives storage-trigger webhooks. The subscription
// validation handshake is answered directly; blob events are queued.
func (s *Server) handleIngestEvent(c echo.Context) error {
	var events []gridEvent
	if err := c.Bind(&events); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed event payload")
	}
	ctx := c.Request().Context()

	for _, ev := range events {
		if ev.EventType == "Microsoft.EventGrid.SubscriptionValidationEvent" {
			return c.JSON(http.StatusOK, map[string]string{"validationResponse": ev.Data.ValidationCode})
		}
		if ev.Data.URL == "" {
			continue
		}
		eventType := ev.EventType
		if eventType == "" {
			eventType = queue.EventBlobCreated
		}
		if s.publisher != nil {
			if _, err := s.publisher.Publish(ctx, queue.BlobEvent{
				EventType: eventType,
				Data:      queue.BlobEventData{URL: ev.Data.URL},
			}); err != nil {
				return err
			}
			continue
		}
		if eventType == queue.EventBlobDeleted {
			if err := s.pipeline.Delete(ctx, ev.Data.URL); err != nil {
				return err
			}
			continue
		}
		if err := s.pipeline.Process(ctx, ev.Data.URL, ev.Data.URL); err != nil {
			return err
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

// handleIngestBatch re-ingests the whole document container in the
// background.
func (s *Server) handleIngestBatch(c echo.Context) error {
	go func() {
		if err := s.pipeline.ReprocessAll(context.Background()); err != nil {
			s.logger.Printf("batch reprocess: %v", err)
		}
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "reprocessing"})
}
