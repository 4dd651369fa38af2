package queue

import (
	"context"
	"log"
	"net/url"
	"path"
	"time"
)

// Ingestor is the slice of the ingestion pipeline the worker drives.
type Ingestor interface {
	Process(ctx context.Context, sourceURL, fileName string) error
	Delete(ctx context.Context, sourceURL string) error
}

// Worker drains blob events and applies them to the search back end.
// Messages are acknowledged after processing; failures stay pending and are
// reclaimed with AutoClaim.
type Worker struct {
	consumer *Consumer
	ingestor Ingestor
	logger   *log.Logger
}

func NewWorker(consumer *Consumer, ingestor Ingestor) *Worker {
	return &Worker{
		consumer: consumer,
		ingestor: ingestor,
		logger:   log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
	}
}

// Run consumes until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	claimStart := "0-0"
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// pick up work abandoned by dead consumers first
		claimed, next, err := w.consumer.AutoClaim(ctx, 5*time.Minute, claimStart, 16)
		if err == nil {
			claimStart = next
			w.handleAll(ctx, claimed)
		}

		msgs, err := w.consumer.Read(ctx, 5*time.Second, 16)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Printf("read: %v", err)
			time.Sleep(time.Second)
			continue
		}
		w.handleAll(ctx, msgs)
	}
}

func (w *Worker) handleAll(ctx context.Context, msgs []Message) {
	for _, msg := range msgs {
		if err := w.handle(ctx, msg.Event); err != nil {
			w.logger.Printf("event %s (%s): %v", msg.Event.EventID, msg.Event.Data.URL, err)
			continue
		}
		if err := w.consumer.Ack(ctx, msg.ID); err != nil {
			w.logger.Printf("ack %s: %v", msg.ID, err)
		}
	}
}

func (w *Worker) handle(ctx context.Context, event BlobEvent) error {
	if event.IsDelete() {
		return w.ingestor.Delete(ctx, event.Data.URL)
	}
	name := event.Data.FileName
	if name == "" {
		name = fileNameFromURL(event.Data.URL)
	}
	return w.ingestor.Process(ctx, event.Data.URL, name)
}

func fileNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return path.Base(u.Path)
}
