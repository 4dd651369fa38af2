// Package queue moves blob-storage events between the API process and the
// ingestion workers over Redis Streams.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event types carried on the stream. An empty event type is treated as a
// created event; upstream storage triggers do not always fill it in.
const (
	EventBlobCreated = "Microsoft.Storage.BlobCreated"
	EventBlobDeleted = "Microsoft.Storage.BlobDeleted"
)

// BlobEvent is the envelope for one storage event.
type BlobEvent struct {
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	OccurredAt time.Time     `json:"occurred_at"`
	Data       BlobEventData `json:"data"`
}

// BlobEventData points at the affected blob.
type BlobEventData struct {
	URL      string `json:"url"`
	FileName string `json:"filename,omitempty"`
}

// IsDelete reports whether the event removes a document.
func (e BlobEvent) IsDelete() bool {
	return e.EventType == EventBlobDeleted
}

// Publisher appends blob events to a Redis stream.
type Publisher struct {
	client *redis.Client
	stream string
}

func NewPublisher(client *redis.Client, stream string) *Publisher {
	return &Publisher{client: client, stream: stream}
}

// Publish appends the event and returns its stream id.
func (p *Publisher) Publish(ctx context.Context, event BlobEvent) (string, error) {
	if event.Data.URL == "" {
		return "", fmt.Errorf("blob event requires a url")
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{"envelope": raw},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group if it does not exist.
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	if err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Message is one consumed stream entry.
type Message struct {
	ID    string
	Event BlobEvent
}

// Consumer reads blob events through a consumer group.
type Consumer struct {
	client *redis.Client
	stream string
	group  string
	name   string
}

func NewConsumer(client *redis.Client, stream, group, name string) *Consumer {
	return &Consumer{client: client, stream: stream, group: group, name: name}
}

// Read blocks up to the given duration for new messages. Entries that do not
// decode are acknowledged and dropped so they cannot wedge the group.
func (c *Consumer) Read(ctx context.Context, block time.Duration, count int64) ([]Message, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Block:    block,
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []Message
	for _, st := range streams {
		for _, msg := range st.Messages {
			event, ok := c.decode(ctx, msg)
			if !ok {
				continue
			}
			out = append(out, Message{ID: msg.ID, Event: event})
		}
	}
	return out, nil
}

// Ack acknowledges processing of the provided message ids.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, c.stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// AutoClaim reclaims pending messages older than minIdle from dead consumers.
func (c *Consumer) AutoClaim(ctx context.Context, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil {
		return nil, "", fmt.Errorf("xautoclaim: %w", err)
	}
	var out []Message
	for _, msg := range msgs {
		event, ok := c.decode(ctx, msg)
		if !ok {
			continue
		}
		out = append(out, Message{ID: msg.ID, Event: event})
	}
	return out, next, nil
}

func (c *Consumer) decode(ctx context.Context, msg redis.XMessage) (BlobEvent, bool) {
	raw, ok := msg.Values["envelope"]
	if !ok {
		_ = c.client.XAck(ctx, c.stream, c.group, msg.ID).Err()
		return BlobEvent{}, false
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		_ = c.client.XAck(ctx, c.stream, c.group, msg.ID).Err()
		return BlobEvent{}, false
	}
	var event BlobEvent
	if err := json.Unmarshal(data, &event); err != nil || event.Data.URL == "" {
		_ = c.client.XAck(ctx, c.stream, c.group, msg.ID).Err()
		return BlobEvent{}, false
	}
	return event, true
}
