package embedder

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
)

const reprocessLockKey = "embedder:reprocess:lock"

// Scheduler triggers ReprocessAll on a cron schedule. A Redis lock keeps
// concurrent workers from running the sweep twice.
type Scheduler struct {
	Pipeline *Pipeline
	Rdb      *redis.Client
	Cron     string
	Stop     chan struct{}

	logger *log.Logger
	last   *time.Time
}

func NewScheduler(pipeline *Pipeline, rdb *redis.Client, cron string) *Scheduler {
	return &Scheduler{
		Pipeline: pipeline,
		Rdb:      rdb,
		Cron:     cron,
		Stop:     make(chan struct{}),
		logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}
}

func (s *Scheduler) Start() {
	if s.Cron == "" {
		return
	}
	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	if !isDue(s.Cron, s.last) {
		return
	}
	ctx := context.Background()
	if s.Rdb != nil {
		ok, _ := s.Rdb.SetNX(ctx, reprocessLockKey, "1", 30*time.Minute).Result()
		if !ok {
			return
		}
		defer s.Rdb.Del(ctx, reprocessLockKey)
	}
	now := time.Now()
	s.last = &now
	if err := s.Pipeline.ReprocessAll(ctx); err != nil {
		s.logger.Printf("scheduled reprocess: %v", err)
	}
}

// isDue reports whether the cron spec has fired since the last run.
// Supports "@daily", "@hourly", and standard 5-field cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		return !expr.Next(*last).After(now)
	}
}
