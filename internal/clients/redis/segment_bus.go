package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
)

// SegmentBus carries fire-and-forget segment events to the external
// description worker.
type SegmentBus interface {
	Publish(ctx context.Context, ev domain.SegmentEvent) error
	Close() error
}

type segmentBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewSegmentBus(log *logger.Logger) (SegmentBus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	ch := strings.TrimSpace(os.Getenv("REDIS_SEGMENT_CHANNEL"))
	if ch == "" {
		ch = "segment_events"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &segmentBus{
		log:     log.With("service", "RedisSegmentBus"),
		rdb:     rdb,
		channel: ch,
	}, nil
}

func (b *segmentBus) Publish(ctx context.Context, ev domain.SegmentEvent) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("segment bus not initialized")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *segmentBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

// NopSegmentBus drops events; used when no description worker is deployed.
type NopSegmentBus struct{}

func (NopSegmentBus) Publish(context.Context, domain.SegmentEvent) error { return nil }
func (NopSegmentBus) Close() error                                       { return nil }

// MemorySegmentBus records events for tests.
type MemorySegmentBus struct {
	mu     sync.Mutex
	Events []domain.SegmentEvent
}

func (b *MemorySegmentBus) Publish(_ context.Context, ev domain.SegmentEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Events = append(b.Events, ev)
	return nil
}

func (b *MemorySegmentBus) Close() error { return nil }

func (b *MemorySegmentBus) Snapshot() []domain.SegmentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.SegmentEvent, len(b.Events))
	copy(out, b.Events)
	return out
}
