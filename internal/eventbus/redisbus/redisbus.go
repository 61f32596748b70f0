package redisbus

import (
	"context"
	"fmt"
	"time"

	json "github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/duraflow/agentrun/internal/journal"
)

// Bus fans journal entries out across multiple run-engine processes using
// Redis Streams, so a subscriber attached to an instance other than the
// one driving a run still observes its appends in real time. It offers
// only Publish and Follow: Follow delivers entries appended after it
// starts (XREAD from "$"). There is no replay of earlier entries and no
// sinceSequence cursor, unlike eventbus.Bus.
type Bus struct {
	client *redis.Client
}

// NewBus wraps a redis client as a cross-instance event Bus.
func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client}
}

func streamKey(runID string) string {
	return "run-events:" + runID
}

// Publish appends a journal entry to the run's Redis stream. Like the
// in-process Bus, callers must invoke this strictly after the entry has
// been committed to the journal Store.
func (b *Bus) Publish(ctx context.Context, entry journal.Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry for redis stream: %w", err)
	}

	_, err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(entry.RunID),
		MaxLen: 10000,
		Approx: true,
		Values: map[string]any{"entry": body},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd run stream: %w", err)
	}

	// Runs are bounded in lifetime; expire the stream well past any
	// plausible subscriber reconnect window.
	b.client.Expire(ctx, streamKey(entry.RunID), 24*time.Hour)

	return nil
}

// Follow returns a channel at once and, on a background goroutine,
// delivers entries appended to the run's stream after the call begins,
// until ctx is cancelled, a read fails, or a terminal entry is delivered.
func (b *Bus) Follow(ctx context.Context, runID string) (<-chan journal.Entry, error) {
	out := make(chan journal.Entry, 64)

	go func() {
		defer close(out)

		lastID := "$" // only entries appended from now on
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{streamKey(runID), lastID},
				Block:   5 * time.Second,
				Count:   64,
			}).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return
			}

			for _, stream := range res {
				for _, msg := range stream.Messages {
					lastID = msg.ID

					raw, ok := msg.Values["entry"].(string)
					if !ok {
						continue
					}

					var entry journal.Entry
					if err := json.Unmarshal([]byte(raw), &entry); err != nil {
						continue
					}

					select {
					case out <- entry:
					case <-ctx.Done():
						return
					}

					if entry.Kind.Terminal() {
						return
					}
				}
			}
		}
	}()

	return out, nil
}
