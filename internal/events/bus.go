// Package events delivers live run-progress notifications to observers.
// Delivery is best-effort and at-most-once: the durable run and task rows
// are the source of truth, so a missed event only delays observed state,
// never corrupts it. No history is kept; a late subscriber sees the
// current persisted state plus future events.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Event names carried in the "event" field of every message.
const (
	EventTaskUpdate  = "task_update"
	EventRunComplete = "run_complete"
)

// TaskUpdateEvent is published every time a task reports progress.
type TaskUpdateEvent struct {
	Event             string  `json:"event"`
	Arena             string  `json:"arena"`
	Platform          string  `json:"platform"`
	Status            string  `json:"status"`
	RecordsCollected  int     `json:"records_collected"`
	DuplicatesSkipped int     `json:"duplicates_skipped"`
	ErrorMessage      string  `json:"error_message,omitempty"`
	ElapsedSeconds    float64 `json:"elapsed_seconds"`
}

// RunCompleteEvent is published once, when every task of a run is
// terminal.
type RunCompleteEvent struct {
	Event            string  `json:"event"`
	Status           string  `json:"status"`
	RecordsCollected int     `json:"records_collected"`
	CreditsSpent     float64 `json:"credits_spent"`
}

// Publisher sends an event to the run's channel. Implementations must
// never return publish failures to the caller; they log and move on.
type Publisher interface {
	Publish(ctx context.Context, runID string, event any)
}

// Subscriber delivers a run's event stream as raw JSON payloads until ctx
// is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, runID string) (<-chan []byte, error)
}

// ChannelFor is the pub/sub channel name for a run.
func ChannelFor(runID string) string {
	return "runs:" + runID + ":events"
}

// RedisBus publishes and subscribes over redis pub/sub so observers can
// attach to any node.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, runID string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("failed to encode run event", "run_id", runID, "error", err)
		return
	}
	if err := b.client.Publish(ctx, ChannelFor(runID), payload).Err(); err != nil {
		b.logger.Warn("failed to publish run event", "run_id", runID, "error", err)
	}
}

func (b *RedisBus) Subscribe(ctx context.Context, runID string) (<-chan []byte, error) {
	sub := b.client.Subscribe(ctx, ChannelFor(runID))
	// Wait for the subscription to be confirmed so the caller cannot miss
	// events published immediately after Subscribe returns.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// MemoryBus is an in-process bus for single-node runs and tests. Slow
// subscribers drop events rather than blocking the publisher, matching
// the at-most-once contract.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string][]chan []byte
	logger *slog.Logger
}

func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan []byte), logger: logger}
}

func (b *MemoryBus) Publish(_ context.Context, runID string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("failed to encode run event", "run_id", runID, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[runID] {
		select {
		case ch <- payload:
		default:
			b.logger.Warn("dropping run event for slow subscriber", "run_id", runID)
		}
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, runID string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)

	b.mu.Lock()
	b.subs[runID] = append(b.subs[runID], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.subs[runID]
		for i, c := range chans {
			if c == ch {
				b.subs[runID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}
