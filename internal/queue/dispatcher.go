// Package queue hands collection tasks off to the arena-collector
// workers over Kafka. Dispatch is fire-and-forget from the
// orchestrator's point of view: a failed dispatch fails only that task,
// decided by the orchestrator, never by this package.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// TaskMessage is the work item a collector worker consumes. The worker
// reports progress back through the task-status callback, not Kafka.
type TaskMessage struct {
	TaskID       string    `json:"task_id"`
	RunID        string    `json:"run_id"`
	Arena        string    `json:"arena"`
	Platform     string    `json:"platform"`
	Tier         string    `json:"tier"`
	Mode         string    `json:"mode"`
	MaxResults   int       `json:"max_results"`
	RetryCount   int       `json:"retry_count"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// Dispatcher is the queue interface the orchestrator depends on.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg TaskMessage) error
	Close() error
}

// KafkaDispatcher writes task messages to a Kafka topic. Messages are
// keyed run_id:arena so retries of the same task land on the same
// partition and stay ordered.
type KafkaDispatcher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaDispatcher creates a dispatcher writing to topic on brokers.
func NewKafkaDispatcher(brokers []string, topic string, logger *slog.Logger) *KafkaDispatcher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaDispatcher{writer: writer, logger: logger}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, msg TaskMessage) error {
	msg.DispatchedAt = time.Now()

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding task message: %w", err)
	}

	m := kafka.Message{
		Key:   []byte(msg.RunID + ":" + msg.Arena),
		Value: value,
		Headers: []kafka.Header{
			{Key: "platform", Value: []byte(msg.Platform)},
			{Key: "tier", Value: []byte(msg.Tier)},
		},
	}

	if err := d.writer.WriteMessages(ctx, m); err != nil {
		d.logger.Error("task dispatch failed",
			"task_id", msg.TaskID, "run_id", msg.RunID, "arena", msg.Arena, "error", err)
		return fmt.Errorf("dispatching task %s: %w", msg.TaskID, err)
	}

	d.logger.Debug("task dispatched",
		"task_id", msg.TaskID, "run_id", msg.RunID, "arena", msg.Arena, "topic", d.writer.Topic)
	return nil
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

// MemoryDispatcher records dispatched messages in memory; it backs tests
// and local runs without a broker.
type MemoryDispatcher struct {
	mu       sync.Mutex
	messages []TaskMessage
	// Fail, when set, makes Dispatch fail for the named arenas.
	Fail map[string]error
}

func NewMemoryDispatcher() *MemoryDispatcher {
	return &MemoryDispatcher{Fail: make(map[string]error)}
}

func (d *MemoryDispatcher) Dispatch(_ context.Context, msg TaskMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.Fail[msg.Arena]; err != nil {
		return err
	}
	msg.DispatchedAt = time.Now()
	d.messages = append(d.messages, msg)
	return nil
}

// Messages returns a snapshot of everything dispatched so far.
func (d *MemoryDispatcher) Messages() []TaskMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TaskMessage, len(d.messages))
	copy(out, d.messages)
	return out
}

func (d *MemoryDispatcher) Close() error { return nil }
