package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/invoice-extractor/internal/adapter/queue/shared"
	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

// Consumer reads process tasks and feeds them to the engine through a
// bounded worker pool. Delivery is at-least-once: offsets are marked after
// the redelivery envelope gives its verdict, and the job state machine
// makes duplicate deliveries harmless. Jobs stranded by a crash between
// processing and commit are reclaimed by lease takeover.
type Consumer struct {
	client  *kgo.Client
	topic   string
	groupID string
	handler shared.ProcessFunc
	cfg     shared.RedeliveryConfig
	workers int

	wg sync.WaitGroup
}

func NewConsumer(brokers []string, groupID, topic string, workers int, cfg shared.RedeliveryConfig, handler shared.ProcessFunc) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.consumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=redpanda.consumer: missing group id")
	}
	if workers < 1 {
		workers = 1
	}

	// Ensure the topic before joining the group; consuming a missing topic
	// stalls the poll loop with retriable metadata errors.
	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.consumer: temp client: %w", err)
	}
	ensureCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := ensureTopic(ensureCtx, tempClient, topic, defaultPartitions, defaultReplicationFactor); err != nil {
		slog.Warn("topic ensure failed, continuing",
			slog.String("topic", topic),
			slog.Any("error", err))
	}
	cancel()
	tempClient.Close()

	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.RebalanceTimeout(10*time.Second),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.FetchMaxWait(5*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.consumer: %w", err)
	}

	slog.Info("redpanda consumer ready",
		slog.Any("brokers", brokers),
		slog.String("group_id", groupID),
		slog.String("topic", topic),
		slog.Int("workers", workers))
	return &Consumer{
		client:  client,
		topic:   topic,
		groupID: groupID,
		handler: handler,
		cfg:     cfg,
		workers: workers,
	}, nil
}

// Start polls until ctx ends. It returns nil on a clean shutdown.
func (c *Consumer) Start(ctx context.Context) error {
	sem := make(chan struct{}, c.workers)
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			c.wg.Wait()
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(record *kgo.Record) {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			c.wg.Add(1)
			go func(rec *kgo.Record) {
				defer c.wg.Done()
				defer func() { <-sem }()
				c.consume(ctx, rec)
			}(record)
		})
	}
}

func (c *Consumer) consume(ctx context.Context, rec *kgo.Record) {
	var task domain.ProcessTask
	if err := json.Unmarshal(rec.Value, &task); err != nil {
		// Poison record; park it and move on.
		slog.Error("undecodable task record",
			slog.String("topic", rec.Topic),
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
		c.client.MarkCommitRecords(rec)
		return
	}

	if err := shared.Deliver(ctx, c.cfg, task, c.handler); err != nil {
		// Redelivery budget spent. The stale-job sweeper fails the job if
		// its lease never comes back.
		slog.Error("task gave up after redelivery budget",
			slog.String("job_id", task.JobID),
			slog.String("session_id", task.SessionID),
			slog.Any("error", err))
	}
	c.client.MarkCommitRecords(rec)
}

func (c *Consumer) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	c.wg.Wait()
	return nil
}
