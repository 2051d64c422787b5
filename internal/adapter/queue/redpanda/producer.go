// Package redpanda provides the Redpanda/Kafka task backend: a
// transactional producer that dispatches process tasks and a consumer
// group that feeds them to the lifecycle engine.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/invoice-extractor/internal/adapter/observability"
	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

const (
	defaultPartitions        = int32(8)
	defaultReplicationFactor = int16(1)
)

// Producer implements domain.TaskDispatcher on a transactional Kafka
// producer. Transactions are serialized through a one-slot channel; a
// kgo client allows a single in-flight transaction per transactional id.
type Producer struct {
	client          *kgo.Client
	topic           string
	transactionChan chan struct{}
}

func NewProducer(brokers []string, transactionalID, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.producer: no seed brokers provided")
	}
	if transactionalID == "" {
		transactionalID = "invoice-extractor-producer"
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.producer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, topic, defaultPartitions, defaultReplicationFactor); err != nil {
		slog.Warn("topic ensure failed, continuing",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	slog.Info("redpanda producer ready",
		slog.Any("brokers", brokers),
		slog.String("topic", topic),
		slog.String("transactional_id", transactionalID))
	return &Producer{
		client:          client,
		topic:           topic,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// Dispatch produces the task inside a transaction. The record key is the
// job id so redeliveries of one job stay on one partition.
func (p *Producer) Dispatch(ctx domain.Context, task domain.ProcessTask) error {
	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return fmt.Errorf("op=redpanda.dispatch: %w", ctx.Err())
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("op=redpanda.dispatch: begin transaction: %w", err)
	}

	b, err := json.Marshal(task)
	if err != nil {
		p.abort(ctx, task.JobID)
		return fmt.Errorf("op=redpanda.dispatch: marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(task.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(task.JobID)},
			{Key: "session_id", Value: []byte(task.SessionID)},
		},
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		p.abort(ctx, task.JobID)
		return fmt.Errorf("op=redpanda.dispatch: produce: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=redpanda.dispatch: commit transaction: %w", err)
	}

	observability.EnqueueJob()
	slog.Info("task dispatched",
		slog.String("topic", p.topic),
		slog.String("job_id", task.JobID))
	return nil
}

func (p *Producer) abort(ctx context.Context, jobID string) {
	if err := p.client.EndTransaction(ctx, kgo.TryAbort); err != nil {
		slog.Error("failed to abort transaction",
			slog.String("job_id", jobID),
			slog.Any("error", err))
	}
}

func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
