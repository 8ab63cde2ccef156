package events

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/resilience"
)

// KafkaSink publishes events to a topic keyed by index name.
type KafkaSink struct {
	producer *kafka.Producer
}

func NewKafkaSink(p *kafka.Producer) *KafkaSink {
	return &KafkaSink{producer: p}
}

func (s *KafkaSink) Name() string { return "kafka:" + s.producer.Topic() }

func (s *KafkaSink) Write(ctx context.Context, batch []Event) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, e := range batch {
		msgs = append(msgs, kafka.Message{Key: e.Index, Value: e})
	}
	return s.producer.Publish(ctx, msgs...)
}

func (s *KafkaSink) Close() error { return s.producer.Close() }

// TxRunner runs fn inside a database transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// JournalSchema creates the journal table.
const JournalSchema = `CREATE TABLE IF NOT EXISTS index_events (
	id          UUID PRIMARY KEY,
	type        TEXT NOT NULL,
	index_name  TEXT NOT NULL,
	generation  BIGINT NOT NULL,
	docs        BIGINT NOT NULL DEFAULT 0,
	ops         INTEGER NOT NULL DEFAULT 0,
	latency_ms  BIGINT NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
)`

const insertEvent = `INSERT INTO index_events
	(id, type, index_name, generation, docs, ops, latency_ms, error, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO NOTHING`

// JournalSink appends events to PostgreSQL, one transaction per batch.
type JournalSink struct {
	db     TxRunner
	closer func() error
	retry  resilience.RetryConfig
	logger *slog.Logger
}

func NewJournalSink(db TxRunner, closer func() error) *JournalSink {
	return &JournalSink{
		db:     db,
		closer: closer,
		retry:  resilience.RetryConfig{Attempts: 3},
		logger: slog.Default().With("component", "event-journal"),
	}
}

func (s *JournalSink) Name() string { return "journal" }

func (s *JournalSink) Write(ctx context.Context, batch []Event) error {
	return resilience.Retry(ctx, "journal-write", s.retry, func(ctx context.Context) error {
		return s.db.InTx(ctx, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, insertEvent)
			if err != nil {
				return fmt.Errorf("preparing insert: %w", err)
			}
			defer stmt.Close()
			for _, e := range batch {
				if _, err := stmt.ExecContext(ctx,
					e.ID, string(e.Type), e.Index, int64(e.Generation), int64(e.Docs),
					e.Ops, e.LatencyMs, e.Error, e.Timestamp,
				); err != nil {
					return fmt.Errorf("inserting event %s: %w", e.ID, err)
				}
			}
			return nil
		})
	})
}

func (s *JournalSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// LogSink writes each event to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: slog.Default().With("component", "events")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, batch []Event) error {
	for _, e := range batch {
		s.logger.Info("index event",
			"type", e.Type,
			"index", e.Index,
			"generation", e.Generation,
			"error", e.Error,
		)
	}
	return nil
}

func (s *LogSink) Close() error { return nil }
