// Package ingest reads document-ingest messages from Kafka and feeds them
// through the router, so producers can write to an index without going
// through the HTTP API.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/router"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchserver/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/metrics"
)

// Message is the payload of one document-ingest record.
type Message struct {
	Index     string            `json:"index"`
	Documents []schema.Document `json:"documents"`
	Commit    bool              `json:"commit,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// Dispatcher is the subset of the router the consumer needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, index string, op router.Op) (any, error)
}

// Consumer wraps a Kafka consumer to drive ingestion.
type Consumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// New creates a Consumer reading cfg.Topic and dispatching through d.
func New(cfg kafka.ConsumerConfig, d Dispatcher, m *metrics.Metrics) *Consumer {
	return &Consumer{
		consumer: kafka.NewConsumer(cfg, HandleMessage(d, m)),
		logger:   slog.Default().With("component", "ingest-consumer"),
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("ingest consumer starting")
	return c.consumer.Run(ctx)
}

// HandleMessage returns a kafka.Handler that decodes a Message and
// dispatches it as an Ingest operation. Messages that can never succeed
// (undecodable, unknown index, schema violations) are marked permanent so
// their offsets are committed; transient failures such as a busy writer or
// a draining server are left for redelivery.
func HandleMessage(d Dispatcher, m *metrics.Metrics) kafka.Handler {
	log := slog.Default().With("component", "ingest-consumer")
	return func(ctx context.Context, key, value []byte) error {
		msg, err := kafka.DecodeJSON[Message](value)
		if err != nil {
			m.ObserveIngestMessage("malformed")
			return kafka.Permanent(err)
		}
		if msg.Index == "" || len(msg.Documents) == 0 {
			m.ObserveIngestMessage("malformed")
			return kafka.Permanent(fmt.Errorf("message %q has no index or documents", key))
		}
		if msg.RequestID != "" {
			ctx = logger.WithRequestID(ctx, msg.RequestID)
		}

		res, err := d.Dispatch(ctx, msg.Index, router.Ingest{Docs: msg.Documents, Commit: msg.Commit})
		if err != nil {
			if rejected(err) {
				m.ObserveIngestMessage("rejected")
				return kafka.Permanent(err)
			}
			m.ObserveIngestMessage("failed")
			return fmt.Errorf("ingesting into %s: %w", msg.Index, err)
		}
		m.ObserveIngestMessage("ok")
		log.Debug("documents ingested",
			"index", msg.Index,
			"documents", len(msg.Documents),
			"result", res,
		)
		return nil
	}
}

func rejected(err error) bool {
	return errors.Is(err, apperrors.ErrNotFound) ||
		errors.Is(err, apperrors.ErrSchemaValidation) ||
		errors.Is(err, apperrors.ErrInvalidInput)
}
