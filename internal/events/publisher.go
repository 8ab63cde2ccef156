package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/metrics"
)

// Sink receives batches of events. Write is called from a single goroutine.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch []Event) error
	Close() error
}

// Publisher buffers events and flushes them to every sink either when a
// batch fills up or after the flush interval. A nil *Publisher discards
// everything.
type Publisher struct {
	sinks         []Sink
	eventCh       chan Event
	batchSize     int
	flushInterval time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger
	closeOnce     sync.Once
	done          chan struct{}
}

type Option func(*Publisher)

func WithBatchSize(n int) Option {
	return func(p *Publisher) { p.batchSize = n }
}

func WithFlushInterval(d time.Duration) Option {
	return func(p *Publisher) { p.flushInterval = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

func WithBufferSize(n int) Option {
	return func(p *Publisher) { p.eventCh = make(chan Event, n) }
}

func NewPublisher(sinks []Sink, opts ...Option) *Publisher {
	p := &Publisher{
		sinks:         sinks,
		eventCh:       make(chan Event, 1024),
		batchSize:     100,
		flushInterval: time.Second,
		logger:        slog.Default().With("component", "event-publisher"),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the flush loop. It runs until Close.
func (p *Publisher) Start() {
	go p.loop()
	names := make([]string, 0, len(p.sinks))
	for _, s := range p.sinks {
		names = append(names, s.Name())
	}
	p.logger.Info("event publisher started",
		"sinks", names,
		"buffer_size", cap(p.eventCh),
		"batch_size", p.batchSize,
	)
}

// Publish enqueues e, dropping it when the buffer is full.
func (p *Publisher) Publish(e Event) {
	if p == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case p.eventCh <- e:
	default:
		p.metrics.EventDropped()
		p.logger.Warn("event dropped (buffer full)", "type", e.Type, "index", e.Index)
	}
}

// Close flushes buffered events, then closes every sink. Publish must not
// be called afterwards.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.closeOnce.Do(func() { close(p.eventCh) })
	<-p.done
	var firstErr error
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			p.logger.Error("closing sink", "sink", s.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *Publisher) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, p.batchSize)
	for {
		select {
		case e, ok := <-p.eventCh:
			if !ok {
				// final flush with a short deadline
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				p.flush(ctx, batch)
				cancel()
				return
			}
			batch = append(batch, e)
			if len(batch) >= p.batchSize {
				p.flush(context.Background(), batch)
				batch = make([]Event, 0, p.batchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(context.Background(), batch)
				batch = make([]Event, 0, p.batchSize)
			}
		}
	}
}

func (p *Publisher) flush(ctx context.Context, batch []Event) {
	if len(batch) == 0 {
		return
	}
	for _, s := range p.sinks {
		if err := s.Write(ctx, batch); err != nil {
			p.logger.Error("sink write failed",
				"sink", s.Name(),
				"batch_size", len(batch),
				"error", err,
			)
			continue
		}
	}
	p.logger.Debug("events flushed", "count", len(batch))
}
