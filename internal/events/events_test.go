package events

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/metrics"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return s.err
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestPublisher_FlushesOnClose(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher([]Sink{sink}, WithFlushInterval(time.Hour))
	p.Start()

	p.Publish(Event{Type: CommitSucceeded, Index: "docs", Generation: 1})
	p.Publish(Event{Type: IndexDeleted, Index: "docs"})
	require.NoError(t, p.Close())

	got := sink.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, CommitSucceeded, got[0].Type)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.True(t, sink.closed)
}

func TestPublisher_FlushesFullBatch(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher([]Sink{sink}, WithBatchSize(2), WithFlushInterval(time.Hour))
	p.Start()
	defer p.Close()

	p.Publish(Event{Type: CommitSucceeded, Index: "a"})
	p.Publish(Event{Type: CommitSucceeded, Index: "b"})

	assert.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestPublisher_SinkFailureDoesNotStopOthers(t *testing.T) {
	failing := &recordingSink{err: errors.New("down")}
	ok := &recordingSink{}
	p := NewPublisher([]Sink{failing, ok})
	p.Start()
	p.Publish(Event{Type: CommitFailed, Index: "docs"})
	require.NoError(t, p.Close())

	assert.Len(t, ok.snapshot(), 1)
}

func TestPublisher_DropsWhenFull(t *testing.T) {
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	p := NewPublisher(nil, WithBufferSize(1), WithMetrics(m))
	// not started, so the buffer never drains
	p.Publish(Event{Type: CommitSucceeded})
	p.Publish(Event{Type: CommitSucceeded})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDroppedTotal))
}

func TestPublisher_NilIsNoop(t *testing.T) {
	var p *Publisher
	p.Publish(Event{Type: CommitSucceeded})
	assert.NoError(t, p.Close())
}

type failingTx struct{ calls int }

func (f *failingTx) InTx(context.Context, func(*sql.Tx) error) error {
	f.calls++
	return errors.New("connection refused")
}

func TestJournalSink_RetriesThenFails(t *testing.T) {
	db := &failingTx{}
	sink := NewJournalSink(db, nil)
	sink.retry.Base = time.Millisecond

	err := sink.Write(context.Background(), []Event{{ID: "x", Type: CommitSucceeded}})
	require.Error(t, err)
	assert.Equal(t, 3, db.calls)
	assert.NoError(t, sink.Close())
}
