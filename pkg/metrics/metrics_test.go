package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCommit("docs", "success", time.Millisecond)
	m.ObserveQuery("miss", 3, nil, time.Millisecond)
	m.ForgetIndex("docs")
}

func TestCommitAndForget(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegisterer(reg)

	m.ObserveCommit("docs", "success", 10*time.Millisecond)
	m.ObserveCommit("docs", "failure", 10*time.Millisecond)
	m.SetGeneration("docs", 4, 12)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommitsTotal.WithLabelValues("docs", "success")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.IndexGeneration.WithLabelValues("docs")))

	m.ForgetIndex("docs")
	assert.Equal(t, 0, testutil.CollectAndCount(m.IndexGeneration))
	assert.Equal(t, 0, testutil.CollectAndCount(m.CommitsTotal))
}

func TestObserveQueryOutcomes(t *testing.T) {
	m := NewWithRegisterer(prometheus.NewRegistry())

	m.ObserveQuery("miss", 0, nil, time.Millisecond)
	m.ObserveQuery("hit", 2, nil, time.Millisecond)
	m.ObserveQuery("miss", 0, errors.New("boom"), time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchQueriesTotal.WithLabelValues("zero_result")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchQueriesTotal.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchQueriesTotal.WithLabelValues("error")))
}

func TestHandlerForServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegisterer(reg)
	m.SetActiveIndices(3)

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "active_indices 3"))
}

func TestServer_ServesMetricsAndRejectsPortClash(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewWithRegisterer(reg).SetActiveIndices(2)

	srv := NewServer(0, HandlerFor(reg))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)

	resp, err := http.Get("http://127.0.0.1:" + port + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "active_indices 2")

	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	err = NewServer(p, HandlerFor(reg)).Start()
	assert.Error(t, err)
}
