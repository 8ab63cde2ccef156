package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
)

// loadConfig drives a mixed read/write load against one index.
type loadConfig struct {
	BaseURL  string
	Index    string
	Readers  int
	Writers  int
	Batch    int
	Duration time.Duration
	Queries  []string
}

// opStats records latency and status codes for one kind of request.
type opStats struct {
	total     atomic.Int64
	errors    atomic.Int64
	mu        sync.Mutex
	latencies []time.Duration
	codes     map[int]int64
}

func newOpStats() *opStats {
	return &opStats{latencies: make([]time.Duration, 0, 1<<14), codes: make(map[int]int64)}
}

func (s *opStats) record(d time.Duration, code int, err error) {
	s.total.Add(1)
	if err != nil || code < 200 || code >= 300 {
		s.errors.Add(1)
	}
	if err != nil {
		return
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.codes[code]++
	s.mu.Unlock()
}

func newLoadtestCmd() *cobra.Command {
	cfg := loadConfig{
		Queries: []string{
			"title:search", "title:index", "body:commit", "body:generation",
			`title:"search engine"`, "body:segment AND body:merge", "title:cache OR title:shard",
		},
	}
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Run a mixed ingest and query load against a running server",
		Long: `loadtest creates the target index if needed (title and body text fields),
then runs writer workers that post document batches and reader workers that
issue string queries until the duration elapses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			client := &http.Client{
				Timeout: 10 * time.Second,
				Transport: &http.Transport{
					MaxIdleConns:        (cfg.Readers + cfg.Writers) * 2,
					MaxIdleConnsPerHost: (cfg.Readers + cfg.Writers) * 2,
					IdleConnTimeout:     90 * time.Second,
				},
			}
			if err := ensureLoadIndex(cmd.Context(), client, cfg); err != nil {
				return err
			}
			fmt.Fprintf(out, "target %s index %s: %d readers, %d writers (batch %d) for %s\n",
				cfg.BaseURL, cfg.Index, cfg.Readers, cfg.Writers, cfg.Batch, cfg.Duration)

			reads, writes := runLoad(cmd.Context(), client, cfg)
			printOpReport(out, "query", reads, cfg.Duration)
			printOpReport(out, "ingest", writes, cfg.Duration)
			if reads.total.Load()+writes.total.Load() == 0 {
				return fmt.Errorf("no requests completed; is the server running at %s?", cfg.BaseURL)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.BaseURL, "url", "http://localhost:8080", "base URL of the server")
	cmd.Flags().StringVar(&cfg.Index, "index", "loadtest", "index to target")
	cmd.Flags().IntVar(&cfg.Readers, "readers", 8, "concurrent query workers")
	cmd.Flags().IntVar(&cfg.Writers, "writers", 2, "concurrent ingest workers")
	cmd.Flags().IntVar(&cfg.Batch, "batch", 50, "documents per ingest request")
	cmd.Flags().DurationVar(&cfg.Duration, "duration", 30*time.Second, "test duration")
	return cmd
}

func ensureLoadIndex(ctx context.Context, client *http.Client, cfg loadConfig) error {
	body := `{"schema": {"fields": [{"name": "title", "type": "text"}, {"name": "body", "type": "text"}, {"name": "seq", "type": "integer"}]}}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, cfg.BaseURL+"/indices/"+url.PathEscape(cfg.Index), bytes.NewBufferString(body))
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("creating index: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("creating index: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func runLoad(parent context.Context, client *http.Client, cfg loadConfig) (reads, writes *opStats) {
	reads, writes = newOpStats(), newOpStats()
	ctx, cancel := context.WithTimeout(parent, cfg.Duration)
	defer cancel()

	var (
		wg  sync.WaitGroup
		seq atomic.Int64
	)
	for w := range cfg.Readers {
		wg.Go(func() {
			for i := w; ctx.Err() == nil; i++ {
				q := cfg.Queries[i%len(cfg.Queries)]
				u := fmt.Sprintf("%s/indices/%s/search?q=%s&limit=10", cfg.BaseURL, url.PathEscape(cfg.Index), url.QueryEscape(q))
				do(ctx, client, reads, http.MethodGet, u, nil)
			}
		})
	}
	for range cfg.Writers {
		wg.Go(func() {
			for ctx.Err() == nil {
				docs := make([]map[string]any, cfg.Batch)
				for i := range docs {
					n := seq.Add(1)
					docs[i] = map[string]any{
						"title": fmt.Sprintf("search index document %d", n),
						"body":  "segment merge commit generation cache shard",
						"seq":   n,
					}
				}
				payload, _ := json.Marshal(map[string]any{"documents": docs})
				u := fmt.Sprintf("%s/indices/%s/documents", cfg.BaseURL, url.PathEscape(cfg.Index))
				do(ctx, client, writes, http.MethodPost, u, payload)
			}
		})
	}
	wg.Wait()
	return reads, writes
}

func do(ctx context.Context, client *http.Client, stats *opStats, method, rawURL string, body []byte) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		stats.record(0, 0, err)
		return
	}
	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			stats.record(elapsed, 0, err)
		}
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	stats.record(elapsed, resp.StatusCode, nil)
}

func printOpReport(w io.Writer, name string, s *opStats, d time.Duration) {
	total, errs := s.total.Load(), s.errors.Load()
	fmt.Fprintf(w, "\n=== %s ===\n", name)
	fmt.Fprintf(w, "requests: %d  errors: %d  rps: %.1f\n", total, errs, float64(total)/d.Seconds())

	s.mu.Lock()
	lat := slices.Clone(s.latencies)
	codes := make([]int, 0, len(s.codes))
	for c := range s.codes {
		codes = append(codes, c)
	}
	slices.Sort(codes)
	for _, c := range codes {
		fmt.Fprintf(w, "  status %d: %d\n", c, s.codes[c])
	}
	s.mu.Unlock()

	if len(lat) == 0 {
		return
	}
	slices.Sort(lat)
	fmt.Fprintf(w, "latency min %s  p50 %s  p90 %s  p99 %s  max %s\n",
		lat[0], percentile(lat, 50), percentile(lat, 90), percentile(lat, 99), lat[len(lat)-1])
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
