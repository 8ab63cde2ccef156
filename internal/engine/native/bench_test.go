package native

import (
	"context"
	"fmt"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/analysis"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/query"
)

var sampleTitles = []string{
	"Introduction to distributed systems and consensus algorithms",
	"Building scalable web applications with microservices",
	"Machine learning fundamentals for software engineers",
	"Database indexing strategies for high performance queries",
	"Understanding network protocols and socket programming",
}

func BenchmarkCommit(b *testing.B) {
	idx, err := New().Open(b.TempDir(), testSchema(), analysis.NewRegistry())
	if err != nil {
		b.Fatal(err)
	}
	defer idx.Close()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		batch := make(engine.Batch, 0, 100)
		for j := 0; j < 100; j++ {
			batch = append(batch, engine.Add(doc(sampleTitles[j%len(sampleTitles)], int64(i*100+j), "bench")))
		}
		snap, err := idx.Commit(context.Background(), batch, uint64(i+1))
		if err != nil {
			b.Fatal(err)
		}
		snap.Close()
	}
}

func BenchmarkSearch(b *testing.B) {
	idx, err := New().Open(b.TempDir(), testSchema(), analysis.NewRegistry())
	if err != nil {
		b.Fatal(err)
	}
	defer idx.Close()
	batch := make(engine.Batch, 0, 10000)
	for i := 0; i < 10000; i++ {
		title := fmt.Sprintf("%s part %d", sampleTitles[i%len(sampleTitles)], i)
		batch = append(batch, engine.Add(doc(title, int64(i), "bench")))
	}
	snap, err := idx.Commit(context.Background(), batch, 1)
	if err != nil {
		b.Fatal(err)
	}
	defer snap.Close()
	q := query.NewTerm("title", "distributed systems")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := snap.Search(context.Background(), &q, engine.SearchOptions{Limit: 10}); err != nil {
			b.Fatal(err)
		}
	}
}
