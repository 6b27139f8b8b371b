// Package loadtest measures local query latency of a docsync client.
//
// A store is populated through a generated bundle so that every document
// lives in the remote document cache, then the same filtered query is run
// by concurrent workers twice: once as a full collection scan and once
// through a field index. Both runs must return the same documents.
package loadtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/docsync/internal/bundle"
	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
)

// Collection is the collection the load test populates.
const Collection = "items"

// Mode selects how the benchmark query executes.
type Mode string

const (
	ModeFullScan Mode = "full_scan"
	ModeIndex    Mode = "index"
)

// TestStore is a populated client.
type TestStore struct {
	Client      *client.Client
	TotalDocs   int
	MatchingIDs []string
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Mode         Mode
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
	Durations    []time.Duration `json:"-"`
}

// Comparison holds the results of both modes.
type Comparison struct {
	FullScan *LatencyStats
	Index    *LatencyStats
}

// priorities is weighted so that priority 0, the benchmark filter, matches
// one document in ten.
var priorities = []int{0, 1, 2, 2, 2, 2, 2, 3, 3, 4}

// BenchmarkQuery is the query every worker runs.
func BenchmarkQuery() query.Query {
	return query.NewQuery(model.ResourcePath{Collection}).
		Where(query.NewFieldFilter(model.MustFieldPath("priority"), query.Equal, model.Integer(0)))
}

// BenchmarkIndex is the field index serving BenchmarkQuery.
func BenchmarkIndex() *model.FieldIndex {
	return &model.FieldIndex{
		IndexID:         model.UnknownIndexID,
		CollectionGroup: Collection,
		Segments:        []model.IndexSegment{{FieldPath: model.MustFieldPath("priority"), Kind: model.Ascending}},
	}
}

// GenerateBundle writes a bundle of numDocs documents of Collection to w
// and returns the ids of the documents BenchmarkQuery matches.
func GenerateBundle(w io.Writer, numDocs int) ([]string, error) {
	enc := json.NewEncoder(w)
	readTime := model.Version(time.Now().Unix(), 0)
	md := &bundle.Metadata{
		ID:             fmt.Sprintf("loadtest-%d", numDocs),
		CreateTime:     readTime.Timestamp,
		Version:        1,
		TotalDocuments: numDocs,
	}
	if err := enc.Encode(bundle.Element{Metadata: md}); err != nil {
		return nil, err
	}

	var matching []string
	for i := 0; i < numDocs; i++ {
		id := fmt.Sprintf("item-%05d", i)
		key := model.Key(Collection + "/" + id)
		priority := priorities[i%len(priorities)]
		if priority == 0 {
			matching = append(matching, id)
		}
		fields, err := model.ObjectFromGo(map[string]any{
			"title":    fmt.Sprintf("Item %d", i),
			"priority": priority,
			"batch":    i / 100,
			"tags":     []any{"loadtest", fmt.Sprintf("batch-%d", i/100)},
		})
		if err != nil {
			return nil, err
		}
		elems := []bundle.Element{
			{DocumentMetadata: &bundle.DocumentMetadata{Key: key, ReadTime: readTime, Exists: true}},
			{Document: &bundle.Document{Key: key, Fields: fields, CreateTime: readTime, UpdateTime: readTime}},
		}
		for _, e := range elems {
			if err := enc.Encode(e); err != nil {
				return nil, err
			}
		}
	}
	return matching, nil
}

// CreateTestStore loads numDocs generated documents into c.
func CreateTestStore(ctx context.Context, c *client.Client, numDocs int) (*TestStore, error) {
	var buf bytes.Buffer
	matching, err := GenerateBundle(&buf, numDocs)
	if err != nil {
		return nil, fmt.Errorf("failed to generate bundle: %w", err)
	}
	progress, err := c.LoadBundle(ctx, &buf, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load bundle: %w", err)
	}
	if progress.State != bundle.TaskSuccess {
		return nil, fmt.Errorf("bundle load ended in state %s", progress.State)
	}
	return &TestStore{Client: c, TotalDocs: numDocs, MatchingIDs: matching}, nil
}

// Prepare configures the client for mode. Index mode backfills the index
// completely before returning.
func (ts *TestStore) Prepare(ctx context.Context, mode Mode) error {
	c := ts.Client
	if err := c.SetIndexAutoCreationEnabled(ctx, false); err != nil {
		return err
	}
	switch mode {
	case ModeFullScan:
		return c.DeleteAllFieldIndexes(ctx)
	case ModeIndex:
		if err := c.ConfigureFieldIndexes(ctx, []*model.FieldIndex{BenchmarkIndex()}); err != nil {
			return err
		}
		for {
			n, err := c.Backfill(ctx)
			if err != nil {
				return fmt.Errorf("failed to backfill index: %w", err)
			}
			if n == 0 {
				return nil
			}
		}
	}
	return fmt.Errorf("unknown mode %q", mode)
}

// RunConcurrentQueries runs BenchmarkQuery from numWorkers goroutines,
// queriesPerWorker times each. A result that differs from the expected
// documents counts as an error.
func (ts *TestStore) RunConcurrentQueries(ctx context.Context, mode Mode, numWorkers, queriesPerWorker int) (*LatencyStats, error) {
	if err := ts.Prepare(ctx, mode); err != nil {
		return nil, err
	}
	q := BenchmarkQuery()

	var mu sync.Mutex
	var all []time.Duration
	errorCount := 0

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < numWorkers; w++ {
		g.Go(func() error {
			durations := make([]time.Duration, 0, queriesPerWorker)
			failed := 0
			for j := 0; j < queriesPerWorker; j++ {
				start := time.Now()
				snap, err := ts.Client.GetDocumentsFromCache(gctx, q)
				durations = append(durations, time.Since(start))
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					failed++
					continue
				}
				if snap.Docs.Len() != len(ts.MatchingIDs) {
					failed++
				}
			}
			mu.Lock()
			defer mu.Unlock()
			all = append(all, durations...)
			errorCount += failed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no queries completed")
	}
	stats := computeLatencyStats(all)
	stats.Mode = mode
	stats.Errors = errorCount
	return stats, nil
}

// Compare runs both modes with the same load.
func (ts *TestStore) Compare(ctx context.Context, numWorkers, queriesPerWorker int) (*Comparison, error) {
	full, err := ts.RunConcurrentQueries(ctx, ModeFullScan, numWorkers, queriesPerWorker)
	if err != nil {
		return nil, fmt.Errorf("full scan run failed: %w", err)
	}
	indexed, err := ts.RunConcurrentQueries(ctx, ModeIndex, numWorkers, queriesPerWorker)
	if err != nil {
		return nil, fmt.Errorf("index run failed: %w", err)
	}
	return &Comparison{FullScan: full, Index: indexed}, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
		Durations:    sorted,
	}
}

// PrintStats writes the statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics (%s):\n", s.Mode)
	fmt.Fprintf(w, "  Total Queries: %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// Speedup is the ratio of full-scan to index median latency.
func (c *Comparison) Speedup() float64 {
	if c.Index.P50 == 0 {
		return 0
	}
	return float64(c.FullScan.P50) / float64(c.Index.P50)
}
