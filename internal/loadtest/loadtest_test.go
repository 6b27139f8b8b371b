package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/bundle"
	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/config"
)

func newClient(t *testing.T, settings *config.Settings) *client.Client {
	t.Helper()
	cfg := client.DefaultConfig()
	cfg.Settings = settings
	c, err := client.NewWithConfig(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func memorySettings() *config.Settings {
	s := config.DefaultSettings()
	s.Persistence.Backend = config.BackendMemory
	return s
}

func TestGenerateBundle(t *testing.T) {
	var buf bytes.Buffer
	matching, err := GenerateBundle(&buf, 25)
	require.NoError(t, err)
	assert.Len(t, matching, 3)
	assert.Equal(t, "item-00000", matching[0])

	r, err := bundle.NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, 25, r.Metadata().TotalDocuments)
}

func TestCreateTestStore(t *testing.T) {
	ctx := context.Background()
	ts, err := CreateTestStore(ctx, newClient(t, memorySettings()), 50)
	require.NoError(t, err)
	assert.Equal(t, 50, ts.TotalDocs)
	assert.Len(t, ts.MatchingIDs, 5)

	snap, err := ts.Client.GetDocumentsFromCache(ctx, BenchmarkQuery())
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Docs.Len())
}

func TestConcurrentQueries_Small(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := config.DefaultSettings()
	s.Persistence.Path = filepath.Join(t.TempDir(), "load.db")
	ts, err := CreateTestStore(ctx, newClient(t, s), 200)
	require.NoError(t, err)

	cmp, err := ts.Compare(ctx, 4, 5)
	require.NoError(t, err)
	for _, stats := range []*LatencyStats{cmp.FullScan, cmp.Index} {
		assert.Equal(t, 20, stats.TotalQueries)
		assert.Zero(t, stats.Errors, "mode %s returned wrong results", stats.Mode)
		assert.LessOrEqual(t, stats.Min, stats.P50)
		assert.LessOrEqual(t, stats.P50, stats.P99)
		assert.LessOrEqual(t, stats.P99, stats.Max)
	}
	assert.Equal(t, ModeFullScan, cmp.FullScan.Mode)
	assert.Equal(t, ModeIndex, cmp.Index.Mode)

	indexes, err := ts.Client.FieldIndexes(ctx)
	require.NoError(t, err)
	assert.Len(t, indexes, 1)
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	stats := computeLatencyStats(durations)
	assert.Equal(t, time.Millisecond, stats.Min)
	assert.Equal(t, 100*time.Millisecond, stats.Max)
	assert.Equal(t, 51*time.Millisecond, stats.P50)
	assert.Equal(t, 96*time.Millisecond, stats.P95)
	assert.Equal(t, 100*time.Millisecond, stats.P99)
	assert.Equal(t, 50500*time.Microsecond, stats.Mean)
	assert.Equal(t, 100, stats.TotalQueries)

	assert.Equal(t, &LatencyStats{}, computeLatencyStats(nil))
}

func TestPrintStats(t *testing.T) {
	stats := computeLatencyStats([]time.Duration{time.Millisecond})
	stats.Mode = ModeIndex
	var out strings.Builder
	stats.PrintStats(&out)
	assert.Contains(t, out.String(), "Latency Statistics (index)")
	assert.Contains(t, out.String(), "Total Queries: 1")
}

func TestPrepareRejectsUnknownMode(t *testing.T) {
	ts := &TestStore{Client: newClient(t, memorySettings())}
	assert.Error(t, ts.Prepare(context.Background(), Mode("bogus")))
}
