package main

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("2026-03-09T08:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC), got)

	got, err = parseSince("90m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-90*time.Minute), got)

	got, err = parseSince("2 hours ago", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-2*time.Hour), got)

	_, err = parseSince("xyzzy", now)
	assert.Error(t, err)
}

func TestParseJSONValueKeepsIntegers(t *testing.T) {
	v, err := parseJSONValue(`{"n": 3, "f": 1.5, "xs": [1, "a"]}`)
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, int64(3), m["n"])
	assert.Equal(t, 1.5, m["f"])
	assert.Equal(t, []any{int64(1), "a"}, m["xs"])

	_, err = parseJSONValue(`{`)
	assert.Error(t, err)
}

func TestParseFilter(t *testing.T) {
	f, err := parseFilter(`author == "ada lovelace"`)
	require.NoError(t, err)
	ff, ok := f.(*query.FieldFilter)
	require.True(t, ok)
	assert.Equal(t, query.Equal, ff.Op)
	assert.Equal(t, model.String("ada lovelace"), ff.Value)

	_, err = parseFilter("author ==")
	assert.Error(t, err)
	_, err = parseFilter(`author ~ "x"`)
	assert.Error(t, err)
}

func TestParseSegments(t *testing.T) {
	segs, err := parseSegments([]string{"capacity:desc", "name"})
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, model.Descending, segs[0].Kind)
	assert.Equal(t, "capacity", segs[0].FieldPath.String())
	assert.Equal(t, model.Ascending, segs[1].Kind)

	_, err = parseSegments([]string{"name:sideways"})
	assert.Error(t, err)
}

func TestBuildQuery(t *testing.T) {
	cmd := &cobra.Command{}
	addQueryFlags(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{
		"--where", "capacity >= 10", "--order-by", "capacity desc", "--limit", "5",
	}))

	q, err := buildQuery(cmd, "rooms")
	require.NoError(t, err)
	assert.Equal(t, model.ResourcePath{"rooms"}, q.Path)
	assert.Len(t, q.Filters, 1)
	require.Len(t, q.ExplicitOrderBy, 1)
	assert.Equal(t, query.Descending, q.ExplicitOrderBy[0].Dir)
	assert.Equal(t, 5, q.Limit)
}
