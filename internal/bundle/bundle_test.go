package bundle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/model"
)

const sample = `{"metadata":{"id":"b1","createTime":{"seconds":100},"version":1,"totalDocuments":2}}
{"namedQuery":{"name":"rooms","readTime":{"seconds":100},"query":{"path":"rooms"}}}

{"documentMetadata":{"name":"rooms/a","readTime":{"seconds":100},"exists":true,"queries":["rooms"]}}
{"document":{"name":"rooms/a","fields":{"n":{"integerValue":"1"}},"updateTime":{"seconds":90}}}
{"documentMetadata":{"name":"rooms/b","readTime":{"seconds":100},"exists":false}}
`

func TestReaderRequiresMetadata(t *testing.T) {
	_, err := NewReader(strings.NewReader(`{"documentMetadata":{"name":"rooms/a","exists":false}}`))
	assert.ErrorIs(t, err, ErrNoMetadata)

	_, err = NewReader(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrNoMetadata)
}

func TestReaderRejectsAmbiguousElements(t *testing.T) {
	r, err := NewReader(strings.NewReader(`{"metadata":{"id":"b1"}}
{"namedQuery":{"name":"q"},"documentMetadata":{"name":"rooms/a"}}`))
	require.NoError(t, err)
	_, err = r.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestLoaderCollectsDocumentsAndProgress(t *testing.T) {
	r, err := NewReader(strings.NewReader(sample))
	require.NoError(t, err)
	assert.Equal(t, "b1", r.Metadata().ID)

	var updates []Progress
	l := NewLoader(r, func(p Progress) { updates = append(updates, p) })
	c, err := l.Load()
	require.NoError(t, err)
	l.Complete()

	require.Len(t, c.Documents, 2)
	require.Len(t, c.Queries, 1)
	assert.Equal(t, "rooms", c.Queries[0].Name)

	a := c.Documents[0].ToMutableDocument()
	assert.True(t, a.IsFoundDocument())
	assert.Equal(t, model.Version(90, 0), a.Version())
	assert.Equal(t, model.Version(100, 0), a.ReadTime())

	b := c.Documents[1].ToMutableDocument()
	assert.True(t, b.IsNoDocument())

	assert.True(t, c.KeysForQuery("rooms").Equal(model.NewDocumentKeySet(model.Key("rooms/a"))))

	last := updates[len(updates)-1]
	assert.Equal(t, TaskSuccess, last.State)
	assert.Equal(t, 2, last.DocumentsLoaded)
	assert.Equal(t, 2, last.TotalDocuments)
	assert.Positive(t, last.BytesLoaded)
}

func TestLoaderRejectsOrphanDocument(t *testing.T) {
	r, err := NewReader(strings.NewReader(`{"metadata":{"id":"b1"}}
{"document":{"name":"rooms/a","fields":{}}}`))
	require.NoError(t, err)
	var last Progress
	_, err = NewLoader(r, func(p Progress) { last = p }).Load()
	require.Error(t, err)
	assert.Equal(t, TaskError, last.State)
}
