package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/schema"
)

// createVersion1 writes a database as the first schema version left it.
func createVersion1(t *testing.T, path string, docs []*model.MutableDocument, batchKeys []model.DocumentKey) {
	t.Helper()
	conn, err := sql.Open("sqlite3", "file:"+path)
	require.NoError(t, err)
	defer conn.Close()

	for _, name := range schema.StoresAt(1) {
		_, err := conn.Exec(fmt.Sprintf(`CREATE TABLE %s (key BLOB PRIMARY KEY, value BLOB) WITHOUT ROWID`, quote(name)))
		require.NoError(t, err)
	}
	for _, doc := range docs {
		data, err := schema.Encode(schema.NewRemoteDocumentRow(doc))
		require.NoError(t, err)
		_, err = conn.Exec(`INSERT INTO "remoteDocuments" (key, value) VALUES (?, ?)`, schema.RemoteDocumentKey(doc.Key()), data)
		require.NoError(t, err)
	}
	for i, key := range batchKeys {
		_, err = conn.Exec(`INSERT INTO "documentMutations" (key, value) VALUES (?, ?)`, schema.DocumentMutationKey("u", key, i+1), []byte{})
		require.NoError(t, err)
		batch := &schema.MutationBatchRow{
			UserID:    "u",
			BatchID:   i + 1,
			Mutations: []model.Mutation{model.NewDeleteMutation(key)},
		}
		data, err := schema.Encode(batch)
		require.NoError(t, err)
		_, err = conn.Exec(`INSERT INTO "mutations" (key, value) VALUES (?, ?)`, schema.MutationKey("u", i+1), data)
		require.NoError(t, err)
	}
	_, err = conn.Exec("PRAGMA user_version = 1")
	require.NoError(t, err)
}

func TestMigrationBackfillsNewStores(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")
	a := model.NewNoDocument(model.Key("rooms/r1"), model.Version(1, 0)).SetReadTime(model.Version(2, 0))
	b := model.NewNoDocument(model.Key("rooms/r1/messages/m1"), model.Version(1, 0)).SetReadTime(model.Version(3, 0))
	createVersion1(t, path, []*model.MutableDocument{a, b}, []model.DocumentKey{model.Key("users/u1")})

	p, err := NewSQLite(sqliteConfig(path))
	require.NoError(t, err)
	defer p.Shutdown()
	assert.Equal(t, schema.CurrentVersion, p.SchemaVersion())

	err = p.RunTransaction(ctx, "inspect", ReadOnly, func(tx *Transaction) error {
		size, err := GetRow[schema.RemoteDocumentGlobalRow](tx.Store(schema.RemoteDocumentGlobal), schema.SingletonKey())
		require.NoError(t, err)
		require.NotNil(t, size)
		assert.Positive(t, size.ByteSize)

		for _, k := range [][]byte{
			schema.CollectionParentKey("rooms", model.ResourcePath{}),
			schema.CollectionParentKey("messages", model.ResourcePath{"rooms", "r1"}),
			schema.CollectionParentKey("users", model.ResourcePath{}),
		} {
			v, err := tx.Store(schema.CollectionParents).Get(k)
			require.NoError(t, err)
			assert.NotNil(t, v, "parent %x", k)
		}

		flag, err := GetGlobal(tx, schema.GlobalOverlayMigrationPending)
		require.NoError(t, err)
		assert.Equal(t, "true", string(flag))

		v, err := tx.Store(schema.RemoteDocumentsByGroup).Get(schema.RemoteDocumentByGroupKey(b.Key(), b.ReadTime()))
		require.NoError(t, err)
		assert.NotNil(t, v)
		n, err := tx.Store(schema.RemoteDocumentsByCollection).Count(Everything())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	})
	require.NoError(t, err)
}

func TestFreshDatabaseHasNoMigrationFlags(t *testing.T) {
	p, err := NewSQLite(sqliteConfig(filepath.Join(t.TempDir(), "fresh.db")))
	require.NoError(t, err)
	defer p.Shutdown()

	flag, err := Run(context.Background(), p, "flag", ReadOnly, func(tx *Transaction) ([]byte, error) {
		return GetGlobal(tx, schema.GlobalOverlayMigrationPending)
	})
	require.NoError(t, err)
	assert.Nil(t, flag)
}

func TestNewerSchemaIsRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "newer.db")
	conn, err := sql.Open("sqlite3", "file:"+path)
	require.NoError(t, err)
	_, err = conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", schema.CurrentVersion+1))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = NewSQLite(sqliteConfig(path))
	assert.Equal(t, errs.FailedPrecondition, errs.CodeOf(err))
}

func TestDataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	p, err := NewSQLite(sqliteConfig(path))
	require.NoError(t, err)
	put(t, p, schema.Globals, "k", "v")
	require.NoError(t, p.Shutdown())

	p, err = NewSQLite(sqliteConfig(path))
	require.NoError(t, err)
	defer p.Shutdown()
	assert.Equal(t, []string{"k"}, keys(t, p, schema.Globals, Everything(), false))
}

func TestWatcherReportsDatabaseWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.db")
	w, err := NewWatcher(path, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()
	assert.True(t, w.IsRunning())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644))
	select {
	case <-w.Changes():
		t.Fatal("unrelated file triggered a notification")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path+"-wal", []byte("frame"), 0644))
	select {
	case <-w.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("no notification for WAL write")
	}

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	_, ok := <-w.Changes()
	assert.False(t, ok)
}
