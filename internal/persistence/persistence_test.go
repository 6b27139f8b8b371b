package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/schema"
)

func sqliteConfig(path string) Config {
	cfg := DefaultConfig()
	cfg.Backend = config.BackendSQLite
	cfg.Path = path
	cfg.Lease.RefreshInterval = time.Hour
	return cfg
}

// backends returns a fresh persistence per backend.
func backends(t *testing.T) map[string]*Persistence {
	t.Helper()
	mem := NewMemory(DefaultConfig())
	lite, err := NewSQLite(sqliteConfig(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = mem.Shutdown()
		_ = lite.Shutdown()
	})
	return map[string]*Persistence{"memory": mem, "sqlite": lite}
}

func put(t *testing.T, p *Persistence, store string, kv ...string) {
	t.Helper()
	err := p.RunTransaction(context.Background(), "put", ReadWrite, func(tx *Transaction) error {
		for i := 0; i < len(kv); i += 2 {
			if err := tx.Store(store).Put([]byte(kv[i]), []byte(kv[i+1])); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func keys(t *testing.T, p *Persistence, store string, r Range, reverse bool) []string {
	t.Helper()
	out, err := Run(context.Background(), p, "keys", ReadOnly, func(tx *Transaction) ([]string, error) {
		var ks []string
		err := tx.Store(store).Iterate(r, reverse, func(k, _ []byte) error {
			ks = append(ks, string(k))
			return nil
		})
		return ks, err
	})
	require.NoError(t, err)
	return out
}

func TestStoreOperations(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			put(t, p, schema.Globals, "a", "1", "b", "2", "c", "3", "d", "")

			v, err := Run(ctx, p, "get", ReadOnly, func(tx *Transaction) ([]byte, error) {
				return tx.Store(schema.Globals).Get([]byte("b"))
			})
			require.NoError(t, err)
			assert.Equal(t, []byte("2"), v)

			v, err = Run(ctx, p, "get empty", ReadOnly, func(tx *Transaction) ([]byte, error) {
				return tx.Store(schema.Globals).Get([]byte("d"))
			})
			require.NoError(t, err)
			assert.NotNil(t, v)
			assert.Empty(t, v)

			v, err = Run(ctx, p, "get missing", ReadOnly, func(tx *Transaction) ([]byte, error) {
				return tx.Store(schema.Globals).Get([]byte("zz"))
			})
			require.NoError(t, err)
			assert.Nil(t, v)

			assert.Equal(t, []string{"a", "b", "c", "d"}, keys(t, p, schema.Globals, Everything(), false))
			assert.Equal(t, []string{"d", "c", "b", "a"}, keys(t, p, schema.Globals, Everything(), true))
			assert.Equal(t, []string{"b", "c"}, keys(t, p, schema.Globals, Range{Start: []byte("b"), End: []byte("d")}, false))
			assert.Equal(t, []string{"c", "b"}, keys(t, p, schema.Globals, Range{Start: []byte("b"), End: []byte("d")}, true))
			assert.Equal(t, []string{"c", "b", "a"}, keys(t, p, schema.Globals, Range{End: []byte("cc")}, true))
			assert.Empty(t, keys(t, p, schema.Globals, Range{Start: []byte("c"), End: []byte("b")}, false))

			n, err := Run(ctx, p, "count", ReadOnly, func(tx *Transaction) (int, error) {
				return tx.Store(schema.Globals).Count(Range{Start: []byte("b")})
			})
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			var first string
			err = p.RunTransaction(ctx, "stop", ReadOnly, func(tx *Transaction) error {
				return tx.Store(schema.Globals).Iterate(Everything(), true, func(k, _ []byte) error {
					first = string(k)
					return ErrStop
				})
			})
			require.NoError(t, err)
			assert.Equal(t, "d", first)

			err = p.RunTransaction(ctx, "delete", ReadWrite, func(tx *Transaction) error {
				if err := tx.Store(schema.Globals).Delete([]byte("a")); err != nil {
					return err
				}
				return tx.Store(schema.Globals).DeleteRange(Range{Start: []byte("c")})
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"b"}, keys(t, p, schema.Globals, Everything(), false))
		})
	}
}

func TestFailedTransactionRollsBack(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			boom := errors.New("boom")
			committed := false
			err := p.RunTransaction(context.Background(), "fail", ReadWrite, func(tx *Transaction) error {
				tx.AddOnCommittedListener(func() { committed = true })
				if err := tx.Store(schema.Globals).Put([]byte("k"), []byte("v")); err != nil {
					return err
				}
				return boom
			})
			assert.ErrorIs(t, err, boom)
			assert.False(t, committed)
			assert.Empty(t, keys(t, p, schema.Globals, Everything(), false))

			err = p.RunTransaction(context.Background(), "succeed", ReadWrite, func(tx *Transaction) error {
				tx.AddOnCommittedListener(func() { committed = true })
				return tx.Store(schema.Globals).Put([]byte("k"), []byte("v"))
			})
			require.NoError(t, err)
			assert.True(t, committed)
		})
	}
}

func TestIterateAcrossPagesWhileWriting(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var kv []string
			for i := 0; i < 3*iteratePageSize+7; i++ {
				kv = append(kv, fmt.Sprintf("k%05d", i), "v")
			}
			put(t, p, schema.Globals, kv...)

			err := p.RunTransaction(context.Background(), "rewrite", ReadWrite, func(tx *Transaction) error {
				s := tx.Store(schema.Globals)
				return s.Iterate(Everything(), false, func(k, _ []byte) error {
					return s.Put(k, []byte("w"))
				})
			})
			require.NoError(t, err)

			got := keys(t, p, schema.Globals, Everything(), true)
			require.Len(t, got, 3*iteratePageSize+7)
			assert.Equal(t, fmt.Sprintf("k%05d", 3*iteratePageSize+6), got[0])
			assert.Equal(t, "k00000", got[len(got)-1])
		})
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	p := NewMemory(DefaultConfig())
	attempts := 0
	err := p.RunTransaction(context.Background(), "flaky", ReadWrite, func(tx *Transaction) error {
		attempts++
		if err := tx.Store(schema.Globals).Put([]byte("attempt"), []byte{byte(attempts)}); err != nil {
			return err
		}
		if attempts < 3 {
			return errs.Abort(errors.New("database is locked"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = p.RunTransaction(context.Background(), "invalid", ReadWrite, func(tx *Transaction) error {
		attempts++
		return errs.New(errs.InvalidArgument, "bad")
	})
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
	assert.Equal(t, 1, attempts)
}

func TestAssertionFailureReleasesTransaction(t *testing.T) {
	p := NewMemory(DefaultConfig())
	err := p.RunTransaction(context.Background(), "assert", ReadWrite, func(tx *Transaction) error {
		errs.Fail("broken invariant")
		return nil
	})
	assert.Equal(t, errs.Internal, errs.CodeOf(err))

	put(t, p, schema.Globals, "k", "v")
	assert.Equal(t, []string{"k"}, keys(t, p, schema.Globals, Everything(), false))
}

func TestTransactionMisuse(t *testing.T) {
	p := NewMemory(DefaultConfig())
	var leaked *Transaction
	var store Store
	err := p.RunTransaction(context.Background(), "read", ReadOnly, func(tx *Transaction) error {
		leaked = tx
		store = tx.Store(schema.Globals)
		return store.Put([]byte("k"), []byte("v"))
	})
	assert.Error(t, err)

	assert.Panics(t, func() { leaked.Store(schema.Globals) })
	_, err = store.Get([]byte("k"))
	assert.Error(t, err)

	err = p.RunTransaction(context.Background(), "unknown store", ReadOnly, func(tx *Transaction) error {
		tx.Store("tasks")
		return nil
	})
	assert.Equal(t, errs.Internal, errs.CodeOf(err))
}

func TestEngineVersion(t *testing.T) {
	ctx := context.Background()
	p := NewMemory(DefaultConfig())
	require.NoError(t, p.Start(ctx))
	v, err := Run(ctx, p, "version", ReadOnly, func(tx *Transaction) ([]byte, error) {
		return GetGlobal(tx, schema.GlobalEngineVersion)
	})
	require.NoError(t, err)
	assert.Equal(t, EngineVersion, string(v))

	newer := NewMemory(DefaultConfig())
	require.NoError(t, newer.RunTransaction(ctx, "future", ReadWrite, func(tx *Transaction) error {
		return SetGlobal(tx, schema.GlobalEngineVersion, []byte("v2.3.0"))
	}))
	err = newer.Start(ctx)
	assert.Equal(t, errs.FailedPrecondition, errs.CodeOf(err))
}

func TestClosedPersistence(t *testing.T) {
	p := NewMemory(DefaultConfig())
	require.NoError(t, p.Shutdown())
	require.NoError(t, p.Shutdown())
	err := p.RunTransaction(context.Background(), "late", ReadOnly, func(tx *Transaction) error { return nil })
	assert.ErrorIs(t, err, errs.ErrClosed)
	assert.ErrorIs(t, p.Start(context.Background()), errs.ErrClosed)
}

func TestMemoryIsAlwaysPrimary(t *testing.T) {
	p := NewMemory(DefaultConfig())
	var states []bool
	p.SetPrimaryStateListener(func(primary bool) { states = append(states, primary) })
	assert.Equal(t, []bool{true}, states)
	assert.True(t, p.IsPrimary())
	assert.NoError(t, p.RunTransaction(context.Background(), "primary", ReadWritePrimary, func(tx *Transaction) error { return nil }))
}

func TestOpenSelectsBackend(t *testing.T) {
	p, err := Open(DefaultConfig())
	require.NoError(t, err)
	assert.Nil(t, p.lease)

	cfg := DefaultConfig()
	cfg.Backend = "leveldb"
	_, err = Open(cfg)
	assert.Error(t, err)

	cfg.Backend = config.BackendSQLite
	_, err = Open(cfg)
	assert.Error(t, err, "sqlite requires a path")
}
