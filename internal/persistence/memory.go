package persistence

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/immutable"

	"github.com/steveyegge/docsync/internal/schema"
)

type bytesComparer struct{}

func (bytesComparer) Compare(a, b []byte) int { return bytes.Compare(a, b) }

type sortedMap = immutable.SortedMap[[]byte, []byte]

// memoryBackend keeps every store in a persistent sorted map. A transaction
// works on its own snapshot of the map roots and publishes the roots it
// changed on commit. Write transactions are serialized.
type memoryBackend struct {
	writeMu sync.Mutex

	mu     sync.Mutex
	stores map[string]*sortedMap
	closed bool
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{stores: make(map[string]*sortedMap)}
}

func (m *memoryBackend) begin(ctx context.Context, readOnly bool) (backendTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !readOnly {
		m.writeMu.Lock()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		if !readOnly {
			m.writeMu.Unlock()
		}
		return nil, fmt.Errorf("memory store is closed")
	}
	snapshot := make(map[string]*sortedMap, len(m.stores))
	for name, sm := range m.stores {
		snapshot[name] = sm
	}
	return &memoryTx{backend: m, readOnly: readOnly, roots: snapshot, dirty: make(map[string]bool)}, nil
}

func (m *memoryBackend) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memoryBackend) schemaVersion() int { return schema.CurrentVersion }

type memoryTx struct {
	backend  *memoryBackend
	readOnly bool
	roots    map[string]*sortedMap
	dirty    map[string]bool
	done     bool
}

func (t *memoryTx) store(name string) (Store, error) {
	if !schema.IsStore(name) {
		return nil, fmt.Errorf("unknown store %q", name)
	}
	return &memoryStore{tx: t, name: name}, nil
}

func (t *memoryTx) commit() error {
	if t.done {
		return fmt.Errorf("transaction already completed")
	}
	t.done = true
	if t.readOnly {
		return nil
	}
	defer t.backend.writeMu.Unlock()
	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()
	for name := range t.dirty {
		t.backend.stores[name] = t.roots[name]
	}
	return nil
}

func (t *memoryTx) rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if !t.readOnly {
		t.backend.writeMu.Unlock()
	}
	return nil
}

type memoryStore struct {
	tx   *memoryTx
	name string
}

func (s *memoryStore) root() *sortedMap {
	if m := s.tx.roots[s.name]; m != nil {
		return m
	}
	return immutable.NewSortedMap[[]byte, []byte](bytesComparer{})
}

func (s *memoryStore) writable() error {
	if s.tx.done {
		return fmt.Errorf("store %s used after its transaction completed", s.name)
	}
	if s.tx.readOnly {
		return fmt.Errorf("cannot write to %s in a read-only transaction", s.name)
	}
	return nil
}

func (s *memoryStore) set(m *sortedMap) {
	s.tx.roots[s.name] = m
	s.tx.dirty[s.name] = true
}

func (s *memoryStore) Get(key []byte) ([]byte, error) {
	if s.tx.done {
		return nil, fmt.Errorf("store %s used after its transaction completed", s.name)
	}
	v, ok := s.root().Get(key)
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (s *memoryStore) Put(key, value []byte) error {
	if err := s.writable(); err != nil {
		return err
	}
	k := append([]byte(nil), key...)
	v := append([]byte{}, value...)
	s.set(s.root().Set(k, v))
	return nil
}

func (s *memoryStore) Delete(key []byte) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.set(s.root().Delete(key))
	return nil
}

func (s *memoryStore) DeleteRange(r Range) error {
	if err := s.writable(); err != nil {
		return err
	}
	var keys [][]byte
	if err := s.Iterate(r, false, func(k, _ []byte) error {
		keys = append(keys, k)
		return nil
	}); err != nil {
		return err
	}
	m := s.root()
	for _, k := range keys {
		m = m.Delete(k)
	}
	s.set(m)
	return nil
}

func (s *memoryStore) Iterate(r Range, reverse bool, fn func(key, value []byte) error) error {
	if s.tx.done {
		return fmt.Errorf("store %s used after its transaction completed", s.name)
	}
	if r.IsEmpty() {
		return nil
	}
	itr := s.root().Iterator()
	if !reverse {
		itr.Seek(r.Start)
		for !itr.Done() {
			k, v, _ := itr.Next()
			if r.End != nil && bytes.Compare(k, r.End) >= 0 {
				return nil
			}
			if err := fn(k, v); err != nil {
				return stopped(err)
			}
		}
		return nil
	}

	if r.End == nil {
		itr.Last()
	} else {
		itr.Seek(r.End)
		if itr.Done() {
			itr.Last()
		}
	}
	for !itr.Done() {
		k, v, _ := itr.Prev()
		if r.End != nil && bytes.Compare(k, r.End) >= 0 {
			continue
		}
		if bytes.Compare(k, r.Start) < 0 {
			return nil
		}
		if err := fn(k, v); err != nil {
			return stopped(err)
		}
	}
	return nil
}

func (s *memoryStore) Count(r Range) (int, error) {
	n := 0
	err := s.Iterate(r, false, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}
