package persistence

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/steveyegge/docsync/internal/encoding"
	"github.com/steveyegge/docsync/internal/schema"
)

// ErrStop ends an Iterate callback early without failing the iteration.
var ErrStop = errors.New("stop iteration")

// Range is the half-open key interval [Start, End). A nil End is unbounded.
type Range struct {
	Start []byte
	End   []byte
}

// PrefixRange spans every key starting with prefix.
func PrefixRange(prefix []byte) Range {
	return Range{Start: prefix, End: encoding.PrefixEnd(prefix)}
}

// Everything spans the whole store.
func Everything() Range { return Range{} }

// Contains reports whether key lies in r.
func (r Range) Contains(key []byte) bool {
	if bytes.Compare(key, r.Start) < 0 {
		return false
	}
	return r.End == nil || bytes.Compare(key, r.End) < 0
}

// IsEmpty reports whether r cannot contain any key.
func (r Range) IsEmpty() bool {
	return r.End != nil && bytes.Compare(r.Start, r.End) >= 0
}

// Store is one named, ordered key-value store inside a transaction. Handles
// are only valid until the transaction that produced them completes.
type Store interface {
	// Get returns the value at key, or nil if there is none.
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	DeleteRange(r Range) error
	// Iterate calls fn for every row in r in key order, or in reverse order
	// when reverse is set. Returning ErrStop from fn ends the iteration.
	Iterate(r Range, reverse bool, fn func(key, value []byte) error) error
	Count(r Range) (int, error)
}

// GetRow reads and decodes the row at key. It returns nil when the row does
// not exist.
//
// Example:
//
//	row, err := persistence.GetRow[schema.TargetGlobalRow](tx.Store(schema.TargetGlobal), schema.SingletonKey())
func GetRow[T any, PT interface {
	*T
	schema.Row
}](s Store, key []byte) (*T, error) {
	data, err := s.Get(key)
	if err != nil || data == nil {
		return nil, err
	}
	return schema.Decode[T, PT](data)
}

// PutRow encodes and writes row at key.
func PutRow(s Store, key []byte, row schema.Row) error {
	data, err := schema.Encode(row)
	if err != nil {
		return err
	}
	return s.Put(key, data)
}

// IterateRows decodes every row in r.
func IterateRows[T any, PT interface {
	*T
	schema.Row
}](s Store, r Range, reverse bool, fn func(key []byte, row *T) error) error {
	return s.Iterate(r, reverse, func(key, value []byte) error {
		row, err := schema.Decode[T, PT](value)
		if err != nil {
			return fmt.Errorf("failed to decode row %x: %w", key, err)
		}
		return fn(key, row)
	})
}

// stopped maps ErrStop to a clean end of iteration.
func stopped(err error) error {
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}
