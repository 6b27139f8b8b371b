package local

import (
	"github.com/steveyegge/docsync/internal/bundle"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/schema"
)

// BundleCache remembers loaded bundles and their named queries.
type BundleCache struct{}

// GetBundleMetadata returns the metadata of a loaded bundle, or nil.
func (BundleCache) GetBundleMetadata(tx *persistence.Transaction, bundleID string) (*bundle.Metadata, error) {
	row, err := persistence.GetRow[schema.BundleRow](tx.Store(schema.Bundles), schema.BundleKey(bundleID))
	if err != nil || row == nil {
		return nil, err
	}
	return &bundle.Metadata{ID: row.BundleID, CreateTime: row.CreateTime, Version: row.Version}, nil
}

// SaveBundleMetadata records md as loaded.
func (BundleCache) SaveBundleMetadata(tx *persistence.Transaction, md bundle.Metadata) error {
	return persistence.PutRow(tx.Store(schema.Bundles), schema.BundleKey(md.ID),
		&schema.BundleRow{BundleID: md.ID, CreateTime: md.CreateTime, Version: md.Version})
}

// GetNamedQuery returns the named query, or nil.
func (BundleCache) GetNamedQuery(tx *persistence.Transaction, name string) (*bundle.NamedQuery, error) {
	row, err := persistence.GetRow[schema.NamedQueryRow](tx.Store(schema.NamedQueries), schema.NamedQueryKey(name))
	if err != nil || row == nil {
		return nil, err
	}
	return &bundle.NamedQuery{Name: row.Name, ReadTime: row.ReadTime, Query: row.Query}, nil
}

// SaveNamedQuery stores q under its name.
func (BundleCache) SaveNamedQuery(tx *persistence.Transaction, q bundle.NamedQuery) error {
	return persistence.PutRow(tx.Store(schema.NamedQueries), schema.NamedQueryKey(q.Name),
		&schema.NamedQueryRow{Name: q.Name, ReadTime: q.ReadTime, Query: q.Query})
}
