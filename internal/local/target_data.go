package local

import (
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/schema"
)

// Purpose says why a target is being listened to.
type Purpose int

const (
	// PurposeListen is a regular query listen.
	PurposeListen Purpose = iota
	// PurposeExistenceFilterMismatch re-listens after the backend's
	// document count disagreed with ours.
	PurposeExistenceFilterMismatch
	// PurposeLimboResolution listens to one document to settle its limbo
	// state.
	PurposeLimboResolution
)

func (p Purpose) String() string {
	switch p {
	case PurposeExistenceFilterMismatch:
		return "existence-filter-mismatch"
	case PurposeLimboResolution:
		return "limbo-resolution"
	}
	return "listen"
}

// TargetData is the local bookkeeping of one listened target.
type TargetData struct {
	Target   *query.Target
	TargetID int
	Purpose  Purpose
	// SequenceNumber is the last listen sequence number at which the
	// target was in use. The garbage collector removes the oldest.
	SequenceNumber int64
	// SnapshotVersion is the version of the last remote event that
	// touched the target.
	SnapshotVersion model.SnapshotVersion
	ResumeToken     []byte
	// LastLimboFreeSnapshotVersion is the last snapshot at which the
	// target's view was consistent and had no limbo documents.
	LastLimboFreeSnapshotVersion model.SnapshotVersion
	// ExpectedCount is the number of documents the client expects the
	// backend to report on resume, or -1 when unknown.
	ExpectedCount int
}

// NewTargetData returns target data for a fresh listen.
func NewTargetData(target *query.Target, targetID int, purpose Purpose, sequenceNumber int64) *TargetData {
	return &TargetData{
		Target:         target,
		TargetID:       targetID,
		Purpose:        purpose,
		SequenceNumber: sequenceNumber,
		ExpectedCount:  -1,
	}
}

func (t *TargetData) clone() *TargetData {
	c := *t
	return &c
}

// WithSequenceNumber returns a copy with a new sequence number.
func (t *TargetData) WithSequenceNumber(seq int64) *TargetData {
	c := t.clone()
	c.SequenceNumber = seq
	return c
}

// WithResumeToken returns a copy resuming at token from version. The
// expected count is reset since the token already carries the position.
func (t *TargetData) WithResumeToken(token []byte, version model.SnapshotVersion) *TargetData {
	c := t.clone()
	c.ResumeToken = token
	c.SnapshotVersion = version
	c.ExpectedCount = -1
	return c
}

// WithExpectedCount returns a copy expecting count documents on resume.
func (t *TargetData) WithExpectedCount(count int) *TargetData {
	c := t.clone()
	c.ExpectedCount = count
	return c
}

// WithLastLimboFreeSnapshotVersion returns a copy with a new limbo-free
// version.
func (t *TargetData) WithLastLimboFreeSnapshotVersion(v model.SnapshotVersion) *TargetData {
	c := t.clone()
	c.LastLimboFreeSnapshotVersion = v
	return c
}

func (t *TargetData) toRow() *schema.TargetRow {
	return &schema.TargetRow{
		TargetID:                     t.TargetID,
		CanonicalID:                  t.Target.CanonicalID(),
		Target:                       t.Target,
		SequenceNumber:               t.SequenceNumber,
		SnapshotVersion:              t.SnapshotVersion,
		ResumeToken:                  t.ResumeToken,
		LastLimboFreeSnapshotVersion: t.LastLimboFreeSnapshotVersion,
	}
}

// The purpose is not persisted: targets read back from storage are plain
// listens.
func targetDataFromRow(r *schema.TargetRow) *TargetData {
	return &TargetData{
		Target:                       r.Target,
		TargetID:                     r.TargetID,
		Purpose:                      PurposeListen,
		SequenceNumber:               r.SequenceNumber,
		SnapshotVersion:              r.SnapshotVersion,
		ResumeToken:                  r.ResumeToken,
		LastLimboFreeSnapshotVersion: r.LastLimboFreeSnapshotVersion,
		ExpectedCount:                -1,
	}
}
