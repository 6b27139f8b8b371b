package local

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/docsync/internal/async"
	"github.com/steveyegge/docsync/internal/errs"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/schema"
)

// BatchState is the state of a mutation batch as shared between clients.
type BatchState string

const (
	BatchPending      BatchState = "pending"
	BatchAcknowledged BatchState = "acknowledged"
	BatchRejected     BatchState = "rejected"
)

// TargetState is the state of a query target as shared between clients.
type TargetState string

const (
	TargetNotCurrent TargetState = "not-current"
	TargetCurrent    TargetState = "current"
	TargetRejected   TargetState = "rejected"
)

// SharedStateSyncer receives the changes other clients publish. Its
// methods run on the client's async queue.
type SharedStateSyncer interface {
	ApplyBatchState(ctx context.Context, batchID int, state BatchState, err error) error
	ApplyTargetState(ctx context.Context, targetID int, state TargetState, err error) error
	ApplyActiveTargetsChange(ctx context.Context, added, removed []int) error
	ApplySharedOnlineState(state remote.OnlineState)
	// SynchronizeWithChangedDocuments refreshes views from documents
	// another client wrote to the shared cache.
	SynchronizeWithChangedDocuments(ctx context.Context) error
}

// SharedClientState publishes this client's mutation, target and online
// state to the other clients of the same store and applies theirs.
type SharedClientState interface {
	Start(ctx context.Context) error
	Shutdown()
	SetSyncer(s SharedStateSyncer)
	HandleUserChange(user model.User)

	AddPendingMutation(ctx context.Context, batchID int) error
	UpdateMutationState(ctx context.Context, batchID int, state BatchState, err error) error

	// AddLocalQueryTarget registers a target this client listens to and
	// returns its last known shared state.
	AddLocalQueryTarget(ctx context.Context, targetID int) (TargetState, error)
	RemoveLocalQueryTarget(ctx context.Context, targetID int) error
	IsLocalQueryTarget(targetID int) bool
	// IsActiveQueryTarget reports whether any client listens to targetID.
	IsActiveQueryTarget(targetID int) bool
	// ActiveQueryTargets returns the targets any client listens to.
	ActiveQueryTargets() []int
	UpdateQueryState(ctx context.Context, targetID int, state TargetState, err error) error
	ClearQueryState(targetID int)

	SetOnlineState(ctx context.Context, state remote.OnlineState) error
	NotifyRemoteChanges(ctx context.Context) error
}

// MemorySharedClientState is the shared state of a client that does not
// share its store. It only tracks the local targets.
type MemorySharedClientState struct {
	mu      sync.Mutex
	targets map[int]TargetState
}

// NewMemorySharedClientState returns an unshared state.
func NewMemorySharedClientState() *MemorySharedClientState {
	return &MemorySharedClientState{targets: make(map[int]TargetState)}
}

func (m *MemorySharedClientState) Start(context.Context) error { return nil }
func (m *MemorySharedClientState) Shutdown() {}
func (m *MemorySharedClientState) SetSyncer(SharedStateSyncer) {}
func (m *MemorySharedClientState) HandleUserChange(model.User) {}
func (m *MemorySharedClientState) AddPendingMutation(context.Context, int) error { return nil }
func (m *MemorySharedClientState) UpdateMutationState(context.Context, int, BatchState, error) error {
	return nil
}
func (m *MemorySharedClientState) SetOnlineState(context.Context, remote.OnlineState) error {
	return nil
}
func (m *MemorySharedClientState) NotifyRemoteChanges(context.Context) error { return nil }

func (m *MemorySharedClientState) AddLocalQueryTarget(_ context.Context, targetID int) (TargetState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.targets[targetID]
	if !ok {
		state = TargetNotCurrent
		m.targets[targetID] = state
	}
	return state, nil
}

func (m *MemorySharedClientState) RemoveLocalQueryTarget(_ context.Context, targetID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, targetID)
	return nil
}

func (m *MemorySharedClientState) IsLocalQueryTarget(targetID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.targets[targetID]
	return ok
}

func (m *MemorySharedClientState) IsActiveQueryTarget(targetID int) bool {
	return m.IsLocalQueryTarget(targetID)
}

func (m *MemorySharedClientState) ActiveQueryTargets() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.targets))
	for id := range m.targets {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *MemorySharedClientState) UpdateQueryState(_ context.Context, targetID int, state TargetState, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[targetID]; ok {
		m.targets[targetID] = state
	}
	return nil
}

func (m *MemorySharedClientState) ClearQueryState(int) {}

// eventRetention is how long published events stay in the log.
const eventRetention = 5 * time.Minute

// PersistentSharedClientState shares state through the clientEvents log of
// a store opened by several clients. Each client appends its own events
// and tails the log from the last sequence it has seen, whenever the store
// changes on disk and on every poll tick.
type PersistentSharedClientState struct {
	p     *persistence.Persistence
	queue *async.Queue
	poll  time.Duration
	log   *zap.SugaredLogger

	mu       sync.Mutex
	user     model.User
	syncer   SharedStateSyncer
	local    map[int]TargetState
	remote   map[string]map[int]bool // clientID -> targets
	lastSeen int64
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewPersistentSharedClientState returns a shared state publishing to p.
func NewPersistentSharedClientState(p *persistence.Persistence, queue *async.Queue, user model.User, poll time.Duration, log *zap.SugaredLogger) *PersistentSharedClientState {
	return &PersistentSharedClientState{
		p:      p,
		queue:  queue,
		poll:   poll,
		log:    log,
		user:   user,
		local:  make(map[int]TargetState),
		remote: make(map[string]map[int]bool),
	}
}

func (s *PersistentSharedClientState) SetSyncer(syncer SharedStateSyncer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncer = syncer
}

func (s *PersistentSharedClientState) HandleUserChange(user model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
}

// Start skips the existing log, seeds the other clients' targets from
// their heartbeats and begins tailing.
func (s *PersistentSharedClientState) Start(ctx context.Context) error {
	last, err := persistence.Run(ctx, s.p, "shared state start", persistence.ReadOnly, func(tx *persistence.Transaction) (int64, error) {
		return currentEventSequence(tx)
	})
	if err != nil {
		return fmt.Errorf("failed to read client event log: %w", err)
	}
	clients, err := s.p.ActiveClients(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSeen = last
	for _, c := range clients {
		if c.ClientID == s.p.ClientID() {
			continue
		}
		s.remote[c.ClientID] = make(map[int]bool)
		for _, id := range c.ActiveTargetIDs {
			s.remote[c.ClientID][id] = true
		}
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.tail(loopCtx)
	return nil
}

// Shutdown stops tailing the log.
func (s *PersistentSharedClientState) Shutdown() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *PersistentSharedClientState) tail(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	changes := s.p.StorageChanges()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
		case <-ticker.C:
			s.queue.EnqueueAndForget(func() error {
				s.refreshActiveClients(ctx)
				return nil
			})
		}
		s.queue.EnqueueAndForget(func() error {
			if err := s.processNewEvents(ctx); err != nil {
				s.log.Warnw("failed to process client events", "error", err)
			}
			return nil
		})
	}
}

func currentEventSequence(tx *persistence.Transaction) (int64, error) {
	var last int64
	err := tx.Store(schema.ClientEvents).Iterate(persistence.Everything(), true, func(k, _ []byte) error {
		seq, err := schema.DecodeClientEventKey(k)
		if err != nil {
			return err
		}
		last = seq
		return persistence.ErrStop
	})
	return last, err
}

// publish appends ev to the log and prunes events past retention.
func (s *PersistentSharedClientState) publish(ctx context.Context, ev schema.ClientEventRow) error {
	ev.ClientID = s.p.ClientID()
	ev.TimestampMs = time.Now().UnixMilli()
	return s.p.RunTransaction(ctx, "publish client event", persistence.ReadWrite, func(tx *persistence.Transaction) error {
		last, err := currentEventSequence(tx)
		if err != nil {
			return err
		}
		ev.Sequence = last + 1
		if err := persistence.PutRow(tx.Store(schema.ClientEvents), schema.ClientEventKey(ev.Sequence), &ev); err != nil {
			return fmt.Errorf("failed to publish %s event: %w", ev.Kind, err)
		}
		return pruneEvents(tx, time.Now().Add(-eventRetention).UnixMilli())
	})
}

func pruneEvents(tx *persistence.Transaction, beforeMs int64) error {
	var stale [][]byte
	err := persistence.IterateRows(tx.Store(schema.ClientEvents), persistence.Everything(), false, func(k []byte, row *schema.ClientEventRow) error {
		if row.TimestampMs >= beforeMs {
			return persistence.ErrStop
		}
		stale = append(stale, append([]byte(nil), k...))
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := tx.Store(schema.ClientEvents).Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func errorFields(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	return err.Error(), errs.CodeOf(err).String()
}

func eventError(row *schema.ClientEventRow) error {
	if row.Error == "" {
		return nil
	}
	return errs.New(errs.ParseCode(row.ErrorCode), "%s", row.Error)
}

func (s *PersistentSharedClientState) AddPendingMutation(ctx context.Context, batchID int) error {
	return s.UpdateMutationState(ctx, batchID, BatchPending, nil)
}

func (s *PersistentSharedClientState) UpdateMutationState(ctx context.Context, batchID int, state BatchState, err error) error {
	msg, code := errorFields(err)
	s.mu.Lock()
	uid := s.user.UID
	s.mu.Unlock()
	return s.publish(ctx, schema.ClientEventRow{
		Kind: schema.EventBatchState, UserID: uid, BatchID: batchID,
		State: string(state), Error: msg, ErrorCode: code,
	})
}

func (s *PersistentSharedClientState) AddLocalQueryTarget(ctx context.Context, targetID int) (TargetState, error) {
	s.mu.Lock()
	state, ok := s.local[targetID]
	if !ok {
		state = TargetNotCurrent
		s.local[targetID] = state
	}
	ids := s.localIDsLocked()
	s.mu.Unlock()
	s.p.SetActiveTargetIDs(ids)
	if ok {
		return state, nil
	}
	return state, s.publish(ctx, schema.ClientEventRow{Kind: schema.EventActiveTargets, State: "added", TargetIDs: []int{targetID}})
}

func (s *PersistentSharedClientState) RemoveLocalQueryTarget(ctx context.Context, targetID int) error {
	s.mu.Lock()
	_, ok := s.local[targetID]
	delete(s.local, targetID)
	ids := s.localIDsLocked()
	s.mu.Unlock()
	s.p.SetActiveTargetIDs(ids)
	if !ok {
		return nil
	}
	return s.publish(ctx, schema.ClientEventRow{Kind: schema.EventActiveTargets, State: "removed", TargetIDs: []int{targetID}})
}

func (s *PersistentSharedClientState) localIDsLocked() []int {
	ids := make([]int, 0, len(s.local))
	for id := range s.local {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *PersistentSharedClientState) IsLocalQueryTarget(targetID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.local[targetID]
	return ok
}

func (s *PersistentSharedClientState) IsActiveQueryTarget(targetID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.local[targetID]; ok {
		return true
	}
	for _, targets := range s.remote {
		if targets[targetID] {
			return true
		}
	}
	return false
}

func (s *PersistentSharedClientState) ActiveQueryTargets() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[int]bool)
	for id := range s.local {
		set[id] = true
	}
	for _, targets := range s.remote {
		for id := range targets {
			set[id] = true
		}
	}
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *PersistentSharedClientState) UpdateQueryState(ctx context.Context, targetID int, state TargetState, err error) error {
	s.mu.Lock()
	if _, ok := s.local[targetID]; ok {
		s.local[targetID] = state
	}
	s.mu.Unlock()
	msg, code := errorFields(err)
	return s.publish(ctx, schema.ClientEventRow{
		Kind: schema.EventTargetState, TargetID: targetID,
		State: string(state), Error: msg, ErrorCode: code,
	})
}

func (s *PersistentSharedClientState) ClearQueryState(targetID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.local[targetID]; ok {
		s.local[targetID] = TargetNotCurrent
	}
}

func (s *PersistentSharedClientState) SetOnlineState(ctx context.Context, state remote.OnlineState) error {
	return s.publish(ctx, schema.ClientEventRow{Kind: schema.EventOnlineState, State: state.String()})
}

func (s *PersistentSharedClientState) NotifyRemoteChanges(ctx context.Context) error {
	return s.publish(ctx, schema.ClientEventRow{Kind: schema.EventRemoteChanges})
}

// processNewEvents applies the events other clients appended since the
// last call. It runs on the async queue.
func (s *PersistentSharedClientState) processNewEvents(ctx context.Context) error {
	s.mu.Lock()
	from := s.lastSeen
	s.mu.Unlock()
	events, err := persistence.Run(ctx, s.p, "read client events", persistence.ReadOnly, func(tx *persistence.Transaction) ([]schema.ClientEventRow, error) {
		var out []schema.ClientEventRow
		r := persistence.Range{Start: schema.ClientEventKey(from + 1)}
		err := persistence.IterateRows(tx.Store(schema.ClientEvents), r, false, func(_ []byte, row *schema.ClientEventRow) error {
			out = append(out, *row)
			return nil
		})
		return out, err
	})
	if err != nil {
		return err
	}
	for i := range events {
		ev := &events[i]
		s.mu.Lock()
		s.lastSeen = max(s.lastSeen, ev.Sequence)
		syncer := s.syncer
		s.mu.Unlock()
		if ev.ClientID == s.p.ClientID() || syncer == nil {
			continue
		}
		if err := s.apply(ctx, syncer, ev); err != nil {
			return fmt.Errorf("failed to apply %s event %d: %w", ev.Kind, ev.Sequence, err)
		}
	}
	return nil
}

func (s *PersistentSharedClientState) apply(ctx context.Context, syncer SharedStateSyncer, ev *schema.ClientEventRow) error {
	switch ev.Kind {
	case schema.EventBatchState:
		s.mu.Lock()
		mine := ev.UserID == s.user.UID
		s.mu.Unlock()
		if !mine {
			return nil
		}
		return syncer.ApplyBatchState(ctx, ev.BatchID, BatchState(ev.State), eventError(ev))
	case schema.EventTargetState:
		if !s.IsLocalQueryTarget(ev.TargetID) {
			return nil
		}
		return syncer.ApplyTargetState(ctx, ev.TargetID, TargetState(ev.State), eventError(ev))
	case schema.EventActiveTargets:
		added, removed := s.updateRemoteTargets(ev.ClientID, ev.State == "added", ev.TargetIDs)
		if len(added) == 0 && len(removed) == 0 {
			return nil
		}
		return syncer.ApplyActiveTargetsChange(ctx, added, removed)
	case schema.EventOnlineState:
		state, err := remote.ParseOnlineState(ev.State)
		if err != nil {
			return err
		}
		syncer.ApplySharedOnlineState(state)
		return nil
	case schema.EventRemoteChanges:
		return syncer.SynchronizeWithChangedDocuments(ctx)
	}
	return nil
}

// updateRemoteTargets records clientID's change and returns the targets
// that became active, or inactive, across all clients.
func (s *PersistentSharedClientState) updateRemoteTargets(clientID string, add bool, ids []int) (added, removed []int) {
	for _, id := range ids {
		wasActive := s.IsActiveQueryTarget(id)
		s.mu.Lock()
		if s.remote[clientID] == nil {
			s.remote[clientID] = make(map[int]bool)
		}
		if add {
			s.remote[clientID][id] = true
		} else {
			delete(s.remote[clientID], id)
		}
		s.mu.Unlock()
		isActive := s.IsActiveQueryTarget(id)
		switch {
		case !wasActive && isActive:
			added = append(added, id)
		case wasActive && !isActive:
			removed = append(removed, id)
		}
	}
	return added, removed
}

// refreshActiveClients drops the targets of clients whose heartbeat
// expired.
func (s *PersistentSharedClientState) refreshActiveClients(ctx context.Context) {
	clients, err := s.p.ActiveClients(ctx)
	if err != nil {
		s.log.Debugw("failed to read active clients", "error", err)
		return
	}
	alive := make(map[string]bool, len(clients))
	for _, c := range clients {
		alive[c.ClientID] = true
	}
	s.mu.Lock()
	var gone []string
	for id := range s.remote {
		if !alive[id] {
			gone = append(gone, id)
		}
	}
	syncer := s.syncer
	s.mu.Unlock()
	for _, id := range gone {
		s.mu.Lock()
		targets := s.remote[id]
		s.mu.Unlock()
		ids := make([]int, 0, len(targets))
		for t := range targets {
			ids = append(ids, t)
		}
		_, removed := s.updateRemoteTargets(id, false, ids)
		s.mu.Lock()
		delete(s.remote, id)
		s.mu.Unlock()
		s.log.Debugw("client left", "client", id, "targets", len(ids))
		if syncer != nil && len(removed) > 0 {
			if err := syncer.ApplyActiveTargetsChange(ctx, nil, removed); err != nil {
				s.log.Warnw("failed to drop targets of departed client", "client", id, "error", err)
			}
		}
	}
}
