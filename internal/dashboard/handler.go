package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/logging"
)

// StatusSource is the part of a client the handler polls for status.
type StatusSource interface {
	Status(ctx context.Context) (*client.Status, error)
}

// Handler turns client events into dashboard messages.
type Handler struct {
	server *Server
	log    *zap.SugaredLogger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a handler broadcasting through server. New
// subscribers are welcomed with the current statistics.
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	h := &Handler{
		server: server,
		log:    logging.For(logger, logging.ComponentDashboard),
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// Attach subscribes the handler to c's events and returns a function that
// detaches it.
func (h *Handler) Attach(c *client.Client) func() {
	return c.Observe(h.OnEvent)
}

// OnEvent handles one client event.
func (h *Handler) OnEvent(ev client.Event) {
	switch ev.Type {
	case client.EventSnapshot:
		h.update(func(s *StatsData) { s.Snapshots++ })
		h.send(MessageTypeSnapshot, ev.Time, SnapshotData{Query: ev.Query, Documents: ev.Documents, FromCache: ev.FromCache})

	case client.EventListenError:
		h.update(func(s *StatsData) { s.ListenErrors++ })
		h.send(MessageTypeListenError, ev.Time, ListenErrorData{Query: ev.Query, Error: errorString(ev.Err)})

	case client.EventWriteSettled:
		h.update(func(s *StatsData) {
			if ev.Err != nil {
				s.WritesRejected++
			} else {
				s.WritesAccepted++
			}
		})
		h.send(MessageTypeWrite, ev.Time, WriteData{Keys: ev.Keys, Error: errorString(ev.Err)})

	case client.EventPrimaryChanged:
		h.log.Infow("lease changed", "primary", ev.Primary)
		h.update(func(s *StatsData) { s.Primary = ev.Primary })
		h.send(MessageTypeLease, ev.Time, LeaseData{Primary: ev.Primary})

	case client.EventGarbageCollected:
		if ev.GC == nil {
			return
		}
		h.update(func(s *StatsData) {
			s.GCRuns++
			s.DocumentsRemoved += ev.GC.DocumentsRemoved
		})
		h.send(MessageTypeGC, ev.Time, GCData{
			SequenceNumbers:  ev.GC.SequenceNumbersCollected,
			TargetsRemoved:   ev.GC.TargetsRemoved,
			DocumentsRemoved: ev.GC.DocumentsRemoved,
		})

	case client.EventBundleLoaded:
		h.update(func(s *StatsData) { s.BundlesLoaded++ })
		h.send(MessageTypeBundle, ev.Time, BundleData{ID: ev.Bundle, Documents: ev.Documents})

	default:
		return
	}
	h.server.Broadcast(h.statsMessage())
}

// PollStatus broadcasts src's status every interval until ctx is done.
func (h *Handler) PollStatus(ctx context.Context, src StatusSource, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		h.broadcastStatus(ctx, src)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (h *Handler) broadcastStatus(ctx context.Context, src StatusSource) {
	st, err := src.Status(ctx)
	if err != nil {
		if ctx.Err() == nil {
			h.log.Debugw("failed to read client status", "error", err)
		}
		return
	}
	h.send(MessageTypeStatus, time.Now(), StatusData{
		ClientID:        st.ClientID,
		Backend:         st.Backend,
		Primary:         st.Primary,
		OnlineState:     st.OnlineState.String(),
		User:            st.User,
		PendingBatches:  st.PendingBatches,
		CacheBytes:      st.CacheBytes,
		ActiveClients:   st.ActiveClients,
		SnapshotVersion: st.SnapshotVersion.String(),
		FieldIndexes:    st.FieldIndexes,
	})
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) update(fn func(*StatsData)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.stats)
}

func (h *Handler) statsMessage() Message {
	stats := h.GetStats()
	data, err := json.Marshal(stats)
	if err != nil {
		h.log.Warnw("failed to marshal stats", "error", err)
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}
}

func (h *Handler) send(typ MessageType, at time.Time, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Warnw("failed to marshal message", "type", typ, "error", err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: at, Data: data})
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
