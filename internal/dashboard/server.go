// Package dashboard streams what a docsync client does to WebSocket
// subscribers.
//
// The server broadcasts snapshots, lease changes, garbage collection
// results and client statistics. It also serves /health and, when given
// metrics, the Prometheus /metrics endpoint.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/metrics"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeSnapshot reports a snapshot raised to a listener.
	MessageTypeSnapshot MessageType = "snapshot"

	// MessageTypeListenError reports a rejected listen.
	MessageTypeListenError MessageType = "listen_error"

	// MessageTypeWrite reports a write the backend accepted or rejected.
	MessageTypeWrite MessageType = "write"

	// MessageTypeLease reports a change of the primary lease.
	MessageTypeLease MessageType = "lease"

	// MessageTypeGC reports a garbage collection run.
	MessageTypeGC MessageType = "gc"

	// MessageTypeBundle reports a loaded bundle.
	MessageTypeBundle MessageType = "bundle"

	// MessageTypeStats carries the running statistics.
	MessageTypeStats MessageType = "stats"

	// MessageTypeStatus carries the client status.
	MessageTypeStatus MessageType = "status"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SnapshotData describes one raised snapshot.
type SnapshotData struct {
	Query     string `json:"query"`
	Documents int    `json:"documents"`
	FromCache bool   `json:"from_cache"`
}

// ListenErrorData describes a rejected listen.
type ListenErrorData struct {
	Query string `json:"query"`
	Error string `json:"error"`
}

// WriteData describes a settled write.
type WriteData struct {
	Keys  []string `json:"keys"`
	Error string   `json:"error,omitempty"`
}

// LeaseData describes a lease change.
type LeaseData struct {
	Primary bool `json:"primary"`
}

// GCData describes a collection run.
type GCData struct {
	SequenceNumbers  int `json:"sequence_numbers"`
	TargetsRemoved   int `json:"targets_removed"`
	DocumentsRemoved int `json:"documents_removed"`
}

// BundleData describes a loaded bundle.
type BundleData struct {
	ID        string `json:"id"`
	Documents int    `json:"documents"`
}

// StatsData accumulates what the dashboard has seen since it started.
type StatsData struct {
	Snapshots        int  `json:"snapshots"`
	ListenErrors     int  `json:"listen_errors"`
	WritesAccepted   int  `json:"writes_accepted"`
	WritesRejected   int  `json:"writes_rejected"`
	GCRuns           int  `json:"gc_runs"`
	DocumentsRemoved int  `json:"documents_removed"`
	BundlesLoaded    int  `json:"bundles_loaded"`
	Primary          bool `json:"primary"`
}

// StatusData is the client status as the dashboard shows it.
type StatusData struct {
	ClientID        string   `json:"client_id"`
	Backend         string   `json:"backend"`
	Primary         bool     `json:"primary"`
	OnlineState     string   `json:"online_state"`
	User            string   `json:"user"`
	PendingBatches  int      `json:"pending_batches"`
	CacheBytes      int64    `json:"cache_bytes"`
	ActiveClients   []string `json:"active_clients"`
	SnapshotVersion string   `json:"snapshot_version"`
	FieldIndexes    int      `json:"field_indexes"`
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	metrics  *metrics.Metrics

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message
	// welcome builds the first message a new subscriber receives.
	welcome func() Message

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	log *zap.SugaredLogger
}

// Config holds server configuration
type Config struct {
	// Addr to listen on. Port 0 picks a free port.
	Addr string

	// Metrics, when set, are served on /metrics.
	Metrics *metrics.Metrics

	Logger *zap.Logger
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{Addr: "127.0.0.1:7777"}
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &Server{
		addr:      config.Addr,
		metrics:   config.Metrics,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		welcome:   func() Message { return Message{Type: MessageTypeStats} },
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
		log:       logging.For(config.Logger, logging.ComponentDashboard),
	}
}

// SetWelcome replaces the builder of the first message new subscribers
// receive. It must be called before Start.
func (s *Server) SetWelcome(fn func() Message) { s.welcome = fn }

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.group.Go(func() error {
		s.broadcastLoop()
		return nil
	})
	s.group.Go(func() error {
		s.log.Infow("dashboard listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("dashboard server failed: %w", err)
		}
		return nil
	})
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.log.Info("stopping dashboard")
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("dashboard shutdown failed: %w", err)
	}
	return s.group.Wait()
}

// Broadcast queues msg for every connected subscriber. It never blocks; a
// message is dropped when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.log.Warnw("broadcast channel full, dropping message", "type", msg.Type)
	}
}

func (s *Server) broadcastLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.Warnw("failed to marshal message", "type", msg.Type, "error", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.log.Debugw("failed to send to subscriber", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Debugw("websocket upgrade failed", "error", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Debugw("subscriber connected", "subscribers", n)

	welcome := s.welcome()
	if welcome.Timestamp.IsZero() {
		welcome.Timestamp = time.Now()
	}
	data, err := json.Marshal(welcome)
	if err == nil {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, data)
		cancel()
	}

	go s.readLoop(conn)
}

// readLoop keeps the connection open until the subscriber goes away.
// Subscribers send nothing we act on.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	n := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.log.Debugw("subscriber disconnected", "subscribers", n)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>docsync dashboard</title>
</head>
<body>
    <h1>docsync dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Metrics: <a href="/metrics">/metrics</a></p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected subscribers
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
