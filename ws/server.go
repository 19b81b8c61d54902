// Package ws exposes render-job progress over WebSocket. Each connection
// subscribes to a single job's topic on the stream broker and receives
// progress, completed, and failed messages until the peer disconnects.
package ws

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lumenlabs/renderq/id"
	"github.com/lumenlabs/renderq/stream"
)

// Timing defaults, after the usual gorilla idiom: pings go out at 90% of
// the pong deadline so a healthy peer is never pruned.
const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultPongTimeout  = 60 * time.Second
)

// Server upgrades HTTP requests to WebSocket connections and bridges them
// to the stream broker.
type Server struct {
	broker       *stream.Broker
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pongTimeout  time.Duration

	mu    sync.Mutex
	peers map[string]*peer
}

// Option configures a Server.
type Option func(*Server)

// WithWriteTimeout sets the per-message write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithPongTimeout sets how long a peer may go without answering a ping
// before it is pruned.
func WithPongTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pongTimeout = d
		}
	}
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// NewServer creates a WebSocket server backed by the given broker.
func NewServer(broker *stream.Broker, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		broker:       broker,
		logger:       logger,
		writeTimeout: DefaultWriteTimeout,
		pongTimeout:  DefaultPongTimeout,
		peers:        make(map[string]*peer),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close disconnects all peers. The broker subscriber cleanup happens in
// each peer's read loop as its connection drops.
func (s *Server) Close() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// ServeHTTP upgrades the request and streams job events to the client.
// The jobId query parameter is required; connections without one are
// closed with policy violation (1008).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		s.reject(conn, "jobId query parameter is required")
		return
	}
	if _, parseErr := id.ParseJobID(jobID); parseErr != nil {
		s.reject(conn, "invalid jobId")
		return
	}

	subID := uuid.NewString()
	sub := s.broker.SubscribeJob(subID, jobID)

	p := &peer{
		server: s,
		conn:   conn,
		sub:    sub,
		jobID:  jobID,
	}

	s.mu.Lock()
	s.peers[subID] = p
	s.mu.Unlock()

	s.logger.Info("websocket peer connected",
		slog.String("subscriber_id", subID),
		slog.String("job_id", jobID),
	)

	if ackErr := p.writeJSON(&ConnectedMessage{
		Type:    MessageConnected,
		JobID:   jobID,
		Message: "subscribed to job updates",
	}); ackErr != nil {
		p.teardown()
		return
	}

	go p.writeLoop()
	p.readLoop()
}

// reject sends a policy-violation close frame and drops the connection.
func (s *Server) reject(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(s.writeTimeout)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		s.logger.Debug("failed to write close frame", slog.String("error", err.Error()))
	}
	_ = conn.Close()
}

func (s *Server) removePeer(subID string) {
	s.mu.Lock()
	delete(s.peers, subID)
	s.mu.Unlock()
	s.broker.RemoveSubscriber(subID)
}

// peer is one client connection bound to one job topic.
type peer struct {
	server *Server
	conn   *websocket.Conn
	sub    *stream.Subscriber
	jobID  string

	writeMu sync.Mutex
	once    sync.Once
}

func (p *peer) writeJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.server.writeTimeout))
	return p.conn.WriteJSON(v)
}

func (p *peer) ping() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	deadline := time.Now().Add(p.server.writeTimeout)
	return p.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (p *peer) close(code int, reason string) {
	p.writeMu.Lock()
	deadline := time.Now().Add(p.server.writeTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	p.writeMu.Unlock()
	p.teardown()
}

// teardown closes the connection and unsubscribes from the broker.
// Idempotent: both loops call it on their way out.
func (p *peer) teardown() {
	p.once.Do(func() {
		_ = p.conn.Close()
		p.server.removePeer(p.sub.ID())
		p.server.logger.Info("websocket peer disconnected",
			slog.String("subscriber_id", p.sub.ID()),
			slog.String("job_id", p.jobID),
		)
	})
}

// writeLoop drains the broker subscription and keeps the peer alive with
// pings. Exits when the subscription channel closes or a write fails.
func (p *peer) writeLoop() {
	pingInterval := p.server.pongTimeout * 9 / 10
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer p.teardown()

	for {
		select {
		case evt, ok := <-p.sub.C():
			if !ok {
				return
			}
			msg, err := translate(evt)
			if err != nil {
				p.server.logger.Warn("dropping untranslatable event",
					slog.String("job_id", p.jobID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if msg == nil {
				continue
			}
			if writeErr := p.writeJSON(msg); writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := p.ping(); err != nil {
				return
			}
		}
	}
}

// readLoop consumes control frames and detects disconnects. Client data
// frames are discarded; the protocol is server-push only.
func (p *peer) readLoop() {
	defer p.teardown()

	p.conn.SetReadLimit(1024)
	_ = p.conn.SetReadDeadline(time.Now().Add(p.server.pongTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(p.server.pongTimeout))
	})

	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			return
		}
	}
}
