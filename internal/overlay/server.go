package overlay

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/gmblogref/TwitchChatBot-sub000/internal/core"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/metrics"
)

const (
	pingInterval = 30 * time.Second
	pongWindow   = 45 * time.Second
	writeTimeout = 5 * time.Second
)

// AckFunc is notified when an overlay client acknowledges an alert.
// done=false for "ack" (started rendering), done=true for "done".
type AckFunc func(alertID string, done bool)

type client struct {
	conn     *websocket.Conn
	lastPong time.Time // guarded by Server.mu
}

// Server fans alert payloads out to every connected overlay client. Liveness
// runs on ping/pong control frames: a ping broadcast every pingInterval, and
// eviction when a client's last pong is older than pongWindow.
type Server struct {
	onAck AckFunc
	m     *metrics.Metrics
	now   func() time.Time

	pingEvery  time.Duration
	pongWindow time.Duration

	mu      sync.Mutex
	clients map[*client]struct{}
	cancel  context.CancelFunc
	running bool
}

func NewServer(m *metrics.Metrics, onAck AckFunc) *Server {
	return &Server{
		onAck:      onAck,
		m:          m,
		now:        time.Now,
		pingEvery:  pingInterval,
		pongWindow: pongWindow,
		clients:    make(map[*client]struct{}),
	}
}

// Start launches the keep-alive loop. A second call while running is a
// no-op.
func (s *Server) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.keepalive(ctx)
}

// Stop cancels the keep-alive loop and aborts every open connection. Safe to
// call even if the server was never started.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
	conns := make([]*client, 0, len(s.clients))
	for cl := range s.clients {
		conns = append(conns, cl)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for _, cl := range conns {
		_ = cl.conn.Close(websocket.StatusGoingAway, "server stopping")
	}
	s.m.AddOverlayClients(float64(-len(conns)))
}

// HandleWS upgrades the request and services the connection until the client
// goes away.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // overlay pages load from file:// and localhost
	})
	if err != nil {
		log.Printf("overlay: accept: %v", err)
		return
	}

	cl := &client{conn: conn, lastPong: s.now()}
	s.mu.Lock()
	s.clients[cl] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.m.AddOverlayClients(1)
	log.Printf("overlay: client connected (%d total)", n)

	defer func() {
		if s.remove(cl) {
			s.m.AddOverlayClients(-1)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.handleControl(cl, data)
	}
}

type controlFrame struct {
	Type    string `json:"type"`
	AlertID string `json:"alertId"`
}

// handleControl processes one inbound frame. Unrecognized or malformed
// frames are ignored, not errors.
func (s *Server) handleControl(cl *client, data []byte) {
	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	switch frame.Type {
	case "pong":
		s.mu.Lock()
		cl.lastPong = s.now()
		s.mu.Unlock()
	case "ack":
		if s.onAck != nil {
			s.onAck(frame.AlertID, false)
		}
	case "done":
		if s.onAck != nil {
			s.onAck(frame.AlertID, true)
		}
	}
}

// BroadcastAlert serializes the alert once and sends it to every open
// client. A failed send evicts that client only. Implements
// alerts.Broadcaster.
func (s *Server) BroadcastAlert(item core.AlertItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	s.broadcast(data)
	s.m.IncAlertsBroadcast()
	return nil
}

// BroadcastJSON sends an arbitrary payload to all clients (used for viewer
// list pushes and test triggers).
func (s *Server) BroadcastJSON(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.broadcast(data)
	return nil
}

func (s *Server) broadcast(data []byte) {
	for _, cl := range s.snapshot() {
		if err := s.writeTo(cl, data); err != nil {
			log.Printf("overlay: send failed, evicting client: %v", err)
			s.evict(cl, "send failure")
		}
	}
}

func (s *Server) keepalive(ctx context.Context) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := s.now()
		ping, _ := json.Marshal(map[string]string{
			"type": "ping",
			"utc":  now.UTC().Format(time.RFC3339),
		})

		for _, cl := range s.snapshot() {
			s.mu.Lock()
			stale := now.Sub(cl.lastPong) > s.pongWindow
			s.mu.Unlock()
			if stale {
				log.Printf("overlay: client pong stale, evicting")
				s.evict(cl, "pong timeout")
				continue
			}
			if err := s.writeTo(cl, ping); err != nil {
				s.evict(cl, "ping send failure")
			}
		}
	}
}

// snapshot copies the client set so broadcast never iterates a map that
// connect/evict events are mutating.
func (s *Server) snapshot() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for cl := range s.clients {
		out = append(out, cl)
	}
	return out
}

func (s *Server) writeTo(cl *client, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return cl.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) remove(cl *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[cl]; !ok {
		return false
	}
	delete(s.clients, cl)
	return true
}

func (s *Server) evict(cl *client, reason string) {
	if !s.remove(cl) {
		return
	}
	s.m.AddOverlayClients(-1)
	s.m.IncOverlayEvicted()
	_ = cl.conn.Close(websocket.StatusPolicyViolation, reason)
}

// ClientCount reports the number of connected overlay clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
