package socket

import (
	"context"
	"log"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/gmblogref/TwitchChatBot-sub000/internal/metrics"
)

const (
	dialTimeout      = 10 * time.Second
	maxReconnectWait = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// Config sets up one resilient socket connection.
type Config struct {
	// Name labels log lines and the reconnect metric.
	Name string
	// URL may be re-evaluated per connect so a server-assigned reconnect
	// address can take effect.
	URL func() string
	// OnConnect runs after the dial succeeds, before the read loop. Used
	// for protocol handshakes; a returned error tears the connection down.
	OnConnect func(ctx context.Context, c *Client) error
	// OnMessage receives every inbound text/binary frame.
	OnMessage func(ctx context.Context, data []byte)

	Metrics *metrics.Metrics
}

// Client maintains one WebSocket connection with reconnect and heartbeat.
// Reconnect waits min(10s, 1s<<attempt); the attempt counter resets only on
// a fresh successful connect. The heartbeat interval usually comes from a
// server keep-alive hint and may be re-armed mid-session.
type Client struct {
	cfg Config

	mu   sync.Mutex
	conn *websocket.Conn
	hbCh chan time.Duration
}

func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// Run connects and reconnects until the context ends.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		connected, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		if err != nil {
			log.Printf("%s: connection lost: %v", c.cfg.Name, err)
		}

		wait := time.Duration(1<<uint(attempt)) * time.Second
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
		attempt++
		c.cfg.Metrics.IncReconnects(c.cfg.Name)
		log.Printf("%s: reconnecting in %s", c.cfg.Name, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) (connected bool, err error) {
	url := c.cfg.URL()
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	cancel()
	if err != nil {
		return false, err
	}
	log.Printf("%s: connected to %s", c.cfg.Name, url)

	connCtx, stop := context.WithCancel(ctx)
	defer stop()

	c.mu.Lock()
	c.conn = conn
	c.hbCh = make(chan time.Duration, 1)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	if c.cfg.OnConnect != nil {
		if err := c.cfg.OnConnect(connCtx, c); err != nil {
			return true, err
		}
	}

	go c.heartbeat(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return true, err
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(connCtx, data)
		}
	}
}

// SetHeartbeat re-arms the ping timer for the current connection. A zero or
// negative interval disables it.
func (c *Client) SetHeartbeat(d time.Duration) {
	c.mu.Lock()
	ch := c.hbCh
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- d:
	default:
	}
}

// Send writes one text frame on the current connection.
func (c *Client) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return context.Canceled
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	ch := c.hbCh
	c.mu.Unlock()

	var interval time.Duration
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-ch:
			interval = d
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			if interval > 0 {
				timer.Reset(interval)
			}
		case <-timer.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				log.Printf("%s: ping failed: %v", c.cfg.Name, err)
				return
			}
			if interval > 0 {
				timer.Reset(interval)
			}
		}
	}
}
