package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// wsServer accepts connections and plays a script against each one.
type wsServer struct {
	mu       sync.Mutex
	accepted int
	script   func(ctx context.Context, n int, conn *websocket.Conn)
}

func (s *wsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.accepted++
	n := s.accepted
	s.mu.Unlock()
	s.script(r.Context(), n, conn)
}

func (s *wsServer) connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestReceivesMessagesAndReconnects(t *testing.T) {
	srv := &wsServer{script: func(ctx context.Context, n int, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte("hello"))
		if n == 1 {
			// drop the first connection to force a reconnect
			conn.Close(websocket.StatusInternalError, "going away")
			return
		}
		// keep the second connection open
		_, _, _ = conn.Read(ctx)
	}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	var mu sync.Mutex
	var got []string
	client := New(Config{
		Name: "test-socket",
		URL:  func() string { return wsURL(ts) },
		OnMessage: func(_ context.Context, data []byte) {
			mu.Lock()
			got = append(got, string(data))
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 && srv.connects() >= 2 {
			cancel()
			<-done
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("messages = %d, connects = %d; want both >= 2", len(got), srv.connects())
}

func TestOnConnectErrorTriggersReconnect(t *testing.T) {
	srv := &wsServer{script: func(ctx context.Context, n int, conn *websocket.Conn) {
		_, _, _ = conn.Read(ctx)
	}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	var mu sync.Mutex
	attempts := 0
	client := New(Config{
		Name: "test-socket",
		URL:  func() string { return wsURL(ts) },
		OnConnect: func(context.Context, *Client) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				return context.DeadlineExceeded
			}
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := attempts
		mu.Unlock()
		if n >= 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("handshake was not retried")
}

func TestSendReachesServer(t *testing.T) {
	received := make(chan string, 1)
	srv := &wsServer{script: func(ctx context.Context, n int, conn *websocket.Conn) {
		_, data, err := conn.Read(ctx)
		if err == nil {
			received <- string(data)
		}
		_, _, _ = conn.Read(ctx)
	}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ready := make(chan struct{})
	var once sync.Once
	client := New(Config{
		Name: "test-socket",
		URL:  func() string { return wsURL(ts) },
		OnConnect: func(context.Context, *Client) error {
			once.Do(func() { close(ready) })
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("never connected")
	}
	if err := client.Send(ctx, []byte("ping-me")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-received:
		if got != "ping-me" {
			t.Fatalf("server received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the frame")
	}
}
