package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gmblogref/TwitchChatBot-sub000/internal/history"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/metrics"
)

// Overlay is the WebSocket mount plus the bits the status endpoint reports.
type Overlay interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
	ClientCount() int
}

// Queue exposes the alert backlog size.
type Queue interface {
	Pending() int
}

// Streams exposes the watch-streak lifecycle for the admin endpoints.
type Streams interface {
	BeginStream()
	EndStream()
	StreamIndex() int
}

// Server is the local HTTP surface: health, metrics, alert history with
// replay, a status snapshot, the overlay WebSocket mount, and stream
// lifecycle admin calls.
type Server struct {
	httpServer *http.Server

	hist    *history.Log
	queue   Queue
	overlay Overlay
	streams Streams
	m       *metrics.Metrics
	limiter *throttle
}

type Options struct {
	Addr string
	// RPS/Burst bound per-IP request rates; zero disables limiting.
	RPS   int
	Burst int
}

func New(hist *history.Log, queue Queue, ov Overlay, streams Streams, m *metrics.Metrics, opts Options) *Server {
	srv := &Server{
		hist:    hist,
		queue:   queue,
		overlay: ov,
		streams: streams,
		m:       m,
		limiter: newThrottle(opts.RPS, opts.Burst),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/history", srv.handleHistory)
	mux.HandleFunc("/history/replay", srv.handleReplay)
	mux.HandleFunc("/status", srv.handleStatus)
	mux.HandleFunc("/ws/overlay", ov.HandleWS)
	mux.HandleFunc("/admin/stream/begin", srv.handleStreamBegin)
	mux.HandleFunc("/admin/stream/end", srv.handleStreamEnd)

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.withRateLimit(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.admit(remoteIP(r)) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries := s.hist.Entries()

	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n < len(entries) {
			entries = entries[len(entries)-n:]
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(entries)
}

// handleReplay re-drives one recorded entry through the alert pipeline.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var entry history.Entry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		http.Error(w, "bad entry", http.StatusBadRequest)
		return
	}
	if entry.Type == "" {
		http.Error(w, "entry type required", http.StatusBadRequest)
		return
	}
	s.hist.Replay(entry)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"pendingAlerts":  s.queue.Pending(),
		"overlayClients": s.overlay.ClientCount(),
		"historyEntries": s.hist.Len(),
		"streamIndex":    s.streams.StreamIndex(),
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handleStreamBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.streams.BeginStream()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStreamEnd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.streams.EndStream()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) Start() error {
	log.Printf("httpapi: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
