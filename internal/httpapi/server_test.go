package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gmblogref/TwitchChatBot-sub000/internal/history"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/metrics"
)

type fakeQueue struct{ pending int }

func (f fakeQueue) Pending() int { return f.pending }

type fakeOverlay struct{ clients int }

func (f fakeOverlay) HandleWS(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}
func (f fakeOverlay) ClientCount() int { return f.clients }

type fakeStreams struct {
	index  int
	begins int
	ends   int
}

func (f *fakeStreams) BeginStream()     { f.begins++ }
func (f *fakeStreams) EndStream()       { f.ends++ }
func (f *fakeStreams) StreamIndex() int { return f.index }

func newTestServer(t *testing.T, hist *history.Log, opts Options) (*httptest.Server, *fakeStreams) {
	t.Helper()
	streams := &fakeStreams{index: 7}
	srv := New(hist, fakeQueue{pending: 3}, fakeOverlay{clients: 2}, streams, metrics.New(), opts)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, streams
}

func TestHistoryEndpointWithLimit(t *testing.T) {
	hist := history.NewLog()
	hist.Add(history.Entry{Type: history.TypeCheer, Username: "a", Bits: 100})
	hist.Add(history.Entry{Type: history.TypeRaid, Username: "b", Viewers: 5})
	hist.Add(history.Entry{Type: history.TypeSub, Username: "c"})
	ts, _ := newTestServer(t, hist, Options{})

	resp, err := http.Get(ts.URL + "/history?limit=2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var entries []history.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 || entries[0].Username != "b" || entries[1].Username != "c" {
		t.Fatalf("entries = %#v", entries)
	}
}

func TestReplayEndpoint(t *testing.T) {
	hist := history.NewLog()
	var replayed []history.Entry
	hist.SetReplayFunc(func(e history.Entry) { replayed = append(replayed, e) })
	ts, _ := newTestServer(t, hist, Options{})

	resp, err := http.Post(ts.URL+"/history/replay", "application/json",
		strings.NewReader(`{"type": "cheer", "username": "alice", "bits": 250}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(replayed) != 1 || replayed[0].Bits != 250 {
		t.Fatalf("replayed = %#v", replayed)
	}

	// GET is rejected
	getResp, err := http.Get(ts.URL + "/history/replay")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", getResp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, history.NewLog(), Options{})

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["pendingAlerts"].(float64) != 3 || status["overlayClients"].(float64) != 2 ||
		status["streamIndex"].(float64) != 7 {
		t.Fatalf("status = %v", status)
	}
}

func TestStreamLifecycleEndpoints(t *testing.T) {
	ts, streams := newTestServer(t, history.NewLog(), Options{})

	resp, err := http.Post(ts.URL+"/admin/stream/begin", "", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	resp, err = http.Post(ts.URL+"/admin/stream/end", "", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	if streams.begins != 1 || streams.ends != 1 {
		t.Fatalf("begins = %d, ends = %d", streams.begins, streams.ends)
	}
}

func TestRateLimiting(t *testing.T) {
	ts, _ := newTestServer(t, history.NewLog(), Options{RPS: 1, Burst: 1})

	limited := false
	for i := 0; i < 5; i++ {
		resp, err := http.Get(ts.URL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("burst of requests was never rate limited")
	}
}
