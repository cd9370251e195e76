package events

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gmblogref/TwitchChatBot-sub000/internal/core"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/history"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/mediacmds"
)

type queued struct {
	message, media string
	fullscreen     bool
}

type fakeQueue struct {
	mu    sync.Mutex
	items []queued
}

func (f *fakeQueue) Enqueue(message, media string) {
	f.mu.Lock()
	f.items = append(f.items, queued{message, media, false})
	f.mu.Unlock()
}

func (f *fakeQueue) EnqueueFullscreen(message, media string) {
	f.mu.Lock()
	f.items = append(f.items, queued{message, media, true})
	f.mu.Unlock()
}

func (f *fakeQueue) all() []queued {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queued(nil), f.items...)
}

type fakeAttendance struct {
	mu    sync.Mutex
	marks []string
}

func (f *fakeAttendance) MarkAttendance(userID, userName string) {
	f.mu.Lock()
	f.marks = append(f.marks, userID+"/"+userName)
	f.mu.Unlock()
}

type fakeShout struct{ logins []string }

func (f *fakeShout) AutoShoutOut(_ context.Context, username string) {
	f.logins = append(f.logins, username)
}

const routerMedia = `{
  "alerts": {
    "raid": {"message": "%s brings %d raiders!", "media": "raid.webm"},
    "mysterygift": {"media": "gift.webm"},
    "watchstreak": {"media": "streak.webm"},
    "redemption:first": {"message": "%s claimed %s", "media": "first.webm"}
  },
  "cheerTiers": [
    {"bits": 1, "media": "cheer_small.webm"},
    {"bits": 350, "exact": true, "media": "cheer_350.webm"}
  ]
}`

type routerHarness struct {
	r     *Router
	queue *fakeQueue
	hist  *history.Log
	att   *fakeAttendance
	shout *fakeShout
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mediacmds.json")
	if err := os.WriteFile(path, []byte(routerMedia), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	media, err := mediacmds.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	h := &routerHarness{
		queue: &fakeQueue{},
		hist:  history.NewLog(),
		att:   &fakeAttendance{},
		shout: &fakeShout{},
	}
	h.r = NewRouter(Deps{
		Queue:   h.queue,
		History: h.hist,
		Media:   media,
		Streaks: h.att,
		Shout:   h.shout,
	})
	return h
}

func TestCheerSelectsTierMedia(t *testing.T) {
	h := newRouterHarness(t)

	h.r.handle(context.Background(), core.NormalizedEvent{
		Type: core.EventCheer, Username: "alice", DisplayName: "Alice", Bits: 350,
	})
	h.r.handle(context.Background(), core.NormalizedEvent{
		Type: core.EventCheer, Username: "bob", Bits: 37,
	})

	items := h.queue.all()
	if len(items) != 2 {
		t.Fatalf("queued = %v", items)
	}
	if items[0].media != "cheer_350.webm" {
		t.Fatalf("exact tier not selected: %v", items[0])
	}
	if items[0].message != "Alice cheered 350 bits!" {
		t.Fatalf("cheer message = %q", items[0].message)
	}
	if items[1].media != "cheer_small.webm" {
		t.Fatalf("range tier not selected: %v", items[1])
	}
	if h.hist.Len() != 2 {
		t.Fatalf("history = %d entries", h.hist.Len())
	}
}

func TestRaidAlertAndAutoShoutOut(t *testing.T) {
	h := newRouterHarness(t)

	h.r.handle(context.Background(), core.NormalizedEvent{
		Type: core.EventRaid, Username: "raiderdan", Viewers: 42,
	})

	items := h.queue.all()
	if len(items) != 1 || items[0].message != "raiderdan brings 42 raiders!" || items[0].media != "raid.webm" {
		t.Fatalf("queued = %v", items)
	}
	if len(h.shout.logins) != 1 || h.shout.logins[0] != "raiderdan" {
		t.Fatalf("shout-outs = %v", h.shout.logins)
	}
}

func TestMysteryGiftCountFallback(t *testing.T) {
	h := newRouterHarness(t)

	h.r.handle(context.Background(), core.NormalizedEvent{
		Type: core.EventMysteryGift, Username: "gifty", GiftCount: 0,
	})

	entries := h.hist.Entries()
	if len(entries) != 1 || entries[0].GiftCount != 1 {
		t.Fatalf("gift count = %#v", entries)
	}
	if got := h.queue.all()[0].message; !strings.Contains(got, "1 subs") {
		t.Fatalf("message = %q", got)
	}
}

func TestRedemptionMapping(t *testing.T) {
	h := newRouterHarness(t)

	h.r.handle(context.Background(), core.NormalizedEvent{
		Type: core.EventRedemption, Username: "carol", Reward: "First",
	})
	// unmapped reward with no generic fallback: dropped
	h.r.handle(context.Background(), core.NormalizedEvent{
		Type: core.EventRedemption, Username: "carol", Reward: "Hydrate",
	})

	items := h.queue.all()
	if len(items) != 1 || items[0].media != "first.webm" || items[0].message != "carol claimed First" {
		t.Fatalf("queued = %v", items)
	}
	if h.hist.Len() != 1 {
		t.Fatalf("history = %d entries", h.hist.Len())
	}
}

func TestWatchStreakMarksAttendance(t *testing.T) {
	h := newRouterHarness(t)

	h.r.handle(context.Background(), core.NormalizedEvent{
		Type: core.EventWatchStreak, UserID: "7", Username: "carol", Streak: 5,
	})

	if len(h.att.marks) != 1 || h.att.marks[0] != "7/carol" {
		t.Fatalf("marks = %v", h.att.marks)
	}
	if got := h.queue.all()[0].message; !strings.Contains(got, "5 stream watch streak") {
		t.Fatalf("message = %q", got)
	}
}

func TestChatAndPresenceMarkAttendance(t *testing.T) {
	h := newRouterHarness(t)

	h.r.handle(context.Background(), core.NormalizedEvent{
		Type: core.EventChatMessage, UserID: "7", Username: "carol", Text: "hello",
	})
	h.r.handle(context.Background(), core.NormalizedEvent{
		Type: core.EventPresence, Username: "lurkerdan",
	})

	h.att.mu.Lock()
	marks := append([]string(nil), h.att.marks...)
	h.att.mu.Unlock()
	if len(marks) != 2 || marks[0] != "7/carol" || marks[1] != "/lurkerdan" {
		t.Fatalf("marks = %v", marks)
	}
	// neither produces an alert or a history entry
	if len(h.queue.all()) != 0 {
		t.Fatalf("queued = %v", h.queue.all())
	}
	if h.hist.Len() != 0 {
		t.Fatalf("history = %d entries", h.hist.Len())
	}
}

func TestReplayDoesNotAmplifyHistory(t *testing.T) {
	h := newRouterHarness(t)

	h.r.handle(context.Background(), core.NormalizedEvent{
		Type: core.EventCheer, Username: "alice", Bits: 350,
	})
	if h.hist.Len() != 1 {
		t.Fatalf("history = %d entries", h.hist.Len())
	}

	h.hist.Replay(h.hist.Entries()[0])

	items := h.queue.all()
	if len(items) != 2 {
		t.Fatalf("replay did not re-enqueue: %v", items)
	}
	if items[1].media != "cheer_350.webm" {
		t.Fatalf("replayed media = %q", items[1].media)
	}
	if h.hist.Len() != 1 {
		t.Fatalf("replay polluted history: %d entries", h.hist.Len())
	}
}

type fakeReplayer struct {
	calls []string
}

func (f *fakeReplayer) ReplayCommand(_ context.Context, username, text string) {
	f.calls = append(f.calls, username+":"+text)
}

func TestReplayCommandDispatchesInvocation(t *testing.T) {
	h := newRouterHarness(t)
	rep := &fakeReplayer{}
	h.r.commands = rep

	h.hist.Replay(history.Entry{
		Type: history.TypeCommand, Username: "carol", Command: "hug",
		Text: "!hug dave", Summary: "Carol used !hug",
	})

	if len(rep.calls) != 1 || rep.calls[0] != "carol:!hug dave" {
		t.Fatalf("replayed = %v", rep.calls)
	}
	if len(h.queue.all()) != 0 {
		t.Fatalf("dispatch also hit the fallback: %v", h.queue.all())
	}
}

func TestReplayFallbackKeepsMedia(t *testing.T) {
	h := newRouterHarness(t)
	h.r.commands = &fakeReplayer{}

	// an entry recorded before invocation text was kept: media fallback
	h.hist.Replay(history.Entry{
		Type: history.TypeCommand, Username: "carol", Command: "hug",
		Summary: "Carol used !hug", Media: "hug.webm",
	})

	items := h.queue.all()
	if len(items) != 1 || items[0].media != "hug.webm" || items[0].message != "Carol used !hug" {
		t.Fatalf("fallback = %v", items)
	}
}

func TestSubmitAndRun(t *testing.T) {
	h := newRouterHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		h.r.Run(ctx)
		close(done)
	}()

	h.r.Submit(core.NormalizedEvent{Type: core.EventCheer, Username: "alice", Bits: 37})

	waitFor(t, func() bool { return len(h.queue.all()) == 1 })
	cancel()
	<-done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
