package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gmblogref/TwitchChatBot-sub000/internal/history"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/mediacmds"
)

type fakeChat struct {
	mu   sync.Mutex
	says []string
}

func (f *fakeChat) Say(text string) {
	f.mu.Lock()
	f.says = append(f.says, text)
	f.mu.Unlock()
}

func (f *fakeChat) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.says...)
}

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

type fakeMod struct {
	mu       sync.Mutex
	timeouts []string // target ids
	game     string
	idErr    error
}

func (f *fakeMod) ResolveUserID(_ context.Context, login string) (string, error) {
	if f.idErr != nil {
		return "", f.idErr
	}
	return "id-" + login, nil
}

func (f *fakeMod) GameFor(context.Context, string) (string, error) { return f.game, nil }

func (f *fakeMod) TimeoutUser(_ context.Context, targetID string, _ time.Duration, _ string) error {
	f.mu.Lock()
	f.timeouts = append(f.timeouts, targetID)
	f.mu.Unlock()
	return nil
}

func (f *fakeMod) timeoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timeouts)
}

type fakeStreaks struct{ consecutive, total int }

func (f fakeStreaks) GetStats(string, string) (int, int) { return f.consecutive, f.total }

func testMedia(t *testing.T, body string) *mediacmds.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mediacmds.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	store, err := mediacmds.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return store
}

type harness struct {
	in    *Interpreter
	chat  *fakeChat
	queue *fakeQueue
	mod   *fakeMod
	hist  *history.Log
}

func newHarness(t *testing.T, mediaJSON string, settings Settings) *harness {
	t.Helper()
	if settings.Broadcaster == "" {
		settings.Broadcaster = "streamboss"
	}
	if settings.BotName == "" {
		settings.BotName = "alertbot"
	}
	h := &harness{
		chat:  &fakeChat{},
		queue: &fakeQueue{},
		mod:   &fakeMod{},
		hist:  history.NewLog(),
	}
	h.in = New(Deps{
		Chat:    h.chat,
		Queue:   h.queue,
		History: h.hist,
		Media:   testMedia(t, mediaJSON),
		Streaks: fakeStreaks{consecutive: 4, total: 12},
		Nukes:   NewCooldown(),
		Mod:     h.mod,
		IsMod:   func(name string) bool { return strings.EqualFold(name, "modbob") },
	}, settings)
	return h
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		raw                        string
		command, target, remainder string
	}{
		{"!so @alice", "so", "alice", ""},
		{"!NUKE bob with feeling", "nuke", "bob", "with feeling"},
		{"!tts brian hello world there", "tts", "", "brian hello world there"},
		{"!hug", "hug", "", ""},
		{"!ban @troll reason here", "ban", "troll", "reason here"},
		{"plain text", "plain", "", "text"},
		{"!", "", "", ""},
	}
	for _, tt := range tests {
		command, target, remainder := ParseCommand(tt.raw)
		if command != tt.command || target != tt.target || remainder != tt.remainder {
			t.Errorf("ParseCommand(%q) = (%q, %q, %q), want (%q, %q, %q)",
				tt.raw, command, target, remainder, tt.command, tt.target, tt.remainder)
		}
	}
}

func TestCooldownSingleUse(t *testing.T) {
	c := NewCooldown()
	if !c.TryUse("Alice") {
		t.Fatal("first use rejected")
	}
	if c.TryUse("alice") {
		t.Fatal("second use accepted before clear")
	}
	c.Clear()
	if !c.TryUse("ALICE") {
		t.Fatal("use after clear rejected")
	}
}

const nukeMedia = `{
  "alerts": {
    "modnuke": {"media": "modnuke.webm"},
    "botnuke": {"media": "botnuke.webm"},
    "broadcasternuke": {"media": "bossnuke.webm"}
  }
}`

func TestNukeModeratorFlow(t *testing.T) {
	h := newHarness(t, nukeMedia, Settings{})
	inv := Invocation{UserID: "7", Username: "carol", DisplayName: "Carol", Text: "!nuke @modbob"}

	h.in.Handle(context.Background(), inv)

	says := h.chat.lines()
	if len(says) != 1 || !strings.Contains(says[0], "attacking the mods") {
		t.Fatalf("says = %v", says)
	}
	items := h.queue.all()
	if len(items) != 1 || items[0].media != "modnuke.webm" || items[0].fullscreen {
		t.Fatalf("queued = %v", items)
	}
	if got := h.mod.timeoutCount(); got != 1 {
		t.Fatalf("timeouts = %d, want 1", got)
	}
	if h.hist.Len() != 1 {
		t.Fatalf("history entries = %d", h.hist.Len())
	}

	// same invoker again this stream: rejected, no second timeout
	h.in.Handle(context.Background(), Invocation{Username: "carol", DisplayName: "Carol", Text: "!nuke someone"})
	says = h.chat.lines()
	if !strings.Contains(says[len(says)-1], "already used") {
		t.Fatalf("second nuke reply = %q", says[len(says)-1])
	}
	if got := h.mod.timeoutCount(); got != 1 {
		t.Fatalf("timeouts after rejection = %d, want 1", got)
	}
}

func TestNukeBroadcasterIsImmune(t *testing.T) {
	h := newHarness(t, nukeMedia, Settings{})
	h.in.Handle(context.Background(), Invocation{Username: "carol", Text: "!nuke streamboss"})

	items := h.queue.all()
	if len(items) != 1 || !items[0].fullscreen || items[0].media != "bossnuke.webm" {
		t.Fatalf("queued = %v", items)
	}
	if h.mod.timeoutCount() != 0 {
		t.Fatal("broadcaster was timed out")
	}
}

func TestNukeBotBranchSpeaksReminder(t *testing.T) {
	h := newHarness(t, nukeMedia, Settings{})
	var spoken []string
	h.in.speak = func(_, text string) { spoken = append(spoken, text) }

	h.in.Handle(context.Background(), Invocation{Username: "carol", Text: "!nuke alertbot"})

	if len(spoken) != 1 || !strings.Contains(spoken[0], "re-mod alertbot") {
		t.Fatalf("spoken = %v", spoken)
	}
	if h.mod.timeoutCount() != 1 {
		t.Fatal("bot was not timed out")
	}
}

func TestNukeWithoutTargetSendsUsage(t *testing.T) {
	h := newHarness(t, `{}`, Settings{})
	h.in.Handle(context.Background(), Invocation{Username: "carol", Text: "!nuke"})

	says := h.chat.lines()
	if len(says) != 1 || says[0] != "Usage: !nuke targetUser" {
		t.Fatalf("says = %v", says)
	}
}

func TestNukeReplayBypassesCooldown(t *testing.T) {
	h := newHarness(t, nukeMedia, Settings{})
	h.in.inReplay = func() bool { return true }

	h.in.Handle(context.Background(), Invocation{Username: "carol", Text: "!nuke bob"})
	h.in.Handle(context.Background(), Invocation{Username: "carol", Text: "!nuke bob"})

	if got := h.mod.timeoutCount(); got != 2 {
		t.Fatalf("timeouts = %d, want 2 under replay", got)
	}
}

func TestNukeReplayFromHistory(t *testing.T) {
	h := newHarness(t, nukeMedia, Settings{})
	h.in.inReplay = h.hist.InReplay
	h.hist.SetReplayFunc(func(e history.Entry) {
		h.in.ReplayCommand(context.Background(), e.Username, e.Text)
	})

	h.in.Handle(context.Background(), Invocation{Username: "carol", Text: "!nuke bob"})

	entries := h.hist.Entries()
	if len(entries) != 1 || entries[0].Text != "!nuke bob" {
		t.Fatalf("recorded entry = %#v", entries)
	}

	// replay re-runs the invocation: cooldown bypassed, no new history
	h.hist.Replay(entries[0])

	if got := h.mod.timeoutCount(); got != 2 {
		t.Fatalf("timeouts = %d, want 2 after replay", got)
	}
	for _, line := range h.chat.lines() {
		if strings.Contains(line, "already used") {
			t.Fatalf("replay hit the cooldown: %q", line)
		}
	}
	if h.hist.Len() != 1 {
		t.Fatalf("replay polluted history: %d entries", h.hist.Len())
	}
}

func TestClearNukesRequiresAdmin(t *testing.T) {
	h := newHarness(t, `{}`, Settings{SecondaryAdmin: "trustymod"})
	h.in.nukes.TryUse("carol")

	h.in.Handle(context.Background(), Invocation{Username: "randomviewer", Text: "!clearnukes"})
	if h.in.nukes.TryUse("carol") {
		t.Fatal("non-admin cleared the nukes")
	}

	h.in.Handle(context.Background(), Invocation{Username: "TrustyMod", Text: "!clearnukes"})
	if !h.in.nukes.TryUse("carol") {
		t.Fatal("secondary admin clear had no effect")
	}
}

func TestTTSVoiceAndCap(t *testing.T) {
	h := newHarness(t, `{}`, Settings{TTSVoices: []string{"brian", "amy"}})
	var gotVoice, gotText string
	h.in.speak = func(voice, text string) { gotVoice, gotText = voice, text }

	long := strings.Repeat("a", 600)
	h.in.Handle(context.Background(), Invocation{Username: "carol", Text: "!tts Brian " + long})

	if gotVoice != "Brian" {
		t.Fatalf("voice = %q", gotVoice)
	}
	if len(gotText) != ttsMaxChars {
		t.Fatalf("text length = %d, want %d", len(gotText), ttsMaxChars)
	}

	entries := h.hist.Entries()
	if len(entries) != 1 || entries[0].Type != history.TypeTTS || entries[0].TTSVoice != "Brian" {
		t.Fatalf("history = %#v", entries)
	}
}

func TestTTSCapCountsRunesNotBytes(t *testing.T) {
	h := newHarness(t, `{}`, Settings{TTSVoices: []string{"brian"}})
	var gotText string
	h.in.speak = func(_, text string) { gotText = text }

	// each é is two bytes; a byte cap would split the rune at the boundary
	h.in.Handle(context.Background(), Invocation{Username: "carol", Text: "!tts brian " + strings.Repeat("é", 600)})

	if utf8.RuneCountInString(gotText) != ttsMaxChars {
		t.Fatalf("rune count = %d, want %d", utf8.RuneCountInString(gotText), ttsMaxChars)
	}
	if !utf8.ValidString(gotText) {
		t.Fatal("truncation split a multi-byte rune")
	}
}

func TestCommandListPaginates(t *testing.T) {
	var names []string
	for i := 0; i < 80; i++ {
		names = append(names, fmt.Sprintf(`"verylongcommandname%02d": {"message": "x"}`, i))
	}
	h := newHarness(t, `{"commands": {`+strings.Join(names, ",")+`}}`, Settings{})

	h.in.Handle(context.Background(), Invocation{Username: "carol", Text: "!commands"})

	says := h.chat.lines()
	if len(says) < 2 {
		t.Fatalf("expected pagination, got %d lines", len(says))
	}
	if !strings.HasPrefix(says[0], "Available commands: ") {
		t.Fatalf("first line = %q", says[0])
	}
	for i, line := range says {
		if len(line) > commandLineBudget {
			t.Fatalf("line %d over budget: %d chars", i, len(line))
		}
	}
}

func TestConfiguredCommandSubstitution(t *testing.T) {
	h := newHarness(t, `{
  "commands": {
    "discord": {"message": "Join us at $url", "url": "https://discord.gg/x"},
    "hug": {"alertMessage": "@$targetname gets a hug from $target!", "media": "hug.webm"},
    "streak": {"message": "%d in a row, %d total!", "formatArgs": "streak"}
  }
}`, Settings{})

	h.in.Handle(context.Background(), Invocation{Username: "carol", Text: "!discord"})
	h.in.Handle(context.Background(), Invocation{Username: "carol", Text: "!hug dave"})
	h.in.Handle(context.Background(), Invocation{UserID: "7", Username: "carol", Text: "!streak"})

	says := h.chat.lines()
	if says[0] != "Join us at https://discord.gg/x" {
		t.Fatalf("discord reply = %q", says[0])
	}
	if says[1] != "4 in a row, 12 total!" {
		t.Fatalf("streak reply = %q", says[1])
	}
	items := h.queue.all()
	if len(items) != 1 || items[0].message != "@dave gets a hug from dave!" || items[0].media != "hug.webm" {
		t.Fatalf("queued = %v", items)
	}
	if h.hist.Len() != 3 {
		t.Fatalf("history = %d entries", h.hist.Len())
	}
}

func TestExcludedUserSkippedUnlessSystem(t *testing.T) {
	h := newHarness(t, `{"commands": {"hug": {"message": "hug for $targetname"}}}`, Settings{})
	h.in.excluded = func(name string) bool { return name == "naughtybot" }

	h.in.Handle(context.Background(), Invocation{Username: "naughtybot", Text: "!hug"})
	if len(h.chat.lines()) != 0 {
		t.Fatal("excluded user ran a command")
	}

	h.in.Handle(context.Background(), Invocation{Username: "naughtybot", Text: "!hug", System: true})
	if len(h.chat.lines()) != 1 {
		t.Fatal("system invocation was blocked by exclusion")
	}
}

func TestAutoShoutOutUsesGameLookup(t *testing.T) {
	h := newHarness(t, `{"commands": {"so": {"message": "Check out $targetname, last playing $game"}}}`, Settings{})
	h.mod.game = "Tetris"

	h.in.AutoShoutOut(context.Background(), "raiderdan")

	says := h.chat.lines()
	if len(says) != 1 || says[0] != "Check out raiderdan, last playing Tetris" {
		t.Fatalf("says = %v", says)
	}
}
