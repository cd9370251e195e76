package history

import (
	"log"
	"sync"
	"time"
)

// Capacity is the bounded size of the alert history; the oldest entry is
// evicted when a new one would exceed it.
const Capacity = 500

// EntryType tags what kind of action produced an entry.
type EntryType string

const (
	TypeCommand     EntryType = "command"
	TypeTTS         EntryType = "tts"
	TypeCheer       EntryType = "cheer"
	TypeRaid        EntryType = "raid"
	TypeSub         EntryType = "sub"
	TypeResub       EntryType = "resub"
	TypeSubGift     EntryType = "subgift"
	TypeMysteryGift EntryType = "mysterygift"
	TypeRedemption  EntryType = "redemption"
	TypeWatchStreak EntryType = "watchstreak"
	TypeHypeTrain   EntryType = "hypetrain"
	TypeFollow      EntryType = "follow"
)

// Entry records one alert-producing action with enough payload to replay it.
type Entry struct {
	Ts       time.Time `json:"ts"`
	Type     EntryType `json:"type"`
	Summary  string    `json:"summary"`
	Username string    `json:"username"`

	Command   string `json:"command,omitempty"`
	Text      string `json:"text,omitempty"` // full invocation text for command re-runs
	TTSVoice  string `json:"ttsVoice,omitempty"`
	TTSText   string `json:"ttsText,omitempty"`
	Bits      int    `json:"bits,omitempty"`
	Viewers   int    `json:"viewers,omitempty"`
	Months    int    `json:"months,omitempty"`
	Tier      string `json:"tier,omitempty"`
	GiftCount int    `json:"giftCount,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Reward    string `json:"reward,omitempty"`
	Streak    int    `json:"streak,omitempty"`
	Media     string `json:"media,omitempty"`
}

// ReplayFunc re-drives the handler matching an entry's type. Registered by
// the wiring layer to avoid a dependency cycle with the router.
type ReplayFunc func(Entry)

// Log is the bounded FIFO of past alert-producing actions. Adds are dropped
// while a replay scope is open, so replaying never amplifies history.
type Log struct {
	mu          sync.Mutex
	entries     []Entry
	replayDepth int
	onAdd       func(Entry)
	replay      ReplayFunc
}

func NewLog() *Log {
	return &Log{}
}

// OnAdd registers the UI-facing notification callback. Failures inside the
// callback are swallowed; history integrity does not depend on subscribers.
func (l *Log) OnAdd(fn func(Entry)) {
	l.mu.Lock()
	l.onAdd = fn
	l.mu.Unlock()
}

// SetReplayFunc registers the handler Replay dispatches to.
func (l *Log) SetReplayFunc(fn ReplayFunc) {
	l.mu.Lock()
	l.replay = fn
	l.mu.Unlock()
}

// Add appends an entry, evicting the oldest past Capacity. It is a no-op
// while a replay scope is open.
func (l *Log) Add(e Entry) {
	l.mu.Lock()
	if l.replayDepth > 0 {
		l.mu.Unlock()
		return
	}
	if e.Ts.IsZero() {
		e.Ts = time.Now().UTC()
	}
	l.entries = append(l.entries, e)
	if len(l.entries) > Capacity {
		l.entries = l.entries[len(l.entries)-Capacity:]
	}
	notify := l.onAdd
	l.mu.Unlock()

	if notify != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("history: add notification panicked: %v", r)
				}
			}()
			notify(e)
		}()
	}
}

// Entries returns a copy of the history, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports the current history size.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// InReplay reports whether a replay scope is currently open. Consulted by
// the nuke cooldown check and the watch-streak side-effect suppression.
func (l *Log) InReplay() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.replayDepth > 0
}

// EnterReplay opens a replay scope and returns its exit function. Scopes are
// re-entrant; nested replays are safe.
func (l *Log) EnterReplay() func() {
	l.mu.Lock()
	l.replayDepth++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.replayDepth--
			l.mu.Unlock()
		})
	}
}

// Replay re-invokes the handler matching the entry's recorded type inside a
// replay scope.
func (l *Log) Replay(e Entry) {
	l.mu.Lock()
	fn := l.replay
	l.mu.Unlock()
	if fn == nil {
		log.Printf("history: no replay handler registered")
		return
	}

	exit := l.EnterReplay()
	defer exit()
	fn(e)
}
