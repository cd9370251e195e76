package streaks

import (
	"log"
	"strings"
	"sync"
	"time"
)

// Options configures tracker behavior at construction.
type Options struct {
	// Testing suppresses stream-index increments and attendance counting so
	// rehearsal runs never touch durable counters.
	Testing bool
	// Excluded reports whether a user (bots, the broadcaster) is ignored.
	Excluded func(userID, userName string) bool
	// Suppressed reports whether durable side effects are currently
	// disabled (wired to the history replay scope).
	Suppressed func() bool
	Now        func() time.Time
}

// Tracker owns the watch-streak state machine: Idle → BeginStream → Open →
// EndStream → Idle. All mutations happen under one mutex spanning the
// read-modify-write and the following persist.
type Tracker struct {
	store Store
	opts  Options

	mu       sync.Mutex
	state    *State
	open     bool
	attended map[string]struct{}
}

func NewTracker(store Store, opts Options) (*Tracker, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	state, err := store.Load()
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = NewState()
	}
	if state.Users == nil {
		state.Users = make(map[string]*UserStats)
	}

	t := &Tracker{
		store:    store,
		opts:     opts,
		state:    state,
		attended: make(map[string]struct{}),
	}
	if t.normalize() {
		t.persistLocked()
	}
	return t, nil
}

// BeginStream opens a stream. A re-entrant begin while already open in
// testing mode is a no-op; outside testing mode the stream index increments
// exactly once per call and the state persists.
func (t *Tracker) BeginStream() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open && t.opts.Testing {
		return
	}
	t.open = true
	t.attended = make(map[string]struct{})
	if t.opts.Testing {
		return
	}
	t.state.CurrentStreamIndex++
	t.persistLocked()
	log.Printf("streaks: stream %d open", t.state.CurrentStreamIndex)
}

// EndStream clears attendance tracking and persists. No-op when not open or
// in testing mode.
func (t *Tracker) EndStream() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open || t.opts.Testing {
		return
	}
	t.open = false
	t.attended = make(map[string]struct{})
	t.persistLocked()
	log.Printf("streaks: stream %d closed", t.state.CurrentStreamIndex)
}

// MarkAttendance counts userID once for the open stream and applies the
// consecutive-streak rule. The per-stream attended set gates all work, so a
// user joining twenty times still counts once.
func (t *Tracker) MarkAttendance(userID, userName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open || t.opts.Testing {
		return
	}
	if t.opts.Suppressed != nil && t.opts.Suppressed() {
		return
	}
	if t.opts.Excluded != nil && t.opts.Excluded(userID, userName) {
		return
	}
	key := userID
	if key == "" {
		key = strings.ToLower(userName)
	}
	if _, done := t.attended[key]; done {
		return
	}
	t.attended[key] = struct{}{}

	now := t.opts.Now().UTC()
	stats := t.lookupForUpdate(userID, userName, now)

	if stats.LastAttendedStreamIndex == t.state.CurrentStreamIndex-1 {
		stats.Consecutive++
	} else {
		stats.Consecutive = 1
	}
	stats.TotalStreams++
	stats.LastAttendedStreamIndex = t.state.CurrentStreamIndex
	stats.LastSeenUTC = now
	if stats.UserName == "" {
		stats.UserName = userName
	}

	t.persistLocked()
}

// GetStats returns (consecutive, total), falling back to a username scan
// when the id lookup misses.
func (t *Tracker) GetStats(userID, userName string) (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if stats, ok := t.state.Users[userID]; ok && userID != "" {
		return stats.Consecutive, stats.TotalStreams
	}
	if stats := t.findByName(userName); stats != nil {
		return stats.Consecutive, stats.TotalStreams
	}
	return 0, 0
}

// StreamIndex reports the current stream counter.
func (t *Tracker) StreamIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.CurrentStreamIndex
}

// lookupForUpdate finds or creates the user's record, migrating any
// legacy username-keyed record to the user id on first contact.
func (t *Tracker) lookupForUpdate(userID, userName string, now time.Time) *UserStats {
	if userID != "" {
		if stats, ok := t.state.Users[userID]; ok {
			return stats
		}
		// legacy shape: keyed by username with an empty userId field.
		// Records already bound to a different id stay untouched even
		// when the username matches.
		for key, stats := range t.state.Users {
			if stats.UserID != "" {
				continue
			}
			if strings.EqualFold(key, userName) || strings.EqualFold(stats.UserName, userName) {
				delete(t.state.Users, key)
				stats.UserID = userID
				if stats.UserName == "" {
					stats.UserName = userName
				}
				if stats.FirstSeenUTC.IsZero() {
					stats.FirstSeenUTC = now
				}
				t.state.Users[userID] = stats
				log.Printf("streaks: migrated legacy record %q to user id %s", key, userID)
				return stats
			}
		}
	}

	key := userID
	if key == "" {
		key = strings.ToLower(userName)
	}
	stats := &UserStats{
		UserID:       userID,
		UserName:     userName,
		FirstSeenUTC: now,
	}
	t.state.Users[key] = stats
	return stats
}

func (t *Tracker) findByName(userName string) *UserStats {
	if userName == "" {
		return nil
	}
	for key, stats := range t.state.Users {
		if strings.EqualFold(key, userName) || strings.EqualFold(stats.UserName, userName) {
			return stats
		}
	}
	return nil
}

// normalize re-keys every legacy-shaped record under its user id and merges
// id collisions. Returns true when anything changed.
func (t *Tracker) normalize() bool {
	changed := false
	for key, stats := range t.state.Users {
		canonical := stats.UserID
		if canonical == "" {
			continue
		}
		if key == canonical {
			continue
		}
		delete(t.state.Users, key)
		if existing, ok := t.state.Users[canonical]; ok {
			t.state.Users[canonical] = merge(existing, stats)
		} else {
			t.state.Users[canonical] = stats
		}
		changed = true
	}
	if t.state.Version != CurrentVersion {
		t.state.Version = CurrentVersion
		changed = true
	}
	return changed
}

// merge resolves a duplicate-id collision deterministically: non-empty user
// id, longer non-empty username, max counters, earliest first-seen, latest
// last-seen. Heuristic: a reused username after an id change can fuse two
// real users; accepted approximation.
func merge(a, b *UserStats) *UserStats {
	out := &UserStats{}

	out.UserID = a.UserID
	if out.UserID == "" {
		out.UserID = b.UserID
	}

	out.UserName = a.UserName
	if len(b.UserName) > len(out.UserName) {
		out.UserName = b.UserName
	}

	out.TotalStreams = maxInt(a.TotalStreams, b.TotalStreams)
	out.Consecutive = maxInt(a.Consecutive, b.Consecutive)
	out.LastAttendedStreamIndex = maxInt(a.LastAttendedStreamIndex, b.LastAttendedStreamIndex)

	out.FirstSeenUTC = a.FirstSeenUTC
	if !b.FirstSeenUTC.IsZero() && (out.FirstSeenUTC.IsZero() || b.FirstSeenUTC.Before(out.FirstSeenUTC)) {
		out.FirstSeenUTC = b.FirstSeenUTC
	}
	out.LastSeenUTC = a.LastSeenUTC
	if b.LastSeenUTC.After(out.LastSeenUTC) {
		out.LastSeenUTC = b.LastSeenUTC
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (t *Tracker) persistLocked() {
	if err := t.store.Save(t.state); err != nil {
		log.Printf("streaks: persist failed: %v", err)
	}
}
