package irc

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

const (
	dedupLifetime  = 10 * time.Minute
	dedupSweepSize = 4096
)

// Dedup makes at-least-once USERNOTICE delivery idempotent. Entries expire
// after dedupLifetime via an opportunistic sweep on insert.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewDedup() *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  dedupLifetime,
		now:  time.Now,
	}
}

// IdentityKey computes a stable identity for a tagged notice: the id tag if
// present, else login|tmi-sent-ts, else a hash of the raw line and display
// name. The hash fallback accepts rare false negatives.
func IdentityKey(tags map[string]string, raw string) string {
	if id := tags["id"]; id != "" {
		return id
	}
	login := tags["login"]
	ts := tags["tmi-sent-ts"]
	if login != "" && ts != "" {
		return login + "|" + ts
	}
	h := fnv.New64a()
	h.Write([]byte(raw))
	h.Write([]byte(tags["display-name"]))
	return fmt.Sprintf("h:%x", h.Sum64())
}

// TryRecord is an atomic check-and-insert. It returns false when key was
// already processed, even when two deliveries race.
func (d *Dedup) TryRecord(key string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return false
	}
	d.seen[key] = now
	if len(d.seen) > dedupSweepSize {
		d.sweep(now)
	}
	return true
}

func (d *Dedup) sweep(now time.Time) {
	expireBefore := now.Add(-d.ttl)
	for key, at := range d.seen {
		if at.Before(expireBefore) {
			delete(d.seen, key)
		}
	}
}

// Len reports the current number of tracked identities.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
