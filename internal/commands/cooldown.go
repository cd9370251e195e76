package commands

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
)

// Cooldown tracks which usernames have used their one nuke this stream.
// Names are case-insensitive.
type Cooldown struct {
	mu   sync.Mutex
	used map[string]struct{}
}

func NewCooldown() *Cooldown {
	return &Cooldown{used: make(map[string]struct{})}
}

// TryUse marks the username as having used its nuke. Returns false if it was
// already used this stream.
func (c *Cooldown) TryUse(username string) bool {
	key := strings.ToLower(username)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, done := c.used[key]; done {
		return false
	}
	c.used[key] = struct{}{}
	return true
}

// Clear resets every username's usage.
func (c *Cooldown) Clear() {
	c.mu.Lock()
	c.used = make(map[string]struct{})
	c.mu.Unlock()
}

// StartResetTimer clears the set every interval until the context ends or
// the returned stop function is called. Stop is idempotent.
func (c *Cooldown) StartResetTimer(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Clear()
				log.Printf("commands: nuke cooldowns reset")
			}
		}
	}()

	return func() {
		once.Do(cancel)
	}
}
