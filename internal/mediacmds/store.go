package mediacmds

import (
	"encoding/json"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CommandEntry is one configured chat command: an optional chat reply
// template and an optional media alert.
type CommandEntry struct {
	Message      string `json:"message,omitempty"`      // chat reply template
	AlertMessage string `json:"alertMessage,omitempty"` // overlay text
	Media        string `json:"media,omitempty"`
	URL          string `json:"url,omitempty"`
	Fullscreen   bool   `json:"fullscreen,omitempty"`
	FormatArgs   string `json:"formatArgs,omitempty"` // "streak" injects (consecutive, total)
}

// AlertEntry maps an event type to its overlay message template and media.
type AlertEntry struct {
	Message string `json:"message,omitempty"`
	Media   string `json:"media,omitempty"`
}

// CheerTier selects media by bits. An exact tier only matches its own
// amount; range tiers match any cheer at or above their minimum.
type CheerTier struct {
	Bits  int    `json:"bits"`
	Exact bool   `json:"exact,omitempty"`
	Media string `json:"media"`
}

type fileShape struct {
	Commands   map[string]CommandEntry `json:"commands"`
	Alerts     map[string]AlertEntry   `json:"alerts"`
	CheerTiers []CheerTier             `json:"cheerTiers"`
}

// Store holds the media/command mapping loaded from a JSON file, hot
// reloaded on change.
type Store struct {
	path string

	mu   sync.RWMutex
	data fileShape
}

func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var data fileShape
	if err := json.Unmarshal(raw, &data); err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

// Watch reloads the file on writes, debounced. The watcher lives for the
// process. A reload failure keeps the previous mapping.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.path); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						log.Printf("mediacmds: watch re-add %s: %v", ev.Name, err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				if err := s.reload(); err != nil {
					log.Printf("mediacmds: reload failed: %v", err)
				} else {
					log.Printf("mediacmds: reloaded %s", s.path)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("mediacmds: watch error: %v", err)
			}
		}
	}()
	return nil
}

// Lookup returns the configured entry for a command name.
func (s *Store) Lookup(name string) (CommandEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.data.Commands[strings.ToLower(name)]
	return entry, ok
}

// Names lists all configured command names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data.Commands))
	for name := range s.data.Commands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Alert returns the overlay mapping for an event type tag.
func (s *Store) Alert(eventType string) (AlertEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.data.Alerts[eventType]
	return entry, ok
}

// CheerMedia picks the media for a cheer: an exact-amount tier wins
// outright; otherwise the highest range tier whose minimum is at or below
// the amount.
func (s *Store) CheerMedia(bits int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tier := range s.data.CheerTiers {
		if tier.Exact && tier.Bits == bits {
			return tier.Media, true
		}
	}
	best := -1
	media := ""
	for _, tier := range s.data.CheerTiers {
		if tier.Exact {
			continue
		}
		if tier.Bits <= bits && tier.Bits > best {
			best = tier.Bits
			media = tier.Media
		}
	}
	if best < 0 {
		return "", false
	}
	return media, true
}
