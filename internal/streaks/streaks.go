package streaks

import "time"

// UserStats is one viewer's attendance record, keyed by platform user id.
type UserStats struct {
	UserID                  string    `json:"userId"`
	UserName                string    `json:"userName"`
	Consecutive             int       `json:"consecutive"`
	TotalStreams            int       `json:"totalStreams"`
	LastAttendedStreamIndex int       `json:"lastAttendedStreamIndex"`
	FirstSeenUTC            time.Time `json:"firstSeenUtc"`
	LastSeenUTC             time.Time `json:"lastSeenUtc"`
}

// State is the whole durable snapshot, persisted after each mutation.
type State struct {
	Version            int                   `json:"version"`
	CurrentStreamIndex int                   `json:"currentStreamIndex"`
	Users              map[string]*UserStats `json:"users"`
}

const CurrentVersion = 2

func NewState() *State {
	return &State{
		Version: CurrentVersion,
		Users:   make(map[string]*UserStats),
	}
}

// Store persists watch-streak snapshots. Implementations are opaque to the
// tracker beyond Load/Save.
type Store interface {
	Load() (*State, error)
	Save(*State) error
}
