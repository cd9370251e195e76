package core

import "time"

// EventType discriminates NormalizedEvent payloads.
type EventType string

const (
	EventChatMessage EventType = "chat"
	EventCheer       EventType = "cheer"
	EventRaid        EventType = "raid"
	EventSub         EventType = "sub"
	EventResub       EventType = "resub"
	EventSubGift     EventType = "subgift"
	EventMysteryGift EventType = "mysterygift"
	EventRedemption  EventType = "redemption"
	EventHypeTrain   EventType = "hypetrain"
	EventFollow      EventType = "follow"
	EventWatchStreak EventType = "watchstreak"
	// EventPresence marks a viewer as present without any alert attached
	// (channel joins, names-list entries).
	EventPresence EventType = "presence"
)

// NormalizedEvent is the unified structure every ingestion adapter produces.
// Only the fields relevant to Type are populated; the router consumes each
// event exactly once and does not retain it.
type NormalizedEvent struct {
	Type        EventType
	Ts          time.Time
	UserID      string
	Username    string // login, lowercase
	DisplayName string
	Text        string // chat text or resub share message

	Bits      int    // cheer
	Viewers   int    // raid
	Months    int    // resub cumulative months
	Tier      string // sub/resub/gift plan ("1000", "2000", "3000", "Prime")
	GiftCount int    // mystery gift bundle size
	Recipient string // subgift recipient login
	Reward    string // channel point reward title
	Streak    int    // watch streak milestone value
}

// Display returns the best user-facing name for the actor.
func (e NormalizedEvent) Display() string {
	if e.DisplayName != "" {
		return e.DisplayName
	}
	return e.Username
}

// AlertKind selects how the overlay renders an alert.
type AlertKind string

const (
	AlertStandard   AlertKind = "alert"
	AlertFullscreen AlertKind = "fullscreen"
)

// AlertItem is one pending overlay alert. Owned by the alert queue until
// dequeued; destroyed on broadcast.
type AlertItem struct {
	ID      string    `json:"id"`
	Message string    `json:"message"`
	Media   string    `json:"media,omitempty"`
	Kind    AlertKind `json:"kind"`
}

// ChatLine is a displayable chat message forwarded to the UI sink.
type ChatLine struct {
	Ts          time.Time
	Username    string
	DisplayName string
	Text        string
	Colour      string
}

// Role is a viewer's standing in the channel roster.
type Role int

const (
	RoleViewer Role = iota
	RoleVIP
	RoleModerator
	RoleBroadcaster
)

func (r Role) String() string {
	switch r {
	case RoleBroadcaster:
		return "broadcaster"
	case RoleModerator:
		return "moderator"
	case RoleVIP:
		return "vip"
	default:
		return "viewer"
	}
}
