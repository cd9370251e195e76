package eventsub

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gmblogref/TwitchChatBot-sub000/internal/core"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/metrics"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/socket"
)

const DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

// heartbeatMargin is shaved off the server keep-alive hint so our ping
// lands before the server gives up on us.
const heartbeatMargin = 3 * time.Second

type frame struct {
	Metadata struct {
		MessageType string `json:"message_type"`
	} `json:"metadata"`
	Payload struct {
		Session struct {
			ID                      string  `json:"id"`
			KeepaliveTimeoutSeconds int     `json:"keepalive_timeout_seconds"`
			ReconnectURL            *string `json:"reconnect_url"`
		} `json:"session"`
		Subscription struct {
			Type string `json:"type"`
		} `json:"subscription"`
		Event json.RawMessage `json:"event"`
	} `json:"payload"`
}

// Config wires the adapter.
type Config struct {
	URL     string // defaults to DefaultURL
	Handler func(core.NormalizedEvent)
	// OnSession runs once per welcome with the session id, so the caller
	// can create its subscriptions against the API.
	OnSession func(ctx context.Context, sessionID string)
	Metrics   *metrics.Metrics
}

// Adapter ingests platform push notifications over the EventSub WebSocket
// and emits normalized events.
type Adapter struct {
	cfg    Config
	client *socket.Client

	mu  sync.Mutex
	url string
}

func New(cfg Config) *Adapter {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	a := &Adapter{cfg: cfg, url: cfg.URL}
	a.client = socket.New(socket.Config{
		Name:      "eventsub",
		URL:       a.currentURL,
		OnMessage: a.onMessage,
		Metrics:   cfg.Metrics,
	})
	return a
}

// Run connects and reconnects until the context ends.
func (a *Adapter) Run(ctx context.Context) {
	a.client.Run(ctx)
}

func (a *Adapter) currentURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.url
}

func (a *Adapter) setURL(url string) {
	a.mu.Lock()
	a.url = url
	a.mu.Unlock()
}

func (a *Adapter) onMessage(ctx context.Context, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Printf("eventsub: malformed frame: %v", err)
		return
	}

	switch f.Metadata.MessageType {
	case "session_welcome":
		if secs := f.Payload.Session.KeepaliveTimeoutSeconds; secs > 0 {
			hb := time.Duration(secs)*time.Second - heartbeatMargin
			if hb < time.Second {
				hb = time.Second
			}
			a.client.SetHeartbeat(hb)
		}
		log.Printf("eventsub: session %s established", f.Payload.Session.ID)
		if a.cfg.OnSession != nil {
			a.cfg.OnSession(ctx, f.Payload.Session.ID)
		}
	case "session_keepalive":
		// liveness only
	case "session_reconnect":
		if f.Payload.Session.ReconnectURL != nil && *f.Payload.Session.ReconnectURL != "" {
			a.setURL(*f.Payload.Session.ReconnectURL)
			log.Printf("eventsub: server requested reconnect")
		}
	case "notification":
		a.notification(f.Payload.Subscription.Type, f.Payload.Event)
	case "revocation":
		log.Printf("eventsub: subscription revoked: %s", f.Payload.Subscription.Type)
	default:
		log.Printf("eventsub: unknown message type %q", f.Metadata.MessageType)
	}
}

type eventBody struct {
	UserID               string `json:"user_id"`
	UserLogin            string `json:"user_login"`
	UserName             string `json:"user_name"`
	FromBroadcasterLogin string `json:"from_broadcaster_user_login"`
	FromBroadcasterName  string `json:"from_broadcaster_user_name"`
	Viewers              int    `json:"viewers"`
	Bits                 int    `json:"bits"`
	Tier                 string `json:"tier"`
	Total                int    `json:"total"`
	CumulativeMonths     int    `json:"cumulative_months"`
	Message              struct {
		Text string `json:"text"`
	} `json:"message"`
	Reward struct {
		Title string `json:"title"`
	} `json:"reward"`
}

func (a *Adapter) notification(subType string, raw json.RawMessage) {
	var body eventBody
	if err := json.Unmarshal(raw, &body); err != nil {
		log.Printf("eventsub: bad %s event: %v", subType, err)
		return
	}

	ev := core.NormalizedEvent{
		Ts:          time.Now().UTC(),
		UserID:      body.UserID,
		Username:    body.UserLogin,
		DisplayName: body.UserName,
	}

	switch subType {
	case "channel.follow":
		ev.Type = core.EventFollow
	case "channel.cheer":
		ev.Type = core.EventCheer
		ev.Bits = body.Bits
	case "channel.raid":
		ev.Type = core.EventRaid
		ev.Username = body.FromBroadcasterLogin
		ev.DisplayName = body.FromBroadcasterName
		ev.Viewers = body.Viewers
	case "channel.subscribe":
		ev.Type = core.EventSub
		ev.Tier = body.Tier
	case "channel.subscription.message":
		ev.Type = core.EventResub
		ev.Tier = body.Tier
		ev.Months = body.CumulativeMonths
		ev.Text = body.Message.Text
	case "channel.subscription.gift":
		ev.Type = core.EventMysteryGift
		ev.Tier = body.Tier
		ev.GiftCount = body.Total
	case "channel.channel_points_custom_reward_redemption.add":
		ev.Type = core.EventRedemption
		ev.Reward = body.Reward.Title
	case "channel.hype_train.begin":
		ev.Type = core.EventHypeTrain
	default:
		log.Printf("eventsub: unhandled notification %q", subType)
		return
	}

	a.cfg.Metrics.IncEventsIngested("eventsub", string(ev.Type))
	a.cfg.Handler(ev)
}
