package seclient

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gmblogref/TwitchChatBot-sub000/internal/core"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/metrics"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/socket"
)

const heartbeatMargin = 5 * time.Second

// Config wires the third-party alert socket.
type Config struct {
	URL     string
	Token   string // JWT for the auth frame sent after connect
	Handler func(core.NormalizedEvent)
	Metrics *metrics.Metrics
}

// Adapter ingests redemption and follow alerts from the third-party alert
// service over its WebSocket.
type Adapter struct {
	cfg    Config
	client *socket.Client
}

func New(cfg Config) *Adapter {
	a := &Adapter{cfg: cfg}
	a.client = socket.New(socket.Config{
		Name:      "alertsocket",
		URL:       func() string { return cfg.URL },
		OnConnect: a.authenticate,
		OnMessage: a.onMessage,
		Metrics:   cfg.Metrics,
	})
	return a
}

// Run connects and reconnects until the context ends.
func (a *Adapter) Run(ctx context.Context) {
	a.client.Run(ctx)
}

func (a *Adapter) authenticate(ctx context.Context, c *socket.Client) error {
	frame, err := json.Marshal(map[string]string{
		"method": "auth",
		"token":  a.cfg.Token,
	})
	if err != nil {
		return err
	}
	return c.Send(ctx, frame)
}

type inboundFrame struct {
	Type             string `json:"type"`
	Channel          string `json:"channel"`
	KeepaliveSeconds int    `json:"keepaliveSeconds"`
	Event            struct {
		Type     string `json:"type"`
		Username string `json:"username"`
		Amount   int    `json:"amount"`
		Redeemer struct {
			ID       string `json:"_id"`
			Username string `json:"username"`
		} `json:"redeemer"`
		Item struct {
			Name string `json:"name"`
		} `json:"item"`
	} `json:"event"`
}

func (a *Adapter) onMessage(_ context.Context, data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Printf("alertsocket: malformed frame: %v", err)
		return
	}

	switch f.Type {
	case "welcome":
		if f.KeepaliveSeconds > 0 {
			hb := time.Duration(f.KeepaliveSeconds)*time.Second - heartbeatMargin
			if hb < time.Second {
				hb = time.Second
			}
			a.client.SetHeartbeat(hb)
		}
		log.Printf("alertsocket: authenticated for channel %s", f.Channel)
	case "event":
		a.event(f)
	case "pong":
		// liveness only
	default:
		// unrecognized frames are ignored, not errors
	}
}

func (a *Adapter) event(f inboundFrame) {
	ev := core.NormalizedEvent{Ts: time.Now().UTC()}

	switch f.Event.Type {
	case "redemption":
		ev.Type = core.EventRedemption
		ev.UserID = f.Event.Redeemer.ID
		ev.Username = f.Event.Redeemer.Username
		ev.Reward = f.Event.Item.Name
	case "follow":
		ev.Type = core.EventFollow
		ev.Username = f.Event.Username
	case "cheer":
		ev.Type = core.EventCheer
		ev.Username = f.Event.Username
		ev.Bits = f.Event.Amount
	default:
		log.Printf("alertsocket: unhandled event type %q", f.Event.Type)
		return
	}

	a.cfg.Metrics.IncEventsIngested("alertsocket", string(ev.Type))
	a.cfg.Handler(ev)
}
