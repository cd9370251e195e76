package events

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/gmblogref/TwitchChatBot-sub000/internal/core"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/history"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/mediacmds"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/metrics"
)

// Enqueuer feeds the overlay alert queue.
type Enqueuer interface {
	Enqueue(message, media string)
	EnqueueFullscreen(message, media string)
}

// Attendance marks a viewer's watch-streak attendance.
type Attendance interface {
	MarkAttendance(userID, userName string)
}

// ShoutOuter issues the automatic shout-out that follows a raid.
type ShoutOuter interface {
	AutoShoutOut(ctx context.Context, username string)
}

// CommandReplayer re-runs a recorded chat command during history replay.
type CommandReplayer interface {
	ReplayCommand(ctx context.Context, username, text string)
}

// Router is the single consumer of normalized events: it resolves each one
// to a message and media, enqueues the alert, and records history. Events
// from every ingestion edge funnel through one channel so handling is
// serialized.
type Router struct {
	queue    Enqueuer
	hist     *history.Log
	media    *mediacmds.Store
	streaks  Attendance
	shout    ShoutOuter
	commands CommandReplayer
	metrics  *metrics.Metrics
	speak    func(voice, text string)

	in chan core.NormalizedEvent
}

// Deps collects the router's collaborators. Streaks, Shout, Commands,
// Metrics, and Speak may be nil.
type Deps struct {
	Queue    Enqueuer
	History  *history.Log
	Media    *mediacmds.Store
	Streaks  Attendance
	Shout    ShoutOuter
	Commands CommandReplayer
	Metrics  *metrics.Metrics
	Speak    func(voice, text string)
}

func NewRouter(deps Deps) *Router {
	r := &Router{
		queue:    deps.Queue,
		hist:     deps.History,
		media:    deps.Media,
		streaks:  deps.Streaks,
		shout:    deps.Shout,
		commands: deps.Commands,
		metrics:  deps.Metrics,
		speak:    deps.Speak,
		in:       make(chan core.NormalizedEvent, 256),
	}
	deps.History.SetReplayFunc(r.replayEntry)
	return r
}

// Submit hands an event to the router. Drops with a log line if the channel
// is full; ingestion edges must never block on a slow consumer.
func (r *Router) Submit(ev core.NormalizedEvent) {
	select {
	case r.in <- ev:
	default:
		log.Printf("events: dropping %s event from %s, router backlog full", ev.Type, ev.Username)
	}
}

// Run consumes events until the context ends.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.in:
			r.handle(ctx, ev)
		}
	}
}

func (r *Router) handle(ctx context.Context, ev core.NormalizedEvent) {
	switch ev.Type {
	case core.EventCheer:
		r.cheer(ev)
	case core.EventRaid:
		r.raid(ctx, ev)
	case core.EventSub:
		r.sub(ev)
	case core.EventResub:
		r.resub(ev)
	case core.EventSubGift:
		r.subGift(ev)
	case core.EventMysteryGift:
		r.mysteryGift(ev)
	case core.EventRedemption:
		r.redemption(ev)
	case core.EventHypeTrain:
		r.hypeTrain(ev)
	case core.EventFollow:
		r.follow(ev)
	case core.EventWatchStreak:
		r.watchStreak(ev)
	case core.EventChatMessage, core.EventPresence:
		// no alert, but seeing the user counts toward the watch streak
		if r.streaks != nil {
			r.streaks.MarkAttendance(ev.UserID, ev.Username)
		}
	default:
		log.Printf("events: unhandled event type %q", ev.Type)
	}
}

func (r *Router) cheer(ev core.NormalizedEvent) {
	media := ""
	if m, ok := r.media.CheerMedia(ev.Bits); ok {
		media = m
	}
	message := sprintf(r.template("cheer", "%s cheered %d bits!"), ev.Display(), ev.Bits)
	r.queue.Enqueue(message, media)
	r.record(history.Entry{
		Type: history.TypeCheer, Username: ev.Username, Summary: message,
		Bits: ev.Bits, Media: media,
	})
}

func (r *Router) raid(ctx context.Context, ev core.NormalizedEvent) {
	media := r.alertMedia("raid")
	message := sprintf(r.template("raid", "%s is raiding with %d viewers!"), ev.Display(), ev.Viewers)
	r.queue.Enqueue(message, media)
	r.record(history.Entry{
		Type: history.TypeRaid, Username: ev.Username, Summary: message,
		Viewers: ev.Viewers, Media: media,
	})
	if r.shout != nil {
		r.shout.AutoShoutOut(ctx, ev.Username)
	}
}

func (r *Router) sub(ev core.NormalizedEvent) {
	media := r.alertMedia("sub")
	message := sprintf(r.template("sub", "%s just subscribed!"), ev.Display())
	r.queue.Enqueue(message, media)
	r.record(history.Entry{
		Type: history.TypeSub, Username: ev.Username, Summary: message,
		Tier: ev.Tier, Media: media,
	})
}

func (r *Router) resub(ev core.NormalizedEvent) {
	media := r.alertMedia("resub")
	message := sprintf(r.template("resub", "%s resubscribed for %d months!"), ev.Display(), ev.Months)
	r.queue.Enqueue(message, media)
	r.record(history.Entry{
		Type: history.TypeResub, Username: ev.Username, Summary: message,
		Months: ev.Months, Tier: ev.Tier, Media: media,
	})
	if ev.Text != "" && r.speak != nil {
		r.speak("", ev.Text)
	}
}

func (r *Router) subGift(ev core.NormalizedEvent) {
	media := r.alertMedia("subgift")
	message := sprintf(r.template("subgift", "%s gifted a sub to %s!"), ev.Display(), ev.Recipient)
	r.queue.Enqueue(message, media)
	r.record(history.Entry{
		Type: history.TypeSubGift, Username: ev.Username, Summary: message,
		Recipient: ev.Recipient, Tier: ev.Tier, Media: media,
	})
}

func (r *Router) mysteryGift(ev core.NormalizedEvent) {
	count := ev.GiftCount
	if count <= 0 {
		count = 1
	}
	media := r.alertMedia("mysterygift")
	message := sprintf(r.template("mysterygift", "%s is gifting %d subs!"), ev.Display(), count)
	r.queue.Enqueue(message, media)
	r.record(history.Entry{
		Type: history.TypeMysteryGift, Username: ev.Username, Summary: message,
		GiftCount: count, Tier: ev.Tier, Media: media,
	})
}

func (r *Router) redemption(ev core.NormalizedEvent) {
	key := "redemption:" + strings.ToLower(ev.Reward)
	entry, ok := r.media.Alert(key)
	if !ok {
		entry, ok = r.media.Alert("redemption")
	}
	if !ok {
		log.Printf("events: no mapping for redemption %q", ev.Reward)
		return
	}
	message := sprintf(orDefault(entry.Message, "%s redeemed %s!"), ev.Display(), ev.Reward)
	r.queue.Enqueue(message, entry.Media)
	r.record(history.Entry{
		Type: history.TypeRedemption, Username: ev.Username, Summary: message,
		Reward: ev.Reward, Media: entry.Media,
	})
}

func (r *Router) hypeTrain(ev core.NormalizedEvent) {
	media := r.alertMedia("hypetrain")
	message := r.template("hypetrain", "A hype train has started!")
	r.queue.Enqueue(message, media)
	r.record(history.Entry{Type: history.TypeHypeTrain, Summary: message, Media: media})
}

func (r *Router) follow(ev core.NormalizedEvent) {
	media := r.alertMedia("follow")
	message := sprintf(r.template("follow", "%s just followed!"), ev.Display())
	r.queue.Enqueue(message, media)
	r.record(history.Entry{
		Type: history.TypeFollow, Username: ev.Username, Summary: message, Media: media,
	})
}

func (r *Router) watchStreak(ev core.NormalizedEvent) {
	if r.streaks != nil {
		r.streaks.MarkAttendance(ev.UserID, ev.Username)
	}
	media := r.alertMedia("watchstreak")
	message := sprintf(r.template("watchstreak", "%s is on a %d stream watch streak!"), ev.Display(), ev.Streak)
	r.queue.Enqueue(message, media)
	r.record(history.Entry{
		Type: history.TypeWatchStreak, Username: ev.Username, Summary: message,
		Streak: ev.Streak, Media: media,
	})
}

// replayEntry re-drives the handler for a recorded entry. Runs inside the
// replay scope opened by the history log, so it must stay synchronous.
func (r *Router) replayEntry(e history.Entry) {
	switch e.Type {
	case history.TypeTTS:
		if r.speak != nil && e.TTSText != "" {
			r.speak(e.TTSVoice, e.TTSText)
			return
		}
		r.fallback(e)
	case history.TypeCheer:
		r.cheer(core.NormalizedEvent{Type: core.EventCheer, Username: e.Username, Bits: e.Bits})
	case history.TypeRaid:
		// no auto-shout-out on replay
		media := e.Media
		message := e.Summary
		if message == "" {
			r.fallback(e)
			return
		}
		r.queue.Enqueue(message, media)
	case history.TypeSub:
		r.sub(core.NormalizedEvent{Type: core.EventSub, Username: e.Username, Tier: e.Tier})
	case history.TypeResub:
		r.resub(core.NormalizedEvent{Type: core.EventResub, Username: e.Username, Months: e.Months, Tier: e.Tier})
	case history.TypeSubGift:
		r.subGift(core.NormalizedEvent{Type: core.EventSubGift, Username: e.Username, Recipient: e.Recipient, Tier: e.Tier})
	case history.TypeMysteryGift:
		r.mysteryGift(core.NormalizedEvent{Type: core.EventMysteryGift, Username: e.Username, GiftCount: e.GiftCount, Tier: e.Tier})
	case history.TypeRedemption:
		r.redemption(core.NormalizedEvent{Type: core.EventRedemption, Username: e.Username, Reward: e.Reward})
	case history.TypeHypeTrain:
		r.hypeTrain(core.NormalizedEvent{Type: core.EventHypeTrain})
	case history.TypeFollow:
		r.follow(core.NormalizedEvent{Type: core.EventFollow, Username: e.Username})
	case history.TypeWatchStreak:
		r.watchStreak(core.NormalizedEvent{Type: core.EventWatchStreak, Username: e.Username, Streak: e.Streak})
	case history.TypeCommand:
		// re-run the original invocation when the entry preserved it;
		// older entries only carried the command name
		if r.commands != nil && e.Text != "" {
			r.commands.ReplayCommand(context.Background(), e.Username, e.Text)
			return
		}
		r.fallback(e)
	default:
		r.fallback(e)
	}
}

// fallback covers entries that cannot be fully reconstructed: re-show the
// same media when one was preserved, otherwise just warn.
func (r *Router) fallback(e history.Entry) {
	if e.Media == "" {
		log.Printf("events: cannot replay %s entry from %s, no media preserved", e.Type, e.Username)
		return
	}
	message := e.Summary
	if message == "" {
		message = string(e.Type) + " replay"
	}
	r.queue.Enqueue(message, e.Media)
}

func (r *Router) alertMedia(key string) string {
	entry, ok := r.media.Alert(key)
	if !ok {
		return ""
	}
	return entry.Media
}

func (r *Router) template(key, fallback string) string {
	entry, ok := r.media.Alert(key)
	if !ok || entry.Message == "" {
		return fallback
	}
	return entry.Message
}

func (r *Router) record(e history.Entry) {
	r.metrics.IncAlertsEnqueued()
	r.hist.Add(e)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// sprintf formats the template, falling back to the raw template when its
// verbs do not match the arguments.
func sprintf(template string, args ...any) string {
	out := fmt.Sprintf(template, args...)
	if strings.Contains(out, "%!") {
		log.Printf("events: template %q does not match its arguments", template)
		return template
	}
	return out
}
