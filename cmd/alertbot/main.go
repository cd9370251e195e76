package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gmblogref/TwitchChatBot-sub000/internal/alerts"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/chatlog"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/commands"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/config"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/core"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/events"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/eventsub"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/helix"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/history"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/httpapi"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/irc"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/mediacmds"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/metrics"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/overlay"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/seclient"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/streaks"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/twitchauth"
)

// chatSender adapts the chat client's fallible Say to the fire-and-forget
// interface the interpreter wants. When the socket send fails the message
// goes out over the REST chat endpoint instead; a failure there too is
// logged and dropped.
type chatSender struct {
	c  *irc.Client
	hx *helix.Client
}

func (s chatSender) Say(text string) {
	err := s.c.Say(text)
	if err == nil {
		return
	}
	if s.hx == nil {
		log.Printf("alertbot: say: %v", err)
		return
	}
	log.Printf("alertbot: say over chat socket: %v; using the api", err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.hx.SendChatMessage(ctx, text); err != nil {
		log.Printf("alertbot: say via api: %v", err)
	}
}

// roleRoster holds the moderator and VIP logins, loaded from the API at
// startup. Moderators gate the nuke command; both roles annotate the
// overlay's viewer list.
type roleRoster struct {
	mu   sync.Mutex
	mods map[string]struct{}
	vips map[string]struct{}
}

func newRoleRoster() *roleRoster {
	return &roleRoster{
		mods: make(map[string]struct{}),
		vips: make(map[string]struct{}),
	}
}

func toSet(logins []string) map[string]struct{} {
	out := make(map[string]struct{}, len(logins))
	for _, login := range logins {
		out[strings.ToLower(login)] = struct{}{}
	}
	return out
}

func (r *roleRoster) setMods(logins []string) {
	r.mu.Lock()
	r.mods = toSet(logins)
	r.mu.Unlock()
}

func (r *roleRoster) setVIPs(logins []string) {
	r.mu.Lock()
	r.vips = toSet(logins)
	r.mu.Unlock()
}

func (r *roleRoster) isMod(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.mods[strings.ToLower(strings.TrimSpace(username))]
	return ok
}

// rolesFor maps each viewer with an elevated role to its name.
func (r *roleRoster) rolesFor(viewers []string) map[string]string {
	out := make(map[string]string)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range viewers {
		key := strings.ToLower(v)
		if _, ok := r.mods[key]; ok {
			out[v] = "moderator"
		} else if _, ok := r.vips[key]; ok {
			out[v] = "vip"
		}
	}
	return out
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("alertbot: load .env: %v", err)
	}

	var (
		twChannel   string
		twNick      string
		twToken     string
		twTokenFile string
		httpAddr    string
		streakDB    string
		mediaPath   string
		testingMode bool
	)

	flag.StringVar(&twChannel, "twitch-channel", "", "Twitch channel to join (without #)")
	flag.StringVar(&twNick, "twitch-nick", "", "Twitch nickname the bot logs in as")
	flag.StringVar(&twToken, "twitch-token", "", "Twitch OAuth token (format: oauth:xxxxx)")
	flag.StringVar(&twTokenFile, "twitch-token-file", "", "Path to file containing the Twitch OAuth token")
	flag.StringVar(&httpAddr, "http-addr", "", "Local HTTP/overlay address (e.g., 127.0.0.1:8177)")
	flag.StringVar(&streakDB, "streak-db", "", "Path to the watch-streak SQLite database")
	flag.StringVar(&mediaPath, "media-cmds", "", "Path to the media commands JSON file")
	flag.BoolVar(&testingMode, "testing", false, "Testing mode: alerts fire but durable counters stay untouched")
	flag.Parse()

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()

	if overrides["twitch-channel"] {
		cfg.Twitch.Channel = strings.ToLower(strings.TrimSpace(twChannel))
		if cfg.Bot.Broadcaster == "" {
			cfg.Bot.Broadcaster = cfg.Twitch.Channel
		}
	}
	if overrides["twitch-nick"] {
		cfg.Twitch.Nick = strings.TrimSpace(twNick)
	}
	if overrides["twitch-token"] {
		cfg.Twitch.Token = strings.TrimSpace(twToken)
	}
	if overrides["twitch-token-file"] {
		cfg.Twitch.TokenFile = strings.TrimSpace(twTokenFile)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["streak-db"] {
		cfg.Storage.StreakDBPath = strings.TrimSpace(streakDB)
	}
	if overrides["media-cmds"] {
		cfg.Storage.MediaCmdsPath = strings.TrimSpace(mediaPath)
	}
	if overrides["testing"] {
		cfg.Bot.TestingMode = testingMode
	}

	if cfg.Twitch.Channel == "" || cfg.Twitch.Nick == "" {
		log.Fatal("alertbot: twitch-channel and twitch-nick are required")
	}

	log.Printf("%s", cfg.RedactedJSON())
	if cfg.Bot.TestingMode {
		log.Printf("alertbot: testing mode on, durable counters are frozen")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("alertbot: received %s, shutting down", sig)
		cancel()
	}()

	// token source
	source := twitchauth.NewSource(cfg.Twitch.Token, cfg.Twitch.RefreshToken)
	source.ClientID = cfg.Twitch.ClientID
	source.ClientSecret = cfg.Twitch.ClientSecret
	if cfg.Twitch.TokenFile != "" {
		if err := source.LoadAccessFile(cfg.Twitch.TokenFile); err != nil {
			log.Printf("alertbot: token file: %v", err)
		}
	}
	if source.CanRefresh() {
		if _, err := source.Access(); err != nil {
			if _, err := source.Refresh(ctx); err != nil {
				log.Fatalf("alertbot: initial token refresh: %v", err)
			}
		}
		source.StartAuto(ctx, time.Hour)
	}
	if _, err := source.Access(); err != nil {
		log.Fatal("alertbot: no twitch token configured")
	}

	// media command config, hot reloaded on file change
	media, err := mediacmds.Load(cfg.Storage.MediaCmdsPath)
	if err != nil {
		log.Fatalf("alertbot: media commands: %v", err)
	}
	if cfg.Storage.WatchMediaCmds {
		if err := media.Watch(); err != nil {
			log.Printf("alertbot: media command watch: %v", err)
		}
	}

	m := metrics.New()
	hist := history.NewLog()

	// durable watch streaks
	store, err := streaks.OpenSQLite(cfg.Storage.StreakDBPath)
	if err != nil {
		log.Fatalf("alertbot: open streak db: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("alertbot: closing streak db: %v", err)
		}
	}()
	if cfg.Storage.LegacyJSONPath != "" {
		if err := streaks.ImportLegacyJSON(store, cfg.Storage.LegacyJSONPath); err != nil {
			log.Fatalf("alertbot: import legacy streaks: %v", err)
		}
	}
	tracker, err := streaks.NewTracker(store, streaks.Options{
		Testing: cfg.Bot.TestingMode,
		Excluded: func(_, userName string) bool {
			return cfg.Excluded(userName) ||
				strings.EqualFold(userName, cfg.Twitch.Nick) ||
				strings.EqualFold(userName, cfg.Bot.Broadcaster)
		},
		Suppressed: hist.InReplay,
	})
	if err != nil {
		log.Fatalf("alertbot: streak tracker: %v", err)
	}

	// chat archive
	chatDB, err := chatlog.OpenSQLite(cfg.Storage.ChatLogPath)
	if err != nil {
		log.Fatalf("alertbot: open chat log: %v", err)
	}
	chatWriter := chatlog.NewBufferedWriter(chatDB, chatlog.BufferedOptions{
		BatchSize:     16,
		FlushInterval: 2 * time.Second,
	})
	defer func() {
		if err := chatWriter.Close(); err != nil {
			log.Printf("alertbot: flush chat log: %v", err)
		}
		if err := chatDB.Close(); err != nil {
			log.Printf("alertbot: closing chat log: %v", err)
		}
	}()

	// overlay fan-out and the alert queue feeding it
	ov := overlay.NewServer(m, func(alertID string, done bool) {
		if done {
			log.Printf("alertbot: overlay finished alert %s", alertID)
		}
	})
	ov.Start()
	defer ov.Stop()
	queue := alerts.NewQueue(ov)

	speak := func(voice, text string) {
		payload := map[string]string{"type": "tts", "voice": voice, "text": text}
		if err := ov.BroadcastJSON(payload); err != nil {
			log.Printf("alertbot: tts broadcast: %v", err)
		}
	}

	// platform API client
	hx := helix.New(cfg.Twitch.ClientID, source.Access)
	identity, err := source.Validate(ctx)
	if err != nil {
		log.Fatalf("alertbot: token validate: %v", err)
	}
	hx.ModeratorID = identity.UserID
	log.Printf("alertbot: token bound to %s (id=%s)", identity.Login, identity.UserID)

	broadcaster, err := hx.UserByLogin(ctx, cfg.Twitch.Channel)
	if err != nil {
		log.Fatalf("alertbot: resolve broadcaster: %v", err)
	}
	hx.BroadcasterID = broadcaster.ID

	roster := newRoleRoster()
	if mods, err := hx.Moderators(ctx); err != nil {
		log.Printf("alertbot: load moderators: %v", err)
	} else {
		roster.setMods(mods)
		log.Printf("alertbot: loaded %d moderators", len(mods))
	}
	if vips, err := hx.VIPs(ctx); err != nil {
		log.Printf("alertbot: load vips: %v", err)
	} else {
		roster.setVIPs(vips)
		log.Printf("alertbot: loaded %d vips", len(vips))
	}

	// command interpreter and event router
	chat := chatSender{hx: hx}
	nukes := commands.NewCooldown()
	stopNukeReset := nukes.StartResetTimer(ctx, cfg.NukeResetInterval())
	defer stopNukeReset()

	interp := commands.New(commands.Deps{
		Chat:    &chat,
		Queue:   queue,
		History: hist,
		Media:   media,
		Streaks: tracker,
		Nukes:   nukes,
		Mod:     hx,
		Metrics: m,
		Speak:   speak,
		IsMod:   roster.isMod,
		Excluded: func(username string) bool {
			return cfg.Excluded(username)
		},
		InReplay: hist.InReplay,
	}, commands.Settings{
		Broadcaster:    cfg.Bot.Broadcaster,
		BotName:        cfg.Twitch.Nick,
		SecondaryAdmin: cfg.Bot.SecondaryAdmin,
		NukeTimeout:    cfg.NukeTimeout(),
		TTSVoices:      cfg.Bot.TTSVoices,
	})

	router := events.NewRouter(events.Deps{
		Queue:    queue,
		History:  hist,
		Media:    media,
		Streaks:  tracker,
		Shout:    interp,
		Commands: interp,
		Metrics:  m,
		Speak:    speak,
	})
	go router.Run(ctx)

	// chat transport
	ircClient := irc.New(irc.Config{
		Channel:       cfg.Twitch.Channel,
		Nick:          cfg.Twitch.Nick,
		UseTLS:        cfg.Twitch.TLS,
		TokenProvider: source.IRCToken,
		Metrics:       m,
	}, irc.Hooks{
		Event: router.Submit,
		Command: func(cmd irc.ChatCommand) {
			interp.Handle(ctx, commands.Invocation{
				UserID:      cmd.UserID,
				Username:    cmd.Username,
				DisplayName: cmd.DisplayName,
				Text:        cmd.Text,
			})
		},
		ChatLine: func(line core.ChatLine) {
			if err := chatWriter.Write(line); err != nil {
				log.Printf("alertbot: write chat line: %v", err)
			}
			_ = ov.BroadcastJSON(map[string]any{
				"type":        "chat",
				"username":    line.Username,
				"displayName": line.DisplayName,
				"text":        line.Text,
				"colour":      line.Colour,
			})
		},
		ViewerList: func(viewers []string) {
			_ = ov.BroadcastJSON(map[string]any{
				"type":    "viewers",
				"viewers": viewers,
				"roles":   roster.rolesFor(viewers),
			})
		},
	})
	chat.c = ircClient
	go func() {
		if err := ircClient.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("alertbot: irc: %v", err)
		}
	}()

	// push notifications
	es := eventsub.New(eventsub.Config{
		URL:     cfg.Sockets.EventSubURL,
		Handler: router.Submit,
		OnSession: func(ctx context.Context, sessionID string) {
			subscribeAll(ctx, hx, sessionID)
		},
		Metrics: m,
	})
	go es.Run(ctx)

	// third-party alert socket, only when configured
	if cfg.Sockets.AlertSocketURL != "" {
		se := seclient.New(seclient.Config{
			URL:     cfg.Sockets.AlertSocketURL,
			Token:   cfg.Sockets.AlertSocketToken,
			Handler: router.Submit,
			Metrics: m,
		})
		go se.Run(ctx)
	}

	if cfg.Bot.AdReminderText != "" {
		stopAds := queue.StartAdReminder(ctx, cfg.AdReminderInterval(), cfg.Bot.AdReminderText)
		defer stopAds()
	}

	// local HTTP surface: overlay WS, history, replay, admin
	api := httpapi.New(hist, queue, ov, tracker, m, httpapi.Options{
		Addr:  cfg.HTTP.Addr,
		RPS:   cfg.HTTP.RPS,
		Burst: cfg.HTTP.Burst,
	})
	go func() {
		if err := api.Start(); err != nil {
			log.Fatalf("alertbot: http: %v", err)
		}
	}()
	log.Printf("alertbot: ready on %s", cfg.HTTP.Addr)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("alertbot: http shutdown: %v", err)
	}
}

// eventSubTypes are the push subscriptions created per WebSocket session.
var eventSubTypes = []struct {
	subType   string
	version   string
	condition func(broadcasterID, moderatorID string) map[string]string
}{
	{"channel.follow", "2", func(b, m string) map[string]string {
		return map[string]string{"broadcaster_user_id": b, "moderator_user_id": m}
	}},
	{"channel.cheer", "1", broadcasterOnly},
	{"channel.raid", "1", func(b, _ string) map[string]string {
		return map[string]string{"to_broadcaster_user_id": b}
	}},
	{"channel.subscribe", "1", broadcasterOnly},
	{"channel.subscription.message", "1", broadcasterOnly},
	{"channel.subscription.gift", "1", broadcasterOnly},
	{"channel.channel_points_custom_reward_redemption.add", "1", broadcasterOnly},
	{"channel.hype_train.begin", "1", broadcasterOnly},
}

func broadcasterOnly(b, _ string) map[string]string {
	return map[string]string{"broadcaster_user_id": b}
}

func subscribeAll(ctx context.Context, hx *helix.Client, sessionID string) {
	for _, sub := range eventSubTypes {
		cond := sub.condition(hx.BroadcasterID, hx.ModeratorID)
		if err := hx.SubscribeEventSub(ctx, sessionID, sub.subType, sub.version, cond); err != nil {
			log.Printf("alertbot: subscribe %s: %v", sub.subType, err)
			continue
		}
	}
	log.Printf("alertbot: eventsub session %s subscriptions created", sessionID)
}
