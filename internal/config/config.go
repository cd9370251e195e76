package config

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Twitch  TwitchConfig
	Sockets SocketConfig
	Storage StorageConfig
	HTTP    HTTPConfig
	Bot     BotConfig
}

type TwitchConfig struct {
	Channel      string
	Nick         string
	Token        string
	TokenFile    string
	ClientID     string
	ClientSecret string
	RefreshToken string
	TLS          bool
}

type SocketConfig struct {
	EventSubURL      string
	AlertSocketURL   string
	AlertSocketToken string
}

type StorageConfig struct {
	StreakDBPath   string
	LegacyJSONPath string
	MediaCmdsPath  string
	WatchMediaCmds bool
	ChatLogPath    string
}

type HTTPConfig struct {
	Addr  string
	RPS   int
	Burst int
}

type BotConfig struct {
	Broadcaster       string
	SecondaryAdmin    string
	ExcludedUsers     []string
	TestingMode       bool
	AdReminderMinutes int
	AdReminderText    string
	NukeResetMinutes  int
	NukeTimeoutSecs   int
	TTSVoices         []string
}

const (
	defaultStreakDB    = "watchstreaks.db"
	defaultChatLog     = "chatlog.db"
	defaultMediaCmds   = "mediacmds.json"
	defaultHTTPAddr    = "127.0.0.1:8177"
	defaultAdMinutes   = 20
	defaultNukeReset   = 120
	defaultNukeTimeout = 60
)

func Load() Config {
	cfg := Config{}

	cfg.Twitch.Channel = strings.ToLower(strings.TrimSpace(os.Getenv("ALERTBOT_TWITCH_CHANNEL")))
	cfg.Twitch.Nick = strings.TrimSpace(os.Getenv("ALERTBOT_TWITCH_NICK"))
	cfg.Twitch.Token = strings.TrimSpace(os.Getenv("ALERTBOT_TWITCH_TOKEN"))
	cfg.Twitch.TokenFile = strings.TrimSpace(os.Getenv("ALERTBOT_TWITCH_TOKEN_FILE"))
	cfg.Twitch.ClientID = strings.TrimSpace(os.Getenv("ALERTBOT_TWITCH_CLIENT_ID"))
	cfg.Twitch.ClientSecret = strings.TrimSpace(os.Getenv("ALERTBOT_TWITCH_CLIENT_SECRET"))
	cfg.Twitch.RefreshToken = strings.TrimSpace(os.Getenv("ALERTBOT_TWITCH_REFRESH_TOKEN"))
	cfg.Twitch.TLS = readBool("ALERTBOT_TWITCH_TLS", true)

	cfg.Sockets.EventSubURL = strings.TrimSpace(os.Getenv("ALERTBOT_EVENTSUB_URL"))
	cfg.Sockets.AlertSocketURL = strings.TrimSpace(os.Getenv("ALERTBOT_ALERT_SOCKET_URL"))
	cfg.Sockets.AlertSocketToken = strings.TrimSpace(os.Getenv("ALERTBOT_ALERT_SOCKET_TOKEN"))

	cfg.Storage.StreakDBPath = withDefault("ALERTBOT_STREAK_DB", defaultStreakDB)
	cfg.Storage.LegacyJSONPath = strings.TrimSpace(os.Getenv("ALERTBOT_STREAK_LEGACY_JSON"))
	cfg.Storage.MediaCmdsPath = withDefault("ALERTBOT_MEDIA_CMDS", defaultMediaCmds)
	cfg.Storage.WatchMediaCmds = readBool("ALERTBOT_MEDIA_CMDS_WATCH", true)
	cfg.Storage.ChatLogPath = withDefault("ALERTBOT_CHAT_LOG_DB", defaultChatLog)

	cfg.HTTP.Addr = withDefault("ALERTBOT_HTTP_ADDR", defaultHTTPAddr)
	cfg.HTTP.RPS = readInt("ALERTBOT_HTTP_RPS", 0)
	cfg.HTTP.Burst = readInt("ALERTBOT_HTTP_BURST", 0)

	cfg.Bot.Broadcaster = strings.ToLower(withDefault("ALERTBOT_BROADCASTER", cfg.Twitch.Channel))
	cfg.Bot.SecondaryAdmin = strings.ToLower(strings.TrimSpace(os.Getenv("ALERTBOT_SECONDARY_ADMIN")))
	cfg.Bot.ExcludedUsers = splitList(os.Getenv("ALERTBOT_EXCLUDED_USERS"))
	cfg.Bot.TestingMode = readBool("ALERTBOT_TESTING_MODE", false)
	cfg.Bot.AdReminderMinutes = readInt("ALERTBOT_AD_REMINDER_MINUTES", defaultAdMinutes)
	cfg.Bot.AdReminderText = withDefault("ALERTBOT_AD_REMINDER_TEXT", "Ads incoming! Grab a drink.")
	cfg.Bot.NukeResetMinutes = readInt("ALERTBOT_NUKE_RESET_MINUTES", defaultNukeReset)
	cfg.Bot.NukeTimeoutSecs = readInt("ALERTBOT_NUKE_TIMEOUT_SECONDS", defaultNukeTimeout)
	cfg.Bot.TTSVoices = splitList(os.Getenv("ALERTBOT_TTS_VOICES"))

	return cfg
}

func (c Config) AdReminderInterval() time.Duration {
	if c.Bot.AdReminderMinutes <= 0 {
		return 0
	}
	return time.Duration(c.Bot.AdReminderMinutes) * time.Minute
}

func (c Config) NukeResetInterval() time.Duration {
	if c.Bot.NukeResetMinutes <= 0 {
		return 0
	}
	return time.Duration(c.Bot.NukeResetMinutes) * time.Minute
}

func (c Config) NukeTimeout() time.Duration {
	if c.Bot.NukeTimeoutSecs <= 0 {
		return time.Duration(defaultNukeTimeout) * time.Second
	}
	return time.Duration(c.Bot.NukeTimeoutSecs) * time.Second
}

// Excluded reports whether a username is on the excluded list.
func (c Config) Excluded(username string) bool {
	username = strings.ToLower(strings.TrimSpace(username))
	for _, u := range c.Bot.ExcludedUsers {
		if strings.ToLower(u) == username {
			return true
		}
	}
	return false
}

// Redacted returns the config for startup logging with secrets masked.
func (c Config) Redacted() map[string]any {
	refreshEnabled := c.Twitch.ClientID != "" && c.Twitch.ClientSecret != "" && c.Twitch.RefreshToken != ""
	return map[string]any{
		"twitch": map[string]any{
			"channel":         c.Twitch.Channel,
			"nick":            c.Twitch.Nick,
			"token":           redactString(c.Twitch.Token),
			"token_file":      c.Twitch.TokenFile,
			"client_id":       redactString(c.Twitch.ClientID),
			"client_secret":   redactString(c.Twitch.ClientSecret),
			"refresh_token":   redactString(c.Twitch.RefreshToken),
			"tls":             c.Twitch.TLS,
			"refresh_enabled": refreshEnabled,
		},
		"sockets": map[string]any{
			"eventsub_url":       c.Sockets.EventSubURL,
			"alert_socket_url":   c.Sockets.AlertSocketURL,
			"alert_socket_token": redactString(c.Sockets.AlertSocketToken),
		},
		"storage": map[string]any{
			"streak_db":       c.Storage.StreakDBPath,
			"legacy_json":     c.Storage.LegacyJSONPath,
			"media_cmds":      c.Storage.MediaCmdsPath,
			"watch_mediacmds": c.Storage.WatchMediaCmds,
			"chat_log_db":     c.Storage.ChatLogPath,
		},
		"http": map[string]any{
			"addr":  c.HTTP.Addr,
			"rps":   c.HTTP.RPS,
			"burst": c.HTTP.Burst,
		},
		"bot": map[string]any{
			"broadcaster":       c.Bot.Broadcaster,
			"secondary_admin":   c.Bot.SecondaryAdmin,
			"excluded_users":    len(c.Bot.ExcludedUsers),
			"testing_mode":      c.Bot.TestingMode,
			"ad_reminder_min":   c.Bot.AdReminderMinutes,
			"nuke_reset_min":    c.Bot.NukeResetMinutes,
			"nuke_timeout_secs": c.Bot.NukeTimeoutSecs,
			"tts_voices":        len(c.Bot.TTSVoices),
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func withDefault(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		key := strings.ToLower(p)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
