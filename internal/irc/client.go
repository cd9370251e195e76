package irc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gmblogref/TwitchChatBot-sub000/internal/core"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/metrics"
)

type Config struct {
	Channel       string
	Nick          string
	Token         string
	UseTLS        bool
	TokenProvider func() string
	Metrics       *metrics.Metrics
	Addr          string // override for tests
}

// ChatCommand is a '!' line lifted out of chat before normalization.
type ChatCommand struct {
	Channel     string
	UserID      string
	Username    string
	DisplayName string
	IsModerator bool
	Text        string // full text including the leading '!'
	Ts          time.Time
}

// Hooks route inbound traffic outward. Nil hooks are skipped.
type Hooks struct {
	Event      func(core.NormalizedEvent)
	Command    func(ChatCommand)
	ChatLine   func(core.ChatLine)
	ViewerList func([]string)
}

// Client owns the chat-protocol connection: it dials, authenticates, joins
// the channel, and routes inbound lines to the configured hooks. Reconnects
// use capped exponential backoff.
type Client struct {
	cfg   Config
	hooks Hooks
	dedup *Dedup

	mu     sync.Mutex
	send   func(string) error
	roster map[string]core.Role
}

var errAuthFailed = errors.New("irc: authentication failed")

func New(cfg Config, hooks Hooks) *Client {
	return &Client{
		cfg:    cfg,
		hooks:  hooks,
		dedup:  NewDedup(),
		roster: make(map[string]core.Role),
	}
}

func (c *Client) Run(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.Channel) == "" || strings.TrimSpace(c.cfg.Nick) == "" {
		return errors.New("irc: channel and nick are required")
	}

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := c.runOnce(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			log.Printf("irc: disconnected: %v; reconnecting in %s", err, backoff)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}

			if backoff < 60*time.Second {
				backoff *= 2
				if backoff > 60*time.Second {
					backoff = 60 * time.Second
				}
			}
			continue
		}

		backoff = time.Second
	}
}

// Say sends a chat message to the joined channel. It fails when no
// connection is live; callers log and move on.
func (c *Client) Say(text string) error {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return errors.New("irc: not connected")
	}
	return send("PRIVMSG #" + c.cfg.Channel + " :" + text)
}

// Roster returns the live viewer list, broadcaster and mods first.
func (c *Client) Roster() []string {
	c.mu.Lock()
	type entry struct {
		name string
		role core.Role
	}
	entries := make([]entry, 0, len(c.roster))
	for name, role := range c.roster {
		entries = append(entries, entry{name, role})
	}
	c.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].role != entries[j].role {
			return entries[i].role > entries[j].role
		}
		return entries[i].name < entries[j].name
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.name
	}
	return out
}

func (c *Client) runOnce(ctx context.Context) error {
	token := strings.TrimSpace(c.cfg.Token)
	if c.cfg.TokenProvider != nil {
		if provided := strings.TrimSpace(c.cfg.TokenProvider()); provided != "" {
			token = provided
		}
	}
	if token == "" {
		return errors.New("irc: token is required")
	}

	host := "irc.chat.twitch.tv"
	addr := host + ":6667"
	if c.cfg.UseTLS {
		addr = host + ":6697"
	}
	if strings.TrimSpace(c.cfg.Addr) != "" {
		addr = strings.TrimSpace(c.cfg.Addr)
	}

	log.Printf("irc: connecting to %s (tls=%v)", addr, c.cfg.UseTLS)

	d := &net.Dialer{Timeout: 10 * time.Second}
	var conn net.Conn
	var err error
	if c.cfg.UseTLS {
		conn, err = tls.DialWithDialer(d, "tcp", addr, &tls.Config{ServerName: host})
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	var writeMu sync.Mutex
	send := func(s string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := rw.WriteString(s + "\r\n"); err != nil {
			return err
		}
		return rw.Flush()
	}

	c.mu.Lock()
	c.send = send
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.send = nil
		c.mu.Unlock()
	}()

	// ensure the per-connection closer goroutine exits when runOnce returns
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close() // unblock reader
		case <-done:
		}
	}()

	if err := send("PASS " + token); err != nil {
		return fmt.Errorf("send PASS: %w", err)
	}
	if err := send("NICK " + c.cfg.Nick); err != nil {
		return fmt.Errorf("send NICK: %w", err)
	}
	if err := send("CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership"); err != nil {
		return fmt.Errorf("send CAP REQ: %w", err)
	}
	if err := send("JOIN #" + c.cfg.Channel); err != nil {
		return fmt.Errorf("send JOIN: %w", err)
	}
	log.Printf("irc: joined #%s as %s", c.cfg.Channel, c.cfg.Nick)

	reader := rw.Reader
	var (
		readDeadline = 2 * time.Minute
		nextPing     = time.Now().Add(4 * time.Minute)
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}

		raw, err := reader.ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				now := time.Now()
				if now.After(nextPing) || now.Equal(nextPing) {
					if err := send("PING :keepalive"); err != nil {
						return fmt.Errorf("send PING: %w", err)
					}
					nextPing = now.Add(4 * time.Minute)
				}
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		nextPing = time.Now().Add(4 * time.Minute)

		raw = strings.TrimRight(raw, "\r\n")
		if raw == "" {
			continue
		}

		if authFailure(raw) {
			log.Printf("irc: authentication failed per server NOTICE")
			return errAuthFailed
		}

		if strings.HasPrefix(raw, "PING ") {
			if err := send("PONG " + strings.TrimPrefix(raw, "PING ")); err != nil {
				return fmt.Errorf("send PONG: %w", err)
			}
			continue
		}

		line, ok := ParseLine(raw)
		if !ok {
			continue
		}
		if line.Command == "RECONNECT" {
			return errors.New("server requested reconnect")
		}
		c.route(line)
	}
}

func (c *Client) route(line Line) {
	switch line.Command {
	case "PRIVMSG":
		c.handlePrivmsg(line)
	case "USERNOTICE":
		c.handleUsernotice(line)
	case "JOIN":
		nick := line.Nick()
		c.rosterAdd(nick, core.RoleViewer)
		c.emitPresence(nick, line.Timestamp())
	case "PART":
		c.rosterRemove(line.Nick())
	case "353": // RPL_NAMREPLY
		for _, name := range strings.Fields(line.Trailing) {
			name = strings.ToLower(name)
			c.rosterAdd(name, core.RoleViewer)
			c.emitPresence(name, line.Timestamp())
		}
	}
}

func (c *Client) handlePrivmsg(line Line) {
	if !strings.EqualFold(line.Channel(), c.cfg.Channel) {
		return
	}
	user := line.Nick()
	display := line.Tags["display-name"]
	if display == "" {
		display = user
	}
	c.rosterAdd(user, roleFromTags(user, c.cfg.Channel, line.Tags))

	ts := line.Timestamp()
	text := line.Trailing

	if bits := line.TagInt("bits", 0); bits > 0 {
		c.emit(core.NormalizedEvent{
			Type:        core.EventCheer,
			Ts:          ts,
			UserID:      line.Tags["user-id"],
			Username:    user,
			DisplayName: display,
			Text:        text,
			Bits:        bits,
		})
		return
	}

	if strings.HasPrefix(text, "!") {
		if c.hooks.Command != nil {
			c.hooks.Command(ChatCommand{
				Channel:     c.cfg.Channel,
				UserID:      line.Tags["user-id"],
				Username:    user,
				DisplayName: display,
				IsModerator: line.Tags["mod"] == "1",
				Text:        text,
				Ts:          ts,
			})
		}
		return
	}

	if c.hooks.ChatLine != nil {
		c.hooks.ChatLine(core.ChatLine{
			Ts:          ts,
			Username:    user,
			DisplayName: display,
			Text:        text,
			Colour:      line.Tags["color"],
		})
	}
	c.emit(core.NormalizedEvent{
		Type:        core.EventChatMessage,
		Ts:          ts,
		UserID:      line.Tags["user-id"],
		Username:    user,
		DisplayName: display,
		Text:        text,
	})
}

// handleUsernotice maps milestone notices (subs, gifts, raids, watch
// streaks) to normalized events. Delivery is at-least-once, so each notice
// passes the dedup filter first.
func (c *Client) handleUsernotice(line Line) {
	if !strings.EqualFold(line.Channel(), c.cfg.Channel) {
		return
	}
	key := IdentityKey(line.Tags, line.Raw)
	if !c.dedup.TryRecord(key) {
		c.cfg.Metrics.IncDuplicateEvents()
		log.Printf("irc: duplicate notice dropped (key=%s)", key)
		return
	}

	login := line.Tags["login"]
	if login == "" {
		login = line.Nick()
	}
	display := line.Tags["display-name"]
	if display == "" {
		display = login
	}

	base := core.NormalizedEvent{
		Ts:          line.Timestamp(),
		UserID:      line.Tags["user-id"],
		Username:    login,
		DisplayName: display,
		Text:        line.Trailing,
		Tier:        line.Tags["msg-param-sub-plan"],
	}

	switch line.Tags["msg-id"] {
	case "sub":
		base.Type = core.EventSub
		base.Months = 1
	case "resub":
		base.Type = core.EventResub
		base.Months = line.TagInt("msg-param-cumulative-months", 1)
	case "subgift":
		base.Type = core.EventSubGift
		base.Recipient = line.Tags["msg-param-recipient-user-name"]
		if base.Recipient == "" {
			base.Recipient = line.Tags["msg-param-recipient-display-name"]
		}
	case "submysterygift":
		base.Type = core.EventMysteryGift
		if n := line.TagInt("msg-param-mass-gift-count", 0); n > 0 {
			base.GiftCount = n
		} else {
			base.GiftCount = 1
		}
	case "raid":
		base.Type = core.EventRaid
		base.Viewers = line.TagInt("msg-param-viewerCount", 0)
	case "viewermilestone":
		if line.Tags["msg-param-category"] != "watch-streak" {
			return
		}
		base.Type = core.EventWatchStreak
		base.Streak = line.TagInt("msg-param-value", 0)
	default:
		return
	}
	c.emit(base)
}

func (c *Client) emit(ev core.NormalizedEvent) {
	if c.hooks.Event != nil {
		c.hooks.Event(ev)
	}
}

// emitPresence surfaces a membership sighting so attendance can be counted
// for lurkers who join without ever chatting. JOIN and names-list lines
// carry no tags, so the user id is unknown here.
func (c *Client) emitPresence(name string, ts time.Time) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return
	}
	c.emit(core.NormalizedEvent{
		Type:     core.EventPresence,
		Ts:       ts,
		Username: name,
	})
}

func roleFromTags(user, channel string, tags map[string]string) core.Role {
	if strings.EqualFold(user, channel) || strings.Contains(tags["badges"], "broadcaster/") {
		return core.RoleBroadcaster
	}
	if tags["mod"] == "1" || strings.Contains(tags["badges"], "moderator/") {
		return core.RoleModerator
	}
	if strings.Contains(tags["badges"], "vip/") {
		return core.RoleVIP
	}
	return core.RoleViewer
}

func (c *Client) rosterAdd(name string, role core.Role) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return
	}
	c.mu.Lock()
	prev, ok := c.roster[name]
	changed := !ok || role > prev
	if changed {
		c.roster[name] = role
	}
	c.mu.Unlock()
	if changed {
		c.notifyRoster()
	}
}

func (c *Client) rosterRemove(name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	c.mu.Lock()
	_, ok := c.roster[name]
	if ok {
		delete(c.roster, name)
	}
	c.mu.Unlock()
	if ok {
		c.notifyRoster()
	}
}

func (c *Client) notifyRoster() {
	if c.hooks.ViewerList != nil {
		c.hooks.ViewerList(c.Roster())
	}
}

func authFailure(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "login authentication failed") ||
		strings.Contains(lower, "improperly formatted auth") ||
		strings.Contains(lower, "authentication failed")
}
