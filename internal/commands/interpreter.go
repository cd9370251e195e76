package commands

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gmblogref/TwitchChatBot-sub000/internal/history"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/mediacmds"
	"github.com/gmblogref/TwitchChatBot-sub000/internal/metrics"
)

const ttsMaxChars = 500

// commandLineBudget keeps each !commands reply line under the chat message
// limit with headroom.
const commandLineBudget = 450

// Chat sends replies back to the channel.
type Chat interface {
	Say(text string)
}

// Enqueuer feeds the overlay alert queue.
type Enqueuer interface {
	Enqueue(message, media string)
	EnqueueFullscreen(message, media string)
}

// Moderation covers the platform API calls the interpreter needs: identity
// resolution, the last-played game for shout-outs, and timeouts.
type Moderation interface {
	ResolveUserID(ctx context.Context, login string) (string, error)
	GameFor(ctx context.Context, login string) (string, error)
	TimeoutUser(ctx context.Context, targetID string, d time.Duration, reason string) error
}

// StreakSource reads watch-streak counters for the streak command.
type StreakSource interface {
	GetStats(userID, userName string) (consecutive, total int)
}

// Invocation is one command to handle. System invocations come from the bot
// itself (auto-shout-out on raid) and bypass the exclusion check.
type Invocation struct {
	UserID      string
	Username    string
	DisplayName string
	Text        string // full text including the leading "!"
	System      bool
}

// Settings holds the channel identities and tunables the interpreter needs.
type Settings struct {
	Broadcaster    string // channel owner login
	BotName        string // the bot's own login
	SecondaryAdmin string // the one extra login allowed to clear nukes
	NukeTimeout    time.Duration
	TTSVoices      []string // recognized voice names for !tts
}

// Interpreter dispatches parsed chat commands: the built-in specials plus
// any configured media/text commands.
type Interpreter struct {
	chat     Chat
	queue    Enqueuer
	hist     *history.Log
	media    *mediacmds.Store
	streaks  StreakSource
	nukes    *Cooldown
	mod      Moderation
	metrics  *metrics.Metrics
	settings Settings

	speak    func(voice, text string)
	isMod    func(username string) bool
	excluded func(username string) bool
	inReplay func() bool
}

// Deps collects the interpreter's collaborators. Chat, Queue, History,
// Media, and Nukes are required; the rest may be nil and the features using
// them degrade to no-ops.
type Deps struct {
	Chat     Chat
	Queue    Enqueuer
	History  *history.Log
	Media    *mediacmds.Store
	Streaks  StreakSource
	Nukes    *Cooldown
	Mod      Moderation
	Metrics  *metrics.Metrics
	Speak    func(voice, text string)
	IsMod    func(username string) bool
	Excluded func(username string) bool
	InReplay func() bool
}

func New(deps Deps, settings Settings) *Interpreter {
	if settings.NukeTimeout <= 0 {
		settings.NukeTimeout = time.Minute
	}
	return &Interpreter{
		chat:     deps.Chat,
		queue:    deps.Queue,
		hist:     deps.History,
		media:    deps.Media,
		streaks:  deps.Streaks,
		nukes:    deps.Nukes,
		mod:      deps.Mod,
		metrics:  deps.Metrics,
		settings: settings,
		speak:    deps.Speak,
		isMod:    deps.IsMod,
		excluded: deps.Excluded,
		inReplay: deps.InReplay,
	}
}

// Handle runs one command invocation end to end.
func (in *Interpreter) Handle(ctx context.Context, inv Invocation) {
	if !inv.System && in.excluded != nil && in.excluded(inv.Username) {
		return
	}

	command, target, remainder := ParseCommand(inv.Text)
	if command == "" {
		return
	}
	in.metrics.IncCommandsRun(command)

	switch command {
	case "so":
		in.shoutOut(ctx, inv, target)
	case "birthday":
		in.birthday(inv)
	case "tts":
		in.tts(inv, remainder)
	case "commands":
		in.listCommands()
	case "nuke":
		in.nuke(ctx, inv, target)
	case "clearnukes":
		in.clearNukes(inv)
	default:
		in.configured(ctx, inv, command, target, remainder)
	}
}

// ReplayCommand re-runs a recorded command invocation. The caller holds the
// replay scope open, so cooldowns are bypassed and no new history is
// written.
func (in *Interpreter) ReplayCommand(ctx context.Context, username, text string) {
	in.Handle(ctx, Invocation{
		Username:    username,
		DisplayName: username,
		Text:        text,
	})
}

// AutoShoutOut issues a shout-out as a system action, bypassing the
// exclusion check. Called by the router after a raid alert.
func (in *Interpreter) AutoShoutOut(ctx context.Context, username string) {
	in.Handle(ctx, Invocation{
		Username:    in.settings.BotName,
		DisplayName: in.settings.BotName,
		Text:        "!so " + username,
		System:      true,
	})
}

func (in *Interpreter) shoutOut(ctx context.Context, inv Invocation, target string) {
	if target == "" {
		return
	}
	game := in.lookupGame(ctx, target)

	template := "Go check out $targetname over at https://twitch.tv/$target!"
	media := ""
	if entry, ok := in.media.Lookup("so"); ok {
		if entry.Message != "" {
			template = entry.Message
		}
		media = entry.Media
	}
	if game != "" && !strings.Contains(template, "$game") {
		template += " They were last seen playing $game."
	}
	reply := substituteTokens(template, target, "", game)
	in.chat.Say(reply)
	if media != "" {
		in.queue.Enqueue(reply, media)
	}
	in.record(history.Entry{
		Type:     history.TypeCommand,
		Username: inv.Username,
		Command:  "so",
		Text:     inv.Text,
		Summary:  "shout-out for " + target,
		Media:    media,
	})
}

func (in *Interpreter) lookupGame(ctx context.Context, login string) string {
	if in.mod == nil {
		return ""
	}
	game, err := in.mod.GameFor(ctx, login)
	if err != nil {
		log.Printf("commands: game lookup for %s failed: %v", login, err)
		return ""
	}
	return game
}

func (in *Interpreter) birthday(inv Invocation) {
	text := "Happy birthday, " + displayOf(inv) + "!"
	if entry, ok := in.media.Lookup("birthday"); ok && entry.Message != "" {
		text = substituteTokens(entry.Message, displayOf(inv), "", "")
	}
	in.say(text)
	if in.speak != nil {
		in.speak("", text)
	}
	in.record(history.Entry{
		Type:     history.TypeTTS,
		Username: inv.Username,
		Command:  "birthday",
		Summary:  text,
		TTSText:  text,
	})
}

func (in *Interpreter) tts(inv Invocation, remainder string) {
	voice := ""
	text := remainder
	if first, rest, found := strings.Cut(remainder, " "); found {
		for _, v := range in.settings.TTSVoices {
			if strings.EqualFold(first, v) {
				voice, text = first, rest
				break
			}
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	// cap by rune so a multi-byte character is never split mid-sequence
	if utf8.RuneCountInString(text) > ttsMaxChars {
		text = string([]rune(text)[:ttsMaxChars])
	}
	if in.speak != nil {
		in.speak(voice, text)
	}
	in.record(history.Entry{
		Type:     history.TypeTTS,
		Username: inv.Username,
		Command:  "tts",
		Summary:  "tts from " + inv.Username,
		TTSVoice: voice,
		TTSText:  text,
	})
}

// listCommands paginates the configured command names so every reply line
// stays under the chat length limit.
func (in *Interpreter) listCommands() {
	names := in.media.Names()
	if len(names) == 0 {
		return
	}

	line := "Available commands: "
	for _, name := range names {
		token := "!" + name
		if line != "Available commands: " && !strings.HasSuffix(line, " ") {
			token = " " + token
		}
		if len(line)+len(token) > commandLineBudget {
			in.chat.Say(line)
			line = "!" + name
			continue
		}
		line += token
	}
	if line != "" {
		in.chat.Say(line)
	}
}

func (in *Interpreter) nuke(ctx context.Context, inv Invocation, target string) {
	if target == "" {
		in.chat.Say("Usage: !nuke targetUser")
		return
	}
	replaying := in.inReplay != nil && in.inReplay()
	if !replaying && !in.nukes.TryUse(inv.Username) {
		in.chat.Say(fmt.Sprintf("@%s you have already used your nuke this stream!", displayOf(inv)))
		return
	}

	entry := history.Entry{
		Type:     history.TypeCommand,
		Username: inv.Username,
		Command:  "nuke",
		Text:     inv.Text,
		Summary:  inv.Username + " nuked " + target,
	}

	switch {
	case strings.EqualFold(target, in.settings.Broadcaster):
		// the broadcaster shrugs it off; no timeout
		message := fmt.Sprintf("%s tried to nuke the boss... the boss is immune!", displayOf(inv))
		media := in.alertMedia("broadcasternuke")
		in.queue.EnqueueFullscreen(message, media)
		in.chat.Say(message)
		entry.Media = media
		in.record(entry)
		return

	case strings.EqualFold(target, in.settings.BotName):
		message := fmt.Sprintf("%s nuked the bot! Who will run the alerts now?!", displayOf(inv))
		media := in.alertMedia("botnuke")
		in.queue.Enqueue(message, media)
		in.chat.Say(message)
		if in.speak != nil {
			in.speak("", "Don't forget to re-mod "+in.settings.BotName)
		}
		entry.Media = media

	case in.isMod != nil && in.isMod(target):
		message := fmt.Sprintf("%s is attacking the mods! %s has been nuked!", displayOf(inv), target)
		media := in.alertMedia("modnuke")
		in.queue.Enqueue(message, media)
		in.chat.Say(message)
		entry.Media = media

	default:
		in.chat.Say(fmt.Sprintf("%s dropped a nuke on %s!", displayOf(inv), target))
	}

	in.timeout(ctx, target, "nuked by "+inv.Username)
	in.record(entry)
}

// timeout issues the moderation call. Failures are logged; the chat reply
// already sent is not retracted.
func (in *Interpreter) timeout(ctx context.Context, target, reason string) {
	if in.mod == nil {
		return
	}
	id, err := in.mod.ResolveUserID(ctx, target)
	if err != nil {
		log.Printf("commands: resolve %s failed: %v", target, err)
		return
	}
	if err := in.mod.TimeoutUser(ctx, id, in.settings.NukeTimeout, reason); err != nil {
		log.Printf("commands: timeout %s failed: %v", target, err)
	}
}

func (in *Interpreter) clearNukes(inv Invocation) {
	if !strings.EqualFold(inv.Username, in.settings.Broadcaster) &&
		!strings.EqualFold(inv.Username, in.settings.SecondaryAdmin) {
		return
	}
	in.nukes.Clear()
	in.chat.Say("Nukes are live again!")
}

// configured handles data-driven media/text commands. The target token is
// the first remainder word when present, else the invoker.
func (in *Interpreter) configured(ctx context.Context, inv Invocation, command, target, remainder string) {
	entry, ok := in.media.Lookup(command)
	if !ok {
		return
	}

	tokenTarget := target
	if tokenTarget == "" {
		first, _, _ := strings.Cut(remainder, " ")
		tokenTarget = strings.TrimPrefix(first, "@")
	}
	if tokenTarget == "" {
		tokenTarget = displayOf(inv)
	}
	game := ""
	if needsGame(entry) {
		game = in.lookupGame(ctx, tokenTarget)
	}

	histEntry := history.Entry{
		Type:     history.TypeCommand,
		Username: inv.Username,
		Command:  command,
		Text:     inv.Text,
		Media:    entry.Media,
	}

	if entry.Message != "" {
		reply := substituteTokens(entry.Message, tokenTarget, entry.URL, game)
		reply = in.applyFormatArgs(entry, reply, inv)
		in.chat.Say(reply)
		histEntry.Summary = reply
	}
	if entry.Media != "" {
		message := entry.AlertMessage
		if message == "" {
			message = displayOf(inv) + " used !" + command
		}
		message = substituteTokens(message, tokenTarget, entry.URL, game)
		if entry.Fullscreen {
			in.queue.EnqueueFullscreen(message, entry.Media)
		} else {
			in.queue.Enqueue(message, entry.Media)
		}
		if histEntry.Summary == "" {
			histEntry.Summary = message
		}
	}
	in.record(histEntry)
}

// applyFormatArgs runs per-command positional formatting. The streak command
// injects (consecutive, total); a verb-count mismatch falls back to the
// unformatted template.
func (in *Interpreter) applyFormatArgs(entry mediacmds.CommandEntry, reply string, inv Invocation) string {
	if entry.FormatArgs != "streak" || in.streaks == nil {
		return reply
	}
	if strings.Count(reply, "%d") != 2 {
		log.Printf("commands: streak template %q has wrong verb count", reply)
		return reply
	}
	consecutive, total := in.streaks.GetStats(inv.UserID, inv.Username)
	return fmt.Sprintf(reply, consecutive, total)
}

func (in *Interpreter) alertMedia(key string) string {
	entry, ok := in.media.Alert(key)
	if !ok {
		return ""
	}
	return entry.Media
}

func (in *Interpreter) say(text string) {
	if text != "" {
		in.chat.Say(text)
	}
}

func (in *Interpreter) record(e history.Entry) {
	if in.hist != nil {
		in.hist.Add(e)
	}
}

func needsGame(entry mediacmds.CommandEntry) bool {
	return strings.Contains(entry.Message, "$game") || strings.Contains(entry.AlertMessage, "$game")
}

func displayOf(inv Invocation) string {
	if inv.DisplayName != "" {
		return inv.DisplayName
	}
	return inv.Username
}

// substituteTokens replaces template tokens, most specific first so
// "$targetname" is never mangled by the "$target" pass.
func substituteTokens(template, target, url, game string) string {
	replacements := []struct{ token, value string }{
		{"@$targetname", "@" + target},
		{"$targetname", target},
		{"$target", target},
		{"$url", url},
		{"$game", game},
	}
	out := template
	for _, r := range replacements {
		out = strings.ReplaceAll(out, r.token, r.value)
	}
	return out
}
