package irc

import (
	"strconv"
	"strings"
	"time"
)

// Line is one parsed IRC protocol line. Absent pieces are left zero; a
// malformed line is reported through the ok return of ParseLine, never a
// panic.
type Line struct {
	Raw      string
	Tags     map[string]string
	Prefix   string
	Command  string
	Params   []string
	Trailing string
}

// ParseLine splits a raw line into tags, prefix, command, params and the
// trailing text. Lines with no recognizable command yield ok=false, which
// callers treat as "ignore this line".
func ParseLine(raw string) (Line, bool) {
	line := Line{Raw: raw, Tags: map[string]string{}}
	rest := strings.TrimRight(raw, "\r\n")
	if rest == "" {
		return line, false
	}

	if strings.HasPrefix(rest, "@") {
		idx := strings.Index(rest, " ")
		if idx == -1 {
			return line, false
		}
		line.Tags = parseTags(rest[1:idx])
		rest = strings.TrimSpace(rest[idx+1:])
	}

	if strings.HasPrefix(rest, ":") {
		idx := strings.Index(rest, " ")
		if idx == -1 {
			return line, false
		}
		line.Prefix = rest[1:idx]
		rest = strings.TrimSpace(rest[idx+1:])
	}

	if rest == "" {
		return line, false
	}

	// The trailing segment starts at the first " :" after the command word.
	if idx := strings.Index(rest, " :"); idx != -1 {
		line.Trailing = rest[idx+2:]
		rest = strings.TrimSpace(rest[:idx])
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return line, false
	}
	line.Command = strings.ToUpper(fields[0])
	line.Params = fields[1:]
	return line, true
}

func parseTags(tagPart string) map[string]string {
	tags := map[string]string{}
	for _, kv := range strings.Split(tagPart, ";") {
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		key := parts[0]
		val := ""
		if len(parts) == 2 {
			val = unescapeIRC(parts[1])
		}
		tags[key] = val
	}
	return tags
}

// Nick extracts the sender login from an IRC prefix (nick!user@host).
func (l Line) Nick() string {
	prefix := l.Prefix
	if strings.HasPrefix(prefix, ":") {
		prefix = prefix[1:]
	}
	if idx := strings.Index(prefix, "!"); idx != -1 {
		return prefix[:idx]
	}
	return prefix
}

// Channel returns the first #channel parameter without the hash, or "".
func (l Line) Channel() string {
	for _, p := range l.Params {
		if strings.HasPrefix(p, "#") {
			return strings.ToLower(p[1:])
		}
	}
	return ""
}

// Timestamp reads tmi-sent-ts, falling back to now.
func (l Line) Timestamp() time.Time {
	if tsStr := l.Tags["tmi-sent-ts"]; tsStr != "" {
		if ms, err := strconv.ParseInt(tsStr, 10, 64); err == nil {
			return time.Unix(0, ms*int64(time.Millisecond)).UTC()
		}
	}
	return time.Now().UTC()
}

// TagInt reads a numeric tag, defaulting on absence or garbage.
func (l Line) TagInt(key string, def int) int {
	raw := l.Tags[key]
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func unescapeIRC(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 's':
			b.WriteByte(' ')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case ':':
			b.WriteByte(';')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
