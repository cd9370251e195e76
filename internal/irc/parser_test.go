package irc

import (
	"testing"
	"time"
)

func TestParseLinePrivmsg(t *testing.T) {
	raw := "@badge-info=subscriber/24;badges=moderator/1,subscriber/6;color=#1E90FF;display-name=User;id=msg-1;mod=1;" +
		"tmi-sent-ts=1234567890123;user-id=42 :user!user@user.tmi.twitch.tv PRIVMSG #chan :hello world"
	line, ok := ParseLine(raw)
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if line.Command != "PRIVMSG" {
		t.Fatalf("command = %q", line.Command)
	}
	if line.Channel() != "chan" {
		t.Fatalf("channel = %q", line.Channel())
	}
	if line.Trailing != "hello world" {
		t.Fatalf("trailing = %q", line.Trailing)
	}
	if line.Nick() != "user" {
		t.Fatalf("nick = %q", line.Nick())
	}
	if line.Tags["display-name"] != "User" || line.Tags["user-id"] != "42" {
		t.Fatalf("tags mismatch: %#v", line.Tags)
	}
	want := time.Unix(0, 1234567890123*int64(time.Millisecond)).UTC()
	if !line.Timestamp().Equal(want) {
		t.Fatalf("timestamp = %v, want %v", line.Timestamp(), want)
	}
}

func TestParseLineUsernoticeEscapes(t *testing.T) {
	raw := `@msg-id=resub;msg-param-cumulative-months=13;system-msg=User\ssubscribed\sfor\s13\smonths!;login=user ` +
		":tmi.twitch.tv USERNOTICE #chan :still here"
	line, ok := ParseLine(raw)
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if line.Command != "USERNOTICE" {
		t.Fatalf("command = %q", line.Command)
	}
	if got := line.Tags["system-msg"]; got != "User subscribed for 13 months!" {
		t.Fatalf("system-msg = %q", got)
	}
	if line.TagInt("msg-param-cumulative-months", 0) != 13 {
		t.Fatalf("months = %d", line.TagInt("msg-param-cumulative-months", 0))
	}
	if line.Trailing != "still here" {
		t.Fatalf("trailing = %q", line.Trailing)
	}
}

func TestParseLineMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"@only-tags-no-space",
		":prefix-without-command",
		"   ",
	} {
		if line, ok := ParseLine(raw); ok {
			t.Fatalf("expected %q to be ignored, got %#v", raw, line)
		}
	}
}

func TestParseLineNoTags(t *testing.T) {
	line, ok := ParseLine(":user!user@user.tmi.twitch.tv JOIN #chan")
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if len(line.Tags) != 0 {
		t.Fatalf("expected empty tag map, got %#v", line.Tags)
	}
	if line.Command != "JOIN" || line.Channel() != "chan" {
		t.Fatalf("unexpected line: %#v", line)
	}
}

func TestIdentityKeyPrecedence(t *testing.T) {
	tests := []struct {
		name string
		tags map[string]string
		raw  string
		want string
	}{
		{
			name: "id tag wins",
			tags: map[string]string{"id": "abc", "login": "user", "tmi-sent-ts": "123"},
			want: "abc",
		},
		{
			name: "login and timestamp",
			tags: map[string]string{"login": "user", "tmi-sent-ts": "123"},
			want: "user|123",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IdentityKey(tt.tags, tt.raw); got != tt.want {
				t.Fatalf("IdentityKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIdentityKeyHashFallback(t *testing.T) {
	a := IdentityKey(map[string]string{"display-name": "User"}, "raw line one")
	b := IdentityKey(map[string]string{"display-name": "User"}, "raw line one")
	c := IdentityKey(map[string]string{"display-name": "User"}, "raw line two")
	if a != b {
		t.Fatalf("hash key not stable: %q vs %q", a, b)
	}
	if a == c {
		t.Fatalf("distinct lines produced the same key %q", a)
	}
}
