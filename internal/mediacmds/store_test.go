package mediacmds

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `{
  "commands": {
    "discord": {"message": "Join the crew at $url", "url": "https://discord.gg/example"},
    "hug": {"alertMessage": "$targetname gets a big hug!", "media": "hug.webm"},
    "streak": {"message": "you are on a %d stream streak with %d total!", "formatArgs": "streak"}
  },
  "alerts": {
    "raid": {"message": "%s is raiding with %d viewers!", "media": "raid.webm"},
    "sub": {"message": "%s just subscribed!", "media": "sub.webm"}
  },
  "cheerTiers": [
    {"bits": 1, "media": "cheer_small.webm"},
    {"bits": 100, "media": "cheer_100.webm"},
    {"bits": 350, "exact": true, "media": "cheer_exactly_350.webm"},
    {"bits": 1000, "media": "cheer_big.webm"}
  ]
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mediacmds.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLookupAndNames(t *testing.T) {
	store, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	entry, ok := store.Lookup("HUG")
	if !ok {
		t.Fatal("hug not found")
	}
	if entry.Media != "hug.webm" {
		t.Fatalf("media = %q", entry.Media)
	}
	if _, ok := store.Lookup("nope"); ok {
		t.Fatal("unknown command resolved")
	}

	names := store.Names()
	want := []string{"discord", "hug", "streak"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestAlertLookup(t *testing.T) {
	store, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	entry, ok := store.Alert("raid")
	if !ok || entry.Media != "raid.webm" {
		t.Fatalf("raid alert = %#v, ok=%v", entry, ok)
	}
	if _, ok := store.Alert("hypetrain"); ok {
		t.Fatal("unmapped alert resolved")
	}
}

func TestCheerTierSelection(t *testing.T) {
	store, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	tests := []struct {
		bits  int
		media string
		ok    bool
	}{
		{350, "cheer_exactly_350.webm", true}, // exact tier beats the 100 range tier
		{351, "cheer_100.webm", true},
		{37, "cheer_small.webm", true},
		{100, "cheer_100.webm", true},
		{5000, "cheer_big.webm", true},
		{0, "", false},
	}
	for _, tt := range tests {
		media, ok := store.CheerMedia(tt.bits)
		if ok != tt.ok || media != tt.media {
			t.Errorf("CheerMedia(%d) = %q, %v; want %q, %v", tt.bits, media, ok, tt.media, tt.ok)
		}
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	store, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := store.Watch(); err != nil {
		t.Fatalf("watch: %v", err)
	}

	updated := `{"commands": {"lurk": {"message": "thanks for the lurk"}}}`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := store.Lookup("lurk"); ok {
			if _, stale := store.Lookup("hug"); stale {
				t.Fatal("old mapping still visible after reload")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("reload never observed")
}

func TestBadReloadKeepsPreviousMapping(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	store, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt config: %v", err)
	}
	if err := store.reload(); err == nil {
		t.Fatal("reload of corrupt file should fail")
	}
	if _, ok := store.Lookup("hug"); !ok {
		t.Fatal("previous mapping lost after failed reload")
	}
}
