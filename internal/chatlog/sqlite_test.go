package chatlog

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gmblogref/TwitchChatBot-sub000/internal/core"
)

func openTestLog(t *testing.T) *SQLiteLog {
	t.Helper()
	logDB, err := OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { logDB.Close() })
	return logDB
}

func TestWriteAndListRecent(t *testing.T) {
	logDB := openTestLog(t)

	base := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		line := core.ChatLine{
			Ts:          base.Add(time.Duration(i) * time.Second),
			Username:    fmt.Sprintf("user%d", i),
			DisplayName: fmt.Sprintf("User%d", i),
			Text:        fmt.Sprintf("message %d", i),
			Colour:      "#FF0000",
		}
		if err := logDB.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	got, err := logDB.ListRecent(3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	// newest three, chronological order
	if got[0].Username != "user2" || got[2].Username != "user4" {
		t.Fatalf("order = %s .. %s", got[0].Username, got[2].Username)
	}
	if !got[0].Ts.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("ts = %v", got[0].Ts)
	}

	n, err := logDB.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 5 {
		t.Fatalf("count = %d", n)
	}
}

type countingWriter struct {
	mu     sync.Mutex
	writes int
	lines  []core.ChatLine
}

func (c *countingWriter) Write(line core.ChatLine) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	c.lines = append(c.lines, line)
	return nil
}

func (c *countingWriter) snapshot() (int, []core.ChatLine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes, append([]core.ChatLine(nil), c.lines...)
}

func waitForLines(t *testing.T, base *countingWriter, n int) []core.ChatLine {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, lines := base.snapshot(); len(lines) >= n {
			return lines
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, lines := base.snapshot()
	t.Fatalf("timed out waiting for %d lines, have %d", n, len(lines))
	return nil
}

func TestBufferedFlushesAtBatchSize(t *testing.T) {
	base := &countingWriter{}
	buf := NewBufferedWriter(base, BufferedOptions{BatchSize: 3, FlushInterval: time.Hour})
	defer buf.Close()

	for i := 0; i < 3; i++ {
		if err := buf.Write(core.ChatLine{Text: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	lines := waitForLines(t, base, 3)
	if lines[0].Text != "m0" || lines[2].Text != "m2" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestBufferedCloseFlushesRemainder(t *testing.T) {
	base := &countingWriter{}
	buf := NewBufferedWriter(base, BufferedOptions{BatchSize: 10, FlushInterval: time.Hour})

	_ = buf.Write(core.ChatLine{Text: "only"})
	if err := buf.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, lines := base.snapshot(); len(lines) != 1 || lines[0].Text != "only" {
		t.Fatalf("lines = %v", lines)
	}
	// further writes are rejected
	if err := buf.Write(core.ChatLine{Text: "late"}); err == nil {
		t.Fatal("write after close should fail")
	}
}

func TestBufferedIntervalFlush(t *testing.T) {
	base := &countingWriter{}
	buf := NewBufferedWriter(base, BufferedOptions{BatchSize: 100, FlushInterval: 20 * time.Millisecond})
	defer buf.Close()

	_ = buf.Write(core.ChatLine{Text: "timed"})
	waitForLines(t, base, 1)
}
