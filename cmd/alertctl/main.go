// Command alertctl pokes a running alertbot over its local HTTP API:
// status, alert history, replaying a history entry, and opening or closing
// the stream for watch-streak accounting.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: alertctl [-addr host:port] <command> [args]

Commands:
  status              Show queue depth, overlay clients, and stream index
  history [n]         Show the last n history entries (default 20)
  replay <index>      Replay history entry at index (as shown by history)
  stream begin|end    Open or close the stream
`)
	os.Exit(2)
}

func main() {
	log.SetFlags(0)

	addr := flag.String("addr", "127.0.0.1:8177", "alertbot HTTP address")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	c := &client{
		base: "http://" + *addr,
		http: &http.Client{Timeout: 10 * time.Second},
	}

	var err error
	switch args[0] {
	case "status":
		err = c.status()
	case "history":
		limit := 20
		if len(args) > 1 {
			limit, err = strconv.Atoi(args[1])
			if err != nil {
				usage()
			}
		}
		err = c.history(limit)
	case "replay":
		if len(args) != 2 {
			usage()
		}
		var index int
		index, err = strconv.Atoi(args[1])
		if err != nil {
			usage()
		}
		err = c.replay(index)
	case "stream":
		if len(args) != 2 {
			usage()
		}
		switch args[1] {
		case "begin", "end":
			err = c.stream(args[1])
		default:
			usage()
		}
	default:
		usage()
	}
	if err != nil {
		log.Fatalf("alertctl: %v", err)
	}
}

type client struct {
	base string
	http *http.Client
}

type historyEntry struct {
	Ts       time.Time `json:"ts"`
	Type     string    `json:"type"`
	Summary  string    `json:"summary"`
	Username string    `json:"username"`
}

func (c *client) status() error {
	var out map[string]any
	if err := c.getJSON("/status", &out); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (c *client) history(limit int) error {
	entries, err := c.fetchHistory(limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("history is empty")
		return nil
	}
	for i, e := range entries {
		var parsed historyEntry
		_ = json.Unmarshal(e, &parsed)
		fmt.Printf("%3d  %s  %-12s %-20s %s\n",
			i, parsed.Ts.Local().Format("15:04:05"), parsed.Type, parsed.Username, parsed.Summary)
	}
	return nil
}

func (c *client) replay(index int) error {
	// fetch everything so indexes line up with the history listing
	entries, err := c.fetchHistory(0)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(entries) {
		return fmt.Errorf("index %d out of range (history has %d entries)", index, len(entries))
	}

	resp, err := c.http.Post(c.base+"/history/replay", "application/json", bytes.NewReader(entries[index]))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("replay status %d: %s", resp.StatusCode, body)
	}
	fmt.Println("replayed")
	return nil
}

func (c *client) stream(action string) error {
	resp, err := c.http.Post(c.base+"/admin/stream/"+action, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("stream %s status %d: %s", action, resp.StatusCode, body)
	}
	fmt.Printf("stream %s ok\n", action)
	return nil
}

func (c *client) fetchHistory(limit int) ([]json.RawMessage, error) {
	path := "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var entries []json.RawMessage
	if err := c.getJSON(path, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *client) getJSON(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s status %d: %s", path, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
