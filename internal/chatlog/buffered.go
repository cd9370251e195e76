package chatlog

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gmblogref/TwitchChatBot-sub000/internal/core"
)

// Writer takes one chat line.
type Writer interface {
	Write(core.ChatLine) error
}

var errWriterClosed = errors.New("chatlog: writer closed")

type BufferedOptions struct {
	BatchSize     int
	FlushInterval time.Duration
}

// BufferedWriter batches lines before handing them to the base writer, so a
// busy chat does not turn into one insert per message. A single flush
// goroutine owns the batch; writes just feed its channel. Insert failures
// are logged, not returned, since a lost chat line is not worth stalling
// ingestion over.
type BufferedWriter struct {
	base     Writer
	batch    int
	interval time.Duration

	in   chan core.ChatLine
	quit chan struct{}
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewBufferedWriter(base Writer, opts BufferedOptions) *BufferedWriter {
	b := &BufferedWriter{
		base:     base,
		batch:    opts.BatchSize,
		interval: opts.FlushInterval,
		in:       make(chan core.ChatLine, 512),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if b.batch <= 0 {
		b.batch = 1
	}
	if b.interval <= 0 {
		b.interval = 2 * time.Second
	}
	go b.loop()
	return b
}

// Write queues a line for the flush goroutine. The closed check and the
// channel send happen under the same mutex Close takes, so a write never
// races a concurrent close into the channel select.
func (b *BufferedWriter) Write(line core.ChatLine) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errWriterClosed
	}
	select {
	case b.in <- line:
		return nil
	default:
		return errors.New("chatlog: write buffer full")
	}
}

// Close flushes whatever is buffered and stops the flush goroutine. Safe to
// call more than once.
func (b *BufferedWriter) Close() error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.quit)
	}
	b.mu.Unlock()
	<-b.done
	return nil
}

func (b *BufferedWriter) loop() {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	pending := make([]core.ChatLine, 0, b.batch)
	flush := func() {
		for _, line := range pending {
			if err := b.base.Write(line); err != nil {
				log.Printf("chatlog: write: %v", err)
			}
		}
		pending = pending[:0]
	}

	for {
		select {
		case line := <-b.in:
			pending = append(pending, line)
			if len(pending) >= b.batch {
				flush()
			}
		case <-ticker.C:
			if len(pending) > 0 {
				flush()
			}
		case <-b.quit:
			// drain lines already queued before the close
			for {
				select {
				case line := <-b.in:
					pending = append(pending, line)
				default:
					flush()
					return
				}
			}
		}
	}
}
