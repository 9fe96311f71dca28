// Package command defines the user command source collaborator.
package command

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Handler receives one raw command utterance.
type Handler func(text string)

// Listener delivers user commands.
type Listener interface {
	// Listen calls h for every command until ctx ends, Stop is called, or the
	// source is exhausted. It blocks.
	Listen(ctx context.Context, h Handler) error

	// Stop makes Listen return. It is idempotent.
	Stop()
}

var _ Listener = (*LineReader)(nil)

// LineReader treats each non-blank line of a reader as a command. It is the
// text stand-in for a speech recogniser.
type LineReader struct {
	r    io.Reader
	log  *slog.Logger
	stop chan struct{}
	once sync.Once
}

// NewLineReader returns a listener reading from r (typically os.Stdin).
func NewLineReader(r io.Reader, log *slog.Logger) *LineReader {
	if log == nil {
		log = slog.Default()
	}
	return &LineReader{r: r, log: log.With("component", "commands"), stop: make(chan struct{})}
}

// Listen implements [Listener]. A read blocked on the underlying reader is
// abandoned, not interrupted, when ctx ends or Stop is called.
func (l *LineReader) Listen(ctx context.Context, h Handler) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(l.r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-l.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.stop:
			return nil
		case err := <-errc:
			if err != nil {
				l.log.Warn("command source failed", "err", err)
			}
			return err
		case line := <-lines:
			if strings.TrimSpace(line) == "" {
				continue
			}
			l.log.Debug("command received", "text", line)
			h(line)
		}
	}
}

// Stop implements [Listener].
func (l *LineReader) Stop() {
	l.once.Do(func() { close(l.stop) })
}
