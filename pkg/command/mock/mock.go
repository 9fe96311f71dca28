// Package mock provides a [command.Listener] driven from tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/visionvoice/pkg/command"
)

var _ command.Listener = (*Listener)(nil)

// Listener is a mock implementation of [command.Listener]. Commands passed
// to Say are delivered to the active Listen call.
type Listener struct {
	mu      sync.Mutex
	handler command.Handler
	stop    chan struct{}
	stops   int
	ready   chan struct{}
}

func (l *Listener) init() {
	if l.stop == nil {
		l.stop = make(chan struct{})
		l.ready = make(chan struct{})
	}
}

// Listen implements [command.Listener].
func (l *Listener) Listen(ctx context.Context, h command.Handler) error {
	l.mu.Lock()
	l.init()
	l.handler = h
	stop, ready := l.stop, l.ready
	select {
	case <-ready:
	default:
		close(ready)
	}
	l.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-stop:
	}
	l.mu.Lock()
	l.handler = nil
	l.mu.Unlock()
	return nil
}

// Stop implements [command.Listener].
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.init()
	l.stops++
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

// WaitListening blocks until Listen has been called or ctx ends.
func (l *Listener) WaitListening(ctx context.Context) bool {
	l.mu.Lock()
	l.init()
	ready := l.ready
	l.mu.Unlock()
	select {
	case <-ready:
		return true
	case <-ctx.Done():
		return false
	}
}

// Say delivers text to the active handler synchronously. It reports false
// when nothing is listening.
func (l *Listener) Say(text string) bool {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h == nil {
		return false
	}
	h(text)
	return true
}

// Stops returns the number of Stop calls.
func (l *Listener) Stops() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stops
}
