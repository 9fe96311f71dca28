package pipeline

import (
	"context"
	"sync"

	"github.com/MrWong99/visionvoice/pkg/types"
)

// mailbox is a single-slot frame buffer. A new frame replaces one that has
// not been taken yet, so the consumer always sees the latest frame.
type mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	frame   types.Frame
	full    bool
	closed  bool
	dropped uint64
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// put stores f and reports whether an untaken frame was overwritten.
func (m *mailbox) put(f types.Frame) (replaced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	replaced = m.full
	if replaced {
		m.dropped++
	}
	m.frame, m.full = f, true
	m.cond.Signal()
	return replaced
}

// take blocks until a frame is available, the mailbox is closed or ctx is
// done.
func (m *mailbox) take(ctx context.Context) (types.Frame, bool) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.full && !m.closed && ctx.Err() == nil {
		m.cond.Wait()
	}
	if !m.full || m.closed || ctx.Err() != nil {
		return types.Frame{}, false
	}
	f := m.frame
	m.frame, m.full = types.Frame{}, false
	return f, true
}

// clear discards a waiting frame.
func (m *mailbox) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frame, m.full = types.Frame{}, false
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
}

func (m *mailbox) droppedFrames() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
