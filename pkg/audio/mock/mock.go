// Package mock provides a recording [audio.Player] for tests.
//
// Plays are recorded in order. Set Gate to make each Play wait for a value
// (or Halt) before returning, which lets tests hold the consumer mid-clip.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/visionvoice/pkg/audio"
)

var _ audio.Player = (*Player)(nil)

// Player is a mock implementation of [audio.Player].
type Player struct {
	mu sync.Mutex

	// PlayErr is returned by every Play call.
	PlayErr error

	// Gate, when non-nil, blocks each Play until a value is received, Halt is
	// called, or ctx is cancelled.
	Gate chan struct{}

	// OnPlay, when non-nil, is called with every clip before Play returns.
	OnPlay func(pcm []byte)

	plays    [][]byte
	halts    int
	haltOnce sync.Once
	haltCh   chan struct{}
}

func (p *Player) haltChan() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.haltCh == nil {
		p.haltCh = make(chan struct{})
	}
	return p.haltCh
}

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, pcm []byte) error {
	halt := p.haltChan()
	p.mu.Lock()
	p.plays = append(p.plays, append([]byte(nil), pcm...))
	gate, onPlay, err := p.Gate, p.OnPlay, p.PlayErr
	p.mu.Unlock()

	if onPlay != nil {
		onPlay(pcm)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-halt:
			return audio.ErrHalted
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Halt implements [audio.Player].
func (p *Player) Halt() error {
	halt := p.haltChan()
	p.mu.Lock()
	p.halts++
	p.mu.Unlock()
	p.haltOnce.Do(func() { close(halt) })
	return nil
}

// Plays returns a copy of every clip passed to Play, in order.
func (p *Player) Plays() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.plays))
	copy(out, p.plays)
	return out
}

// PlayCount returns the number of Play calls.
func (p *Player) PlayCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.plays)
}

// HaltCount returns the number of Halt calls.
func (p *Player) HaltCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halts
}
