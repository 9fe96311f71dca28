package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/visionvoice/pkg/types"
)

func TestMailbox_KeepsLatest(t *testing.T) {
	t.Parallel()

	m := newMailbox()
	if m.put(types.Frame{Seq: 1}) {
		t.Error("first put reported a replacement")
	}
	if !m.put(types.Frame{Seq: 2}) {
		t.Error("second put did not report a replacement")
	}
	f, ok := m.take(context.Background())
	if !ok || f.Seq != 2 {
		t.Errorf("take = %d %v, want frame 2", f.Seq, ok)
	}
	if m.droppedFrames() != 1 {
		t.Errorf("dropped = %d, want 1", m.droppedFrames())
	}
}

func TestMailbox_TakeBlocksUntilPut(t *testing.T) {
	t.Parallel()

	m := newMailbox()
	got := make(chan uint64, 1)
	go func() {
		f, _ := m.take(context.Background())
		got <- f.Seq
	}()

	select {
	case <-got:
		t.Fatal("take returned before put")
	case <-time.After(20 * time.Millisecond):
	}
	m.put(types.Frame{Seq: 9})
	select {
	case seq := <-got:
		if seq != 9 {
			t.Errorf("seq = %d, want 9", seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("take did not return after put")
	}
}

func TestMailbox_ReleasesWaiters(t *testing.T) {
	t.Parallel()

	t.Run("close", func(t *testing.T) {
		t.Parallel()
		m := newMailbox()
		done := make(chan bool, 1)
		go func() {
			_, ok := m.take(context.Background())
			done <- ok
		}()
		time.Sleep(10 * time.Millisecond)
		m.close()
		if ok := <-done; ok {
			t.Error("take after close reported a frame")
		}
		if m.put(types.Frame{}) {
			t.Error("put after close reported a replacement")
		}
	})

	t.Run("context", func(t *testing.T) {
		t.Parallel()
		m := newMailbox()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan bool, 1)
		go func() {
			_, ok := m.take(ctx)
			done <- ok
		}()
		time.Sleep(10 * time.Millisecond)
		cancel()
		select {
		case ok := <-done:
			if ok {
				t.Error("take after cancel reported a frame")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("take ignored context cancellation")
		}
	})
}

func TestMailbox_Clear(t *testing.T) {
	t.Parallel()

	m := newMailbox()
	m.put(types.Frame{Seq: 1})
	m.clear()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := m.take(ctx); ok {
		t.Error("take returned a cleared frame")
	}
}
