package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/MrWong99/visionvoice/pkg/types"
)

// ErrReleased is returned by [Replay.StartCapturing] after Release.
var ErrReleased = errors.New("camera: released")

var _ Camera = (*Replay)(nil)

var imageExts = []string{".jpg", ".jpeg", ".png", ".bmp", ".webp"}

// ReplayOption configures a [Replay].
type ReplayOption func(*Replay)

// WithFPS sets the delivery rate. Default: 5.
func WithFPS(fps float64) ReplayOption {
	return func(r *Replay) {
		if fps > 0 {
			r.fps = fps
		}
	}
}

// WithLoop controls whether replay restarts after the last image. Default: true.
func WithLoop(loop bool) ReplayOption {
	return func(r *Replay) { r.loop = loop }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) ReplayOption {
	return func(r *Replay) { r.log = l }
}

// Replay is a [Camera] that plays back the image files of a directory in
// lexical order at a fixed rate. The directory is rescanned on every start,
// so images can be added while the camera is stopped.
type Replay struct {
	dir  string
	fps  float64
	loop bool
	log  *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	seq      uint64
	released bool
}

// NewReplay returns a camera replaying the images in dir.
func NewReplay(dir string, opts ...ReplayOption) *Replay {
	r := &Replay{dir: dir, fps: 5, loop: true, log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With("component", "camera", "dir", dir)
	return r
}

// IsReady reports whether the directory holds at least one image.
func (r *Replay) IsReady() bool {
	r.mu.Lock()
	released := r.released
	r.mu.Unlock()
	if released {
		return false
	}
	files, err := r.scan()
	return err == nil && len(files) > 0
}

func (r *Replay) scan() ([]string, error) {
	if r.dir == "" {
		return nil, errors.New("camera: no source directory")
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("camera: read %s: %w", r.dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(imageExts, strings.ToLower(filepath.Ext(e.Name()))) {
			files = append(files, filepath.Join(r.dir, e.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}

// StartCapturing implements [Camera].
func (r *Replay) StartCapturing(ctx context.Context, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return ErrReleased
	}
	if r.cancel != nil {
		return nil
	}
	files, err := r.scan()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("camera: no images in %s", r.dir)
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx, files, sink, r.cancel, r.done)
	r.log.Info("capture started", "images", len(files), "fps", r.fps)
	return nil
}

func (r *Replay) run(ctx context.Context, files []string, sink Sink, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer r.finish(cancel, done)
	ticker := time.NewTicker(time.Duration(float64(time.Second) / r.fps))
	defer ticker.Stop()

	for i := 0; ; i++ {
		if i == len(files) {
			if !r.loop {
				r.log.Info("replay finished")
				return
			}
			i = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		img, err := decode(files[i])
		if err != nil {
			r.log.Warn("skipping unreadable image", "file", files[i], "err", err)
			continue
		}
		r.mu.Lock()
		r.seq++
		seq := r.seq
		r.mu.Unlock()
		sink(types.Frame{Image: img, Seq: seq, CapturedAt: time.Now()})
	}
}

// finish clears the capture state when run ends on its own, so a finished
// replay can be started again. A concurrent StopCapturing has already taken
// the state and owns the wait.
func (r *Replay) finish(cancel context.CancelFunc, done chan struct{}) {
	r.mu.Lock()
	if r.done == done {
		r.cancel, r.done = nil, nil
	}
	r.mu.Unlock()
	cancel()
}

func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

// StopCapturing implements [Camera]. It waits for the capture goroutine.
func (r *Replay) StopCapturing() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.log.Info("capture stopped")
}

// Release implements [Camera].
func (r *Replay) Release() error {
	r.StopCapturing()
	r.mu.Lock()
	r.released = true
	r.mu.Unlock()
	return nil
}
