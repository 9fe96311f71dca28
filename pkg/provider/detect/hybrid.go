package detect

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/visionvoice/pkg/types"
)

var _ Detector = (*Hybrid)(nil)

// HybridOption configures a [Hybrid].
type HybridOption func(*Hybrid)

// WithRemote adds a remote detector whose results are merged into the local
// ones.
func WithRemote(d Detector) HybridOption {
	return func(h *Hybrid) { h.remote = d }
}

// WithRemoteGate sets a predicate consulted on every frame; the remote
// detector is skipped while it returns false. Default: always use remote.
func WithRemoteGate(fn func() bool) HybridOption {
	return func(h *Hybrid) { h.gate = fn }
}

// WithOverlap sets the IoU at or above which a remote detection duplicates a
// local one of the same class. Default: 0.5.
func WithOverlap(iou float64) HybridOption {
	return func(h *Hybrid) { h.overlap = iou }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) HybridOption {
	return func(h *Hybrid) { h.log = l }
}

// Hybrid runs a local detector and, when enabled, a remote detector
// concurrently and merges their results.
//
// Local results are authoritative. A remote detection with the same ID as a
// local one contributes only attributes the local one lacks. A remote
// detection that overlaps a local one of the same class is dropped. All
// other remote detections are appended. A remote failure is logged and the
// local results are returned alone; a local failure fails the call.
type Hybrid struct {
	local   Detector
	remote  Detector
	gate    func() bool
	overlap float64
	log     *slog.Logger
}

// NewHybrid returns a hybrid detector around local.
func NewHybrid(local Detector, opts ...HybridOption) *Hybrid {
	h := &Hybrid{local: local, overlap: 0.5, log: slog.Default()}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.With("component", "detector")
	return h
}

// Detect implements [Detector].
func (h *Hybrid) Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	if h.remote == nil || (h.gate != nil && !h.gate()) {
		return h.local.Detect(ctx, frame)
	}

	var local, remote []types.Detection
	var remoteErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		local, err = h.local.Detect(gctx, frame)
		if err != nil {
			return fmt.Errorf("detect: local: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Remote errors never cancel the local call.
		remote, remoteErr = h.remote.Detect(gctx, frame)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if remoteErr != nil {
		h.log.Warn("remote detection failed, using local results", "frame", frame.Seq, "err", remoteErr)
		return local, nil
	}
	return Merge(local, remote, h.overlap), nil
}

// Merge combines local and remote detections as described on [Hybrid]. The
// inputs are not modified.
func Merge(local, remote []types.Detection, overlap float64) []types.Detection {
	out := make([]types.Detection, len(local), len(local)+len(remote))
	copy(out, local)
	byID := make(map[int]int, len(local))
	for i, d := range out {
		byID[d.ID] = i
	}

	for _, r := range remote {
		if i, ok := byID[r.ID]; ok && out[i].Class == r.Class {
			out[i].Attributes = mergeAttrs(out[i].Attributes, r.Attributes)
			continue
		}
		if duplicate(out[:len(local)], r, overlap) {
			continue
		}
		if _, taken := byID[r.ID]; taken {
			// Same ID but a different object; keep it out of the tracker's way.
			continue
		}
		byID[r.ID] = len(out)
		out = append(out, r)
	}
	return out
}

func duplicate(local []types.Detection, r types.Detection, overlap float64) bool {
	for _, l := range local {
		if l.Class == r.Class && IoU(l.BBox, r.BBox) >= overlap {
			return true
		}
	}
	return false
}

func mergeAttrs(local, remote map[string]string) map[string]string {
	if len(remote) == 0 {
		return local
	}
	out := maps.Clone(local)
	if out == nil {
		out = make(map[string]string, len(remote))
	}
	for k, v := range remote {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}
