// Package scene turns per-frame detections into a scene description.
//
// A [Tracker] keeps a short position history for every object id the
// detector reports and derives, on each analysis cycle, a scene label from
// configured class rules, risk tags (fast moving or nearby objects), spatial
// buckets relative to the frame centre, and activity signals for objects
// carrying a semantic action.
//
// Tracks are evicted the first cycle their id is missing; there is no grace
// window. All exported methods serialise on one mutex, so the tracker is safe
// to share, but it is designed for a single analysing goroutine.
package scene

import (
	"image"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/visionvoice/pkg/types"
)

// Scene labels and context values.
const (
	Unknown = "unknown"

	SocialCrowded = "crowded"
	SocialNormal  = "normal"

	LightingLow         = "low_light"
	LightingOverexposed = "overexposed"
	LightingNormal      = "normal"
)

// Option configures a [Tracker].
type Option func(*Tracker)

// WithClock overrides the time source used to stamp track samples.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

type sample struct {
	pos types.Point
	at  time.Time
}

type track struct {
	id      int
	class   string
	history []sample
	attrs   map[string]string
}

// TrackInfo is a read-only copy of one track.
type TrackInfo struct {
	ID         int
	Class      string
	History    []types.Point
	Attributes map[string]string
}

// Tracker maintains object tracks and analyses scenes.
type Tracker struct {
	cfg Config
	now func() time.Time
	log *slog.Logger

	mu     sync.Mutex
	tracks map[int]*track
}

// New creates a Tracker. Zero fields in cfg take their defaults.
func New(cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		log:    slog.Default(),
		tracks: make(map[int]*track),
	}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.With("component", "scene")
	return t
}

// Analyze runs one full analysis cycle: it updates the tracks with dets and
// computes every scene signal against frame.
func (t *Tracker) Analyze(dets []types.Detection, frame types.Frame) types.SceneSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.update(dets)
	snap := types.SceneSnapshot{
		SceneType: t.classify(dets),
		Risks:     t.risks(dets, frame),
		Relations: t.relations(dets, frame),
		Active:    t.activities(),
		Social:    t.social(),
		Lighting:  Lighting(frame.Image),
		Objects:   slices.Clone(dets),
		Timestamp: t.now(),
	}
	t.log.Debug("scene analyzed",
		"scene", snap.SceneType,
		"risks", snap.Risks,
		"tracks", len(t.tracks),
		"frame_seq", frame.Seq,
	)
	return snap
}

// Update upserts a track for every detection and then deletes every track
// whose id is absent from dets.
func (t *Tracker) Update(dets []types.Detection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.update(dets)
}

func (t *Tracker) update(dets []types.Detection) {
	now := t.now()
	seen := make(map[int]struct{}, len(dets))
	for _, d := range dets {
		tr, ok := t.tracks[d.ID]
		if !ok {
			tr = &track{
				id:      d.ID,
				class:   d.Class,
				history: make([]sample, 0, t.cfg.ContextWindow),
				attrs:   make(map[string]string, len(d.Attributes)),
			}
			t.tracks[d.ID] = tr
		}
		maps.Copy(tr.attrs, d.Attributes)
		if len(tr.history) == t.cfg.ContextWindow {
			tr.history = append(tr.history[:0], tr.history[1:]...)
		}
		tr.history = append(tr.history, sample{pos: d.BBox.Centroid(), at: now})
		seen[d.ID] = struct{}{}
	}
	for id := range t.tracks {
		if _, ok := seen[id]; !ok {
			delete(t.tracks, id)
		}
	}
}

// ClassifyScene returns the name of the first rule matched by the classes in
// dets, or "unknown".
func (t *Tracker) ClassifyScene(dets []types.Detection) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.classify(dets)
}

func (t *Tracker) classify(dets []types.Detection) string {
	present := make(map[string]struct{}, len(dets))
	for _, d := range dets {
		present[d.Class] = struct{}{}
	}
	has := func(c string) bool { _, ok := present[c]; return ok }

	for _, r := range t.cfg.Rules {
		if !all(r.Required, has) {
			continue
		}
		if len(r.Optional) == 0 || slices.ContainsFunc(r.Optional, has) {
			return r.Name
		}
	}
	return Unknown
}

func all(classes []string, has func(string) bool) bool {
	for _, c := range classes {
		if !has(c) {
			return false
		}
	}
	return true
}

// AssessRisks returns the sorted, de-duplicated risk tags: fast_moving_<class>
// for every track faster than the speed threshold and nearby_<class> for
// every detection closer to the frame centre than the distance threshold.
func (t *Tracker) AssessRisks(dets []types.Detection, frame types.Frame) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.risks(dets, frame)
}

func (t *Tracker) risks(dets []types.Detection, frame types.Frame) []string {
	tags := make(map[string]struct{})
	for _, tr := range t.tracks {
		if tr.speed() > t.cfg.SpeedThreshold {
			tags["fast_moving_"+tr.class] = struct{}{}
		}
	}
	center := frame.Center()
	for _, d := range dets {
		if d.BBox.Centroid().Dist(center) < t.cfg.DistanceThreshold {
			tags["nearby_"+d.Class] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(tags))
}

// speed is the displacement between the oldest and newest sample divided by
// the elapsed time, in px/s. Fewer than two samples or no elapsed time
// yields zero.
func (tr *track) speed() float64 {
	if len(tr.history) < 2 {
		return 0
	}
	first, last := tr.history[0], tr.history[len(tr.history)-1]
	dt := last.at.Sub(first.at).Seconds()
	if dt <= 0 {
		return 0
	}
	return last.pos.Dist(first.pos) / dt
}

// SpatialRelations buckets each detection's class by its offset from the
// frame centre. A detection may land in one horizontal and one vertical
// bucket. Smaller y is in front of the user. Empty buckets are omitted.
func (t *Tracker) SpatialRelations(dets []types.Detection, frame types.Frame) map[types.Direction][]string {
	return t.relations(dets, frame)
}

func (t *Tracker) relations(dets []types.Detection, frame types.Frame) map[types.Direction][]string {
	center := frame.Center()
	rel := make(map[types.Direction][]string)
	for _, d := range dets {
		c := d.BBox.Centroid()
		switch dx := c.X - center.X; {
		case dx < -t.cfg.HorizontalOffset:
			rel[types.DirLeft] = append(rel[types.DirLeft], d.Class)
		case dx > t.cfg.HorizontalOffset:
			rel[types.DirRight] = append(rel[types.DirRight], d.Class)
		}
		switch dy := c.Y - center.Y; {
		case dy < -t.cfg.VerticalOffset:
			rel[types.DirFront] = append(rel[types.DirFront], d.Class)
		case dy > t.cfg.VerticalOffset:
			rel[types.DirBack] = append(rel[types.DirBack], d.Class)
		}
	}
	return rel
}

// DetectActivities reports every track with at least two samples and an
// "action" attribute, ordered by id. Intensity is the mean of the per-axis
// population variance of the track's positions.
func (t *Tracker) DetectActivities() []types.Activity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activities()
}

func (t *Tracker) activities() []types.Activity {
	var out []types.Activity
	for _, tr := range t.tracks {
		if len(tr.history) < 2 {
			continue
		}
		action, ok := tr.attrs["action"]
		if !ok {
			continue
		}
		out = append(out, types.Activity{
			ID:        tr.id,
			Class:     tr.class,
			Action:    action,
			Intensity: tr.variance(),
		})
	}
	slices.SortFunc(out, func(a, b types.Activity) int { return a.ID - b.ID })
	return out
}

func (tr *track) variance() float64 {
	n := float64(len(tr.history))
	var mx, my float64
	for _, s := range tr.history {
		mx += s.pos.X
		my += s.pos.Y
	}
	mx /= n
	my /= n
	var vx, vy float64
	for _, s := range tr.history {
		vx += (s.pos.X - mx) * (s.pos.X - mx)
		vy += (s.pos.Y - my) * (s.pos.Y - my)
	}
	return (vx/n + vy/n) / 2
}

// SocialContext returns "crowded" when more than the crowd threshold of
// person tracks exist, otherwise "normal".
func (t *Tracker) SocialContext() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.social()
}

func (t *Tracker) social() string {
	persons := 0
	for _, tr := range t.tracks {
		if tr.class == "person" {
			persons++
		}
	}
	if persons > t.cfg.CrowdThreshold {
		return SocialCrowded
	}
	return SocialNormal
}

// PredictNext extrapolates the next position of track id linearly from its
// last two samples. Tracks with fewer than three samples report their last
// position. The boolean is false when no such track exists.
func (t *Tracker) PredictNext(id int) (types.Point, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.tracks[id]
	if !ok || len(tr.history) == 0 {
		return types.Point{}, false
	}
	last := tr.history[len(tr.history)-1].pos
	if len(tr.history) < 3 {
		return last, true
	}
	prev := tr.history[len(tr.history)-2].pos
	return types.Point{X: 2*last.X - prev.X, Y: 2*last.Y - prev.Y}, true
}

// Track returns a copy of track id.
func (t *Tracker) Track(id int) (TrackInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.tracks[id]
	if !ok {
		return TrackInfo{}, false
	}
	info := TrackInfo{
		ID:         tr.id,
		Class:      tr.class,
		History:    make([]types.Point, len(tr.history)),
		Attributes: maps.Clone(tr.attrs),
	}
	for i, s := range tr.history {
		info.History[i] = s.pos
	}
	return info, true
}

// Len returns the number of live tracks.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracks)
}

// SetRules replaces the classification rules. Nil restores the defaults.
func (t *Tracker) SetRules(rules []Rule) {
	if rules == nil {
		rules = DefaultRules()
	}
	t.mu.Lock()
	t.cfg.Rules = slices.Clone(rules)
	t.mu.Unlock()
	t.log.Info("scene rules updated", "rules", ruleNames(rules))
}

func ruleNames(rules []Rule) []string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name
	}
	return names
}

// Lighting classifies the mean luma of img: below 50 is low light, above 200
// is overexposed. A nil image is reported as normal.
func Lighting(img image.Image) string {
	if img == nil {
		return LightingNormal
	}
	b := img.Bounds()
	if b.Empty() {
		return LightingNormal
	}
	// Sample a grid; full-resolution frames do not need every pixel.
	step := max(1, min(b.Dx(), b.Dy())/64)
	var sum, n float64
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			r, g, bl, _ := img.At(x, y).RGBA()
			sum += (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 257
			n++
		}
	}
	switch avg := sum / n; {
	case avg < 50:
		return LightingLow
	case avg > 200:
		return LightingOverexposed
	default:
		return LightingNormal
	}
}
