package scene

import (
	"image"
	"image/color"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/visionvoice/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTracker(cfg Config) (*Tracker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(cfg, WithClock(clk.Now)), clk
}

// frame640 is a 640x480 frame with its centre at (320, 240).
func frame640() types.Frame {
	return types.Frame{Image: image.NewGray(image.Rect(0, 0, 640, 480))}
}

// det returns a detection with a 10x10 box centred on (x, y).
func det(id int, class string, x, y float64) types.Detection {
	return types.Detection{ID: id, Class: class, BBox: types.BBox{X1: x - 5, Y1: y - 5, X2: x + 5, Y2: y + 5}}
}

func TestUpdate_HistoryCappedAtContextWindow(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(Config{ContextWindow: 3})
	for i := range 5 {
		tr.Update([]types.Detection{det(1, "car", float64(i), 0)})
	}

	info, ok := tr.Track(1)
	if !ok {
		t.Fatal("track 1 missing")
	}
	want := []types.Point{{X: 2}, {X: 3}, {X: 4}}
	if !slices.Equal(info.History, want) {
		t.Errorf("history = %v, want %v", info.History, want)
	}
}

func TestUpdate_EvictsAbsentTracksImmediately(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(Config{})
	tr.Update([]types.Detection{det(1, "person", 0, 0), det(2, "dog", 0, 0)})
	tr.Update([]types.Detection{det(2, "dog", 1, 1)})

	if _, ok := tr.Track(1); ok {
		t.Error("track 1 survived a missed cycle")
	}
	if tr.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tr.Len())
	}

	tr.Update(nil)
	if tr.Len() != 0 {
		t.Errorf("Len() = %d after empty update, want 0", tr.Len())
	}
}

func TestUpdate_MergesAttributes(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(Config{})
	d := det(7, "person", 0, 0)
	d.Attributes = map[string]string{"action": "walking", "color": "red"}
	tr.Update([]types.Detection{d})

	d.Attributes = map[string]string{"action": "running"}
	tr.Update([]types.Detection{d})

	info, _ := tr.Track(7)
	if info.Attributes["action"] != "running" || info.Attributes["color"] != "red" {
		t.Errorf("attributes = %v, want merged", info.Attributes)
	}
}

func TestAssessRisks_ConstantVelocitySpeed(t *testing.T) {
	t.Parallel()

	// 3-4-5 triangle: 5 px per 100ms = 50 px/s.
	tr, clk := newTracker(Config{SpeedThreshold: 49.9})
	for i := range 5 {
		if i > 0 {
			clk.Advance(100 * time.Millisecond)
		}
		tr.Update([]types.Detection{det(1, "bicycle", 1000+3*float64(i), 1000+4*float64(i))})
	}

	tr.mu.Lock()
	speed := tr.tracks[1].speed()
	tr.mu.Unlock()
	if math.Abs(speed-50) > 1e-9 {
		t.Errorf("speed = %v, want 50", speed)
	}

	risks := tr.AssessRisks(nil, frame640())
	if !slices.Equal(risks, []string{"fast_moving_bicycle"}) {
		t.Errorf("risks = %v", risks)
	}
}

func TestAssessRisks_SingleSampleIsNotFast(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(Config{})
	tr.Update([]types.Detection{det(1, "car", 1000, 1000)})
	if risks := tr.AssessRisks(nil, frame640()); len(risks) != 0 {
		t.Errorf("risks = %v, want none", risks)
	}
}

func TestAssessRisks_Nearby(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		x, y float64
		want bool
	}{
		{"at centre", 320, 240, true},
		{"just inside", 320 + 199.9, 240, true},
		{"on threshold", 320 + 200, 240, false},
		{"outside", 320, 240 + 230, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr, _ := newTracker(Config{})
			dets := []types.Detection{det(1, "chair", tt.x, tt.y)}
			tr.Update(dets)

			got := slices.Contains(tr.AssessRisks(dets, frame640()), "nearby_chair")
			if got != tt.want {
				t.Errorf("nearby_chair = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAssessRisks_DeduplicatedAndSorted(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(Config{})
	dets := []types.Detection{det(1, "person", 320, 240), det(2, "person", 330, 250), det(3, "dog", 310, 240)}
	tr.Update(dets)

	got := tr.AssessRisks(dets, frame640())
	if !slices.Equal(got, []string{"nearby_dog", "nearby_person"}) {
		t.Errorf("risks = %v", got)
	}
}

func TestClassifyScene(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rules   []Rule
		classes []string
		want    string
	}{
		{
			name:    "required only",
			rules:   []Rule{{Name: "crosswalk", Required: []string{"person", "traffic_light"}}},
			classes: []string{"person", "traffic_light"},
			want:    "crosswalk",
		},
		{
			name:    "missing required",
			rules:   []Rule{{Name: "office", Required: []string{"chair", "computer"}}},
			classes: []string{"chair"},
			want:    Unknown,
		},
		{
			name:    "optional present",
			rules:   DefaultRules(),
			classes: []string{"chair", "computer", "book"},
			want:    "office",
		},
		{
			name:    "optional absent",
			rules:   DefaultRules(),
			classes: []string{"chair", "computer"},
			want:    Unknown,
		},
		{
			name: "first match wins",
			rules: []Rule{
				{Name: "street", Required: []string{"car"}},
				{Name: "parking", Required: []string{"car"}},
			},
			classes: []string{"car"},
			want:    "street",
		},
		{
			name:    "no rules",
			rules:   []Rule{},
			classes: []string{"car"},
			want:    Unknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr, _ := newTracker(Config{Rules: tt.rules})
			var dets []types.Detection
			for i, c := range tt.classes {
				dets = append(dets, det(i, c, 0, 0))
			}
			if got := tr.ClassifyScene(dets); got != tt.want {
				t.Errorf("ClassifyScene = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSpatialRelations(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(Config{})
	dets := []types.Detection{
		det(1, "car", 100, 240),    // left
		det(2, "bus", 500, 240),    // right
		det(3, "dog", 320, 100),    // front
		det(4, "cat", 320, 400),    // back
		det(5, "bike", 500, 100),   // right + front
		det(6, "person", 380, 270), // within both offsets
	}
	got := tr.SpatialRelations(dets, frame640())
	want := map[types.Direction][]string{
		types.DirLeft:  {"car"},
		types.DirRight: {"bus", "bike"},
		types.DirFront: {"dog", "bike"},
		types.DirBack:  {"cat"},
	}
	if len(got) != len(want) {
		t.Fatalf("relations = %v, want %v", got, want)
	}
	for dir, classes := range want {
		if !slices.Equal(got[dir], classes) {
			t.Errorf("%s = %v, want %v", dir, got[dir], classes)
		}
	}
}

func TestDetectActivities(t *testing.T) {
	t.Parallel()

	tr, clk := newTracker(Config{})
	walker := det(2, "person", 0, 0)
	walker.Attributes = map[string]string{"action": "walking"}
	still := det(1, "person", 50, 50)

	tr.Update([]types.Detection{walker, still})
	if got := tr.DetectActivities(); len(got) != 0 {
		t.Fatalf("single sample produced activities: %v", got)
	}

	clk.Advance(time.Second)
	walker.BBox = types.BBox{X1: -5, Y1: 5, X2: 5, Y2: 15} // centroid (0, 10)
	walker.Attributes = nil
	tr.Update([]types.Detection{walker, still})

	got := tr.DetectActivities()
	if len(got) != 1 {
		t.Fatalf("activities = %v, want only the walker", got)
	}
	a := got[0]
	// y samples {0, 10}: variance 25; x variance 0; mean 12.5.
	if a.ID != 2 || a.Action != "walking" || a.Class != "person" || a.Intensity != 12.5 {
		t.Errorf("activity = %+v", a)
	}
}

func TestSocialContext(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(Config{})
	var dets []types.Detection
	for i := range 5 {
		dets = append(dets, det(i, "person", 0, 0))
	}
	tr.Update(dets)
	if got := tr.SocialContext(); got != SocialNormal {
		t.Errorf("5 persons = %q, want normal", got)
	}

	tr.Update(append(dets, det(99, "person", 0, 0)))
	if got := tr.SocialContext(); got != SocialCrowded {
		t.Errorf("6 persons = %q, want crowded", got)
	}
}

func TestPredictNext(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(Config{})
	if _, ok := tr.PredictNext(1); ok {
		t.Error("PredictNext on unknown track returned ok")
	}

	tr.Update([]types.Detection{det(1, "car", 10, 10)})
	tr.Update([]types.Detection{det(1, "car", 20, 15)})
	if p, _ := tr.PredictNext(1); p != (types.Point{X: 20, Y: 15}) {
		t.Errorf("two samples: got %v, want last position", p)
	}

	tr.Update([]types.Detection{det(1, "car", 30, 20)})
	if p, _ := tr.PredictNext(1); p != (types.Point{X: 40, Y: 25}) {
		t.Errorf("three samples: got %v, want (40,25)", p)
	}
}

func TestLighting(t *testing.T) {
	t.Parallel()

	solid := func(v uint8) image.Image {
		img := image.NewRGBA(image.Rect(0, 0, 32, 32))
		for y := range 32 {
			for x := range 32 {
				img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
			}
		}
		return img
	}
	tests := []struct {
		name string
		img  image.Image
		want string
	}{
		{"dark", solid(20), LightingLow},
		{"bright", solid(240), LightingOverexposed},
		{"normal", solid(128), LightingNormal},
		{"nil", nil, LightingNormal},
	}
	for _, tt := range tests {
		if got := Lighting(tt.img); got != tt.want {
			t.Errorf("%s: Lighting = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestAnalyze(t *testing.T) {
	t.Parallel()

	tr, clk := newTracker(Config{})
	dets := []types.Detection{det(1, "person", 320, 240), det(2, "traffic_light", 600, 40)}
	snap := tr.Analyze(dets, frame640())

	if snap.SceneType != "crosswalk" {
		t.Errorf("scene = %q", snap.SceneType)
	}
	if !slices.Equal(snap.Risks, []string{"nearby_person"}) {
		t.Errorf("risks = %v", snap.Risks)
	}
	if !slices.Equal(snap.Relations[types.DirRight], []string{"traffic_light"}) {
		t.Errorf("relations = %v", snap.Relations)
	}
	if snap.Social != SocialNormal || snap.Lighting != LightingLow {
		t.Errorf("social = %q, lighting = %q", snap.Social, snap.Lighting)
	}
	if !snap.Timestamp.Equal(clk.Now()) {
		t.Errorf("timestamp = %v", snap.Timestamp)
	}
	if snap.Priority() != types.PriorityRisk {
		t.Errorf("priority = %d, want %d", snap.Priority(), types.PriorityRisk)
	}
	if len(snap.Objects) != 2 {
		t.Errorf("objects = %d, want 2", len(snap.Objects))
	}
}

func TestSetRules(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(Config{})
	dets := []types.Detection{det(1, "car", 0, 0)}
	tr.SetRules([]Rule{{Name: "street", Required: []string{"car"}}})
	if got := tr.ClassifyScene(dets); got != "street" {
		t.Errorf("after SetRules = %q, want street", got)
	}
	tr.SetRules(nil)
	if got := tr.ClassifyScene(dets); got != Unknown {
		t.Errorf("after reset = %q, want unknown", got)
	}
}
