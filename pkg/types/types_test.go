package types

import (
	"image"
	"testing"
)

func TestResolution(t *testing.T) {
	t.Parallel()

	r := Resolution{Width: 1280, Height: 720}
	if got := r.String(); got != "1280x720" {
		t.Errorf("String() = %q", got)
	}
	if got := r.Pixels(); got != 921600 {
		t.Errorf("Pixels() = %d", got)
	}
}

func TestFrame_Center(t *testing.T) {
	t.Parallel()

	f := Frame{Image: image.NewGray(image.Rect(0, 0, 200, 100))}
	if got := f.Center(); got != (Point{X: 100, Y: 50}) {
		t.Errorf("Center() = %+v", got)
	}
	if got := (Frame{}).Center(); got != (Point{}) {
		t.Errorf("Center() without image = %+v", got)
	}
}

func TestBBox_Centroid(t *testing.T) {
	t.Parallel()

	b := BBox{X1: 10, Y1: 20, X2: 30, Y2: 60}
	c := b.Centroid()
	if c != (Point{X: 20, Y: 40}) {
		t.Errorf("Centroid() = %+v", c)
	}
	if d := c.Dist(Point{X: 23, Y: 44}); d != 5 {
		t.Errorf("Dist = %v, want 5", d)
	}
}

func TestSceneSnapshot_Priority(t *testing.T) {
	t.Parallel()

	if p := (SceneSnapshot{}).Priority(); p != PriorityRoutine {
		t.Errorf("no risks: priority %d", p)
	}
	if p := (SceneSnapshot{Risks: []string{"nearby_person"}}).Priority(); p != PriorityRisk {
		t.Errorf("with risks: priority %d", p)
	}
}

func TestAlertLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level  AlertLevel
		urgent bool
		valid  bool
	}{
		{AlertInfo, false, true},
		{AlertWarning, false, true},
		{AlertError, false, true},
		{AlertHigh, true, true},
		{AlertCritical, true, true},
		{"DEBUG", false, false},
	}
	for _, tt := range tests {
		if got := tt.level.Urgent(); got != tt.urgent {
			t.Errorf("%s.Urgent() = %v", tt.level, got)
		}
		if got := tt.level.IsValid(); got != tt.valid {
			t.Errorf("%s.IsValid() = %v", tt.level, got)
		}
	}
}
