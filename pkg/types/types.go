// Package types defines the value types shared across visionvoice packages.
//
// These types are passed between the camera, detectors, the scene tracker, the
// narrator and the speech scheduler. Each package keeps its own domain types;
// only data that crosses package boundaries lives here to avoid import cycles.
package types

import (
	"image"
	"math"
	"strconv"
	"time"
)

// Frame is a single captured camera image.
type Frame struct {
	// Image holds the pixel data. Preprocessing may replace it with a resized copy.
	Image image.Image

	// Seq is the capture sequence number assigned by the camera.
	Seq uint64

	// CapturedAt marks when the frame left the camera.
	CapturedAt time.Time
}

// Center returns the frame-center reference point, which is assumed to be the
// user's position. A frame without an image yields the origin.
func (f Frame) Center() Point {
	if f.Image == nil {
		return Point{}
	}
	b := f.Image.Bounds()
	return Point{
		X: float64(b.Min.X + b.Dx()/2),
		Y: float64(b.Min.Y + b.Dy()/2),
	}
}

// Resolution is a working image size in pixels.
type Resolution struct {
	Width  int `yaml:"width"  json:"width"`
	Height int `yaml:"height" json:"height"`
}

// Pixels returns Width*Height.
func (r Resolution) Pixels() int { return r.Width * r.Height }

func (r Resolution) String() string { return strconv.Itoa(r.Width) + "x" + strconv.Itoa(r.Height) }

// Point is a position in image coordinates. Y grows downwards.
type Point struct {
	X float64
	Y float64
}

// Dist returns the Euclidean distance between p and q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// BBox is an axis-aligned bounding box given by its top-left (X1,Y1) and
// bottom-right (X2,Y2) corners.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Centroid returns the centre of the box.
func (b BBox) Centroid() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Detection is one recognised object instance in a frame.
type Detection struct {
	// ID is a stable per-object identifier assigned by the detector's tracker.
	ID int `json:"id"`

	// Class is the object label, e.g. "person" or "traffic_light".
	Class string `json:"class"`

	// Confidence is the detector score in [0,1]. Zero when not reported.
	Confidence float64 `json:"confidence,omitempty"`

	// BBox locates the object in the frame.
	BBox BBox `json:"bbox"`

	// Attributes carries free-form detector output. The "action" key, when
	// present, names a semantic activity such as "walking".
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Direction is a spatial-relation bucket relative to the frame centre.
type Direction string

const (
	DirLeft  Direction = "left"
	DirRight Direction = "right"
	DirFront Direction = "front"
	DirBack  Direction = "back"
)

// Activity describes a tracked object carrying a semantic action.
type Activity struct {
	ID     int
	Class  string
	Action string

	// Intensity is the mean positional variance of the track's recent centroids.
	Intensity float64
}

// SceneSnapshot is the full result of one analysis cycle.
type SceneSnapshot struct {
	SceneType string
	Risks     []string
	Relations map[Direction][]string
	Active    []Activity

	// Social is "crowded" when many people are tracked, otherwise "normal".
	Social string

	// Lighting is "low_light", "overexposed" or "normal".
	Lighting string

	// Objects are the detections the snapshot was computed from.
	Objects []Detection

	Timestamp time.Time
}

// Narration priorities derived from a snapshot.
const (
	PriorityRoutine = 1
	PriorityRisk    = 3
)

// Priority returns the speech priority for narrating s: [PriorityRisk] when
// any risk was detected, otherwise [PriorityRoutine].
func (s SceneSnapshot) Priority() int {
	if len(s.Risks) > 0 {
		return PriorityRisk
	}
	return PriorityRoutine
}

// VoiceProfile configures speech synthesis. It is replaced wholesale on update.
type VoiceProfile struct {
	VoiceID string  `yaml:"voice_id" json:"voice_id"`
	Speed   float64 `yaml:"speed"    json:"speed"`
	Pitch   float64 `yaml:"pitch"    json:"pitch"`
	Emotion string  `yaml:"emotion"  json:"emotion"`
}

// DefaultVoiceProfile returns the profile used when none is configured.
func DefaultVoiceProfile() VoiceProfile {
	return VoiceProfile{
		VoiceID: "female_02",
		Speed:   1.0,
		Pitch:   0.0,
		Emotion: "neutral",
	}
}

// AlertLevel is the severity of a system alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertError    AlertLevel = "ERROR"
	AlertHigh     AlertLevel = "HIGH"
	AlertCritical AlertLevel = "CRITICAL"
)

// Urgent reports whether alerts of this level must be spoken immediately.
func (l AlertLevel) Urgent() bool {
	return l == AlertHigh || l == AlertCritical
}

// IsValid reports whether l is a recognised alert level.
func (l AlertLevel) IsValid() bool {
	switch l {
	case AlertInfo, AlertWarning, AlertError, AlertHigh, AlertCritical:
		return true
	}
	return false
}
