package eventbus

import (
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/visionvoice/pkg/types"
)

// Type tags an [Event]. The set is closed; see the Type constants.
type Type string

const (
	FrameCaptured      Type = "frame_captured"
	ImagePreprocessed  Type = "image_preprocessed"
	ObjectsDetected    Type = "objects_detected"
	SceneAnalyzed      Type = "scene_analyzed"
	NarrationGenerated Type = "narration_generated"
	AudioSynthesized   Type = "audio_synthesized"
	UserCommand        Type = "user_command"
	SystemAlert        Type = "system_alert"
	LowPowerMode       Type = "low_power_mode"
)

// IsValid reports whether t is one of the known event types.
func (t Type) IsValid() bool {
	switch t {
	case FrameCaptured, ImagePreprocessed, ObjectsDetected, SceneAnalyzed,
		NarrationGenerated, AudioSynthesized, UserCommand, SystemAlert, LowPowerMode:
		return true
	}
	return false
}

// Payload is the typed body of an [Event]. Each event type uses exactly one
// payload struct. Payloads are values and must not be mutated after publish.
type Payload interface {
	payload()
}

// FramePayload carries a captured or preprocessed frame.
type FramePayload struct {
	Frame types.Frame
}

// ObjectsPayload carries the detections for a frame.
type ObjectsPayload struct {
	FrameSeq   uint64
	Detections []types.Detection
}

// ScenePayload carries a completed scene analysis.
type ScenePayload struct {
	Snapshot types.SceneSnapshot
}

// NarrationPayload carries text that was handed to the speech scheduler.
type NarrationPayload struct {
	Text     string
	Priority int
}

// AudioPayload reports a finished synthesis.
type AudioPayload struct {
	Engine string
	Bytes  int
	Cached bool
}

// CommandPayload carries a raw user command utterance.
type CommandPayload struct {
	Text string
}

// AlertPayload carries a system alert.
type AlertPayload struct {
	Level   types.AlertLevel
	Message string
	Source  string
}

// PowerPayload reports a power-state transition.
type PowerPayload struct {
	Enabled        bool
	BatteryPercent int
}

func (FramePayload) payload()     {}
func (ObjectsPayload) payload()   {}
func (ScenePayload) payload()     {}
func (NarrationPayload) payload() {}
func (AudioPayload) payload()     {}
func (CommandPayload) payload()   {}
func (AlertPayload) payload()     {}
func (PowerPayload) payload()     {}

// Event is an immutable message routed by the [Bus].
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Source    string
	Payload   Payload

	// Priority is the dispatch priority the event was published with. The
	// bus sets it; a value given by the publisher is overwritten.
	Priority int
}

// NewEvent builds an event with a fresh ID and the current time.
func NewEvent(t Type, source string, p Payload) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   p,
	}
}

// NewFrameEvent wraps a captured frame.
func NewFrameEvent(source string, f types.Frame) Event {
	return NewEvent(FrameCaptured, source, FramePayload{Frame: f})
}

// NewAlertEvent builds a system alert.
func NewAlertEvent(source string, level types.AlertLevel, msg string) Event {
	return NewEvent(SystemAlert, source, AlertPayload{Level: level, Message: msg, Source: source})
}

// NewCommandEvent wraps a user command utterance.
func NewCommandEvent(source, text string) Event {
	return NewEvent(UserCommand, source, CommandPayload{Text: text})
}
