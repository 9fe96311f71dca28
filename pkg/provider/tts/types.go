package tts

// Voice is one entry of an engine's voice catalogue.
type Voice struct {
	// ID is the engine-specific identifier, usable as VoiceProfile.VoiceID.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Engine names the engine the voice belongs to.
	Engine string

	// Labels holds engine-specific attributes (gender, accent, model).
	Labels map[string]string
}
