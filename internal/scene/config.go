package scene

// Rule labels a scene when its class-membership predicate holds: every
// Required class is present and, when Optional is non-empty, at least one
// Optional class is present.
type Rule struct {
	Name     string   `yaml:"name"`
	Required []string `yaml:"required"`
	Optional []string `yaml:"optional,omitempty"`
}

// DefaultRules returns the built-in rule set, evaluated in order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "crosswalk", Required: []string{"person", "traffic_light"}},
		{Name: "office", Required: []string{"chair", "computer"}, Optional: []string{"desk", "book"}},
	}
}

// Config holds the tracker thresholds. Zero fields take the defaults from
// [DefaultConfig].
type Config struct {
	// ContextWindow caps each track's history. Default: 5.
	ContextWindow int

	// Rules are evaluated in declaration order. Nil means [DefaultRules];
	// an empty non-nil slice classifies everything as "unknown".
	Rules []Rule

	// SpeedThreshold in px/s above which a track is fast moving. Default: 0.5.
	SpeedThreshold float64

	// DistanceThreshold in px from frame centre below which an object is
	// nearby. Default: 200.
	DistanceThreshold float64

	// HorizontalOffset in px beyond which an object is left or right of
	// centre. Default: 100.
	HorizontalOffset float64

	// VerticalOffset in px beyond which an object is in front or behind.
	// Default: 50.
	VerticalOffset float64

	// CrowdThreshold is the person count above which the scene is crowded.
	// Default: 5.
	CrowdThreshold int
}

// DefaultConfig returns the stock thresholds and rules.
func DefaultConfig() Config {
	return Config{
		ContextWindow:     5,
		Rules:             DefaultRules(),
		SpeedThreshold:    0.5,
		DistanceThreshold: 200,
		HorizontalOffset:  100,
		VerticalOffset:    50,
		CrowdThreshold:    5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ContextWindow <= 0 {
		c.ContextWindow = d.ContextWindow
	}
	if c.Rules == nil {
		c.Rules = d.Rules
	}
	if c.SpeedThreshold <= 0 {
		c.SpeedThreshold = d.SpeedThreshold
	}
	if c.DistanceThreshold <= 0 {
		c.DistanceThreshold = d.DistanceThreshold
	}
	if c.HorizontalOffset <= 0 {
		c.HorizontalOffset = d.HorizontalOffset
	}
	if c.VerticalOffset <= 0 {
		c.VerticalOffset = d.VerticalOffset
	}
	if c.CrowdThreshold <= 0 {
		c.CrowdThreshold = d.CrowdThreshold
	}
	return c
}
