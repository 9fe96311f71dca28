// Package narrate turns scene snapshots into short spoken sentences.
//
// A narration has up to three parts, in this order: warnings derived from
// the snapshot's risks, where the detected objects are, and a summary of the
// scene. Verbosity decides which parts are produced:
//
//	1  warnings only
//	2  warnings, object positions, scene type and crowding (default)
//	3  everything, including lighting and activities
//
// Phrases are text/template definitions and can be replaced with
// [WithTemplates], e.g. to localise the output.
package narrate

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/MrWong99/visionvoice/pkg/types"
)

const defaultTemplates = `
{{define "vehicle"}}Warning: Approaching vehicle detected!{{end}}
{{define "moving"}}{{article .}} is moving quickly.{{end}}
{{define "nearby"}}caution, {{list .}} very close.{{end}}
{{define "objects"}}{{list .Objects}} {{.Where}}.{{end}}
{{define "front"}}further ahead{{end}}
{{define "back"}}just ahead{{end}}
{{define "left"}}on your left{{end}}
{{define "right"}}on your right{{end}}
{{define "scene"}}you appear to be at {{article .}}.{{end}}
{{define "crowded"}}the area is crowded.{{end}}
{{define "low_light"}}lighting is poor.{{end}}
{{define "overexposed"}}the view is very bright.{{end}}
{{define "activity"}}{{article .Class}} is {{.Action}}.{{end}}
`

// Vehicle classes trigger the approaching-vehicle warning when moving fast.
var vehicles = []string{"bicycle", "bus", "car", "motorcycle", "train", "truck"}

// Direction order used when describing object positions.
var directions = []types.Direction{types.DirFront, types.DirLeft, types.DirRight, types.DirBack}

// Option configures a [Narrator].
type Option func(*Narrator)

// WithVerbosity sets the verbosity level (1-3). Default: 2.
func WithVerbosity(v int) Option {
	return func(n *Narrator) { n.verbosity = v }
}

// WithTemplates redefines some or all phrases. src holds {{define}} blocks
// named like the built-in ones.
func WithTemplates(src string) Option {
	return func(n *Narrator) { n.custom = src }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(n *Narrator) { n.log = l }
}

// Narrator renders scene snapshots. It is safe for concurrent use.
type Narrator struct {
	tmpl      *template.Template
	verbosity int
	custom    string
	log       *slog.Logger
}

// New parses the phrase templates and returns a Narrator.
func New(opts ...Option) (*Narrator, error) {
	n := &Narrator{verbosity: 2, log: slog.Default()}
	for _, o := range opts {
		o(n)
	}
	if n.verbosity < 1 || n.verbosity > 3 {
		return nil, fmt.Errorf("narrate: verbosity %d is out of range [1, 3]", n.verbosity)
	}
	n.log = n.log.With("component", "narrator")

	t, err := template.New("narration").Funcs(template.FuncMap{
		"article": article,
		"list":    list,
	}).Parse(defaultTemplates)
	if err != nil {
		return nil, fmt.Errorf("narrate: parse templates: %w", err)
	}
	if n.custom != "" {
		if t, err = t.Parse(n.custom); err != nil {
			return nil, fmt.Errorf("narrate: parse custom templates: %w", err)
		}
	}
	n.tmpl = t
	return n, nil
}

// Generate returns the narration for s, or "" when there is nothing worth
// saying.
func (n *Narrator) Generate(s types.SceneSnapshot) string {
	var parts []string
	add := func(name string, data any) {
		if out := n.render(name, data); out != "" {
			parts = append(parts, capitalize(out))
		}
	}

	n.warnings(s, add)
	if n.verbosity >= 2 {
		n.positions(s, add)
		if s.SceneType != "" && s.SceneType != "unknown" {
			add("scene", s.SceneType)
		}
		if s.Social == "crowded" {
			add("crowded", nil)
		}
	}
	if n.verbosity >= 3 {
		if s.Lighting == "low_light" || s.Lighting == "overexposed" {
			add(s.Lighting, nil)
		}
		for _, a := range s.Active {
			add("activity", a)
		}
	}
	return strings.Join(parts, " ")
}

func (n *Narrator) render(name string, data any) string {
	var b strings.Builder
	if err := n.tmpl.ExecuteTemplate(&b, name, data); err != nil {
		n.log.Warn("narration template failed", "template", name, "err", err)
		return ""
	}
	return strings.TrimSpace(b.String())
}

func (n *Narrator) warnings(s types.SceneSnapshot, add func(string, any)) {
	var moving, nearby []string
	vehicle := false
	for _, r := range s.Risks {
		switch {
		case strings.HasPrefix(r, "fast_moving_"):
			class := strings.TrimPrefix(r, "fast_moving_")
			if slices.Contains(vehicles, class) {
				vehicle = true
			} else {
				moving = append(moving, class)
			}
		case strings.HasPrefix(r, "nearby_"):
			nearby = append(nearby, strings.TrimPrefix(r, "nearby_"))
		}
	}
	if vehicle {
		add("vehicle", nil)
	}
	if len(nearby) > 0 {
		add("nearby", counted(nearby))
	}
	if n.verbosity >= 2 {
		for _, c := range moving {
			add("moving", c)
		}
	}
}

type placement struct {
	Objects []string
	Where   string
}

func (n *Narrator) positions(s types.SceneSnapshot, add func(string, any)) {
	for _, dir := range directions {
		classes := s.Relations[dir]
		if len(classes) == 0 {
			continue
		}
		add("objects", placement{Objects: counted(classes), Where: n.render(string(dir), nil)})
	}
}

// counted groups equal classes: [car person car] -> ["2 cars", "a person"],
// in order of first appearance.
func counted(classes []string) []string {
	var order []string
	n := map[string]int{}
	for _, c := range classes {
		if n[c] == 0 {
			order = append(order, c)
		}
		n[c]++
	}
	out := make([]string, len(order))
	for i, c := range order {
		if n[c] == 1 {
			out[i] = article(c)
		} else {
			out[i] = strconv.Itoa(n[c]) + " " + plural(human(c))
		}
	}
	return out
}

func human(class string) string {
	return strings.ReplaceAll(class, "_", " ")
}

// article prefixes a humanised class with "a" or "an".
func article(class string) string {
	h := human(class)
	if h == "" {
		return h
	}
	if strings.ContainsRune("aeiou", rune(h[0])) {
		return "an " + h
	}
	return "a " + h
}

func plural(s string) string {
	switch {
	case s == "person":
		return "people"
	case strings.HasSuffix(s, "s"), strings.HasSuffix(s, "sh"), strings.HasSuffix(s, "ch"):
		return s + "es"
	default:
		return s + "s"
	}
}

// list joins items as "a, b and c".
func list(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}

// capitalize upper-cases the first word's initial letter.
func capitalize(s string) string {
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		i = len(s)
	}
	return cases.Title(language.English, cases.NoLower).String(s[:i]) + s[i:]
}
