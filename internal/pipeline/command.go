package pipeline

import "strings"

// Command is a recognised user command. The set is closed.
type Command int

const (
	CommandUnknown Command = iota
	CommandStart
	CommandStop
	CommandToggleMode
	CommandBatteryQuery
)

func (c Command) String() string {
	switch c {
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	case CommandToggleMode:
		return "toggle_mode"
	case CommandBatteryQuery:
		return "battery"
	default:
		return "unknown"
	}
}

// Keywords maps utterances to commands.
type Keywords struct {
	Start      string
	Stop       string
	ToggleMode string
	Battery    string
}

// DefaultKeywords returns the built-in English keywords.
func DefaultKeywords() Keywords {
	return Keywords{Start: "start", Stop: "stop", ToggleMode: "toggle mode", Battery: "battery"}
}

// Parse matches the trimmed text case-insensitively against the keywords.
// Anything else is [CommandUnknown].
func (k Keywords) Parse(text string) Command {
	t := strings.TrimSpace(text)
	switch {
	case t == "":
		return CommandUnknown
	case strings.EqualFold(t, strings.TrimSpace(k.Start)):
		return CommandStart
	case strings.EqualFold(t, strings.TrimSpace(k.Stop)):
		return CommandStop
	case strings.EqualFold(t, strings.TrimSpace(k.ToggleMode)):
		return CommandToggleMode
	case strings.EqualFold(t, strings.TrimSpace(k.Battery)):
		return CommandBatteryQuery
	}
	return CommandUnknown
}

// ParseCommand parses text with [DefaultKeywords].
func ParseCommand(text string) Command {
	return DefaultKeywords().Parse(text)
}
