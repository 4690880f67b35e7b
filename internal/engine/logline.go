package engine

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Entry is a structured log line: "[ts] [LEVEL] [PHASE] message - {json}".
// Phase and Details are optional.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Phase     string         `json:"phase,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// FormatLine renders an entry in the engine's log line format.
func FormatLine(ts time.Time, level, phase, message string, details map[string]any) string {
	var b strings.Builder
	b.WriteString("[" + ts.UTC().Format("2006-01-02T15:04:05.000000") + "] ")
	b.WriteString("[" + strings.ToUpper(level) + "] ")
	if phase != "" {
		b.WriteString("[" + strings.ToUpper(phase) + "] ")
	}
	b.WriteString(message)
	if len(details) > 0 {
		if js, err := json.Marshal(details); err == nil {
			b.WriteString(" - ")
			b.Write(js)
		}
	}
	return b.String()
}

var lineRe = regexp.MustCompile(`^\[([^\]]+)\]\s+\[([A-Z]+)\]\s+(?:\[([A-Z_]+)\]\s+)?(.*)$`)

// ParseLine parses a structured line. Lines that do not match the format come
// back as INFO entries carrying the raw text.
func ParseLine(line string) Entry {
	line = strings.TrimRight(line, "\r\n")
	m := lineRe.FindStringSubmatch(line)
	if m == nil {
		return Entry{Level: "INFO", Message: line}
	}
	e := Entry{Timestamp: m[1], Level: m[2], Phase: strings.ToLower(m[3]), Message: m[4]}
	if i := strings.LastIndex(e.Message, " - {"); i >= 0 {
		var details map[string]any
		if err := json.Unmarshal([]byte(e.Message[i+3:]), &details); err == nil {
			e.Details = details
			e.Message = e.Message[:i]
		}
	}
	return e
}

var (
	ansiRe       = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
	boxRe        = regexp.MustCompile(`[│╵╷╭╮╰╯┌┐└┘├┤┬┴┼─]`)
	spaceRe      = regexp.MustCompile(`[ \t]+`)
	blankLinesRe = regexp.MustCompile(`\n\s*\n`)
)

// StripANSI removes terminal color codes and box drawing from terraform output.
func StripANSI(s string) string {
	if s == "" {
		return s
	}
	s = ansiRe.ReplaceAllString(s, "")
	s = boxRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	s = blankLinesRe.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}
