package models

import (
	"encoding/json"
	"time"
)

// InputLine is a raw line read by an ingestion source before it is parsed
// into a translation example.
type InputLine struct {
	// Text is the line content without the trailing newline
	Text string `json:"text"`

	// Source identifies where the line came from (file path, stdin)
	Source string `json:"source"`

	// Line is the 1-based line number within the source
	Line int `json:"line"`

	// ReceivedAt is when the line was read
	ReceivedAt time.Time `json:"received_at"`

	// Attrs contains additional attributes set by sources and parsers
	Attrs map[string]any `json:"attrs,omitempty"`
}

// ToJSON serializes the line to JSON bytes.
func (l *InputLine) ToJSON() ([]byte, error) {
	return json.Marshal(l)
}

// InputLineFromJSON deserializes an InputLine from JSON bytes.
func InputLineFromJSON(data []byte) (*InputLine, error) {
	var line InputLine
	if err := json.Unmarshal(data, &line); err != nil {
		return nil, err
	}
	return &line, nil
}

// Example is a translation request item.
type Example struct {
	// Text is the source text
	Text string `json:"text"`

	// TargetPrefix is an optional target text the translation must start with
	TargetPrefix string `json:"target_prefix,omitempty"`

	// Options holds per-operator runtime options keyed by operator name
	Options map[string]any `json:"options,omitempty"`

	// Config is an optional configuration override for this example
	Config map[string]any `json:"config,omitempty"`

	// Metadata is returned untouched with the translation
	Metadata any `json:"metadata,omitempty"`
}

// Translation is one postprocessed hypothesis.
type Translation struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// TranslationResult pairs an example with its hypotheses.
type TranslationResult struct {
	Source       string        `json:"source"`
	Line         int           `json:"line,omitempty"`
	Translations []Translation `json:"translations"`
	Error        string        `json:"error,omitempty"`
}
