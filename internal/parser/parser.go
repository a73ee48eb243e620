// Package parser turns raw input lines into translation examples.
package parser

import (
	"encoding/json"
	"strings"

	"nmtwizard/internal/models"
)

// Parser defines the interface for input line parsers.
type Parser interface {
	// Name returns the parser name.
	Name() string

	// CanParse returns true if this parser can handle the line.
	CanParse(line string) bool

	// Parse parses a line into an example.
	// Returns the example and true if parsing succeeded.
	Parse(line *models.InputLine) (*models.Example, bool)
}

// Registry holds registered parsers and routes lines to the first one that
// accepts them.
type Registry struct {
	parsers []Parser
}

// NewRegistry creates a registry with the JSON and TSV parsers. Lines no
// parser accepts are translated as plain text.
func NewRegistry() *Registry {
	return &Registry{
		parsers: []Parser{
			NewJSONParser(),
			NewTSVParser(),
		},
	}
}

// Register adds a parser to the registry.
func (r *Registry) Register(p Parser) {
	r.parsers = append([]Parser{p}, r.parsers...) // prepend for priority
}

// Names returns the parser names in priority order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.parsers)+1)
	for _, p := range r.parsers {
		names = append(names, p.Name())
	}
	return append(names, PlainParserName)
}

// Parse tries each parser until one succeeds.
func (r *Registry) Parse(line *models.InputLine) *models.Example {
	for _, p := range r.parsers {
		if p.CanParse(line.Text) {
			if ex, ok := p.Parse(line); ok {
				return ex
			}
		}
	}
	return parsePlain(line)
}

// PlainParserName tags examples built from the raw line.
const PlainParserName = "plain"

func parsePlain(line *models.InputLine) *models.Example {
	setParser(line, PlainParserName)
	return &models.Example{Text: strings.TrimRight(line.Text, "\r")}
}

func setParser(line *models.InputLine, name string) {
	if line.Attrs == nil {
		line.Attrs = make(map[string]any)
	}
	line.Attrs["parser"] = name
}

// JSONParser parses JSON lines shaped like a translate request example.
type JSONParser struct{}

// NewJSONParser creates a new JSON parser.
func NewJSONParser() *JSONParser {
	return &JSONParser{}
}

// Name returns the parser name.
func (p *JSONParser) Name() string {
	return "json"
}

// CanParse checks if the line looks like a JSON object.
func (p *JSONParser) CanParse(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")
}

type jsonExample struct {
	Text         *string        `json:"text"`
	TargetPrefix string         `json:"target_prefix"`
	Options      map[string]any `json:"options"`
	Config       map[string]any `json:"config"`
	Metadata     any            `json:"metadata"`
}

// Parse parses a JSON line. Objects without a string "text" field are
// rejected so that they fall back to plain text.
func (p *JSONParser) Parse(line *models.InputLine) (*models.Example, bool) {
	var raw jsonExample
	if err := json.Unmarshal([]byte(line.Text), &raw); err != nil {
		return nil, false
	}
	if raw.Text == nil {
		return nil, false
	}
	setParser(line, p.Name())
	return &models.Example{
		Text:         *raw.Text,
		TargetPrefix: raw.TargetPrefix,
		Options:      raw.Options,
		Config:       raw.Config,
		Metadata:     raw.Metadata,
	}, true
}

// TSVParser parses "source<TAB>target prefix" lines.
type TSVParser struct{}

// NewTSVParser creates a new TSV parser.
func NewTSVParser() *TSVParser {
	return &TSVParser{}
}

// Name returns the parser name.
func (p *TSVParser) Name() string {
	return "tsv"
}

// CanParse checks if the line has a tab separator.
func (p *TSVParser) CanParse(line string) bool {
	return strings.Contains(line, "\t")
}

// Parse splits the line on the first tab. Further tabs belong to the prefix.
func (p *TSVParser) Parse(line *models.InputLine) (*models.Example, bool) {
	source, prefix, ok := strings.Cut(strings.TrimRight(line.Text, "\r"), "\t")
	if !ok {
		return nil, false
	}
	setParser(line, p.Name())
	return &models.Example{Text: source, TargetPrefix: prefix}, true
}
