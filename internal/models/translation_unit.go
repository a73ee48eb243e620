// Package models defines the core data structures shared by the preprocessing
// pipeline, the translation service and the streaming commands.
package models

import (
	"strings"
)

// ProcessType selects the pipeline flavour.
type ProcessType int

const (
	// Training processes parallel corpora before training.
	Training ProcessType = iota
	// Inference preprocesses examples before translation.
	Inference
	// Postprocess turns translated tokens back into text.
	Postprocess
)

// String returns the process type name.
func (p ProcessType) String() string {
	switch p {
	case Training:
		return "training"
	case Inference:
		return "inference"
	case Postprocess:
		return "postprocess"
	default:
		return "unknown"
	}
}

// Tokenizer converts between text and tokens.
type Tokenizer interface {
	Tokenize(text string) []string
	Detokenize(tokens []string) string
}

// Segment is one side of a translation unit. It holds a text, a token list
// or both, and the tokenizer relating them. Missing representations are
// computed on demand.
type Segment struct {
	text      string
	hasText   bool
	tokens    []string
	hasTokens bool
	tokenizer Tokenizer
}

// NewSegment creates a segment from text.
func NewSegment(text string, tok Tokenizer) *Segment {
	return &Segment{text: text, hasText: true, tokenizer: tok}
}

// NewTokenizedSegment creates a segment from tokens.
func NewTokenizedSegment(tokens []string, tok Tokenizer) *Segment {
	return &Segment{tokens: tokens, hasTokens: true, tokenizer: tok}
}

// Tokenizer returns the current tokenizer, possibly nil.
func (s *Segment) Tokenizer() Tokenizer {
	return s.tokenizer
}

// Detok returns the segment text.
func (s *Segment) Detok() string {
	if !s.hasText {
		if s.tokenizer != nil {
			s.text = s.tokenizer.Detokenize(s.tokens)
		} else {
			s.text = strings.Join(s.tokens, " ")
		}
		s.hasText = true
	}
	return s.text
}

// Tokens returns the segment tokens.
func (s *Segment) Tokens() []string {
	if !s.hasTokens {
		if s.tokenizer != nil {
			s.tokens = s.tokenizer.Tokenize(s.text)
		} else {
			s.tokens = strings.Fields(s.text)
		}
		s.hasTokens = true
	}
	return s.tokens
}

// SetDetok replaces the text and invalidates the tokens.
func (s *Segment) SetDetok(text string) {
	s.text = text
	s.hasText = true
	s.tokens = nil
	s.hasTokens = false
}

// SetTokens replaces the tokens and invalidates the text.
func (s *Segment) SetTokens(tokens []string) {
	s.tokens = tokens
	s.hasTokens = true
	s.text = ""
	s.hasText = false
}

// SetTokenizer switches the tokenizer. The text is materialized with the
// previous tokenizer first, so tokens are recomputed with the new one.
func (s *Segment) SetTokenizer(tok Tokenizer) {
	if tok == s.tokenizer {
		return
	}
	s.Detok()
	s.tokenizer = tok
	s.tokens = nil
	s.hasTokens = false
}

// MainTarget is the default target name.
const MainTarget = "main"

// TranslationUnit is a source segment with zero or more named targets.
type TranslationUnit struct {
	source      *Segment
	targetNames []string
	targets     map[string]*Segment
	Metadata    any
}

// NewTranslationUnit creates a TU from source text.
func NewTranslationUnit(source string, metadata any, tok Tokenizer) *TranslationUnit {
	return &TranslationUnit{
		source:   NewSegment(source, tok),
		targets:  make(map[string]*Segment),
		Metadata: metadata,
	}
}

// NewTokenizedTranslationUnit creates a TU from source tokens.
func NewTokenizedTranslationUnit(tokens []string, metadata any, tok Tokenizer) *TranslationUnit {
	return &TranslationUnit{
		source:   NewTokenizedSegment(tokens, tok),
		targets:  make(map[string]*Segment),
		Metadata: metadata,
	}
}

func (tu *TranslationUnit) setTarget(name string, seg *Segment) {
	if name == "" {
		name = MainTarget
	}
	if _, ok := tu.targets[name]; !ok {
		tu.targetNames = append(tu.targetNames, name)
	}
	tu.targets[name] = seg
}

// AddTarget adds or replaces a target from text. An empty name means MainTarget.
func (tu *TranslationUnit) AddTarget(text string, name string, tok Tokenizer) {
	tu.setTarget(name, NewSegment(text, tok))
}

// AddTargetTokens adds or replaces a target from tokens.
func (tu *TranslationUnit) AddTargetTokens(tokens []string, name string, tok Tokenizer) {
	tu.setTarget(name, NewTokenizedSegment(tokens, tok))
}

// Source returns the source segment.
func (tu *TranslationUnit) Source() *Segment {
	return tu.source
}

// Target returns the named target, or nil.
func (tu *TranslationUnit) Target(name string) *Segment {
	return tu.targets[name]
}

// MainTarget returns the main target, or the first target when there is no
// target named MainTarget.
func (tu *TranslationUnit) MainTarget() *Segment {
	if seg, ok := tu.targets[MainTarget]; ok {
		return seg
	}
	if len(tu.targetNames) > 0 {
		return tu.targets[tu.targetNames[0]]
	}
	return nil
}

// TargetNames returns target names in insertion order.
func (tu *TranslationUnit) TargetNames() []string {
	return tu.targetNames
}

// Targets returns target segments in insertion order.
func (tu *TranslationUnit) Targets() []*Segment {
	out := make([]*Segment, 0, len(tu.targetNames))
	for _, name := range tu.targetNames {
		out = append(out, tu.targets[name])
	}
	return out
}

// Finalize materializes the representation the process type exports.
func (tu *TranslationUnit) Finalize(pt ProcessType) {
	switch pt {
	case Postprocess:
		for _, seg := range tu.Targets() {
			seg.Detok()
		}
	default:
		tu.source.Tokens()
		for _, seg := range tu.Targets() {
			seg.Tokens()
		}
	}
}

// Output is the exported form of a TU.
type Output struct {
	// Source and Target hold space-joined tokens in training and the target
	// text in postprocess.
	Source string
	Target string
	// SourceTokens and TargetTokens are set in inference. TargetTokens is nil
	// when the TU has no target.
	SourceTokens []string
	TargetTokens []string
	Metadata     any
}

// Export returns the TU output for the process type.
func (tu *TranslationUnit) Export(pt ProcessType) Output {
	out := Output{Metadata: tu.Metadata}
	target := tu.MainTarget()
	switch pt {
	case Training:
		out.Source = strings.Join(tu.source.Tokens(), " ")
		if target != nil {
			out.Target = strings.Join(target.Tokens(), " ")
		}
	case Inference:
		out.SourceTokens = tu.source.Tokens()
		if target != nil {
			out.TargetTokens = target.Tokens()
		}
	case Postprocess:
		if target != nil {
			out.Target = target.Detok()
		}
	}
	return out
}
