// Package tokenizer implements reversible rule-based tokenization.
package tokenizer

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	nmterrors "nmtwizard/internal/errors"
)

// Tokenization modes.
const (
	ModeSpace        = "space"
	ModeConservative = "conservative"
	ModeAggressive   = "aggressive"
)

// DefaultJoiner marks tokens that were attached to their neighbour.
const DefaultJoiner = "￭"

// Options configures a Tokenizer.
type Options struct {
	Mode           string
	Joiner         string
	JoinerAnnotate bool
	SegmentNumbers bool
	Lowercase      bool
}

// Validate checks the options.
func (o Options) Validate() error {
	switch o.Mode {
	case ModeSpace, ModeConservative, ModeAggressive:
	default:
		return nmterrors.NewConfigValidationError("mode", o.Mode, "must be one of space, conservative, aggressive")
	}
	if o.JoinerAnnotate && o.Joiner == "" {
		return nmterrors.NewConfigValidationError("joiner", o.Joiner, "must not be empty when joiner_annotate is set")
	}
	return nil
}

// Key identifies tokenizers with identical behaviour.
func (o Options) Key() string {
	return fmt.Sprintf("%s|%s|%t|%t|%t", o.Mode, o.Joiner, o.JoinerAnnotate, o.SegmentNumbers, o.Lowercase)
}

// FromParams builds options from an operator side configuration. Keys that do
// not concern tokenization are ignored.
func FromParams(params map[string]any) (Options, error) {
	opts := Options{Mode: ModeConservative, Joiner: DefaultJoiner}
	if params == nil {
		return opts, nil
	}
	if v, ok := params["mode"]; ok {
		s, ok := v.(string)
		if !ok {
			return opts, nmterrors.NewConfigValidationError("mode", v, "must be a string")
		}
		opts.Mode = s
	}
	if v, ok := params["joiner"]; ok {
		s, ok := v.(string)
		if !ok {
			return opts, nmterrors.NewConfigValidationError("joiner", v, "must be a string")
		}
		opts.Joiner = s
	}
	for key, dst := range map[string]*bool{
		"joiner_annotate": &opts.JoinerAnnotate,
		"segment_numbers": &opts.SegmentNumbers,
		"lowercase":       &opts.Lowercase,
	} {
		v, ok := params[key]
		if !ok {
			continue
		}
		b, ok := v.(bool)
		if !ok {
			return opts, nmterrors.NewConfigValidationError(key, v, "must be a boolean")
		}
		*dst = b
	}
	return opts, opts.Validate()
}

// Tokenizer splits text into tokens and joins them back.
// A Tokenizer is immutable and safe for concurrent use.
type Tokenizer struct {
	opts Options
}

// New creates a tokenizer.
func New(opts Options) (*Tokenizer, error) {
	if opts.Joiner == "" {
		opts.Joiner = DefaultJoiner
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Tokenizer{opts: opts}, nil
}

// Options returns the tokenizer options.
func (t *Tokenizer) Options() Options {
	return t.opts
}

// Key returns the options key.
func (t *Tokenizer) Key() string {
	return t.opts.Key()
}

type charClass int

const (
	classSpace charClass = iota
	classLetter
	classDigit
	classOther
)

func classify(r rune) charClass {
	switch {
	case unicode.IsSpace(r):
		return classSpace
	case unicode.IsLetter(r) || unicode.IsMark(r):
		return classLetter
	case unicode.IsDigit(r):
		return classDigit
	default:
		return classOther
	}
}

func isInnerSeparator(r rune) bool {
	return r == '-' || r == '.' || r == ','
}

// Tokenize splits text into tokens.
func (t *Tokenizer) Tokenize(text string) []string {
	if t.opts.Lowercase {
		text = strings.ToLower(text)
	}
	words := strings.Fields(text)
	if t.opts.Mode == ModeSpace {
		return words
	}

	tokens := make([]string, 0, len(words))
	for _, word := range words {
		pieces := t.splitWord([]rune(word))
		for i, piece := range pieces {
			if i > 0 && t.opts.JoinerAnnotate {
				piece = t.opts.Joiner + piece
			}
			tokens = append(tokens, piece)
		}
	}
	return tokens
}

func (t *Tokenizer) splitWord(word []rune) []string {
	var (
		pieces  []string
		current []rune
		prev    charClass
	)
	flush := func() {
		if len(current) > 0 {
			pieces = append(pieces, string(current))
			current = current[:0]
		}
	}

	for i, r := range word {
		class := classify(r)
		switch {
		case class == classOther:
			if t.opts.Mode == ModeConservative && isInnerSeparator(r) && len(current) > 0 &&
				i+1 < len(word) && isAlnum(classify(word[i+1])) && isAlnum(prev) {
				current = append(current, r)
				continue
			}
			flush()
			pieces = append(pieces, string(r))
		case class == classDigit && t.opts.SegmentNumbers:
			flush()
			pieces = append(pieces, string(r))
		case len(current) == 0:
			current = append(current, r)
		case t.opts.Mode == ModeAggressive && class != prev:
			flush()
			current = append(current, r)
		default:
			current = append(current, r)
		}
		prev = class
	}
	flush()
	return pieces
}

func isAlnum(c charClass) bool {
	return c == classLetter || c == classDigit
}

// Detokenize joins tokens into text. With joiner annotation the original
// spacing is restored, otherwise tokens are joined with spaces.
func (t *Tokenizer) Detokenize(tokens []string) string {
	if !t.opts.JoinerAnnotate {
		return strings.Join(tokens, " ")
	}
	joiner := t.opts.Joiner
	var b strings.Builder
	attachNext := false
	for i, tok := range tokens {
		attach := attachNext
		if strings.HasPrefix(tok, joiner) {
			attach = true
			tok = strings.TrimPrefix(tok, joiner)
		}
		attachNext = false
		if strings.HasSuffix(tok, joiner) && tok != joiner {
			attachNext = true
			tok = strings.TrimSuffix(tok, joiner)
		}
		if i > 0 && !attach {
			b.WriteByte(' ')
		}
		b.WriteString(tok)
	}
	return b.String()
}

// Vocabulary is an ordered token list.
type Vocabulary struct {
	tokens []string
	counts map[string]int
	index  map[string]int
}

// NewVocabulary builds a vocabulary from ordered tokens.
func NewVocabulary(tokens []string, counts map[string]int) *Vocabulary {
	v := &Vocabulary{
		tokens: tokens,
		counts: make(map[string]int, len(tokens)),
		index:  make(map[string]int, len(tokens)),
	}
	for i, tok := range tokens {
		if _, ok := v.index[tok]; !ok {
			v.index[tok] = i
		}
		if counts != nil {
			v.counts[tok] = counts[tok]
		}
	}
	return v
}

// Size returns the number of tokens.
func (v *Vocabulary) Size() int {
	return len(v.tokens)
}

// Tokens returns the ordered tokens.
func (v *Vocabulary) Tokens() []string {
	return v.tokens
}

// Contains reports whether token is in the vocabulary.
func (v *Vocabulary) Contains(token string) bool {
	_, ok := v.index[token]
	return ok
}

// Count returns the recorded frequency of token.
func (v *Vocabulary) Count(token string) int {
	return v.counts[token]
}

// TopTokens returns at most size tokens ordered by descending frequency.
// Ties are ordered lexicographically.
func TopTokens(counts map[string]int, size int) []string {
	tokens := make([]string, 0, len(counts))
	for tok := range counts {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool {
		ci, cj := counts[tokens[i]], counts[tokens[j]]
		if ci != cj {
			return ci > cj
		}
		return tokens[i] < tokens[j]
	})
	if size > 0 && len(tokens) > size {
		tokens = tokens[:size]
	}
	return tokens
}
