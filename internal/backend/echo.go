package backend

import "context"

// EchoTranslator returns the target prefix, or the source tokens when there
// is none, as the single hypothesis of each input.
type EchoTranslator struct{}

// NewEchoTranslator creates an EchoTranslator.
func NewEchoTranslator() *EchoTranslator {
	return &EchoTranslator{}
}

// Translate implements Translator.
func (EchoTranslator) Translate(ctx context.Context, inputs []*TranslationInput, _ Options) ([][]Hypothesis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]Hypothesis, len(inputs))
	for i, in := range inputs {
		tokens := in.Tokens
		if len(in.TargetPrefix) > 0 {
			tokens = in.TargetPrefix
		}
		out[i] = []Hypothesis{{Tokens: append([]string(nil), tokens...)}}
	}
	return out, nil
}

// Ready implements Translator.
func (EchoTranslator) Ready(context.Context) error { return nil }

// Close implements Translator.
func (EchoTranslator) Close() error { return nil }
