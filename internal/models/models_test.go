package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upperTokenizer splits on spaces and upper-cases tokens so that tests can
// tell which tokenizer produced a representation.
type upperTokenizer struct{}

func (*upperTokenizer) Tokenize(text string) []string {
	return strings.Fields(strings.ToUpper(text))
}

func (*upperTokenizer) Detokenize(tokens []string) string {
	return strings.ToLower(strings.Join(tokens, "_"))
}

func TestProcessTypeString(t *testing.T) {
	assert.Equal(t, "training", Training.String())
	assert.Equal(t, "inference", Inference.String())
	assert.Equal(t, "postprocess", Postprocess.String())
	assert.Equal(t, "unknown", ProcessType(42).String())
}

func TestSegmentWithoutTokenizer(t *testing.T) {
	seg := NewSegment("hello  big world", nil)
	assert.Equal(t, []string{"hello", "big", "world"}, seg.Tokens())

	seg.SetTokens([]string{"a", "b"})
	assert.Equal(t, "a b", seg.Detok())

	seg.SetDetok("c d e")
	assert.Equal(t, []string{"c", "d", "e"}, seg.Tokens())
}

func TestSegmentSetTokenizer(t *testing.T) {
	tok := &upperTokenizer{}

	seg := NewSegment("hello world", nil)
	seg.SetTokenizer(tok)
	assert.Equal(t, []string{"HELLO", "WORLD"}, seg.Tokens())
	assert.Equal(t, "hello world", seg.Detok())

	// Switching away materializes the text with the current tokenizer.
	seg = NewTokenizedSegment([]string{"HELLO", "WORLD"}, tok)
	seg.SetTokenizer(nil)
	assert.Equal(t, "hello_world", seg.Detok())
	assert.Equal(t, []string{"hello_world"}, seg.Tokens())
	assert.Nil(t, seg.Tokenizer())
}

func TestSegmentSetSameTokenizerKeepsTokens(t *testing.T) {
	tok := &upperTokenizer{}
	seg := NewTokenizedSegment([]string{"X", "Y"}, tok)
	seg.SetTokenizer(tok)
	assert.Equal(t, []string{"X", "Y"}, seg.Tokens())
}

func TestTranslationUnitTargets(t *testing.T) {
	tu := NewTranslationUnit("source text", map[string]any{"id": 1}, nil)
	assert.Nil(t, tu.MainTarget())

	tu.AddTarget("alt text", "alt", nil)
	assert.Equal(t, "alt text", tu.MainTarget().Detok(), "first target is used when there is no main")

	tu.AddTarget("main text", "", nil)
	tu.AddTargetTokens([]string{"alt", "tokens"}, "alt", nil)

	assert.Equal(t, []string{"alt", MainTarget}, tu.TargetNames())
	assert.Equal(t, "main text", tu.MainTarget().Detok())
	assert.Equal(t, "alt tokens", tu.Target("alt").Detok())
	assert.Nil(t, tu.Target("missing"))
	assert.Len(t, tu.Targets(), 2)
}

func TestTranslationUnitExport(t *testing.T) {
	tok := &upperTokenizer{}

	t.Run("training", func(t *testing.T) {
		tu := NewTranslationUnit("a b", nil, tok)
		tu.AddTarget("c d", "", tok)
		tu.Finalize(Training)
		out := tu.Export(Training)
		assert.Equal(t, "A B", out.Source)
		assert.Equal(t, "C D", out.Target)
	})

	t.Run("inference without target", func(t *testing.T) {
		tu := NewTranslationUnit("a b", "meta", tok)
		out := tu.Export(Inference)
		assert.Equal(t, []string{"A", "B"}, out.SourceTokens)
		assert.Nil(t, out.TargetTokens)
		assert.Equal(t, "meta", out.Metadata)
	})

	t.Run("postprocess", func(t *testing.T) {
		tu := NewTokenizedTranslationUnit([]string{"A"}, nil, tok)
		tu.AddTargetTokens([]string{"X", "Y"}, "", tok)
		tu.Finalize(Postprocess)
		assert.Equal(t, "x_y", tu.Export(Postprocess).Target)
	})
}

func TestLabels(t *testing.T) {
	assert.Nil(t, NewLabels())
	assert.Nil(t, NewLabels(""))
	assert.Equal(t, []string{"a", "b"}, NewLabels("b", "a", "b"))
	assert.Equal(t, LabelKey([]string{"b", "a"}), LabelKey([]string{"a", "b"}))
	assert.Equal(t, "", (*BatchMeta)(nil).LabelKey())
}

func TestBatchMetaAccumulators(t *testing.T) {
	meta := &BatchMeta{}
	meta.AddProfile("tok", time.Second)
	meta.AddProfile("tok", time.Second)
	meta.AddFiltered("filter", 2)
	meta.AddFiltered("filter", 3)
	meta.AddNewTokens("source", "<a>", "<b>", "<a>")

	assert.Equal(t, 2*time.Second, meta.OpsProfile["tok"])
	assert.Equal(t, 5, meta.FilterSummary["filter"])
	assert.Len(t, meta.NewTokens["source"], 2)
}

func TestNewBatch(t *testing.T) {
	b := NewBatch([]*TranslationUnit{NewTranslationUnit("x", nil, nil)}, nil)
	require.NotNil(t, b.Meta)
	assert.Equal(t, 1, b.Len())
}

func TestInputLineJSON(t *testing.T) {
	line := &InputLine{
		Text:       "Hello world",
		Source:     "/data/input.txt",
		Line:       3,
		ReceivedAt: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Attrs:      map[string]any{"format": "text"},
	}
	data, err := line.ToJSON()
	require.NoError(t, err)

	decoded, err := InputLineFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, line.Text, decoded.Text)
	assert.Equal(t, line.Line, decoded.Line)
	assert.True(t, line.ReceivedAt.Equal(decoded.ReceivedAt))

	_, err = InputLineFromJSON([]byte("{invalid"))
	assert.Error(t, err)
}
