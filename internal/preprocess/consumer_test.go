package preprocess

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/models"
	"nmtwizard/internal/tokenizer"
)

func collectBatches(t *testing.T, loader Loader) []*models.Batch {
	t.Helper()
	out := make(chan *models.Batch, 100)
	require.NoError(t, loader.Load(context.Background(), out))
	close(out)
	var batches []*models.Batch
	for b := range out {
		batches = append(batches, b)
	}
	return batches
}

func TestFileLoader(t *testing.T) {
	dir := t.TempDir()
	src, tgt := filepath.Join(dir, "a.en"), filepath.Join(dir, "a.de.gz")
	writeLines(t, src, []string{"one", "two", "three"})
	writeLines(t, tgt, []string{"eins", "zwei", "drei"})

	batches := collectBatches(t, NewFileLoader(src, tgt, []any{1, 2}, State{}, 2, false))
	require.Len(t, batches, 2)
	assert.Equal(t, 2, batches[0].Len())
	assert.Equal(t, 1, batches[1].Len())

	last := batches[1].TUs[0]
	assert.Equal(t, "three", last.Source().Detok())
	assert.Equal(t, "drei", last.MainTarget().Detok())
	assert.Nil(t, last.Metadata)
	assert.Equal(t, 2, batches[0].TUs[1].Metadata)
}

func TestFileLoader_Tokenized(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.tok")
	writeLines(t, src, []string{"Hello ￭, world"})

	tok, err := tokenizer.New(tokenizer.Options{Mode: tokenizer.ModeConservative, Joiner: tokenizer.DefaultJoiner, JoinerAnnotate: true})
	require.NoError(t, err)

	batches := collectBatches(t, NewFileLoader(src, "", nil, State{SrcTokenizer: tok}, 0, true))
	require.Len(t, batches, 1)
	tu := batches[0].TUs[0]
	assert.Equal(t, []string{"Hello", "￭,", "world"}, tu.Source().Tokens())
	assert.Equal(t, "Hello, world", tu.Source().Detok())
	assert.Nil(t, tu.MainTarget())
}

func TestFileLoader_ShortTarget(t *testing.T) {
	dir := t.TempDir()
	src, tgt := filepath.Join(dir, "a.en"), filepath.Join(dir, "a.de")
	writeLines(t, src, []string{"one", "two"})
	writeLines(t, tgt, []string{"eins"})

	err := NewFileLoader(src, tgt, nil, State{}, 10, false).Load(context.Background(), make(chan *models.Batch, 10))
	assert.True(t, errors.Is(err, nmterrors.ErrCorpusReadFailed))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSamplerFilesLoader(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, dir, "c", 4, false)
	files := []*SampledFile{
		{Base: "c", SourcePath: filepath.Join(dir, "c.en"), TargetPath: filepath.Join(dir, "c.de"), Lines: 4, Sampled: 6, Pattern: "c", Labels: []string{"news"}},
		{Base: "skipped", Lines: 4, Sampled: 0},
	}

	batches := collectBatches(t, NewSamplerFilesLoader(files, 4, zap.NewNop()))
	require.Len(t, batches, 2)
	assert.Equal(t, 4, batches[0].Len())
	assert.Equal(t, 2, batches[1].Len())
	assert.Equal(t, "c", batches[0].Meta.BaseName)
	assert.Equal(t, []string{"news"}, batches[0].Meta.Labels)
	assert.Equal(t, "c", batches[1].Meta.Pattern)
	assert.NotSame(t, batches[0].Meta, batches[1].Meta)
}

func TestMultiConsumer(t *testing.T) {
	profile := NewOpsProfileLogger(zap.NewNop())
	summary := NewSummaryLogger(zap.NewNop())
	newTokens := NewRegisterNewTokens()
	multi := NewMultiConsumer(profile, summary)
	multi.Add(newTokens)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		meta := &models.BatchMeta{}
		meta.AddProfile("tok", time.Second)
		meta.AddFiltered("filter", 2)
		meta.AddNewTokens("source", "<b>", "<a>")
		require.NoError(t, multi.Consume(ctx, &Result{Outputs: make([]models.Output, 3), Meta: meta}))
	}
	require.NoError(t, multi.Finalize(ctx))

	assert.Equal(t, 6, multi.NumSamples())
	assert.Equal(t, 2*time.Second, profile.Profile()["tok"])
	assert.Equal(t, 4, summary.Summary()["filter"])
	assert.Equal(t, map[string][]string{"source": {"<a>", "<b>"}}, newTokens.NewTokens())
}

func TestFileWriter(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	result := &Result{Outputs: []models.Output{
		{SourceTokens: []string{"a", "￭b"}, Target: "A", Metadata: "m1"},
		{SourceTokens: []string{"c"}, Target: "C", Metadata: nil},
	}}

	pre, err := NewFileWriter(filepath.Join(dir, "out.tok"), false)
	require.NoError(t, err)
	require.NoError(t, pre.Consume(ctx, result))
	require.NoError(t, pre.Close())
	assert.Equal(t, []string{"a ￭b", "c"}, readFileLines(t, filepath.Join(dir, "out.tok")))
	assert.Equal(t, []any{"m1", nil}, pre.Metadata())

	post, err := NewFileWriter(filepath.Join(dir, "out.detok"), true)
	require.NoError(t, err)
	require.NoError(t, post.Consume(ctx, result))
	require.NoError(t, post.Close())
	assert.Equal(t, []string{"A", "C"}, readFileLines(t, filepath.Join(dir, "out.detok")))

	_, err = NewFileWriter(filepath.Join(dir, "missing", "out"), false)
	assert.True(t, errors.Is(err, nmterrors.ErrStorageWriteFailed))
}

func TestVocabularyBuilder_BadStep(t *testing.T) {
	_, err := NewVocabularyBuilder(testConfig(tokenizationOp()), t.TempDir(), 3)
	assert.True(t, errors.Is(err, nmterrors.ErrVocabularyBuild))
}
