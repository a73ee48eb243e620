package preprocess

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nmtwizard/internal/config"
	nmterrors "nmtwizard/internal/errors"
)

func newInference(t *testing.T, cfg config.Config, postprocess bool) *InferenceProcessor {
	t.Helper()
	p, err := NewInferenceProcessor(cfg, postprocess, zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestInferenceProcessor_Preprocess(t *testing.T) {
	p := newInference(t, testConfig(tokenizationOp()), false)

	res, err := p.Preprocess(Example{Source: "Hello, world!", Metadata: 7})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", "￭,", "world", "￭!"}, res.SourceTokens)
	assert.Nil(t, res.TargetTokens)
	assert.Equal(t, 7, res.Metadata)

	res, err = p.Preprocess(Example{Source: "Hi.", Target: "Hallo", TargetName: "prefix"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hallo"}, res.TargetTokens)
}

func TestInferenceProcessor_Postprocess(t *testing.T) {
	p := newInference(t, testConfig(tokenizationOp()), true)

	text, err := p.Postprocess(Example{
		SourceTokens: []string{"Hello", "￭,", "world", "￭!"},
		TargetTokens: []string{"Hallo", "￭,", "Welt", "￭!"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hallo, Welt!", text)

	text, err = p.Postprocess(Example{SourceTokens: []string{"x"}})
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestInferenceProcessor_WrongDirection(t *testing.T) {
	pre := newInference(t, testConfig(), false)
	_, err := pre.Postprocess(Example{})
	assert.True(t, errors.Is(err, nmterrors.ErrRequestInvalid))

	post := newInference(t, testConfig(), true)
	_, err = post.Preprocess(Example{Source: "x"})
	assert.True(t, errors.Is(err, nmterrors.ErrRequestInvalid))
}

func TestInferenceProcessor_ConfigOverride(t *testing.T) {
	v2 := newInference(t, testConfig(tokenizationOp()), false)
	_, err := v2.Preprocess(Example{Source: "x", Config: config.Config{"source": "fr"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Configuration override is not supported for V2 configurations")

	legacy := newInference(t, config.Config{"source": "en", "target": "de"}, false)
	res, err := legacy.Preprocess(Example{Source: "a b", Config: config.Config{"target": "fr"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.SourceTokens)
	assert.Equal(t, "de", legacy.Config().Target())
}

func TestInferenceProcessor_Options(t *testing.T) {
	cfg := testConfig(map[string]any{"op": "substitute", "source": true}, tokenizationOp())
	p := newInference(t, cfg, false)

	options := map[string]any{"substitute_0": map[string]any{
		"rules": []any{map[string]any{"pattern": "colour", "replacement": "color"}},
	}}
	res, err := p.Preprocess(Example{Source: "colour", Options: options})
	require.NoError(t, err)
	assert.Equal(t, []string{"color"}, res.SourceTokens)

	_, err = p.Preprocess(Example{Source: "x", Options: map[string]any{"tokenization_1": map[string]any{}}})
	assert.True(t, errors.Is(err, nmterrors.ErrOptionsRejected))
}

func TestInferenceProcessor_Concurrent(t *testing.T) {
	p := newInference(t, testConfig(tokenizationOp()), false)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.Preprocess(Example{Source: fmt.Sprintf("item %d.", i)})
			if assert.NoError(t, err) {
				assert.Equal(t, []string{"item", fmt.Sprint(i), "￭."}, res.SourceTokens)
			}
		}(i)
	}
	wg.Wait()
}

func TestInferenceProcessor_ProcessFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "test.en.gz")
	writeLines(t, src, []string{"Hello, world!", "Bye."})

	pre := newInference(t, testConfig(tokenizationOp()), false)
	output, metadata, err := pre.ProcessFile(context.Background(), src, "", []any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "test.en.tok"), output)
	assert.Equal(t, []any{"a", "b"}, metadata)
	assert.Equal(t, []string{"Hello ￭, world ￭!", "Bye ￭."}, readFileLines(t, output))

	tgt := filepath.Join(dir, "test.de")
	writeLines(t, tgt, []string{"Hallo ￭, Welt ￭!", "Tschüss ￭."})
	post := newInference(t, testConfig(tokenizationOp()), true)
	output, _, err = post.ProcessFile(context.Background(), output, tgt, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "test.de.detok"), output)
	assert.Equal(t, []string{"Hallo, Welt!", "Tschüss."}, readFileLines(t, output))

	_, _, err = post.ProcessFile(context.Background(), src, "", nil)
	assert.True(t, errors.Is(err, nmterrors.ErrRequestInvalid))
}

func TestInferenceProcessor_ProcessFileMissing(t *testing.T) {
	pre := newInference(t, testConfig(), false)
	_, _, err := pre.ProcessFile(context.Background(), filepath.Join(t.TempDir(), "missing.en"), "", nil)
	assert.True(t, errors.Is(err, nmterrors.ErrCorpusNotFound))
}
