package preprocess

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nmtwizard/internal/config"
	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/tokenizer"
)

func spaceTokenization(source, target map[string]any) map[string]any {
	src := map[string]any{"mode": "space"}
	tgt := map[string]any{"mode": "space"}
	for k, v := range source {
		src[k] = v
	}
	for k, v := range target {
		tgt[k] = v
	}
	return map[string]any{"op": "tokenization", "source": src, "target": tgt}
}

func readFileLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestGeneratePreprocessedData(t *testing.T) {
	corpusDir, dataDir := t.TempDir(), t.TempDir()
	writeCorpus(t, filepath.Join(corpusDir, "train"), "europarl", 10, false)
	writeLines(t, filepath.Join(corpusDir, "train", "long.en"), []string{"a b c d e f", "short"})
	writeLines(t, filepath.Join(corpusDir, "train", "long.de"), []string{"x", "kurz"})

	cfg := testConfig(
		map[string]any{"op": "length_filter", "source": map[string]any{"max_words": 4.0}},
		spaceTokenization(map[string]any{"add_tokens": []any{"<tag>"}}, nil),
	)
	cfg["data"] = map[string]any{"sample_dist": []any{[]any{"*", 1.0}}, "batch_size": 3.0}

	for _, workers := range []int{0, 2} {
		tp := NewTrainingProcessor(cfg, corpusDir, dataDir, workers, zap.NewNop())
		data, err := tp.GeneratePreprocessedData(context.Background(), "", nil)
		require.NoError(t, err)

		assert.Equal(t, filepath.Join(dataDir, "preprocess"), data.DataPath)
		assert.Equal(t, "train", data.TrainDir)
		assert.Equal(t, 11, data.NumSamples)
		assert.Equal(t, 1, data.Summary["long"].Filtered)
		assert.Equal(t, 0, data.Summary["europarl"].Filtered)
		assert.Equal(t, map[string][]string{"source": {"<tag>"}}, data.TokensToAdd)

		src := readFileLines(t, filepath.Join(data.DataPath, "europarl.en"))
		require.Len(t, src, 10)
		assert.Equal(t, "europarl source 0", src[0])
		assert.Equal(t, []string{"short"}, readFileLines(t, filepath.Join(data.DataPath, "long.en")))
		assert.Equal(t, []string{"kurz"}, readFileLines(t, filepath.Join(data.DataPath, "long.de")))
	}
}

func TestGeneratePreprocessedData_SentenceWeights(t *testing.T) {
	corpusDir, dataDir := t.TempDir(), t.TempDir()
	writeCorpus(t, filepath.Join(corpusDir, "train"), "big", 20, false)
	writeCorpus(t, filepath.Join(corpusDir, "train"), "small", 2, false)

	cfg := testConfig(spaceTokenization(nil, nil))
	cfg["data"] = map[string]any{
		"sample":                             20.0,
		"sample_dist":                        []any{[]any{"big", 1.0}, []any{"small", 1.0}},
		"oversample_with_sentence_weighting": true,
	}
	tp := NewTrainingProcessor(cfg, corpusDir, dataDir, 0, zap.NewNop())
	data, err := tp.GeneratePreprocessedData(context.Background(), ResultPreprocess, nil)
	require.NoError(t, err)

	assert.Equal(t, 12, data.NumSamples)
	assert.Len(t, readFileLines(t, filepath.Join(data.DataPath, "small.en")), 2)
	assert.Equal(t, []string{"5", "5"}, readFileLines(t, filepath.Join(data.DataPath, "small.weights")))
	bigWeights := readFileLines(t, filepath.Join(data.DataPath, "big.weights"))
	require.Len(t, bigWeights, 10)
	assert.Equal(t, "1", bigWeights[0])
}

func TestGeneratePreprocessedData_NoProcessing(t *testing.T) {
	corpusDir := t.TempDir()
	cfg := config.Config{"source": "en", "target": "de"}
	tp := NewTrainingProcessor(cfg, corpusDir, t.TempDir(), 0, zap.NewNop())

	data, err := tp.GeneratePreprocessedData(context.Background(), ResultPreprocess, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(corpusDir, DefaultTrainDir), data.DataPath)
	assert.Zero(t, data.NumSamples)
	assert.Nil(t, data.Summary)
}

func TestGeneratePreprocessedData_CustomTrainDir(t *testing.T) {
	corpusDir, dataDir := t.TempDir(), t.TempDir()
	writeCorpus(t, filepath.Join(corpusDir, "parallel"), "c", 3, true)

	cfg := testConfig()
	cfg["data"] = map[string]any{"train_dir": "parallel", "sample": 6.0}
	tp := NewTrainingProcessor(cfg, corpusDir, dataDir, 0, zap.NewNop())

	data, err := tp.GeneratePreprocessedData(context.Background(), ResultPreprocess, nil)
	require.NoError(t, err)
	assert.Equal(t, "parallel", data.TrainDir)
	assert.Equal(t, 6, data.NumSamples)
	assert.Len(t, readFileLines(t, filepath.Join(data.DataPath, "c.de")), 6)
}

func TestGenerateVocabularies(t *testing.T) {
	corpusDir, dataDir := t.TempDir(), t.TempDir()
	writeCorpus(t, filepath.Join(corpusDir, "train"), "europarl", 10, false)

	cfg := testConfig(spaceTokenization(
		map[string]any{"build_vocabulary": map[string]any{"size": 3.0}},
		map[string]any{"build_vocabulary": map[string]any{"size": 2.0}, "use_vocab_in_tok": true},
	))
	tp := NewTrainingProcessor(cfg, corpusDir, dataDir, 0, zap.NewNop())

	result, err := tp.GenerateVocabularies(context.Background())
	require.NoError(t, err)

	vocab, ok := result.Vocabulary.(map[string]any)
	require.True(t, ok)
	srcPath := vocab["source"].(map[string]any)["path"].(string)
	tgtPath := vocab["target"].(map[string]any)["path"].(string)
	assert.Equal(t, filepath.Join(dataDir, "vocabulary", "vocab-en-3.txt"), srcPath)

	src, err := tokenizer.LoadVocabulary(srcPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"europarl", "source", "0"}, src.Tokens())
	tgt, err := tokenizer.LoadVocabulary(tgtPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"europarl", "target"}, tgt.Tokens())

	ops := config.OperatorList(result.Preprocess)
	require.Len(t, ops, 1)
	assert.NotContains(t, config.Section(ops[0], "source"), "vocabulary_path")
	assert.Equal(t, tgtPath, config.Section(ops[0], "target")["vocabulary_path"])

	// The input configuration is not modified.
	assert.Nil(t, cfg["vocabulary"])
}

func TestGenerateVocabularies_Multi(t *testing.T) {
	corpusDir, dataDir := t.TempDir(), t.TempDir()
	writeCorpus(t, filepath.Join(corpusDir, "train"), "europarl", 10, false)

	op := spaceTokenization(nil, nil)
	op["multi"] = map[string]any{"build_vocabulary": map[string]any{"size": 3.0, "min_frequency": 10.0}}
	tp := NewTrainingProcessor(testConfig(op), corpusDir, dataDir, 0, zap.NewNop())

	result, err := tp.GenerateVocabularies(context.Background())
	require.NoError(t, err)
	vocab := result.Vocabulary.(map[string]any)
	srcPath := vocab["source"].(map[string]any)["path"].(string)
	assert.Equal(t, srcPath, vocab["target"].(map[string]any)["path"])

	joint, err := tokenizer.LoadVocabulary(srcPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"europarl", "source", "target"}, joint.Tokens())
}

func TestGenerateVocabularies_Errors(t *testing.T) {
	size := map[string]any{"build_vocabulary": map[string]any{"size": 10.0}}

	multiConflict := spaceTokenization(size, nil)
	multiConflict["multi"] = size

	modelVocab := testConfig(spaceTokenization(size, nil))
	modelVocab["vocabulary"] = map[string]any{"source": map[string]any{"path": "/model/vocab"}}

	tests := []struct {
		name     string
		cfg      config.Config
		expected error
		message  string
	}{
		{"no tokenization", testConfig(map[string]any{"op": "noop"}), nmterrors.ErrVocabularyBuild, "No 'tokenization' operator"},
		{
			"missing side",
			testConfig(map[string]any{"op": "tokenization", "source": map[string]any{}}),
			nmterrors.ErrVocabularyBuild,
			"should contain both 'source' and 'target'",
		},
		{
			"vocabulary path set",
			testConfig(spaceTokenization(map[string]any{"build_vocabulary": map[string]any{"size": 10.0}, "vocabulary_path": "/v"}, nil)),
			nmterrors.ErrVocabularyBuild,
			"vocabulary path is already specified",
		},
		{"model vocabulary set", modelVocab, nmterrors.ErrVocabularyBuild, "vocabulary path for model is already specified"},
		{
			"missing size",
			testConfig(spaceTokenization(nil, map[string]any{"build_vocabulary": map[string]any{}})),
			nmterrors.ErrVocabularyBuild,
			"'size' option is mandatory to build vocabulary for 'target'",
		},
		{"multi conflict", testConfig(multiConflict), nmterrors.ErrVocabularyBuild, "for both 'multi' and either"},
		{
			"subword",
			testConfig(spaceTokenization(map[string]any{"build_subword": map[string]any{"type": "bpe"}}, nil)),
			nmterrors.ErrUnsupported,
			"subword",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			corpusDir := t.TempDir()
			writeCorpus(t, filepath.Join(corpusDir, "train"), "c", 2, false)
			tp := NewTrainingProcessor(tt.cfg, corpusDir, t.TempDir(), 0, zap.NewNop())

			_, err := tp.GenerateVocabularies(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.expected), "got %v", err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}
