package preprocess

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"nmtwizard/internal/config"
	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
	"nmtwizard/internal/models"
)

// DefaultTrainDir is the corpus sub-directory used without data.train_dir.
const DefaultTrainDir = "train"

// Results produced by GeneratePreprocessedData.
const (
	ResultPreprocess = "preprocess"
	ResultVocabulary = "vocabulary"
	ResultSubword    = "subword"
)

// PreprocessedData describes the output of a training preprocessing run.
type PreprocessedData struct {
	DataPath   string
	TrainDir   string
	NumSamples int
	Summary    SampleSummary
	// TokensToAdd holds the tokens operators registered per side.
	TokensToAdd map[string][]string
}

// GeneratedVocabularies holds the configuration sections updated by
// GenerateVocabularies.
type GeneratedVocabularies struct {
	Preprocess any `json:"preprocess,omitempty"`
	Vocabulary any `json:"vocabulary,omitempty"`
}

// TrainingProcessor samples and preprocesses training corpora.
type TrainingProcessor struct {
	*Processor
	corpusDir string
	dataDir   string
	logger    *zap.Logger
}

// NewTrainingProcessor creates a training processor. The configuration is
// copied since vocabulary generation updates it.
func NewTrainingProcessor(cfg config.Config, corpusDir, dataDir string, numWorkers int, logger *zap.Logger) *TrainingProcessor {
	if logger == nil {
		logger = logging.L()
	}
	return &TrainingProcessor{
		Processor: NewProcessor(cfg.Clone(), models.Training, numWorkers, logger),
		corpusDir: corpusDir,
		dataDir:   dataDir,
		logger:    logger.With(zap.String("component", "training_processor")),
	}
}

// GeneratePreprocessedData samples corpus_dir/<train_dir> and writes the
// result into data_dir/<result>. result selects the consumer: "vocabulary"
// builds vocabularies and anything else writes the preprocessed corpus.
// Without data or preprocess sections the corpus is used as is.
func (t *TrainingProcessor) GeneratePreprocessedData(ctx context.Context, result string, exitStep *int) (*PreprocessedData, error) {
	cfg := t.Config()
	trainDir := DefaultTrainDir
	data := cfg.Data()
	if data != nil {
		if dir := config.String(data, "train_dir"); dir != "" {
			trainDir = dir
		}
	} else {
		t.logger.Warn("data_section_missing", zap.String("train_dir", trainDir))
	}

	out := &PreprocessedData{
		DataPath: filepath.Join(t.corpusDir, trainDir),
		TrainDir: trainDir,
	}
	if data == nil && cfg["preprocess"] == nil {
		return out, nil
	}
	if result == "" {
		result = ResultPreprocess
	}
	if result == ResultSubword {
		return nil, nmterrors.NewUnsupportedError("subword learning")
	}

	resultDir := filepath.Join(t.dataDir, result)
	if err := os.MkdirAll(resultDir, 0755); err != nil {
		return nil, nmterrors.NewStorageWriteError(resultDir, err.Error())
	}

	files, summary, err := Sample(cfg, out.DataPath, t.logger)
	if err != nil {
		return nil, err
	}
	loader := NewSamplerFilesLoader(files, config.Int(data, "batch_size", DefaultBatchSize), t.logger)
	consumer := NewMultiConsumer(NewOpsProfileLogger(t.logger), NewSummaryLogger(t.logger))

	var newTokens *RegisterNewTokens
	switch result {
	case ResultVocabulary:
		step := len(cfg.Preprocess()) - 1
		if exitStep != nil {
			step = *exitStep
		}
		vb, err := NewVocabularyBuilder(cfg, resultDir, step)
		if err != nil {
			return nil, err
		}
		consumer.Add(vb)
	default:
		newTokens = NewRegisterNewTokens()
		consumer.Add(newTokens)
		consumer.Add(NewSamplerFileWriter(cfg, resultDir, summary))
	}

	t.logger.Info("generating_data", logging.Path(resultDir), logging.Count(len(files)))
	if err := t.Process(ctx, loader, consumer, ProcessOptions{ExitStep: exitStep}); err != nil {
		return nil, err
	}
	if err := consumer.Finalize(ctx); err != nil {
		return nil, err
	}

	out.DataPath = resultDir
	out.NumSamples = consumer.NumSamples()
	out.Summary = summary
	if newTokens != nil {
		out.TokensToAdd = newTokens.NewTokens()
	}
	return out, nil
}

type tokConfig struct {
	step   int
	params map[string]any
}

func (t *TrainingProcessor) tokenizationConfigs() []tokConfig {
	var out []tokConfig
	for i, op := range t.Config().Preprocess() {
		if config.String(op, "op") == "tokenization" {
			out = append(out, tokConfig{step: i, params: op})
		}
	}
	return out
}

func (t *TrainingProcessor) validateTokenization(tc tokConfig, final bool) error {
	cfg := t.Config()
	for _, side := range []string{"source", "target", "multi"} {
		sideCfg := config.Section(tc.params, side)
		if sideCfg == nil || sideCfg["build_vocabulary"] == nil {
			continue
		}
		if config.String(sideCfg, "vocabulary_path") != "" {
			return nmterrors.NewVocabularyBuildError(fmt.Sprintf("Cannot build vocabulary if '%s' vocabulary path is already specified.", side))
		}
		if final && cfg.VocabularyPath(side) != "" {
			return nmterrors.NewVocabularyBuildError(fmt.Sprintf("Cannot build vocabulary for final tokenization if '%s' vocabulary path for model is already specified.", side))
		}
		if config.Int(config.Section(sideCfg, "build_vocabulary"), "size", 0) <= 0 {
			return nmterrors.NewVocabularyBuildError(fmt.Sprintf("'size' option is mandatory to build vocabulary for '%s'.", side))
		}
	}
	return nil
}

// generateModels runs the pipeline up to the tokenization at step and feeds
// the result to the builder selected by option ("vocabulary" or "subword").
func (t *TrainingProcessor) generateModels(ctx context.Context, tc tokConfig, option string) error {
	buildOption := "build_" + option
	multi := config.Section(tc.params, "multi")[buildOption] != nil
	source := config.Section(tc.params, "source")[buildOption] != nil
	target := config.Section(tc.params, "target")[buildOption] != nil

	if !multi && !source && !target {
		t.logger.Warn("build_option_missing", zap.String("option", buildOption), zap.Int("step", tc.step))
		return nil
	}
	if multi && (source || target) {
		return nmterrors.NewVocabularyBuildError(fmt.Sprintf("Cannot specify '%s' for both 'multi' and either 'source' or 'target'.", buildOption))
	}
	_, err := t.GeneratePreprocessedData(ctx, option, Step(tc.step))
	return err
}

// GenerateVocabularies builds the vocabularies requested by each tokenization
// operator and records their paths in the configuration. The vocabularies of
// the final tokenization become the model vocabularies.
func (t *TrainingProcessor) GenerateVocabularies(ctx context.Context) (*GeneratedVocabularies, error) {
	cfg := t.Config()
	toks := t.tokenizationConfigs()
	if len(toks) == 0 {
		return nil, nmterrors.NewVocabularyBuildError("No 'tokenization' operator in preprocess configuration, cannot build vocabularies.")
	}

	for i, tc := range toks {
		if _, ok := tc.params["source"]; !ok {
			return nil, nmterrors.NewVocabularyBuildError("Each 'tokenization' operator should contain both 'source' and 'target' fields.")
		}
		if _, ok := tc.params["target"]; !ok {
			return nil, nmterrors.NewVocabularyBuildError("Each 'tokenization' operator should contain both 'source' and 'target' fields.")
		}
		final := i == len(toks)-1
		if err := t.validateTokenization(tc, final); err != nil {
			return nil, err
		}

		if err := t.generateModels(ctx, tc, ResultSubword); err != nil {
			return nil, err
		}
		if err := t.generateModels(ctx, tc, ResultVocabulary); err != nil {
			return nil, err
		}

		if !final {
			continue
		}
		for _, side := range []string{"source", "target"} {
			sideCfg := config.Section(tc.params, side)
			path := config.String(sideCfg, "vocabulary_path")
			if path == "" {
				continue
			}
			vocab := config.Section(cfg, "vocabulary")
			if vocab == nil {
				vocab = map[string]any{}
				cfg["vocabulary"] = vocab
			}
			sideVocab := config.Section(vocab, side)
			if sideVocab == nil {
				sideVocab = map[string]any{}
				vocab[side] = sideVocab
			}
			sideVocab["path"] = path
			if !config.Bool(sideCfg, "use_vocab_in_tok") {
				delete(sideCfg, "vocabulary_path")
			}
		}
	}

	return &GeneratedVocabularies{
		Preprocess: cfg["preprocess"],
		Vocabulary: cfg["vocabulary"],
	}, nil
}
