package cmd

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
	"nmtwizard/internal/preprocess"
)

// PreprocessOptions holds options for the preprocess and buildvocab commands.
type PreprocessOptions struct {
	CorpusDir string
	DataDir   string
	// Result is preprocess or vocabulary.
	Result     string
	NumWorkers int
	// ExitStep stops the pipeline after this operator index when non-negative.
	ExitStep int
}

// DefaultPreprocessOptions returns the default preprocess options.
func DefaultPreprocessOptions() *PreprocessOptions {
	return &PreprocessOptions{
		Result:     preprocess.ResultPreprocess,
		NumWorkers: preprocess.WorkersFromEnv(),
		ExitStep:   -1,
	}
}

// Validate validates the options.
func (o *PreprocessOptions) Validate() error {
	if o.CorpusDir == "" {
		return nmterrors.NewConfigValidationError("corpus_dir", o.CorpusDir, "--corpus_dir is required")
	}
	if o.DataDir == "" {
		return nmterrors.NewConfigValidationError("data_dir", o.DataDir, "--data_dir is required")
	}
	if o.NumWorkers < 0 {
		return nmterrors.NewConfigValidationError("num_workers", o.NumWorkers, "must be non-negative")
	}
	return nil
}

func (o *PreprocessOptions) exitStep() *int {
	if o.ExitStep < 0 {
		return nil
	}
	return preprocess.Step(o.ExitStep)
}

func (o *PreprocessOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.CorpusDir, "corpus_dir", o.CorpusDir, "directory holding the training corpora")
	cmd.Flags().StringVar(&o.DataDir, "data_dir", o.DataDir, "output directory")
	cmd.Flags().IntVar(&o.NumWorkers, "num_workers", o.NumWorkers, "number of preprocessing workers, 0 runs in process (default $"+preprocess.NumWorkersEnv+")")
}

// preprocessReport is printed by the preprocess command.
type preprocessReport struct {
	DataPath    string                   `json:"data_path"`
	TrainDir    string                   `json:"train_dir"`
	NumSamples  int                      `json:"num_samples"`
	Summary     preprocess.SampleSummary `json:"summary,omitempty"`
	TokensToAdd map[string][]string      `json:"tokens_to_add,omitempty"`
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *PreprocessOptions) trainingProcessor(ctx context.Context, root *RootOptions, logger *zap.Logger) (*preprocess.TrainingProcessor, func(), error) {
	if err := o.Validate(); err != nil {
		return nil, nil, err
	}
	workDir, cleanup, err := root.workDir()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := root.loadConfig(ctx, workDir, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return preprocess.NewTrainingProcessor(cfg, o.CorpusDir, o.DataDir, o.NumWorkers, logger), cleanup, nil
}

// RunPreprocess samples and preprocesses the training corpora.
func RunPreprocess(ctx context.Context, root *RootOptions, opts *PreprocessOptions, out io.Writer) error {
	logger := logging.L().With(zap.String("command", "preprocess"))
	tp, cleanup, err := opts.trainingProcessor(ctx, root, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	data, err := tp.GeneratePreprocessedData(ctx, opts.Result, opts.exitStep())
	if err != nil {
		return err
	}
	return writeJSON(out, &preprocessReport{
		DataPath:    data.DataPath,
		TrainDir:    data.TrainDir,
		NumSamples:  data.NumSamples,
		Summary:     data.Summary,
		TokensToAdd: data.TokensToAdd,
	})
}

// RunBuildVocab builds the vocabularies and prints the updated configuration.
func RunBuildVocab(ctx context.Context, root *RootOptions, opts *PreprocessOptions, out io.Writer) error {
	logger := logging.L().With(zap.String("command", "buildvocab"))
	tp, cleanup, err := opts.trainingProcessor(ctx, root, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := tp.GenerateVocabularies(ctx); err != nil {
		return err
	}
	return writeJSON(out, tp.Config())
}

func newPreprocessCmd(root *RootOptions) *cobra.Command {
	opts := DefaultPreprocessOptions()

	cmd := &cobra.Command{
		Use:   "preprocess",
		Short: "Sample and preprocess training corpora",
		Long: `Sample the corpora of <corpus_dir>/<train_dir> with the data section of the
configuration and write the preprocessed files into <data_dir>/<result>.

Examples:
  nmtwizard --config train.yaml preprocess --corpus_dir /corpus --data_dir /data
  nmtwizard --model ende --model_storage /models preprocess --corpus_dir /corpus --data_dir /data --result vocabulary`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return RunPreprocess(ctx, root, opts, cmd.OutOrStdout())
		},
	}

	opts.addFlags(cmd)
	cmd.Flags().StringVar(&opts.Result, "result", opts.Result, "result kind: preprocess or vocabulary")
	cmd.Flags().IntVar(&opts.ExitStep, "exit_step", opts.ExitStep, "stop after this preprocess operator index (-1 runs all)")
	return cmd
}

func newBuildVocabCmd(root *RootOptions) *cobra.Command {
	opts := DefaultPreprocessOptions()

	cmd := &cobra.Command{
		Use:   "buildvocab",
		Short: "Build vocabularies and print the updated configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return RunBuildVocab(ctx, root, opts, cmd.OutOrStdout())
		},
	}

	opts.addFlags(cmd)
	return cmd
}
