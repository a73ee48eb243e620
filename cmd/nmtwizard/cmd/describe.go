package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nmtwizard/internal/config"
	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
	"nmtwizard/internal/preprocess"
)

// DescribeOptions holds options for the describe command.
type DescribeOptions struct {
	Format string
}

// DefaultDescribeOptions returns the default describe options.
func DefaultDescribeOptions() *DescribeOptions {
	return &DescribeOptions{Format: "table"}
}

// OperatorRow describes one operator of a resolved pipeline.
type OperatorRow struct {
	Process       string `json:"process"`
	Step          int    `json:"step"`
	Name          string `json:"name"`
	AcceptOptions bool   `json:"accept_options"`
}

// DescribePipelines builds the inference and postprocess pipelines of cfg
// and lists their operators.
func DescribePipelines(cfg config.Config, logger *zap.Logger) ([]OperatorRow, error) {
	var rows []OperatorRow
	for _, post := range []bool{false, true} {
		p, err := preprocess.NewInferenceProcessor(cfg, post, logger)
		if err != nil {
			return nil, err
		}
		pipeline := p.Pipeline()
		for i, op := range pipeline.Operators() {
			rows = append(rows, OperatorRow{
				Process:       pipeline.ProcessType().String(),
				Step:          i,
				Name:          op.Name(),
				AcceptOptions: op.AcceptOptions(),
			})
		}
	}
	return rows, nil
}

// RenderOperators writes rows as a table.
func RenderOperators(w io.Writer, rows []OperatorRow) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Process", "Step", "Operator", "Options"})
	for _, r := range rows {
		t.AppendRow(table.Row{r.Process, r.Step, r.Name, r.AcceptOptions})
	}
	t.Render()
}

// RunDescribe prints the operators of the model pipelines.
func RunDescribe(ctx context.Context, root *RootOptions, opts *DescribeOptions, out io.Writer) error {
	if opts.Format != "table" && opts.Format != FormatJSON {
		return nmterrors.NewConfigValidationError("format", opts.Format, "must be table or json")
	}
	logger := logging.L().With(zap.String("command", "describe"))

	workDir, cleanup, err := root.workDir()
	if err != nil {
		return err
	}
	defer cleanup()

	cfg, err := root.loadConfig(ctx, workDir, logger)
	if err != nil {
		return err
	}
	rows, err := DescribePipelines(cfg, logger)
	if err != nil {
		return err
	}
	if opts.Format == FormatJSON {
		return writeJSON(out, rows)
	}
	RenderOperators(out, rows)
	return nil
}

func newDescribeCmd(root *RootOptions) *cobra.Command {
	opts := DefaultDescribeOptions()

	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Print the preprocess and postprocess operators of a model",
		Example: `
  nmtwizard --model ende --model_storage /models describe
  nmtwizard --config pipeline.yaml describe --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			return RunDescribe(ctx, root, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.Format, "format", opts.Format, "output format: table or json")
	return cmd
}
