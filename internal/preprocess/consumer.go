package preprocess

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"nmtwizard/internal/config"
	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/ingestion"
	"nmtwizard/internal/logging"
	"nmtwizard/internal/tokenizer"
)

// MultiConsumer forwards results to several consumers and counts the
// consumed samples.
type MultiConsumer struct {
	consumers  []Consumer
	numSamples int
}

// NewMultiConsumer creates a consumer forwarding to consumers.
func NewMultiConsumer(consumers ...Consumer) *MultiConsumer {
	return &MultiConsumer{consumers: consumers}
}

// Add appends a consumer.
func (m *MultiConsumer) Add(c Consumer) {
	m.consumers = append(m.consumers, c)
}

// NumSamples returns the number of consumed outputs.
func (m *MultiConsumer) NumSamples() int {
	return m.numSamples
}

// Consume implements Consumer.
func (m *MultiConsumer) Consume(ctx context.Context, result *Result) error {
	m.numSamples += len(result.Outputs)
	for _, c := range m.consumers {
		if err := c.Consume(ctx, result); err != nil {
			return err
		}
	}
	return nil
}

// Finalize finalizes every consumer.
func (m *MultiConsumer) Finalize(ctx context.Context) error {
	for _, c := range m.consumers {
		if err := Finalize(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// FileWriter writes one line per output: the source tokens in preprocess,
// the target text in postprocess. Output metadata is collected in order.
type FileWriter struct {
	path        string
	postprocess bool
	file        io.WriteCloser
	w           *bufio.Writer
	metadata    []any
}

// NewFileWriter creates the output file.
func NewFileWriter(path string, postprocess bool) (*FileWriter, error) {
	f, err := ingestion.CreateCorpus(path)
	if err != nil {
		return nil, err
	}
	return &FileWriter{path: path, postprocess: postprocess, file: f, w: bufio.NewWriter(f)}, nil
}

// Consume implements Consumer.
func (fw *FileWriter) Consume(_ context.Context, result *Result) error {
	for _, out := range result.Outputs {
		line := out.Target
		if !fw.postprocess {
			line = strings.Join(out.SourceTokens, " ")
		}
		if _, err := fw.w.WriteString(line + "\n"); err != nil {
			return nmterrors.NewStorageWriteError(fw.path, err.Error())
		}
		fw.metadata = append(fw.metadata, out.Metadata)
	}
	return nil
}

// Metadata returns the collected metadata.
func (fw *FileWriter) Metadata() []any {
	return fw.metadata
}

// Close flushes and closes the file.
func (fw *FileWriter) Close() error {
	if err := fw.w.Flush(); err != nil {
		fw.file.Close()
		return nmterrors.NewStorageWriteError(fw.path, err.Error())
	}
	if err := fw.file.Close(); err != nil {
		return nmterrors.NewStorageWriteError(fw.path, err.Error())
	}
	return nil
}

// OpsProfileLogger accumulates operator timings and logs them at finalize.
type OpsProfileLogger struct {
	logger  *zap.Logger
	profile map[string]time.Duration
}

// NewOpsProfileLogger creates an operator profile logger.
func NewOpsProfileLogger(logger *zap.Logger) *OpsProfileLogger {
	if logger == nil {
		logger = logging.L()
	}
	return &OpsProfileLogger{logger: logger, profile: make(map[string]time.Duration)}
}

// Consume implements Consumer.
func (o *OpsProfileLogger) Consume(_ context.Context, result *Result) error {
	if result.Meta == nil {
		return nil
	}
	for op, d := range result.Meta.OpsProfile {
		o.profile[op] += d
	}
	return nil
}

// Profile returns the accumulated timings.
func (o *OpsProfileLogger) Profile() map[string]time.Duration {
	return o.profile
}

// Finalize logs the operators by decreasing time.
func (o *OpsProfileLogger) Finalize(_ context.Context) error {
	ops := make([]string, 0, len(o.profile))
	for op := range o.profile {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return o.profile[ops[i]] > o.profile[ops[j]] })
	for _, op := range ops {
		o.logger.Info("operator_profile", logging.Operator(op), logging.Duration(o.profile[op]))
	}
	return nil
}

// SummaryLogger accumulates filter summaries and logs them at finalize.
type SummaryLogger struct {
	logger  *zap.Logger
	summary map[string]int
}

// NewSummaryLogger creates a filter summary logger.
func NewSummaryLogger(logger *zap.Logger) *SummaryLogger {
	if logger == nil {
		logger = logging.L()
	}
	return &SummaryLogger{logger: logger, summary: make(map[string]int)}
}

// Consume implements Consumer.
func (s *SummaryLogger) Consume(_ context.Context, result *Result) error {
	if result.Meta == nil {
		return nil
	}
	for op, n := range result.Meta.FilterSummary {
		s.summary[op] += n
	}
	return nil
}

// Summary returns the removed TU count per filter.
func (s *SummaryLogger) Summary() map[string]int {
	return s.summary
}

// Finalize logs the summary.
func (s *SummaryLogger) Finalize(_ context.Context) error {
	ops := make([]string, 0, len(s.summary))
	for op := range s.summary {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		s.logger.Info("filter_summary", logging.Operator(op), zap.Int("removed", s.summary[op]))
	}
	return nil
}

// SamplerFileWriter writes training outputs to <dir>/<base>.<lang> files and
// records filtered line counts in the sampling summary. Batches carrying a
// sentence weight also get one weight per line in <dir>/<base>.weights.
type SamplerFileWriter struct {
	dir      string
	src, tgt string
	summary  SampleSummary
	files    map[string]*parallelWriter
}

type parallelWriter struct {
	src, tgt io.WriteCloser
	srcW     *bufio.Writer
	tgtW     *bufio.Writer
	weights  *os.File
	weightsW *bufio.Writer
}

// NewSamplerFileWriter creates a writer into dir.
func NewSamplerFileWriter(cfg config.Config, dir string, summary SampleSummary) *SamplerFileWriter {
	return &SamplerFileWriter{
		dir:     dir,
		src:     cfg.Source(),
		tgt:     cfg.Target(),
		summary: summary,
		files:   make(map[string]*parallelWriter),
	}
}

func (s *SamplerFileWriter) writer(base string) (*parallelWriter, error) {
	if pw, ok := s.files[base]; ok {
		return pw, nil
	}
	prefix := filepath.Join(s.dir, base)
	if err := os.MkdirAll(filepath.Dir(prefix), 0755); err != nil {
		return nil, nmterrors.NewStorageWriteError(prefix, err.Error())
	}
	src, err := ingestion.CreateCorpus(prefix + "." + s.src)
	if err != nil {
		return nil, err
	}
	tgt, err := ingestion.CreateCorpus(prefix + "." + s.tgt)
	if err != nil {
		src.Close()
		return nil, err
	}
	pw := &parallelWriter{src: src, tgt: tgt, srcW: bufio.NewWriter(src), tgtW: bufio.NewWriter(tgt)}
	s.files[base] = pw
	return pw, nil
}

// Consume implements Consumer.
func (s *SamplerFileWriter) Consume(_ context.Context, result *Result) error {
	base := ""
	if result.Meta != nil {
		base = result.Meta.BaseName
		if sum, ok := s.summary[base]; ok {
			for _, n := range result.Meta.FilterSummary {
				sum.Filtered += n
			}
		}
	}
	if base == "" {
		base = "corpus"
	}
	pw, err := s.writer(base)
	if err != nil {
		return err
	}
	weight := ""
	if result.Meta != nil && result.Meta.SentenceWeight > 0 {
		if err := s.openWeights(base, pw); err != nil {
			return err
		}
		weight = strconv.FormatFloat(result.Meta.SentenceWeight, 'g', -1, 64) + "\n"
	}
	for _, out := range result.Outputs {
		if _, err := pw.srcW.WriteString(out.Source + "\n"); err != nil {
			return nmterrors.NewStorageWriteError(base, err.Error())
		}
		if _, err := pw.tgtW.WriteString(out.Target + "\n"); err != nil {
			return nmterrors.NewStorageWriteError(base, err.Error())
		}
		if weight == "" {
			continue
		}
		if _, err := pw.weightsW.WriteString(weight); err != nil {
			return nmterrors.NewStorageWriteError(base, err.Error())
		}
	}
	return nil
}

func (s *SamplerFileWriter) openWeights(base string, pw *parallelWriter) error {
	if pw.weights != nil {
		return nil
	}
	path := filepath.Join(s.dir, base+".weights")
	f, err := os.Create(path)
	if err != nil {
		return nmterrors.NewStorageWriteError(path, err.Error())
	}
	pw.weights = f
	pw.weightsW = bufio.NewWriter(f)
	return nil
}

// Finalize flushes and closes every file.
func (s *SamplerFileWriter) Finalize(_ context.Context) error {
	var first error
	for base, pw := range s.files {
		for _, pair := range []struct {
			w *bufio.Writer
			c io.Closer
		}{{pw.srcW, pw.src}, {pw.tgtW, pw.tgt}, {pw.weightsW, pw.weights}} {
			if pair.w == nil {
				continue
			}
			if err := pair.w.Flush(); err != nil && first == nil {
				first = nmterrors.NewStorageWriteError(base, err.Error())
			}
			if err := pair.c.Close(); err != nil && first == nil {
				first = nmterrors.NewStorageWriteError(base, err.Error())
			}
		}
	}
	s.files = make(map[string]*parallelWriter)
	return first
}

// VocabularyBuilder counts tokens per side and writes vocabularies at
// finalize. The "multi" side counts source and target tokens jointly.
type VocabularyBuilder struct {
	dir      string
	opConfig map[string]any
	sides    map[string]map[string]any
	counts   map[string]map[string]int
	langs    map[string]string
	paths    map[string]string
}

// NewVocabularyBuilder creates a builder for the tokenization operator at
// index step of the preprocess section.
func NewVocabularyBuilder(cfg config.Config, dir string, step int) (*VocabularyBuilder, error) {
	ops := cfg.Preprocess()
	if step < 0 || step >= len(ops) {
		return nil, nmterrors.NewVocabularyBuildError(fmt.Sprintf("no operator at step %d", step))
	}
	vb := &VocabularyBuilder{
		dir:      dir,
		opConfig: ops[step],
		sides:    make(map[string]map[string]any),
		counts:   make(map[string]map[string]int),
		langs:    map[string]string{"source": cfg.Source(), "target": cfg.Target(), "multi": "joint"},
		paths:    make(map[string]string),
	}
	for _, side := range []string{"source", "target", "multi"} {
		build := config.Section(config.Section(vb.opConfig, side), "build_vocabulary")
		if build != nil {
			vb.sides[side] = build
			vb.counts[side] = make(map[string]int)
		}
	}
	return vb, nil
}

func (vb *VocabularyBuilder) count(side, line string) {
	counts, ok := vb.counts[side]
	if !ok {
		return
	}
	for _, tok := range strings.Fields(line) {
		counts[tok]++
	}
}

// Consume implements Consumer.
func (vb *VocabularyBuilder) Consume(_ context.Context, result *Result) error {
	for _, out := range result.Outputs {
		vb.count("source", out.Source)
		vb.count("target", out.Target)
		vb.count("multi", out.Source)
		vb.count("multi", out.Target)
	}
	return nil
}

// Finalize writes the vocabularies and sets vocabulary_path in the operator
// configuration. A "multi" vocabulary is used for both sides.
func (vb *VocabularyBuilder) Finalize(_ context.Context) error {
	sides := make([]string, 0, len(vb.sides))
	for side := range vb.sides {
		sides = append(sides, side)
	}
	sort.Strings(sides)

	for _, side := range sides {
		build := vb.sides[side]
		size := config.Int(build, "size", 0)
		if size <= 0 {
			return nmterrors.NewVocabularyBuildError(fmt.Sprintf("'size' option is mandatory to build vocabulary for '%s'.", side))
		}
		counts := vb.counts[side]
		if minFreq := config.Int(build, "min_frequency", 0); minFreq > 0 {
			for tok, n := range counts {
				if n < minFreq {
					delete(counts, tok)
				}
			}
		}
		name := vb.langs[side]
		if name == "" {
			name = side
		}
		path := filepath.Join(vb.dir, fmt.Sprintf("vocab-%s-%d.txt", name, size))
		if _, err := tokenizer.WriteVocabulary(path, counts, size); err != nil {
			return err
		}
		vb.paths[side] = path
	}

	for side, path := range vb.paths {
		targets := []string{side}
		if side == "multi" {
			targets = []string{"source", "target"}
		}
		for _, t := range targets {
			sideCfg, ok := config.AsMap(vb.opConfig[t])
			if !ok {
				sideCfg = map[string]any{}
				vb.opConfig[t] = sideCfg
			}
			sideCfg["vocabulary_path"] = path
		}
	}
	return nil
}

// Paths returns the written vocabulary paths per side.
func (vb *VocabularyBuilder) Paths() map[string]string {
	return vb.paths
}

// RegisterNewTokens collects the tokens operators request to add to the
// vocabularies.
type RegisterNewTokens struct {
	tokens map[string]map[string]struct{}
}

// NewRegisterNewTokens creates the collector.
func NewRegisterNewTokens() *RegisterNewTokens {
	return &RegisterNewTokens{tokens: make(map[string]map[string]struct{})}
}

// Consume implements Consumer.
func (r *RegisterNewTokens) Consume(_ context.Context, result *Result) error {
	if result.Meta == nil {
		return nil
	}
	for side, set := range result.Meta.NewTokens {
		dst, ok := r.tokens[side]
		if !ok {
			dst = make(map[string]struct{})
			r.tokens[side] = dst
		}
		for tok := range set {
			dst[tok] = struct{}{}
		}
	}
	return nil
}

// NewTokens returns the sorted collected tokens per side.
func (r *RegisterNewTokens) NewTokens() map[string][]string {
	out := make(map[string][]string, len(r.tokens))
	for side, set := range r.tokens {
		tokens := make([]string, 0, len(set))
		for tok := range set {
			tokens = append(tokens, tok)
		}
		sort.Strings(tokens)
		out[side] = tokens
	}
	return out
}
