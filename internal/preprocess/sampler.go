package preprocess

import (
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"nmtwizard/internal/config"
	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/ingestion"
	"nmtwizard/internal/logging"
)

// SampledFile is a parallel corpus selected by the sampler.
type SampledFile struct {
	// Base is the corpus path relative to the data directory, without the language suffix.
	Base       string
	SourcePath string
	TargetPath string
	// Lines is the number of lines of the corpus.
	Lines int
	// Sampled is the number of lines to generate. It may exceed Lines.
	Sampled int
	Pattern string
	Weight  float64
	Labels  []string
	// Oversample is the sentence weight of every line when oversampling is
	// expressed as weights. Zero disables sentence weights.
	Oversample float64
}

// Repeat returns how many times line i is emitted. Selected lines are evenly
// strided over the corpus.
func (f *SampledFile) Repeat(i int) int {
	if f.Lines == 0 || f.Sampled == 0 {
		return 0
	}
	n := int64(f.Lines)
	k := int64(f.Sampled)
	return int((int64(i+1)*k)/n - (int64(i)*k)/n)
}

// CorpusSummary describes the sampling of one corpus.
type CorpusSummary struct {
	Lines    int      `json:"linecount"`
	Sampled  int      `json:"linesampled"`
	Filtered int      `json:"linefiltered"`
	Pattern  string   `json:"pattern,omitempty"`
	Weight   float64  `json:"weight"`
	Labels   []string `json:"labels,omitempty"`
	// Oversample is set when lines are weighted instead of repeated.
	Oversample float64 `json:"oversample,omitempty"`
}

// SampleSummary maps corpus base names to their summary.
type SampleSummary map[string]*CorpusSummary

type distRule struct {
	pattern string
	re      *regexp.Regexp
	weight  float64
	labels  []string
}

func (r *distRule) matches(base string) bool {
	return r.pattern == "*" || r.re.MatchString(base)
}

// parseLabels accepts a label string, a list of labels, or {"label": ...}.
func parseLabels(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var labels []string
		for _, item := range t {
			if s, ok := item.(string); ok {
				labels = append(labels, s)
			}
		}
		return labels
	case map[string]any:
		return parseLabels(t["label"])
	default:
		return nil
	}
}

func parseDistribution(v any) ([]*distRule, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, nmterrors.NewConfigValidationError("data.sample_dist", v, "must be a list of [pattern, weight, label?] entries")
	}
	rules := make([]*distRule, 0, len(list))
	for i, item := range list {
		entry, ok := item.([]any)
		if !ok || len(entry) < 2 || len(entry) > 3 {
			return nil, nmterrors.NewConfigValidationError(fmt.Sprintf("data.sample_dist[%d]", i), item, "must be [pattern, weight, label?]")
		}
		pattern, ok := entry[0].(string)
		if !ok || pattern == "" {
			return nil, nmterrors.NewConfigValidationError(fmt.Sprintf("data.sample_dist[%d]", i), entry[0], "pattern must be a non-empty string")
		}
		weight, ok := config.AsNumber(entry[1])
		if !ok || weight < 0 {
			return nil, nmterrors.NewConfigValidationError(fmt.Sprintf("data.sample_dist[%d]", i), entry[1], "weight must be a non-negative number")
		}
		rule := &distRule{pattern: pattern, weight: weight}
		if pattern != "*" {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, nmterrors.NewConfigValidationError(fmt.Sprintf("data.sample_dist[%d]", i), pattern, err.Error())
			}
			rule.re = re
		}
		if len(entry) == 3 {
			rule.labels = parseLabels(entry[2])
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// discoverCorpora finds <base>.<src> / <base>.<tgt> file pairs under dataPath.
// Either file may be gzip-compressed.
func discoverCorpora(dataPath, src, tgt string, logger *zap.Logger) ([]*SampledFile, error) {
	info, err := os.Stat(dataPath)
	if err != nil || !info.IsDir() {
		return nil, nmterrors.NewCorpusNotFoundError(dataPath)
	}

	var files []*SampledFile
	err = filepath.WalkDir(dataPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dataPath, path)
		if err != nil {
			return err
		}
		var base string
		for _, suffix := range []string{"." + src, "." + src + ".gz"} {
			if strings.HasSuffix(rel, suffix) {
				base = strings.TrimSuffix(rel, suffix)
				break
			}
		}
		if base == "" {
			return nil
		}
		for _, suffix := range []string{"." + tgt, "." + tgt + ".gz"} {
			tgtPath := filepath.Join(dataPath, base+suffix)
			if _, err := os.Stat(tgtPath); err == nil {
				files = append(files, &SampledFile{Base: base, SourcePath: path, TargetPath: tgtPath})
				return nil
			}
		}
		logger.Warn("target_file_missing", logging.Path(path), logging.Corpus(base))
		return nil
	})
	if err != nil {
		return nil, nmterrors.NewCorpusReadError(dataPath, err)
	}
	return files, nil
}

// Sample discovers the parallel corpora of dataPath and distributes the
// data.sample lines across them according to data.sample_dist. Without a
// sample size every line of every selected corpus is used.
func Sample(cfg config.Config, dataPath string, logger *zap.Logger) ([]*SampledFile, SampleSummary, error) {
	if logger == nil {
		logger = logging.L()
	}
	src, tgt := cfg.Source(), cfg.Target()
	if src == "" || tgt == "" {
		return nil, nil, nmterrors.NewConfigValidationError("source/target", src+"/"+tgt, "source and target languages are required")
	}
	data := cfg.Data()
	rules, err := parseDistribution(data["sample_dist"])
	if err != nil {
		return nil, nil, err
	}
	if len(rules) == 0 {
		rules = []*distRule{{pattern: "*", weight: 1}}
	}
	sampleSize := config.Int(data, "sample", 0)

	files, err := discoverCorpora(dataPath, src, tgt, logger)
	if err != nil {
		return nil, nil, err
	}

	groups := make([][]*SampledFile, len(rules))
	for _, f := range files {
		if f.Lines, err = ingestion.CountLines(f.SourcePath); err != nil {
			return nil, nil, err
		}
		tgtLines, err := ingestion.CountLines(f.TargetPath)
		if err != nil {
			return nil, nil, err
		}
		if tgtLines != f.Lines {
			return nil, nil, nmterrors.NewCorpusReadError(f.SourcePath,
				fmt.Errorf("source and target files have different number of lines (%d != %d)", f.Lines, tgtLines))
		}
		for i, rule := range rules {
			if rule.matches(f.Base) {
				f.Pattern = rule.pattern
				f.Weight = rule.weight
				f.Labels = rule.labels
				groups[i] = append(groups[i], f)
				break
			}
		}
	}

	var totalWeight float64
	for i, rule := range rules {
		if groupLines(groups[i]) > 0 {
			totalWeight += rule.weight
		}
	}

	var quotas []quota
	for i, rule := range rules {
		group := groups[i]
		lines := groupLines(group)
		if lines == 0 || rule.weight == 0 {
			continue
		}
		for _, f := range group {
			if sampleSize <= 0 {
				f.Sampled = f.Lines
				continue
			}
			share := float64(sampleSize) * rule.weight / totalWeight
			quotas = append(quotas, quota{file: f, exact: share * float64(f.Lines) / float64(lines)})
		}
	}
	distribute(quotas)

	if config.Bool(data, "oversample_with_sentence_weighting") {
		for _, f := range files {
			f.Oversample = 1
			if f.Lines > 0 && f.Sampled > f.Lines {
				f.Oversample = float64(f.Sampled) / float64(f.Lines)
				f.Sampled = f.Lines
			}
		}
	}

	summary := make(SampleSummary, len(files))
	for _, f := range files {
		summary[f.Base] = &CorpusSummary{
			Lines:   f.Lines,
			Sampled: f.Sampled,
			Pattern: f.Pattern,
			Weight:  f.Weight,
			Labels:  f.Labels,
		}
		if f.Oversample > 1 {
			summary[f.Base].Oversample = f.Oversample
		}
	}
	logger.Info("sampling_done", logging.Count(len(files)), zap.Int("sample", sampleSize))
	return files, summary, nil
}

type quota struct {
	file  *SampledFile
	exact float64
}

// distribute rounds the exact quotas so that their sum is preserved: every
// file gets the floor of its quota and the remaining lines go to the largest
// fractional parts, in file order on ties.
func distribute(quotas []quota) {
	var total float64
	assigned := 0
	for _, q := range quotas {
		total += q.exact
		q.file.Sampled = int(math.Floor(q.exact))
		assigned += q.file.Sampled
	}
	remaining := int(math.Round(total)) - assigned
	if remaining <= 0 {
		return
	}
	order := make([]int, len(quotas))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		qa, qb := quotas[order[a]], quotas[order[b]]
		return qa.exact-math.Floor(qa.exact) > qb.exact-math.Floor(qb.exact)
	})
	for _, i := range order {
		if remaining == 0 {
			break
		}
		quotas[i].file.Sampled++
		remaining--
	}
}

func groupLines(group []*SampledFile) int {
	total := 0
	for _, f := range group {
		total += f.Lines
	}
	return total
}
