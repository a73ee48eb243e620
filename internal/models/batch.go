package models

import (
	"sort"
	"strings"
	"time"
)

// BatchMeta carries per-batch information through the pipeline.
type BatchMeta struct {
	// BaseName is the corpus base name the batch was read from
	BaseName string
	// Labels selects operator overrides
	Labels []string
	// Pattern is the sampling pattern that matched the corpus
	Pattern string
	// OpsProfile accumulates time spent per operator (training only)
	OpsProfile map[string]time.Duration
	// FilterSummary counts TUs removed per filter
	FilterSummary map[string]int
	// NewTokens collects tokens operators want added to the vocabularies, per side
	NewTokens map[string]map[string]struct{}
	// SentenceWeight is the training weight of every TU of the batch, 0 when unset
	SentenceWeight float64
}

// NewLabels returns a sorted set of the non-empty labels.
func NewLabels(labels ...string) []string {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// LabelKey identifies a label set. It is empty when there is no label.
func LabelKey(labels []string) string {
	return strings.Join(NewLabels(labels...), "\x1f")
}

// LabelKey identifies the batch label set.
func (m *BatchMeta) LabelKey() string {
	if m == nil {
		return ""
	}
	return LabelKey(m.Labels)
}

// AddProfile adds d to the operator time.
func (m *BatchMeta) AddProfile(op string, d time.Duration) {
	if m.OpsProfile == nil {
		m.OpsProfile = make(map[string]time.Duration)
	}
	m.OpsProfile[op] += d
}

// AddFiltered adds n removed TUs to the filter summary.
func (m *BatchMeta) AddFiltered(op string, n int) {
	if m.FilterSummary == nil {
		m.FilterSummary = make(map[string]int)
	}
	m.FilterSummary[op] += n
}

// AddNewTokens records tokens for side.
func (m *BatchMeta) AddNewTokens(side string, tokens ...string) {
	if m.NewTokens == nil {
		m.NewTokens = make(map[string]map[string]struct{})
	}
	set, ok := m.NewTokens[side]
	if !ok {
		set = make(map[string]struct{})
		m.NewTokens[side] = set
	}
	for _, t := range tokens {
		set[t] = struct{}{}
	}
}

// Batch is a list of TUs with their metadata.
type Batch struct {
	TUs  []*TranslationUnit
	Meta *BatchMeta
}

// NewBatch creates a batch. A nil meta is replaced by an empty one.
func NewBatch(tus []*TranslationUnit, meta *BatchMeta) *Batch {
	if meta == nil {
		meta = &BatchMeta{}
	}
	return &Batch{TUs: tus, Meta: meta}
}

// Len returns the number of TUs.
func (b *Batch) Len() int {
	return len(b.TUs)
}
