package preprocess

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/models"
)

// sliceLoader emits numbered batches of one TU each.
func sliceLoader(n int, labels func(i int) []string) Loader {
	return LoaderFunc(func(ctx context.Context, out chan<- *models.Batch) error {
		for i := 0; i < n; i++ {
			tu := models.NewTranslationUnit(fmt.Sprintf("sentence %d", i), i, nil)
			tu.AddTarget(fmt.Sprintf("satz %d", i), "", nil)
			meta := &models.BatchMeta{BaseName: fmt.Sprintf("corpus%d", i%3)}
			if labels != nil {
				meta.Labels = labels(i)
			}
			if err := sendBatch(ctx, out, models.NewBatch([]*models.TranslationUnit{tu}, meta)); err != nil {
				return err
			}
		}
		return nil
	})
}

type collector struct {
	mu      sync.Mutex
	results []*Result
}

func (c *collector) Consume(_ context.Context, r *Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	return nil
}

func TestWorkersFromEnv(t *testing.T) {
	tests := []struct {
		value    string
		expected int
	}{
		{"", 0},
		{"1", 0},
		{"4", 4},
		{"abc", 0},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv(NumWorkersEnv, tt.value)
			assert.Equal(t, tt.expected, WorkersFromEnv())
			assert.Equal(t, tt.expected, NewProcessor(testConfig(), models.Training, -1, zap.NewNop()).NumWorkers())
		})
	}
}

func TestProcessor_OrderPreserved(t *testing.T) {
	for _, workers := range []int{0, 1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			p := NewProcessor(testConfig(tokenizationOp()), models.Training, workers, zap.NewNop())
			c := &collector{}
			require.NoError(t, p.Process(context.Background(), sliceLoader(50, nil), c, ProcessOptions{}))

			require.Len(t, c.results, 50)
			for i, r := range c.results {
				require.Len(t, r.Outputs, 1)
				assert.Equal(t, i, r.Outputs[0].Metadata)
				assert.Equal(t, fmt.Sprintf("sentence %d", i), r.Outputs[0].Source)
			}
		})
	}
}

func TestProcessor_LabelRebuild(t *testing.T) {
	cfg := testConfig(map[string]any{
		"op":     "length_filter",
		"source": map[string]any{"max_words": 5.0},
		"overrides": map[string]any{
			"strict": map[string]any{"source": map[string]any{"max_words": 1.0}},
		},
	})
	labels := func(i int) []string {
		if i%2 == 1 {
			return []string{"strict"}
		}
		return nil
	}

	for _, workers := range []int{0, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			p := NewProcessor(cfg, models.Training, workers, zap.NewNop())
			c := &collector{}
			require.NoError(t, p.Process(context.Background(), sliceLoader(10, labels), c, ProcessOptions{}))

			require.Len(t, c.results, 10)
			for i, r := range c.results {
				if i%2 == 1 {
					assert.Empty(t, r.Outputs, "batch %d", i)
					assert.Equal(t, 1, r.Meta.FilterSummary["length_filter_0"])
				} else {
					assert.Len(t, r.Outputs, 1, "batch %d", i)
				}
			}
		})
	}
}

func TestProcessor_WorkerFailure(t *testing.T) {
	cfg := testConfig(map[string]any{"op": "substitute", "source": true})
	options := map[string]any{"substitute_0": map[string]any{"rules": []any{map[string]any{"pattern": "("}}}}

	p := NewProcessor(cfg, models.Inference, 2, zap.NewNop())
	err := p.Process(context.Background(), sliceLoader(5, nil), &collector{}, ProcessOptions{Options: options})
	require.Error(t, err)
	assert.True(t, errors.Is(err, nmterrors.ErrWorkerFailed))
	assert.True(t, errors.Is(err, nmterrors.ErrOperatorConfig))
	assert.Contains(t, err.Error(), "corpus0")

	sequential := NewProcessor(cfg, models.Inference, 0, zap.NewNop())
	err = sequential.Process(context.Background(), sliceLoader(5, nil), &collector{}, ProcessOptions{Options: options})
	assert.True(t, errors.Is(err, nmterrors.ErrOperatorConfig))
	assert.False(t, errors.Is(err, nmterrors.ErrWorkerFailed))
}

func TestProcessor_ConsumerError(t *testing.T) {
	p := NewProcessor(testConfig(), models.Training, 2, zap.NewNop())
	boom := errors.New("boom")
	calls := 0
	consumer := ConsumerFunc(func(context.Context, *Result) error {
		calls++
		if calls == 3 {
			return boom
		}
		return nil
	})
	err := p.Process(context.Background(), sliceLoader(100, nil), consumer, ProcessOptions{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestProcessor_LoaderError(t *testing.T) {
	p := NewProcessor(testConfig(), models.Training, 0, zap.NewNop())
	boom := errors.New("load failed")
	loader := LoaderFunc(func(context.Context, chan<- *models.Batch) error { return boom })
	assert.ErrorIs(t, p.Process(context.Background(), loader, &collector{}, ProcessOptions{}), boom)
}

func TestProcessor_Cancelled(t *testing.T) {
	p := NewProcessor(testConfig(), models.Training, 2, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	consumer := ConsumerFunc(func(context.Context, *Result) error {
		cancel()
		return nil
	})
	err := p.Process(ctx, sliceLoader(1000, nil), consumer, ProcessOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFinalize(t *testing.T) {
	assert.NoError(t, Finalize(context.Background(), &collector{}))

	profile := NewOpsProfileLogger(zap.NewNop())
	require.NoError(t, profile.Consume(context.Background(), &Result{Meta: &models.BatchMeta{}}))
	assert.NoError(t, Finalize(context.Background(), profile))
}
