package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
	"nmtwizard/internal/models"
)

// recorder is a BatchHandler remembering the line numbers of each batch.
type recorder struct {
	mu      sync.Mutex
	batches [][]int
	err     error
}

func (r *recorder) HandleBatch(_ context.Context, batch []*models.InputLine) (int, error) {
	nums := make([]int, len(batch))
	for i, line := range batch {
		nums[i] = line.Line
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, nums)
	if r.err != nil {
		return 0, r.err
	}
	return len(batch), nil
}

func (r *recorder) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.batches))
	for i, b := range r.batches {
		out[i] = len(b)
	}
	return out
}

func (r *recorder) lines() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

func testConfig(size int, wait time.Duration) *Config {
	return &Config{
		MaxBatchSize: size,
		MaxWaitTime:  wait,
		BufferSize:   64,
		FlushTimeout: time.Second,
		Logger:       zap.NewNop(),
	}
}

func inputLine(n int) *models.InputLine {
	return &models.InputLine{Text: fmt.Sprintf("sentence %d", n), Source: "test", Line: n}
}

func addLines(t *testing.T, p *Processor, from, to int) {
	t.Helper()
	for n := from; n <= to; n++ {
		require.NoError(t, p.Add(inputLine(n)))
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero batch size", func(c *Config) { c.MaxBatchSize = 0 }, "MaxBatchSize"},
		{"negative wait", func(c *Config) { c.MaxWaitTime = -time.Second }, "MaxWaitTime"},
		{"zero buffer", func(c *Config) { c.BufferSize = 0 }, "BufferSize"},
		{"zero flush timeout", func(c *Config) { c.FlushTimeout = 0 }, "FlushTimeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(8, time.Second)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, nmterrors.ErrConfigValidation))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestNewProcessor(t *testing.T) {
	t.Cleanup(func() { _ = logging.Close() })

	p, err := NewProcessor(nil, &recorder{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().MaxBatchSize, p.config.MaxBatchSize)
	require.NoError(t, p.Close())

	_, err = NewProcessor(testConfig(4, time.Second), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler")

	_, err = NewProcessor(testConfig(0, time.Second), &recorder{})
	require.Error(t, err)
}

func TestProcessorFlushesFullBatches(t *testing.T) {
	rec := &recorder{}
	p, err := NewProcessor(testConfig(3, time.Hour), rec)
	require.NoError(t, err)

	addLines(t, p, 1, 7)
	require.Eventually(t, func() bool { return len(rec.sizes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{3, 3}, rec.sizes())

	require.NoError(t, p.Close())
	assert.Equal(t, []int{3, 3, 1}, rec.sizes())
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, rec.lines())
}

func TestProcessorFlushesAfterWaitTime(t *testing.T) {
	rec := &recorder{}
	p, err := NewProcessor(testConfig(100, 20*time.Millisecond), rec)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	addLines(t, p, 1, 2)
	require.Eventually(t, func() bool { return len(rec.lines()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2}, rec.lines())
}

func TestProcessorPreservesOrder(t *testing.T) {
	rec := &recorder{}
	p, err := NewProcessor(testConfig(4, 2*time.Millisecond), rec)
	require.NoError(t, err)

	addLines(t, p, 1, 200)
	require.NoError(t, p.Close())

	got := rec.lines()
	require.Len(t, got, 200)
	for i, n := range got {
		assert.Equal(t, i+1, n)
	}
	for _, size := range rec.sizes() {
		assert.LessOrEqual(t, size, 4)
	}
}

func TestProcessorCloseDrainsBuffer(t *testing.T) {
	release := make(chan struct{})
	var handled [][]int
	var mu sync.Mutex
	handler := BatchHandlerFunc(func(_ context.Context, batch []*models.InputLine) (int, error) {
		<-release
		mu.Lock()
		defer mu.Unlock()
		nums := make([]int, len(batch))
		for i, line := range batch {
			nums[i] = line.Line
		}
		handled = append(handled, nums)
		return len(batch), nil
	})
	p, err := NewProcessor(testConfig(2, time.Hour), handler)
	require.NoError(t, err)

	addLines(t, p, 1, 9)
	done := make(chan error, 1)
	go func() { done <- p.Close() }()
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	var all []int
	for _, b := range handled {
		all = append(all, b...)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, all)
	assert.Equal(t, int64(9), p.GetMetrics().TotalProcessed)
}

func TestProcessorManualFlush(t *testing.T) {
	rec := &recorder{}
	p, err := NewProcessor(testConfig(100, time.Hour), rec)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	addLines(t, p, 1, 2)
	require.Eventually(t, func() bool {
		_ = p.Flush(context.Background())
		return len(rec.lines()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestProcessorHandlerFailure(t *testing.T) {
	cause := errors.New("backend unavailable")
	rec := &recorder{err: cause}
	p, err := NewProcessor(testConfig(10, time.Hour), rec)
	require.NoError(t, err)

	addLines(t, p, 1, 3)
	err = p.Close()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandlerFailed))
	assert.Contains(t, err.Error(), cause.Error())

	m := p.GetMetrics()
	assert.Equal(t, int64(3), m.TotalLines)
	assert.Equal(t, int64(1), m.TotalBatches)
	assert.Equal(t, int64(0), m.TotalProcessed)
	assert.Equal(t, int64(3), m.TotalDropped)
}

func TestProcessorDropOnFull(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	handler := BatchHandlerFunc(func(_ context.Context, batch []*models.InputLine) (int, error) {
		once.Do(func() { close(started) })
		<-release
		return len(batch), nil
	})

	cfg := testConfig(1, time.Hour)
	cfg.BufferSize = 1
	cfg.DropOnFull = true
	p, err := NewProcessor(cfg, handler)
	require.NoError(t, err)

	require.NoError(t, p.Add(inputLine(1)))
	<-started
	require.NoError(t, p.Add(inputLine(2)))
	assert.ErrorIs(t, p.Add(inputLine(3)), ErrBatchFull)

	close(release)
	require.NoError(t, p.Close())

	m := p.GetMetrics()
	assert.Equal(t, int64(2), m.TotalLines)
	assert.Equal(t, int64(2), m.TotalProcessed)
	assert.Equal(t, int64(1), m.TotalDropped)
}

func TestProcessorClosed(t *testing.T) {
	p, err := NewProcessor(testConfig(4, time.Hour), &recorder{})
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	assert.ErrorIs(t, p.Add(inputLine(1)), ErrProcessorClosed)
	assert.ErrorIs(t, p.AddBatch([]*models.InputLine{inputLine(1)}), ErrProcessorClosed)
	assert.ErrorIs(t, p.Flush(context.Background()), ErrProcessorClosed)
}

func TestProcessorIgnoresNilLines(t *testing.T) {
	rec := &recorder{}
	p, err := NewProcessor(testConfig(4, time.Hour), rec)
	require.NoError(t, err)

	require.NoError(t, p.AddBatch([]*models.InputLine{inputLine(1), nil, inputLine(2)}))
	require.NoError(t, p.Close())

	assert.Equal(t, []int{1, 2}, rec.lines())
	assert.Equal(t, int64(2), p.GetMetrics().TotalLines)
}

func TestProcessorMetrics(t *testing.T) {
	rec := &recorder{}
	p, err := NewProcessor(testConfig(5, time.Hour), rec)
	require.NoError(t, err)

	before := time.Now()
	addLines(t, p, 1, 5)
	require.NoError(t, p.Close())

	m := p.GetMetrics()
	assert.Equal(t, int64(5), m.TotalLines)
	assert.Equal(t, int64(1), m.TotalBatches)
	assert.Equal(t, int64(5), m.TotalProcessed)
	assert.Equal(t, int64(0), m.TotalDropped)
	assert.Equal(t, 5, m.LastBatchSize)
	assert.False(t, m.LastFlushTime.Before(before))
}

func TestProcessorConcurrentAdds(t *testing.T) {
	rec := &recorder{}
	p, err := NewProcessor(testConfig(16, 5*time.Millisecond), rec)
	require.NoError(t, err)

	const producers, perProducer = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for n := 1; n <= perProducer; n++ {
				_ = p.Add(inputLine(base + n))
			}
		}(i * perProducer)
	}
	wg.Wait()
	require.NoError(t, p.Close())

	assert.Len(t, rec.lines(), producers*perProducer)
	assert.Equal(t, int64(producers*perProducer), p.GetMetrics().TotalProcessed)
}

func BenchmarkProcessorAdd(b *testing.B) {
	handler := BatchHandlerFunc(func(_ context.Context, batch []*models.InputLine) (int, error) {
		return len(batch), nil
	})
	p, err := NewProcessor(testConfig(64, 10*time.Millisecond), handler)
	if err != nil {
		b.Fatal(err)
	}
	line := inputLine(1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = p.Add(line)
	}
	b.StopTimer()
	_ = p.Close()
}
