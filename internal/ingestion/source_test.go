package ingestion

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/models"
)

func collect(t *testing.T, src Source) ([]*models.InputLine, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lines := make(chan *models.InputLine, 10)
	errChan := make(chan error, 1)
	go func() {
		errChan <- src.Read(ctx, lines)
		close(lines)
	}()

	var collected []*models.InputLine
	for line := range lines {
		collected = append(collected, line)
	}
	return collected, <-errChan
}

func writeGzip(t *testing.T, path, content string) {
	t.Helper()
	w, err := CreateCorpus(path)
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestNewFileSource(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		follow bool
	}{
		{"whole file", "/data/input.txt", false},
		{"follow mode", "/data/stream.txt", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := NewFileSource(tt.path, tt.follow, zap.NewNop())
			require.NotNil(t, source)
			assert.Equal(t, tt.path, source.path)
			assert.Equal(t, tt.follow, source.follow)
			assert.Equal(t, "file:"+tt.path, source.Name())
			assert.NoError(t, source.Close())
		})
	}
}

func TestFileSource_ReadAll(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "input.txt")
	content := "Hello world\nHow are you?\n{\"text\": \"json line\"}"
	require.NoError(t, os.WriteFile(tmpFile, []byte(content), 0644))

	collected, err := collect(t, NewFileSource(tmpFile, false, zap.NewNop()))
	require.NoError(t, err)
	require.Len(t, collected, 3)

	assert.Equal(t, "Hello world", collected[0].Text)
	assert.Equal(t, `{"text": "json line"}`, collected[2].Text)
	for i, line := range collected {
		assert.Equal(t, tmpFile, line.Source)
		assert.Equal(t, i+1, line.Line)
		assert.False(t, line.ReceivedAt.IsZero())
	}
}

func TestFileSource_ReadAll_Gzip(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "input.txt.gz")
	writeGzip(t, tmpFile, "first\nsecond\n")

	collected, err := collect(t, NewFileSource(tmpFile, false, zap.NewNop()))
	require.NoError(t, err)
	require.Len(t, collected, 2)
	assert.Equal(t, "second", collected[1].Text)
}

func TestFileSource_ReadAll_EmptyFile(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(tmpFile, nil, 0644))

	collected, err := collect(t, NewFileSource(tmpFile, false, zap.NewNop()))
	require.NoError(t, err)
	assert.Empty(t, collected)
}

func TestFileSource_ReadAll_LargeLines(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "large.txt")
	longLine := strings.Repeat("x", 500*1024)
	require.NoError(t, os.WriteFile(tmpFile, []byte(longLine+"\nshort"), 0644))

	collected, err := collect(t, NewFileSource(tmpFile, false, zap.NewNop()))
	require.NoError(t, err)
	require.Len(t, collected, 2)
	assert.Len(t, collected[0].Text, 500*1024)
}

func TestFileSource_ReadAll_NonExistent(t *testing.T) {
	source := NewFileSource("/nonexistent/path/file.txt", false, zap.NewNop())
	err := source.Read(context.Background(), make(chan *models.InputLine, 1))
	assert.True(t, errors.Is(err, nmterrors.ErrCorpusNotFound))
}

func TestFileSource_ReadAll_ContextCancellation(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "many.txt")
	require.NoError(t, os.WriteFile(tmpFile, []byte(strings.Repeat("line content\n", 10000)), 0644))

	source := NewFileSource(tmpFile, false, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	lines := make(chan *models.InputLine, 100)

	errChan := make(chan error, 1)
	go func() {
		errChan <- source.Read(ctx, lines)
	}()

	for i := 0; i < 10; i++ {
		<-lines
	}
	cancel()

	assert.ErrorIs(t, <-errChan, context.Canceled)
}

func TestFileSource_Follow(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "follow.txt")
	require.NoError(t, os.WriteFile(tmpFile, []byte("existing\n"), 0644))

	source := NewFileSource(tmpFile, true, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lines := make(chan *models.InputLine, 10)
	errChan := make(chan error, 1)
	go func() {
		errChan <- source.Read(ctx, lines)
	}()

	select {
	case line := <-lines:
		assert.Equal(t, "existing", line.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for followed line")
	}

	f, err := os.OpenFile(tmpFile, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("appended\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case line := <-lines:
		assert.Equal(t, "appended", line.Text)
		assert.Equal(t, 2, line.Line)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for appended line")
	}

	cancel()
	assert.ErrorIs(t, <-errChan, context.Canceled)
}

func TestReaderSource(t *testing.T) {
	source := NewReaderSource("test", strings.NewReader("a\nb\nc"), zap.NewNop())
	assert.Equal(t, "test", source.Name())

	collected, err := collect(t, source)
	require.NoError(t, err)
	require.Len(t, collected, 3)
	assert.Equal(t, "test", collected[0].Source)
	assert.NoError(t, source.Close())
}

func TestNewStdinSource(t *testing.T) {
	source := NewStdinSource(zap.NewNop())
	assert.Equal(t, "stdin", source.Name())
	assert.NoError(t, source.Close())
}

func TestCountLines(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name     string
		content  string
		gzipped  bool
		expected int
	}{
		{"empty", "", false, 0},
		{"trailing newline", "a\nb\n", false, 2},
		{"no trailing newline", "a\nb\nc", false, 3},
		{"gzip", "a\nb\nc\nd\n", true, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_"))
			if tt.gzipped {
				path += ".gz"
				writeGzip(t, path, tt.content)
			} else {
				require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			}
			n, err := CountLines(path)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, n)
		})
	}
}

func TestIsGzipFile(t *testing.T) {
	assert.True(t, IsGzipFile("train.en.gz"))
	assert.False(t, IsGzipFile("train.en"))
}

func BenchmarkFileSource_ReadAll(b *testing.B) {
	tmpFile := filepath.Join(b.TempDir(), "bench.txt")
	if err := os.WriteFile(tmpFile, []byte(strings.Repeat("benchmark input line\n", 10000)), 0644); err != nil {
		b.Fatalf("Failed to create test file: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		source := NewFileSource(tmpFile, false, zap.NewNop())
		lines := make(chan *models.InputLine, 1000)
		go func() {
			_ = source.Read(context.Background(), lines)
			close(lines)
		}()
		for range lines {
		}
	}
}
