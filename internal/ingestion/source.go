// Package ingestion provides input adapters for reading translation input
// and corpus files.
package ingestion

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nxadm/tail"
	"go.uber.org/zap"

	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
	"nmtwizard/internal/models"
)

// maxLineSize bounds the length of a single input line.
const maxLineSize = 1024 * 1024

// Source is the interface that input adapters must implement.
type Source interface {
	// Read reads lines and sends them to the provided channel.
	// It should return when the context is cancelled or the source is exhausted.
	Read(ctx context.Context, lines chan<- *models.InputLine) error

	// Name returns a human-readable name for this source.
	Name() string

	// Close releases any resources held by the source.
	Close() error
}

// FileSource reads lines from a file, optionally following it for new lines.
type FileSource struct {
	path   string
	follow bool
	logger *zap.Logger
}

// NewFileSource creates a new file source.
func NewFileSource(path string, follow bool, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = logging.L()
	}
	return &FileSource{
		path:   path,
		follow: follow,
		logger: logger,
	}
}

// Name returns the source name.
func (f *FileSource) Name() string {
	return fmt.Sprintf("file:%s", f.path)
}

// Read reads lines from the file.
func (f *FileSource) Read(ctx context.Context, lines chan<- *models.InputLine) error {
	if f.follow {
		return f.readFollow(ctx, lines)
	}
	return f.readAll(ctx, lines)
}

// readAll reads the entire file. Gzip files are decompressed.
func (f *FileSource) readAll(ctx context.Context, lines chan<- *models.InputLine) error {
	r, err := OpenCorpus(f.path)
	if err != nil {
		return err
	}
	defer r.Close()

	return wrapScanError(f.path, scanLines(ctx, r, f.path, lines))
}

// readFollow follows the file for new lines until ctx is done.
func (f *FileSource) readFollow(ctx context.Context, lines chan<- *models.InputLine) error {
	t, err := tail.TailFile(f.path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nmterrors.NewCorpusReadError(f.path, err)
	}
	defer func() { _ = t.Stop() }()

	lineNum := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-t.Lines:
			if !ok {
				return nil
			}
			if line.Err != nil {
				f.logger.Warn("line_read_failed", logging.Path(f.path), zap.Error(line.Err))
				continue
			}
			lineNum++
			if err := send(ctx, lines, newInputLine(line.Text, f.path, lineNum)); err != nil {
				return err
			}
		}
	}
}

// Close releases resources.
func (f *FileSource) Close() error {
	return nil
}

// ReaderSource reads lines from an io.Reader such as stdin.
type ReaderSource struct {
	name   string
	reader io.Reader
	logger *zap.Logger
}

// NewStdinSource creates a source reading standard input.
func NewStdinSource(logger *zap.Logger) *ReaderSource {
	return NewReaderSource("stdin", os.Stdin, logger)
}

// NewReaderSource creates a source reading r.
func NewReaderSource(name string, r io.Reader, logger *zap.Logger) *ReaderSource {
	if logger == nil {
		logger = logging.L()
	}
	return &ReaderSource{name: name, reader: r, logger: logger}
}

// Name returns the source name.
func (s *ReaderSource) Name() string {
	return s.name
}

// Read reads lines until EOF.
func (s *ReaderSource) Read(ctx context.Context, lines chan<- *models.InputLine) error {
	return wrapScanError(s.name, scanLines(ctx, s.reader, s.name, lines))
}

// Close releases resources.
func (s *ReaderSource) Close() error {
	return nil
}

func newInputLine(text, source string, lineNum int) *models.InputLine {
	return &models.InputLine{
		Text:       text,
		Source:     source,
		Line:       lineNum,
		ReceivedAt: time.Now().UTC(),
	}
}

func send(ctx context.Context, lines chan<- *models.InputLine, line *models.InputLine) error {
	select {
	case lines <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wrapScanError keeps context errors as is.
func wrapScanError(source string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nmterrors.NewCorpusReadError(source, err)
}

func scanLines(ctx context.Context, r io.Reader, source string, lines chan<- *models.InputLine) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if err := send(ctx, lines, newInputLine(scanner.Text(), source, lineNum)); err != nil {
			return err
		}
	}
	return scanner.Err()
}
