package preprocess

import (
	"bufio"
	"context"
	"io"
	"strings"

	"go.uber.org/zap"

	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/ingestion"
	"nmtwizard/internal/logging"
	"nmtwizard/internal/models"
)

// DefaultBatchSize is the number of TUs per loaded batch.
const DefaultBatchSize = 100000

const maxCorpusLine = 1024 * 1024

type lineReader struct {
	rc      io.ReadCloser
	scanner *bufio.Scanner
	path    string
}

func openLines(path string) (*lineReader, error) {
	rc, err := ingestion.OpenCorpus(path)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), maxCorpusLine)
	return &lineReader{rc: rc, scanner: scanner, path: path}, nil
}

// next returns the next line and false at the end of the file.
func (l *lineReader) next() (string, bool, error) {
	if l.scanner.Scan() {
		return l.scanner.Text(), true, nil
	}
	if err := l.scanner.Err(); err != nil {
		return "", false, nmterrors.NewCorpusReadError(l.path, err)
	}
	return "", false, nil
}

func (l *lineReader) Close() error {
	if l == nil {
		return nil
	}
	return l.rc.Close()
}

func sendBatch(ctx context.Context, out chan<- *models.Batch, batch *models.Batch) error {
	select {
	case out <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FileLoader loads TUs from a source file and an optional parallel target
// file. With Tokenized set, lines are space-separated tokens.
type FileLoader struct {
	SourcePath string
	TargetPath string
	// Metadata holds one entry per line. Missing entries are nil.
	Metadata   []any
	StartState State
	BatchSize  int
	Tokenized  bool
}

// NewFileLoader creates a file loader.
func NewFileLoader(source, target string, metadata []any, start State, batchSize int, tokenized bool) *FileLoader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &FileLoader{
		SourcePath: source,
		TargetPath: target,
		Metadata:   metadata,
		StartState: start,
		BatchSize:  batchSize,
		Tokenized:  tokenized,
	}
}

// Load implements Loader.
func (l *FileLoader) Load(ctx context.Context, out chan<- *models.Batch) error {
	src, err := openLines(l.SourcePath)
	if err != nil {
		return err
	}
	defer src.Close()

	var tgt *lineReader
	if l.TargetPath != "" {
		if tgt, err = openLines(l.TargetPath); err != nil {
			return err
		}
		defer tgt.Close()
	}

	srcTok, tgtTok := l.StartState.SrcTokenizerFor(), l.StartState.TgtTokenizerFor()
	tus := make([]*models.TranslationUnit, 0, l.BatchSize)
	index := 0
	for {
		srcLine, ok, err := src.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		var meta any
		if index < len(l.Metadata) {
			meta = l.Metadata[index]
		}

		var tu *models.TranslationUnit
		if l.Tokenized {
			tu = models.NewTokenizedTranslationUnit(strings.Fields(srcLine), meta, srcTok)
		} else {
			tu = models.NewTranslationUnit(srcLine, meta, srcTok)
		}
		if tgt != nil {
			tgtLine, ok, err := tgt.next()
			if err != nil {
				return err
			}
			if !ok {
				return nmterrors.NewCorpusReadError(l.TargetPath, io.ErrUnexpectedEOF)
			}
			if l.Tokenized {
				tu.AddTargetTokens(strings.Fields(tgtLine), "", tgtTok)
			} else {
				tu.AddTarget(tgtLine, "", tgtTok)
			}
		}
		tus = append(tus, tu)
		index++

		if len(tus) == l.BatchSize {
			if err := sendBatch(ctx, out, models.NewBatch(tus, nil)); err != nil {
				return err
			}
			tus = make([]*models.TranslationUnit, 0, l.BatchSize)
		}
	}
	if len(tus) > 0 {
		return sendBatch(ctx, out, models.NewBatch(tus, nil))
	}
	return nil
}

// SamplerFilesLoader loads the sampled lines of each file pair. Batch
// metadata carries the corpus base name, labels, matching pattern and
// sentence weight.
type SamplerFilesLoader struct {
	files     []*SampledFile
	batchSize int
	logger    *zap.Logger
}

// NewSamplerFilesLoader creates a loader over sampled files.
func NewSamplerFilesLoader(files []*SampledFile, batchSize int, logger *zap.Logger) *SamplerFilesLoader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = logging.L()
	}
	return &SamplerFilesLoader{files: files, batchSize: batchSize, logger: logger}
}

// Load implements Loader.
func (l *SamplerFilesLoader) Load(ctx context.Context, out chan<- *models.Batch) error {
	for _, f := range l.files {
		if f.Sampled == 0 {
			continue
		}
		l.logger.Info("loading_corpus", logging.Corpus(f.Base), zap.Int("sampled", f.Sampled), zap.Int("lines", f.Lines))
		if err := l.loadFile(ctx, f, out); err != nil {
			return err
		}
	}
	return nil
}

func (l *SamplerFilesLoader) newMeta(f *SampledFile) *models.BatchMeta {
	return &models.BatchMeta{
		BaseName:       f.Base,
		Labels:         models.NewLabels(f.Labels...),
		Pattern:        f.Pattern,
		SentenceWeight: f.Oversample,
	}
}

func (l *SamplerFilesLoader) loadFile(ctx context.Context, f *SampledFile, out chan<- *models.Batch) error {
	src, err := openLines(f.SourcePath)
	if err != nil {
		return err
	}
	defer src.Close()
	tgt, err := openLines(f.TargetPath)
	if err != nil {
		return err
	}
	defer tgt.Close()

	tus := make([]*models.TranslationUnit, 0, l.batchSize)
	for i := 0; i < f.Lines; i++ {
		srcLine, ok, err := src.next()
		if err != nil {
			return err
		}
		tgtLine, tgtOK, err := tgt.next()
		if err != nil {
			return err
		}
		if !ok || !tgtOK {
			break
		}
		for n := f.Repeat(i); n > 0; n-- {
			tu := models.NewTranslationUnit(srcLine, nil, nil)
			tu.AddTarget(tgtLine, "", nil)
			tus = append(tus, tu)
			if len(tus) == l.batchSize {
				if err := sendBatch(ctx, out, models.NewBatch(tus, l.newMeta(f))); err != nil {
					return err
				}
				tus = make([]*models.TranslationUnit, 0, l.batchSize)
			}
		}
	}
	if len(tus) > 0 {
		return sendBatch(ctx, out, models.NewBatch(tus, l.newMeta(f)))
	}
	return nil
}
