package ingestion

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	nmterrors "nmtwizard/internal/errors"
)

var gzipMagic = []byte{0x1f, 0x8b}

// IsGzipFile reports whether path names a gzip file by its extension.
func IsGzipFile(path string) bool {
	return strings.HasSuffix(path, ".gz")
}

type corpusReader struct {
	io.Reader
	closers []io.Closer
}

func (c *corpusReader) Close() error {
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OpenCorpus opens a corpus file. Gzip content is detected from the file
// header and decompressed transparently.
func OpenCorpus(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nmterrors.NewCorpusNotFoundError(path)
		}
		return nil, nmterrors.NewCorpusReadError(path, err)
	}

	br := bufio.NewReader(f)
	header, err := br.Peek(len(gzipMagic))
	if err != nil && err != io.EOF {
		f.Close()
		return nil, nmterrors.NewCorpusReadError(path, err)
	}
	if !bytes.Equal(header, gzipMagic) {
		return &corpusReader{Reader: br, closers: []io.Closer{f}}, nil
	}

	gz, err := gzip.NewReader(br)
	if err != nil {
		f.Close()
		return nil, nmterrors.NewCorpusReadError(path, err)
	}
	return &corpusReader{Reader: gz, closers: []io.Closer{f, gz}}, nil
}

// CreateCorpus creates a corpus file for writing. Paths ending in .gz are
// gzip-compressed.
func CreateCorpus(path string) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nmterrors.NewStorageWriteError(path, err.Error())
	}
	if !IsGzipFile(path) {
		return f, nil
	}
	return &corpusWriter{Writer: gzip.NewWriter(f), file: f}, nil
}

type corpusWriter struct {
	*gzip.Writer
	file *os.File
}

func (c *corpusWriter) Close() error {
	if err := c.Writer.Close(); err != nil {
		c.file.Close()
		return err
	}
	return c.file.Close()
}

// CountLines returns the number of lines of a corpus file. A final line
// without a trailing newline is counted.
func CountLines(path string) (int, error) {
	r, err := OpenCorpus(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	var (
		count int
		last  byte = '\n'
		buf        = make([]byte, 64*1024)
	)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			count += bytes.Count(buf[:n], []byte{'\n'})
			last = buf[n-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, nmterrors.NewCorpusReadError(path, err)
		}
	}
	if last != '\n' {
		count++
	}
	return count, nil
}
