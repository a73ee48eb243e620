package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	nmterrors "nmtwizard/internal/errors"
)

// LoadVocabulary reads a vocabulary file: one token per line, optionally
// followed by a tab and its frequency. Empty lines and lines starting with
// "#" are skipped.
func LoadVocabulary(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nmterrors.NewCorpusNotFoundError(path)
		}
		return nil, nmterrors.NewCorpusReadError(path, err)
	}
	defer f.Close()

	var (
		tokens []string
		counts = make(map[string]int)
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		token, countStr, hasCount := strings.Cut(line, "\t")
		if hasCount {
			count, err := strconv.Atoi(strings.TrimSpace(countStr))
			if err != nil {
				return nil, nmterrors.NewCorpusParseError(line, lineNum, "invalid token frequency")
			}
			counts[token] = count
		}
		tokens = append(tokens, token)
	}
	if err := scanner.Err(); err != nil {
		return nil, nmterrors.NewCorpusReadError(path, err)
	}
	return NewVocabulary(tokens, counts), nil
}

// WriteVocabulary writes the size most frequent tokens of counts to path and
// returns the written vocabulary. A size of 0 keeps every token.
func WriteVocabulary(path string, counts map[string]int, size int) (*Vocabulary, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nmterrors.NewStorageWriteError(path, err.Error())
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nmterrors.NewStorageWriteError(path, err.Error())
	}

	tokens := TopTokens(counts, size)
	w := bufio.NewWriter(f)
	for _, tok := range tokens {
		if _, err := fmt.Fprintf(w, "%s\t%d\n", tok, counts[tok]); err != nil {
			f.Close()
			return nil, nmterrors.NewStorageWriteError(path, err.Error())
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return nil, nmterrors.NewStorageWriteError(path, err.Error())
	}
	if err := f.Close(); err != nil {
		return nil, nmterrors.NewStorageWriteError(path, err.Error())
	}
	return NewVocabulary(tokens, counts), nil
}
