// Package cache stores translation hypotheses in a leveldb database keyed by
// a content digest of the model version and the request.
package cache

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/opencontainers/go-digest"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"go.uber.org/zap"

	"nmtwizard/internal/backend"
	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/logging"
)

const unitSeparator = 0x1f

// Cache is a translation cache. It is safe for concurrent use.
type Cache struct {
	db     *leveldb.DB
	path   string
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats holds cache counters.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Open opens or creates the cache database at path. An empty path opens an
// in-memory database.
func Open(path string, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = logging.L()
	}
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nmterrors.NewStorageWriteError(path, err.Error())
		}
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, nmterrors.NewStorageReadError(path, err.Error())
	}
	return &Cache{
		db:     db,
		path:   path,
		logger: logger.With(zap.String("component", "translation_cache")),
	}, nil
}

// Key returns the cache key of an example translated by the model version
// identified by model.
func Key(model digest.Digest, input *backend.TranslationInput, opts backend.Options) digest.Digest {
	d := digest.Canonical.Digester()
	h := d.Hash()
	h.Write([]byte(model.String()))
	h.Write([]byte{0})
	writeTokens(h, input.Tokens)
	h.Write([]byte{0})
	writeTokens(h, input.TargetPrefix)
	h.Write([]byte{0})
	optsJSON, _ := json.Marshal(opts)
	h.Write(optsJSON)
	return d.Digest()
}

func writeTokens(w io.Writer, tokens []string) {
	for _, tok := range tokens {
		io.WriteString(w, tok)
		w.Write([]byte{unitSeparator})
	}
}

// Get returns the cached hypotheses for key. ok is false on a miss.
func (c *Cache) Get(key digest.Digest) (hyps []backend.Hypothesis, ok bool, err error) {
	val, err := c.db.Get([]byte(key.String()), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			c.misses.Add(1)
			return nil, false, nil
		}
		return nil, false, nmterrors.NewStorageReadError(c.path, err.Error())
	}
	if err := json.Unmarshal(val, &hyps); err != nil {
		c.logger.Warn("cache_entry_invalid", zap.String("key", key.String()), zap.Error(err))
		c.misses.Add(1)
		return nil, false, nil
	}
	c.hits.Add(1)
	return hyps, true, nil
}

// Put stores hypotheses under key.
func (c *Cache) Put(key digest.Digest, hyps []backend.Hypothesis) error {
	val, err := json.Marshal(hyps)
	if err != nil {
		return nmterrors.NewStorageWriteError(c.path, err.Error())
	}
	if err := c.db.Put([]byte(key.String()), val, nil); err != nil {
		return nmterrors.NewStorageWriteError(c.path, err.Error())
	}
	return nil
}

// Stats returns the hit and miss counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}
