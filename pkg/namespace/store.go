package namespace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/dCache/dcache-sub032/pkg/types"
)

const (
	filePrefix     = "f/"
	locationPrefix = "l/"
)

type StoreConfig struct {
	Dir              string
	InMemory         bool
	ValueLogFileSize int64
}

// Store is a badger-backed namespace. File attributes live under f/<pnfsid>,
// and every replica gets an index key l/<pool>/<pnfsid> for pool scans.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func Open(cfg StoreConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "namespace"))

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("namespace directory is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create namespace directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	if cfg.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(cfg.ValueLogFileSize)
	}
	opts = opts.WithLogger(badgerLogger{logger: logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open namespace store: %w", err)
	}

	logger.Info("Namespace store opened",
		zap.String("dir", cfg.Dir),
		zap.Bool("in_memory", cfg.InMemory))

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func fileKey(pnfsid types.PnfsID) []byte {
	return []byte(filePrefix + string(pnfsid))
}

func locationKey(pool types.PoolName, pnfsid types.PnfsID) []byte {
	return []byte(locationPrefix + string(pool) + "/" + string(pnfsid))
}

func poolPrefix(pool types.PoolName) []byte {
	return []byte(locationPrefix + string(pool) + "/")
}

func getAttributes(txn *badger.Txn, pnfsid types.PnfsID) (types.FileAttributes, error) {
	var attrs types.FileAttributes
	item, err := txn.Get(fileKey(pnfsid))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return attrs, fmt.Errorf("%s: %w", pnfsid, ErrFileNotFound)
	}
	if err != nil {
		return attrs, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &attrs)
	})
	return attrs, err
}

func putAttributes(txn *badger.Txn, attrs types.FileAttributes) error {
	data, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	return txn.Set(fileKey(attrs.PnfsID), data)
}

func (s *Store) RequiredAttributes(ctx context.Context, pnfsid types.PnfsID) (types.FileAttributes, error) {
	if err := ctx.Err(); err != nil {
		return types.FileAttributes{}, err
	}
	var attrs types.FileAttributes
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		attrs, err = getAttributes(txn, pnfsid)
		return err
	})
	return attrs, err
}

// Put creates or replaces a file entry together with its location index.
func (s *Store) Put(ctx context.Context, attrs types.FileAttributes) error {
	if attrs.PnfsID == "" {
		return errors.New("pnfsid is required")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if old, err := getAttributes(txn, attrs.PnfsID); err == nil {
			for _, pool := range old.Locations {
				if err := txn.Delete(locationKey(pool, attrs.PnfsID)); err != nil {
					return err
				}
			}
		} else if !errors.Is(err, ErrFileNotFound) {
			return err
		}
		for _, pool := range attrs.Locations {
			if err := txn.Set(locationKey(pool, attrs.PnfsID), nil); err != nil {
				return err
			}
		}
		return putAttributes(txn, attrs)
	})
}

// AddLocation records a new replica. It reports whether the location was new.
func (s *Store) AddLocation(ctx context.Context, pnfsid types.PnfsID, pool types.PoolName) (bool, error) {
	added := false
	err := s.db.Update(func(txn *badger.Txn) error {
		attrs, err := getAttributes(txn, pnfsid)
		if err != nil {
			return err
		}
		if attrs.HasLocation(pool) {
			return nil
		}
		attrs.Locations = append(attrs.Locations, pool)
		added = true
		if err := txn.Set(locationKey(pool, pnfsid), nil); err != nil {
			return err
		}
		return putAttributes(txn, attrs)
	})
	return added, err
}

// ClearLocation removes a replica. It reports whether the location existed.
func (s *Store) ClearLocation(ctx context.Context, pnfsid types.PnfsID, pool types.PoolName) (bool, error) {
	removed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		attrs, err := getAttributes(txn, pnfsid)
		if err != nil {
			return err
		}
		i := slices.Index(attrs.Locations, pool)
		if i < 0 {
			return nil
		}
		attrs.Locations = slices.Delete(attrs.Locations, i, i+1)
		removed = true
		if err := txn.Delete(locationKey(pool, pnfsid)); err != nil {
			return err
		}
		return putAttributes(txn, attrs)
	})
	return removed, err
}

func (s *Store) Delete(ctx context.Context, pnfsid types.PnfsID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		attrs, err := getAttributes(txn, pnfsid)
		if err != nil {
			return err
		}
		for _, pool := range attrs.Locations {
			if err := txn.Delete(locationKey(pool, pnfsid)); err != nil {
				return err
			}
		}
		return txn.Delete(fileKey(pnfsid))
	})
}

func (s *Store) FilesOnPool(ctx context.Context, pool types.PoolName, fn func(types.FileAttributes) error) error {
	prefix := poolPrefix(pool)
	var ids []types.PnfsID

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			ids = append(ids, types.PnfsID(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list files on pool %s: %w", pool, err)
	}

	// Attributes are read one file at a time so fn may update the store.
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		attrs, err := s.RequiredAttributes(ctx, id)
		if errors.Is(err, ErrFileNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(attrs); err != nil {
			return err
		}
	}
	return nil
}

// List returns up to limit files in key order; limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]types.FileAttributes, error) {
	var out []types.FileAttributes
	prefix := []byte(filePrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var attrs types.FileAttributes
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &attrs)
			}); err != nil {
				return err
			}
			out = append(out, attrs)
		}
		return nil
	})
	return out, err
}
