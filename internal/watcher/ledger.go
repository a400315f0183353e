package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Ledger persists watcher state and the set of processed fingerprints.
type Ledger interface {
	// LoadState returns the stored state for source, or a fresh healthy
	// state if none was saved.
	LoadState(ctx context.Context, source string) (*State, error)
	SaveState(ctx context.Context, s *State) error
	// RecordFingerprint adds hash and reports whether it was new.
	RecordFingerprint(ctx context.Context, source, hash string) (bool, error)
	Fingerprints(ctx context.Context, source string) ([]string, error)
	Close() error
}

func stateKey(source string) []byte {
	return []byte("state/" + source)
}

func fingerprintPrefix(source string) []byte {
	return []byte("fp/" + source + "/")
}

// BadgerLedger is the embedded ledger used by a single actiongate host.
type BadgerLedger struct {
	db *badger.DB
}

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// OpenBadger opens (or creates) a ledger in dir. An empty dir opens an
// in-memory ledger.
func OpenBadger(dir string, logger *slog.Logger) (*BadgerLedger, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating ledger dir: %w", err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return &BadgerLedger{db: db}, nil
}

// LoadState implements Ledger.
func (l *BadgerLedger) LoadState(_ context.Context, source string) (*State, error) {
	s := NewState(source)
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(source))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, s)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading state for %s: %w", source, err)
	}
	return s, nil
}

// SaveState implements Ledger.
func (l *BadgerLedger) SaveState(_ context.Context, s *State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(s.Source), data)
	}); err != nil {
		return fmt.Errorf("saving state for %s: %w", s.Source, err)
	}
	return nil
}

// RecordFingerprint implements Ledger.
func (l *BadgerLedger) RecordFingerprint(_ context.Context, source, hash string) (bool, error) {
	key := append(fingerprintPrefix(source), hash...)
	added := false
	err := l.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		added = true
		return txn.Set(key, nil)
	})
	if err != nil {
		return false, fmt.Errorf("recording fingerprint for %s: %w", source, err)
	}
	return added, nil
}

// Fingerprints implements Ledger.
func (l *BadgerLedger) Fingerprints(_ context.Context, source string) ([]string, error) {
	prefix := fingerprintPrefix(source)
	var out []string
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			out = append(out, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing fingerprints for %s: %w", source, err)
	}
	return out, nil
}

// Close implements Ledger.
func (l *BadgerLedger) Close() error {
	return l.db.Close()
}
