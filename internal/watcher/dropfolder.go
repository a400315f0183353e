package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/oktsec/actiongate/internal/safefile"
)

// DropFolderKind is the item kind produced by the drop folder.
const DropFolderKind = "file_drop"

// processedDir is where handled files are moved, inside the drop folder.
const processedDir = "processed"

// DropFolder is a source that turns files dropped into a directory into
// candidates. Handled files are moved into a processed/ subdirectory.
type DropFolder struct {
	dir      string
	maxBytes int64
	logger   *slog.Logger
	trigger  chan struct{}
}

// NewDropFolder creates dir if needed and returns a source reading it.
func NewDropFolder(dir string, maxBytes int64, logger *slog.Logger) (*DropFolder, error) {
	if err := os.MkdirAll(filepath.Join(dir, processedDir), 0o750); err != nil {
		return nil, fmt.Errorf("creating drop folder: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &DropFolder{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}, nil
}

// Poll implements Source. Files are returned oldest first. Unreadable files
// are reported in the error and left in place.
func (d *DropFolder) Poll(_ context.Context) ([]Candidate, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("reading drop folder: %w", err)
	}

	type dropped struct {
		path string
		info os.FileInfo
	}
	var files []dropped
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, dropped{path: filepath.Join(d.dir, e.Name()), info: info})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].info.ModTime().Before(files[j].info.ModTime())
	})

	var cands []Candidate
	var errs []error
	for _, f := range files {
		data, err := safefile.ReadFileMax(f.path, d.maxBytes)
		if err != nil {
			if errors.Is(err, safefile.ErrTooLarge) || errors.Is(err, safefile.ErrSymlink) {
				d.logger.Warn("drop folder file skipped", "file", f.info.Name(), "error", err)
				continue
			}
			errs = append(errs, err)
			continue
		}
		path := f.path
		name := f.info.Name()
		cands = append(cands, Candidate{
			Content: string(data),
			Metadata: map[string]string{
				MetaKind:     DropFolderKind,
				MetaSubject:  name,
				MetaSourceID: name,
			},
			ReceivedAt: f.info.ModTime(),
			Ack: func() error {
				_, err := safefile.MoveInto(path, filepath.Join(d.dir, processedDir))
				return err
			},
		})
	}
	return cands, errors.Join(errs...)
}

// Trigger implements Triggerer.
func (d *DropFolder) Trigger() <-chan struct{} {
	return d.trigger
}

// Watch signals Trigger whenever a file is created in or moved into the
// folder. It returns when ctx is cancelled.
func (d *DropFolder) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()
	if err := fw.Add(d.dir); err != nil {
		return fmt.Errorf("watching %s: %w", d.dir, err)
	}
	d.logger.Info("watching drop folder", "dir", d.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Dir(ev.Name) != filepath.Clean(d.dir) {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				select {
				case d.trigger <- struct{}{}:
				default:
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("drop folder watch error", "error", err)
		}
	}
}
