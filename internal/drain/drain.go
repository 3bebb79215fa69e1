// Package drain empties a collection directory: every regular file present
// when a drain starts is read, handed to a handler and deleted, whatever the
// handler made of it.
package drain

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxFileSize caps the raw size of one collected file.
const DefaultMaxFileSize = 16 << 20

// ErrFileTooLarge is reported for files over the drainer's MaxFileSize.
var ErrFileTooLarge = errors.New("file too large")

// Handler receives the content of one file. The file is deleted after the
// handler returns.
type Handler func(name string, data []byte)

// Stats describes one drain.
type Stats struct {
	Seen         int // regular files enumerated
	Handled      int // files handed to the handler
	ReadErrors   int
	DeleteErrors int
}

// Drainer drains Dir. At most Workers files are held in memory at once,
// counting the one being handled.
type Drainer struct {
	Dir         string
	Workers     int
	MaxFileSize int64
	Logger      *zap.SugaredLogger

	open   func(path string) (io.ReadCloser, error)
	remove func(path string) error
}

// New returns a drainer for dir.
func New(dir string, workers int, logger *zap.SugaredLogger) *Drainer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Drainer{
		Dir:         dir,
		Workers:     workers,
		MaxFileSize: DefaultMaxFileSize,
		Logger:      logger,
		open:        func(path string) (io.ReadCloser, error) { return os.Open(path) },
		remove:      os.Remove,
	}
}

type file struct {
	name string
	data []byte
	err  error
}

// List returns the names of the regular files in the directory, sorted.
// A missing directory has no files.
func (d *Drainer) List() ([]string, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", d.Dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Drain calls handle for every file listed at the start of the call, in
// listing order, and removes each file once its handler has returned. Reads
// run ahead of the handler on up to Workers goroutines. Files that cannot be
// read, or exceed MaxFileSize, are removed without being handled. Only a
// failure to list the directory is returned as an error.
func (d *Drainer) Drain(handle Handler) (Stats, error) {
	names, err := d.List()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Seen: len(names)}
	if len(names) == 0 {
		return stats, nil
	}

	workers := d.Workers
	if workers < 1 {
		workers = 1
	}

	// a slot is taken before a read starts and given back once the file
	// has been handled
	window := make(chan struct{}, workers)
	results := make([]chan file, len(names))
	for i := range results {
		results[i] = make(chan file, 1)
	}

	var g errgroup.Group
	g.Go(func() error {
		for i, name := range names {
			i, name := i, name
			window <- struct{}{}
			g.Go(func() error {
				results[i] <- d.read(name)
				return nil
			})
		}
		return nil
	})

	for i := range names {
		f := <-results[i]
		if f.err != nil {
			stats.ReadErrors++
			d.Logger.Warnw("failed to read collected file", "file", f.name, "error", f.err)
		} else {
			handle(f.name, f.data)
			stats.Handled++
		}
		<-window

		if err := d.delete(f.name); err != nil {
			stats.DeleteErrors++
			d.Logger.Warnw("failed to delete collected file", "file", f.name, "error", err)
		}
	}
	_ = g.Wait()
	return stats, nil
}

func (d *Drainer) read(name string) file {
	f := file{name: name}
	rc, err := d.open(filepath.Join(d.Dir, name))
	if err != nil {
		f.err = err
		return f
	}
	defer rc.Close()

	limit := d.MaxFileSize
	if limit <= 0 {
		limit = DefaultMaxFileSize
	}
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	switch {
	case err != nil:
		f.err = err
	case int64(len(data)) > limit:
		f.err = fmt.Errorf("%w: over %d bytes", ErrFileTooLarge, limit)
	default:
		f.data = data
	}
	return f
}

func (d *Drainer) delete(name string) error {
	err := d.remove(filepath.Join(d.Dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
