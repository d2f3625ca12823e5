// Package extract drives extraction of selected entries onto the local
// filesystem: it validates entry paths, applies overwrite and keep-going
// policies, fans work out across engines, and writes files atomically.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sirrobot01/dlextract/internal/logger"
	"github.com/sirrobot01/dlextract/pkg/archive/types"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrPathTraversal marks an entry whose path would escape the output
	// directory. The entry always fails; keep-going only decides whether its
	// siblings proceed.
	ErrPathTraversal = errors.New("entry path escapes output directory")

	// ErrInsufficientSpace wraps ENOSPC from the sink filesystem.
	ErrInsufficientSpace = errors.New("insufficient disk space")
)

// Factory produces an engine bound to a fresh stream. The driver opens one
// engine per worker because an engine owns its stream exclusively.
type Factory func(ctx context.Context) (types.Engine, error)

// Options configures a Run.
type Options struct {
	OutputDir string
	Workers   int
	Overwrite bool
	KeepGoing bool
}

// Failure records one entry that could not be extracted.
type Failure struct {
	Path string
	Err  error
}

// Summary reports what a Run did.
type Summary struct {
	Extracted int
	Skipped   int
	Failed    int
	Bytes     int64
	Failures  []Failure
}

// Select filters entries by shell patterns matched against the full archive
// path. No patterns selects everything.
func Select(entries []types.Entry, patterns []string) ([]types.Entry, error) {
	if len(patterns) == 0 {
		return entries, nil
	}
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("bad include pattern %q: %w", p, err)
		}
	}
	var out []types.Entry
	for _, e := range entries {
		for _, p := range patterns {
			if ok, _ := path.Match(p, e.Path); ok {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

// SafePath maps an archive path onto the output directory, rejecting
// anything that would land outside it.
func SafePath(outputDir, entryPath string) (string, error) {
	clean := path.Clean(entryPath)
	if clean == "." || clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, entryPath)
	}
	native := filepath.FromSlash(clean)
	if filepath.IsAbs(native) || !filepath.IsLocal(native) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, entryPath)
	}
	return filepath.Join(outputDir, native), nil
}

type runner struct {
	factory Factory
	opts    Options
	log     zerolog.Logger

	mu      sync.Mutex
	summary Summary
}

// Run extracts the given entries. The primary engine (the one that probed)
// is used for the first worker; additional workers get their own engines
// from the factory. With KeepGoing set, per-entry failures are recorded and
// extraction continues; otherwise the first failure cancels the run.
func Run(ctx context.Context, primary types.Engine, entries []types.Entry, factory Factory, opts Options) (Summary, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	r := &runner{factory: factory, opts: opts, log: logger.New("extract")}

	// Directories first, shallowest first, so file writes never race their
	// parent directory creation.
	var dirs, files []types.Entry
	for _, e := range entries {
		if e.IsDirectory {
			dirs = append(dirs, e)
		} else {
			files = append(files, e)
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i].Path) < len(dirs[j].Path) })
	for _, d := range dirs {
		if err := r.makeDir(d); err != nil && !opts.KeepGoing {
			return r.summary, err
		}
	}

	pool := make(chan types.Engine, opts.Workers)
	pool <- primary
	opened := 1

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	var poolMu sync.Mutex

	acquire := func() (types.Engine, error) {
		select {
		case eng := <-pool:
			return eng, nil
		default:
		}
		poolMu.Lock()
		if opened < opts.Workers {
			opened++
			poolMu.Unlock()
			eng, err := r.factory(gctx)
			if err != nil {
				return nil, fmt.Errorf("failed to open worker engine: %w", err)
			}
			if err := eng.Probe(gctx); err != nil {
				eng.Close()
				return nil, err
			}
			return eng, nil
		}
		poolMu.Unlock()
		select {
		case eng := <-pool:
			return eng, nil
		case <-gctx.Done():
			return nil, gctx.Err()
		}
	}

	for _, entry := range files {
		entry := entry
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			eng, err := acquire()
			if err != nil {
				return err
			}
			err = r.extractOne(gctx, eng, entry)
			pool <- eng
			if err != nil && !opts.KeepGoing {
				return err
			}
			return nil
		})
	}

	err := g.Wait()

	// Close the extra engines the run opened; the primary stays with the
	// caller.
	close(pool)
	for eng := range pool {
		if eng != primary {
			eng.Close()
		}
	}
	return r.summary, err
}

func (r *runner) makeDir(entry types.Entry) error {
	target, err := SafePath(r.opts.OutputDir, entry.Path)
	if err != nil {
		r.record(entry, 0, err)
		return err
	}
	if err := os.MkdirAll(target, 0755); err != nil {
		err = sinkError(err)
		r.record(entry, 0, err)
		return err
	}
	r.record(entry, 0, nil)
	return nil
}

func (r *runner) extractOne(ctx context.Context, eng types.Engine, entry types.Entry) error {
	target, err := SafePath(r.opts.OutputDir, entry.Path)
	if err != nil {
		r.record(entry, 0, err)
		return err
	}

	if !r.opts.Overwrite {
		if _, err := os.Stat(target); err == nil {
			r.skip(entry)
			r.log.Debug().Str("path", entry.Path).Msg("exists, skipping")
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		err = sinkError(err)
		r.record(entry, 0, err)
		return err
	}

	n, err := r.writeAtomic(ctx, eng, entry, target)
	r.record(entry, n, err)
	if err != nil {
		r.log.Error().Err(err).Str("path", entry.Path).Msg("extraction failed")
		return fmt.Errorf("%s: %w", entry.Path, err)
	}
	r.log.Debug().Str("path", entry.Path).Int64("bytes", n).Msg("extracted")
	return nil
}

// writeAtomic streams the entry into a partial file next to the target and
// renames it into place only on success. The partial file is removed on any
// failure, including cancellation.
func (r *runner) writeAtomic(ctx context.Context, eng types.Engine, entry types.Entry, target string) (int64, error) {
	partial := fmt.Sprintf("%s.partial-%s", target, uuid.NewString())
	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, sinkError(err)
	}

	cw := &countingWriter{w: f}
	err = eng.Extract(ctx, entry, cw)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(partial)
		return cw.n, sinkError(err)
	}
	if err := os.Rename(partial, target); err != nil {
		os.Remove(partial)
		return cw.n, sinkError(err)
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func sinkError(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", ErrInsufficientSpace, err)
	}
	return err
}

func (r *runner) record(entry types.Entry, n int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.summary.Failed++
		r.summary.Failures = append(r.summary.Failures, Failure{Path: entry.Path, Err: err})
		return
	}
	r.summary.Extracted++
	r.summary.Bytes += n
}

func (r *runner) skip(entry types.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Skipped++
}
