package remote

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cavaliergopher/grab/v3"
)

// spool is the sequential-transfer fallback: the full body is downloaded once
// to a temp file and all subsequent reads, including backward seeks, are
// served locally.
type spool struct {
	path string
	file *os.File
	size int64
}

// enterFallback downloads the whole resource and rewires the stream to read
// from the local spool. Degraded performance, not an error.
func (s *Stream) enterFallback() error {
	if s.spool != nil {
		return nil
	}
	s.support = rangeNo
	s.log.Warn().Str("url", s.url).Msg("range requests unsupported, falling back to full transfer")

	dir, err := os.MkdirTemp("", "dlextract-spool-")
	if err != nil {
		return fmt.Errorf("failed to create spool dir: %w", err)
	}
	dst := filepath.Join(dir, "body")

	client := grab.NewClient()
	client.UserAgent = s.opts.UserAgent
	if s.opts.Client != nil {
		client.HTTPClient = s.opts.Client
	}
	req, err := grab.NewRequest(dst, s.url)
	if err != nil {
		os.RemoveAll(dir)
		return &NetError{Err: err}
	}
	req = req.WithContext(s.ctx)

	s.requests++
	resp := client.Do(req)
	if err := resp.Err(); err != nil {
		os.RemoveAll(dir)
		return &NetError{Transient: true, Err: fmt.Errorf("full transfer failed: %w", err)}
	}

	f, err := os.Open(resp.Filename)
	if err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("failed to open spool: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		os.RemoveAll(dir)
		return fmt.Errorf("failed to stat spool: %w", err)
	}

	s.spool = &spool{path: dir, file: f, size: st.Size()}
	if s.size == 0 {
		s.size = st.Size()
	}
	// The cached windows came from the same body; the spool supersedes them.
	s.cache.Purge()
	s.tail = nil
	s.log.Debug().Int64("bytes", st.Size()).Msg("spooled full body")
	return nil
}

func (sp *spool) ReadAt(p []byte, off int64) (int, error) {
	return sp.file.ReadAt(p, off)
}

func (sp *spool) Close() error {
	err := sp.file.Close()
	if rerr := os.RemoveAll(sp.path); err == nil {
		err = rerr
	}
	return err
}
