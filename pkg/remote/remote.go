package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/sirrobot01/dlextract/internal/logger"
	"go.uber.org/ratelimit"
)

// Error definitions
var (
	ErrRangeUnsupported   = errors.New("server does not support range requests")
	ErrRangeInconsistency = errors.New("remote resource changed during session")
	ErrClosed             = errors.New("stream is closed")
	ErrSizeUnknown        = errors.New("remote size is unknown")
)

// NetError wraps a transport failure. Transient errors are retried
// internally before being surfaced.
type NetError struct {
	Status    int
	Transient bool
	Err       error
}

func (e *NetError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("network error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetError) Unwrap() error { return e.Err }

// Options tunes a Stream. Zero values fall back to defaults.
type Options struct {
	ChunkSize      int64
	TailSize       int64
	CacheSize      int64
	MaxRetries     int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	RequestsPerSec int
	UserAgent      string
	Client         *http.Client
}

func (o *Options) applyDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 64 * 1024
	}
	if o.TailSize <= 0 {
		o.TailSize = 128 * 1024
	}
	if o.CacheSize < o.ChunkSize {
		o.CacheSize = 16 * 1024 * 1024
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 4
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.UserAgent == "" {
		o.UserAgent = "dlextract/1.0"
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: o.RequestTimeout}
	}
}

type rangeSupport int

const (
	rangeUnknown rangeSupport = iota
	rangeYes
	rangeNo
)

// Stream is a random-access read view of an HTTP resource. Reads are served
// from a chunk-aligned window cache; cache misses cost one range request for
// the aligned chunk. The final TailSize bytes are pinned separately because
// every supported archive format probes its directory metadata from the tail.
//
// A Stream is not safe for concurrent use. Parallel extraction must open one
// Stream per worker.
type Stream struct {
	url     string
	ctx     context.Context
	opts    Options
	limiter ratelimit.Limiter
	log     zerolog.Logger

	size      int64
	pos       int64
	support   rangeSupport
	reprobed  bool // one 416 size re-probe allowed per session
	cache     *lru.Cache[int64, []byte]
	tail      []byte
	tailStart int64

	spool *spool // set once range support goes negative

	requests int64
	closed   bool
}

// Open probes url with a one-byte range request to resolve the resource size
// and range support, then primes the tail block. The returned Stream owns no
// goroutines; Close releases its cache and any fallback spool file.
func Open(ctx context.Context, url string, opts Options) (*Stream, error) {
	opts.applyDefaults()

	var limiter ratelimit.Limiter
	if opts.RequestsPerSec > 0 {
		limiter = ratelimit.New(opts.RequestsPerSec)
	} else {
		limiter = ratelimit.NewUnlimited()
	}

	// Count-bounded LRU approximating the byte quota: all blocks but the
	// last are exactly ChunkSize long.
	entries := int(opts.CacheSize / opts.ChunkSize)
	if entries < 1 {
		entries = 1
	}
	cache, err := lru.New[int64, []byte](entries)
	if err != nil {
		return nil, err
	}

	s := &Stream{
		url:     url,
		ctx:     ctx,
		opts:    opts,
		limiter: limiter,
		log:     logger.New("remote"),
		cache:   cache,
	}

	if err := s.probeSize(); err != nil {
		return nil, err
	}

	if s.support == rangeNo {
		if err := s.enterFallback(); err != nil {
			return nil, err
		}
		return s, nil
	}

	if err := s.primeTail(); err != nil {
		// A failed prefetch is an optimization miss, not a fatal error,
		// unless it proved the resource unreachable.
		var netErr *NetError
		if errors.As(err, &netErr) && !netErr.Transient {
			return nil, err
		}
		s.log.Debug().Err(err).Msg("tail prefetch failed")
	}

	return s, nil
}

// probeSize issues a bytes=0-0 ranged GET and resolves total size and range
// support from the response. A HEAD request is the fallback when the probe
// yields neither Content-Range nor Content-Length.
func (s *Stream) probeSize() error {
	resp, err := s.doRange(0, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain the single probe byte so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2))

	switch resp.StatusCode {
	case http.StatusPartialContent:
		s.support = rangeYes
		total, err := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		if err != nil {
			return fmt.Errorf("bad Content-Range %q: %w", resp.Header.Get("Content-Range"), err)
		}
		s.size = total
		return nil
	case http.StatusOK:
		// Server ignored the range header.
		s.support = rangeNo
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				s.size = n
			}
		}
		if s.size == 0 {
			return s.headSize()
		}
		return nil
	default:
		return &NetError{Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %d probing size", resp.StatusCode)}
	}
}

func (s *Stream) headSize() error {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return &NetError{Err: err}
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)
	s.limiter.Take()
	s.requests++
	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return &NetError{Transient: true, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &NetError{Status: resp.StatusCode, Err: fmt.Errorf("HEAD returned %d", resp.StatusCode)}
	}
	if resp.ContentLength < 0 {
		return ErrSizeUnknown
	}
	s.size = resp.ContentLength
	return nil
}

func (s *Stream) primeTail() error {
	start := s.size - s.opts.TailSize
	if start < 0 {
		start = 0
	}
	if s.size == 0 {
		return nil
	}
	data, err := s.fetchRange(start, s.size-1)
	if err != nil {
		return err
	}
	s.tail = data
	s.tailStart = start
	return nil
}

// Size returns the resolved total length of the resource.
func (s *Stream) Size() int64 { return s.size }

// Tell returns the current cursor position.
func (s *Stream) Tell() int64 { return s.pos }

// Requests returns the number of HTTP requests issued so far.
func (s *Stream) Requests() int64 { return s.requests }

// Seek repositions the cursor. Seeking issues no network requests.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		abs = s.size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("negative seek position %d", abs)
	}
	s.pos = abs
	return abs, nil
}

// Read reads up to len(p) bytes at the cursor and advances it.
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if s.pos >= s.size {
		return 0, io.EOF
	}
	n, err := s.ReadAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

// ReadAt reads len(p) bytes starting at off. It satisfies io.ReaderAt: a
// short read always returns an error, and reads crossing the end of the
// resource return io.EOF after the available bytes.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	want := len(p)
	if off+int64(want) > s.size {
		want = int(s.size - off)
	}

	if s.spool != nil {
		n, err := s.spool.ReadAt(p[:want], off)
		if err == nil && n < len(p) {
			err = io.EOF
		}
		return n, err
	}

	read := 0
	for read < want {
		cur := off + int64(read)
		block, blockStart, err := s.blockFor(cur)
		if err != nil {
			return read, err
		}
		idx := cur - blockStart
		if idx >= int64(len(block)) {
			return read, io.ErrUnexpectedEOF
		}
		read += copy(p[read:want], block[idx:])
	}
	if read < len(p) {
		return read, io.EOF
	}
	return read, nil
}

// blockFor returns a cached byte window covering off, fetching the aligned
// chunk on a miss. The tail block takes precedence so backward probes into
// the directory region never hit the network.
func (s *Stream) blockFor(off int64) ([]byte, int64, error) {
	if s.spool != nil {
		// Fallback engaged mid-read: serve the rest locally.
		end := off + s.opts.ChunkSize
		if end > s.size {
			end = s.size
		}
		block := make([]byte, end-off)
		if _, err := s.spool.ReadAt(block, off); err != nil {
			return nil, 0, err
		}
		return block, off, nil
	}
	if s.tail != nil && off >= s.tailStart {
		return s.tail, s.tailStart, nil
	}
	idx := off / s.opts.ChunkSize
	if block, ok := s.cache.Get(idx); ok {
		return block, idx * s.opts.ChunkSize, nil
	}

	start := idx * s.opts.ChunkSize
	end := start + s.opts.ChunkSize - 1
	if end > s.size-1 {
		end = s.size - 1
	}
	block, err := s.fetchRange(start, end)
	if err != nil {
		if errors.Is(err, ErrRangeUnsupported) {
			// First non-partial response: degrade to sequential transfer.
			if ferr := s.enterFallback(); ferr != nil {
				return nil, 0, ferr
			}
			block := make([]byte, end-start+1)
			if _, rerr := s.spool.ReadAt(block, start); rerr != nil {
				return nil, 0, rerr
			}
			return block, start, nil
		}
		return nil, 0, err
	}
	s.cache.Add(idx, block)
	return block, start, nil
}

// fetchRange transfers [start, end] (inclusive) with retry on transient
// failures. A 200 response reports ErrRangeUnsupported; a 416 triggers the
// one-time size re-probe before becoming ErrRangeInconsistency.
func (s *Stream) fetchRange(start, end int64) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.opts.RetryDelay * time.Duration(1<<uint(attempt-1))
			jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
			select {
			case <-s.ctx.Done():
				return nil, s.ctx.Err()
			case <-time.After(delay + jitter):
			}
		}

		data, retryAfter, err := s.fetchRangeOnce(start, end)
		if err == nil {
			return data, nil
		}
		lastErr = err

		var netErr *NetError
		if !errors.As(err, &netErr) || !netErr.Transient {
			return nil, err
		}
		if retryAfter > 0 {
			select {
			case <-s.ctx.Done():
				return nil, s.ctx.Err()
			case <-time.After(retryAfter):
			}
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", s.opts.MaxRetries+1, lastErr)
}

func (s *Stream) fetchRangeOnce(start, end int64) ([]byte, time.Duration, error) {
	resp, err := s.doRange(start, end)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		s.support = rangeYes
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, 0, &NetError{Transient: true, Err: err}
		}
		if len(data) == 0 && end >= start {
			return nil, 0, &NetError{Transient: true, Err: errors.New("empty body for non-empty range")}
		}
		return data, 0, nil
	case http.StatusOK:
		return nil, 0, ErrRangeUnsupported
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, 0, s.handleUnsatisfiable()
	case http.StatusTooManyRequests:
		wait := 3 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		s.log.Debug().Dur("retry_after", wait).Msg("rate limited by server")
		return nil, wait, &NetError{Status: resp.StatusCode, Transient: true, Err: errors.New("too many requests")}
	default:
		transient := resp.StatusCode >= 500
		return nil, 0, &NetError{
			Status:    resp.StatusCode,
			Transient: transient,
			Err:       fmt.Errorf("unexpected status %d for range %d-%d", resp.StatusCode, start, end),
		}
	}
}

// handleUnsatisfiable re-probes the resource size exactly once. A second
// mismatch means the remote file changed under us and the session is dead.
func (s *Stream) handleUnsatisfiable() error {
	if s.reprobed {
		return ErrRangeInconsistency
	}
	s.reprobed = true
	oldSize := s.size
	if err := s.probeSize(); err != nil {
		return ErrRangeInconsistency
	}
	if s.size == oldSize {
		return ErrRangeInconsistency
	}
	s.log.Warn().
		Int64("old_size", oldSize).
		Int64("new_size", s.size).
		Msg("remote size changed, re-resolved once")
	s.cache.Purge()
	s.tail = nil
	return &NetError{Transient: true, Err: errors.New("size re-resolved, retrying range")}
}

func (s *Stream) doRange(start, end int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, &NetError{Err: err}
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	s.limiter.Take()
	s.requests++
	resp, err := s.opts.Client.Do(req)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, s.ctx.Err()
		}
		return nil, &NetError{Transient: true, Err: err}
	}
	return resp, nil
}

// Close releases the cache and any spool file. The stream is unusable after.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cache.Purge()
	s.tail = nil
	if s.spool != nil {
		return s.spool.Close()
	}
	return nil
}

func parseContentRangeTotal(header string) (int64, error) {
	// Content-Range: bytes 0-0/12345
	i := strings.LastIndexByte(header, '/')
	if i < 0 {
		return 0, errors.New("missing total")
	}
	total := header[i+1:]
	if total == "*" {
		return 0, ErrSizeUnknown
	}
	return strconv.ParseInt(total, 10, 64)
}
