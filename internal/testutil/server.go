// Package testutil provides the HTTP test servers and archive fixture
// builders shared by the package tests.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// RangeServer serves a byte slice with single-range request support, counting
// the requests it sees and recording the byte span each one was served. The
// payload can be swapped mid-session to simulate the remote resource changing
// underneath a client, and range support can be withdrawn to simulate a
// server that stops honoring Range headers.
type RangeServer struct {
	srv *httptest.Server

	mu           sync.Mutex
	data         []byte
	requests     int
	served       [][2]int
	ignoreRanges bool
}

func NewRangeServer(t *testing.T, data []byte) *RangeServer {
	t.Helper()
	s := &RangeServer{data: data}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *RangeServer) URL() string { return s.srv.URL }

func (s *RangeServer) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// SetData replaces the served payload.
func (s *RangeServer) SetData(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
}

// SetRangeSupport toggles whether Range headers are honored. With support
// off, every GET gets a 200 and the full body.
func (s *RangeServer) SetRangeSupport(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignoreRanges = !ok
}

// Served returns the [start, end] byte spans of the response bodies sent so
// far, in order. Full-body responses appear as [0, len-1].
func (s *RangeServer) Served() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][2]int, len(s.served))
	copy(out, s.served)
	return out
}

func (s *RangeServer) recordServed(start, end int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.served = append(s.served, [2]int{start, end})
}

func (s *RangeServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	data := s.data
	ignore := s.ignoreRanges
	s.requests++
	s.mu.Unlock()

	w.Header().Set("Accept-Ranges", "bytes")

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		return
	}

	rng := r.Header.Get("Range")
	if rng == "" || ignore {
		s.recordServed(0, len(data)-1)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}

	start, end, ok := parseRange(rng, len(data))
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(data)))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	s.recordServed(start, end)
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
	w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(data[start : end+1])
}

func parseRange(header string, size int) (int, int, bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return 0, 0, false
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, err := strconv.Atoi(parts[0])
	if err != nil || start >= size {
		return 0, 0, false
	}
	end := size - 1
	if parts[1] != "" {
		if end, err = strconv.Atoi(parts[1]); err != nil {
			return 0, 0, false
		}
		if end >= size {
			end = size - 1
		}
	}
	if end < start {
		return 0, 0, false
	}
	return start, end, true
}

// NewPlainServer serves the payload with no range support at all: every GET
// gets a 200 and the full body.
func NewPlainServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			w.Write(data)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}
