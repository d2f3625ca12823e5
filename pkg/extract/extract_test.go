package extract_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirrobot01/dlextract/pkg/archive/types"
	"github.com/sirrobot01/dlextract/pkg/extract"
)

// fakeEngine serves entries from memory.
type fakeEngine struct {
	entries []types.Entry
	data    map[string][]byte
	fail    map[string]error
	closed  bool
}

func (f *fakeEngine) Format() types.Format            { return types.FormatZip }
func (f *fakeEngine) Probe(ctx context.Context) error { return nil }
func (f *fakeEngine) Entries() []types.Entry          { return f.entries }
func (f *fakeEngine) Close() error                    { f.closed = true; return nil }

func (f *fakeEngine) Extract(ctx context.Context, entry types.Entry, w io.Writer) error {
	if err, ok := f.fail[entry.Path]; ok {
		// Emit some bytes first so a partial file exists when we fail.
		w.Write([]byte("partial"))
		return err
	}
	data, ok := f.data[entry.Path]
	if !ok {
		return types.ErrEntryNotFound
	}
	_, err := w.Write(data)
	return err
}

func newFake(paths map[string][]byte) *fakeEngine {
	f := &fakeEngine{data: paths, fail: make(map[string]error)}
	for p, d := range paths {
		f.entries = append(f.entries, types.Entry{Path: p, UncompressedSize: int64(len(d))})
	}
	return f
}

func factoryFor(f *fakeEngine) extract.Factory {
	return func(ctx context.Context) (types.Engine, error) {
		return &fakeEngine{entries: f.entries, data: f.data, fail: f.fail}, nil
	}
}

func run(t *testing.T, eng *fakeEngine, entries []types.Entry, opts extract.Options) (extract.Summary, error) {
	t.Helper()
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	return extract.Run(context.Background(), eng, entries, factoryFor(eng), opts)
}

func TestRunWritesSelectedEntries(t *testing.T) {
	eng := newFake(map[string][]byte{
		"a.txt":     []byte("alpha"),
		"sub/b.txt": []byte("beta"),
	})
	out := t.TempDir()
	summary, err := run(t, eng, eng.Entries(), extract.Options{OutputDir: out})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Extracted != 2 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want 2 extracted", summary)
	}

	for p, want := range map[string][]byte{"a.txt": []byte("alpha"), "sub/b.txt": []byte("beta")} {
		got, err := os.ReadFile(filepath.Join(out, filepath.FromSlash(p)))
		if err != nil {
			t.Fatalf("missing output %s: %v", p, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s: got %q, want %q", p, got, want)
		}
	}
}

func TestTraversalRejected(t *testing.T) {
	for _, p := range []string{"../evil", "/abs/path", "a/../../evil", "."} {
		if _, err := extract.SafePath("/out", p); !errors.Is(err, extract.ErrPathTraversal) {
			t.Errorf("SafePath(%q): err = %v, want ErrPathTraversal", p, err)
		}
	}
	// Internal dot-dots that stay inside the root are fine.
	got, err := extract.SafePath("/out", "a/../b.txt")
	if err != nil {
		t.Fatalf("SafePath(a/../b.txt) failed: %v", err)
	}
	if got != filepath.Join("/out", "b.txt") {
		t.Errorf("SafePath = %q, want /out/b.txt", got)
	}
}

func TestTraversalEntryFailsRun(t *testing.T) {
	eng := newFake(map[string][]byte{"../escape.txt": []byte("nope")})
	out := t.TempDir()
	summary, err := run(t, eng, eng.Entries(), extract.Options{OutputDir: out})
	if !errors.Is(err, extract.ErrPathTraversal) {
		t.Errorf("Run: err = %v, want ErrPathTraversal", err)
	}
	if summary.Failed != 1 {
		t.Errorf("summary.Failed = %d, want 1", summary.Failed)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(out), "escape.txt")); err == nil {
		t.Error("traversal entry was written outside the output directory")
	}
}

func TestOverwritePolicy(t *testing.T) {
	eng := newFake(map[string][]byte{"a.txt": []byte("new contents")})
	out := t.TempDir()
	existing := filepath.Join(out, "a.txt")
	os.WriteFile(existing, []byte("old"), 0644)

	summary, err := run(t, eng, eng.Entries(), extract.Options{OutputDir: out})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Skipped != 1 || summary.Extracted != 0 {
		t.Errorf("summary = %+v, want 1 skipped", summary)
	}
	if got, _ := os.ReadFile(existing); string(got) != "old" {
		t.Error("existing file was overwritten without --overwrite")
	}

	summary, err = run(t, eng, eng.Entries(), extract.Options{OutputDir: out, Overwrite: true})
	if err != nil {
		t.Fatalf("Run with overwrite failed: %v", err)
	}
	if summary.Extracted != 1 {
		t.Errorf("summary = %+v, want 1 extracted", summary)
	}
	if got, _ := os.ReadFile(existing); string(got) != "new contents" {
		t.Error("existing file was not overwritten with --overwrite")
	}
}

func TestKeepGoingCollectsFailures(t *testing.T) {
	eng := newFake(map[string][]byte{
		"good1.txt": []byte("ok"),
		"bad.txt":   []byte("never served"),
		"good2.txt": []byte("ok too"),
	})
	eng.fail["bad.txt"] = types.ErrCorruptEntry

	summary, err := run(t, eng, eng.Entries(), extract.Options{KeepGoing: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Extracted != 2 || summary.Failed != 1 {
		t.Errorf("summary = %+v, want 2 extracted 1 failed", summary)
	}
	if len(summary.Failures) != 1 || summary.Failures[0].Path != "bad.txt" {
		t.Errorf("failures = %+v, want bad.txt", summary.Failures)
	}
}

func TestFailFastStops(t *testing.T) {
	eng := newFake(map[string][]byte{"bad.txt": []byte("x")})
	eng.fail["bad.txt"] = types.ErrCorruptEntry

	_, err := run(t, eng, eng.Entries(), extract.Options{})
	if !errors.Is(err, types.ErrCorruptEntry) {
		t.Errorf("Run: err = %v, want ErrCorruptEntry", err)
	}
}

func TestPartialFileRemovedOnFailure(t *testing.T) {
	eng := newFake(map[string][]byte{"bad.txt": []byte("x")})
	eng.fail["bad.txt"] = types.ErrCorruptEntry
	out := t.TempDir()

	run(t, eng, eng.Entries(), extract.Options{OutputDir: out, KeepGoing: true})

	files, err := os.ReadDir(out)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, f := range files {
		if strings.Contains(f.Name(), ".partial-") {
			t.Errorf("partial file left behind: %s", f.Name())
		}
		if f.Name() == "bad.txt" {
			t.Error("failed entry produced a final file")
		}
	}
}

func TestDirectoriesCreatedFirst(t *testing.T) {
	eng := newFake(map[string][]byte{"d/f.txt": []byte("x")})
	eng.entries = append([]types.Entry{{Path: "d", IsDirectory: true}}, eng.entries...)
	out := t.TempDir()

	if _, err := run(t, eng, eng.entries, extract.Options{OutputDir: out}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	st, err := os.Stat(filepath.Join(out, "d"))
	if err != nil || !st.IsDir() {
		t.Errorf("directory entry not created: %v", err)
	}
}

func TestParallelWorkers(t *testing.T) {
	paths := make(map[string][]byte)
	for i := 0; i < 40; i++ {
		paths[string(rune('a'+i%26))+strings.Repeat("x", i)+".bin"] = bytes.Repeat([]byte{byte(i)}, 1024)
	}
	eng := newFake(paths)
	out := t.TempDir()

	summary, err := run(t, eng, eng.Entries(), extract.Options{OutputDir: out, Workers: 4})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Extracted != len(paths) {
		t.Errorf("extracted %d, want %d", summary.Extracted, len(paths))
	}
}

func TestSelectPatterns(t *testing.T) {
	entries := []types.Entry{
		{Path: "a.txt"}, {Path: "b.bin"}, {Path: "docs/readme.txt"},
	}
	got, err := extract.Select(entries, []string{"*.txt"})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(got) != 1 || got[0].Path != "a.txt" {
		t.Errorf("Select(*.txt) = %+v, want a.txt only", got)
	}

	got, err = extract.Select(entries, nil)
	if err != nil || len(got) != 3 {
		t.Errorf("Select(nil) = %d entries, want all 3", len(got))
	}

	if _, err := extract.Select(entries, []string{"[bad"}); err == nil {
		t.Error("Select with malformed pattern should fail")
	}
}
