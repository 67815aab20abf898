package anchoring

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"anchor/cmd/security/digest"
)

type storeFactory func(t *testing.T) ChainStore

func testStores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) ChainStore { return NewMemoryStore() },
		"file": func(t *testing.T) ChainStore {
			st, err := NewFileStore(t.TempDir())
			if err != nil {
				t.Fatalf("NewFileStore: %v", err)
			}
			return st
		},
		"sqlite": func(t *testing.T) ChainStore {
			st, err := OpenSQLite(filepath.Join(t.TempDir(), "anchors.db"))
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func TestChainStore_AppendAtContract(t *testing.T) {
	t.Parallel()

	for name, mk := range testStores() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			st := mk(t)
			const id = "ssi:anchor:test.domain:abc:v0"

			got, err := st.ReadChain(ctx, id)
			if err != nil {
				t.Fatalf("ReadChain empty: %v", err)
			}
			if got == nil || len(got) != 0 {
				t.Fatalf("expected empty non-nil chain, got %#v", got)
			}

			if err := st.AppendAt(ctx, id, 1, "r1"); !errors.Is(err, ErrPositionTaken) {
				t.Fatalf("append past end: expected ErrPositionTaken, got %v", err)
			}
			if err := st.AppendAt(ctx, id, 0, "r1"); err != nil {
				t.Fatalf("append r1: %v", err)
			}
			if err := st.AppendAt(ctx, id, 0, "r1b"); !errors.Is(err, ErrPositionTaken) {
				t.Fatalf("append at taken position: expected ErrPositionTaken, got %v", err)
			}
			if err := st.AppendAt(ctx, id, 1, "r2"); err != nil {
				t.Fatalf("append r2: %v", err)
			}
			if err := st.AppendAt(ctx, id, 2, "bad\nrecord"); err == nil || errors.Is(err, ErrPositionTaken) {
				t.Fatalf("expected input error for multi-line record, got %v", err)
			}

			got, err = st.ReadChain(ctx, id)
			if err != nil {
				t.Fatalf("ReadChain: %v", err)
			}
			if !equalStrings(got, []string{"r1", "r2"}) {
				t.Fatalf("chain=%v", got)
			}

			other, err := st.ReadChain(ctx, "ssi:anchor:test.domain:other:v0")
			if err != nil || len(other) != 0 {
				t.Fatalf("chains must not leak across identities: %v %v", other, err)
			}
		})
	}
}

func TestFileStore_LayoutAndReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	const id = "ssi:anchor:test.domain:key:v0"

	st, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	for i, rec := range []string{"a", "b", "c"} {
		if err := st.AppendAt(ctx, id, i, rec); err != nil {
			t.Fatalf("append %s: %v", rec, err)
		}
	}

	wantPath := filepath.Join(dir, digest.HashSHA3Hex(id)+".log")
	if st.Path(id) != wantPath {
		t.Fatalf("path=%q want %q", st.Path(id), wantPath)
	}
	raw, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(raw) != "a\nb\nc\n" {
		t.Fatalf("file contents=%q", raw)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.ReadChain(ctx, id)
	if err != nil {
		t.Fatalf("ReadChain: %v", err)
	}
	if !equalStrings(got, []string{"a", "b", "c"}) {
		t.Fatalf("chain after reopen=%v", got)
	}
}

func TestFileStore_KeyedNames(t *testing.T) {
	t.Parallel()

	namer := digest.NewNamer([]byte(strings.Repeat("k", digest.MinNameKeyBytes)))
	st, err := NewFileStore(t.TempDir(), WithNamer(namer))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	const id = "ssi:anchor:test.domain:key:v0"
	if strings.Contains(st.Path(id), digest.HashSHA3Hex(id)) {
		t.Fatalf("keyed namer must not produce the plain digest")
	}
	if err := st.AppendAt(context.Background(), id, 0, "a"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := os.Stat(st.Path(id)); err != nil {
		t.Fatalf("stat keyed file: %v", err)
	}
}

func TestFileStore_ToleratesMissingTrailingSeparator(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := NewFileStore(dir, WithFsync(false))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	const id = "ssi:anchor:test.domain:key:v0"

	if err := os.WriteFile(st.Path(id), []byte("a\nb"), 0o640); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := st.AppendAt(context.Background(), id, 2, "c"); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := st.ReadChain(context.Background(), id)
	if err != nil {
		t.Fatalf("ReadChain: %v", err)
	}
	if !equalStrings(got, []string{"a", "b", "c"}) {
		t.Fatalf("chain=%v", got)
	}
}

func TestSplitRecords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{"", []string{}},
		{"\n\n", []string{}},
		{"a", []string{"a"}},
		{"a\n", []string{"a"}},
		{"a\r\nb\r\n", []string{"a", "b"}},
		{"a\nb\n  \n", []string{"a", "b"}},
	}
	for _, tt := range tests {
		if got := splitRecords([]byte(tt.in)); !equalStrings(got, tt.want) {
			t.Fatalf("splitRecords(%q)=%v want %v", tt.in, got, tt.want)
		}
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "anchors.db")
	ctx := context.Background()
	const id = "ssi:anchor:test.domain:key:v0"

	st, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := st.AppendAt(ctx, id, 0, "a"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	if err := st.AppendAt(ctx, id, 0, "x"); !errors.Is(err, ErrPositionTaken) {
		t.Fatalf("expected ErrPositionTaken, got %v", err)
	}
	got, err := st.ReadChain(ctx, id)
	if err != nil {
		t.Fatalf("ReadChain: %v", err)
	}
	if !equalStrings(got, []string{"a"}) {
		t.Fatalf("chain=%v", got)
	}
}

func TestSQLiteStore_TwoHandlesRaceForOnePosition(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "anchors.db")
	ctx := context.Background()
	const id = "ssi:anchor:test.domain:key:v0"

	var handles [2]*SQLiteStore
	for i := range handles {
		st, err := OpenSQLite(path)
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		handles[i] = st
	}
	if err := handles[0].AppendAt(ctx, id, 0, "root"); err != nil {
		t.Fatalf("append root: %v", err)
	}

	const writers = 16
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = handles[i%2].AppendAt(ctx, id, 1, fmt.Sprintf("rec%d", i))
		}()
	}
	wg.Wait()

	ok := 0
	for i, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrPositionTaken):
		default:
			t.Fatalf("writer %d: %v", i, err)
		}
	}
	if ok != 1 {
		t.Fatalf("accepted=%d want 1", ok)
	}
	got, err := handles[1].ReadChain(ctx, id)
	if err != nil {
		t.Fatalf("ReadChain: %v", err)
	}
	if len(got) != 2 || got[0] != "root" {
		t.Fatalf("chain=%v", got)
	}
}
