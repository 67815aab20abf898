package anchoring

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"anchor/cmd/keyssi"

	"golang.org/x/sync/errgroup"
)

func newTestService(t *testing.T, store ChainStore, opts ...Option) *Service {
	t.Helper()

	svc, err := NewService(store, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func mustAppend(t *testing.T, svc *Service, key, record, previous string) AppendResult {
	t.Helper()

	res, err := svc.Append(context.Background(), AppendInput{AuthorityKey: key, Record: record, Previous: previous})
	if err != nil {
		t.Fatalf("append %q after %q: %v", record, previous, err)
	}
	return res
}

func mustChain(t *testing.T, store ChainStore, anchorID string) []string {
	t.Helper()

	got, err := store.ReadChain(context.Background(), anchorID)
	if err != nil {
		t.Fatalf("ReadChain: %v", err)
	}
	return got
}

func TestAppend_LinearChainAndStaleWriter(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t, 1)
	store := NewMemoryStore()
	svc := newTestService(t, store)

	h1 := a.hashLink(t, "brick1", "", 1000)
	res := mustAppend(t, svc, a.id(), h1, "")
	if res.Position != 0 || res.AnchorID != a.id() || res.Kind != keyssi.KindHashLink {
		t.Fatalf("unexpected first result: %+v", res)
	}

	h2 := a.hashLink(t, "brick2", h1, 2000)
	res = mustAppend(t, svc, a.id(), h2, h1)
	if res.Position != 1 || res.Previous != h1 {
		t.Fatalf("unexpected second result: %+v", res)
	}

	// A writer that still believes the chain is empty.
	h3 := a.hashLink(t, "brick3", "", 3000)
	_, err := svc.Append(context.Background(), AppendInput{AuthorityKey: a.id(), Record: h3})
	ce, ok := AsConflict(err)
	if !ok {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if ce.Tail != h2 || ce.Claimed != "" || ce.AnchorID != a.id() {
		t.Fatalf("unexpected conflict: %+v", ce)
	}
	if Code(err) != CodeConflict {
		t.Fatalf("code=%q", Code(err))
	}

	if got := mustChain(t, store, a.id()); !equalStrings(got, []string{h1, h2}) {
		t.Fatalf("chain=%v", got)
	}
}

func TestAppend_TransferTailAcceptsAnyPredecessor(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t, 1)
	b := newTestAuthority(t, 2)
	store := NewMemoryStore()
	svc := newTestService(t, store)

	h1 := a.hashLink(t, "brick1", "", 1000)
	mustAppend(t, svc, a.id(), h1, "")
	t1 := a.transfer(t, b, h1, 2000)
	mustAppend(t, svc, a.id(), t1, h1)

	// Signed over a predecessor that is not the tail.
	h2 := a.hashLink(t, "brick2", h1, 3000)
	res := mustAppend(t, svc, a.id(), h2, h1)
	if res.Position != 2 {
		t.Fatalf("position=%d want 2", res.Position)
	}

	// The bypass ends once the tail is no longer a transfer.
	h3 := a.hashLink(t, "brick3", h1, 4000)
	_, err := svc.Append(context.Background(), AppendInput{AuthorityKey: a.id(), Record: h3, Previous: h1})
	if !IsConflict(err) {
		t.Fatalf("expected conflict after bypass, got %v", err)
	}

	if got := mustChain(t, store, a.id()); !equalStrings(got, []string{h1, t1, h2}) {
		t.Fatalf("chain=%v", got)
	}
}

func TestAppend_FirstRecordWithClaimedPredecessor(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t, 1)
	store := NewMemoryStore()
	svc := newTestService(t, store)

	other := a.hashLink(t, "elsewhere", "", 1)
	h1 := a.hashLink(t, "brick1", other, 1000)
	res := mustAppend(t, svc, a.id(), h1, other)
	if res.Position != 0 {
		t.Fatalf("position=%d", res.Position)
	}
}

func TestAppend_VerificationFailures(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t, 1)
	b := newTestAuthority(t, 2)
	h1 := a.hashLink(t, "brick1", "", 1000)

	tests := []struct {
		name     string
		in       AppendInput
		wantKind error
	}{
		{
			name: "wrong signer",
			in:   AppendInput{AuthorityKey: a.id(), Record: b.hashLink(t, "brick1", "", 1000)},
		},
		{
			name: "signed over different predecessor",
			in:   AppendInput{AuthorityKey: a.id(), Record: a.hashLink(t, "brick2", "", 2000), Previous: h1},
		},
		{
			name:     "authority key as record",
			in:       AppendInput{AuthorityKey: a.id(), Record: b.id()},
			wantKind: ErrUnsupportedKind,
		},
		{
			name:     "unknown kind tag",
			in:       AppendInput{AuthorityKey: a.id(), Record: strings.Replace(h1, "ssi:hl:", "ssi:seed:", 1)},
			wantKind: ErrUnsupportedKind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := NewMemoryStore()
			svc := newTestService(t, store)

			_, err := svc.Append(context.Background(), tt.in)
			if !IsVerification(err) {
				t.Fatalf("expected verification error, got %v", err)
			}
			if Code(err) != CodeVerificationFailed {
				t.Fatalf("code=%q", Code(err))
			}
			if tt.wantKind != nil && !errors.Is(err, tt.wantKind) {
				t.Fatalf("expected %v in chain, got %v", tt.wantKind, err)
			}
			if got := mustChain(t, store, a.id()); len(got) != 0 {
				t.Fatalf("chain should stay empty, got %v", got)
			}
		})
	}
}

func TestAppend_InvalidInput(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t, 1)
	h1 := a.hashLink(t, "brick1", "", 1000)
	svc := newTestService(t, NewMemoryStore())

	tests := []struct {
		name  string
		in    AppendInput
		field string
	}{
		{"empty key", AppendInput{Record: h1}, "authority_key"},
		{"record as key", AppendInput{AuthorityKey: h1, Record: h1}, "authority_key"},
		{"garbage record", AppendInput{AuthorityKey: a.id(), Record: "not-an-id"}, "record"},
		{"garbage previous", AppendInput{AuthorityKey: a.id(), Record: h1, Previous: "ssi:hl:x"}, "previous"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Append(context.Background(), tt.in)
			var ie InputError
			if !errors.As(err, &ie) {
				t.Fatalf("expected InputError, got %v", err)
			}
			if ie.Field != tt.field {
				t.Fatalf("field=%q want %q", ie.Field, tt.field)
			}
			if Code(err) != CodeInvalidInput {
				t.Fatalf("code=%q", Code(err))
			}
		})
	}
}

func TestAppend_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t, 1)
	store := NewMemoryStore()
	svc := newTestService(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Append(ctx, AppendInput{AuthorityKey: a.id(), Record: a.hashLink(t, "brick1", "", 1000)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := mustChain(t, store, a.id()); len(got) != 0 {
		t.Fatalf("chain=%v", got)
	}
}

func TestAppend_SequentialChainRereads(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t, 3)
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	svc := newTestService(t, store)

	const n = 25
	want := make([]string, 0, n)
	previous := ""
	for i := 0; i < n; i++ {
		rec := a.hashLink(t, "brick"+strings.Repeat("x", i+1), previous, int64(1000+i))
		res := mustAppend(t, svc, a.id(), rec, previous)
		if res.Position != i {
			t.Fatalf("position=%d want %d", res.Position, i)
		}
		want = append(want, rec)
		previous = rec
	}

	chain, err := svc.Versions(context.Background(), a.id())
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if !equalStrings(chain.Records, want) {
		t.Fatalf("versions mismatch:\n got=%v\nwant=%v", chain.Records, want)
	}
	tail, err := svc.Tail(context.Background(), a.id())
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if tail != want[n-1] {
		t.Fatalf("tail=%q", tail)
	}
}

// raceSamePredecessor appends len(records) records that all claim previous,
// spreading them round-robin over svcs, and checks that exactly one lands and
// every loser is told about it.
func raceSamePredecessor(t *testing.T, svcs []*Service, store ChainStore, key, previous string, records []string) {
	t.Helper()

	var (
		mu        sync.Mutex
		winners   []string
		conflicts []ConflictError
	)
	var g errgroup.Group
	for i, rec := range records {
		svc := svcs[i%len(svcs)]
		g.Go(func() error {
			_, err := svc.Append(context.Background(), AppendInput{AuthorityKey: key, Record: rec, Previous: previous})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, rec)
				return nil
			}
			ce, ok := AsConflict(err)
			if !ok {
				return err
			}
			conflicts = append(conflicts, ce)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	if len(winners) != 1 || len(conflicts) != len(records)-1 {
		t.Fatalf("ok=%d conflicts=%d", len(winners), len(conflicts))
	}
	winner := winners[0]
	for _, ce := range conflicts {
		if ce.Tail != winner || ce.Claimed != previous {
			t.Fatalf("conflict tail=%q claimed=%q, want tail=%q", ce.Tail, ce.Claimed, winner)
		}
	}
	if got := mustChain(t, store, key); !equalStrings(got, []string{previous, winner}) {
		t.Fatalf("chain=%v", got)
	}
	for _, svc := range svcs {
		if n := svc.locks.size(); n != 0 {
			t.Fatalf("lock table not drained: %d", n)
		}
	}
}

func racingRecords(t *testing.T, a testAuthority, previous string, n int) []string {
	t.Helper()

	records := make([]string, n)
	for i := range records {
		records[i] = a.hashLink(t, "brick"+strings.Repeat("y", i+1), previous, int64(100+i))
	}
	return records
}

func TestAppend_ConcurrentSamePredecessorOneWins(t *testing.T) {
	t.Parallel()

	stores := map[string]func(t *testing.T) ChainStore{
		"memory": func(t *testing.T) ChainStore { return NewMemoryStore() },
		"file": func(t *testing.T) ChainStore {
			st, err := NewFileStore(t.TempDir(), WithFsync(false))
			if err != nil {
				t.Fatalf("NewFileStore: %v", err)
			}
			return st
		},
	}

	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a := newTestAuthority(t, 4)
			store := mk(t)
			svc := newTestService(t, store)

			h1 := a.hashLink(t, "root", "", 1)
			mustAppend(t, svc, a.id(), h1, "")

			raceSamePredecessor(t, []*Service{svc}, store, a.id(), h1, racingRecords(t, a, h1, 16))
		})
	}
}

// Two services over one directory or one database file have separate lock
// tables, so only the store keeps them apart.
func TestAppend_ConcurrentServicesSharingStorage(t *testing.T) {
	t.Parallel()

	open := map[string]func(t *testing.T) (ChainStore, ChainStore){
		"file": func(t *testing.T) (ChainStore, ChainStore) {
			dir := t.TempDir()
			st1, err := NewFileStore(dir, WithFsync(false))
			if err != nil {
				t.Fatalf("NewFileStore: %v", err)
			}
			st2, err := NewFileStore(dir, WithFsync(false))
			if err != nil {
				t.Fatalf("NewFileStore: %v", err)
			}
			return st1, st2
		},
		"sqlite": func(t *testing.T) (ChainStore, ChainStore) {
			path := filepath.Join(t.TempDir(), "anchors.db")
			st1, err := OpenSQLite(path)
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			t.Cleanup(func() { _ = st1.Close() })
			st2, err := OpenSQLite(path)
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			t.Cleanup(func() { _ = st2.Close() })
			return st1, st2
		},
	}

	for name, mk := range open {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a := newTestAuthority(t, 11)
			st1, st2 := mk(t)
			svc1 := newTestService(t, st1)
			svc2 := newTestService(t, st2)

			h1 := a.hashLink(t, "root", "", 1)
			mustAppend(t, svc1, a.id(), h1, "")

			raceSamePredecessor(t, []*Service{svc1, svc2}, st2, a.id(), h1, racingRecords(t, a, h1, 32))
		})
	}
}

func TestAppend_ConflictLeavesFileUntouched(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t, 12)
	st, err := NewFileStore(t.TempDir(), WithFsync(false))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	svc := newTestService(t, st)

	h1 := a.hashLink(t, "brick1", "", 1000)
	mustAppend(t, svc, a.id(), h1, "")
	h2 := a.hashLink(t, "brick2", h1, 2000)
	mustAppend(t, svc, a.id(), h2, h1)

	before, err := os.ReadFile(st.Path(a.id()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	stale := a.hashLink(t, "brick2-stale", h1, 2500)
	_, err = svc.Append(context.Background(), AppendInput{AuthorityKey: a.id(), Record: stale, Previous: h1})
	ce, ok := AsConflict(err)
	if !ok || ce.Tail != h2 {
		t.Fatalf("expected conflict with tail h2, got %v", err)
	}

	after, err := os.ReadFile(st.Path(a.id()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("chain file changed:\nbefore=%q\nafter=%q", before, after)
	}
}

func TestAppend_DistinctIdentitiesInParallel(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	svc := newTestService(t, store)

	const identities = 8
	auths := make([]testAuthority, identities)
	for i := range auths {
		auths[i] = newTestAuthority(t, byte(10+i))
	}

	g, ctx := errgroup.WithContext(context.Background())
	for _, a := range auths {
		g.Go(func() error {
			previous := ""
			for j := 0; j < 5; j++ {
				rec, err := keyssi.SignHashLink(a.priv, testDomain, "b"+strings.Repeat("z", j+1), previous, a.key, timeAt(j))
				if err != nil {
					return err
				}
				if _, err := svc.Append(ctx, AppendInput{AuthorityKey: a.id(), Record: rec.String(), Previous: previous}); err != nil {
					return err
				}
				previous = rec.String()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("append: %v", err)
	}

	for _, a := range auths {
		if got := mustChain(t, store, a.id()); len(got) != 5 {
			t.Fatalf("chain %s has %d records", a.id(), len(got))
		}
	}
}

// racingStore appends a foreign record right before delegating, imitating a
// writer in another process.
type racingStore struct {
	ChainStore
	foreign string
	once    sync.Once
}

func (s *racingStore) AppendAt(ctx context.Context, anchorID string, pos int, record string) error {
	s.once.Do(func() {
		_ = s.ChainStore.AppendAt(ctx, anchorID, pos, s.foreign)
	})
	return s.ChainStore.AppendAt(ctx, anchorID, pos, record)
}

func TestAppend_PositionTakenBecomesConflict(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t, 5)
	foreign := a.hashLink(t, "foreign", "", 500)
	store := &racingStore{ChainStore: NewMemoryStore(), foreign: foreign}
	svc := newTestService(t, store)

	h1 := a.hashLink(t, "brick1", "", 1000)
	_, err := svc.Append(context.Background(), AppendInput{AuthorityKey: a.id(), Record: h1})
	ce, ok := AsConflict(err)
	if !ok {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ce.Tail != foreign {
		t.Fatalf("tail=%q want foreign record", ce.Tail)
	}
	if got := mustChain(t, store, a.id()); !equalStrings(got, []string{foreign}) {
		t.Fatalf("chain=%v", got)
	}
}

func TestAppend_PositionTakenByTransferRetries(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t, 13)
	b := newTestAuthority(t, 14)
	h1 := a.hashLink(t, "brick1", "", 1000)
	t1 := a.transfer(t, b, h1, 1500)

	mem := NewMemoryStore()
	if err := mem.AppendAt(context.Background(), a.id(), 0, h1); err != nil {
		t.Fatalf("AppendAt: %v", err)
	}
	store := &racingStore{ChainStore: mem, foreign: t1}
	svc := newTestService(t, store)

	h2 := a.hashLink(t, "brick2", h1, 2000)
	res := mustAppend(t, svc, a.id(), h2, h1)
	if res.Position != 2 {
		t.Fatalf("position=%d want 2", res.Position)
	}
	if got := mustChain(t, store, a.id()); !equalStrings(got, []string{h1, t1, h2}) {
		t.Fatalf("chain=%v", got)
	}
}

type failingStore struct {
	ChainStore
	readErr, appendErr error
}

func (s failingStore) ReadChain(ctx context.Context, anchorID string) ([]string, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.ChainStore.ReadChain(ctx, anchorID)
}

func (s failingStore) AppendAt(ctx context.Context, anchorID string, pos int, record string) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.ChainStore.AppendAt(ctx, anchorID, pos, record)
}

func TestAppend_StoreFailuresAreIOErrors(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t, 6)
	h1 := a.hashLink(t, "brick1", "", 1000)
	diskFull := errors.New("disk full")

	for name, st := range map[string]failingStore{
		"read":   {ChainStore: NewMemoryStore(), readErr: diskFull},
		"append": {ChainStore: NewMemoryStore(), appendErr: diskFull},
	} {
		t.Run(name, func(t *testing.T) {
			svc := newTestService(t, st)
			_, err := svc.Append(context.Background(), AppendInput{AuthorityKey: a.id(), Record: h1})
			var ioe IOError
			if !errors.As(err, &ioe) {
				t.Fatalf("expected IOError, got %v", err)
			}
			if ioe.Op != name || !errors.Is(err, diskFull) || Code(err) != CodeIOError {
				t.Fatalf("unexpected io error: %+v", ioe)
			}
		})
	}
}

type recordingObserver struct {
	mu  sync.Mutex
	got []AppendResult
}

func (o *recordingObserver) RecordAppended(res AppendResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, res)
}

func TestAppend_NotifiesObserversOnSuccessOnly(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t, 7)
	obs := &recordingObserver{}
	svc := newTestService(t, NewMemoryStore(), WithObserver(obs))

	h1 := a.hashLink(t, "brick1", "", 1000)
	mustAppend(t, svc, a.id(), h1, "")
	_, _ = svc.Append(context.Background(), AppendInput{AuthorityKey: a.id(), Record: a.hashLink(t, "brick2", "", 2000)})

	if len(obs.got) != 1 {
		t.Fatalf("observer calls=%d want 1", len(obs.got))
	}
	if obs.got[0].Record != h1 || obs.got[0].Position != 0 || obs.got[0].At.IsZero() {
		t.Fatalf("unexpected event: %+v", obs.got[0])
	}
}

func TestAppend_ObserversSeePositionsInOrder(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t, 15)
	obs := &recordingObserver{}
	svc := newTestService(t, NewMemoryStore(), WithObserver(obs))

	const writers, perWriter = 8, 5
	var clock atomic.Int64
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for n := 0; n < perWriter; {
				tail, err := svc.Tail(context.Background(), a.id())
				if err != nil && !errors.Is(err, ErrEmptyChain) {
					return err
				}
				rec, err := keyssi.SignHashLink(a.priv, testDomain, fmt.Sprintf("w%d-%d", w, n), tail, a.key, time.UnixMilli(clock.Add(1)))
				if err != nil {
					return err
				}
				_, err = svc.Append(context.Background(), AppendInput{AuthorityKey: a.id(), Record: rec.String(), Previous: tail})
				switch {
				case err == nil:
					n++
				case IsConflict(err):
				default:
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("append: %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.got) != writers*perWriter {
		t.Fatalf("observer calls=%d want %d", len(obs.got), writers*perWriter)
	}
	for i, res := range obs.got {
		if res.Position != i {
			t.Fatalf("event %d has position %d", i, res.Position)
		}
	}
}

func TestTail_EmptyChain(t *testing.T) {
	t.Parallel()

	a := newTestAuthority(t, 8)
	svc := newTestService(t, NewMemoryStore())

	_, err := svc.Tail(context.Background(), a.id())
	if !errors.Is(err, ErrEmptyChain) || Code(err) != CodeEmptyChain {
		t.Fatalf("expected ErrEmptyChain, got %v", err)
	}

	chain, err := svc.Versions(context.Background(), a.id())
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if chain.AnchorID != a.id() || len(chain.Records) != 0 || chain.Tail() != "" {
		t.Fatalf("unexpected chain: %+v", chain)
	}

	if _, err := svc.Versions(context.Background(), "nope"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestNewService_RejectsNilStore(t *testing.T) {
	t.Parallel()

	if _, err := NewService(nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := NewService(NewMemoryStore(), WithObserver(nil)); err == nil {
		t.Fatalf("expected error for nil observer")
	}
}
