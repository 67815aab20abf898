package anchoring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"anchor/cmd/keyssi"
)

// AppendInput is one append request as the caller sends it.
// Previous is the caller's view of the chain tail; empty means "no predecessor".
type AppendInput struct {
	AuthorityKey string
	Record       string
	Previous     string
}

// AppendResult describes an accepted record.
type AppendResult struct {
	AnchorID string
	Record   string
	Kind     keyssi.Kind
	Position int
	Previous string
	At       time.Time
}

// Chain is a snapshot of one anchor chain.
type Chain struct {
	AnchorID string
	Records  []string
}

// Tail returns the last record, or "" for an empty chain.
func (c Chain) Tail() string {
	t, _ := tailOf(c.Records)
	return t
}

// Observer is notified after every accepted append while the identity lock is
// still held, so one identity's events arrive in position order.
// Implementations must not block.
type Observer interface {
	RecordAppended(res AppendResult)
}

// Service verifies records and appends them to their anchor chains.
//
// Appends to the same identity are serialized in-process; appends to different
// identities run in parallel. Reads take no lock.
type Service struct {
	policy    Policy
	store     ChainStore
	locks     *lockTable
	log       *slog.Logger
	metrics   *Metrics
	observers []Observer
	now       func() time.Time
}

// Option configures the Service.
type Option func(*Service) error

// WithLogger sets the service logger (default: discard).
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) error {
		if l == nil {
			return errors.New("anchoring: nil logger")
		}
		s.log = l
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithObserver registers an observer of accepted appends.
func WithObserver(o Observer) Option {
	return func(s *Service) error {
		if o == nil {
			return errors.New("anchoring: nil observer")
		}
		s.observers = append(s.observers, o)
		return nil
	}
}

// WithClock overrides the clock used to stamp results.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return errors.New("anchoring: nil clock")
		}
		s.now = now
		return nil
	}
}

// NewService constructs a Service over store.
func NewService(store ChainStore, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("anchoring: nil store")
	}
	s := &Service{
		store: store,
		locks: newLockTable(),
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Store returns the underlying chain store.
func (s *Service) Store() ChainStore { return s.store }

// Append verifies in.Record and appends it to the authority's chain.
//
// Errors:
//   - InputError when a text does not parse
//   - VerificationError when the signature policy rejects the record
//   - ConflictError when in.Previous is not the current tail and the tail is not a transfer
//   - IOError when the store fails
//
// Once the identity lock is taken the append runs to completion even if ctx is
// cancelled. Failed appends never change the chain.
func (s *Service) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	start := time.Now()
	res, err := s.append(ctx, in)
	s.metrics.observeAppend(outcomeOf(err), time.Since(start))

	switch {
	case err == nil:
		s.log.Info("anchor.append.ok",
			"anchor_id", res.AnchorID,
			"kind", res.Kind.String(),
			"position", res.Position,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	case IsConflict(err):
		ce, _ := AsConflict(err)
		s.log.Info("anchor.append.conflict", "anchor_id", ce.AnchorID, "tail", ce.Tail, "claimed", ce.Claimed)
	case IsIO(err):
		s.log.Error("anchor.append.io_error", "err", err)
	default:
		s.log.Warn("anchor.append.rejected", "code", Code(err), "err", err)
	}
	return res, err
}

func (s *Service) append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	authority, err := keyssi.ParseAuthorityKey(in.AuthorityKey)
	if err != nil {
		return AppendResult{}, InputError{Field: "authority_key", Err: err}
	}
	record, err := keyssi.Parse(in.Record)
	if errors.Is(err, keyssi.ErrUnknownKind) {
		return AppendResult{}, VerificationError{
			AnchorID: authority.Identifier(),
			Err:      fmt.Errorf("%w: %w", ErrUnsupportedKind, err),
		}
	}
	if err != nil {
		return AppendResult{}, InputError{Field: "record", Err: err}
	}
	previous := strings.TrimSpace(in.Previous)
	if previous != "" {
		if _, err := keyssi.Parse(previous); err != nil {
			return AppendResult{}, InputError{Field: "previous", Err: err}
		}
	}

	anchorID := authority.Identifier()

	ok, err := s.policy.Verify(authority, record, previous)
	if err != nil {
		return AppendResult{}, VerificationError{AnchorID: anchorID, Kind: record.Kind(), Err: err}
	}
	if !ok {
		return AppendResult{}, VerificationError{AnchorID: anchorID, Kind: record.Kind()}
	}

	// From here on the append is not interruptible.
	ctx = context.WithoutCancel(ctx)

	waitStart := time.Now()
	release := s.locks.lock(anchorID)
	defer release()
	s.metrics.observeLockWait(time.Since(waitStart))

	chain, err := s.store.ReadChain(ctx, anchorID)
	if err != nil {
		return AppendResult{}, IOError{Op: "read", AnchorID: anchorID, Err: err}
	}

	if err := checkTail(anchorID, chain, previous); err != nil {
		return AppendResult{}, err
	}

	pos := len(chain)
	err = s.store.AppendAt(ctx, anchorID, pos, record.String())
	if errors.Is(err, ErrPositionTaken) {
		// Another process appended between our read and write. If what it
		// wrote still admits the claim, try once more at the new end.
		chain, err = s.store.ReadChain(ctx, anchorID)
		if err != nil {
			return AppendResult{}, IOError{Op: "read", AnchorID: anchorID, Err: err}
		}
		if err := checkTail(anchorID, chain, previous); err != nil {
			return AppendResult{}, err
		}
		pos = len(chain)
		err = s.store.AppendAt(ctx, anchorID, pos, record.String())
	}
	if errors.Is(err, ErrPositionTaken) {
		fresh, rerr := s.store.ReadChain(ctx, anchorID)
		if rerr != nil {
			return AppendResult{}, IOError{Op: "read", AnchorID: anchorID, Err: rerr}
		}
		tail, _ := tailOf(fresh)
		return AppendResult{}, ConflictError{AnchorID: anchorID, Tail: tail, Claimed: previous}
	}
	if err != nil {
		return AppendResult{}, IOError{Op: "append", AnchorID: anchorID, Err: err}
	}

	res := AppendResult{
		AnchorID: anchorID,
		Record:   record.String(),
		Kind:     record.Kind(),
		Position: pos,
		Previous: previous,
		At:       s.now(),
	}
	for _, o := range s.observers {
		o.RecordAppended(res)
	}
	return res, nil
}

// checkTail rejects a claimed predecessor that is not the tail of chain,
// unless the tail is a transfer.
func checkTail(anchorID string, chain []string, previous string) error {
	if tail, ok := tailOf(chain); ok && tail != previous && !isTransfer(tail) {
		return ConflictError{AnchorID: anchorID, Tail: tail, Claimed: previous}
	}
	return nil
}

// Versions returns every record of the chain owned by authorityKey.
// It takes no lock and may miss an append in progress.
func (s *Service) Versions(ctx context.Context, authorityKey string) (Chain, error) {
	authority, err := keyssi.ParseAuthorityKey(authorityKey)
	if err != nil {
		return Chain{}, InputError{Field: "authority_key", Err: err}
	}
	s.metrics.observeRead("versions")
	return s.read(ctx, authority.Identifier())
}

// Tail returns the last record of the chain owned by authorityKey, or ErrEmptyChain.
func (s *Service) Tail(ctx context.Context, authorityKey string) (string, error) {
	authority, err := keyssi.ParseAuthorityKey(authorityKey)
	if err != nil {
		return "", InputError{Field: "authority_key", Err: err}
	}
	s.metrics.observeRead("tail")

	chain, err := s.read(ctx, authority.Identifier())
	if err != nil {
		return "", err
	}
	tail, ok := tailOf(chain.Records)
	if !ok {
		return "", ErrEmptyChain
	}
	return tail, nil
}

func (s *Service) read(ctx context.Context, anchorID string) (Chain, error) {
	records, err := s.store.ReadChain(ctx, anchorID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Chain{}, err
		}
		return Chain{}, IOError{Op: "read", AnchorID: anchorID, Err: err}
	}
	return Chain{AnchorID: anchorID, Records: records}, nil
}

func isTransfer(record string) bool {
	id, err := keyssi.Parse(record)
	return err == nil && id.Kind() == keyssi.KindTransfer
}
