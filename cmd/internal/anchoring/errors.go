package anchoring

import (
	"errors"
	"fmt"

	"anchor/cmd/keyssi"
)

// Sentinel error kinds (stable for errors.Is and for mapping to caller codes).
var (
	ErrInvalidInput    = errors.New("invalid_input")
	ErrVerification    = errors.New("verification_failed")
	ErrUnsupportedKind = errors.New("unsupported_record_kind")
	ErrConflict        = errors.New("conflict")
	ErrIO              = errors.New("io_error")
	ErrEmptyChain      = errors.New("empty_chain")

	// ErrPositionTaken is returned by ChainStore.AppendAt when the store no
	// longer holds exactly pos records. Service turns it into a ConflictError.
	ErrPositionTaken = errors.New("position_taken")
)

// Caller-facing result codes.
const (
	CodeConflict           = "CONFLICT"
	CodeVerificationFailed = "VERIFICATION_FAILED"
	CodeIOError            = "IO_ERROR"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeEmptyChain         = "EMPTY_CHAIN"
	CodeInternal           = "INTERNAL"
)

// VerificationError reports a record that failed the signature policy.
// Err is ErrUnsupportedKind for kinds the policy does not handle, nil for a bad signature.
type VerificationError struct {
	AnchorID string
	Kind     keyssi.Kind
	Err      error
}

func (e VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("anchoring: verify %s record: %v: %v", e.Kind, ErrVerification, e.Err)
	}
	return fmt.Sprintf("anchoring: verify %s record: %v: signature mismatch", e.Kind, ErrVerification)
}

func (e VerificationError) Is(target error) bool { return target == ErrVerification }

func (e VerificationError) Unwrap() error { return e.Err }

// ConflictError reports a stale claimed predecessor.
// Tail is the chain's actual last record; Claimed is what the caller sent (may be empty).
type ConflictError struct {
	AnchorID string
	Tail     string
	Claimed  string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("anchoring: append: %v: versions out of sync (tail=%q claimed=%q)", ErrConflict, e.Tail, e.Claimed)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// IOError wraps a storage failure with the identity and operation it happened in.
type IOError struct {
	Op       string
	AnchorID string
	Err      error
}

func (e IOError) Error() string {
	return fmt.Sprintf("anchoring: %s %s: %v: %v", e.Op, e.AnchorID, ErrIO, e.Err)
}

func (e IOError) Is(target error) bool { return target == ErrIO }

func (e IOError) Unwrap() error { return e.Err }

// InputError reports caller input the codec rejected.
type InputError struct {
	Field string
	Err   error
}

func (e InputError) Error() string {
	return fmt.Sprintf("anchoring: %v: %s: %v", ErrInvalidInput, e.Field, e.Err)
}

func (e InputError) Is(target error) bool { return target == ErrInvalidInput }

func (e InputError) Unwrap() error { return e.Err }

// AsConflict extracts a ConflictError from err.
func AsConflict(err error) (ConflictError, bool) {
	var ce ConflictError
	ok := errors.As(err, &ce)
	return ce, ok
}

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsVerification reports whether err represents ErrVerification.
func IsVerification(err error) bool { return errors.Is(err, ErrVerification) }

// IsIO reports whether err represents ErrIO.
func IsIO(err error) bool { return errors.Is(err, ErrIO) }

// Code maps err to the caller-facing result code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrVerification):
		return CodeVerificationFailed
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrIO):
		return CodeIOError
	case errors.Is(err, ErrEmptyChain):
		return CodeEmptyChain
	default:
		return CodeInternal
	}
}
