package keyssi

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is).
var (
	ErrMalformed   = errors.New("malformed_identifier")
	ErrUnknownKind = errors.New("unknown_kind")
	ErrWrongKind   = errors.New("wrong_kind")
)

// ParseError reports why an identifier could not be parsed.
// Input is truncated so logs stay bounded.
type ParseError struct {
	Input string
	Kind  error
	Msg   string
}

func (e ParseError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("keyssi: parse %q: %v", e.Input, e.Kind)
	}
	return fmt.Sprintf("keyssi: parse %q: %v: %s", e.Input, e.Kind, e.Msg)
}

func (e ParseError) Unwrap() error { return e.Kind }

func parseErr(input string, kind error, msg string) error {
	const maxInput = 96
	if len(input) > maxInput {
		input = input[:maxInput] + "..."
	}
	return ParseError{Input: input, Kind: kind, Msg: msg}
}

// IsMalformed reports whether err is a parse failure of any kind.
func IsMalformed(err error) bool {
	var pe ParseError
	return errors.As(err, &pe)
}
