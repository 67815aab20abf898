package digest

import "errors"

// Public, stable errors for callers.
var (
	ErrNameKeyMissing  = errors.New("digest: naming key missing")
	ErrNameKeyTooShort = errors.New("digest: naming key too short")
)
