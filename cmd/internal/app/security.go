package app

import (
	"errors"

	"anchor/cmd/security/digest"
)

// ValidateSecurityConfig enforces the chain-file naming policy at startup and
// returns the namer the file store should use.
//
// With ANCHOR_REQUIRE_NAME_KEY=true a missing or short ANCHOR_STORE_NAME_KEY is
// fatal. Without it the key is still used when present and valid.
func ValidateSecurityConfig(cfg Config) (digest.Namer, error) {
	key, err := digest.NameKeyFromEnv(digest.MinNameKeyBytes)
	if err == nil {
		return digest.NewNamer(key), nil
	}

	if !cfg.RequireNameKey {
		if errors.Is(err, digest.ErrNameKeyTooShort) {
			return digest.Namer{}, errors.New("security policy: ANCHOR_STORE_NAME_KEY is set but too short (min 32 bytes)")
		}
		return digest.NewNamer(nil), nil
	}

	switch {
	case errors.Is(err, digest.ErrNameKeyMissing):
		return digest.Namer{}, errors.New("security policy: ANCHOR_REQUIRE_NAME_KEY=true but ANCHOR_STORE_NAME_KEY is missing")
	case errors.Is(err, digest.ErrNameKeyTooShort):
		return digest.Namer{}, errors.New("security policy: ANCHOR_REQUIRE_NAME_KEY=true but ANCHOR_STORE_NAME_KEY is too short (min 32 bytes)")
	default:
		return digest.Namer{}, err
	}
}
