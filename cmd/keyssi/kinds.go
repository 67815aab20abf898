package keyssi

import "fmt"

// Kind is the closed set of identifier kinds.
type Kind uint8

const (
	// KindUnknown is the zero value; it never comes out of Parse.
	KindUnknown Kind = iota
	// KindAnchor designates the public key that authorizes appends to a chain.
	KindAnchor
	// KindHashLink is an ordinary signature-chained version record.
	KindHashLink
	// KindTransfer is a version record that hands authority to a new key.
	KindTransfer
)

// Wire tags (stable).
const (
	tagAnchor   = "anchor"
	tagHashLink = "hl"
	tagTransfer = "transfer"
)

func (k Kind) String() string {
	switch k {
	case KindAnchor:
		return tagAnchor
	case KindHashLink:
		return tagHashLink
	case KindTransfer:
		return tagTransfer
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// IsRecord reports whether k is a version record kind that can live in a chain.
func (k Kind) IsRecord() bool {
	return k == KindHashLink || k == KindTransfer
}

// ParseKind maps a wire tag to a Kind.
func ParseKind(tag string) (Kind, error) {
	switch tag {
	case tagAnchor:
		return KindAnchor, nil
	case tagHashLink:
		return KindHashLink, nil
	case tagTransfer:
		return KindTransfer, nil
	default:
		return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, tag)
	}
}
