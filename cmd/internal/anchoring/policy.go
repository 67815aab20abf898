package anchoring

import "anchor/cmd/keyssi"

// Policy is the signature policy: it decides which bytes a record kind must
// have signed and checks the signature under the authority key.
type Policy struct{}

// Message builds the canonical message record must have signed.
// previous is the predecessor identifier, empty when the record claims none.
func (Policy) Message(authority keyssi.AuthorityKey, record keyssi.Identifier, previous string) ([]byte, error) {
	switch record.Kind() {
	case keyssi.KindHashLink:
		return keyssi.SignedMessage(previous, record.Timestamp(), authority.Identifier()), nil
	case keyssi.KindTransfer:
		return keyssi.SignedMessage(previous, record.Timestamp(), record.TransferPayload()), nil
	default:
		return nil, ErrUnsupportedKind
	}
}

// Verify reports whether record carries a valid signature by authority.
// Unsupported kinds return ErrUnsupportedKind rather than false.
func (p Policy) Verify(authority keyssi.AuthorityKey, record keyssi.Identifier, previous string) (bool, error) {
	msg, err := p.Message(authority, record, previous)
	if err != nil {
		return false, err
	}
	return authority.Verify(msg, record.Signature()), nil
}
