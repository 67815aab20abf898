package anchoring

import (
	"context"

	"anchor/cmd/keyssi"
)

// LinkStatus classifies one stored record during a chain audit.
type LinkStatus string

const (
	// LinkOK: the record's signature verifies over its stored predecessor.
	LinkOK LinkStatus = "ok"
	// LinkBadSignature: the record does not verify over its stored predecessor.
	LinkBadSignature LinkStatus = "bad_signature"
	// LinkAfterTransfer: the predecessor is a transfer, so the record may have
	// been admitted against a different claimed predecessor and cannot be re-checked.
	LinkAfterTransfer LinkStatus = "after_transfer"
	// LinkUnparsable: the stored text is not a record identifier.
	LinkUnparsable LinkStatus = "unparsable"
	// LinkUnsupported: the record kind has no signature policy.
	LinkUnsupported LinkStatus = "unsupported_kind"
)

// Link is the audit result for one position.
type Link struct {
	Position int
	Record   string
	Status   LinkStatus
}

// Report is the audit of a whole chain.
type Report struct {
	AnchorID string
	Links    []Link
}

// OK reports whether no link failed. After-transfer links do not count as failures.
func (r Report) OK() bool {
	for _, l := range r.Links {
		if l.Status != LinkOK && l.Status != LinkAfterTransfer {
			return false
		}
	}
	return true
}

// Check re-verifies every stored record of the chain owned by authorityKey
// against the record stored before it.
func (s *Service) Check(ctx context.Context, authorityKey string) (Report, error) {
	authority, err := keyssi.ParseAuthorityKey(authorityKey)
	if err != nil {
		return Report{}, InputError{Field: "authority_key", Err: err}
	}
	s.metrics.observeRead("check")

	chain, err := s.read(ctx, authority.Identifier())
	if err != nil {
		return Report{}, err
	}
	return s.policy.Audit(authority, chain.Records), nil
}

// Audit checks records as one chain under authority.
func (p Policy) Audit(authority keyssi.AuthorityKey, records []string) Report {
	rep := Report{AnchorID: authority.Identifier(), Links: make([]Link, 0, len(records))}

	previous := ""
	afterTransfer := false
	for i, text := range records {
		link := Link{Position: i, Record: text}

		rec, err := keyssi.Parse(text)
		switch {
		case err != nil:
			link.Status = LinkUnparsable
		default:
			ok, verr := p.Verify(authority, rec, previous)
			switch {
			case verr != nil:
				link.Status = LinkUnsupported
			case ok:
				link.Status = LinkOK
			case afterTransfer:
				link.Status = LinkAfterTransfer
			default:
				link.Status = LinkBadSignature
			}
		}

		rep.Links = append(rep.Links, link)
		previous = text
		afterTransfer = err == nil && rec.Kind() == keyssi.KindTransfer
	}
	return rep
}
