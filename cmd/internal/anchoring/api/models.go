package api

type appendRequest struct {
	AuthorityKey string `json:"authority_key"`
	Record       string `json:"record"`
	Previous     string `json:"previous,omitempty"`
}

type appendResponse struct {
	AnchorID string `json:"anchor_id"`
	Record   string `json:"record"`
	Kind     string `json:"kind"`
	Position int    `json:"position"`
	Previous string `json:"previous,omitempty"`
}

// conflictResponse extends the error body with the chain's actual tail so the
// caller can rebase without another round trip.
type conflictResponse struct {
	Error   apiError `json:"error"`
	Tail    string   `json:"tail"`
	Claimed string   `json:"claimed"`
}

type versionsResponse struct {
	AnchorID string   `json:"anchor_id"`
	Versions []string `json:"versions"`
}

type tailResponse struct {
	AnchorID string `json:"anchor_id"`
	Tail     string `json:"tail"`
}

type linkResponse struct {
	Position int    `json:"position"`
	Record   string `json:"record"`
	Status   string `json:"status"`
}

type checkResponse struct {
	AnchorID string         `json:"anchor_id"`
	OK       bool           `json:"ok"`
	Links    []linkResponse `json:"links"`
}
