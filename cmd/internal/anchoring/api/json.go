package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"anchor/cmd/internal/anchoring"
)

// Body rejection codes; everything else uses the anchoring result codes.
const (
	codeInvalidJSON  = "invalid_json"
	codeBodyTooLarge = "body_too_large"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// writeConflict answers a stale append with the chain's actual tail.
func writeConflict(w http.ResponseWriter, ce anchoring.ConflictError) {
	writeJSON(w, http.StatusConflict, conflictResponse{
		Error:   apiError{Code: anchoring.CodeConflict, Message: "versions out of sync"},
		Tail:    ce.Tail,
		Claimed: ce.Claimed,
	})
}

// bodyError is a request body decodeJSON refused.
type bodyError struct {
	status int
	code   string
	err    error
}

func (e bodyError) Error() string { return e.code + ": " + e.err.Error() }

func (e bodyError) Unwrap() error { return e.err }

func (e bodyError) write(w http.ResponseWriter) {
	msg := "invalid request body"
	if e.code == codeBodyTooLarge {
		msg = "request body too large"
	}
	writeError(w, e.status, e.code, msg)
}

// decodeJSON reads exactly one JSON object of at most maxBytes into dst.
// Unknown fields and trailing data are rejected. Errors are bodyError.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	invalid := func(err error) error {
		return bodyError{status: http.StatusBadRequest, code: codeInvalidJSON, err: err}
	}
	if r.Body == nil {
		return invalid(errors.New("empty body"))
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return bodyError{status: http.StatusRequestEntityTooLarge, code: codeBodyTooLarge, err: err}
		}
		return invalid(err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return invalid(errors.New("extra data after JSON object"))
	}
	return nil
}
