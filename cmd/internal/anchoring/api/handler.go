package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"anchor/cmd/internal/anchoring"
	"anchor/cmd/keyssi"
)

// Anchors is the part of anchoring.Service the HTTP layer drives.
type Anchors interface {
	Append(ctx context.Context, in anchoring.AppendInput) (anchoring.AppendResult, error)
	Versions(ctx context.Context, authorityKey string) (anchoring.Chain, error)
	Tail(ctx context.Context, authorityKey string) (string, error)
	Check(ctx context.Context, authorityKey string) (anchoring.Report, error)
}

var _ Anchors = (*anchoring.Service)(nil)

// Handler wires the anchoring HTTP endpoints to the Service.
type Handler struct {
	log *slog.Logger
	cfg Config
	svc Anchors
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc Anchors, cfg Config) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("anchorapi: nil service")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, cfg: cfg.normalized(), svc: svc}, nil
}

// Register wires anchoring routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /anchors/append", h.handleAppend)
	mux.HandleFunc("GET /anchors/{key}/versions", h.handleVersions)
	mux.HandleFunc("GET /anchors/{key}/tail", h.handleTail)
	mux.HandleFunc("GET /anchors/{key}/check", h.handleCheck)
}

// ---- handlers ----

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		var be bodyError
		if errors.As(err, &be) {
			be.write(w)
			return
		}
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid request body")
		return
	}
	if strings.TrimSpace(req.AuthorityKey) == "" || strings.TrimSpace(req.Record) == "" {
		writeError(w, http.StatusBadRequest, anchoring.CodeInvalidInput, "authority_key and record are required")
		return
	}

	res, err := h.svc.Append(r.Context(), anchoring.AppendInput{
		AuthorityKey: req.AuthorityKey,
		Record:       req.Record,
		Previous:     req.Previous,
	})
	if err != nil {
		h.writeServiceError(w, "anchor.api.append", err)
		return
	}

	writeJSON(w, http.StatusCreated, appendResponse{
		AnchorID: res.AnchorID,
		Record:   res.Record,
		Kind:     res.Kind.String(),
		Position: res.Position,
		Previous: res.Previous,
	})
}

func (h *Handler) handleVersions(w http.ResponseWriter, r *http.Request) {
	chain, err := h.svc.Versions(r.Context(), r.PathValue("key"))
	if err != nil {
		h.writeServiceError(w, "anchor.api.versions", err)
		return
	}
	writeJSON(w, http.StatusOK, versionsResponse{AnchorID: chain.AnchorID, Versions: chain.Records})
}

func (h *Handler) handleTail(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	tail, err := h.svc.Tail(r.Context(), key)
	if err != nil {
		h.writeServiceError(w, "anchor.api.tail", err)
		return
	}
	anchorID := strings.TrimSpace(key)
	if ak, err := keyssi.ParseAuthorityKey(key); err == nil {
		anchorID = ak.Identifier()
	}
	writeJSON(w, http.StatusOK, tailResponse{AnchorID: anchorID, Tail: tail})
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Check(r.Context(), r.PathValue("key"))
	if err != nil {
		h.writeServiceError(w, "anchor.api.check", err)
		return
	}

	links := make([]linkResponse, 0, len(rep.Links))
	for _, l := range rep.Links {
		links = append(links, linkResponse{Position: l.Position, Record: l.Record, Status: string(l.Status)})
	}
	writeJSON(w, http.StatusOK, checkResponse{AnchorID: rep.AnchorID, OK: rep.OK(), Links: links})
}

// writeServiceError maps anchoring errors onto HTTP responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, event string, err error) {
	if ce, ok := anchoring.AsConflict(err); ok {
		writeConflict(w, ce)
		return
	}

	var ioErr anchoring.IOError
	switch {
	case anchoring.IsVerification(err):
		msg := "signature verification failed"
		if errors.Is(err, anchoring.ErrUnsupportedKind) {
			msg = "unsupported record kind"
		}
		writeError(w, http.StatusUnauthorized, anchoring.CodeVerificationFailed, msg)
	case errors.Is(err, anchoring.ErrInvalidInput):
		msg := "invalid input"
		var ie anchoring.InputError
		if errors.As(err, &ie) {
			msg = "invalid " + ie.Field
		}
		writeError(w, http.StatusBadRequest, anchoring.CodeInvalidInput, msg)
	case errors.Is(err, anchoring.ErrEmptyChain):
		writeError(w, http.StatusNotFound, anchoring.CodeEmptyChain, "chain has no records")
	case errors.As(err, &ioErr):
		h.log.Error(event+".fail", "op", ioErr.Op, "anchor_id", ioErr.AnchorID, "err", err)
		writeError(w, http.StatusInternalServerError, anchoring.CodeIOError, "storage failure during "+ioErr.Op)
	default:
		h.log.Error(event+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, anchoring.CodeInternal, "internal error")
	}
}
