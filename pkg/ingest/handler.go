package ingest

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinykpi/pkg/config"
	"github.com/nicktill/tinykpi/pkg/httpx"
	"github.com/nicktill/tinykpi/pkg/logging"
	"github.com/nicktill/tinykpi/pkg/storage"
)

// IdempotencyHeader carries the caller's idempotency key.
const IdempotencyHeader = "X-Idempotency-Key"

// Handler serves the ingestion HTTP surface.
type Handler struct {
	svc          *Service
	accounts     storage.AccountStore
	maxBodyBytes int64
}

// NewHandler creates the HTTP handler for svc. accounts receives account
// sync calls.
func NewHandler(svc *Service, accounts storage.AccountStore, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = config.DefaultMaxBodyBytes
	}
	return &Handler{svc: svc, accounts: accounts, maxBodyBytes: maxBodyBytes}
}

// Response is the body of a successful POST /v1/events.
type Response struct {
	OK    bool  `json:"ok"`
	ID    int64 `json:"id"`
	Dedup bool  `json:"dedup"`
}

// HandleEvent handles POST /v1/events.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httpx.DecodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		if httpx.IsTooLarge(err) {
			httpx.RespondError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
			return
		}
		httpx.RespondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	res, err := h.svc.Ingest(ctx, req, r.Header.Get(IdempotencyHeader))
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			httpx.RespondError(w, http.StatusBadRequest, "validation_failed", ve.Rule)
			return
		}
		logging.Ctx(r.Context()).Error().Err(err).Str("event", req.EventName).Msg("Failed to ingest event")
		httpx.RespondError(w, http.StatusInternalServerError, "ingest_failed", "failed to store event")
		return
	}

	httpx.RespondJSON(w, http.StatusOK, Response{OK: true, ID: res.ID, Dedup: res.Dedup})
}

// AccountRequest is the body of PUT /v1/accounts/{id}.
type AccountRequest struct {
	CreatedAt string `json:"createdAt" validate:"required"`
}

// HandleAccount handles PUT /v1/accounts/{id}, mirroring a platform signup.
func (h *Handler) HandleAccount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, http.StatusBadRequest, "invalid_account_id", "account id must be a positive integer")
		return
	}

	var req AccountRequest
	if err := httpx.DecodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "validation_failed", "createdAt required")
		return
	}
	createdAt, err := ParseEventTime(req.CreatedAt)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "validation_failed", "invalid createdAt")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	if err := h.accounts.UpsertAccount(ctx, storage.Account{ID: id, CreatedAt: createdAt}); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Int64("account", id).Msg("Failed to upsert account")
		httpx.RespondError(w, http.StatusInternalServerError, "account_failed", "failed to store account")
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "id": id})
}
