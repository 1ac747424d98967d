package authority

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"skirmish/server/settlement"
)

const maxRequestBody = 1 << 20

// Handler は Client が呼び出すHTTP APIです。
//
//	GET  /users/{id}
//	POST /settlements  (Idempotency-Key ヘッダー必須)
type Handler struct {
	authority settlement.Authority
	verifier  *Verifier
	mux       *http.ServeMux
}

func NewHandler(authority settlement.Authority, verifier *Verifier) (*Handler, error) {
	if authority == nil || verifier == nil {
		return nil, errors.New("authority: missing dependencies")
	}
	h := &Handler{authority: authority, verifier: verifier, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /users/{id}", h.getUser)
	h.mux.HandleFunc("POST /settlements", h.postSettlement)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, err := h.verifier.Verify(r.Header.Get("Authorization")); err != nil {
		slog.WarnContext(r.Context(), "unauthorized authority request", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.authority.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAuthorityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) postSettlement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var batch settlement.Batch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed batch")
		return
	}
	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" || key != batch.IdempotencyToken {
		writeError(w, http.StatusBadRequest, "idempotency key does not match batch token")
		return
	}

	results, err := h.authority.UpdateUsers(ctx, batch)
	if err != nil {
		slog.WarnContext(ctx, "settlement not applied", "token", batch.IdempotencyToken, "err", err)
		writeAuthorityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementResponse{Results: results})
}

func writeAuthorityError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlement.ErrRejected):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusServiceUnavailable, "authority unavailable")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
