package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/erazemk/popis/internal/auth"
	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/reconcile"
	"github.com/erazemk/popis/internal/store"
)

// AdminHandler serves the administrative endpoints.
type AdminHandler struct {
	DB     *db.DB
	Engine *reconcile.Engine
}

type rebindRequest struct {
	ItemID int64 `json:"item_id"`
}

type assignScopeRequest struct {
	LocationIDs []int64 `json:"location_ids"`
}

type revokeRequest struct {
	JTI       string    `json:"jti"`
	DeviceID  string    `json:"device_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RebindQRCode handles POST /api/admin/qrcodes/{id}/rebind.
func (h *AdminHandler) RebindQRCode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid qr code id")
		return
	}
	var req rebindRequest
	if err := decodeJSON(r, &req); err != nil || req.ItemID <= 0 {
		jsonError(w, http.StatusBadRequest, "item_id required")
		return
	}

	qr, err := h.Engine.RebindQRCode(r.Context(), principal(GetClaims(r.Context())), id, req.ItemID)
	if err != nil {
		domainError(w, err, "failed to rebind qr code")
		return
	}
	jsonResponse(w, http.StatusOK, qr)
}

// RetireQRCode handles POST /api/admin/qrcodes/{id}/retire.
func (h *AdminHandler) RetireQRCode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid qr code id")
		return
	}

	qr, err := h.Engine.RetireQRCode(r.Context(), principal(GetClaims(r.Context())), id)
	if err != nil {
		domainError(w, err, "failed to retire qr code")
		return
	}
	jsonResponse(w, http.StatusOK, qr)
}

// DeleteReport handles DELETE /api/admin/reports/{id}.
func (h *AdminHandler) DeleteReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid report id")
		return
	}

	if err := h.Engine.DeleteReport(r.Context(), principal(GetClaims(r.Context())), id); err != nil {
		domainError(w, err, "failed to delete report")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AssignScope handles PUT /api/admin/auditors/{id}/locations.
func (h *AdminHandler) AssignScope(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid auditor id")
		return
	}
	var req assignScopeRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.Engine.AssignScope(r.Context(), principal(GetClaims(r.Context())), id, req.LocationIDs); err != nil {
		domainError(w, err, "failed to assign scope")
		return
	}
	paths, err := store.AuditorScopePaths(r.Context(), h.DB, id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to read scope")
		return
	}
	jsonResponse(w, http.StatusOK, map[string][]string{"paths": paths})
}

// ItemMoves handles GET /api/admin/items/{id}/moves.
func (h *AdminHandler) ItemMoves(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	moves, err := h.Engine.ItemMoves(r.Context(), id)
	if err != nil {
		domainError(w, err, "failed to list item moves")
		return
	}
	if moves == nil {
		moves = []model.ItemMove{}
	}
	jsonResponse(w, http.StatusOK, moves)
}

// VerifyLocations handles GET /api/admin/locations/verify.
func (h *AdminHandler) VerifyLocations(w http.ResponseWriter, r *http.Request) {
	mismatches, err := h.Engine.VerifyLocations(r.Context())
	if err != nil {
		domainError(w, err, "failed to verify locations")
		return
	}
	if len(mismatches) > 0 {
		slog.Warn("location paths out of sync", "mismatches", len(mismatches))
	}
	jsonResponse(w, http.StatusOK, map[string]any{"ok": len(mismatches) == 0, "mismatches": mismatches})
}

// RevokeToken handles POST /api/admin/tokens/revoke.
func (h *AdminHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil || req.JTI == "" {
		jsonError(w, http.StatusBadRequest, "jti required")
		return
	}
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = time.Now().Add(auth.TokenExpiry)
	}

	if err := store.RevokeToken(r.Context(), h.DB, req.JTI, req.DeviceID, req.ExpiresAt); err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to revoke token")
		return
	}
	slog.Info("token revoked", "jti", req.JTI, "device", req.DeviceID, "by", GetClaims(r.Context()).DeviceID)
	w.WriteHeader(http.StatusNoContent)
}

// RevokeDevice handles POST /api/admin/devices/{device}/revoke. Every token
// issued to the device so far stops working.
func (h *AdminHandler) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device")
	if deviceID == "" {
		jsonError(w, http.StatusBadRequest, "device required")
		return
	}

	if err := store.RevokeDevice(r.Context(), h.DB, deviceID, time.Now()); err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to revoke device")
		return
	}
	slog.Info("device revoked", "device", deviceID, "by", GetClaims(r.Context()).DeviceID)
	w.WriteHeader(http.StatusNoContent)
}

// Logout handles POST /api/auth/logout, revoking the caller's own token.
func (h *AdminHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())
	expires := time.Now().Add(auth.TokenExpiry)
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	if err := store.RevokeToken(r.Context(), h.DB, claims.ID, claims.DeviceID, expires); err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to revoke token")
		return
	}
	slog.Info("device logged out", "device", claims.DeviceID)
	w.WriteHeader(http.StatusNoContent)
}
