package api

import (
	"log/slog"
	"net/http"

	"github.com/erazemk/popis/internal/auth"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/reconcile"
)

// MaxPushBatch is the largest batch a device may push in one request.
const MaxPushBatch = 500

// SyncHandler serves the push and pull endpoints.
type SyncHandler struct {
	Engine *reconcile.Engine
}

func principal(c *auth.Claims) reconcile.Principal {
	return reconcile.Principal{DeviceID: c.DeviceID, AuditorID: c.AuditorID, Role: c.Role}
}

// sameDevice checks that the body names the device the token was issued to.
// An empty device id means the token's device.
func sameDevice(w http.ResponseWriter, c *auth.Claims, deviceID string) bool {
	if deviceID != "" && deviceID != c.DeviceID {
		slog.Warn("device mismatch", "token_device", c.DeviceID, "body_device", deviceID)
		jsonError(w, http.StatusForbidden, "device does not match token")
		return false
	}
	return true
}

// Push handles POST /api/sync/push.
func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	var req model.PushRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !sameDevice(w, claims, req.DeviceID) {
		return
	}
	if len(req.Mutations) > MaxPushBatch {
		jsonError(w, http.StatusRequestEntityTooLarge, "too many mutations in one batch")
		return
	}

	outcomes, err := h.Engine.ApplyBatch(r.Context(), principal(claims), req.Mutations)
	if err != nil {
		slog.Error("applying batch", "device", claims.DeviceID, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to apply batch")
		return
	}
	if outcomes == nil {
		outcomes = []model.Outcome{}
	}
	jsonResponse(w, http.StatusOK, model.PushResponse{Outcomes: outcomes})
}

// Pull handles POST /api/sync/pull.
func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	var req model.PullRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !sameDevice(w, claims, req.DeviceID) {
		return
	}
	for et := range req.Cursors {
		if !et.Valid() {
			jsonError(w, http.StatusBadRequest, "unknown entity type "+string(et))
			return
		}
	}

	resp, err := h.Engine.Pull(r.Context(), principal(claims), req)
	if err != nil {
		slog.Error("pulling changes", "device", claims.DeviceID, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to pull changes")
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}
