package api

import (
	"net/http"

	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/reconcile"
)

// NewRouter creates the API router with all endpoints registered.
func NewRouter(database *db.DB, engine *reconcile.Engine, jwtSecret string) http.Handler {
	mux := http.NewServeMux()

	syncHandler := &SyncHandler{Engine: engine}
	adminHandler := &AdminHandler{DB: database, Engine: engine}

	authMW := AuthMiddleware(jwtSecret, database)
	requireAdmin := RequireRole(model.RoleAdmin)

	// Public: health.
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.PingContext(r.Context()); err != nil {
			jsonError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Sync (any device).
	mux.Handle("POST /api/sync/push", authMW(http.HandlerFunc(syncHandler.Push)))
	mux.Handle("POST /api/sync/pull", authMW(http.HandlerFunc(syncHandler.Pull)))
	mux.Handle("POST /api/auth/logout", authMW(http.HandlerFunc(adminHandler.Logout)))

	// Administration (admin only).
	admin := func(h http.HandlerFunc) http.Handler { return authMW(requireAdmin(h)) }
	mux.Handle("POST /api/admin/qrcodes/{id}/rebind", admin(adminHandler.RebindQRCode))
	mux.Handle("POST /api/admin/qrcodes/{id}/retire", admin(adminHandler.RetireQRCode))
	mux.Handle("DELETE /api/admin/reports/{id}", admin(adminHandler.DeleteReport))
	mux.Handle("PUT /api/admin/auditors/{id}/locations", admin(adminHandler.AssignScope))
	mux.Handle("GET /api/admin/items/{id}/moves", admin(adminHandler.ItemMoves))
	mux.Handle("GET /api/admin/locations/verify", admin(adminHandler.VerifyLocations))
	mux.Handle("POST /api/admin/tokens/revoke", admin(adminHandler.RevokeToken))
	mux.Handle("POST /api/admin/devices/{device}/revoke", admin(adminHandler.RevokeDevice))

	return mux
}
