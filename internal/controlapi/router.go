package controlapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the killswitch Control API.
//
// Route layout:
//
//	GET  /healthz                   – liveness probe (no authentication)
//	GET  /api/v1/stats              – orchestrator + audit counters (JWT)
//	GET  /api/v1/policy             – current policy document (JWT)
//	PUT  /api/v1/policy             – replace policy document (JWT)
//	POST /api/v1/scan                – trigger one scan tick (JWT)
//	POST /api/v1/daemon/start         – start the periodic scan daemon (JWT)
//	POST /api/v1/daemon/stop          – stop the daemon (JWT)
//	POST /api/v1/emergency-stop       – hard-stop and latch refusal (JWT)
//	GET  /api/v1/audit                – query audit events (JWT)
//	GET  /api/v1/events                – Server-Sent-Events event stream (JWT)
//
// secret is the HS256 shared secret used to verify Bearer tokens on all
// /api routes. Pass nil to disable JWT validation; cmd/killswitch passes nil
// when control_api.jwt_secret is empty.
func NewRouter(srv *Server, secret []byte) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if secret != nil {
			r.Use(JWTMiddleware(secret))
		}

		r.Get("/stats", srv.handleStats)
		r.Get("/policy", srv.handleGetPolicy)
		r.Put("/policy", srv.handlePutPolicy)
		r.Post("/scan", srv.handlePostScan)
		r.Post("/daemon/start", srv.handleDaemonStart)
		r.Post("/daemon/stop", srv.handleDaemonStop)
		r.Post("/emergency-stop", srv.handleEmergencyStop)
		r.Get("/audit", srv.handleGetAudit)
		r.Get("/events", srv.handleEvents)
	})

	return r
}
