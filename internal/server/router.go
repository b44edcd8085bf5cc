package server

import (
	"net/http"

	"github.com/watzon/quarry/internal/auth"
	"github.com/watzon/quarry/internal/config"
	"github.com/watzon/quarry/internal/metrics"
	"github.com/watzon/quarry/internal/server/handlers"
)

func (s *Server) buildRouter(jwtSvc *auth.JWTService) http.Handler {
	cfg := s.snapshot.Config()
	mux := http.NewServeMux()

	healthHandlers := handlers.NewHealthHandlers(s.main, Version)
	mux.HandleFunc("GET /health", healthHandlers.Liveness)
	mux.HandleFunc("GET /health/live", healthHandlers.Liveness)
	mux.HandleFunc("GET /health/ready", healthHandlers.Readiness)
	mux.Handle("GET /metrics", metrics.Handler())

	rec := handlers.NewRecordHandlers(s.recordsSvc, s.authSvc.Store(), cfg.Server.MaxBodySize)
	mux.HandleFunc("GET /api/records/v1/{name}", rec.List)
	mux.HandleFunc("POST /api/records/v1/{name}", rec.Create)
	mux.HandleFunc("GET /api/records/v1/{name}/schema", rec.Schema)
	mux.HandleFunc("GET /api/records/v1/{name}/subscribe/{id}", rec.Subscribe)
	mux.HandleFunc("GET /api/records/v1/{name}/{id}", rec.Read)
	mux.HandleFunc("PATCH /api/records/v1/{name}/{id}", rec.Update)
	mux.HandleFunc("DELETE /api/records/v1/{name}/{id}", rec.Delete)
	mux.HandleFunc("GET /api/records/v1/{name}/{id}/file/{col}", rec.GetFile)
	mux.HandleFunc("GET /api/records/v1/{name}/{id}/files/{col}/{file_id}", rec.GetFileFromList)

	authHandlers := handlers.NewAuthHandlers(s.authSvc, s.main, s.backend,
		func() string { return s.snapshot.Config().Server.SiteURL }, cfg.Server.MaxBodySize)
	mux.HandleFunc("POST /api/auth/v1/login", authHandlers.Login)
	mux.HandleFunc("POST /api/auth/v1/logout", authHandlers.Logout)
	mux.HandleFunc("POST /api/auth/v1/register", authHandlers.Register)
	mux.HandleFunc("POST /api/auth/v1/refresh", authHandlers.Refresh)
	mux.HandleFunc("GET /api/auth/v1/status", authHandlers.Status)
	mux.HandleFunc("GET /api/auth/v1/verify_email/{code}", authHandlers.VerifyEmail)
	mux.HandleFunc("POST /api/auth/v1/reset_password/request", authHandlers.RequestPasswordReset)
	mux.HandleFunc("POST /api/auth/v1/reset_password/update", authHandlers.ResetPassword)
	mux.HandleFunc("POST /api/auth/v1/change_password", authHandlers.ChangePassword)
	mux.HandleFunc("POST /api/auth/v1/change_email", authHandlers.ChangeEmail)
	mux.HandleFunc("POST /api/auth/v1/delete", authHandlers.Delete)
	mux.HandleFunc("GET /api/auth/v1/avatar", authHandlers.GetAvatar)
	mux.HandleFunc("POST /api/auth/v1/avatar", authHandlers.SetAvatar)
	mux.HandleFunc("DELETE /api/auth/v1/avatar", authHandlers.DeleteAvatar)
	mux.HandleFunc("POST /api/auth/v1/otp/request", authHandlers.RequestOTP)
	mux.HandleFunc("POST /api/auth/v1/otp/verify", authHandlers.VerifyOTP)
	mux.HandleFunc("POST /api/auth/v1/token", authHandlers.Token)
	mux.HandleFunc("GET /api/auth/v1/oauth/providers", authHandlers.Providers)
	mux.HandleFunc("GET /api/auth/v1/oauth/{provider}/login", authHandlers.OAuthLogin)
	mux.HandleFunc("GET /api/auth/v1/oauth/{provider}/callback", authHandlers.OAuthCallback)

	adminHandlers := handlers.NewAdminHandlers(
		s.authSvc.Store(),
		s.recorder,
		s.snapshot,
		s.sched,
		cfg.Server.MaxBodySize,
		func(r *http.Request) error { return s.ReloadSchema(r.Context()) },
		func(r *http.Request, cfg *config.Config) error { return s.ApplyConfig(r.Context(), cfg) },
	)
	mux.HandleFunc("GET /api/admin/v1/users", adminHandlers.UserList)
	mux.HandleFunc("POST /api/admin/v1/users", adminHandlers.UserCreate)
	mux.HandleFunc("GET /api/admin/v1/users/{id}", adminHandlers.UserGet)
	mux.HandleFunc("PATCH /api/admin/v1/users/{id}", adminHandlers.UserUpdate)
	mux.HandleFunc("DELETE /api/admin/v1/users/{id}", adminHandlers.UserDelete)
	mux.HandleFunc("POST /api/admin/v1/schema", adminHandlers.SchemaDDL)
	mux.HandleFunc("GET /api/admin/v1/config", adminHandlers.ConfigGet)
	mux.HandleFunc("PUT /api/admin/v1/config", adminHandlers.ConfigUpdate)
	mux.HandleFunc("GET /api/admin/v1/jobs", adminHandlers.JobList)
	mux.HandleFunc("POST /api/admin/v1/jobs/{id}/run", adminHandlers.JobRun)

	mux.HandleFunc("GET /api/admin/v1/logs", func(w http.ResponseWriter, r *http.Request) {
		entries, err := s.reqLogs.List(r.Context(), 100)
		if err != nil {
			handlers.InternalError(w, "listing logs failed")
			return
		}
		handlers.JSON(w, http.StatusOK, map[string]any{"entries": entries})
	})

	// Middleware order: recovery outermost, then identity extraction so
	// CSRF and logging can see claims.
	chain := []Middleware{
		RecoveryMiddleware,
		MetricsMiddleware,
		auth.ExtractMiddleware(jwtSvc),
		CSRFMiddleware,
		LoggingMiddleware,
		RequestLogMiddleware(s.reqLogs),
	}
	if cfg.Server.CORS.Enabled {
		chain = append([]Middleware{chain[0], CORSMiddleware(cfg.Server.CORS)}, chain[1:]...)
	}

	var handler http.Handler = mux
	for i := len(chain) - 1; i >= 0; i-- {
		handler = chain[i](handler)
	}
	return handler
}
