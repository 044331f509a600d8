package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hackthestudy/internal/config"
	"hackthestudy/internal/infra/api/apiv1"
	"hackthestudy/internal/usecase"
)

// NewRouter wires the v1 API, /health and /metrics behind the common middlewares.
func NewRouter(cfg config.APIConfig, limits apiv1.Limits, jobs usecase.JobUseCase, credits usecase.CreditUseCase, logger *zerolog.Logger) http.Handler {
	apiLog := logger.With().Str("component", "api").Logger()
	auth := NewAuthenticator(cfg.JWTSecret)

	r := chi.NewRouter()
	r.Use(TraceID(&apiLog), RequestLog(&apiLog), Recover(&apiLog))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(Timeout(cfg.RequestTimeout))
		srv := apiv1.NewServer(jobs, credits, limits, &apiLog)
		apiv1.RegisterAPIV1(r, srv, auth.Optional, auth.Required)
	})
	return r
}
