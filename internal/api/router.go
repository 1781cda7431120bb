package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/meterd/internal/gateway"
	"github.com/rcourtman/meterd/internal/payments"
	"github.com/rs/zerolog/log"
)

// NewRouter creates the HTTP router.
func NewRouter(deps *Deps) http.Handler {
	h := &Handlers{deps: deps}
	cfg := deps.Config
	gw := deps.Gateway

	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", gateway.LicenseKeyHeader, gateway.SessionIDHeader, "X-Request-ID"},
			ExposedHeaders:   []string{gateway.DecisionHeader, "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	// Balance stream connections outlive any request timeout.
	r.With(gw.Middleware(gateway.RequireLicense)).Get("/balance/stream", h.BalanceStream)

	limiter := NewIPRateLimiter(cfg.RateLimitPerMinute, deps.Proxies)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout()))

		// ========== Public endpoints ==========
		r.Get("/healthz", h.Healthz)
		r.Get("/readyz", h.Readyz)
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
		r.Get("/packages", h.Packages)
		r.With(limiter.Middleware).Post("/register", h.Register)
		r.Method(http.MethodPost, "/payments/webhook", payments.NewWebhookHandler(deps.Payments))

		// ========== Metered endpoints ==========
		r.Group(func(r chi.Router) {
			r.Use(gw.Middleware(gateway.RequireLicense))
			r.Get("/balance", h.Balance)
			r.Post("/usage/close", h.CloseSession)
			r.With(limiter.Middleware).Post("/payments/create-checkout", h.CreateCheckout)
		})
		r.With(gw.Middleware(gateway.RequireBalanceNoTouch)).Post("/usage/heartbeat", h.Heartbeat)
		r.With(gw.Middleware(gateway.RequireBalance)).Get("/api/access", h.Access)

		// ========== Admin ==========
		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin(cfg.AdminAPIKey))
			r.Get("/licenses", h.AdminListLicenses)
			r.Post("/licenses", h.AdminCreateLicense)
			r.Get("/licenses/{key}", h.AdminGetLicense)
			r.Post("/licenses/{key}/revoke", h.AdminRevokeLicense)
			r.Post("/licenses/{key}/adjust", h.AdminAdjust)
			r.Get("/licenses/{key}/ledger", h.AdminLedger)
			r.Get("/licenses/{key}/sessions", h.AdminSessions)
			r.Get("/payments", h.AdminPayments)
		})
	})

	// ========== Protected upstream ==========
	if cfg.UpstreamURL != "" {
		proxy, err := newUpstreamProxy(cfg.UpstreamURL)
		if err != nil {
			// Validate already rejected malformed URLs.
			log.Error().Err(err).Str("upstream", cfg.UpstreamURL).Msg("Upstream proxy disabled")
		} else {
			r.With(gw.Middleware(gateway.RequireBalance)).Handle("/api/*", proxy)
		}
	}

	return r
}
