package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rcourtman/meterd/internal/cache"
	"github.com/rcourtman/meterd/internal/config"
	"github.com/rcourtman/meterd/internal/gateway"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/license"
	"github.com/rcourtman/meterd/internal/payments"
	"github.com/rcourtman/meterd/internal/session"
	"github.com/rcourtman/meterd/internal/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Store is everything the service persists. Both the SQLite registry and
// the PostgreSQL registry implement it.
type Store interface {
	license.Store
	ledger.Store
	session.Store
	payments.EventStore
	Ping(ctx context.Context) error
	Close() error
}

// Deps are the wired components behind the HTTP surface.
type Deps struct {
	Config   *config.Config
	Store    Store
	Licenses *license.Service
	Ledger   *ledger.Ledger
	Cache    *cache.BalanceCache
	Hub      *websocket.Hub
	Sessions *session.Tracker
	Gateway  *gateway.Gateway
	Payments *payments.Processor
	Catalog  *payments.Catalog
	Checkout *payments.Checkout
	Proxies  *TrustedProxies
	Version  string
}

// Wire builds every component on top of store. Observers are registered
// cache first so the push hub reads post-write balances.
func Wire(cfg *config.Config, store Store, version string) (*Deps, error) {
	licenses := license.NewService(store)
	l := ledger.New(store)
	balances := cache.New(l, cfg.BalanceCacheSize, cfg.CacheTTL())
	hub := websocket.NewHub(balances, cfg.CORSAllowedOrigins)

	l.Observe(balances)
	l.Observe(hub)
	licenses.OnChange(balances.Invalidate)
	licenses.OnChange(func(key string) { hub.BalanceChanged(context.Background(), key) })

	tracker := session.NewTracker(cfg.Session(), l, store)
	gw := gateway.New(cfg.Gateway(), balances, tracker)

	var verifier payments.Verifier
	if cfg.PaymentWebhookSecret != "" {
		v, err := payments.NewVerifier(cfg.PaymentProvider, cfg.PaymentWebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("payment verifier: %w", err)
		}
		verifier = v
	} else {
		log.Warn().Msg("PAYMENT_WEBHOOK_SECRET not set, payment webhooks disabled")
	}

	catalog, err := payments.ParseCatalog(cfg.HourPackages, cfg.Currency)
	if err != nil {
		return nil, fmt.Errorf("hour packages: %w", err)
	}

	proxies, invalid := ParseTrustedProxies(cfg.TrustedProxies)
	if len(invalid) > 0 {
		return nil, fmt.Errorf("trusted proxies: invalid entries %v", invalid)
	}

	return &Deps{
		Config:   cfg,
		Store:    store,
		Licenses: licenses,
		Ledger:   l,
		Cache:    balances,
		Hub:      hub,
		Sessions: tracker,
		Gateway:  gw,
		Payments: payments.NewProcessor(verifier, store, licenses, l),
		Catalog:  catalog,
		Checkout: payments.NewCheckout(cfg.Checkout(), catalog, licenses),
		Proxies:  proxies,
		Version:  version,
	}, nil
}

// Server runs the HTTP surface and the background loops.
type Server struct {
	deps *Deps
	srv  *http.Server
}

// NewServer creates a server listening on the configured address.
func NewServer(deps *Deps) *Server {
	return &Server{
		deps: deps,
		srv: &http.Server{
			Addr:              deps.Config.ListenAddr(),
			Handler:           NewRouter(deps),
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run restores persisted sessions, then serves until ctx is cancelled and
// shuts down gracefully. Open sessions stay persisted and are resumed on the
// next start.
func (s *Server) Run(ctx context.Context) error {
	restored, err := s.deps.Sessions.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	if restored > 0 {
		log.Info().Int("sessions", restored).Msg("Restored active usage sessions")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.deps.Sessions.Run(gctx) })
	g.Go(func() error { return s.deps.Hub.Run(gctx) })

	g.Go(func() error {
		log.Info().
			Str("addr", s.srv.Addr).
			Str("version", s.deps.Version).
			Str("failure_policy", s.deps.Gateway.Policy().String()).
			Bool("enforce_payment", s.deps.Gateway.Enforcing()).
			Msg("meterd listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Msg("meterd stopped")
	return err
}
