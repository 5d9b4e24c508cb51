package gateway

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/devopscentral/gateway/internal/admin"
	"github.com/devopscentral/gateway/internal/cache"
	"github.com/devopscentral/gateway/internal/config"
	"github.com/devopscentral/gateway/internal/logging"
	"github.com/devopscentral/gateway/internal/store"
)

// Server runs the two HTTP surfaces: the public proxy listener and the
// admin listener. The admin API is also reachable under /admin on the
// public listener; both mounts share the gateway's registry, breakers and
// token validator so mutations take effect without restarts.
type Server struct {
	cfg     *config.Config
	gateway *Gateway

	public *http.Server
	admin  *http.Server
}

// NewServer wires the gateway and admin API onto their listeners.
func NewServer(cfg *config.Config, s *store.Store, c *cache.Cache) *Server {
	g := New(cfg, s, c)
	adminAPI := admin.New(s, g.registry, g.breakers, g.validator, g.RefreshRoutes)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.Handle("/metrics", g.metrics.Handler())
	mux.HandleFunc("/swagger-ui", g.handleSwaggerUI)
	mux.HandleFunc("/openapi.json", g.handleOpenAPI)
	mux.HandleFunc("/auth/logout", g.handleLogout)
	mux.Handle("/admin/", http.StripPrefix("/admin", adminAPI.Router()))
	mux.Handle("/", g.Handler())

	adminMux := chi.NewRouter()
	adminMux.Get("/health", g.handleHealth)
	adminMux.Mount("/admin", adminAPI.Router())

	return &Server{
		cfg:     cfg,
		gateway: g,
		public: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		admin: &http.Server{
			Addr:              cfg.AdminListenAddr,
			Handler:           adminMux,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start loads state and begins serving on both listeners.
func (s *Server) Start(ctx context.Context) error {
	if err := s.gateway.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		logging.Info("public listener up", zap.String("addr", s.public.Addr))
		if err := s.public.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		logging.Info("admin listener up", zap.String("addr", s.admin.Addr))
		if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

// Run starts the server and blocks until SIGINT or SIGTERM, then shuts down
// gracefully.
func (s *Server) Run() error {
	if err := s.Start(context.Background()); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logging.Info("shutting down", zap.String("signal", sig.String()))

	return s.Shutdown(30 * time.Second)
}

// Shutdown drains the listeners and stops the background loops. The admin
// listener goes first so no mutations land mid-drain.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.admin.Shutdown(ctx); err != nil {
		logging.Error("admin listener shutdown error", zap.Error(err))
	}
	err := s.public.Shutdown(ctx)
	if err != nil {
		logging.Error("public listener shutdown error", zap.Error(err))
	}

	s.gateway.Stop()
	logging.Info("shutdown complete")
	return err
}
