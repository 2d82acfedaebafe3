package gateway

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/logging"
)

// Server runs the two listeners (proxy and admin API) plus the
// gateway's background loops, and handles signals: SIGHUP reloads
// the configuration, SIGINT/SIGTERM drain and shut down.
type Server struct {
	gw      *Gateway
	watcher *config.Watcher
	proxy   *http.Server
	api     *http.Server
}

// NewServer wires listeners around an assembled gateway. watcher may
// be nil when the configuration came from somewhere other than a file.
func NewServer(gw *Gateway, watcher *config.Watcher) *Server {
	cfg := gw.cfg.Load().Server

	s := &Server{
		gw:      gw,
		watcher: watcher,
		proxy: &http.Server{
			Addr:         cfg.ProxyAddress,
			Handler:      gw.Handler(),
			ReadTimeout:  cfg.ReadTimeout,
			IdleTimeout:  cfg.IdleTimeout,
			// WriteTimeout stays off on the proxy listener: upstream
			// deadlines are enforced per backend by the forwarder.
		},
		api: &http.Server{
			Addr:         cfg.APIAddress,
			Handler:      gw.APIHandler(),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}

	if watcher != nil {
		watcher.OnChange(func(next *config.Config) {
			if err := gw.Reload(next); err != nil {
				logging.Error("reload rejected, previous config stays active", zap.Error(err))
			}
		})
	}
	return s
}

// Run blocks until ctx is cancelled or a termination signal arrives,
// then drains both listeners and closes the gateway.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var loops errgroup.Group
	loops.Go(func() error { s.gw.collector.Run(ctx); return nil })
	loops.Go(func() error { s.gw.store.RunRetention(ctx); return nil })
	loops.Go(func() error { s.gw.mlAgg.Run(ctx); return nil })
	loops.Go(func() error {
		if err := s.gw.alerts.Load(ctx); err != nil {
			logging.Warn("alert state load failed", zap.Error(err))
		}
		s.gw.alerts.Run(ctx)
		return nil
	})

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			return err
		}
		defer s.watcher.Stop()

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-hup:
					logging.Info("SIGHUP received, reloading configuration")
					s.watcher.Reload()
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	listenErr := make(chan error, 2)
	go func() {
		logging.Info("proxy listener starting", zap.String("address", s.proxy.Addr))
		if err := s.proxy.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()
	go func() {
		logging.Info("api listener starting", zap.String("address", s.api.Addr))
		if err := s.api.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-listenErr:
		logging.Error("listener failed", zap.Error(runErr))
		stop()
	case <-ctx.Done():
		logging.Info("shutdown signal received")
	}

	timeout := s.gw.cfg.Load().Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Stop accepting first, then drain internals. The proxy listener
	// goes down before the API one so operators can still observe the
	// drain through /api/health/gateway.
	if err := s.proxy.Shutdown(shutdownCtx); err != nil {
		logging.Warn("proxy listener shutdown", zap.Error(err))
	}
	if err := s.api.Shutdown(shutdownCtx); err != nil {
		logging.Warn("api listener shutdown", zap.Error(err))
	}

	loops.Wait()
	s.gw.Close(shutdownCtx)

	logging.Info("shutdown complete")
	return runErr
}
