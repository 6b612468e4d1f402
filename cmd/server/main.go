package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"admission-service/internal/config"
	"admission-service/internal/factory"
	"admission-service/internal/handler"
	"admission-service/internal/tls"
	"admission-service/internal/util"
)

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	router, err := setupRouter(f)
	if err != nil {
		util.Fatal("Failed to build router", util.ErrorField(err))
	}

	// Create HTTP server with configured timeouts
	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	tlsManager, err := tls.NewTLSManager(cfg.Server)
	if err != nil {
		util.Fatal("Failed to configure TLS", util.ErrorField(err))
	}

	if tlsManager == nil {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
		startServer(f, cfg, server, nil)
		return
	}

	server.TLSConfig = tlsManager.GetTLSConfig()
	util.Info("Starting HTTPS server",
		util.String("environment", cfg.Environment),
		util.Int("port", cfg.Server.Port),
		util.String("tls_mode", tlsManager.Mode()),
	)

	// ACME HTTP-01 challenges and the HTTPS redirect need port 80.
	var challengeServer *http.Server
	if h := tlsManager.ChallengeHandler(); h != nil {
		challengeServer = &http.Server{
			Addr:              ":80",
			Handler:           h,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
		}
	}
	startServer(f, cfg, server, challengeServer)
}

// setupRouter creates the HTTP router with all handlers using Chi
func setupRouter(f *factory.Factory) (http.Handler, error) {
	cfg := f.Config()
	serviceFactory := f.ServiceFactory()

	upstream, err := handler.NewUpstream(cfg.Server.UpstreamURL, util.Get())
	if err != nil {
		return nil, err
	}

	gates := handler.NewGates(serviceFactory.AdmissionService(), cfg.Admission, util.Get())
	adminHandler := handler.NewAdminHandler(serviceFactory.AdminService(), cfg.Admin.Token, util.Get())
	if cfg.Admin.Token == "" {
		util.Warn("ADMIN_TOKEN is empty - admin API rejects every request")
	}

	opts := handler.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.WriteTimeout,
		Readiness:      f,
	}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
	}

	return handler.NewRouter(gates, adminHandler, upstream, f.Metrics(), opts, util.Get()), nil
}

func startServer(f *factory.Factory, cfg *config.Config, server, challengeServer *http.Server) {
	if challengeServer != nil {
		go func() {
			util.Info("Starting ACME challenge server on port 80")
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				util.Error("ACME challenge server failed", util.ErrorField(err))
			}
		}()
	}

	go func() {
		var err error
		if server.TLSConfig != nil {
			// Certificates come from TLSConfig.GetCertificate.
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", server.TLSConfig != nil),
		util.String("address", server.Addr),
		util.String("upstream", cfg.Server.UpstreamURL),
	)

	waitForShutdown(f, cfg, server, challengeServer)
}

func waitForShutdown(f *factory.Factory, cfg *config.Config, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
			} else {
				util.Info("Server shutdown completed")
			}
		}
	}
	f.Close()
}
