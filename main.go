package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"esplora-auth-proxy/internal/circuitbreaker"
	"esplora-auth-proxy/internal/common/httpclient"
	"esplora-auth-proxy/internal/common/logging"
	"esplora-auth-proxy/internal/config"
	"esplora-auth-proxy/internal/middleware"
	"esplora-auth-proxy/internal/proxy"
	"esplora-auth-proxy/internal/server"
	"esplora-auth-proxy/internal/token"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logging.InitGlobalLogger()
	defer logging.MustSync()

	logger := logging.GetGlobalLogger()

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", err)
		logging.MustSync()
		os.Exit(1)
	}

	// Token lifecycle: fetcher behind a circuit breaker, single-flight cache,
	// background refresh scheduler.
	fetcher := token.NewFetcher(token.FetcherConfig{
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scope:        cfg.Scope,
		Margin:       cfg.TokenRefreshMargin,
		Breaker:      circuitbreaker.NewGoBreaker("identity-provider", circuitbreaker.IdentityProviderConfig, logger),
		Logger:       logger,
	})
	cache := token.NewCache(fetcher.Fetch, token.SystemClock, logger)

	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()
	scheduler := token.NewScheduler(cache, cfg.RefreshRetryBackoff, token.SystemClock, logger)
	go scheduler.Run(schedulerCtx)

	// Forwarding engine and HTTP surface.
	upstreamOpts := []httpclient.ClientOption{httpclient.WithoutCompression()}
	if cfg.UpstreamTimeout > 0 {
		upstreamOpts = append(upstreamOpts, httpclient.WithTimeout(cfg.UpstreamTimeout))
	} else {
		upstreamOpts = append(upstreamOpts, httpclient.WithTimeout(0))
	}

	forwarder, err := proxy.NewForwarder(proxy.ForwarderConfig{
		UpstreamBaseURL: cfg.UpstreamBaseURL,
		BodyDumpBytes:   cfg.BodyDumpBytes,
		HTTPClient:      httpclient.NewHTTPClient(upstreamOpts...),
		Logger:          logger,
	}, cache)
	if err != nil {
		logger.Error("Failed to initialize forwarder", err)
		logging.MustSync()
		os.Exit(1)
	}

	service := proxy.NewService(cache, forwarder)
	handler := middleware.LoggingMiddleware(service.Router())

	srv := server.New(handler, cfg.BindAddress, cfg.TLSCert, cfg.TLSKey)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Proxy listening",
			logging.String("bind_address", cfg.BindAddress),
			logging.String("upstream", cfg.UpstreamBaseURL),
			logging.Bool("tls", cfg.TLSCert != ""),
		)
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed to start", err)
			logging.MustSync()
			os.Exit(1)
		}
	case sig := <-quit:
		logger.Info("Shutting down", logging.String("signal", sig.String()))
	}

	stopScheduler()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", err)
		logging.MustSync()
		os.Exit(1)
	}

	logger.Info("Server exited")
}
