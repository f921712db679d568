package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/wireserv/internal/admin"
	"github.com/danmuck/wireserv/internal/config"
	"github.com/danmuck/wireserv/internal/logging"
	"github.com/danmuck/wireserv/internal/observability"
	"github.com/danmuck/wireserv/internal/quota"
	"github.com/danmuck/wireserv/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wireservd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "wireserv.toml", "path to TOML config")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.InitLogger("wireservd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	probe := observability.NewProbe()
	q := quota.NewManager(quota.Config{
		BytesPerSecond: cfg.Quota.BytesPerSecond,
		Burst:          cfg.Quota.Burst,
	})
	handler := server.NewConcurrencyLimitedHandler(echoHandler(), cfg.DispatchConcurrency)

	srv := server.New(server.Config{
		MaxRequestSize: cfg.MaxRequestSize,
		Keepalive:      cfg.Keepalive,
	}, handler, q, probe)

	for _, lc := range cfg.Listeners {
		addr, err := srv.Listen(server.ListenerConfig{
			Addr:         lc.Addr,
			SecurityMode: server.SecurityMode(lc.SecurityMode),
			TLS: server.TLSConfig{
				Enabled:  lc.TLS.Enabled,
				Mutual:   lc.TLS.Mutual,
				CertFile: lc.TLS.CertFile,
				KeyFile:  lc.TLS.KeyFile,
				CAFile:   lc.TLS.CAFile,
			},
		})
		if err != nil {
			srv.Stop()
			return err
		}
		log.Info().Str("addr", addr.String()).Bool("tls", lc.TLS.Enabled).
			Msg("listener started")
	}

	var adminSrv *admin.Server
	if cfg.Admin.Addr != "" {
		adminSrv = admin.New(srv)
		go func() {
			if err := adminSrv.Start(cfg.Admin.Addr); err != nil {
				log.Error().Err(err).Msg("admin server failed")
			}
		}()
		log.Info().Str("addr", cfg.Admin.Addr).Msg("admin surface started")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	log.Info().Str("signal", received.String()).Msg("shutting down")

	srv.Stop()
	if adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := adminSrv.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("admin shutdown")
		}
	}
	return nil
}

// echoHandler is the built-in demo dispatch boundary: it returns the request
// body unchanged. Real deployments provide their own server.Handler.
func echoHandler() server.Handler {
	return server.HandlerFunc(func(ctx context.Context, req *server.Request) (server.Response, error) {
		return server.Response(req.Body), nil
	})
}
