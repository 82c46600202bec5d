package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/config"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/logger"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/presence"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/signaling"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listenAddr string
		hubKind    string
	)
	flag.StringVar(&configPath, "config", "", "path to YAML config file (default $"+config.EnvConfigFile+")")
	flag.StringVar(&listenAddr, "listen", "", "address to listen on (overrides relay.listen_addr)")
	flag.StringVar(&hubKind, "hub", "", "presence hub: memory or redis (overrides relay.hub)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Relay.ListenAddr = listenAddr
	}
	if hubKind != "" {
		cfg.Relay.Hub = hubKind
	}
	if err := cfg.ValidateRelay(); err != nil {
		return err
	}

	log, err := logger.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub, closeHub, err := newHub(ctx, cfg.Relay, log)
	if err != nil {
		return err
	}
	defer closeHub()

	server := signaling.NewDirectSignalingServer(hub, signaling.Options{
		AllowedOrigins: cfg.Relay.AllowedOrigins,
	}, log)

	httpServer := &http.Server{
		Addr:              cfg.Relay.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr": cfg.Relay.ListenAddr,
			"hub":  cfg.Relay.Hub,
		}).Info("signaling relay listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newHub(ctx context.Context, cfg config.RelayConfig, log *logrus.Logger) (presence.Hub, func(), error) {
	if !cfg.UsesRedis() {
		return presence.NewMemoryHub(), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	log.WithField("addr", opts.Addr).Info("sharing presence through redis")

	closeFn := func() {
		if err := rdb.Close(); err != nil {
			log.WithError(err).Warn("closing redis client")
		}
	}
	return presence.NewRedisHub(rdb, cfg.PresenceTTL, log), closeFn, nil
}
