package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apphttp "routeclient/internal/http"
	"routeclient/pkg/metacache"
	"routeclient/pkg/tabletrpc"
	"routeclient/pkg/transport"
)

const defaultConfigPath = "config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	path := os.Getenv("ROUTECLIENT_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := initConfig(path)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(&cfg)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	reg, collector := initMetrics()

	// --- directory service ---
	directory, zkd, err := initDirectory(&cfg, logger)
	if err != nil {
		logger.Fatal("failed to init directory", zap.String("kind", cfg.Directory.Kind), zap.Error(err))
	}
	if zkd != nil {
		defer zkd.Close()
	}

	// --- servers and location cache ---
	client := &http.Client{}
	dialer := transport.HTTPDialer{Scheme: cfg.Transport.Scheme, Client: client}
	servers := metacache.NewServerDirectory(dialer, logger.Named("servers"))
	if err := initLocalServer(&cfg, servers, dialer, client); err != nil {
		logger.Fatal("failed to register local server", zap.Error(err))
	}

	cache := metacache.NewLocationCache(directory, servers, cacheOptions(&cfg, logger, collector))
	defer cache.Close()

	// watcher держит ServerDirectory в синхроне с зарегистрированными серверами
	if zkd != nil {
		zkd.WatchServers(ctx, servers)
	}

	logger.Info("routing client ready",
		zap.String("directory", cfg.Directory.Kind),
		zap.Int("master_lookup_permits", cfg.Client.MasterLookupPermits))

	// --- debug HTTP server ---
	server := apphttp.NewServer(cache, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), strconv.Itoa(cfg.Server.Port), logger.Named("http"))
	server.EnableChanges(tabletrpc.Options{
		Backoff:    backoffOptions(&cfg),
		RPCTimeout: cfg.Client.RPCTimeout.Std(),
		Logger:     logger.Named("rpc"),
		Metrics:    collector,
	})
	if err := server.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		logger.Error("error stopping server", zap.Error(err))
	}
	logger.Info("routing client stopped")
}
