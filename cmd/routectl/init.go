package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"routeclient/pkg/cluster"
	"routeclient/pkg/config"
	"routeclient/pkg/invoker"
	applog "routeclient/pkg/log"
	"routeclient/pkg/metacache"
	"routeclient/pkg/metrics"
	"routeclient/pkg/transport"
	"routeclient/pkg/types"
)

// initConfig загружает конфиг из файла YAML. Если файл не найден, возвращается config.Default().
func initConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, errors.Wrap(err, "load config")
	}
	return cfg, nil
}

// initLogger строит zap.Logger (JSON или console) из секции logger.
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	return applog.New(cfg.Logger)
}

func initMetrics() (*prometheus.Registry, *metrics.Prometheus) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewPrometheus(reg, "routeclient")
}

// initDirectory returns the directory service and, for ZooKeeper, the backend itself for
// the server watch.
func initDirectory(cfg *config.Config, logger *zap.Logger) (metacache.Directory, *cluster.ZKDirectory, error) {
	switch cfg.Directory.Kind {
	case config.DirectoryZooKeeper:
		zkd, err := cluster.NewZKDirectory(cfg.Directory.ZKServers, cfg.Directory.ZKRoot,
			cfg.Directory.ZKSessionTimeout.Std(), logger.Named("zk"))
		if err != nil {
			return nil, nil, err
		}
		return zkd, zkd, nil
	case config.DirectoryHTTP:
		return cluster.NewMasterClient(cfg.Directory.MasterURL, nil), nil, nil
	default:
		return nil, nil, errors.Errorf("unknown directory kind %q", cfg.Directory.Kind)
	}
}

func cacheOptions(cfg *config.Config, logger *zap.Logger, m metrics.Collector) metacache.Options {
	opts := metacache.DefaultOptions()
	opts.MasterLookupPermits = cfg.Client.MasterLookupPermits
	opts.PermitWaitDelay = cfg.Client.PermitWaitDelay.Std()
	opts.FailedReplicaCooldown = cfg.Client.FailedReplicaCooldown.Std()
	opts.LookupGroupSize = cfg.Client.LookupGroupSize
	opts.DefaultTimeout = cfg.Client.OperationTimeout.Std()
	opts.Logger = logger.Named("metacache")
	opts.Metrics = m
	return opts
}

func backoffOptions(cfg *config.Config) invoker.BackoffOptions {
	return invoker.BackoffOptions{
		InitialInterval: cfg.Retry.InitialBackoff.Std(),
		MaxInterval:     cfg.Retry.MaxBackoff.Std(),
		Multiplier:      cfg.Retry.Multiplier,
	}
}

// initLocalServer registers the co-located tablet server, probed through its /health endpoint.
func initLocalServer(cfg *config.Config, servers *metacache.ServerDirectory, dialer transport.Dialer, client *http.Client) error {
	if cfg.Client.LocalServerID == "" {
		return nil
	}
	addr := cfg.Client.LocalServerAddr
	handle, err := dialer.Dial(addr)
	if err != nil {
		return errors.Wrap(err, "dial local server")
	}
	healthURL := cfg.Transport.Scheme + "://" + addr + "/health"
	probe := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("local server health: %d", resp.StatusCode)
		}
		return nil
	}
	servers.SetLocalServer(metacache.ServerInfo{
		ID:           types.ServerID(cfg.Client.LocalServerID),
		PrivateAddrs: []string{addr},
	}, handle, probe)
	return nil
}
