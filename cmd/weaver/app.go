package main

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/alvmarrod/outbound-weaver/internal/config"
	"github.com/alvmarrod/outbound-weaver/internal/crawler"
	"github.com/alvmarrod/outbound-weaver/internal/gate"
	"github.com/alvmarrod/outbound-weaver/internal/liveness"
	"github.com/alvmarrod/outbound-weaver/internal/metrics"
	"github.com/alvmarrod/outbound-weaver/internal/robots"
	"github.com/alvmarrod/outbound-weaver/internal/scan"
	"github.com/alvmarrod/outbound-weaver/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// app is the wired object graph behind the commands
type app struct {
	cfg       *config.Config
	store     *storage.Storage
	registry  *prometheus.Registry
	collector *metrics.Collector
	redis     *redis.Client
	scans     *scan.Service
}

// openStore opens only the database, for read-only commands
func openStore(cfg *config.Config) (*storage.Storage, error) {
	store, err := storage.NewStorage(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	logrus.Debugf("Database initialized: %s", cfg.DBPath)
	return store, nil
}

// newApp wires storage, the liveness pipeline, the crawl engine and the scan service
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.collector = metrics.NewCollector(a.registry)

	var siteGate gate.Gate = gate.NewLocalGate()
	if cfg.RedisAddr != "" {
		client, err := gate.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		siteGate = gate.NewRedisGate(client, cfg.LockTTL())
		logrus.Infof("Using redis site gate at %s", cfg.RedisAddr)
	}

	querier := liveness.NewDNSQuerier(cfg.DNSServers, cfg.DNSTimeout())
	logrus.Infof("DNS servers: %v", querier.Servers())
	oracle := liveness.NewDNSOracle(net.DefaultResolver, querier, cfg.DNSTimeout())

	var proberOpts []liveness.ProberOption
	if cfg.Parked() {
		proberOpts = append(proberOpts, liveness.WithParkedDetection(int64(cfg.MaxBodyBytes)))
	}
	prober := liveness.NewHTTPProber(cfg.ProbeTimeout(), cfg.UserAgent, proberOpts...)

	enricher := liveness.NewEnricher(cfg.WhoisEndpoint, cfg.WhoisAPIKey, cfg.ProbeTimeout())
	classifier := liveness.NewClassifier(oracle, prober, enricher)

	fetcher := crawler.NewPageFetcher(crawler.FetcherConfig{
		UserAgent:      cfg.UserAgent,
		RequestTimeout: cfg.RequestTimeout(),
		MaxBodyBytes:   cfg.MaxBodyBytes,
		Parallelism:    cfg.ConcurrentWorkers,
	})
	robotsGate := robots.NewGate(&http.Client{Timeout: cfg.RequestTimeout()}, cfg.UserAgent)

	engine := crawler.NewEngine(fetcher, robotsGate, classifier, store, crawler.Options{
		PageDelay:     cfg.PageDelay,
		StatsInterval: cfg.StatsInterval(),
		Collector:     a.collector,
	})

	a.scans = scan.NewService(store, store, engine, siteGate, scan.Options{
		BatchSize:    cfg.BatchSize,
		Concurrency:  cfg.ConcurrentWorkers,
		DelayMinutes: cfg.AutoResumeDelayMinutes,
		MetricsPath:  cfg.MetricsPath,
		Collector:    a.collector,
	})

	return a, nil
}

// Close releases the database and redis connections
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logrus.Warnf("Failed to close redis client: %v", err)
		}
	}
	if err := a.store.Close(); err != nil {
		logrus.Warnf("Failed to close database: %v", err)
	}
}
