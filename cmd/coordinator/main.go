// Handoff coordinator server: runs the two-phase commit engine, health
// monitor, buffer drainer, recovery worker, and the query router.
package main

import (
	"context"
	"encoding/json"
	log "log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/avfleet/handoff"
	"github.com/avfleet/handoff/cassandra"
	"github.com/avfleet/handoff/coordinator"
	"github.com/avfleet/handoff/inmemory"
	"github.com/avfleet/handoff/redis"
)

func main() {
	handoff.ConfigureLogging()

	cfg, err := loadConfig()
	if err != nil {
		log.Error("configuration invalid", "err", err.Error())
		os.Exit(1)
	}

	participants := make(map[string]handoff.Participant, len(cfg.Regions))
	for region, baseURL := range cfg.Regions {
		participants[region] = coordinator.NewClient(baseURL)
	}

	txlog, replica, err := openLogBackend(cfg)
	if err != nil {
		log.Error("transaction log backend failed", "err", err.Error())
		os.Exit(1)
	}
	defer cassandra.CloseConnection()

	var buffer handoff.BufferQueue
	if addr := os.Getenv("HANDOFF_REDIS_ADDR"); addr != "" {
		if _, err := redis.OpenConnection(redis.Options{Address: addr}); err != nil {
			log.Error("redis connection failed", "err", err.Error())
			os.Exit(1)
		}
		defer redis.CloseConnection()
		buffer = redis.NewBuffer(cfg.Buffer.MaxPerRegion)
	} else {
		buffer = inmemory.NewBuffer(cfg.Buffer.MaxPerRegion)
	}

	monitor := coordinator.NewMonitor(cfg.Monitor, participants)
	coord := coordinator.New(cfg, participants, txlog, buffer, monitor)
	drainer := coordinator.NewDrainer(coord)
	router := coordinator.NewRouter(participants, replica, cfg.Handoff.PrepareTimeout, cfg.Handoff.OverallTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Resolve whatever the previous incarnation left behind before taking
	// traffic. Unresolvable records are retried by the worker.
	if pending, err := coord.Recover(ctx); err != nil {
		log.Error("startup recovery failed", "err", err.Error())
		os.Exit(1)
	} else if pending > 0 {
		log.Warn("startup recovery left records pending", "pending", pending)
	}

	go monitor.Run(ctx)
	go drainer.Run(ctx)
	go coord.RunRecoveryWorker(ctx, 30*time.Second)

	engine := gin.Default()
	coordinator.RegisterRoutes(engine, coord, router, monitor)

	listen := os.Getenv("HANDOFF_LISTEN")
	if listen == "" {
		listen = ":8080"
	}
	log.Info("coordinator listening", "addr", listen, "regions", len(cfg.Regions))
	if err := engine.Run(listen); err != nil {
		log.Error("server stopped", "err", err.Error())
		os.Exit(1)
	}
}

// loadConfig reads the JSON config named by HANDOFF_CONFIG (default
// config.json), then applies defaults and validates.
func loadConfig() (handoff.Config, error) {
	path := os.Getenv("HANDOFF_CONFIG")
	if path == "" {
		path = "config.json"
	}
	var cfg handoff.Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// openLogBackend opens the durable transaction log and, when configured, the
// global replica ride store. LogBackend "memory" keeps the journal in process
// memory; anything else is a comma-separated Cassandra host list.
func openLogBackend(cfg handoff.Config) (handoff.TransactionLog, handoff.RideStore, error) {
	if cfg.LogBackend == "" || cfg.LogBackend == "memory" {
		log.Warn("transaction log is in memory; in-flight handoffs will not survive a coordinator restart")
		return inmemory.NewTransactionLog(), nil, nil
	}

	keyspace := os.Getenv("HANDOFF_KEYSPACE")
	if keyspace == "" {
		keyspace = "handoff"
	}
	if _, err := cassandra.OpenConnection(cassandra.Config{
		ClusterHosts: strings.Split(cfg.LogBackend, ","),
		Keyspace:     keyspace,
	}); err != nil {
		return nil, nil, err
	}

	var replica handoff.RideStore
	if cfg.GlobalReplica != "" {
		replica = cassandra.NewRideStore(cfg.GlobalReplica)
	}
	return cassandra.NewTransactionLog(keyspace), replica, nil
}
