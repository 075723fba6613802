// Command riftnode runs one replica of a riftkv cluster: it opens the
// node's durable storage and raft log, constructs the transaction manager
// and replicated state machine, starts the raft node, and serves the
// replica wire protocol (spec §6) until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/riftkv/riftkv/config"
	"github.com/riftkv/riftkv/internal/raftlog"
	"github.com/riftkv/riftkv/mvcc"
	"github.com/riftkv/riftkv/raft"
	"github.com/riftkv/riftkv/replwire"
	"github.com/riftkv/riftkv/statemachine"
	"github.com/riftkv/riftkv/storage"
	"github.com/riftkv/riftkv/txn"
)

func main() {
	configPath := flag.String("config", "", "path to a riftnode YAML config file")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, level.AllowInfo())
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			level.Error(logger).Log("msg", "load config", "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if err := run(cfg, logger, *metricsAddr); err != nil {
		level.Error(logger).Log("msg", "riftnode exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger log.Logger, metricsAddr string) error {
	logger = log.With(logger, "node_id", cfg.NodeID)
	reg := prometheus.NewRegistry()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				level.Warn(logger).Log("msg", "metrics server stopped", "err", err)
			}
		}()
		defer srv.Close()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("riftnode: create data dir: %w", err)
	}

	engine, err := storage.Open(filepath.Join(cfg.DataDir, "storage"), cfg.StorageConfig(), logger, reg)
	if err != nil {
		return fmt.Errorf("riftnode: open storage: %w", err)
	}
	defer engine.Close()

	mvccStore := mvcc.NewStore(cfg.Isolation())
	txns := txn.NewManager(mvccStore, cfg.Isolation(), txn.WithLogger(logger))

	plog, err := raftlog.Open(filepath.Join(cfg.DataDir, "raftlog"))
	if err != nil {
		return fmt.Errorf("riftnode: open raft log: %w", err)
	}
	defer plog.Close()

	machine := statemachine.NewReplicatedKV(txns, engine)
	supervisor := statemachine.NewSupervisor(cfg.DataDir, machine, plog, cfg.SnapshotThreshold)
	initialApplied, err := supervisor.Restore()
	if err != nil {
		return fmt.Errorf("riftnode: restore snapshot: %w", err)
	}

	raftCfg := cfg.RaftConfig()
	raftCfg.Logger = logger
	raftCfg.Metrics = raft.NewMetrics(reg)
	raftCfg.InitialApplied = initialApplied

	client := replwire.NewClient()
	appliedIndex := initialApplied
	node, err := raft.NewNode(raftCfg, plog, client, func(cmd []byte) (interface{}, error) {
		// raft's apply loop calls this exactly once per index, strictly in
		// increasing order starting at InitialApplied+1, so a local counter
		// tracks the index without threading it through ApplyFunc's signature.
		appliedIndex++
		return machine.Apply(appliedIndex, cmd)
	})
	if err != nil {
		return fmt.Errorf("riftnode: create raft node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go node.Run(ctx)
	go runSnapshotLoop(ctx, supervisor, logger)
	go runTxnGCLoop(ctx, txns)

	server := replwire.NewServer(node, logger)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx, cfg.BindAddr) }()
	level.Info(logger).Log("msg", "riftnode listening", "addr", cfg.BindAddr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
		level.Info(logger).Log("msg", "shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("riftnode: serve: %w", err)
		}
	}
	cancel()
	return nil
}

// runSnapshotLoop periodically gives the supervisor a chance to snapshot
// and truncate the raft log once enough entries have accumulated.
func runSnapshotLoop(ctx context.Context, supervisor *statemachine.Supervisor, logger log.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := supervisor.MaybeSnapshot(); err != nil {
				level.Warn(logger).Log("msg", "snapshot failed", "err", err)
			}
		}
	}
}

// runTxnGCLoop periodically reclaims mvcc versions and ssi conflict-graph
// bookkeeping for transactions no longer overlapped by any active snapshot
// (§4.5, §4.6); without this the conflict graph grows without bound and
// stale SIREAD-derived edges never get forgotten.
func runTxnGCLoop(ctx context.Context, txns *txn.Manager) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			txns.GC()
		}
	}
}
