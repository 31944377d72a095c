// Command counterd runs one federation member: it loads configuration from
// the environment, wires the State Store, Consensus Engine, Recovery
// Controller and Transport together, and serves the node until a shutdown
// signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quorum5/counter/internal/config"
	"github.com/quorum5/counter/internal/consensus"
	"github.com/quorum5/counter/internal/logging"
	"github.com/quorum5/counter/internal/metrics"
	"github.com/quorum5/counter/internal/node"
	"github.com/quorum5/counter/internal/recovery"
	"github.com/quorum5/counter/internal/state"
	"github.com/quorum5/counter/internal/transport"
	"github.com/quorum5/counter/internal/transport/wsnet"
)

func main() {
	var metricsAddr string

	root := &cobra.Command{
		Use:   "counterd",
		Short: "Run one node of the replicated counter federation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(metricsAddr)
		},
	}
	root.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus metrics on")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(metricsAddr string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("counterd: %w", err)
	}

	logger, err := logging.New(cfg.NodeID, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("counterd: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	coll := metrics.New(cfg.NodeID)
	peers := otherNodes(cfg.NodeID, cfg.KnownNodes)
	store := state.New(cfg.NodeID, peers)

	tr, err := buildTransport(cfg, logger)
	if err != nil {
		return fmt.Errorf("counterd: %w", err)
	}

	quorumSize := len(cfg.KnownNodes)/2 + 1
	engine := consensus.New(consensus.Config{
		Store:           store,
		QuorumSize:      quorumSize,
		Logger:          logger,
		Metrics:         coll,
		ProposalTimeout: cfg.ProposalTimeout,
		VoteTimeout:     cfg.VoteTimeout,
	})
	rc := recovery.New(recovery.Config{
		Store:     store,
		Transport: tr,
		Logger:    logger,
		Metrics:   coll,
		RetryWait: cfg.RecoveryRetry,
	})
	n := node.New(node.Config{
		Store:     store,
		Engine:    engine,
		Recovery:  rc,
		Transport: tr,
		Logger:    logger,
		Metrics:   coll,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsServer := &http.Server{Addr: metricsAddr, Handler: coll.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	n.Start(ctx)
	logger.Info("node started", zap.Strings("known_nodes", cfg.KnownNodes), zap.Int("quorum_size", quorumSize))

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ProposalTimeout)
	defer cancel()
	if err := n.Stop(shutdownCtx); err != nil {
		logger.Warn("node shutdown did not complete cleanly", zap.Error(err))
	}
	_ = metricsServer.Close()
	return nil
}

func otherNodes(self string, known []string) []string {
	out := make([]string, 0, len(known))
	for _, id := range known {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}

// buildTransport picks the in-memory or websocket transport based on
// TRANSPORT_ENDPOINT. An empty endpoint selects a single-process in-memory
// hub suitable only for this one node acting alone; any other value is the
// websocket listen address (e.g. "0.0.0.0:7946").
func buildTransport(cfg config.Config, logger *zap.Logger) (transport.Transport, error) {
	if cfg.TransportEndpoint == "" {
		return transport.NewNetwork().AddNode(cfg.NodeID), nil
	}

	port := portOf(cfg.TransportEndpoint)
	peers := make([]wsnet.PeerAddr, 0, len(cfg.KnownNodes))
	for _, id := range cfg.KnownNodes {
		if id == cfg.NodeID {
			continue
		}
		peers = append(peers, wsnet.PeerAddr{NodeID: id, URL: fmt.Sprintf("ws://%s%s/quorum", id, port)})
	}
	return wsnet.New(cfg.NodeID, cfg.TransportEndpoint, peers, logger)
}

// portOf extracts the ":port" suffix from TRANSPORT_ENDPOINT (e.g.
// "0.0.0.0:7946"). Every node listens on the same port; peers are reached
// at "<nodeId>:<port>", which resolves correctly when node IDs are DNS
// names (the common case under container orchestration).
func portOf(endpoint string) string {
	for i := len(endpoint) - 1; i >= 0; i-- {
		if endpoint[i] == ':' {
			return endpoint[i:]
		}
	}
	return ""
}
