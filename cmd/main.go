package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	apphttp "clusterdb/internal/http"
	"clusterdb/pkg/cluster"
	"clusterdb/pkg/dispatch"
	"clusterdb/pkg/member"
	"clusterdb/pkg/metrics"
	"clusterdb/pkg/partition"
	"clusterdb/pkg/rpc"
	"clusterdb/pkg/types"
)

const defaultConfigPath = "config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	path := os.Getenv("CLUSTERDB_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := initConfig(path)
	if err != nil {
		slog.Error("failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	thisNode := cfg.Cluster.ThisNode
	slog.Info("clusterdb data node starting", "node", thisNode, "storage", cfg.Storage.RootPath)

	reg := metrics.New()
	table := partition.NewSlotTable(cfg.Cluster.ReplicationFactor, cfg.Cluster.SlotNum)
	client := rpc.NewClient(cfg.Server.RequestTimeout)
	factory := member.NewRaftFactory(&cfg, table, client, reg)
	server := dispatch.NewServer(thisNode, factory, reg)

	// peers reaching us before the table is published get
	// PartitionTableUnavailable and retry
	front := apphttp.NewServer(server, reg.Handler(), cfg.Server)
	if err := front.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	membership, err := cluster.NewZKMembership(cfg.Cluster.ZooKeeper, thisNode)
	if err != nil {
		slog.Error("failed to connect to ZooKeeper", "error", err)
		os.Exit(1)
	}
	defer membership.Close()

	peers, err := membership.ReadNodes()
	if err != nil {
		slog.Error("failed to read nodes from ZooKeeper", "error", err)
		os.Exit(1)
	}
	if err := membership.RegisterSelf(); err != nil {
		slog.Error("failed to register node in ZooKeeper", "error", err)
		os.Exit(1)
	}

	coordinator := cluster.NewCoordinator(thisNode, table, server)
	if err := coordinator.Bootstrap(peers); err != nil {
		slog.Error("failed to bootstrap data groups", "error", err)
		server.Stop()
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		known := append([]types.Node{thisNode}, peers...)
		return membership.RunWatch(gctx, known, coordinator.NodeJoined)
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := front.Stop(); err != nil {
			slog.Warn("error stopping server", "error", err)
		}
		server.Stop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("data node stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("clusterdb data node stopped")
}
