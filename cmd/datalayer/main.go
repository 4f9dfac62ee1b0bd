// cmd/datalayer/main.go
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"kv-datalayer/internal/cluster"
	"kv-datalayer/internal/config"
	"kv-datalayer/internal/datalayer"
	"kv-datalayer/internal/logging"
	"kv-datalayer/internal/region"
	"kv-datalayer/internal/server"
)

const shutdownTimeout = 10 * time.Second

// Node wires the data layer, the optional cluster and the HTTP server.
type Node struct {
	config     *config.Config
	dataLayer  *datalayer.DataLayer
	cluster    *cluster.Cluster
	httpServer *http.Server
	logger     hclog.Logger
}

func loadConfig(args []string) (*config.Config, string, error) {
	fs := flag.NewFlagSet("datalayer", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to a YAML config file")
	nodeID := fs.String("node-id", "", "Unique node ID")
	dataDir := fs.String("data-dir", "", "Root directory for regions and raft state")
	storage := fs.String("storage", "", "Region storage: disk or memory")
	httpAddr := fs.String("http-addr", "", "Address for the HTTP API")
	logLevel := fs.String("log-level", "", "Log level")
	clusterEnabled := fs.Bool("cluster", false, "Replicate region assignments with raft")
	clusterPort := fs.Int("cluster-port", 0, "Port for the internal gossip protocol")
	raftAddr := fs.String("raft-addr", "", "Address for raft traffic")
	bootstrap := fs.Bool("bootstrap", false, "Bootstrap a new raft cluster (only for the very first node)")
	seeds := fs.String("seeds", "", "Comma-separated list of seed gossip addresses (e.g., localhost:7946)")
	join := fs.String("join", "", "HTTP address of the leader to ask for a raft seat")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, "", err
	}

	// Explicit flags win over the config file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "node-id":
			cfg.NodeID = *nodeID
		case "data-dir":
			cfg.DataDir = *dataDir
		case "storage":
			cfg.Storage = *storage
		case "http-addr":
			cfg.HTTPAddr = *httpAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "cluster":
			cfg.ClusterEnabled = *clusterEnabled
		case "cluster-port":
			cfg.ClusterPort = *clusterPort
		case "raft-addr":
			cfg.RaftBindAddr = *raftAddr
		case "bootstrap":
			cfg.Bootstrap = *bootstrap
		case "seeds":
			cfg.Seeds = strings.Split(*seeds, ",")
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, *join, nil
}

// NewNode initializes all components of a node.
func NewNode(cfg *config.Config, logger hclog.Logger) (*Node, error) {
	var open region.Opener
	switch cfg.Storage {
	case config.StorageMemory:
		open = region.OpenMemory
	default:
		open = region.DiskOpener(region.DiskOptions{
			SyncWrites: cfg.WALSyncWrites,
			Logger:     logger,
		})
	}

	dl, err := datalayer.New(datalayer.Options{
		Root:         cfg.RegionsDir(),
		Open:         open,
		IdleInterval: cfg.FlushIdleInterval,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create data layer: %w", err)
	}

	n := &Node{config: cfg, dataLayer: dl, logger: logger}

	var coord server.Coordinator
	if cfg.ClusterEnabled {
		c, err := cluster.NewCluster(cluster.Options{
			NodeID:      cfg.NodeID,
			HTTPAddr:    advertisedHTTPAddr(cfg),
			BindAddr:    cfg.ClusterAddr,
			ClusterPort: cfg.ClusterPort,
			Raft: cluster.RaftConfig{
				DataDir:   cfg.RaftDir(),
				BindAddr:  cfg.RaftBindAddr,
				Bootstrap: cfg.Bootstrap,
			},
			Logger: logger,
		}, dl)
		if err != nil {
			dl.Close()
			return nil, fmt.Errorf("failed to create cluster: %w", err)
		}
		if err := c.Start(cfg.Seeds); err != nil {
			c.Stop()
			dl.Close()
			return nil, fmt.Errorf("failed to start cluster: %w", err)
		}
		n.cluster = c
		coord = c
	}

	n.httpServer = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.New(dl, coord, cfg.NodeID, logger).Handler(),
	}
	return n, nil
}

// advertisedHTTPAddr turns ":8080" into "<cluster addr>:8080" so peers can
// reach the API.
func advertisedHTTPAddr(cfg *config.Config) string {
	if strings.HasPrefix(cfg.HTTPAddr, ":") {
		return cfg.ClusterAddr + cfg.HTTPAddr
	}
	return cfg.HTTPAddr
}

// Run serves HTTP until ctx is cancelled, then shuts everything down.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n.logger.Info("API server listening", "addr", n.httpServer.Addr)
		if err := n.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return n.shutdown()
	})

	return g.Wait()
}

func (n *Node) shutdown() error {
	n.logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := n.httpServer.Shutdown(ctx); err != nil {
		n.logger.Error("HTTP server shutdown error", "error", err)
	}
	if n.cluster != nil {
		n.cluster.Stop()
	}
	if err := n.dataLayer.Close(); err != nil {
		return fmt.Errorf("failed to close data layer: %w", err)
	}
	n.logger.Info("shutdown complete")
	return nil
}

// joinLeader asks the leader at addr to add this node as a raft voter.
func joinLeader(addr string, cfg *config.Config) error {
	body, err := json.Marshal(cluster.JoinRequest{NodeID: cfg.NodeID, RaftAddr: cfg.RaftBindAddr})
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(fmt.Sprintf("http://%s/cluster/join", addr), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("leader returned status %d", resp.StatusCode)
	}
	return nil
}

func main() {
	cfg, join, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New("datalayer", cfg.LogLevel)

	node, err := NewNode(cfg, logger)
	if err != nil {
		logger.Error("failed to create node", "error", err)
		os.Exit(1)
	}
	logger.Info("data layer node starting",
		"node", cfg.NodeID, "storage", cfg.Storage, "data_dir", cfg.DataDir, "cluster", cfg.ClusterEnabled)

	if join != "" && cfg.ClusterEnabled {
		if err := joinLeader(join, cfg); err != nil {
			logger.Warn("failed to join raft cluster", "leader", join, "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Run(ctx); err != nil {
		logger.Error("node stopped with error", "error", err)
		os.Exit(1)
	}
}
