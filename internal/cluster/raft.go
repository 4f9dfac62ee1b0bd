package cluster

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"kv-datalayer/internal/region"
)

const raftTimeout = 10 * time.Second

// RaftConfig holds what a raft node needs to start.
type RaftConfig struct {
	NodeID    string
	DataDir   string
	BindAddr  string
	Bootstrap bool
	Logger    hclog.Logger
}

// RaftNode wraps the raft.Raft instance and FSM
type RaftNode struct {
	Raft *raft.Raft
	FSM  *RegionFSM

	// closed after raft shuts down: the bolt stores and the transport
	closers []io.Closer
}

// NewRaftNode starts a raft node persisting its log in BoltDB under
// cfg.DataDir and talking to peers over TCP.
func NewRaftNode(cfg RaftConfig, fsm *RegionFSM) (*RaftNode, error) {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, err
	}

	var closers []io.Closer
	fail := func(err error) (*RaftNode, error) {
		for _, c := range closers {
			c.Close()
		}
		return nil, err
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return fail(fmt.Errorf("failed to open raft log store: %w", err))
	}
	closers = append(closers, logStore)

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return fail(fmt.Errorf("failed to open raft stable store: %w", err))
	}
	closers = append(closers, stableStore)

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(cfg.DataDir, 2, cfg.Logger.Named("snapshots"))
	if err != nil {
		return fail(fmt.Errorf("failed to open raft snapshot store: %w", err))
	}
	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, nil, 3, raftTimeout, cfg.Logger.Named("transport"))
	if err != nil {
		return fail(fmt.Errorf("failed to create raft transport: %w", err))
	}
	closers = append(closers, transport)

	rn, err := newRaftNode(cfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return fail(err)
	}
	rn.closers = closers
	return rn, nil
}

func newRaftNode(cfg RaftConfig, fsm *RegionFSM, logs raft.LogStore, stable raft.StableStore,
	snapshots raft.SnapshotStore, transport raft.Transport) (*RaftNode, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(cfg.NodeID)
	config.Logger = cfg.Logger.Named("raft")

	r, err := raft.NewRaft(config, fsm, logs, stable, snapshots, transport)
	if err != nil {
		return nil, err
	}

	if cfg.Bootstrap {
		f := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      config.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		})
		if err := f.Error(); err != nil && err != raft.ErrCantBootstrap {
			r.Shutdown()
			return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
		cfg.Logger.Info("cluster bootstrapped", "node", cfg.NodeID)
	}

	return &RaftNode{Raft: r, FSM: fsm}, nil
}

// ProposeCreateRegion replicates a region assignment. Only the leader may
// propose.
func (rn *RaftNode) ProposeCreateRegion(id region.ID, columns uint16) error {
	return rn.propose(CmdCreateRegion, RegionAssignment{ID: id, Columns: columns})
}

// ProposeDropRegion replicates the removal of a region assignment.
func (rn *RaftNode) ProposeDropRegion(id region.ID) error {
	return rn.propose(CmdDropRegion, id)
}

func (rn *RaftNode) propose(cmdType string, payload interface{}) error {
	data, err := encodeCommand(cmdType, payload)
	if err != nil {
		return err
	}

	f := rn.Raft.Apply(data, raftTimeout)
	if err := f.Error(); err != nil {
		return err
	}
	if err, ok := f.Response().(error); ok && err != nil {
		return err
	}
	return nil
}

// IsLeader returns true if this node is the leader
func (rn *RaftNode) IsLeader() bool {
	return rn.Raft.State() == raft.Leader
}

// Leader returns the current leader's ID, or "" if there is none.
func (rn *RaftNode) Leader() string {
	_, id := rn.Raft.LeaderWithID()
	return string(id)
}

// Shutdown gracefully shuts down the Raft node and closes its stores.
func (rn *RaftNode) Shutdown() error {
	var result error
	if err := rn.Raft.Shutdown().Error(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, c := range rn.closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
