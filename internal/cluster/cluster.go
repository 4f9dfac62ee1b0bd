// internal/cluster/cluster.go
package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/memberlist"
	"github.com/hashicorp/raft"

	"kv-datalayer/internal/metrics"
	"kv-datalayer/internal/region"
)

// ErrNotLeader is returned by proposals made on a follower.
var ErrNotLeader = errors.New("not the leader")

// Cluster manages service discovery (gossip) and the raft node that
// replicates region assignments.
type Cluster struct {
	nodeID      string
	httpAddr    string
	raftAddr    string
	bindAddr    string
	clusterPort int

	ml       *memberlist.Memberlist
	peers    map[string]*NodePeer
	RaftNode *RaftNode
	logger   hclog.Logger

	mu sync.RWMutex
}

// NodePeer is the metadata a node gossips about itself.
type NodePeer struct {
	NodeID   string `json:"node_id"`
	HTTPAddr string `json:"http_addr"`
	RaftAddr string `json:"raft_addr"`
}

// Options configure a Cluster.
type Options struct {
	NodeID      string
	HTTPAddr    string // address clients and peers use for the HTTP API
	BindAddr    string // gossip bind address
	ClusterPort int    // gossip port
	Raft        RaftConfig
	Logger      hclog.Logger
}

// NewCluster starts the raft node. Gossip starts with Start.
func NewCluster(opts Options, manager RegionManager) (*Cluster, error) {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	logger := opts.Logger.Named("cluster")
	opts.Raft.NodeID = opts.NodeID
	opts.Raft.Logger = logger

	raftNode, err := NewRaftNode(opts.Raft, NewRegionFSM(manager, logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize raft: %w", err)
	}

	return &Cluster{
		nodeID:      opts.NodeID,
		httpAddr:    opts.HTTPAddr,
		raftAddr:    opts.Raft.BindAddr,
		bindAddr:    opts.BindAddr,
		clusterPort: opts.ClusterPort,
		peers:       make(map[string]*NodePeer),
		RaftNode:    raftNode,
		logger:      logger,
	}, nil
}

// Start joins the gossip pool through seedAddrs, if any.
func (c *Cluster) Start(seedAddrs []string) error {
	localMeta, err := json.Marshal(c.localPeer())
	if err != nil {
		return fmt.Errorf("failed to marshal local metadata: %w", err)
	}

	config := memberlist.DefaultLANConfig()
	config.Name = c.nodeID
	config.BindAddr = c.bindAddr
	config.BindPort = c.clusterPort
	config.Events = &memberlistEventDelegate{cluster: c}
	config.Delegate = &metaDelegate{meta: localMeta}
	config.Logger = c.logger.Named("gossip").StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})
	config.LogOutput = nil

	ml, err := memberlist.Create(config)
	if err != nil {
		return fmt.Errorf("failed to create memberlist: %w", err)
	}

	if len(seedAddrs) > 0 && seedAddrs[0] != "" {
		if _, err := ml.Join(seedAddrs); err != nil {
			ml.Shutdown()
			return fmt.Errorf("failed to join cluster: %w", err)
		}
	}

	c.ml = ml
	c.logger.Info("memberlist started", "node", c.nodeID, "bind", c.bindAddr, "port", c.clusterPort)
	return nil
}

// metaDelegate gossips the local NodePeer as node metadata.
type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

func (c *Cluster) localPeer() *NodePeer {
	return &NodePeer{
		NodeID:   c.nodeID,
		HTTPAddr: c.httpAddr,
		RaftAddr: c.raftAddr,
	}
}

// Stop leaves the gossip pool and shuts raft down.
func (c *Cluster) Stop() error {
	if c.ml != nil {
		c.ml.Leave(5 * time.Second)
		c.ml.Shutdown()
	}
	if c.RaftNode != nil {
		if err := c.RaftNode.Shutdown(); err != nil {
			c.logger.Error("failed to shut down raft", "error", err)
			return err
		}
	}
	c.logger.Info("shutdown complete")
	return nil
}

// IsLeader returns true if this node is the current raft leader.
func (c *Cluster) IsLeader() bool {
	return c.RaftNode != nil && c.RaftNode.IsLeader()
}

// NodeID returns the local node's ID.
func (c *Cluster) NodeID() string {
	return c.nodeID
}

// LeaderHTTPAddr returns the HTTP address of the raft leader, or "" if it
// is unknown.
func (c *Cluster) LeaderHTTPAddr() string {
	leader := c.RaftNode.Leader()
	if leader == "" {
		return ""
	}
	if leader == c.nodeID {
		return c.httpAddr
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if peer, exists := c.peers[leader]; exists {
		return peer.HTTPAddr
	}
	return ""
}

// Peers returns the IDs of the nodes known through gossip, sorted.
func (c *Cluster) Peers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type memberlistEventDelegate struct {
	cluster *Cluster
}

func (d *memberlistEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.cluster.handleJoin(node.Name, node.Meta)
}

func (d *memberlistEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.cluster.handleLeave(node.Name)
}

func (d *memberlistEventDelegate) NotifyUpdate(node *memberlist.Node) {}

func (c *Cluster) handleJoin(name string, meta []byte) {
	if name == c.nodeID {
		return
	}

	var peer NodePeer
	if err := json.Unmarshal(meta, &peer); err != nil {
		c.logger.Error("failed to parse metadata for joining node", "node", name, "error", err)
		return
	}

	c.mu.Lock()
	c.peers[name] = &peer
	metrics.ClusterPeers.Set(float64(len(c.peers)))
	c.mu.Unlock()
	c.logger.Info("peer joined", "node", name, "http", peer.HTTPAddr)

	if c.IsLeader() && peer.RaftAddr != "" {
		go c.addVoter(peer.NodeID, peer.RaftAddr)
	}
}

func (c *Cluster) handleLeave(name string) {
	c.mu.Lock()
	delete(c.peers, name)
	metrics.ClusterPeers.Set(float64(len(c.peers)))
	c.mu.Unlock()
	c.logger.Info("peer left", "node", name)

	if c.IsLeader() {
		go func() {
			future := c.RaftNode.Raft.RemoveServer(raft.ServerID(name), 0, 0)
			if err := future.Error(); err != nil {
				c.logger.Warn("could not remove server", "node", name, "error", err)
			}
		}()
	}
}

func (c *Cluster) addVoter(nodeID, raftAddr string) error {
	future := c.RaftNode.Raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 0)
	if err := future.Error(); err != nil {
		c.logger.Error("failed to add voter", "node", nodeID, "error", err)
		return err
	}
	c.logger.Info("added voter", "node", nodeID, "raft", raftAddr)
	return nil
}

// JoinRequest asks the leader to add a node to the raft configuration.
type JoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

// HandleRaftJoin is the HTTP endpoint behind POST /cluster/join.
func (c *Cluster) HandleRaftJoin(w http.ResponseWriter, r *http.Request) {
	if !c.IsLeader() {
		http.Error(w, "Not the leader", http.StatusServiceUnavailable)
		return
	}

	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" || req.RaftAddr == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	c.logger.Info("received join request", "node", req.NodeID, "raft", req.RaftAddr)
	if err := c.addVoter(req.NodeID, req.RaftAddr); err != nil {
		http.Error(w, "Failed to add voter", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ProposeCreateRegion replicates a region assignment through raft.
func (c *Cluster) ProposeCreateRegion(id region.ID, columns uint16) error {
	if !c.IsLeader() {
		return ErrNotLeader
	}
	return c.RaftNode.ProposeCreateRegion(id, columns)
}

// ProposeDropRegion replicates the removal of a region assignment.
func (c *Cluster) ProposeDropRegion(id region.ID) error {
	if !c.IsLeader() {
		return ErrNotLeader
	}
	return c.RaftNode.ProposeDropRegion(id)
}
