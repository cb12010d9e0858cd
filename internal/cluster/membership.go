package cluster

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Membership answers who owns a partition and who backs it up. The
// replica set for a partition is derived from the live member list by
// rendezvous hashing, so every node computes the same assignment
// without coordination.
type Membership interface {
	LocalNode() string
	Members() []string
	Owner(partition int) string
	Backups(partition int, count int) []string
}

// replicaSet ranks members for a partition by rendezvous weight.
func replicaSet(members []string, partition int) []string {
	type ranked struct {
		node   string
		weight uint64
	}
	rs := make([]ranked, 0, len(members))
	for _, m := range members {
		rs = append(rs, ranked{node: m, weight: xxhash.Sum64String(fmt.Sprintf("%s/%d", m, partition))})
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].weight != rs[j].weight {
			return rs[i].weight > rs[j].weight
		}
		return rs[i].node < rs[j].node
	})
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.node
	}
	return out
}

// StaticMembership is a fixed member list, used for tests and
// single-node deployments.
type StaticMembership struct {
	local   string
	members []string
}

func NewStaticMembership(local string, members []string) *StaticMembership {
	found := false
	for _, m := range members {
		if m == local {
			found = true
			break
		}
	}
	if !found {
		members = append(append([]string(nil), members...), local)
	}
	return &StaticMembership{local: local, members: members}
}

func (s *StaticMembership) LocalNode() string { return s.local }

func (s *StaticMembership) Members() []string {
	return append([]string(nil), s.members...)
}

func (s *StaticMembership) Owner(partition int) string {
	return replicaSet(s.members, partition)[0]
}

func (s *StaticMembership) Backups(partition int, count int) []string {
	set := replicaSet(s.members, partition)
	if len(set) <= 1 || count <= 0 {
		return nil
	}
	end := 1 + count
	if end > len(set) {
		end = len(set)
	}
	return set[1:end]
}

// GossipConfig holds gossip membership configuration.
type GossipConfig struct {
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// GossipMembership tracks the cluster over hashicorp/memberlist. The
// member snapshot is refreshed on join/leave events.
type GossipMembership struct {
	nodeID     string
	logger     *zap.Logger
	memberlist *memberlist.Memberlist

	mu      sync.RWMutex
	members []string
}

// NewGossipMembership starts gossiping and joins the seed nodes.
func NewGossipMembership(cfg *GossipConfig, nodeID string, logger *zap.Logger) (*GossipMembership, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gm := &GossipMembership{
		nodeID:  nodeID,
		logger:  logger,
		members: []string{nodeID},
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Events = &eventDelegate{membership: gm}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gm.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	gm.refresh()
	return gm, nil
}

func (g *GossipMembership) refresh() {
	nodes := g.memberlist.Members()
	members := make([]string, 0, len(nodes))
	for _, n := range nodes {
		members = append(members, n.Name)
	}
	sort.Strings(members)

	g.mu.Lock()
	g.members = members
	g.mu.Unlock()
}

func (g *GossipMembership) LocalNode() string { return g.nodeID }

func (g *GossipMembership) Members() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.members...)
}

func (g *GossipMembership) Owner(partition int) string {
	return replicaSet(g.Members(), partition)[0]
}

func (g *GossipMembership) Backups(partition int, count int) []string {
	set := replicaSet(g.Members(), partition)
	if len(set) <= 1 || count <= 0 {
		return nil
	}
	end := 1 + count
	if end > len(set) {
		end = len(set)
	}
	return set[1:end]
}

// Shutdown leaves the cluster.
func (g *GossipMembership) Shutdown() error {
	return g.memberlist.Shutdown()
}

type eventDelegate struct {
	membership *GossipMembership
}

func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.membership.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.membership.refresh()
}

func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.membership.logger.Info("Node left", zap.String("node_id", node.Name))
	d.membership.refresh()
}

func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.membership.logger.Debug("Node updated", zap.String("node_id", node.Name))
	d.membership.refresh()
}
