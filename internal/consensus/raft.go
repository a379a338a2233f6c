package consensus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

type RaftConfig struct {
	NodeID        string
	BindAddr      string
	DataDir       string
	Bootstrap     bool
	PeerAddrs     map[string]string
	JoinRetries   int
	JoinRetryWait time.Duration
	ApplyTimeout  time.Duration

	// Transport overrides the TCP transport, mainly for tests.
	Transport raft.Transport
	// HeartbeatTimeout also sets the election and leader lease timeouts
	// when non-zero.
	HeartbeatTimeout time.Duration

	Logger *slog.Logger
}

// RaftNode runs crash-fault-tolerant agreement over hashicorp/raft. It is
// the alternative to PBFT for clusters that trust their members. Replicas do
// not vote explicitly: a value is decided once raft commits it.
type RaftNode struct {
	config    *RaftConfig
	raft      *raft.Raft
	fsm       *FSM
	logStore  *LogStore
	stable    *raftboltdb.BoltStore
	transport raft.Transport
	logger    *slog.Logger
}

func NewRaftNode(cfg *RaftConfig, applier Applier) *RaftNode {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 10 * time.Second
	}
	return &RaftNode{
		config: cfg,
		fsm:    NewFSM(applier, logger),
		logger: logger,
	}
}

func (n *RaftNode) Start() error {
	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(n.config.NodeID)
	if d := n.config.HeartbeatTimeout; d > 0 {
		raftConfig.HeartbeatTimeout = d
		raftConfig.ElectionTimeout = d
		raftConfig.LeaderLeaseTimeout = d
	}

	raftDir := filepath.Join(n.config.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0755); err != nil {
		return fmt.Errorf("failed to create raft directory: %w", err)
	}

	logStore, err := NewLogStore(filepath.Join(raftDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}
	n.logStore = logStore

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}
	n.stable = stableStore

	snapshotStore, err := raft.NewFileSnapshotStore(raftDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	transport := n.config.Transport
	if transport == nil {
		addr, err := net.ResolveTCPAddr("tcp", n.config.BindAddr)
		if err != nil {
			return fmt.Errorf("failed to resolve address: %w", err)
		}

		tcp, err := raft.NewTCPTransport(n.config.BindAddr, addr, 3, 10*time.Second, os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to create transport: %w", err)
		}
		transport = tcp
	}
	n.transport = transport

	ra, err := raft.NewRaft(raftConfig, n.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	n.raft = ra

	if n.config.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
		if err != nil {
			return fmt.Errorf("failed to check existing state: %w", err)
		}

		if !hasState {
			servers := []raft.Server{
				{
					ID:      raftConfig.LocalID,
					Address: transport.LocalAddr(),
				},
			}
			for peerID, peerAddr := range n.config.PeerAddrs {
				servers = append(servers, raft.Server{
					ID:      raft.ServerID(peerID),
					Address: raft.ServerAddress(peerAddr),
				})
			}

			future := ra.BootstrapCluster(raft.Configuration{Servers: servers})
			if err := future.Error(); err != nil {
				return fmt.Errorf("failed to bootstrap cluster: %w", err)
			}
		}
	} else if len(n.config.PeerAddrs) > 0 {
		if err := n.waitForMembership(); err != nil {
			return fmt.Errorf("failed to wait for leader: %w", err)
		}
	}

	n.logger.Info("Raft node started", "node", n.config.NodeID, "addr", transport.LocalAddr())
	return nil
}

func (n *RaftNode) waitForMembership() error {
	retries := n.config.JoinRetries
	if retries == 0 {
		retries = 30
	}
	retryWait := n.config.JoinRetryWait
	if retryWait == 0 {
		retryWait = 1 * time.Second
	}

	for i := 0; i < retries; i++ {
		if n.raft.Leader() != "" {
			future := n.raft.GetConfiguration()
			if err := future.Error(); err == nil {
				for _, server := range future.Configuration().Servers {
					if server.ID == raft.ServerID(n.config.NodeID) {
						return nil
					}
				}
			}
		}
		time.Sleep(retryWait)
	}

	return fmt.Errorf("timeout waiting for leader after %d retries", retries)
}

func (n *RaftNode) Stop() error {
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	if n.logStore != nil {
		n.logStore.Close()
	}
	if n.stable != nil {
		n.stable.Close()
	}
	return nil
}

// Propose replicates value through the raft log. It returns once the entry
// is committed and applied locally.
func (n *RaftNode) Propose(value []byte) (string, error) {
	if !n.IsLeader() {
		return "", ErrNotLeader
	}

	entry := &LogEntry{
		Type:       LogEntryProposal,
		ProposalID: uuid.NewString(),
		Value:      value,
		Timestamp:  time.Now(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal log entry: %w", err)
	}

	future := n.raft.Apply(data, n.config.ApplyTimeout)
	if err := future.Error(); err != nil {
		return "", fmt.Errorf("failed to apply log: %w", err)
	}
	if resp, ok := future.Response().(error); ok && resp != nil {
		return "", fmt.Errorf("failed to apply log: %w", resp)
	}

	return entry.ProposalID, nil
}

// Vote is a no-op: raft commits without explicit votes.
func (n *RaftNode) Vote(proposalID, voter string, approve bool) error {
	return nil
}

func (n *RaftNode) Decide() ([]byte, bool) {
	return n.fsm.Latest()
}

func (n *RaftNode) DecideProposal(proposalID string) ([]byte, bool) {
	return n.fsm.Decided(proposalID)
}

func (n *RaftNode) IsLeader() bool {
	return n.raft != nil && n.raft.State() == raft.Leader
}

func (n *RaftNode) Leader() string {
	if n.raft == nil {
		return ""
	}
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

func (n *RaftNode) Stats() map[string]string {
	if n.raft == nil {
		return map[string]string{"state": "not initialized"}
	}
	return n.raft.Stats()
}

func (n *RaftNode) TransferLeadership() error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if n.raft.State() != raft.Leader {
		return ErrNotLeader
	}
	if err := n.raft.LeadershipTransfer().Error(); err != nil {
		return fmt.Errorf("leadership transfer failed: %w", err)
	}
	return nil
}
