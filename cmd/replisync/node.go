package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"

	"github.com/witnz/replisync/internal/alert"
	"github.com/witnz/replisync/internal/byzantine"
	"github.com/witnz/replisync/internal/config"
	"github.com/witnz/replisync/internal/consensus"
	"github.com/witnz/replisync/internal/coordinator"
	"github.com/witnz/replisync/internal/hash"
	"github.com/witnz/replisync/internal/ingest"
	"github.com/witnz/replisync/internal/oplog"
	"github.com/witnz/replisync/internal/storage"
	"github.com/witnz/replisync/internal/strategy"
	"github.com/witnz/replisync/internal/transport"
	"github.com/witnz/replisync/internal/verify"
)

// replica is the local state opened from the data directory, without any
// network component.
type replica struct {
	cfg         *config.Config
	store       *storage.Storage
	hasher      *hash.Hasher
	alerts      *alert.Manager
	detector    *byzantine.Detector
	selector    *strategy.Selector
	log         *oplog.Log
	coordinator *coordinator.Coordinator
}

func openReplica(cfg *config.Config, logger *slog.Logger, opts ...coordinator.Option) (*replica, error) {
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	r, err := buildReplica(cfg, store, logger, opts...)
	if err != nil {
		store.Close()
		return nil, err
	}
	return r, nil
}

func buildReplica(cfg *config.Config, store *storage.Storage, logger *slog.Logger, opts ...coordinator.Option) (*replica, error) {
	hasher, err := hash.NewHasher(cfg.Hash.Algorithm)
	if err != nil {
		return nil, err
	}

	alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook).WithNode(cfg.Node.ID)

	detector, err := byzantine.NewDetector(byzantine.Config{
		ReputationThreshold: cfg.Byzantine.ReputationThreshold,
		MaxFutureSkew:       cfg.Byzantine.MaxFutureSkew,
		MaxPastSkew:         cfg.Byzantine.MaxPastSkew,
		DecayFactor:         cfg.Byzantine.DecayFactor,
		RecoveryStep:        cfg.Byzantine.RecoveryStep,
		RecoveryQuietPeriod: cfg.Byzantine.RecoveryQuietPeriod,
	}, byzantine.WithStore(store), byzantine.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create fault detector: %w", err)
	}

	selector := strategy.NewSelector(strategy.Config{
		LearningRate: cfg.Strategy.LearningRate,
		BatchSize:    cfg.Strategy.TrainThreshold,
		Seed:         cfg.Strategy.Seed,
		Logger:       logger,
	})

	log, err := oplog.New(cfg.Node.ID, store)
	if err != nil {
		return nil, fmt.Errorf("failed to load operation log: %w", err)
	}

	base := []coordinator.Option{
		coordinator.WithHasher(hasher),
		coordinator.WithLogger(logger),
		coordinator.WithAlerts(alerts),
		coordinator.WithStore(store),
	}
	coord, err := coordinator.New(coordinator.Config{
		NodeID:          cfg.Node.ID,
		Timeout:         cfg.Sync.Timeout,
		FanOut:          cfg.Sync.FanOut,
		Interval:        cfg.Sync.Interval,
		LazyBatchSize:   cfg.Sync.LazyBatchSize,
		LazyMaxDelay:    cfg.Sync.LazyMaxDelay,
		StallAlertAfter: cfg.Sync.StallAlertAfter,
	}, log, detector, selector, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	return &replica{
		cfg:         cfg,
		store:       store,
		hasher:      hasher,
		alerts:      alerts,
		detector:    detector,
		selector:    selector,
		log:         log,
		coordinator: coord,
	}, nil
}

func (r *replica) Close() error {
	if err := r.selector.SaveModel(r.store); err != nil {
		slog.Warn("Failed to save strategy model", "error", err)
	}
	return r.store.Close()
}

// raftApplier forwards committed values to the coordinator, which only
// exists after the raft node has been created.
type raftApplier struct {
	coordinator *coordinator.Coordinator
}

func (a *raftApplier) ApplyDecided(proposalID string, value []byte) error {
	if a.coordinator == nil {
		return errors.New("coordinator not ready")
	}
	return a.coordinator.ApplyDecided(proposalID, value)
}

// node is a running replica with its transport, consensus and background
// workers.
type node struct {
	*replica
	logger *slog.Logger

	peers    []transport.Peer
	clients  []*transport.Client
	server   *http.Server
	raft     *consensus.RaftNode
	rotator  *consensus.LeadershipRotator
	logCheck *verify.LogVerifier
	peerChk  *verify.PeerVerifier
	ingest   *ingest.Manager

	cancel context.CancelFunc
	done   chan error
}

func newNode(cfg *config.Config, logger *slog.Logger) (*node, error) {
	n := &node{logger: logger, done: make(chan error, 4)}

	for _, p := range cfg.Peers {
		client, err := transport.NewClient(cfg.Node.ID, p.ID, p.Addr, logger)
		if err != nil {
			n.closeClients()
			return nil, fmt.Errorf("invalid peer %s: %w", p.ID, err)
		}
		n.clients = append(n.clients, client)
		n.peers = append(n.peers, client)
	}

	var opts []coordinator.Option
	applier := &raftApplier{}
	switch cfg.Consensus.Mode {
	case config.ConsensusPBFT:
		pbft, err := consensus.NewPBFT(consensus.PBFTConfig{
			NodeID:      cfg.Node.ID,
			Nodes:       cfg.Members(),
			ViewTimeout: cfg.Consensus.ViewTimeout,
			ProposalTTL: cfg.Consensus.ProposalTTL,
			Logger:      logger,
		})
		if err != nil {
			n.closeClients()
			return nil, fmt.Errorf("failed to create pbft engine: %w", err)
		}
		opts = append(opts, coordinator.WithConsensus(pbft, n.peers))
	case config.ConsensusRaft:
		n.raft = consensus.NewRaftNode(&consensus.RaftConfig{
			NodeID:       cfg.Node.ID,
			BindAddr:     cfg.Consensus.Raft.BindAddr,
			DataDir:      cfg.Node.DataDir,
			Bootstrap:    cfg.Consensus.Raft.Bootstrap,
			PeerAddrs:    cfg.Consensus.Raft.PeerAddrs,
			ApplyTimeout: cfg.Consensus.Raft.ApplyTimeout,
			Logger:       logger,
		}, applier)
		opts = append(opts, coordinator.WithConsensus(n.raft, nil))
	}

	r, err := openReplica(cfg, logger, opts...)
	if err != nil {
		n.closeClients()
		return nil, err
	}
	n.replica = r
	applier.coordinator = r.coordinator

	n.logCheck = verify.NewLogVerifier(r.store, r.coordinator, r.hasher, r.alerts, logger)
	n.peerChk = verify.NewPeerVerifier(
		r.coordinator, r.hasher, r.store, r.detector, r.alerts,
		n.shutdown, cfg.Sync.AutoShutdown, logger,
	)

	if cfg.Ingest.Enabled {
		ic := cfg.Ingest
		tables := ic.IngestTables()
		names := make([]string, len(tables))
		handlerTables := make([]ingest.TableConfig, len(tables))
		for i, t := range tables {
			names[i] = t.Name
			handlerTables[i] = ingest.TableConfig{Name: t.Name, Strong: t.Strong, AppendOnly: t.AppendOnly}
		}

		n.ingest = ingest.NewManager(&ingest.ReplicationConfig{
			Host:            ic.Host,
			Port:            ic.Port,
			Database:        ic.Database,
			User:            ic.User,
			Password:        ic.Password,
			SSLMode:         ic.SSLMode,
			SlotName:        ic.SlotName,
			PublicationName: ic.Publication,
			Tables:          names,
		}, logger)
		n.ingest.AddHandler(ingest.NewOplogHandler(r.coordinator, handlerTables, logger))
		n.ingest.SetAlertManager(r.alerts)
	}

	return n, nil
}

func (n *node) closeClients() {
	for _, c := range n.clients {
		_ = c.Close()
	}
}

// shutdown is called by the peer verifier when this node must stop.
func (n *node) shutdown() error {
	n.logger.Warn("Node shutting down after inconsistency")
	if n.cancel != nil {
		n.cancel()
	}
	return nil
}

func (n *node) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)

	if n.raft != nil {
		if err := n.raft.Start(); err != nil {
			return fmt.Errorf("failed to start raft node: %w", err)
		}
		if d := n.cfg.Consensus.Raft.LeadershipTransferInterval; d > 0 {
			n.rotator = consensus.NewLeadershipRotator(n.raft, d, n.logger)
			if err := n.rotator.Start(ctx); err != nil {
				return fmt.Errorf("failed to start leadership rotator: %w", err)
			}
		}
	}

	n.server = &http.Server{
		Addr:              n.cfg.Node.ListenAddr,
		Handler:           transport.NewServer(n.coordinator, n.logger).Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := n.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.done <- fmt.Errorf("sync server failed: %w", err)
		}
	}()
	n.logger.Info("Sync server listening", "addr", n.cfg.Node.ListenAddr)

	if err := n.logCheck.Start(ctx, n.cfg.Sync.VerifyInterval); err != nil {
		return err
	}

	if n.ingest != nil {
		if err := n.ingest.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize ingest: %w", err)
		}
		if err := n.ingest.Start(ctx); err != nil {
			return fmt.Errorf("failed to start ingest: %w", err)
		}
	}

	go func() {
		err := n.coordinator.Start(ctx, n.peers)
		if err != nil && !errors.Is(err, context.Canceled) {
			n.done <- err
			return
		}
		n.done <- nil
	}()

	if len(n.peers) > 0 {
		go n.verifyPeers(ctx)
	}

	return nil
}

func (n *node) verifyPeers(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Sync.VerifyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := n.peerChk.Verify(ctx, n.peers)
			if err != nil {
				n.logger.Error("Peer verification failed", "error", err)
				continue
			}
			n.logger.Debug("Peer verification completed",
				"agreeing", len(report.Agreeing),
				"disagreeing", len(report.Disagreeing),
				"skipped", len(report.Skipped),
			)
		}
	}
}

// Done reports the first fatal error of a background worker, or nil when
// the sync loop ended normally.
func (n *node) Done() <-chan error {
	return n.done
}

func (n *node) Stop(ctx context.Context) error {
	var errs []error

	n.coordinator.Stop()
	if n.cancel != nil {
		n.cancel()
	}

	if n.ingest != nil {
		if err := n.ingest.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop ingest: %w", err))
		}
	}
	n.logCheck.Stop()

	if n.server != nil {
		if err := n.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop sync server: %w", err))
		}
	}
	n.closeClients()

	if n.rotator != nil {
		n.rotator.Stop()
	}
	if n.raft != nil {
		if err := n.raft.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop raft node: %w", err))
		}
	}

	if err := n.replica.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
	}
	if len(errs) > 0 {
		return flaterrors.Join(errs...)
	}
	return nil
}
