package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/sourcegraph/conc"

	"github.com/witnz/replisync/internal/alert"
	"github.com/witnz/replisync/internal/byzantine"
	"github.com/witnz/replisync/internal/clock"
	"github.com/witnz/replisync/internal/hash"
	"github.com/witnz/replisync/internal/storage"
	"github.com/witnz/replisync/internal/transport"
)

type MetadataStore interface {
	SetMetadata(key, value string) error
	GetMetadata(key string) (string, error)
}

// Replica is the local state compared against peers.
type Replica interface {
	NodeID() string
	Root() hash.Hash
	Clock() *clock.Clock
}

// PeerVerifier compares this replica with peers that have the same causal
// history. Equal clocks mean both sides applied the same operations, so
// their roots must match. A peer that disagrees with the majority is
// reported to the fault detector; when this replica is the one in the
// minority it raises an alert and can shut itself down.
type PeerVerifier struct {
	local        Replica
	hasher       *hash.Hasher
	store        MetadataStore
	detector     *byzantine.Detector
	alertManager *alert.Manager
	shutdownFunc func() error
	autoShutdown bool
	logger       *slog.Logger
}

// PeerReport lists which peers were comparable and how they compared.
type PeerReport struct {
	LocalRoot   hash.Hash
	Agreeing    []string
	Disagreeing []string
	Skipped     []string
	// Unstable is set when the local root moved during verification and no
	// conclusion was drawn.
	Unstable bool
}

func NewPeerVerifier(
	local Replica,
	hasher *hash.Hasher,
	store MetadataStore,
	detector *byzantine.Detector,
	alertMgr *alert.Manager,
	shutdownFunc func() error,
	autoShutdown bool,
	logger *slog.Logger,
) *PeerVerifier {
	if hasher == nil {
		hasher = hash.Default
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PeerVerifier{
		local:        local,
		hasher:       hasher,
		store:        store,
		detector:     detector,
		alertManager: alertMgr,
		shutdownFunc: shutdownFunc,
		autoShutdown: autoShutdown,
		logger:       logger,
	}
}

type observation struct {
	root       hash.Hash
	comparable bool
}

func (v *PeerVerifier) Verify(ctx context.Context, peers []transport.Peer) (*PeerReport, error) {
	localRoot := v.local.Root()
	localClock := v.local.Clock().Clone()

	observed := make([]observation, len(peers))
	var wg conc.WaitGroup
	for i, p := range peers {
		wg.Go(func() {
			observed[i] = v.observe(ctx, p, localClock)
		})
	}
	wg.Wait()

	report := &PeerReport{LocalRoot: localRoot}
	if v.local.Root() != localRoot {
		report.Unstable = true
		return report, nil
	}

	majority := make(map[hash.Hash][]string)
	for i, p := range peers {
		obs := observed[i]
		switch {
		case !obs.comparable:
			report.Skipped = append(report.Skipped, p.ID())
		case obs.root == localRoot:
			report.Agreeing = append(report.Agreeing, p.ID())
		default:
			report.Disagreeing = append(report.Disagreeing, p.ID())
			majority[obs.root] = append(majority[obs.root], p.ID())
		}
	}
	if len(report.Disagreeing) == 0 {
		v.logger.Debug("Replica consistent with peers", "root", localRoot.Short(), "agreeing", len(report.Agreeing))
		return report, nil
	}

	var (
		otherRoot  hash.Hash
		otherPeers []string
	)
	for root, ids := range majority {
		if len(ids) > len(otherPeers) || (len(ids) == len(otherPeers) && root < otherRoot) {
			otherRoot, otherPeers = root, ids
		}
	}

	// This node counts itself on the local side.
	if len(otherPeers) > len(report.Agreeing)+1 {
		return report, v.inconsistent(localRoot, otherRoot, len(report.Agreeing), len(otherPeers))
	}

	sort.Strings(report.Disagreeing)
	for _, id := range report.Disagreeing {
		v.logger.Error("Peer root diverges from equal causal history",
			"peer", id,
			"local_root", localRoot.Short(),
		)
		v.detector.ReportFault(id)
	}
	return report, nil
}

// observe reads a peer's root on both sides of its clock so an update in
// between cannot pair a clock with the wrong root.
func (v *PeerVerifier) observe(ctx context.Context, p transport.Peer, local *clock.Clock) observation {
	before, err := p.Root(ctx)
	if err != nil {
		v.logger.Debug("Peer unreachable for verification", "peer", p.ID(), "error", err)
		return observation{}
	}
	snap, err := p.Clock(ctx)
	if err != nil {
		v.logger.Debug("Peer unreachable for verification", "peer", p.ID(), "error", err)
		return observation{}
	}
	after, err := p.Root(ctx)
	if err != nil || after != before {
		return observation{}
	}

	remote, err := clock.FromSnapshot(v.hasher, snap)
	if err != nil {
		v.detector.ReportInvalidMessage(p.ID())
		return observation{}
	}
	if local.Compare(remote) != clock.Equal {
		return observation{}
	}
	return observation{root: before, comparable: true}
}

func (v *PeerVerifier) inconsistent(localRoot, majorityRoot hash.Hash, agreeing, disagreeing int) error {
	ierr := &InconsistencyError{
		LocalRoot:    localRoot.String(),
		MajorityRoot: majorityRoot.String(),
		Agreeing:     agreeing,
		Disagreeing:  disagreeing,
	}

	v.logger.Error("Replica inconsistent with peers sharing its causal history",
		"node", v.local.NodeID(),
		"local_root", localRoot.Short(),
		"majority_root", majorityRoot.Short(),
		"agreeing", agreeing,
		"disagreeing", disagreeing,
	)

	if err := v.alertManager.SendSystemAlert(
		"Replica Inconsistency Detected",
		fmt.Sprintf(
			"Node %s disagrees with %d peers that share its causal history. Self-terminating if enabled.\n"+
				"Local root: %s\nMajority root: %s",
			v.local.NodeID(), disagreeing, localRoot, majorityRoot,
		),
		"danger",
	); err != nil {
		v.logger.Error("Failed to send inconsistency alert", "error", err)
	}

	if v.autoShutdown && v.shutdownFunc != nil {
		v.logger.Warn("Auto-shutdown enabled, initiating shutdown")

		if v.store != nil {
			if err := v.store.SetMetadata(storage.TerminatedKey, "true"); err != nil {
				v.logger.Error("Failed to set termination flag", "error", err)
			}
		}

		if err := v.shutdownFunc(); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
	}

	return ierr
}

// CheckTerminationFlag reports whether the node shut itself down after an
// inconsistency.
func (v *PeerVerifier) CheckTerminationFlag() (bool, error) {
	return TerminationFlag(v.store)
}

func TerminationFlag(store MetadataStore) (bool, error) {
	if store == nil {
		return false, nil
	}
	flag, err := store.GetMetadata(storage.TerminatedKey)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check termination flag: %w", err)
	}
	return flag == "true", nil
}
