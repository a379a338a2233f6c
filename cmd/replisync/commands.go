package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/witnz/replisync/internal/archive"
	"github.com/witnz/replisync/internal/config"
	"github.com/witnz/replisync/internal/hash"
	"github.com/witnz/replisync/internal/storage"
	"github.com/witnz/replisync/internal/verify"
)

const shutdownTimeout = 10 * time.Second

func (c *cli) initCmd() *cobra.Command {
	var nodeID string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a replisync node",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if _, err := os.Stat(c.cfgFile); errors.Is(err, os.ErrNotExist) {
				cfg := config.Default()
				if nodeID != "" {
					cfg.Node.ID = nodeID
				}
				if err := config.WriteFile(c.cfgFile, cfg); err != nil {
					return err
				}
				fmt.Fprintf(out, "Wrote default config: %s\n", c.cfgFile)
			}

			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}

			if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}

			store, err := storage.New(cfg.StorePath())
			if err != nil {
				return fmt.Errorf("failed to initialize storage: %w", err)
			}
			defer store.Close()

			fmt.Fprintf(out, "Initialized replisync node: %s\n", cfg.Node.ID)
			fmt.Fprintf(out, "Data directory: %s\n", cfg.Node.DataDir)
			fmt.Fprintf(out, "Database path: %s\n", cfg.StorePath())
			return nil
		},
	}

	cmd.Flags().StringVar(&nodeID, "node-id", "", "node id written to a new config file")
	return cmd
}

func (c *cli) startCmd() *cobra.Command {
	var clearTermination bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a replisync node",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			logger := slog.Default()

			fmt.Fprintf(out, "Starting replisync node: %s\n", cfg.Node.ID)
			fmt.Fprintf(out, "Consensus: %s, peers: %d, hash: %s\n", cfg.Consensus.Mode, len(cfg.Peers), cfg.Hash.Algorithm)

			n, err := newNode(cfg, logger)
			if err != nil {
				return err
			}

			shutdownCtx := func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), shutdownTimeout)
			}

			terminated, err := verify.TerminationFlag(n.store)
			if err != nil {
				ctx, cancel := shutdownCtx()
				defer cancel()
				return flaterrors.Join(err, n.Stop(ctx))
			}
			if terminated {
				if !clearTermination {
					ctx, cancel := shutdownCtx()
					defer cancel()
					_ = n.Stop(ctx)
					return errors.New("node terminated itself after an inconsistency; verify the data directory and restart with --clear-termination")
				}
				if err := n.store.SetMetadata(storage.TerminatedKey, "false"); err != nil {
					return fmt.Errorf("failed to clear termination flag: %w", err)
				}
				fmt.Fprintln(out, "Cleared termination flag")
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := n.Start(ctx); err != nil {
				sctx, scancel := shutdownCtx()
				defer scancel()
				_ = n.Stop(sctx)
				return err
			}

			fmt.Fprintln(out, "replisync node is running. Press Ctrl+C to stop.")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			var runErr error
			select {
			case <-sigCh:
			case runErr = <-n.Done():
				if runErr != nil {
					logger.Error("Node stopped unexpectedly", "error", runErr)
				}
			}

			fmt.Fprintln(out, "\nShutting down...")
			sctx, scancel := shutdownCtx()
			defer scancel()
			if err := n.Stop(sctx); err != nil {
				return err
			}

			fmt.Fprintln(out, "replisync node stopped")
			return runErr
		},
	}

	cmd.Flags().BoolVar(&clearTermination, "clear-termination", false, "start even if the node previously terminated itself")
	return cmd
}

type clockStatus struct {
	Timestamp uint64 `yaml:"timestamp"`
	Hash      string `yaml:"hash"`
}

type checkpointStatus struct {
	Sequence   uint64    `yaml:"sequence"`
	Root       string    `yaml:"root"`
	Operations int       `yaml:"operations"`
	Algorithm  string    `yaml:"algorithm"`
	Timestamp  time.Time `yaml:"timestamp"`
}

type statusReport struct {
	NodeID          string                 `yaml:"node_id"`
	DataDir         string                 `yaml:"data_dir"`
	HashAlgorithm   string                 `yaml:"hash_algorithm"`
	ConsensusMode   string                 `yaml:"consensus_mode"`
	Peers           []string               `yaml:"peers"`
	Operations      int                    `yaml:"operations"`
	Root            string                 `yaml:"root"`
	ClockRoot       string                 `yaml:"clock_root"`
	Clock           map[string]clockStatus `yaml:"clock"`
	Reputations     map[string]float64     `yaml:"reputations,omitempty"`
	StrategyUpdates uint64                 `yaml:"strategy_updates"`
	Checkpoint      *checkpointStatus      `yaml:"checkpoint,omitempty"`
	Terminated      bool                   `yaml:"terminated"`
}

func (c *cli) statusCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display node status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "text" && output != "yaml" {
				return fmt.Errorf("invalid output format %q (valid options: text, yaml)", output)
			}

			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}

			r, err := openReplica(cfg, slog.Default())
			if err != nil {
				return err
			}
			defer r.Close()

			report, err := buildStatus(cfg, r)
			if err != nil {
				return err
			}

			if output == "yaml" {
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(report)
			}
			printStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text, yaml)")
	return cmd
}

func buildStatus(cfg *config.Config, r *replica) (*statusReport, error) {
	report := &statusReport{
		NodeID:          cfg.Node.ID,
		DataDir:         cfg.Node.DataDir,
		HashAlgorithm:   string(r.hasher.Algorithm()),
		ConsensusMode:   string(cfg.Consensus.Mode),
		Operations:      r.log.Len(),
		Root:            r.coordinator.Root().String(),
		ClockRoot:       r.coordinator.Clock().Root().String(),
		Clock:           make(map[string]clockStatus),
		Reputations:     r.detector.Reputations(),
		StrategyUpdates: r.selector.Model().Updates,
	}
	for _, p := range cfg.Peers {
		report.Peers = append(report.Peers, p.ID)
	}
	for id, e := range r.coordinator.Clock().Entries() {
		report.Clock[id] = clockStatus{Timestamp: e.Timestamp, Hash: e.Hash.String()}
	}

	cp, err := r.store.LatestCheckpoint()
	switch {
	case err == nil:
		report.Checkpoint = &checkpointStatus{
			Sequence:   cp.Sequence,
			Root:       cp.Root,
			Operations: cp.OperationCount,
			Algorithm:  cp.Algorithm,
			Timestamp:  cp.Timestamp,
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	terminated, err := verify.TerminationFlag(r.store)
	if err != nil {
		return nil, err
	}
	report.Terminated = terminated
	return report, nil
}

func printStatus(out io.Writer, s *statusReport) {
	fmt.Fprintf(out, "Node ID: %s\n", s.NodeID)
	fmt.Fprintf(out, "Data Directory: %s\n", s.DataDir)
	fmt.Fprintf(out, "Hash: %s\n", s.HashAlgorithm)
	fmt.Fprintf(out, "Consensus: %s\n", s.ConsensusMode)
	fmt.Fprintf(out, "Operations: %d\n", s.Operations)
	fmt.Fprintf(out, "Merkle root: %s\n", hash.Hash(s.Root).Short())
	fmt.Fprintf(out, "Clock root: %s\n", hash.Hash(s.ClockRoot).Short())

	ids := make([]string, 0, len(s.Clock))
	for id := range s.Clock {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Fprintf(out, "\nCausal clock:\n")
	for _, id := range ids {
		fmt.Fprintf(out, "  - %s: %d\n", id, s.Clock[id].Timestamp)
	}

	if len(s.Peers) > 0 {
		fmt.Fprintf(out, "\nPeers:\n")
		for _, p := range s.Peers {
			rep, ok := s.Reputations[p]
			if !ok {
				rep = 1
			}
			fmt.Fprintf(out, "  - %s (reputation %.3f)\n", p, rep)
		}
	}

	if s.Checkpoint != nil {
		fmt.Fprintf(out, "\nLast checkpoint: #%d, %d operations, root %s\n",
			s.Checkpoint.Sequence, s.Checkpoint.Operations, hash.Hash(s.Checkpoint.Root).Short())
	} else {
		fmt.Fprintf(out, "\nNo checkpoint yet\n")
	}
	if s.Terminated {
		fmt.Fprintf(out, "\n⚠️  Node terminated itself after an inconsistency\n")
	}
}

func (c *cli) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the stored operation log against the last checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			hasher, err := hash.NewHasher(cfg.Hash.Algorithm)
			if err != nil {
				return err
			}

			store, err := storage.New(cfg.StorePath())
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer store.Close()

			v := verify.NewLogVerifier(store, nil, hasher, nil, slog.Default())
			fmt.Fprintf(out, "Verifying operation log: %s\n", cfg.StorePath())

			res, err := v.Verify(cmd.Context())
			if err != nil {
				fmt.Fprintf(out, "  ❌ FAILED: %v\n", err)
				return err
			}

			fmt.Fprintf(out, "  ✅ OK: %d operations, root %s\n", res.Operations, res.Root.Short())
			if res.Checkpoint != nil {
				fmt.Fprintf(out, "  Checkpoint: #%d (%d operations)\n", res.Checkpoint.Sequence, res.Checkpoint.OperationCount)
			}
			return nil
		},
	}
}

func (c *cli) appendCmd() *cobra.Command {
	var (
		file   string
		strong bool
	)

	cmd := &cobra.Command{
		Use:   "append [payload]",
		Short: "Append an operation to the local log of a stopped node",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			payload, err := readPayload(cmd.InOrStdin(), args, file)
			if err != nil {
				return err
			}

			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if strong && cfg.Consensus.Mode != config.ConsensusNone {
				return errors.New("strong operations need agreement from a running cluster")
			}

			r, err := openReplica(cfg, slog.Default())
			if err != nil {
				return err
			}
			defer r.Close()

			op, err := r.coordinator.Append(cmd.Context(), payload, strong)
			if err != nil {
				return fmt.Errorf("failed to append operation: %w", err)
			}

			fmt.Fprintf(out, "Appended operation %s (%d bytes)\n", op.ID, len(op.Payload))
			fmt.Fprintf(out, "Merkle root: %s\n", r.coordinator.Root().Short())
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "read the payload from a file, - for stdin")
	cmd.Flags().BoolVar(&strong, "strong", false, "mark the operation as requiring agreement")
	return cmd
}

func readPayload(stdin io.Reader, args []string, file string) ([]byte, error) {
	switch {
	case len(args) == 1 && file != "":
		return nil, errors.New("pass the payload as an argument or with --file, not both")
	case len(args) == 1:
		return []byte(args[0]), nil
	case file == "-":
		return io.ReadAll(stdin)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		return data, nil
	default:
		return nil, errors.New("no payload given")
	}
}

func (c *cli) snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export or import operation log snapshots in S3",
	}

	var from string

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Upload a snapshot of the local log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, r, a, err := c.openArchive(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			key, snap, err := a.Export(cmd.Context(), cfg.Node.ID, r.log.All())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d operations to s3://%s/%s (root %s)\n",
				len(snap.Operations), cfg.Archive.Bucket, key, hash.Hash(snap.Root).Short())
			return nil
		},
	}

	importCmd := &cobra.Command{
		Use:   "import [key]",
		Short: "Merge a snapshot into the local log, the newest one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, r, a, err := c.openArchive(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			var key string
			if len(args) == 1 {
				key = args[0]
			} else if key, err = a.Latest(cmd.Context(), from); err != nil {
				return err
			}

			added, err := a.Import(cmd.Context(), key, r.log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported s3://%s/%s: %d new operations, %d total\n",
				cfg.Archive.Bucket, key, added, r.log.Len())
			return nil
		},
	}
	importCmd.Flags().StringVar(&from, "from", "", "node whose newest snapshot is imported (default any node)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, r, a, err := c.openArchive(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			keys, err := a.List(cmd.Context(), from)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&from, "from", "", "only list snapshots of this node")

	cmd.AddCommand(exportCmd, importCmd, listCmd)
	return cmd
}

func (c *cli) openArchive(ctx context.Context) (*config.Config, *replica, *archive.Archiver, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Archive.Bucket == "" {
		return nil, nil, nil, errors.New("archive.bucket is not configured")
	}

	client, err := archive.NewS3Client(ctx, archive.S3Config{
		Bucket:          cfg.Archive.Bucket,
		Prefix:          cfg.Archive.Prefix,
		Region:          cfg.Archive.Region,
		Endpoint:        cfg.Archive.Endpoint,
		AccessKeyID:     cfg.Archive.AccessKeyID,
		SecretAccessKey: cfg.Archive.SecretAccessKey,
		UsePathStyle:    cfg.Archive.UsePathStyle,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	r, err := openReplica(cfg, slog.Default())
	if err != nil {
		return nil, nil, nil, err
	}

	a, err := archive.New(client, cfg.Archive.Bucket, cfg.Archive.Prefix, r.hasher, slog.Default())
	if err != nil {
		r.Close()
		return nil, nil, nil, err
	}
	return cfg, r, a, nil
}
