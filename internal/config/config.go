package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/witnz/replisync/internal/hash"
)

const EnvPrefix = "REPLISYNC"

type ConsensusMode string

const (
	ConsensusPBFT ConsensusMode = "pbft"
	ConsensusRaft ConsensusMode = "raft"
	ConsensusNone ConsensusMode = "none"
)

type Config struct {
	Node      NodeConfig      `mapstructure:"node" yaml:"node"`
	Peers     []PeerConfig    `mapstructure:"peers" yaml:"peers"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Byzantine ByzantineConfig `mapstructure:"byzantine" yaml:"byzantine"`
	Consensus ConsensusConfig `mapstructure:"consensus" yaml:"consensus"`
	Strategy  StrategyConfig  `mapstructure:"strategy" yaml:"strategy"`
	Hash      HashConfig      `mapstructure:"hash" yaml:"hash"`
	Alerts    AlertsConfig    `mapstructure:"alerts" yaml:"alerts"`
	Ingest    IngestConfig    `mapstructure:"ingest" yaml:"ingest"`
	Archive   ArchiveConfig   `mapstructure:"archive" yaml:"archive"`
}

type NodeConfig struct {
	ID         string `mapstructure:"id" yaml:"id"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	DataDir    string `mapstructure:"data_dir" yaml:"data_dir"`
}

type PeerConfig struct {
	ID   string `mapstructure:"id" yaml:"id"`
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type SyncConfig struct {
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	FanOut          int           `mapstructure:"fan_out" yaml:"fan_out"`
	LazyBatchSize   int           `mapstructure:"lazy_batch_size" yaml:"lazy_batch_size"`
	LazyMaxDelay    time.Duration `mapstructure:"lazy_max_delay" yaml:"lazy_max_delay"`
	StallAlertAfter time.Duration `mapstructure:"stall_alert_after" yaml:"stall_alert_after"`
	VerifyInterval  time.Duration `mapstructure:"verify_interval" yaml:"verify_interval"`
	// AutoShutdown stops the node when it disagrees with the majority of
	// peers that share its causal history.
	AutoShutdown bool `mapstructure:"auto_shutdown" yaml:"auto_shutdown"`
}

type ByzantineConfig struct {
	ReputationThreshold float64       `mapstructure:"reputation_threshold" yaml:"reputation_threshold"`
	MaxFutureSkew       time.Duration `mapstructure:"max_future_skew" yaml:"max_future_skew"`
	MaxPastSkew         time.Duration `mapstructure:"max_past_skew" yaml:"max_past_skew"`
	DecayFactor         float64       `mapstructure:"decay_factor" yaml:"decay_factor"`
	RecoveryStep        float64       `mapstructure:"recovery_step" yaml:"recovery_step"`
	RecoveryQuietPeriod time.Duration `mapstructure:"recovery_quiet_period" yaml:"recovery_quiet_period"`
}

type ConsensusConfig struct {
	Mode        ConsensusMode `mapstructure:"mode" yaml:"mode"`
	ViewTimeout time.Duration `mapstructure:"view_timeout" yaml:"view_timeout"`
	ProposalTTL time.Duration `mapstructure:"proposal_ttl" yaml:"proposal_ttl"`
	Raft        RaftConfig    `mapstructure:"raft" yaml:"raft"`
}

type RaftConfig struct {
	BindAddr  string            `mapstructure:"bind_addr" yaml:"bind_addr"`
	Bootstrap bool              `mapstructure:"bootstrap" yaml:"bootstrap"`
	PeerAddrs map[string]string `mapstructure:"peer_addrs" yaml:"peer_addrs,omitempty"`
	// LeadershipTransferInterval rotates leadership when set.
	LeadershipTransferInterval time.Duration `mapstructure:"leadership_transfer_interval" yaml:"leadership_transfer_interval"`
	ApplyTimeout               time.Duration `mapstructure:"apply_timeout" yaml:"apply_timeout"`
}

type StrategyConfig struct {
	LearningRate   float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	TrainThreshold int     `mapstructure:"train_threshold" yaml:"train_threshold"`
	Seed           uint64  `mapstructure:"seed" yaml:"seed"`
}

type HashConfig struct {
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook" yaml:"slack_webhook"`
}

type IngestConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Host        string        `mapstructure:"host" yaml:"host"`
	Port        int           `mapstructure:"port" yaml:"port"`
	Database    string        `mapstructure:"database" yaml:"database"`
	User        string        `mapstructure:"user" yaml:"user"`
	Password    string        `mapstructure:"password" yaml:"password"`
	SSLMode     string        `mapstructure:"sslmode" yaml:"sslmode"`
	SlotName    string        `mapstructure:"slot_name" yaml:"slot_name"`
	Publication string        `mapstructure:"publication" yaml:"publication"`
	Tables      []TableConfig `mapstructure:"tables" yaml:"tables"`
	// StrongTables is shorthand for tables whose changes need consensus.
	StrongTables []string `mapstructure:"strong_tables" yaml:"strong_tables,omitempty"`
}

type TableConfig struct {
	Name       string `mapstructure:"name" yaml:"name"`
	Strong     bool   `mapstructure:"strong" yaml:"strong,omitempty"`
	AppendOnly bool   `mapstructure:"append_only" yaml:"append_only,omitempty"`
}

type ArchiveConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
	UsePathStyle    bool   `mapstructure:"use_path_style" yaml:"use_path_style,omitempty"`
}

// Default returns a single-node configuration with every default filled.
func Default() *Config {
	cfg := &Config{
		Node: NodeConfig{
			ID:         "node1",
			ListenAddr: "0.0.0.0:7400",
			DataDir:    "./data",
		},
		Consensus: ConsensusConfig{Mode: ConsensusNone},
	}
	cfg.setDefaults()
	return cfg
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Node.DataDir == "" {
		c.Node.DataDir = "./data"
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = 5 * time.Second
	}
	if c.Sync.Timeout == 0 {
		c.Sync.Timeout = 10 * time.Second
	}
	if c.Sync.FanOut == 0 {
		c.Sync.FanOut = 4
	}
	if c.Sync.LazyBatchSize == 0 {
		c.Sync.LazyBatchSize = 64
	}
	if c.Sync.LazyMaxDelay == 0 {
		c.Sync.LazyMaxDelay = 30 * time.Second
	}
	if c.Sync.StallAlertAfter == 0 {
		c.Sync.StallAlertAfter = 30 * time.Second
	}
	if c.Sync.VerifyInterval == 0 {
		c.Sync.VerifyInterval = time.Minute
	}

	if c.Byzantine.ReputationThreshold == 0 {
		c.Byzantine.ReputationThreshold = 0.5
	}
	if c.Byzantine.MaxFutureSkew == 0 {
		c.Byzantine.MaxFutureSkew = 5 * time.Minute
	}
	if c.Byzantine.MaxPastSkew == 0 {
		c.Byzantine.MaxPastSkew = 24 * time.Hour
	}
	if c.Byzantine.DecayFactor == 0 {
		c.Byzantine.DecayFactor = 0.9
	}
	if c.Byzantine.RecoveryStep == 0 {
		c.Byzantine.RecoveryStep = 0.01
	}
	if c.Byzantine.RecoveryQuietPeriod == 0 {
		c.Byzantine.RecoveryQuietPeriod = 10 * time.Minute
	}

	if c.Consensus.Mode == "" {
		c.Consensus.Mode = ConsensusPBFT
	}
	if c.Consensus.ViewTimeout == 0 {
		c.Consensus.ViewTimeout = 10 * time.Second
	}
	if c.Consensus.ProposalTTL == 0 {
		c.Consensus.ProposalTTL = 10 * time.Minute
	}
	if c.Consensus.Raft.ApplyTimeout == 0 {
		c.Consensus.Raft.ApplyTimeout = 10 * time.Second
	}

	if c.Strategy.LearningRate == 0 {
		c.Strategy.LearningRate = 0.05
	}
	if c.Strategy.TrainThreshold == 0 {
		c.Strategy.TrainThreshold = 100
	}
	if c.Strategy.Seed == 0 {
		c.Strategy.Seed = 1
	}

	if c.Hash.Algorithm == "" {
		c.Hash.Algorithm = string(hash.SHA256)
	}

	if c.Ingest.Port == 0 {
		c.Ingest.Port = 5432
	}
	if c.Ingest.SlotName == "" {
		c.Ingest.SlotName = "replisync_slot"
	}
	if c.Ingest.Publication == "" {
		c.Ingest.Publication = "replisync_pub"
	}

	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "snapshots/"
	}
}

// Validate fills defaults and reports every problem at once.
func (c *Config) Validate() error {
	c.setDefaults()

	var errs []error
	if c.Node.ID == "" {
		errs = append(errs, errors.New("node.id is required"))
	}
	if c.Node.ListenAddr == "" {
		errs = append(errs, errors.New("node.listen_addr is required"))
	}

	seen := map[string]bool{c.Node.ID: true}
	for i, p := range c.Peers {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("peers[%d].id is required", i))
		case seen[p.ID]:
			errs = append(errs, fmt.Errorf("peers[%d].id %q is duplicated or equals node.id", i, p.ID))
		}
		if p.Addr == "" {
			errs = append(errs, fmt.Errorf("peers[%d].addr is required", i))
		}
		seen[p.ID] = true
	}

	if c.Sync.FanOut < 1 {
		errs = append(errs, fmt.Errorf("sync.fan_out must be positive, got %d", c.Sync.FanOut))
	}
	if c.Sync.Interval < 0 || c.Sync.Timeout < 0 || c.Sync.VerifyInterval < 0 {
		errs = append(errs, errors.New("sync durations must not be negative"))
	}

	if t := c.Byzantine.ReputationThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("byzantine.reputation_threshold must be within [0, 1], got %v", t))
	}
	if d := c.Byzantine.DecayFactor; d <= 0 || d >= 1 {
		errs = append(errs, fmt.Errorf("byzantine.decay_factor must be within (0, 1), got %v", d))
	}

	switch c.Consensus.Mode {
	case ConsensusPBFT, ConsensusNone:
	case ConsensusRaft:
		if c.Consensus.Raft.BindAddr == "" {
			errs = append(errs, errors.New("consensus.raft.bind_addr is required in raft mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid consensus.mode: %s (valid options: pbft, raft, none)", c.Consensus.Mode))
	}

	if _, err := hash.NewHasher(c.Hash.Algorithm); err != nil {
		names := make([]string, len(hash.Algorithms))
		for i, a := range hash.Algorithms {
			names[i] = string(a)
		}
		errs = append(errs, fmt.Errorf("invalid hash algorithm: %s (valid options: %s)", c.Hash.Algorithm, strings.Join(names, ", ")))
	}

	if c.Alerts.Enabled && c.Alerts.SlackWebhook == "" {
		errs = append(errs, errors.New("alerts.slack_webhook is required when alerts are enabled"))
	}

	if c.Ingest.Enabled {
		if c.Ingest.Host == "" {
			errs = append(errs, errors.New("ingest.host is required"))
		}
		if c.Ingest.Database == "" {
			errs = append(errs, errors.New("ingest.database is required"))
		}
		if c.Ingest.User == "" {
			errs = append(errs, errors.New("ingest.user is required"))
		}
		if len(c.Ingest.IngestTables()) == 0 {
			errs = append(errs, errors.New("ingest.tables must list at least one table"))
		}
	}

	if len(errs) > 0 {
		return flaterrors.Join(errs...)
	}
	return nil
}

// IngestTables merges tables and strong_tables into one list.
func (c *IngestConfig) IngestTables() []TableConfig {
	tables := make([]TableConfig, 0, len(c.Tables)+len(c.StrongTables))
	index := make(map[string]int, len(c.Tables))
	for _, t := range c.Tables {
		index[t.Name] = len(tables)
		tables = append(tables, t)
	}
	for _, name := range c.StrongTables {
		if i, ok := index[name]; ok {
			tables[i].Strong = true
			continue
		}
		index[name] = len(tables)
		tables = append(tables, TableConfig{Name: name, Strong: true})
	}
	return tables
}

// Members is the ordered consensus membership: this node and its peers,
// sorted by id so every node derives the same primary order.
func (c *Config) Members() []string {
	ids := []string{c.Node.ID}
	for _, p := range c.Peers {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return ids
}

func (c *Config) StorePath() string {
	return filepath.Join(c.Node.DataDir, "replisync.db")
}

// WriteFile writes cfg as YAML, refusing to overwrite an existing file.
func WriteFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
