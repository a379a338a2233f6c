package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"

	"github.com/witnz/replisync/internal/hash"
	"github.com/witnz/replisync/internal/merkle"
	"github.com/witnz/replisync/internal/oplog"
	"github.com/witnz/replisync/internal/storage"
)

const (
	snapshotVersion = 1
	snapshotSuffix  = ".json.sz"
	keyTimeLayout   = "20060102T150405.000Z"
)

var (
	ErrNoSnapshot   = errors.New("no snapshot found")
	ErrRootMismatch = errors.New("snapshot root does not match its operations")
)

// S3API is the subset of the S3 client used for snapshots.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// Snapshot is the archived form of an operation log.
type Snapshot struct {
	Version    int                       `json:"version"`
	NodeID     string                    `json:"node_id"`
	CreatedAt  time.Time                 `json:"created_at"`
	Algorithm  string                    `json:"algorithm"`
	Root       string                    `json:"root"`
	Operations []storage.OperationRecord `json:"operations"`
}

// Target receives imported operations. *oplog.Log satisfies it.
type Target interface {
	Merge(ops []oplog.Operation) ([]oplog.Operation, error)
}

type Archiver struct {
	client S3API
	bucket string
	prefix string
	hasher *hash.Hasher
	logger *slog.Logger
	now    func() time.Time
}

func New(client S3API, bucket, prefix string, hasher *hash.Hasher, logger *slog.Logger) (*Archiver, error) {
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if hasher == nil {
		hasher = hash.Default
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		hasher: hasher,
		logger: logger,
		now:    time.Now,
	}, nil
}

func rootOf(hasher *hash.Hasher, ops []oplog.Operation) hash.Hash {
	entries := make([]merkle.Entry, len(ops))
	for i, op := range ops {
		entries[i] = merkle.Entry{Key: op.Key(), Value: op.Canonical()}
	}
	tree := merkle.New(hasher)
	tree.InsertBatch(entries)
	return tree.Root()
}

// Build snapshots ops in log order.
func (a *Archiver) Build(nodeID string, ops []oplog.Operation) *Snapshot {
	records := make([]storage.OperationRecord, len(ops))
	for i, op := range ops {
		records[i] = op.Record()
	}
	return &Snapshot{
		Version:    snapshotVersion,
		NodeID:     nodeID,
		CreatedAt:  a.now().UTC(),
		Algorithm:  string(a.hasher.Algorithm()),
		Root:       rootOf(a.hasher, ops).String(),
		Operations: records,
	}
}

func Encode(snap *Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

// Decode reads a snapshot and checks that its root recomputes from its
// operations.
func Decode(data []byte) (*Snapshot, []oplog.Operation, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	hasher, err := hash.NewHasher(snap.Algorithm)
	if err != nil {
		return nil, nil, err
	}

	ops := make([]oplog.Operation, len(snap.Operations))
	for i, rec := range snap.Operations {
		op, err := oplog.FromRecord(rec)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid operation %s in snapshot: %w", rec.ID, err)
		}
		ops[i] = op
	}

	if root := rootOf(hasher, ops); root.String() != snap.Root {
		return nil, nil, fmt.Errorf("%w: recorded %s, computed %s", ErrRootMismatch, snap.Root, root)
	}
	return &snap, ops, nil
}

func (a *Archiver) key(nodeID string, at time.Time) string {
	return a.prefix + nodeID + "/" + at.UTC().Format(keyTimeLayout) + snapshotSuffix
}

// Export uploads a snapshot of ops and returns its object key.
func (a *Archiver) Export(ctx context.Context, nodeID string, ops []oplog.Operation) (string, *Snapshot, error) {
	snap := a.Build(nodeID, ops)
	data, err := Encode(snap)
	if err != nil {
		return "", nil, err
	}

	key := a.key(nodeID, snap.CreatedAt)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"root":      snap.Root,
			"algorithm": snap.Algorithm,
		},
	})
	if err != nil {
		return "", nil, fmt.Errorf("S3 put object failed: %w", err)
	}

	a.logger.Info("Exported snapshot",
		"key", key,
		"operations", len(ops),
		"root", hash.Hash(snap.Root).Short(),
		"bytes", len(data),
	)
	return key, snap, nil
}

// List returns snapshot keys under the archive prefix in key order.
// An empty nodeID lists every node.
func (a *Archiver) List(ctx context.Context, nodeID string) ([]string, error) {
	prefix := a.prefix
	if nodeID != "" {
		prefix += nodeID + "/"
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3 list objects failed: %w", err)
		}
		for _, obj := range page.Contents {
			if k := aws.ToString(obj.Key); strings.HasSuffix(k, snapshotSuffix) {
				keys = append(keys, k)
			}
		}
	}

	sort.Strings(keys)
	return keys, nil
}

func (a *Archiver) Fetch(ctx context.Context, key string) (*Snapshot, []oplog.Operation, error) {
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("S3 get object failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 read body failed: %w", err)
	}
	return Decode(data)
}

// Latest returns the newest snapshot key of nodeID.
func (a *Archiver) Latest(ctx context.Context, nodeID string) (string, error) {
	keys, err := a.List(ctx, nodeID)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", ErrNoSnapshot
	}
	newest := keys[0]
	for _, k := range keys[1:] {
		if path.Base(k) > path.Base(newest) {
			newest = k
		}
	}
	return newest, nil
}

// Import merges the snapshot at key into target. Operations already present
// are skipped, so importing twice is harmless. It returns the number of
// operations added.
func (a *Archiver) Import(ctx context.Context, key string, target Target) (int, error) {
	snap, ops, err := a.Fetch(ctx, key)
	if err != nil {
		return 0, err
	}

	added, err := target.Merge(ops)
	if err != nil {
		return 0, fmt.Errorf("failed to merge snapshot: %w", err)
	}

	a.logger.Info("Imported snapshot",
		"key", key,
		"from", snap.NodeID,
		"operations", len(ops),
		"added", len(added),
	)
	return len(added), nil
}
