package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	OperationsBucket  = []byte("operations")
	FaultsBucket      = []byte("faults")
	CheckpointsBucket = []byte("checkpoints")
	MetadataBucket    = []byte("metadata")
)

var ErrNotFound = errors.New("not found")

const (
	StrategyModelKey = "strategy_model"
	ClockKey         = "causal_clock"
	TerminatedKey    = "terminated"
	ReputationsKey   = "reputations"
)

type Storage struct {
	db *bolt.DB
}

// OperationRecord is the persisted form of a log operation.
type OperationRecord struct {
	ID        string `json:"id"`
	NodeID    string `json:"node_id"`
	Timestamp uint64 `json:"timestamp"`
	Payload   []byte `json:"payload"`
	Strong    bool   `json:"strong,omitempty"`
}

type FaultRecord struct {
	NodeID    string    `json:"node_id"`
	FaultType string    `json:"fault_type"`
	Severity  float64   `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// ReputationRecord snapshots a node's reputation together with how many of
// its faults had been applied when the snapshot was taken.
type ReputationRecord struct {
	Reputation float64 `json:"reputation"`
	Faults     int     `json:"faults"`
}

// Checkpoint pins the log root at a point in time so later verification can
// detect rewritten history.
type Checkpoint struct {
	Sequence       uint64    `json:"sequence"`
	Root           string    `json:"root"`
	OperationCount int       `json:"operation_count"`
	Algorithm      string    `json:"algorithm"`
	Timestamp      time.Time `json:"timestamp"`
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{OperationsBucket, FaultsBucket, CheckpointsBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Path() string {
	return s.db.Path()
}

// SaveOperations writes all records in one transaction. Either every record
// is stored or none is.
func (s *Storage) SaveOperations(records []OperationRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(OperationsBucket)
		for _, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal operation %s: %w", rec.ID, err)
			}
			if err := bucket.Put([]byte(rec.ID), data); err != nil {
				return fmt.Errorf("failed to store operation %s: %w", rec.ID, err)
			}
		}
		return nil
	})
}

func (s *Storage) GetOperation(id string) (*OperationRecord, error) {
	var rec OperationRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(OperationsBucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("operation %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

func (s *Storage) AllOperations() ([]OperationRecord, error) {
	records := make([]OperationRecord, 0)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(OperationsBucket).ForEach(func(k, v []byte) error {
			var rec OperationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal operation %s: %w", k, err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// RawOperations returns every stored operation undecoded, keyed by id.
func (s *Storage) RawOperations() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(OperationsBucket).ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutOperationRaw overwrites a stored operation without any checks. It exists
// for tamper tooling and tests.
func (s *Storage) PutOperationRaw(id string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(OperationsBucket).Put([]byte(id), data)
	})
}

func (s *Storage) GetOperationRaw(id string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(OperationsBucket).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("operation %s: %w", id, ErrNotFound)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func faultKey(nodeID string, seq uint64) []byte {
	key := make([]byte, 0, len(nodeID)+9)
	key = append(key, nodeID...)
	key = append(key, ':')
	return binary.BigEndian.AppendUint64(key, seq)
}

func (s *Storage) AppendFault(rec FaultRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(FaultsBucket)

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate fault sequence: %w", err)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal fault: %w", err)
		}

		return bucket.Put(faultKey(rec.NodeID, seq), data)
	})
}

// Faults returns the faults recorded for nodeID in insertion order.
func (s *Storage) Faults(nodeID string) ([]FaultRecord, error) {
	faults := make([]FaultRecord, 0)

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(FaultsBucket).Cursor()
		prefix := []byte(nodeID + ":")

		for k, v := cursor.Seek(prefix); k != nil && len(k) == len(prefix)+8 && string(k[:len(prefix)]) == string(prefix); k, v = cursor.Next() {
			var rec FaultRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			faults = append(faults, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return faults, nil
}

func (s *Storage) AllFaults() ([]FaultRecord, error) {
	faults := make([]FaultRecord, 0)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(FaultsBucket).ForEach(func(k, v []byte) error {
			var rec FaultRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			faults = append(faults, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return faults, nil
}

func (s *Storage) SaveCheckpoint(cp *Checkpoint) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(CheckpointsBucket)

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate checkpoint sequence: %w", err)
		}
		cp.Sequence = seq

		data, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("failed to marshal checkpoint: %w", err)
		}

		return bucket.Put(binary.BigEndian.AppendUint64(nil, seq), data)
	})
}

func (s *Storage) LatestCheckpoint() (*Checkpoint, error) {
	var cp *Checkpoint

	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(CheckpointsBucket).Cursor().Last()
		if v == nil {
			return fmt.Errorf("checkpoint: %w", ErrNotFound)
		}
		cp = &Checkpoint{}
		return json.Unmarshal(v, cp)
	})
	if err != nil {
		return nil, err
	}

	return cp, nil
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.SetMetadataBytes(key, []byte(value))
}

func (s *Storage) SetMetadataBytes(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(MetadataBucket).Put([]byte(key), value)
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	data, err := s.GetMetadataBytes(key)
	return string(data), err
}

func (s *Storage) GetMetadataBytes(key string) ([]byte, error) {
	var value []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(MetadataBucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("metadata key %s: %w", key, ErrNotFound)
		}
		value = append([]byte(nil), data...)
		return nil
	})

	return value, err
}

func (s *Storage) SaveReputations(reps map[string]ReputationRecord) error {
	data, err := json.Marshal(reps)
	if err != nil {
		return fmt.Errorf("failed to marshal reputations: %w", err)
	}
	return s.SetMetadataBytes(ReputationsKey, data)
}

// Reputations returns the last saved snapshot, or an empty map if none exists.
func (s *Storage) Reputations() (map[string]ReputationRecord, error) {
	reps := make(map[string]ReputationRecord)

	data, err := s.GetMetadataBytes(ReputationsKey)
	if errors.Is(err, ErrNotFound) {
		return reps, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, &reps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reputations: %w", err)
	}
	return reps, nil
}
