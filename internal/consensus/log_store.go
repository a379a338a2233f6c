package consensus

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"
)

var logsBucket = []byte("logs")

// logHeaderSize covers index, term, type, appended-at and data length.
const logHeaderSize = 8 + 8 + 1 + 8 + 4

// LogStore implements raft.LogStore on bbolt. Keys are big-endian indexes
// so cursor order is log order. The stable store is raft-boltdb's.
type LogStore struct {
	db *bolt.DB
}

func NewLogStore(path string) (*LogStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(logsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create logs bucket: %w", err)
	}

	return &LogStore{db: db}, nil
}

func (s *LogStore) Close() error {
	return s.db.Close()
}

func indexKey(index uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, index)
}

func (s *LogStore) FirstIndex() (uint64, error) {
	var first uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(logsBucket).Cursor().First(); k != nil {
			first = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return first, err
}

func (s *LogStore) LastIndex() (uint64, error) {
	var last uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(logsBucket).Cursor().Last(); k != nil {
			last = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return last, err
}

func (s *LogStore) GetLog(index uint64, log *raft.Log) error {
	return s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(logsBucket).Get(indexKey(index))
		if val == nil {
			return raft.ErrLogNotFound
		}
		return decodeLog(val, log)
	})
}

func (s *LogStore) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

func (s *LogStore) StoreLogs(logs []*raft.Log) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucket)
		for _, log := range logs {
			if err := bucket.Put(indexKey(log.Index), encodeLog(log)); err != nil {
				return fmt.Errorf("failed to store log %d: %w", log.Index, err)
			}
		}
		return nil
	})
}

// DeleteRange deletes entries in [min, max].
func (s *LogStore) DeleteRange(min, max uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucket)
		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(indexKey(min)); k != nil && binary.BigEndian.Uint64(k) <= max; k, _ = cursor.Next() {
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("failed to delete log entry: %w", err)
			}
		}
		return nil
	})
}

func encodeLog(log *raft.Log) []byte {
	var appendedAt int64
	if !log.AppendedAt.IsZero() {
		appendedAt = log.AppendedAt.UnixNano()
	}

	buf := make([]byte, 0, logHeaderSize+len(log.Data))
	buf = binary.BigEndian.AppendUint64(buf, log.Index)
	buf = binary.BigEndian.AppendUint64(buf, log.Term)
	buf = append(buf, byte(log.Type))
	buf = binary.BigEndian.AppendUint64(buf, uint64(appendedAt))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(log.Data)))
	return append(buf, log.Data...)
}

func decodeLog(data []byte, log *raft.Log) error {
	if len(data) < logHeaderSize {
		return fmt.Errorf("log data too short: %d bytes", len(data))
	}

	log.Index = binary.BigEndian.Uint64(data[0:8])
	log.Term = binary.BigEndian.Uint64(data[8:16])
	log.Type = raft.LogType(data[16])
	if nanos := int64(binary.BigEndian.Uint64(data[17:25])); nanos != 0 {
		log.AppendedAt = time.Unix(0, nanos)
	} else {
		log.AppendedAt = time.Time{}
	}

	dataLen := int(binary.BigEndian.Uint32(data[25:29]))
	if len(data) < logHeaderSize+dataLen {
		return fmt.Errorf("log data incomplete: expected %d bytes, got %d", logHeaderSize+dataLen, len(data))
	}

	log.Data = make([]byte, dataLen)
	copy(log.Data, data[logHeaderSize:logHeaderSize+dataLen])
	return nil
}
