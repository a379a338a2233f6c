package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/witnz/replisync/internal/storage"
)

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <db-path> [operation-id]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "This tool rewrites the payload of one stored operation, the first one by default\n")
		os.Exit(1)
	}

	dbPath := os.Args[1]
	var targetID string
	if len(os.Args) == 3 {
		targetID = os.Args[2]
	}

	fmt.Printf("Opening operation store: %s\n", dbPath)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(storage.OperationsBucket)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", storage.OperationsBucket)
		}

		key, value := bucket.Cursor().First()
		if targetID != "" {
			key, value = []byte(targetID), bucket.Get([]byte(targetID))
		}
		if key == nil || value == nil {
			return fmt.Errorf("operation not found: %q", targetID)
		}

		var rec storage.OperationRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("failed to decode operation %s: %w", key, err)
		}
		fmt.Printf("Found operation %s from %s\n", key, rec.NodeID)
		fmt.Printf("  Original payload: %q\n", rec.Payload)

		rec.Payload = append([]byte("TAMPERED:"), rec.Payload...)
		corrupted, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal corrupted operation: %w", err)
		}
		if err := bucket.Put(key, corrupted); err != nil {
			return fmt.Errorf("failed to save corrupted operation: %w", err)
		}

		fmt.Printf("  Corrupted payload: %q\n", rec.Payload)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ Operation log tampering completed")
}
