package healthstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"walletnet/internal/pool"
)

/*
 * Schema:
 *
 * - health
 *   - <network> bucket
 *     - <endpoint key> -> JSON pool.Snapshot
 */

var healthBucket = []byte("health")

// Store persists pool health snapshots in a bbolt file, one bucket per network
type Store struct {
	db      *bbolt.DB
	network []byte
}

var _ pool.HealthStore = (*Store)(nil)

// Open opens or creates the database at path
func Open(path, network string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open health store %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(healthBucket)
		if err != nil {
			return err
		}
		_, err = root.CreateBucketIfNotExists([]byte(network))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create health buckets: %w", err)
	}

	return &Store{db: db, network: []byte(network)}, nil
}

// Load returns every stored snapshot
func (s *Store) Load() (map[string]pool.Snapshot, error) {
	result := make(map[string]pool.Snapshot)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(healthBucket).Bucket(s.network)
		return bkt.ForEach(func(k, v []byte) error {
			var snap pool.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("failed to decode snapshot %s: %w", k, err)
			}
			result[string(k)] = snap
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Save replaces the stored snapshots with snapshots
func (s *Store) Save(snapshots map[string]pool.Snapshot) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(healthBucket)
		if err := root.DeleteBucket(s.network); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		bkt, err := root.CreateBucket(s.network)
		if err != nil {
			return err
		}
		for key, snap := range snapshots {
			b, err := json.Marshal(snap)
			if err != nil {
				return fmt.Errorf("failed to encode snapshot %s: %w", key, err)
			}
			if err := bkt.Put([]byte(key), b); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database file
func (s *Store) Close() error {
	return s.db.Close()
}
