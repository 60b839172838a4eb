// Package storage provides the donor repositories the analytics engine reads
// from. Store keeps donor records in BoltDB and is the default backend;
// PostgresRepository reads them from a relational schema; MemoryRepository
// serves a fixed population for tests and backtests.
//
// Store also keeps a time-ordered history of prediction snapshots per donor
// so dashboards can chart how a donor's outlook evolves across model
// versions.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"donor-insights/internal/donor"

	"go.etcd.io/bbolt"
)

const (
	donorsBucket      = "donors"      // Bucket name for donor records keyed by id
	predictionsBucket = "predictions" // Bucket name for prediction snapshots
)

// DatabaseFile is the BoltDB file name inside the data path.
const DatabaseFile = "donor-insights.db"

// Store provides persistent storage for donor records using BoltDB.
// It implements donor.Repository.
type Store struct {
	db *bbolt.DB // BoltDB database instance
}

// New creates a new storage instance with the specified data path.
// It initializes the BoltDB database and creates necessary buckets.
// Returns an error if the database cannot be opened or buckets cannot be created.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, DatabaseFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(donorsBucket)); err != nil {
			return fmt.Errorf("create donors bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(predictionsBucket)); err != nil {
			return fmt.Errorf("create predictions bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
// It should be called when the storage is no longer needed to ensure
// proper cleanup of database resources.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// PutDonors inserts or replaces donor records in one transaction. Donations
// are stored in chronological order.
func (s *Store) PutDonors(records ...donor.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(donorsBucket))
		for _, r := range records {
			if r.ID == "" {
				return errors.New("donor record has no id")
			}
			r.Donations = append([]donor.Donation(nil), r.Donations...)
			r.SortDonations()

			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal donor %s: %w", r.ID, err)
			}
			if err := b.Put([]byte(r.ID), data); err != nil {
				return fmt.Errorf("put donor %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// DeleteDonor removes a donor record and its prediction history.
func (s *Store) DeleteDonor(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(donorsBucket)).Delete([]byte(id)); err != nil {
			return err
		}
		b := tx.Bucket([]byte(predictionsBucket))
		c := b.Cursor()
		prefix := snapshotPrefix(id)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountDonors returns the number of stored donor records.
func (s *Store) CountDonors() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(donorsBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

// GetAllDonors returns every stored donor in id order.
func (s *Store) GetAllDonors(ctx context.Context) ([]donor.Record, error) {
	var records []donor.Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(donorsBucket)).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var r donor.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshal donor %s: %w", k, err)
			}
			records = append(records, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetDonorByID returns one donor record, or an error wrapping
// donor.ErrNotFound.
func (s *Store) GetDonorByID(ctx context.Context, id string) (donor.Record, error) {
	if err := ctx.Err(); err != nil {
		return donor.Record{}, err
	}

	var r donor.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(donorsBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("donor %s: %w", id, donor.ErrNotFound)
		}
		return json.Unmarshal(data, &r)
	})
	return r, err
}
