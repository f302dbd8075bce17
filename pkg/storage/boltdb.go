package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foamflask/foamflask/pkg/types"
)

var (
	// Bucket names
	bucketRuns     = []byte("runs")
	bucketSettings = []byte("settings")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) <dataDir>/foamflask.db
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "foamflask.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Run operations

func (s *BoltStore) CreateRun(run *types.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run has no id")
	}
	return s.put(bucketRuns, run.ID, run)
}

func (s *BoltStore) GetRun(id string) (*types.Run, error) {
	var run types.Run
	if err := s.get(bucketRuns, id, &run); err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}
	return &run, nil
}

// ListRuns returns every run, newest first
func (s *BoltStore) ListRuns() ([]*types.Run, error) {
	return s.listRuns(func(*types.Run) bool { return true })
}

// ListRunsByCase returns the runs of one case, newest first
func (s *BoltStore) ListRunsByCase(caseName string) ([]*types.Run, error) {
	return s.listRuns(func(r *types.Run) bool { return r.CaseName == caseName })
}

func (s *BoltStore) listRuns(keep func(*types.Run) bool) ([]*types.Run, error) {
	var runs []*types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run types.Run
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("failed to decode run %s: %w", k, err)
			}
			if keep(&run) {
				runs = append(runs, &run)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartTime.After(runs[j].StartTime)
	})
	return runs, nil
}

// UpdateRun replaces a stored run
func (s *BoltStore) UpdateRun(run *types.Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b.Get([]byte(run.ID)) == nil {
			return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
		}
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put([]byte(run.ID), data)
	})
}

func (s *BoltStore) DeleteRun(id string) error {
	return s.delete(bucketRuns, id)
}

// Settings operations

func (s *BoltStore) GetSettings(caseName string) (*types.Settings, error) {
	var settings types.Settings
	if err := s.get(bucketSettings, caseName, &settings); err != nil {
		return nil, fmt.Errorf("settings for %s: %w", caseName, err)
	}
	return &settings, nil
}

// SaveSettings upserts the settings of settings.Case and stamps UpdatedAt
func (s *BoltStore) SaveSettings(settings *types.Settings) error {
	if settings.Case == "" {
		return fmt.Errorf("settings have no case")
	}
	settings.UpdatedAt = time.Now().UTC()
	return s.put(bucketSettings, settings.Case, settings)
}

func (s *BoltStore) DeleteSettings(caseName string) error {
	return s.delete(bucketSettings, caseName)
}

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

// delete is a no-op for missing keys
func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}
