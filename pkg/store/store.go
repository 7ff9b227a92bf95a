// Package store persists run records between broker restarts.
//
// Runs are stored in leveldb as JSON rows keyed by creation time and UUID,
// so a prefix scan returns them in creation order.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/stephendonner/loads-broker/pkg/api"
)

const runPrefix = "run"

var ErrNotFound = errors.New("run not found")

// Store wraps the leveldb handle.
type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening run store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store, for tests.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func runKey(r *api.Run) []byte {
	ts := fmt.Sprintf("%011d", r.CreatedAt.Unix())
	return []byte(strings.Join([]string{runPrefix, ts, r.UUID}, ":"))
}

// SaveRun writes the run row, overwriting any previous state.
func (s *Store) SaveRun(r *api.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Put(runKey(r), data, nil)
}

// GetRun loads one run by UUID.
func (s *Store) GetRun(uuid string) (*api.Run, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(runPrefix+":")), nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		if strings.HasSuffix(key, ":"+uuid) {
			r := new(api.Run)
			if err := json.Unmarshal(iter.Value(), r); err != nil {
				return nil, err
			}
			return r, nil
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

// ListRuns returns every stored run in creation order.
func (s *Store) ListRuns() ([]*api.Run, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(runPrefix+":")), nil)
	defer iter.Release()

	var out []*api.Run
	for iter.Next() {
		r := new(api.Run)
		if err := json.Unmarshal(iter.Value(), r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, iter.Error()
}
