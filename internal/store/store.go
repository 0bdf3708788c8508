// Package store implements optional persistence of run artifacts and
// monitoring snapshots, grounded on the teacher's chain/node.Blockchain:
// a goleveldb-backed key-value store, JSON-encoding each record under a
// string key, opened against a data directory much like
// NewBlockchain opens "blockchain.db" under dataDir.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store persists run artifacts and snapshots keyed by run id and
// sequence number.
type Store struct {
	db *leveldb.DB
}

// Open creates the data directory if needed and opens (or creates) the
// leveldb database at <dataDir>/collabsim.db.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "collabsim.db")
	db, err := leveldb.OpenFile(dbPath, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func artifactKey(runID string) []byte {
	return []byte("artifact-" + runID)
}

func snapshotKey(runID string, seq int) []byte {
	return []byte(fmt.Sprintf("snapshot-%s-%012d", runID, seq))
}

// PutArtifact stores the final RunArtifact for a run, overwriting any
// prior artifact under the same runID.
func (s *Store) PutArtifact(runID string, artifact any) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("store: marshal artifact: %w", err)
	}
	return s.db.Put(artifactKey(runID), data, nil)
}

// GetArtifact loads a previously stored RunArtifact into out, a pointer
// to a struct shaped like internal/driver.RunArtifact.
func (s *Store) GetArtifact(runID string, out any) error {
	data, err := s.db.Get(artifactKey(runID), nil)
	if err != nil {
		return fmt.Errorf("store: artifact %s not found: %w", runID, err)
	}
	return json.Unmarshal(data, out)
}

// PutSnapshot appends one monitoring snapshot to a run's history.
func (s *Store) PutSnapshot(runID string, seq int, snapshot any) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	return s.db.Put(snapshotKey(runID, seq), data, nil)
}

// ListSnapshots returns every snapshot recorded for runID, in sequence
// order, each as its raw stored JSON (callers decode it into whatever type
// they need).
func (s *Store) ListSnapshots(runID string) ([]json.RawMessage, error) {
	prefix := []byte("snapshot-" + runID + "-")
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []json.RawMessage
	for iter.Next() {
		raw := make(json.RawMessage, len(iter.Value()))
		copy(raw, iter.Value())
		out = append(out, raw)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: iterate snapshots: %w", err)
	}
	return out, nil
}
