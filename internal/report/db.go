package report

import (
	"context"
	"encoding/json"
	"fmt"
)

// SnapshotDB is the subset of postgres.Store used for snapshots.
type SnapshotDB interface {
	LoadSnapshot(ctx context.Context, name string) ([]byte, uint64, bool, error)
	SaveSnapshot(ctx context.Context, name string, block uint64, data []byte) error
}

// DBStore stores the snapshot in the sigma_snapshots table.
type DBStore struct {
	DB   SnapshotDB
	Name string
}

func (s *DBStore) Load(ctx context.Context) (Snapshot, bool, error) {
	if s == nil || s.DB == nil {
		return Snapshot{}, false, nil
	}
	data, _, ok, err := s.DB.LoadSnapshot(ctx, s.Name)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("parse snapshot %s: %w", s.Name, err)
	}
	return snap, true, nil
}

func (s *DBStore) Save(ctx context.Context, snapshot Snapshot) error {
	if s == nil || s.DB == nil {
		return nil
	}
	if snapshot.Name == "" {
		snapshot.Name = s.Name
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.DB.SaveSnapshot(ctx, s.Name, snapshot.Block, data)
}

// Multi saves to every store and loads from the first that has a snapshot.
type Multi []StateStore

func (m Multi) Load(ctx context.Context) (Snapshot, bool, error) {
	for _, store := range m {
		snap, ok, err := store.Load(ctx)
		if err != nil {
			return Snapshot{}, false, err
		}
		if ok {
			return snap, true, nil
		}
	}
	return Snapshot{}, false, nil
}

func (m Multi) Save(ctx context.Context, snapshot Snapshot) error {
	for _, store := range m {
		if err := store.Save(ctx, snapshot); err != nil {
			return err
		}
	}
	return nil
}
