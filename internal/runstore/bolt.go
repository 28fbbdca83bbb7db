package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"backend-runsync/internal/run"
)

var runsBucket = []byte("runs")

var ErrStoreLocked = errors.New("run store is locked by another process")

// Bolt keeps sessions in a local bbolt file, one JSON value per id.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	var fileMode fs.FileMode = 0o600

	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, ErrStoreLocked
		}
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) Save(_ context.Context, s run.Session) (run.Session, error) {
	value, err := json.Marshal(s)
	if err != nil {
		return run.Session{}, err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Put([]byte(s.ID), value)
	})
	if err != nil {
		return run.Session{}, err
	}
	return s, nil
}

func (b *Bolt) Fetch(_ context.Context, id string) (*run.Session, error) {
	var s *run.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(runsBucket).Get([]byte(id))
		if len(value) == 0 {
			return nil
		}
		s = &run.Session{}
		return json.Unmarshal(value, s)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// FetchAll returns the owner's sessions, newest first.
func (b *Bolt) FetchAll(_ context.Context, ownerID string) ([]run.Session, error) {
	var sessions []run.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).ForEach(func(_, v []byte) error {
			var s run.Session
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if s.OwnerID == ownerID {
				sessions = append(sessions, s)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
	return sessions, nil
}

func (b *Bolt) Delete(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Delete([]byte(id))
	})
}
