// Package storage implements the per-run scratch store for processed
// clusters. Clusters are written once at ingestion and read back many times
// by candidate lookups; the store is wiped at subsystem start and deleted
// at shutdown. It is not an archival store and its on-disk format is
// private to a run.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/loopclosure/cluster"
)

// Store maps a cluster id to its serialized feature data in a badger
// database under a fresh per-run directory. It is owned by the loop-closing
// thread and needs no locking of its own.
type Store struct {
	dir    string
	db     *badger.DB
	logger golog.Logger
}

// record is the stored shape of a cluster. Field names follow the wire
// names of the cluster message.
type record struct {
	FrameID     int          `json:"frame_id"`
	Keypoints   [][2]float64 `json:"kp"`
	Descriptors [][]float64  `json:"desc"`
	Points      [][3]float64 `json:"points"`
}

// NewStore wipes and recreates dir, then opens the database inside it.
// Failure here is fatal for the subsystem: it cannot run without its
// scratch store.
func NewStore(dir string, logger golog.Logger) (*Store, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, errors.Wrapf(err, "cannot clear cluster store directory %q", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "cannot create cluster store directory %q", dir)
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open cluster store in %q", dir)
	}
	return &Store{dir: dir, db: db, logger: logger}, nil
}

// Put serializes the cluster's frame id, keypoints, descriptors and world
// points keyed by the cluster id. Each cluster is written exactly once.
func (s *Store) Put(c *cluster.Cluster) error {
	rec := record{
		FrameID:     c.FrameID,
		Keypoints:   make([][2]float64, len(c.Keypoints)),
		Descriptors: make([][]float64, len(c.Descriptors)),
		Points:      make([][3]float64, len(c.WorldPoints)),
	}
	for i, kp := range c.Keypoints {
		rec.Keypoints[i] = [2]float64{kp.X, kp.Y}
	}
	for i, d := range c.Descriptors {
		rec.Descriptors[i] = d
	}
	for i, p := range c.WorldPoints {
		rec.Points[i] = [3]float64{p.X, p.Y, p.Z}
	}
	raw, err := json.Marshal(&rec)
	if err != nil {
		return errors.Wrapf(err, "cannot serialize cluster %d", c.ID)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(c.ID), s2.Encode(nil, raw))
	})
}

// Get returns the stored cluster, or the empty sentinel if the id is absent
// or the record cannot be decoded. A missing cluster is a normal, expected
// condition during startup races and never surfaces as an error.
func (s *Store) Get(id int) *cluster.Cluster {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return cluster.NewEmptyCluster(id)
	}
	if err != nil {
		s.logger.Debugw("cluster read failed", "id", id, "error", err)
		return cluster.NewEmptyCluster(id)
	}
	decoded, err := s2.Decode(nil, raw)
	if err != nil {
		s.logger.Debugw("cluster record corrupt", "id", id, "error", err)
		return cluster.NewEmptyCluster(id)
	}
	var rec record
	if err := json.Unmarshal(decoded, &rec); err != nil {
		s.logger.Debugw("cluster record corrupt", "id", id, "error", err)
		return cluster.NewEmptyCluster(id)
	}

	kps := make([]r2.Point, len(rec.Keypoints))
	for i, kp := range rec.Keypoints {
		kps[i] = r2.Point{X: kp[0], Y: kp[1]}
	}
	descs := make([]cluster.Descriptor, len(rec.Descriptors))
	for i, d := range rec.Descriptors {
		descs[i] = d
	}
	points := make([]r3.Vector, len(rec.Points))
	for i, p := range rec.Points {
		points[i] = r3.Vector{X: p[0], Y: p[1], Z: p[2]}
	}
	return &cluster.Cluster{
		ID:          id,
		FrameID:     rec.FrameID,
		Keypoints:   kps,
		Descriptors: descs,
		WorldPoints: points,
	}
}

// Close releases the database and removes the scratch directory.
func (s *Store) Close() error {
	return multierr.Combine(s.db.Close(), os.RemoveAll(s.dir))
}

func key(id int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}
