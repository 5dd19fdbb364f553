package bolt

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	bolt "go.etcd.io/bbolt"

	"github.com/jaym/goor/grain"
)

var bucketName = []byte("grain-state")

// Storage keeps grain state in a bbolt file. bbolt allows a single
// process to hold the file, so it suits in-process workers or a file per
// worker.
type Storage struct {
	log logr.Logger
	db  *bolt.DB
}

func Open(log logr.Logger, path string) (*Storage, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating state bucket")
	}
	return &Storage{log: log, db: db}, nil
}

// Factory opens path on first use and hands the same Storage to every
// caller after that.
func Factory(log logr.Logger, path string) grain.StorageFactory {
	var lock sync.Mutex
	var s *Storage
	return func() (grain.Storage, error) {
		lock.Lock()
		defer lock.Unlock()
		if s != nil {
			return s, nil
		}
		var err error
		s, err = Open(log, path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func key(identity grain.Identity) []byte {
	return []byte(identity.String())
}

func (s *Storage) Read(ctx context.Context, identity grain.Identity) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key(identity))
		if v == nil {
			return errors.WithDetailf(grain.ErrStateNotFound, "%s", identity)
		}
		// v is only valid for the life of the transaction
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (s *Storage) Write(ctx context.Context, identity grain.Identity, data []byte) error {
	s.log.V(5).Info("writing grain state", "identity", identity, "size", len(data))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key(identity), data)
	})
}

func (s *Storage) Clear(ctx context.Context, identity grain.Identity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key(identity))
	})
}

func (s *Storage) Close() error {
	return s.db.Close()
}
