package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/berth/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketContainers = []byte("containers")
	bucketNetworks   = []byte("networks")
	bucketQuotas     = []byte("quotas")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "berth.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketContainers, bucketNetworks, bucketQuotas} {
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

func put(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getContainer(tx *bolt.Tx, id string) (*types.ContainerRecord, error) {
	data := tx.Bucket(bucketContainers).Get([]byte(id))
	if data == nil {
		return nil, types.NotFoundf("get container", id)
	}
	var c types.ContainerRecord
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode container %s: %w", id, err)
	}
	return &c, nil
}

func getNetwork(tx *bolt.Tx, id string) (*types.NetworkRecord, error) {
	data := tx.Bucket(bucketNetworks).Get([]byte(id))
	if data == nil {
		return nil, types.NotFoundf("get network", id)
	}
	var n types.NetworkRecord
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decode network %s: %w", id, err)
	}
	return &n, nil
}

// Container operations
func (s *BoltStore) CreateContainer(c *types.ContainerRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		if b.Get([]byte(c.ID)) != nil {
			return types.ConflictF("create container", "container %s already tracked", c.ID)
		}
		return put(b, c.ID, c)
	})
}

func (s *BoltStore) PutContainer(c *types.ContainerRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketContainers), c.ID, c)
	})
}

func (s *BoltStore) GetContainer(id string) (*types.ContainerRecord, error) {
	var c *types.ContainerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = getContainer(tx, id)
		return err
	})
	return c, err
}

func (s *BoltStore) listContainers(match func(*types.ContainerRecord) bool) ([]*types.ContainerRecord, error) {
	var containers []*types.ContainerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var c types.ContainerRecord
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if match == nil || match(&c) {
				containers = append(containers, &c)
			}
			return nil
		})
	})
	sortContainers(containers)
	return containers, err
}

func (s *BoltStore) ListContainers() ([]*types.ContainerRecord, error) {
	return s.listContainers(nil)
}

func (s *BoltStore) ListContainersByOwner(owner string) ([]*types.ContainerRecord, error) {
	return s.listContainers(func(c *types.ContainerRecord) bool { return c.Owner == owner })
}

func (s *BoltStore) ListContainersByEngine(engine types.Engine) ([]*types.ContainerRecord, error) {
	return s.listContainers(func(c *types.ContainerRecord) bool { return c.Engine == engine })
}

func (s *BoltStore) MutateContainer(id string, fn ContainerMutator) (*types.ContainerRecord, error) {
	var out *types.ContainerRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		c, err := getContainer(tx, id)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			if errors.Is(err, ErrSkipWrite) {
				out, _ = getContainer(tx, id)
				return nil
			}
			return err
		}
		out = c
		return put(tx.Bucket(bucketContainers), id, c)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) DeleteContainer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c, err := getContainer(tx, id)
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		nb := tx.Bucket(bucketNetworks)
		for _, netID := range c.Networks {
			n, err := getNetwork(tx, netID)
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if n.RemoveContainer(id) {
				if err := put(nb, n.ID, n); err != nil {
					return err
				}
			}
		}
		return tx.Bucket(bucketContainers).Delete([]byte(id))
	})
}

// Network operations
func (s *BoltStore) CreateNetwork(n *types.NetworkRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		if b.Get([]byte(n.ID)) != nil {
			return types.ConflictF("create network", "network %s already tracked", n.ID)
		}
		return put(b, n.ID, n)
	})
}

func (s *BoltStore) GetNetwork(id string) (*types.NetworkRecord, error) {
	var n *types.NetworkRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		n, err = getNetwork(tx, id)
		return err
	})
	return n, err
}

func (s *BoltStore) listNetworks(match func(*types.NetworkRecord) bool) ([]*types.NetworkRecord, error) {
	var networks []*types.NetworkRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNetworks).ForEach(func(k, v []byte) error {
			var n types.NetworkRecord
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if match == nil || match(&n) {
				networks = append(networks, &n)
			}
			return nil
		})
	})
	sortNetworks(networks)
	return networks, err
}

func (s *BoltStore) ListNetworks() ([]*types.NetworkRecord, error) {
	return s.listNetworks(nil)
}

func (s *BoltStore) ListNetworksByEngine(engine types.Engine) ([]*types.NetworkRecord, error) {
	return s.listNetworks(func(n *types.NetworkRecord) bool { return n.Engine == engine })
}

func (s *BoltStore) MutateNetwork(id string, fn NetworkMutator) (*types.NetworkRecord, error) {
	var out *types.NetworkRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		n, err := getNetwork(tx, id)
		if err != nil {
			return err
		}
		if err := fn(n); err != nil {
			if errors.Is(err, ErrSkipWrite) {
				out, _ = getNetwork(tx, id)
				return nil
			}
			return err
		}
		out = n
		return put(tx.Bucket(bucketNetworks), id, n)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) DeleteNetwork(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNetworks).Delete([]byte(id))
	})
}

func (s *BoltStore) LinkContainerNetwork(containerID, networkID string, attach bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c, err := getContainer(tx, containerID)
		if err != nil {
			return err
		}
		n, err := getNetwork(tx, networkID)
		if err != nil {
			return err
		}
		if !link(c, n, attach) {
			return nil
		}
		if err := put(tx.Bucket(bucketContainers), c.ID, c); err != nil {
			return err
		}
		return put(tx.Bucket(bucketNetworks), n.ID, n)
	})
}

// Quota operations
func (s *BoltStore) GetQuota(owner string) (*types.QuotaProfile, error) {
	var p types.QuotaProfile
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketQuotas).Get([]byte(owner))
		if data == nil {
			return types.NotFoundf("get quota", owner)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) PutQuota(p *types.QuotaProfile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketQuotas), p.Owner, p)
	})
}

func (s *BoltStore) ListQuotas() ([]*types.QuotaProfile, error) {
	var profiles []*types.QuotaProfile
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQuotas).ForEach(func(k, v []byte) error {
			var p types.QuotaProfile
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			profiles = append(profiles, &p)
			return nil
		})
	})
	return profiles, err
}
