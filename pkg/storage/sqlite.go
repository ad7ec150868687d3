package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/berth/pkg/types"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS containers (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	engine TEXT NOT NULL,
	created_at TEXT NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS containers_owner ON containers(owner);
CREATE INDEX IF NOT EXISTS containers_engine ON containers(engine);
CREATE TABLE IF NOT EXISTS networks (
	id TEXT PRIMARY KEY,
	engine TEXT NOT NULL,
	name TEXT NOT NULL,
	data TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS quotas (
	owner TEXT PRIMARY KEY,
	data TEXT NOT NULL
);`

// SQLiteStore implements Store on a single SQLite file. Records are stored as
// JSON documents with the columns needed for filtering pulled out.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and creates) berth.sqlite under dataDir
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	return OpenSQLite(filepath.Join(dataDir, "berth.sqlite"))
}

// OpenSQLite opens a SQLite store at path
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// One connection serializes read-modify-write transactions without SQLITE_BUSY upgrades.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize state schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Exec(query string, args ...any) (sql.Result, error)
}

func sqlGetContainer(q queryer, id string) (*types.ContainerRecord, error) {
	var raw string
	err := q.QueryRow(`SELECT data FROM containers WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("get container", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query container %s: %w", id, err)
	}
	var c types.ContainerRecord
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decode container %s: %w", id, err)
	}
	return &c, nil
}

func sqlPutContainer(q queryer, c *types.ContainerRecord) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = q.Exec(`
INSERT INTO containers (id, owner, engine, created_at, data) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET owner = excluded.owner, engine = excluded.engine, data = excluded.data`,
		c.ID, c.Owner, string(c.Engine), c.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), string(data))
	if err != nil {
		return fmt.Errorf("upsert container %s: %w", c.ID, err)
	}
	return nil
}

func sqlGetNetwork(q queryer, id string) (*types.NetworkRecord, error) {
	var raw string
	err := q.QueryRow(`SELECT data FROM networks WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("get network", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query network %s: %w", id, err)
	}
	var n types.NetworkRecord
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return nil, fmt.Errorf("decode network %s: %w", id, err)
	}
	return &n, nil
}

func sqlPutNetwork(q queryer, n *types.NetworkRecord) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = q.Exec(`
INSERT INTO networks (id, engine, name, data) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET engine = excluded.engine, name = excluded.name, data = excluded.data`,
		n.ID, string(n.Engine), n.Name, string(data))
	if err != nil {
		return fmt.Errorf("upsert network %s: %w", n.ID, err)
	}
	return nil
}

// inTx runs fn in a transaction, committing on nil
func (s *SQLiteStore) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin state transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) CreateContainer(c *types.ContainerRecord) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := sqlGetContainer(tx, c.ID)
		if err == nil {
			return types.ConflictF("create container", "container %s already tracked", c.ID)
		}
		if !errors.Is(err, types.ErrNotFound) {
			return err
		}
		return sqlPutContainer(tx, c)
	})
}

func (s *SQLiteStore) PutContainer(c *types.ContainerRecord) error {
	return sqlPutContainer(s.db, c)
}

func (s *SQLiteStore) GetContainer(id string) (*types.ContainerRecord, error) {
	return sqlGetContainer(s.db, id)
}

func (s *SQLiteStore) queryContainers(where string, args ...any) ([]*types.ContainerRecord, error) {
	rows, err := s.db.Query(`SELECT data FROM containers `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	defer rows.Close()

	var out []*types.ContainerRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan container row: %w", err)
		}
		var c types.ContainerRecord
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode container row: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate containers: %w", err)
	}
	sortContainers(out)
	return out, nil
}

func (s *SQLiteStore) ListContainers() ([]*types.ContainerRecord, error) {
	return s.queryContainers("")
}

func (s *SQLiteStore) ListContainersByOwner(owner string) ([]*types.ContainerRecord, error) {
	return s.queryContainers("WHERE owner = ?", owner)
}

func (s *SQLiteStore) ListContainersByEngine(engine types.Engine) ([]*types.ContainerRecord, error) {
	return s.queryContainers("WHERE engine = ?", string(engine))
}

func (s *SQLiteStore) MutateContainer(id string, fn ContainerMutator) (*types.ContainerRecord, error) {
	var out *types.ContainerRecord
	err := s.inTx(func(tx *sql.Tx) error {
		c, err := sqlGetContainer(tx, id)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			if errors.Is(err, ErrSkipWrite) {
				out, err = sqlGetContainer(tx, id)
				return err
			}
			return err
		}
		out = c
		return sqlPutContainer(tx, c)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) DeleteContainer(id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		c, err := sqlGetContainer(tx, id)
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, netID := range c.Networks {
			n, err := sqlGetNetwork(tx, netID)
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if n.RemoveContainer(id) {
				if err := sqlPutNetwork(tx, n); err != nil {
					return err
				}
			}
		}
		if _, err := tx.Exec(`DELETE FROM containers WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete container %s: %w", id, err)
		}
		return nil
	})
}

func (s *SQLiteStore) CreateNetwork(n *types.NetworkRecord) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO networks (id, engine, name, data) VALUES (?, ?, ?, ?)`,
		n.ID, string(n.Engine), n.Name, string(data))
	if isUniqueViolation(err) {
		return types.ConflictF("create network", "network %s already tracked", n.ID)
	}
	if err != nil {
		return fmt.Errorf("insert network %s: %w", n.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetNetwork(id string) (*types.NetworkRecord, error) {
	return sqlGetNetwork(s.db, id)
}

func (s *SQLiteStore) queryNetworks(where string, args ...any) ([]*types.NetworkRecord, error) {
	rows, err := s.db.Query(`SELECT data FROM networks `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	defer rows.Close()

	var out []*types.NetworkRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan network row: %w", err)
		}
		var n types.NetworkRecord
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			return nil, fmt.Errorf("decode network row: %w", err)
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate networks: %w", err)
	}
	sortNetworks(out)
	return out, nil
}

func (s *SQLiteStore) ListNetworks() ([]*types.NetworkRecord, error) {
	return s.queryNetworks("")
}

func (s *SQLiteStore) ListNetworksByEngine(engine types.Engine) ([]*types.NetworkRecord, error) {
	return s.queryNetworks("WHERE engine = ?", string(engine))
}

func (s *SQLiteStore) MutateNetwork(id string, fn NetworkMutator) (*types.NetworkRecord, error) {
	var out *types.NetworkRecord
	err := s.inTx(func(tx *sql.Tx) error {
		n, err := sqlGetNetwork(tx, id)
		if err != nil {
			return err
		}
		if err := fn(n); err != nil {
			if errors.Is(err, ErrSkipWrite) {
				out, err = sqlGetNetwork(tx, id)
				return err
			}
			return err
		}
		out = n
		return sqlPutNetwork(tx, n)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) DeleteNetwork(id string) error {
	if _, err := s.db.Exec(`DELETE FROM networks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete network %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) LinkContainerNetwork(containerID, networkID string, attach bool) error {
	return s.inTx(func(tx *sql.Tx) error {
		c, err := sqlGetContainer(tx, containerID)
		if err != nil {
			return err
		}
		n, err := sqlGetNetwork(tx, networkID)
		if err != nil {
			return err
		}
		if !link(c, n, attach) {
			return nil
		}
		if err := sqlPutContainer(tx, c); err != nil {
			return err
		}
		return sqlPutNetwork(tx, n)
	})
}

func (s *SQLiteStore) GetQuota(owner string) (*types.QuotaProfile, error) {
	var raw string
	err := s.db.QueryRow(`SELECT data FROM quotas WHERE owner = ?`, owner).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("get quota", owner)
	}
	if err != nil {
		return nil, fmt.Errorf("query quota %s: %w", owner, err)
	}
	var p types.QuotaProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode quota %s: %w", owner, err)
	}
	return &p, nil
}

func (s *SQLiteStore) PutQuota(p *types.QuotaProfile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
INSERT INTO quotas (owner, data) VALUES (?, ?)
ON CONFLICT(owner) DO UPDATE SET data = excluded.data`, p.Owner, string(data))
	if err != nil {
		return fmt.Errorf("upsert quota %s: %w", p.Owner, err)
	}
	return nil
}

func (s *SQLiteStore) ListQuotas() ([]*types.QuotaProfile, error) {
	rows, err := s.db.Query(`SELECT data FROM quotas ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("list quotas: %w", err)
	}
	defer rows.Close()

	var out []*types.QuotaProfile
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan quota row: %w", err)
		}
		var p types.QuotaProfile
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode quota row: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quotas: %w", err)
	}
	return out, nil
}

// Open returns the store implementation named by driver ("bolt" or "sqlite")
func Open(driver, dataDir string) (Store, error) {
	switch driver {
	case "", "bolt", "boltdb":
		return NewBoltStore(dataDir)
	case "sqlite":
		return NewSQLiteStore(dataDir)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
