package breaker

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"go.engram.dev/engram/go/now"
	"go.engram.dev/engram/go/skerr"
)

// SQLStore implements Store on the health_kv table, namespace scm.sync_health.
type SQLStore struct {
	db *pgxpool.Pool
}

// NewSQLStore returns a circuit store backed by the given pool.
func NewSQLStore(db *pgxpool.Pool) *SQLStore {
	return &SQLStore{db: db}
}

// Mutate implements Store.
func (s *SQLStore) Mutate(ctx context.Context, key string, fn func(value map[string]interface{}) (map[string]interface{}, error)) error {
	err := s.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx, `
SELECT value FROM health_kv WHERE namespace = $1 AND key = $2
FOR UPDATE`, Namespace, key).Scan(&raw)
		var value map[string]interface{}
		if err == pgx.ErrNoRows {
			value = nil
		} else if err != nil {
			return skerr.Wrap(err)
		} else if err := json.Unmarshal(raw, &value); err != nil {
			return skerr.Wrapf(err, "corrupt circuit state for %s", key)
		}

		next, err := fn(value)
		if err != nil {
			return err
		}
		out, err := json.Marshal(next)
		if err != nil {
			return skerr.Wrap(err)
		}
		_, err = tx.Exec(ctx, `
INSERT INTO health_kv (namespace, key, value, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (namespace, key) DO UPDATE SET value = $3, updated_at = $4`,
			Namespace, key, out, now.Now(ctx))
		return skerr.Wrap(err)
	})
	return skerr.Wrapf(err, "mutating circuit %s", key)
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, key string) (map[string]interface{}, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `
SELECT value FROM health_kv WHERE namespace = $1 AND key = $2`, Namespace, key).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	var value map[string]interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, skerr.Wrapf(err, "corrupt circuit state for %s", key)
	}
	return value, nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context) (map[string]map[string]interface{}, error) {
	rows, err := s.db.Query(ctx, `
SELECT key, value FROM health_kv WHERE namespace = $1`, Namespace)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	out := map[string]map[string]interface{}{}
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, skerr.Wrap(err)
		}
		var value map[string]interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, skerr.Wrapf(err, "corrupt circuit state for %s", key)
		}
		out[key] = value
	}
	return out, rows.Err()
}

var _ Store = (*SQLStore)(nil)
