package limiter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"go.engram.dev/engram/go/now"
	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/scm/go/types"
)

// SQLStore implements Store on the rate_limit_buckets table. Mutate holds
// the row FOR UPDATE so concurrent workers serialize on the bucket.
type SQLStore struct {
	db *pgxpool.Pool
}

// NewSQLStore returns a bucket store backed by the given pool.
func NewSQLStore(db *pgxpool.Pool) *SQLStore {
	return &SQLStore{db: db}
}

func newBucket(instanceKey string, ts time.Time) *types.RateLimitBucket {
	return &types.RateLimitBucket{
		InstanceKey: instanceKey,
		Tokens:      DefaultBurst,
		Rate:        DefaultRate,
		Burst:       DefaultBurst,
		UpdatedAt:   ts,
	}
}

// Mutate implements Store.
func (s *SQLStore) Mutate(ctx context.Context, instanceKey string, fn func(b *types.RateLimitBucket) error) error {
	err := s.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		b := &types.RateLimitBucket{InstanceKey: instanceKey}
		var meta []byte
		err := tx.QueryRow(ctx, `
SELECT tokens, rate, burst, paused_until, meta_json, updated_at
FROM rate_limit_buckets WHERE instance_key = $1
FOR UPDATE`, instanceKey).Scan(&b.Tokens, &b.Rate, &b.Burst, &b.PausedUntil, &meta, &b.UpdatedAt)
		if err == pgx.ErrNoRows {
			b = newBucket(instanceKey, now.Now(ctx))
		} else if err != nil {
			return skerr.Wrap(err)
		} else if len(meta) > 0 {
			if err := json.Unmarshal(meta, &b.Meta); err != nil {
				return skerr.Wrapf(err, "corrupt bucket meta for %s", instanceKey)
			}
		}

		if err := fn(b); err != nil {
			return err
		}

		metaOut, err := json.Marshal(b.Meta)
		if err != nil {
			return skerr.Wrap(err)
		}
		if b.Meta == nil {
			metaOut = []byte("{}")
		}
		_, err = tx.Exec(ctx, `
INSERT INTO rate_limit_buckets (instance_key, tokens, rate, burst, paused_until, meta_json, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (instance_key) DO UPDATE
SET tokens = $2, rate = $3, burst = $4, paused_until = $5, meta_json = $6, updated_at = $7`,
			instanceKey, b.Tokens, b.Rate, b.Burst, b.PausedUntil, metaOut, b.UpdatedAt)
		return skerr.Wrap(err)
	})
	return skerr.Wrapf(err, "mutating bucket %s", instanceKey)
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, instanceKey string) (*types.RateLimitBucket, error) {
	b := &types.RateLimitBucket{InstanceKey: instanceKey}
	var meta []byte
	err := s.db.QueryRow(ctx, `
SELECT tokens, rate, burst, paused_until, meta_json, updated_at
FROM rate_limit_buckets WHERE instance_key = $1`, instanceKey).
		Scan(&b.Tokens, &b.Rate, &b.Burst, &b.PausedUntil, &meta, &b.UpdatedAt)
	if err == pgx.ErrNoRows {
		return newBucket(instanceKey, now.Now(ctx)), nil
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "loading bucket %s", instanceKey)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &b.Meta); err != nil {
			return nil, skerr.Wrapf(err, "corrupt bucket meta for %s", instanceKey)
		}
	}
	return b, nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context) ([]*types.RateLimitBucket, error) {
	rows, err := s.db.Query(ctx, `
SELECT instance_key, tokens, rate, burst, paused_until, meta_json, updated_at
FROM rate_limit_buckets ORDER BY instance_key ASC`)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	var out []*types.RateLimitBucket
	for rows.Next() {
		b := &types.RateLimitBucket{}
		var meta []byte
		if err := rows.Scan(&b.InstanceKey, &b.Tokens, &b.Rate, &b.Burst,
			&b.PausedUntil, &meta, &b.UpdatedAt); err != nil {
			return nil, skerr.Wrap(err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &b.Meta); err != nil {
				return nil, skerr.Wrapf(err, "corrupt bucket meta for %s", b.InstanceKey)
			}
		}
		out = append(out, b)
	}
	return out, skerr.Wrap(rows.Err())
}

var _ Store = (*SQLStore)(nil)
