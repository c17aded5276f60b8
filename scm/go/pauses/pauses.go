// Package pauses records per-(repo, job type) sync pauses in the
// scm.sync_pauses health namespace. The worker writes a pause when an attempt
// fails with a backpressure category, the scheduler skips paused pairs, and
// the metrics surface counts active pauses by reason code.
package pauses

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/scm/go/store"
	"go.engram.dev/engram/scm/go/types"
)

// Namespace is the health KV namespace holding pause entries.
const Namespace = "scm.sync_pauses"

// Key builds the health KV key for one (repo, job type) pair.
func Key(repoID int64, jobType string) string {
	return strconv.FormatInt(repoID, 10) + ":" + jobType
}

// Put upserts the pause for its (repo, job type) pair.
func Put(ctx context.Context, st store.Store, p *types.HealthPause) error {
	err := st.PutHealth(ctx, Namespace, Key(p.RepoID, p.JobType), encode(p))
	return skerr.Wrapf(err, "recording pause for repo %d %s", p.RepoID, p.JobType)
}

// Active returns the pause for the pair if one exists and has not lapsed at
// ts, else nil.
func Active(ctx context.Context, st store.Store, repoID int64, jobType string, ts time.Time) (*types.HealthPause, error) {
	value, err := st.GetHealth(ctx, Namespace, Key(repoID, jobType))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "loading pause for repo %d %s", repoID, jobType)
	}
	p := decode(value)
	if !p.PausedUntil.After(ts) {
		return nil, nil
	}
	return p, nil
}

// ListActive returns all pauses still in effect at ts.
func ListActive(ctx context.Context, st store.Store, ts time.Time) ([]*types.HealthPause, error) {
	values, err := st.ListHealth(ctx, Namespace)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	var out []*types.HealthPause
	for _, value := range values {
		p := decode(value)
		if p.PausedUntil.After(ts) {
			out = append(out, p)
		}
	}
	return out, nil
}

func encode(p *types.HealthPause) map[string]interface{} {
	return map[string]interface{}{
		"repo_id":      p.RepoID,
		"job_type":     p.JobType,
		"reason_code":  p.ReasonCode,
		"reason":       p.Reason,
		"paused_at":    p.PausedAt.UTC().Format(time.RFC3339),
		"paused_until": p.PausedUntil.UTC().Format(time.RFC3339),
	}
}

func decode(value map[string]interface{}) *types.HealthPause {
	p := &types.HealthPause{}
	switch v := value["repo_id"].(type) {
	case float64:
		p.RepoID = int64(v)
	case int64:
		p.RepoID = v
	case int:
		p.RepoID = int64(v)
	}
	p.JobType, _ = value["job_type"].(string)
	p.ReasonCode, _ = value["reason_code"].(string)
	p.Reason, _ = value["reason"].(string)
	p.PausedAt = timeField(value, "paused_at")
	p.PausedUntil = timeField(value, "paused_until")
	return p
}

func timeField(m map[string]interface{}, key string) time.Time {
	s, ok := m[key].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
