// Package cursor implements the (timestamp, sha|rev) watermark that marks the
// last ingested record of an incremental source. Advancement is strictly
// monotonic so that a re-run can never move a cursor backwards.
package cursor

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"go.engram.dev/engram/go/skerr"
)

// Cursor is the persisted watermark for one repo. For git-style sources SHA
// holds a commit hash; for SVN it holds "r<N>". Count is a running total of
// records ingested under this cursor, informational only.
type Cursor struct {
	Timestamp string `json:"ts"`
	SHA       string `json:"sha"`
	Count     int64  `json:"count,omitempty"`
}

// IsZero reports whether the cursor has never been set.
func (c Cursor) IsZero() bool {
	return c.Timestamp == "" && c.SHA == ""
}

// parseTimestamp accepts RFC 3339 with either "Z" or a numeric offset; the
// two spellings of UTC compare equal.
func parseTimestamp(ts string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}, skerr.Wrapf(err, "parsing cursor timestamp %q", ts)
	}
	return t.UTC(), nil
}

// Compare orders two cursors. Timestamps order first; ties break on SHA
// ascending. Returns -1, 0 or +1. Unparseable timestamps order by raw string
// so the comparison stays total.
func Compare(a, b Cursor) int {
	at, aerr := parseTimestamp(a.Timestamp)
	bt, berr := parseTimestamp(b.Timestamp)
	if aerr == nil && berr == nil {
		if at.Before(bt) {
			return -1
		}
		if at.After(bt) {
			return 1
		}
	} else if c := strings.Compare(a.Timestamp, b.Timestamp); c != 0 {
		return c
	}
	return strings.Compare(a.SHA, b.SHA)
}

// ShouldAdvance reports whether the watermark may move from old to new. The
// move is allowed iff new is strictly greater than old under Compare. An
// unset old cursor always advances.
func ShouldAdvance(old, new Cursor) bool {
	if new.IsZero() {
		return false
	}
	if old.IsZero() {
		return true
	}
	return Compare(new, old) > 0
}

// Encode serializes the cursor for KV storage.
func (c Cursor) Encode() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return b, nil
}

// Decode deserializes a cursor written by Encode. An empty input yields the
// zero cursor.
func Decode(b []byte) (Cursor, error) {
	if len(b) == 0 {
		return Cursor{}, nil
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return Cursor{}, skerr.Wrapf(err, "decoding cursor %q", string(b))
	}
	return c, nil
}

// KVKey returns the KV key under which the cursor for the given repo is
// stored, e.g. "gitlab_cursor:7" or "svn_cursor:3".
func KVKey(repoType string, repoID int64) string {
	prefix := "gitlab_cursor"
	if repoType == "svn" {
		prefix = "svn_cursor"
	}
	return prefix + ":" + strconv.FormatInt(repoID, 10)
}
