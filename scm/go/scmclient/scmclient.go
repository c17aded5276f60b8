// Package scmclient defines the thin client contracts the sync handlers call
// into, plus the translation of transport failures into the canonical error
// categories. Concrete protocol clients implement these interfaces; tests use
// fakes.
package scmclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/scm/go/result"
)

// Commit is one commit as reported by a GitLab-style API.
type Commit struct {
	SHA         string
	Author      string
	Message     string
	CommittedAt time.Time
}

// MergeRequest is one merge request as reported by a GitLab-style API.
type MergeRequest struct {
	IID       int64
	Title     string
	Author    string
	State     string
	UpdatedAt time.Time
	SHA       string
}

// LogEntry is one subversion revision from svn log.
type LogEntry struct {
	Rev         int64
	Author      string
	Message     string
	CommittedAt time.Time
}

// ListOptions select the window and page size for an incremental fetch.
type ListOptions struct {
	// Since excludes records at or before this timestamp; zero means from
	// the beginning.
	Since time.Time
	// AfterSHA breaks ties at Since: records with the same timestamp and a
	// SHA <= AfterSHA are excluded.
	AfterSHA string
	// PageSize bounds one page. 0 means the client default.
	PageSize int
	// Page is the 1-based page number.
	Page int
}

// CommitPage is one page of commits plus the request stats it cost.
type CommitPage struct {
	Commits []Commit
	HasMore bool
	Stats   result.RequestStats
}

// MergeRequestPage is one page of merge requests.
type MergeRequestPage struct {
	MergeRequests []MergeRequest
	HasMore       bool
	Stats         result.RequestStats
}

// LogPage is one page of svn log entries.
type LogPage struct {
	Entries []LogEntry
	HasMore bool
	Stats   result.RequestStats
}

// Diff is the patch content of one commit or revision.
type Diff struct {
	Patch     []byte
	FileCount int
	Stats     result.RequestStats
}

// GitLab lists commits and merge requests of one project and fetches commit
// diffs.
type GitLab interface {
	ListCommits(ctx context.Context, repoURL string, opts ListOptions) (*CommitPage, error)
	ListMergeRequests(ctx context.Context, repoURL string, opts ListOptions) (*MergeRequestPage, error)
	GetCommitDiff(ctx context.Context, repoURL, sha string) (*Diff, error)
}

// SVN reads the revision log and per-revision diffs of one repository.
type SVN interface {
	Log(ctx context.Context, repoURL string, startRev int64, limit int) (*LogPage, error)
	Diff(ctx context.Context, repoURL string, rev int64) (*Diff, error)
}

// StatusError is an HTTP-level failure from an SCM API.
type StatusError struct {
	StatusCode int
	// RetryAfter is the server-provided backoff on 429 responses; zero when
	// absent.
	RetryAfter time.Duration
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
}

// Categorize maps a client error onto the closed error-category set.
func Categorize(err error) result.ErrorCategory {
	if err == nil {
		return ""
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized:
			return result.CategoryAuthInvalid
		case statusErr.StatusCode == http.StatusForbidden:
			return result.CategoryPermissionDenied
		case statusErr.StatusCode == http.StatusNotFound:
			return result.CategoryRepoNotFound
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return result.CategoryRateLimit
		case statusErr.StatusCode == http.StatusRequestTimeout:
			return result.CategoryTimeout
		case statusErr.StatusCode >= 500:
			return result.CategoryServerError
		default:
			return result.CategoryUnknown
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return result.CategoryTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return result.CategoryTimeout
		}
		return result.CategoryConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return result.CategoryTimeout
		}
		return result.CategoryNetwork
	}
	return result.CategoryUnknown
}

// retryable categories are worth a second attempt within the same sync.
var retryable = map[result.ErrorCategory]bool{
	result.CategoryNetwork:     true,
	result.CategoryConnection:  true,
	result.CategoryServerError: true,
}

const maxFetchRetries = 2

// WithRetries runs fn, retrying transient transport failures with
// exponential backoff. Rate limits and timeouts are not retried here: the
// limiter and the job backoff own those.
func WithRetries(ctx context.Context, fn func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxFetchRetries), ctx)
	err := backoff.Retry(func() error {
		if err := fn(); err != nil {
			if retryable[Categorize(err)] {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, bo)
	if err != nil {
		return skerr.Wrap(err)
	}
	return nil
}
