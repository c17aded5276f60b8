package scmclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.engram.dev/engram/scm/go/result"
)

func TestCategorize_StatusCodes(t *testing.T) {
	cases := map[int]result.ErrorCategory{
		401: result.CategoryAuthInvalid,
		403: result.CategoryPermissionDenied,
		404: result.CategoryRepoNotFound,
		408: result.CategoryTimeout,
		429: result.CategoryRateLimit,
		500: result.CategoryServerError,
		503: result.CategoryServerError,
		418: result.CategoryUnknown,
	}
	for code, want := range cases {
		got := Categorize(&StatusError{StatusCode: code})
		assert.Equal(t, want, got, "status %d", code)
	}
}

func TestCategorize_TransportErrors(t *testing.T) {
	assert.Equal(t, result.CategoryTimeout, Categorize(context.DeadlineExceeded))
	assert.Equal(t, result.CategoryConnection, Categorize(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.Equal(t, result.CategoryUnknown, Categorize(errors.New("mystery")))
}

func TestWithRetries_TransientThenSuccess(t *testing.T) {
	calls := 0
	err := WithRetries(context.Background(), func() error {
		calls++
		if calls < 2 {
			return &StatusError{StatusCode: 503, Message: "flap"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetries_NonRetryable_SingleAttempt(t *testing.T) {
	calls := 0
	err := WithRetries(context.Background(), func() error {
		calls++
		return &StatusError{StatusCode: 429, Message: "slow down"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestProjectPath(t *testing.T) {
	p, err := projectPath("https://gitlab.example.com/group/proj.git")
	require.NoError(t, err)
	assert.Equal(t, "group%2Fproj", p)

	_, err = projectPath("https://gitlab.example.com/")
	assert.Error(t, err)
}

func TestGitLabREST_ListCommits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/projects/group%2Fproj/repository/commits", r.URL.EscapedPath())
		assert.Equal(t, "secret", r.Header.Get("PRIVATE-TOKEN"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "50", r.URL.Query().Get("per_page"))
		w.Header().Set("X-Next-Page", "3")
		fmt.Fprint(w, `[{"id":"abc","author_name":"dev","title":"one","committed_date":"2026-03-04T09:00:00Z"}]`)
	}))
	defer srv.Close()

	g := NewGitLabREST(srv.Client(), srv.URL, "secret")
	page, err := g.ListCommits(context.Background(), srv.URL+"/group/proj", ListOptions{PageSize: 50, Page: 2})
	require.NoError(t, err)
	require.Len(t, page.Commits, 1)
	assert.Equal(t, "abc", page.Commits[0].SHA)
	assert.Equal(t, time.Date(2026, time.March, 4, 9, 0, 0, 0, time.UTC), page.Commits[0].CommittedAt)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(1), page.Stats.TotalRequests)
}

func TestGitLabREST_RateLimited_CarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := NewGitLabREST(srv.Client(), srv.URL, "")
	_, err := g.ListCommits(context.Background(), srv.URL+"/group/proj", ListOptions{})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.Equal(t, 2*time.Minute, statusErr.RetryAfter)
	assert.Equal(t, result.CategoryRateLimit, Categorize(err))
}

func TestGitLabREST_ListMergeRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/projects/group%2Fproj/merge_requests", r.URL.EscapedPath())
		assert.Equal(t, "updated_at", r.URL.Query().Get("order_by"))
		fmt.Fprint(w, `[{"iid":7,"title":"mr","state":"merged","updated_at":"2026-03-04T09:30:00Z","sha":"def","author":{"username":"dev"}}]`)
	}))
	defer srv.Close()

	g := NewGitLabREST(srv.Client(), srv.URL, "")
	page, err := g.ListMergeRequests(context.Background(), srv.URL+"/group/proj", ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.MergeRequests, 1)
	assert.Equal(t, int64(7), page.MergeRequests[0].IID)
	assert.Equal(t, "dev", page.MergeRequests[0].Author)
	assert.False(t, page.HasMore)
}
