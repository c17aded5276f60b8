package scmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.engram.dev/engram/go/skerr"
)

const gitlabDefaultPageSize = 100

// GitLabREST talks to the GitLab v4 REST API. The project is derived from
// each repo URL, so one client serves every repo on an instance.
type GitLabREST struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewGitLabREST builds a client for one GitLab instance. baseURL is the
// instance root, e.g. "https://gitlab.example.com".
func NewGitLabREST(client *http.Client, baseURL, token string) *GitLabREST {
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	return &GitLabREST{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// projectPath extracts the URL-encoded project path from a repo URL:
// "https://gitlab.example.com/group/proj" -> "group%2Fproj".
func projectPath(repoURL string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", skerr.Wrapf(err, "parsing repo URL")
	}
	p := strings.Trim(strings.TrimSuffix(u.Path, ".git"), "/")
	if p == "" {
		return "", skerr.Fmt("repo URL %q has no project path", repoURL)
	}
	return url.PathEscape(p), nil
}

// get performs one API request and decodes the JSON body into out. It
// returns whether another page follows.
func (g *GitLabREST) get(ctx context.Context, path string, query url.Values, out interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	if g.token != "" {
		req.Header.Set("PRIVATE-TOKEN", g.token)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		serr := &StatusError{StatusCode: resp.StatusCode, Message: string(body)}
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				serr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return false, serr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, skerr.Wrapf(err, "decoding %s response", path)
	}
	return resp.Header.Get("X-Next-Page") != "", nil
}

func listQuery(opts ListOptions) url.Values {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = gitlabDefaultPageSize
	}
	page := opts.Page
	if page <= 0 {
		page = 1
	}
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(pageSize))
	q.Set("page", strconv.Itoa(page))
	return q
}

// ListCommits implements GitLab.
func (g *GitLabREST) ListCommits(ctx context.Context, repoURL string, opts ListOptions) (*CommitPage, error) {
	project, err := projectPath(repoURL)
	if err != nil {
		return nil, err
	}
	q := listQuery(opts)
	if !opts.Since.IsZero() {
		q.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}
	var raw []struct {
		ID          string    `json:"id"`
		AuthorName  string    `json:"author_name"`
		Title       string    `json:"title"`
		CommittedAt time.Time `json:"committed_date"`
	}
	hasMore, err := g.get(ctx, "/api/v4/projects/"+project+"/repository/commits", q, &raw)
	if err != nil {
		return nil, err
	}
	page := &CommitPage{HasMore: hasMore}
	page.Stats.TotalRequests = 1
	for _, c := range raw {
		page.Commits = append(page.Commits, Commit{
			SHA:         c.ID,
			Author:      c.AuthorName,
			Message:     c.Title,
			CommittedAt: c.CommittedAt,
		})
	}
	return page, nil
}

// ListMergeRequests implements GitLab.
func (g *GitLabREST) ListMergeRequests(ctx context.Context, repoURL string, opts ListOptions) (*MergeRequestPage, error) {
	project, err := projectPath(repoURL)
	if err != nil {
		return nil, err
	}
	q := listQuery(opts)
	q.Set("order_by", "updated_at")
	q.Set("sort", "asc")
	if !opts.Since.IsZero() {
		q.Set("updated_after", opts.Since.UTC().Format(time.RFC3339))
	}
	var raw []struct {
		IID       int64     `json:"iid"`
		Title     string    `json:"title"`
		State     string    `json:"state"`
		UpdatedAt time.Time `json:"updated_at"`
		SHA       string    `json:"sha"`
		Author    struct {
			Username string `json:"username"`
		} `json:"author"`
	}
	hasMore, err := g.get(ctx, "/api/v4/projects/"+project+"/merge_requests", q, &raw)
	if err != nil {
		return nil, err
	}
	page := &MergeRequestPage{HasMore: hasMore}
	page.Stats.TotalRequests = 1
	for _, mr := range raw {
		page.MergeRequests = append(page.MergeRequests, MergeRequest{
			IID:       mr.IID,
			Title:     mr.Title,
			Author:    mr.Author.Username,
			State:     mr.State,
			UpdatedAt: mr.UpdatedAt,
			SHA:       mr.SHA,
		})
	}
	return page, nil
}

// GetCommitDiff implements GitLab. The per-file diffs of the commit are
// concatenated into one patch.
func (g *GitLabREST) GetCommitDiff(ctx context.Context, repoURL, sha string) (*Diff, error) {
	project, err := projectPath(repoURL)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(gitlabDefaultPageSize))
	var raw []struct {
		Diff    string `json:"diff"`
		OldPath string `json:"old_path"`
		NewPath string `json:"new_path"`
	}
	if _, err := g.get(ctx, "/api/v4/projects/"+project+"/repository/commits/"+url.PathEscape(sha)+"/diff", q, &raw); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, f := range raw {
		fmt.Fprintf(&buf, "diff --git a/%s b/%s\n", f.OldPath, f.NewPath)
		buf.WriteString(f.Diff)
		if !strings.HasSuffix(f.Diff, "\n") {
			buf.WriteByte('\n')
		}
	}
	d := &Diff{Patch: buf.Bytes(), FileCount: len(raw)}
	d.Stats.TotalRequests = 1
	return d, nil
}

var _ GitLab = (*GitLabREST)(nil)
