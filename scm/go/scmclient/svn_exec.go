package scmclient

import (
	"bytes"
	"context"
	"encoding/xml"
	"os/exec"
	"strconv"
	"time"

	"go.engram.dev/engram/go/skerr"
)

// SVNExec reads the revision log by shelling out to the svn binary with
// --xml output, the same way every other svn integration does.
type SVNExec struct {
	// Binary is the svn executable; empty means "svn" from PATH.
	Binary   string
	Username string
	Password string
}

type svnLogXML struct {
	Entries []struct {
		Revision int64  `xml:"revision,attr"`
		Author   string `xml:"author"`
		Date     string `xml:"date"`
		Msg      string `xml:"msg"`
	} `xml:"logentry"`
}

// Log implements SVN. It fetches up to limit revisions starting at startRev.
func (s *SVNExec) Log(ctx context.Context, repoURL string, startRev int64, limit int) (*LogPage, error) {
	bin := s.Binary
	if bin == "" {
		bin = "svn"
	}
	args := []string{
		"log", "--xml", "--non-interactive",
		"-r", strconv.FormatInt(startRev, 10) + ":HEAD",
		"--limit", strconv.Itoa(limit),
	}
	if s.Username != "" {
		args = append(args, "--username", s.Username)
	}
	if s.Password != "" {
		args = append(args, "--password", s.Password)
	}
	args = append(args, repoURL)

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, skerr.Wrapf(err, "svn log failed: %s", stderr.String())
	}

	var parsed svnLogXML
	if err := xml.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		return nil, skerr.Wrapf(err, "parsing svn log xml")
	}
	page := &LogPage{HasMore: len(parsed.Entries) == limit}
	page.Stats.TotalRequests = 1
	for _, e := range parsed.Entries {
		committedAt, err := time.Parse(time.RFC3339Nano, e.Date)
		if err != nil {
			return nil, skerr.Wrapf(err, "parsing revision %d date %q", e.Revision, e.Date)
		}
		page.Entries = append(page.Entries, LogEntry{
			Rev:         e.Revision,
			Author:      e.Author,
			Message:     e.Msg,
			CommittedAt: committedAt,
		})
	}
	return page, nil
}

// Diff implements SVN. It fetches the unified diff of one revision.
func (s *SVNExec) Diff(ctx context.Context, repoURL string, rev int64) (*Diff, error) {
	bin := s.Binary
	if bin == "" {
		bin = "svn"
	}
	args := []string{"diff", "--non-interactive", "-c", strconv.FormatInt(rev, 10)}
	if s.Username != "" {
		args = append(args, "--username", s.Username)
	}
	if s.Password != "" {
		args = append(args, "--password", s.Password)
	}
	args = append(args, repoURL)

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, skerr.Wrapf(err, "svn diff failed: %s", stderr.String())
	}

	d := &Diff{Patch: stdout.Bytes()}
	d.Stats.TotalRequests = 1
	for _, line := range bytes.Split(stdout.Bytes(), []byte("\n")) {
		if bytes.HasPrefix(line, []byte("Index: ")) {
			d.FileCount++
		}
	}
	return d, nil
}

var _ SVN = (*SVNExec)(nil)
