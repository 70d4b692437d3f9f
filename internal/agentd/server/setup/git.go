package setup

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
)

// historyLimit caps the commits returned by History.
const historyLimit = 100

// Repo runs git operations against one working tree.
type Repo struct {
	dir    string
	logger *logger.Logger
}

// OpenRepo wraps the working tree at dir. The directory does not need to
// be a repository yet; Init and clone helpers create one.
func OpenRepo(dir string, log *logger.Logger) *Repo {
	if log == nil {
		log = logger.Default()
	}
	return &Repo{dir: dir, logger: log}
}

// Dir returns the working tree path.
func (r *Repo) Dir() string { return r.dir }

// git runs one git command in the repo and returns combined output.
// Failures wrap the output so callers can log the actual git complaint.
func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-C", r.dir}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("git %s failed: %w: %s", args[0], err, text)
	}
	return text, nil
}

// IsRepo reports whether dir contains a git repository.
func (r *Repo) IsRepo() bool {
	_, err := os.Stat(filepath.Join(r.dir, ".git"))
	return err == nil
}

// Init creates an empty repository in dir.
func (r *Repo) Init(ctx context.Context) error {
	_, err := r.git(ctx, "init")
	return err
}

// HasHead reports whether the repository has any commit.
func (r *Repo) HasHead(ctx context.Context) bool {
	_, err := r.git(ctx, "rev-parse", "--verify", "HEAD")
	return err == nil
}

// Head returns the current HEAD sha, empty for a repo without commits.
func (r *Repo) Head(ctx context.Context) string {
	out, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return ""
	}
	return out
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	return r.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// SetIdentity stamps the local user identity used for commits.
func (r *Repo) SetIdentity(ctx context.Context, name, email string) error {
	if _, err := r.git(ctx, "config", "user.name", name); err != nil {
		return err
	}
	_, err := r.git(ctx, "config", "user.email", email)
	return err
}

// CheckoutBranch force-creates the branch. A repository without a HEAD
// gets an orphan branch instead, since -B needs a start point.
func (r *Repo) CheckoutBranch(ctx context.Context, name string) error {
	if r.HasHead(ctx) {
		_, err := r.git(ctx, "checkout", "-B", name)
		return err
	}
	_, err := r.git(ctx, "checkout", "--orphan", name)
	return err
}

// Commit stages everything and commits. A clean tree yields
// NothingToCommit instead of an error.
func (r *Repo) Commit(ctx context.Context, message string) (*types.CommitResponse, error) {
	if _, err := r.git(ctx, "add", "-A"); err != nil {
		return nil, err
	}

	status, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(status) == "" {
		return &types.CommitResponse{NothingToCommit: true}, nil
	}

	numstat, err := r.git(ctx, "diff", "--cached", "--numstat")
	if err != nil {
		return nil, err
	}
	additions, deletions := parseNumstat(numstat)

	if _, err := r.git(ctx, "commit", "-m", message); err != nil {
		return nil, err
	}
	sha := r.Head(ctx)
	r.logger.Info("committed working tree")

	return &types.CommitResponse{
		Sha:         sha,
		Message:     message,
		Additions:   additions,
		Deletions:   deletions,
		CommittedAt: time.Now().UTC(),
	}, nil
}

// Push pushes the current branch to origin, creating the upstream on
// first push.
func (r *Repo) Push(ctx context.Context, force bool) (*types.PushResponse, error) {
	branch, err := r.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}

	args := []string{"push", "--set-upstream", "origin", branch}
	if force {
		args = append(args, "--force")
	}
	if _, err := r.git(ctx, args...); err != nil {
		return nil, err
	}

	resp := &types.PushResponse{Pushed: true, CommitSha: r.Head(ctx)}
	if remote, err := r.RemoteURL(ctx); err == nil {
		if owner, repo, ok := ExtractOwnerRepo(remote); ok {
			resp.URL = fmt.Sprintf("https://github.com/%s/%s/tree/%s", owner, repo, branch)
		}
	}
	return resp, nil
}

// LastCommit describes HEAD; a repo without commits returns an empty
// response.
func (r *Repo) LastCommit(ctx context.Context) (*types.LastCommitResponse, error) {
	if !r.HasHead(ctx) {
		return &types.LastCommitResponse{}, nil
	}
	out, err := r.git(ctx, "log", "-1", "--format=%H%x09%s%x09%ct")
	if err != nil {
		return nil, err
	}
	sha, msg, at, err := parseLogLine(out)
	if err != nil {
		return nil, err
	}
	return &types.LastCommitResponse{Sha: sha, Message: msg, CommittedAt: at}, nil
}

// History lists commits on the current branch ahead of base, newest
// first. An empty base lists the whole branch, capped.
func (r *Repo) History(ctx context.Context, base string) (*types.HistoryResponse, error) {
	resp := &types.HistoryResponse{Commits: []types.HistoryCommit{}}
	if !r.HasHead(ctx) {
		return resp, nil
	}

	rangeSpec := "HEAD"
	if base != "" {
		rangeSpec = base + "..HEAD"
	}
	out, err := r.git(ctx, "log", rangeSpec, fmt.Sprintf("--max-count=%d", historyLimit), "--format=%H%x09%s%x09%ct")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out) == "" {
		return resp, nil
	}

	for _, line := range strings.Split(out, "\n") {
		sha, msg, at, err := parseLogLine(line)
		if err != nil {
			continue
		}
		additions, deletions := 0, 0
		if numstat, err := r.git(ctx, "show", "--numstat", "--format=", sha); err == nil {
			additions, deletions = parseNumstat(numstat)
		}
		resp.Commits = append(resp.Commits, types.HistoryCommit{
			Sha:         sha,
			Message:     msg,
			Additions:   additions,
			Deletions:   deletions,
			CommittedAt: at,
		})
	}
	return resp, nil
}

// Diff returns the full diff against base, including uncommitted work.
// Without a base it diffs against HEAD.
func (r *Repo) Diff(ctx context.Context, base string) (string, error) {
	if !r.HasHead(ctx) {
		return "", nil
	}
	target := "HEAD"
	if base != "" {
		target = base
	}
	out, err := r.git(ctx, "diff", target)
	if err != nil {
		return "", err
	}
	return out, nil
}

// PendingChanges returns the uncommitted diff.
func (r *Repo) PendingChanges(ctx context.Context) (string, error) {
	return r.Diff(ctx, "")
}

// LastCommitChanges returns the patch of HEAD.
func (r *Repo) LastCommitChanges(ctx context.Context) (string, error) {
	if !r.HasHead(ctx) {
		return "", nil
	}
	return r.git(ctx, "show", "--format=", "HEAD")
}

// RemoteURL returns origin's URL.
func (r *Repo) RemoteURL(ctx context.Context) (string, error) {
	return r.git(ctx, "remote", "get-url", "origin")
}

// SetRemote points origin at url, creating it if missing.
func (r *Repo) SetRemote(ctx context.Context, url string) error {
	if _, err := r.git(ctx, "remote", "set-url", "origin", url); err == nil {
		return nil
	}
	_, err := r.git(ctx, "remote", "add", "origin", url)
	return err
}

// LastPushedSha returns origin's sha for the current branch, empty when
// the branch was never pushed.
func (r *Repo) LastPushedSha(ctx context.Context) string {
	branch, err := r.CurrentBranch(ctx)
	if err != nil {
		return ""
	}
	out, err := r.git(ctx, "rev-parse", "--verify", "origin/"+branch)
	if err != nil {
		return ""
	}
	return out
}

// parseNumstat sums a git --numstat block. Binary entries ("-") count
// zero.
func parseNumstat(out string) (additions, deletions int) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if a, err := strconv.Atoi(fields[0]); err == nil {
			additions += a
		}
		if d, err := strconv.Atoi(fields[1]); err == nil {
			deletions += d
		}
	}
	return additions, deletions
}

// parseLogLine splits "sha<TAB>subject<TAB>unixtime".
func parseLogLine(line string) (sha, message string, at time.Time, err error) {
	parts := strings.SplitN(strings.TrimSpace(line), "\t", 3)
	if len(parts) != 3 {
		return "", "", time.Time{}, fmt.Errorf("unexpected log line %q", line)
	}
	unix, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("unexpected commit time %q", parts[2])
	}
	return parts[0], parts[1], time.Unix(unix, 0).UTC(), nil
}

// AuthenticatedURL injects a bearer token into an HTTPS remote URL the
// way GitHub expects it. Non-HTTPS URLs pass through unchanged.
func AuthenticatedURL(remote, token string) string {
	if token == "" || !strings.HasPrefix(remote, "https://") {
		return remote
	}
	u, err := url.Parse(remote)
	if err != nil {
		return remote
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

// ExtractOwnerRepo pulls "owner/repo" out of HTTPS or SSH GitHub URLs.
func ExtractOwnerRepo(remote string) (owner, repo string, ok bool) {
	remote = strings.TrimSuffix(strings.TrimSpace(remote), ".git")

	if strings.HasPrefix(remote, "git@") {
		// git@github.com:owner/repo
		_, after, found := strings.Cut(remote, ":")
		if !found {
			return "", "", false
		}
		return splitOwnerRepo(after)
	}

	u, err := url.Parse(remote)
	if err != nil {
		return "", "", false
	}
	return splitOwnerRepo(strings.TrimPrefix(u.Path, "/"))
}

func splitOwnerRepo(path string) (string, string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
