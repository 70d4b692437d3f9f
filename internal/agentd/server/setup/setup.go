// Package setup initializes the worker's project directory in one of the
// start modes and owns the git operations scoped to it. Every mode ends
// the same way: a working tree at a known path, on a named branch, with
// a local commit identity configured.
package setup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
)

const (
	// publicCloneTimeout catches credential-prompt hangs on public
	// clones, which never legitimately take this long.
	publicCloneTimeout = 5 * time.Minute
	// bundleAuthCloneTimeout bounds the authenticated clone of an
	// incremental bundle's remote; past it the token is treated as bad.
	bundleAuthCloneTimeout = 30 * time.Second

	defaultGitUserName  = "ariana-agent"
	defaultGitUserEmail = "agent@ariana.dev"
)

// Dirs locates the worker's filesystem anchors for setup.
type Dirs struct {
	ProjectDir string
	Home       string
}

// Result reports the initialized working tree.
type Result struct {
	Dir         string
	Branch      string
	Owner       string
	RepoName    string
	StartCommit string // HEAD right after setup, empty for a fresh init
	Git         *Repo
}

// bundleMeta is the sidecar metadata of a zip-local bundle, stored at
// <bundlePath>.json.
type bundleMeta struct {
	RemoteURL   string `json:"remoteUrl,omitempty"`
	BaseCommit  string `json:"baseCommit,omitempty"`
	Incremental bool   `json:"incremental,omitempty"`
}

// Run performs the one-time project initialization for req.
func Run(ctx context.Context, dirs Dirs, req *types.StartRequest, log *logger.Logger) (*Result, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "project-setup"))

	dir := dirs.ProjectDir
	if req.SetupMode == types.SetupModeLocal {
		if req.ProjectDir == "" {
			return nil, fmt.Errorf("local setup requires projectDir")
		}
		dir = req.ProjectDir
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("local project dir unusable: %w", err)
		}
	}

	res := &Result{Dir: dir, Git: OpenRepo(dir, log)}

	switch req.SetupMode {
	case types.SetupModeLocal, types.SetupModeExisting:
		// Tree already on disk (caller-provided or snapshot-restored).

	case types.SetupModeGitClone:
		if req.RepoURL == "" {
			return nil, fmt.Errorf("git-clone setup requires repoUrl")
		}
		if err := cloneWithFallbacks(ctx, AuthenticatedURL(req.RepoURL, req.GitToken), dir, req.BaseBranch, log); err != nil {
			return nil, err
		}

	case types.SetupModeGitClonePublic:
		if req.RepoURL == "" {
			return nil, fmt.Errorf("git-clone-public setup requires repoUrl")
		}
		cloneCtx, cancel := context.WithTimeout(ctx, publicCloneTimeout)
		defer cancel()
		if err := cloneWithFallbacks(cloneCtx, req.RepoURL, dir, req.BaseBranch, log); err != nil {
			if errors.Is(cloneCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("public clone timed out after %s: %w", publicCloneTimeout, err)
			}
			return nil, err
		}

	case types.SetupModeZipLocal:
		if err := setupFromBundle(ctx, dir, req, res, log); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown setup mode %q", req.SetupMode)
	}

	if err := finalizeTree(ctx, res, req, log); err != nil {
		return nil, err
	}
	if err := materializeEnvironment(dirs.Home, dir, req, log); err != nil {
		return nil, err
	}

	log.Info("project setup complete",
		zap.String("mode", string(req.SetupMode)),
		zap.String("dir", res.Dir),
		zap.String("branch", res.Branch),
		zap.String("start_commit", res.StartCommit))
	return res, nil
}

// cloneWithFallbacks clones url into dir, trying the requested branch,
// then main, then master, then whatever HEAD the remote offers. Empty
// remotes land on the last attempt with no branch flag.
func cloneWithFallbacks(ctx context.Context, url, dir, branch string, log *logger.Logger) error {
	candidates := make([]string, 0, 4)
	for _, b := range []string{branch, "main", "master", ""} {
		if b != "" && contains(candidates, b) {
			continue
		}
		candidates = append(candidates, b)
	}

	var lastErr error
	for _, b := range candidates {
		args := []string{"clone"}
		if b != "" {
			args = append(args, "--branch", b)
		}
		args = append(args, url, dir)

		if err := runGit(ctx, args...); err != nil {
			lastErr = err
			log.Warn("clone attempt failed",
				zap.String("branch", b),
				zap.Error(err))
			_ = os.RemoveAll(dir)
			if ctx.Err() != nil {
				return fmt.Errorf("clone aborted: %w", ctx.Err())
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("all clone attempts failed: %w", lastErr)
}

// setupFromBundle reconstitutes the tree from an on-host bundle + patch.
func setupFromBundle(ctx context.Context, dir string, req *types.StartRequest, res *Result, log *logger.Logger) error {
	meta := readBundleMeta(req.BundlePath, log)
	if meta.RemoteURL != "" {
		if owner, repo, ok := ExtractOwnerRepo(meta.RemoteURL); ok {
			res.Owner, res.RepoName = owner, repo
		}
	}

	bundleUsable := false
	if req.BundlePath != "" {
		if info, err := os.Stat(req.BundlePath); err == nil && info.Size() > 0 {
			bundleUsable = true
		}
	}

	switch {
	case meta.Incremental:
		if meta.RemoteURL == "" || meta.BaseCommit == "" {
			return fmt.Errorf("incremental bundle metadata missing remote or base commit")
		}
		cloneCtx, cancel := context.WithTimeout(ctx, bundleAuthCloneTimeout)
		err := runGit(cloneCtx, "clone", AuthenticatedURL(meta.RemoteURL, req.GitToken), dir)
		cancel()
		if err != nil {
			if errors.Is(cloneCtx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("authentication to bundle remote timed out: %w", err)
			}
			return fmt.Errorf("failed to clone bundle remote: %w", err)
		}

		repo := OpenRepo(dir, log)
		// The base commit may be older than the default clone depth.
		if _, err := repo.git(ctx, "cat-file", "-e", meta.BaseCommit); err != nil {
			if _, err := repo.git(ctx, "fetch", "origin", meta.BaseCommit); err != nil {
				return fmt.Errorf("base commit %s unavailable: %w", meta.BaseCommit, err)
			}
		}
		if _, err := repo.git(ctx, "checkout", meta.BaseCommit); err != nil {
			return err
		}
		if bundleUsable {
			if _, err := repo.git(ctx, "fetch", req.BundlePath); err != nil {
				return fmt.Errorf("failed to apply bundle: %w", err)
			}
			if _, err := repo.git(ctx, "merge", "--ff-only", "FETCH_HEAD"); err != nil {
				log.Warn("bundle fast-forward failed, staying on base commit", zap.Error(err))
			}
		}

	case bundleUsable:
		if err := runGit(ctx, "clone", req.BundlePath, dir); err != nil {
			return fmt.Errorf("failed to clone bundle: %w", err)
		}
		if meta.RemoteURL != "" {
			if err := OpenRepo(dir, log).SetRemote(ctx, AuthenticatedURL(meta.RemoteURL, req.GitToken)); err != nil {
				log.Warn("failed to point origin at bundle remote", zap.Error(err))
			}
		}

	default:
		// Empty, non-incremental bundle: brand-new project.
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := OpenRepo(dir, log).Init(ctx); err != nil {
			return err
		}
	}

	if req.PatchPath != "" {
		if info, err := os.Stat(req.PatchPath); err == nil && info.Size() > 0 {
			repo := OpenRepo(dir, log)
			if _, err := repo.git(ctx, "apply", "--whitespace=nowarn", req.PatchPath); err != nil {
				return fmt.Errorf("failed to apply patch: %w", err)
			}
		}
	}
	return nil
}

// finalizeTree stamps identity, checks out the agent branch and records
// the start commit.
func finalizeTree(ctx context.Context, res *Result, req *types.StartRequest, log *logger.Logger) error {
	repo := res.Git
	if !repo.IsRepo() {
		// A local dir without git stays as-is; the agent can still work
		// on plain files.
		return nil
	}

	name := req.GitUserName
	if name == "" {
		name = defaultGitUserName
	}
	email := req.GitUserEmail
	if email == "" {
		email = defaultGitUserEmail
	}
	if err := repo.SetIdentity(ctx, name, email); err != nil {
		return err
	}

	if req.Branch != "" {
		if err := repo.CheckoutBranch(ctx, req.Branch); err != nil {
			return err
		}
		res.Branch = req.Branch
	} else if branch, err := repo.CurrentBranch(ctx); err == nil {
		res.Branch = branch
	}

	res.StartCommit = repo.Head(ctx)

	if res.Owner == "" {
		if remote, err := repo.RemoteURL(ctx); err == nil {
			if owner, name, ok := ExtractOwnerRepo(remote); ok {
				res.Owner, res.RepoName = owner, name
			}
		}
	}
	return nil
}

// materializeEnvironment writes the env file, secret files and SSH key
// delivered with the start request.
func materializeEnvironment(home, projectDir string, req *types.StartRequest, log *logger.Logger) error {
	if req.EnvContents != "" {
		path := filepath.Join(projectDir, ".env")
		if err := os.WriteFile(path, []byte(req.EnvContents), 0o600); err != nil {
			return fmt.Errorf("failed to write env file: %w", err)
		}
	}

	for _, sf := range req.SecretFiles {
		if sf.Path == "" {
			continue
		}
		path := sf.Path
		if strings.HasPrefix(path, "~/") {
			path = filepath.Join(home, path[2:])
		} else if !filepath.IsAbs(path) {
			path = filepath.Join(projectDir, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create secret file dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(sf.Contents), 0o600); err != nil {
			return fmt.Errorf("failed to write secret file %s: %w", sf.Path, err)
		}
	}

	if req.SSHKeyPair != nil && req.SSHKeyPair.PrivateKey != "" {
		sshDir := filepath.Join(home, ".ssh")
		if err := os.MkdirAll(sshDir, 0o700); err != nil {
			return fmt.Errorf("failed to create ssh dir: %w", err)
		}
		if err := os.WriteFile(filepath.Join(sshDir, "id_ed25519"), []byte(req.SSHKeyPair.PrivateKey), 0o600); err != nil {
			return fmt.Errorf("failed to write ssh key: %w", err)
		}
		if req.SSHKeyPair.PublicKey != "" {
			if err := os.WriteFile(filepath.Join(sshDir, "id_ed25519.pub"), []byte(req.SSHKeyPair.PublicKey), 0o644); err != nil {
				return fmt.Errorf("failed to write ssh public key: %w", err)
			}
		}
	}
	return nil
}

func readBundleMeta(bundlePath string, log *logger.Logger) bundleMeta {
	var meta bundleMeta
	if bundlePath == "" {
		return meta
	}
	raw, err := os.ReadFile(bundlePath + ".json")
	if err != nil {
		return meta
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		log.Warn("ignoring malformed bundle metadata", zap.Error(err))
		return bundleMeta{}
	}
	return meta
}

// runGit executes git outside any repository (clone, init into a path).
func runGit(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s failed: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ParseDotenv reads KEY=VALUE lines, tolerating comments, blank lines,
// an optional export prefix and single or double quotes.
func ParseDotenv(text string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		out[key] = value
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
