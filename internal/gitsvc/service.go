// Package gitsvc shells out to the git CLI for the workspace's source
// control panel. Every operation is stateless and independently retriable;
// nothing here caches repository state.
package gitsvc

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/env"
	"github.com/atelier-dev/atelier/internal/common/logger"
)

const (
	defaultTimeout = 30 * time.Second
	// Network operations get longer: fetch, pull, push, tag push.
	networkTimeout = 60 * time.Second
)

// Service runs git commands in project repositories.
type Service struct {
	dotenv map[string]string
	logger *logger.Logger
}

// NewService creates a git service.
func NewService(dotenv map[string]string, log *logger.Logger) *Service {
	return &Service{
		dotenv: dotenv,
		logger: log.WithFields(zap.String("component", "git_service")),
	}
}

// run executes git with a bounded timeout. Prompting is disabled so a missing
// credential fails fast instead of hanging the handler.
func (s *Service) run(ctx context.Context, repoPath string, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath

	environ := env.Sanitize(os.Environ(), s.dotenv)
	environ["GIT_TERMINAL_PROMPT"] = "0"
	environ["LANG"] = "en_US.UTF-8"
	environ["LC_ALL"] = "en_US.UTF-8"
	cmd.Env = env.ToSlice(environ)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("git %s timed out after %s", args[0], timeout)
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("git %s failed: %s", args[0], detail)
	}
	return stdout.String(), nil
}

// Status returns the working tree status.
func (s *Service) Status(ctx context.Context, repoPath string) (*StatusResult, error) {
	out, err := s.run(ctx, repoPath, defaultTimeout, "status", "--porcelain", "-b")
	if err != nil {
		return nil, err
	}
	return parseStatus(out), nil
}

// Stage adds paths to the index. An empty list stages everything.
func (s *Service) Stage(ctx context.Context, repoPath string, paths []string) error {
	args := []string{"add", "--"}
	if len(paths) == 0 {
		args = append(args, ".")
	} else {
		args = append(args, paths...)
	}
	_, err := s.run(ctx, repoPath, defaultTimeout, args...)
	return err
}

// Unstage removes paths from the index. Before the first commit there is no
// HEAD to reset against, so it falls back to `rm --cached`.
func (s *Service) Unstage(ctx context.Context, repoPath string, paths []string) error {
	args := []string{"reset", "HEAD", "--"}
	if len(paths) == 0 {
		args = append(args, ".")
	} else {
		args = append(args, paths...)
	}
	if _, err := s.run(ctx, repoPath, defaultTimeout, args...); err == nil {
		return nil
	}

	fallback := []string{"rm", "--cached", "-r", "--"}
	if len(paths) == 0 {
		fallback = append(fallback, ".")
	} else {
		fallback = append(fallback, paths...)
	}
	_, err := s.run(ctx, repoPath, defaultTimeout, fallback...)
	return err
}

// Discard throws away working tree changes to the given paths. Untracked
// files among them are deleted.
func (s *Service) Discard(ctx context.Context, repoPath string, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("discard requires explicit paths")
	}

	status, err := s.Status(ctx, repoPath)
	if err != nil {
		return err
	}
	untracked := map[string]bool{}
	for _, f := range status.Files {
		if f.Staged == "?" && f.Unstaged == "?" {
			untracked[f.Path] = true
		}
	}

	var tracked []string
	for _, p := range paths {
		if untracked[p] {
			if err := os.RemoveAll(filepath.Join(repoPath, p)); err != nil {
				return fmt.Errorf("failed to remove untracked file %s: %w", p, err)
			}
			continue
		}
		tracked = append(tracked, p)
	}
	if len(tracked) == 0 {
		return nil
	}
	_, err = s.run(ctx, repoPath, defaultTimeout, append([]string{"checkout", "--"}, tracked...)...)
	return err
}

// Commit records the staged changes. Amend rewrites the previous commit
// instead.
func (s *Service) Commit(ctx context.Context, repoPath, message string, amend bool) (string, error) {
	if strings.TrimSpace(message) == "" && !amend {
		return "", fmt.Errorf("commit message must not be empty")
	}
	args := []string{"commit", "-m", message}
	if amend {
		args = []string{"commit", "--amend"}
		if strings.TrimSpace(message) != "" {
			args = append(args, "-m", message)
		} else {
			args = append(args, "--no-edit")
		}
	}
	if _, err := s.run(ctx, repoPath, defaultTimeout, args...); err != nil {
		return "", err
	}
	hash, err := s.run(ctx, repoPath, defaultTimeout, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(hash), nil
}

// DiffRequest selects one of the diff variants.
type DiffRequest struct {
	Staged bool   `json:"staged,omitempty"`
	Commit string `json:"commit,omitempty"` // show a single commit
	Range  string `json:"range,omitempty"`  // e.g. main..feature
	Path   string `json:"path,omitempty"`
}

// Diff returns a unified diff for the requested variant: unstaged (default),
// staged, a single commit, or a range.
func (s *Service) Diff(ctx context.Context, repoPath string, req DiffRequest) (string, error) {
	var args []string
	switch {
	case req.Commit != "":
		args = []string{"show", req.Commit}
	case req.Range != "":
		args = []string{"diff", req.Range}
	case req.Staged:
		args = []string{"diff", "--cached"}
	default:
		args = []string{"diff"}
	}
	if req.Path != "" {
		args = append(args, "--", req.Path)
	}
	return s.run(ctx, repoPath, defaultTimeout, args...)
}

// Log returns up to limit commits, newest first.
func (s *Service) Log(ctx context.Context, repoPath string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 50
	}
	out, err := s.run(ctx, repoPath, defaultTimeout,
		"log", fmt.Sprintf("--max-count=%d", limit), "--pretty=format:"+logFormat)
	if err != nil {
		// An empty repository has no log.
		if strings.Contains(err.Error(), "does not have any commits") {
			return []Commit{}, nil
		}
		return nil, err
	}
	return parseLog(out), nil
}

// Branches lists local branches with ahead/behind counts against their
// upstreams.
func (s *Service) Branches(ctx context.Context, repoPath string) ([]Branch, error) {
	out, err := s.run(ctx, repoPath, defaultTimeout,
		"for-each-ref", "refs/heads",
		"--format=%(refname:short)\x1f%(objectname:short)\x1f%(HEAD)\x1f%(upstream:short)")
	if err != nil {
		return nil, err
	}

	branches := []Branch{}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\x1f", 4)
		if len(fields) < 4 {
			continue
		}
		branch := Branch{
			Name:     fields[0],
			Hash:     fields[1],
			Current:  fields[2] == "*",
			Upstream: fields[3],
		}
		if branch.Upstream != "" {
			counts, err := s.run(ctx, repoPath, defaultTimeout,
				"rev-list", "--left-right", "--count",
				branch.Name+"..."+branch.Upstream)
			if err == nil {
				if ahead, behind, perr := parseAheadBehind(counts); perr == nil {
					branch.Ahead, branch.Behind = ahead, behind
				}
			}
		}
		branches = append(branches, branch)
	}
	return branches, nil
}

// Remotes lists configured remotes.
func (s *Service) Remotes(ctx context.Context, repoPath string) ([]Remote, error) {
	out, err := s.run(ctx, repoPath, defaultTimeout, "remote", "-v")
	if err != nil {
		return nil, err
	}
	return parseRemotes(out), nil
}

// Fetch updates remote tracking refs. An empty remote fetches all with
// pruning.
func (s *Service) Fetch(ctx context.Context, repoPath, remote string) error {
	args := []string{"fetch", "--prune"}
	if remote == "" {
		args = append(args, "--all")
	} else {
		args = append(args, remote)
	}
	_, err := s.run(ctx, repoPath, networkTimeout, args...)
	return err
}

// Pull integrates upstream changes into the current branch.
func (s *Service) Pull(ctx context.Context, repoPath string) (string, error) {
	return s.run(ctx, repoPath, networkTimeout, "pull")
}

// PushRequest configures a push.
type PushRequest struct {
	Remote         string `json:"remote,omitempty"`
	Branch         string `json:"branch,omitempty"`
	ForceWithLease bool   `json:"force_with_lease,omitempty"`
	SetUpstream    bool   `json:"set_upstream,omitempty"`
}

// Push publishes the current or named branch.
func (s *Service) Push(ctx context.Context, repoPath string, req PushRequest) (string, error) {
	args := []string{"push"}
	if req.ForceWithLease {
		args = append(args, "--force-with-lease")
	}
	if req.SetUpstream {
		args = append(args, "--set-upstream")
	}
	if req.Remote != "" {
		args = append(args, req.Remote)
		if req.Branch != "" {
			args = append(args, req.Branch)
		}
	}
	return s.run(ctx, repoPath, networkTimeout, args...)
}

// StashList lists stashes.
func (s *Service) StashList(ctx context.Context, repoPath string) ([]StashEntry, error) {
	out, err := s.run(ctx, repoPath, defaultTimeout, "stash", "list")
	if err != nil {
		return nil, err
	}
	return parseStashList(out), nil
}

// StashSave stashes the working tree.
func (s *Service) StashSave(ctx context.Context, repoPath, message string) error {
	args := []string{"stash", "push"}
	if message != "" {
		args = append(args, "-m", message)
	}
	_, err := s.run(ctx, repoPath, defaultTimeout, args...)
	return err
}

// StashPop applies and drops a stash; an empty ref pops the latest.
func (s *Service) StashPop(ctx context.Context, repoPath, ref string) error {
	args := []string{"stash", "pop"}
	if ref != "" {
		args = append(args, ref)
	}
	_, err := s.run(ctx, repoPath, defaultTimeout, args...)
	return err
}

// StashDrop deletes a stash; an empty ref drops the latest.
func (s *Service) StashDrop(ctx context.Context, repoPath, ref string) error {
	args := []string{"stash", "drop"}
	if ref != "" {
		args = append(args, ref)
	}
	_, err := s.run(ctx, repoPath, defaultTimeout, args...)
	return err
}

// Tags lists tags, newest first.
func (s *Service) Tags(ctx context.Context, repoPath string) ([]string, error) {
	out, err := s.run(ctx, repoPath, defaultTimeout, "tag", "--list", "--sort=-creatordate")
	if err != nil {
		return nil, err
	}
	tags := []string{}
	for _, line := range strings.Split(out, "\n") {
		if line != "" {
			tags = append(tags, line)
		}
	}
	return tags, nil
}

// CreateTag creates a lightweight or annotated tag, optionally pushing it.
func (s *Service) CreateTag(ctx context.Context, repoPath, name, message, remote string) error {
	args := []string{"tag", name}
	if message != "" {
		args = []string{"tag", "-a", name, "-m", message}
	}
	if _, err := s.run(ctx, repoPath, defaultTimeout, args...); err != nil {
		return err
	}
	if remote != "" {
		// Tag pushes hit the network and get the longer budget.
		if _, err := s.run(ctx, repoPath, networkTimeout, "push", remote, name); err != nil {
			return err
		}
	}
	return nil
}

// MergeResult reports a merge attempt. A conflicted merge is not an error:
// the conflict sections are returned for the client to resolve.
type MergeResult struct {
	Merged    bool                         `json:"merged"`
	Conflicts map[string][]ConflictSection `json:"conflicts,omitempty"`
	Output    string                       `json:"output,omitempty"`
}

// Merge merges a branch into the current one, surfacing conflicts as parsed
// marker sections.
func (s *Service) Merge(ctx context.Context, repoPath, branch string) (*MergeResult, error) {
	out, err := s.run(ctx, repoPath, defaultTimeout, "merge", branch)
	if err == nil {
		return &MergeResult{Merged: true, Output: strings.TrimSpace(out)}, nil
	}
	if !strings.Contains(err.Error(), "CONFLICT") && !strings.Contains(err.Error(), "Automatic merge failed") {
		return nil, err
	}

	conflicted, cerr := s.run(ctx, repoPath, defaultTimeout, "diff", "--name-only", "--diff-filter=U")
	if cerr != nil {
		return nil, cerr
	}
	conflicts := map[string][]ConflictSection{}
	for _, path := range strings.Split(strings.TrimSpace(conflicted), "\n") {
		if path == "" {
			continue
		}
		content, rerr := os.ReadFile(filepath.Join(repoPath, path))
		if rerr != nil {
			s.logger.Warn("failed to read conflicted file",
				zap.String("path", path), zap.Error(rerr))
			continue
		}
		conflicts[path] = parseConflicts(string(content))
	}
	return &MergeResult{Merged: false, Conflicts: conflicts}, nil
}
