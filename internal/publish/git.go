package publish

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	appconfig "tickflow/config"
	"tickflow/logger"
)

// Runner executes git in dir and returns its combined output.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner runs the git binary on PATH.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

var nothingToCommit = []string{"nothing to commit", "nothing added to commit", "no changes added to commit"}

// GitPublisher stages, commits and pushes artifacts inside a working tree.
type GitPublisher struct {
	repoDir string
	remote  string
	branch  string
	urlFile string
	runner  Runner
	log     *logger.Log
}

func NewGitPublisher(cfg appconfig.PublishConfig, runner Runner) *GitPublisher {
	return &GitPublisher{
		repoDir: cfg.RepoDir,
		remote:  cfg.Remote,
		branch:  cfg.Branch,
		urlFile: cfg.URLFile,
		runner:  runner,
		log:     logger.GetLogger(),
	}
}

// Publish runs add, commit and push. An empty commit is not an error; the
// push still runs so a commit left behind by an earlier failed push goes out.
func (g *GitPublisher) Publish(ctx context.Context, paths []string, message string) (Result, error) {
	if len(paths) == 0 {
		return Result{Unchanged: true}, nil
	}
	rels := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := g.relative(p)
		if err != nil {
			return Result{}, err
		}
		rels = append(rels, rel)
	}

	if out, err := g.runner.Run(ctx, g.repoDir, append([]string{"add", "--"}, rels...)...); err != nil {
		return Result{}, fmt.Errorf("git add: %w: %s", err, strings.TrimSpace(out))
	}

	var res Result
	out, err := g.runner.Run(ctx, g.repoDir, "commit", "-m", message)
	switch {
	case err == nil:
		res.Committed = true
	case isNothingToCommit(out):
		res.Unchanged = true
	default:
		return Result{}, fmt.Errorf("git commit: %w: %s", err, strings.TrimSpace(out))
	}

	if out, err := g.runner.Run(ctx, g.repoDir, "push", g.remote, "HEAD:"+g.branch); err != nil {
		return res, fmt.Errorf("git push: %w: %s", err, strings.TrimSpace(out))
	}

	res.URL = g.rawURL(ctx, rels[0])
	if err := writeURLFile(g.urlFile, res.URL); err != nil {
		g.log.WithComponent("publisher").WithError(err).Warn("failed to record snapshot url")
	}

	g.log.WithComponent("publisher").WithFields(logger.Fields{
		"files":     len(rels),
		"committed": res.Committed,
		"url":       res.URL,
	}).Info("artifacts published to git")
	return res, nil
}

func (g *GitPublisher) relative(p string) (string, error) {
	root, err := filepath.Abs(g.repoDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside repository %s", p, g.repoDir)
	}
	return filepath.ToSlash(rel), nil
}

func (g *GitPublisher) rawURL(ctx context.Context, rel string) string {
	out, err := g.runner.Run(ctx, g.repoDir, "remote", "get-url", g.remote)
	if err != nil {
		return ""
	}
	return RawURL(strings.TrimSpace(out), g.branch, rel)
}

func isNothingToCommit(out string) bool {
	for _, s := range nothingToCommit {
		if strings.Contains(out, s) {
			return true
		}
	}
	return false
}

// RawURL turns a GitHub remote into the raw content URL of rel on branch.
// Remotes on other hosts yield an empty string.
func RawURL(remote, branch, rel string) string {
	remote = strings.TrimSuffix(strings.TrimSpace(remote), ".git")
	switch {
	case strings.HasPrefix(remote, "git@github.com:"):
		remote = "https://github.com/" + strings.TrimPrefix(remote, "git@github.com:")
	case strings.HasPrefix(remote, "ssh://git@github.com/"):
		remote = "https://github.com/" + strings.TrimPrefix(remote, "ssh://git@github.com/")
	}
	if i := strings.Index(remote, "@github.com/"); i >= 0 && strings.HasPrefix(remote, "https://") {
		remote = "https://" + remote[i+1:]
	}
	const host = "https://github.com/"
	if !strings.HasPrefix(remote, host) {
		return ""
	}
	repo := strings.TrimPrefix(remote, host)
	return "https://raw.githubusercontent.com/" + repo + "/" + branch + "/" + rel
}
