/*
Copyright 2024 The Hub Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package git shells out to the git binary inside a leased working
// directory and exposes the typed operations the runners need.
package git

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// credentialURLRegex censors tokens embedded in remote URLs before they
// reach logs or error messages.
var credentialURLRegex = regexp.MustCompile(`(https?://[^:]+:)([^@]+)(@[^/\s:]+(?::[0-9]+)?)`)

func censorURLCredentials(s string) string {
	if u, err := url.Parse(s); err == nil && u.User != nil {
		return u.Redacted()
	}
	return credentialURLRegex.ReplaceAllString(s, "${1}xxxxx${3}")
}

// executeFunc runs one git invocation and returns its combined output.
// Injected so tests can record commands without a git binary.
type executeFunc func(ctx context.Context, dir string, env []string, args ...string) ([]byte, error)

// Shell runs git commands in one working directory.
type Shell struct {
	log     logrus.FieldLogger
	dir     string
	execute executeFunc
}

// NewShell builds a shell over a working directory.
func NewShell(log logrus.FieldLogger, dir string) (*Shell, error) {
	git, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("finding git binary: %w", err)
	}

	return &Shell{
		log: log.WithField("client", "git"),
		dir: dir,
		execute: func(ctx context.Context, dir string, env []string, args ...string) ([]byte, error) {
			c := exec.CommandContext(ctx, git, args...)
			c.Dir = dir
			c.Env = append(os.Environ(), env...)
			return c.CombinedOutput()
		},
	}, nil
}

func (s *Shell) Dir() string { return s.dir }

// Run executes one git command and returns its trimmed output.
func (s *Shell) Run(ctx context.Context, args ...string) (string, error) {
	return s.RunWithEnv(ctx, nil, args...)
}

// RunWithEnv executes one git command with extra environment variables.
func (s *Shell) RunWithEnv(ctx context.Context, env []string, args ...string) (string, error) {
	censoredArgs := make([]string, len(args))
	for i, arg := range args {
		censoredArgs[i] = censorURLCredentials(arg)
	}
	log := s.log.WithField("args", strings.Join(censoredArgs, " "))

	env = append([]string{"GIT_TERMINAL_PROMPT=0", "GIT_CHERRY_PICK_HELP= "}, env...)

	out, err := s.execute(ctx, s.dir, env, args...)
	output := censorURLCredentials(strings.TrimSpace(string(out)))
	if err != nil {
		log.WithField("output", output).Debug("git command failed")
		return output, fmt.Errorf("git %s: %s: %w", strings.Join(censoredArgs, " "), output, err)
	}
	log.Debug("git command succeeded")
	return output, nil
}

// Refresh makes the directory a clean, current clone of the remote:
// cloning if empty, otherwise fetching with pruning, then discarding any
// local state.
func (s *Shell) Refresh(ctx context.Context, cloneURL string) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading clone dir: %w", err)
	}

	if len(entries) == 0 {
		if _, err := s.Run(ctx, "clone", cloneURL, "."); err != nil {
			return err
		}
	} else {
		if _, err := s.Run(ctx, "fetch", "--prune", "origin", "+refs/tags/*:refs/tags/*"); err != nil {
			return err
		}
	}

	if _, err := s.Run(ctx, "fetch", "--tags"); err != nil {
		return err
	}
	return s.Clean(ctx)
}

// Clean discards every local modification and untracked file.
func (s *Shell) Clean(ctx context.Context) error {
	if _, err := s.Run(ctx, "reset", "--hard"); err != nil {
		return err
	}
	_, err := s.Run(ctx, "clean", "-fdx")
	return err
}

// HasRemoteBranch reports whether the branch exists on origin.
func (s *Shell) HasRemoteBranch(ctx context.Context, branch string) (bool, error) {
	out, err := s.Run(ctx, "ls-remote", "--heads", "origin", branch)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// CheckoutBranch creates or resets a local branch at the given ref.
func (s *Shell) CheckoutBranch(ctx context.Context, branch, ref string) error {
	_, err := s.Run(ctx, "checkout", "-B", branch, ref)
	return err
}

// ForkPoint finds where a ref diverged from a base branch, falling back
// to a plain merge base when the reflog has no fork point.
func (s *Shell) ForkPoint(ctx context.Context, base, ref string) (string, error) {
	if out, err := s.Run(ctx, "merge-base", "--fork-point", base, ref); err == nil && out != "" {
		return out, nil
	}
	return s.Run(ctx, "merge-base", base, ref)
}

// CherryPick applies one commit. xOption is an optional merge-strategy
// option such as "ignore-space-change". On failure the pick is aborted so
// the caller can retry.
func (s *Shell) CherryPick(ctx context.Context, sha, xOption string) error {
	args := []string{"cherry-pick"}
	if xOption != "" {
		args = append(args, "-X", xOption)
	}
	args = append(args, sha)

	if _, err := s.Run(ctx, args...); err != nil {
		if _, abortErr := s.Run(ctx, "cherry-pick", "--abort"); abortErr != nil {
			s.log.WithError(abortErr).Warn("could not abort failed cherry-pick")
		}
		return err
	}
	return nil
}

// AmendCommit rewrites the HEAD commit's message and author without
// touching global git configuration.
func (s *Shell) AmendCommit(ctx context.Context, message, authorName, authorEmail string) error {
	args := []string{
		"-c", "user.name=" + authorName,
		"-c", "user.email=" + authorEmail,
		"commit", "--amend",
		"--author", fmt.Sprintf("%s <%s>", authorName, authorEmail),
		"-m", message,
	}
	_, err := s.Run(ctx, args...)
	return err
}

// CommitAuthor returns the author name and email of a commit.
func (s *Shell) CommitAuthor(ctx context.Context, sha string) (string, string, error) {
	out, err := s.Run(ctx, "show", "-s", "--format=%an%n%ae", sha)
	if err != nil {
		return "", "", err
	}
	lines := strings.SplitN(out, "\n", 2)
	if len(lines) != 2 {
		return "", "", fmt.Errorf("unexpected author output for %s: %q", sha, out)
	}
	return strings.TrimSpace(lines[0]), strings.TrimSpace(lines[1]), nil
}

// CommitMessage returns the full message of a commit.
func (s *Shell) CommitMessage(ctx context.Context, sha string) (string, error) {
	return s.Run(ctx, "show", "-s", "--format=%B", sha)
}

// Push pushes HEAD to a remote branch.
func (s *Shell) Push(ctx context.Context, branch string) error {
	_, err := s.Run(ctx, "push", "origin", "HEAD:refs/heads/"+branch)
	return err
}

// Fetch fetches from origin.
func (s *Shell) Fetch(ctx context.Context) error {
	_, err := s.Run(ctx, "fetch", "origin")
	return err
}

// Diff returns the whitespace-insensitive patch between two refs, with
// git's progress chatter stripped.
func (s *Shell) Diff(ctx context.Context, from, to string) (string, error) {
	out, err := s.Run(ctx, "diff", "-w", from, to)
	if err != nil {
		return "", err
	}
	return stripProgressLines(out), nil
}

// stripProgressLines drops rename-detection progress lines that git
// interleaves with large diffs.
func stripProgressLines(diff string) string {
	var kept []string
	for _, line := range strings.Split(diff, "\n") {
		if strings.HasPrefix(line, "Performing inexact rename detection") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
