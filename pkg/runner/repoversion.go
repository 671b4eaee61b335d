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

package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mergehub/hub/pkg/config"
	"github.com/mergehub/hub/pkg/git/dirpool"
	"github.com/mergehub/hub/pkg/githost"
	"github.com/mergehub/hub/pkg/jira"
	"github.com/mergehub/hub/pkg/messenger"
)

// RepoVersionRequest is one version-script job: determine the version a
// push produced and resolve the issues its commits fixed.
type RepoVersionRequest struct {
	Repo     githost.Repo
	Branch   string
	Commit   string
	Commits  []githost.CommitLike
	Bindings []config.JiraBinding
}

// runScriptFunc executes a version script inside dir and returns its
// trimmed stdout. Injectable in tests.
type runScriptFunc func(ctx context.Context, dir, script string) (string, error)

// Versioner runs version-script jobs.
type Versioner struct {
	log       logrus.FieldLogger
	pool      *dirpool.Pool
	messenger *messenger.Messenger
	workflow  *jira.Workflow
	newShell  newShellFunc
	runScript runScriptFunc
}

func NewVersioner(log logrus.FieldLogger, pool *dirpool.Pool, m *messenger.Messenger, workflow *jira.Workflow) *Versioner {
	return &Versioner{
		log:       log.WithField("runner", "repoversion"),
		pool:      pool,
		messenger: m,
		workflow:  workflow,
		newShell:  defaultNewShell,
		runScript: runVersionScript,
	}
}

// Run checks out the pushed commit and, per binding, resolves the fixed
// issues with the version its script reports. Script failures fall back
// to version-less resolution and a channel notification.
func (v *Versioner) Run(ctx context.Context, host Host, req RepoVersionRequest) {
	log := v.log.WithFields(logrus.Fields{
		"repo":   req.Repo.FullName,
		"branch": req.Branch,
	})

	dir, cleanup, err := v.checkout(ctx, log, host, req)
	if err != nil {
		log.WithError(err).Error("could not check out pushed commit")
		// still resolve the issues, just without versions
		dir = ""
	}
	if cleanup != nil {
		defer cleanup()
	}

	for _, binding := range req.Bindings {
		projects := []string{binding.Project}
		if len(jira.AllKeys(req.Commits, projects)) == 0 {
			continue
		}

		versionName := ""
		if binding.VersionScript != "" && dir != "" {
			versionName, err = v.runScript(ctx, dir, binding.VersionScript)
			if err != nil {
				log.WithError(err).Errorf("version script failed for project %s", binding.Project)
				v.messenger.SendToChannel(ctx, messenger.Notification{
					Message: fmt.Sprintf("Error running version script for %s:\n```%s```\n%v",
						binding.Project, binding.VersionScript, err),
					Repo:    req.Repo,
					Branch:  req.Branch,
					Commits: req.Commits,
				})
				versionName = ""
			}
		}

		v.workflow.ResolveIssue(ctx, req.Branch, versionName, req.Commits, projects)
		if versionName != "" {
			v.workflow.AddPendingVersion(ctx, versionName, req.Commits, projects)
		}
	}
}

func (v *Versioner) checkout(ctx context.Context, log logrus.FieldLogger, host Host, req RepoVersionRequest) (string, func(), error) {
	owner, repo := req.Repo.Owner.GetLogin(), req.Repo.Name

	lease, err := v.pool.Acquire(host.Host(), owner, repo)
	if err != nil {
		return "", nil, fmt.Errorf("acquiring working dir: %w", err)
	}
	cleanup := lease.Release

	shell, err := v.newShell(log, lease.Dir())
	if err != nil {
		return "", cleanup, err
	}
	token, err := host.Token(ctx, owner, repo)
	if err != nil {
		return "", cleanup, fmt.Errorf("fetching token: %w", err)
	}
	if err := shell.Refresh(ctx, githost.CloneURL(host.Host(), owner, repo, token)); err != nil {
		return "", cleanup, err
	}
	if err := shell.CheckoutBranch(ctx, req.Branch, req.Commit); err != nil {
		return "", cleanup, err
	}
	return lease.Dir(), cleanup, nil
}

// runVersionScript executes the script under firejail: private working
// copy of the clone, no network, private tmp/dev/etc. Only supported on
// Linux.
func runVersionScript(ctx context.Context, dir, script string) (string, error) {
	if runtime.GOOS != "linux" {
		return "", fmt.Errorf("version scripts require linux sandboxing")
	}

	cmd := exec.CommandContext(ctx, "firejail",
		"--quiet",
		"--private=.",
		"--private-etc=hostname,alternatives,firejail",
		"--net=none",
		"--private-tmp",
		"--private-dev",
		"-c",
		"bash", "-c", script,
	)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("version script failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "", fmt.Errorf("version script printed no version: %s", strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
