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

// Package runner holds the worker-job bodies: cherry-pick backports,
// force-push diff analysis, and version-script execution.
package runner

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mergehub/hub/pkg/git"
	"github.com/mergehub/hub/pkg/githost"
)

// Host is the source-host capability set the runners consume. The
// githost session implements it.
type Host interface {
	Host() string
	BotLogin() string
	Token(ctx context.Context, owner, repo string) (string, error)

	GetPullRequest(ctx context.Context, owner, repo string, number int) (githost.PullRequest, error)
	CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (githost.PullRequest, error)
	AddPullRequestLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	AssignPullRequest(ctx context.Context, owner, repo string, number int, assignees []string) error
	RequestReview(ctx context.Context, owner, repo string, number int, reviewers []string) error
	CommentPullRequest(ctx context.Context, owner, repo string, number int, comment string) error
	ApprovePullRequest(ctx context.Context, owner, repo string, number int, commitSHA, body string) error
	CreateBranch(ctx context.Context, owner, repo, name, sha string) error
	DeleteBranch(ctx context.Context, owner, repo, name string) error
	GetTimeline(ctx context.Context, owner, repo string, number int) ([]githost.TimelineEvent, error)
}

// gitShell is the slice of git operations the runners use, injectable in
// tests.
type gitShell interface {
	Refresh(ctx context.Context, cloneURL string) error
	Clean(ctx context.Context) error
	HasRemoteBranch(ctx context.Context, branch string) (bool, error)
	CheckoutBranch(ctx context.Context, branch, ref string) error
	CherryPick(ctx context.Context, sha, xOption string) error
	AmendCommit(ctx context.Context, message, authorName, authorEmail string) error
	CommitAuthor(ctx context.Context, sha string) (string, string, error)
	CommitMessage(ctx context.Context, sha string) (string, error)
	Push(ctx context.Context, branch string) error
	Fetch(ctx context.Context) error
	ForkPoint(ctx context.Context, base, ref string) (string, error)
	Diff(ctx context.Context, from, to string) (string, error)
}

// newShellFunc builds a git shell over a leased directory.
type newShellFunc func(log logrus.FieldLogger, dir string) (gitShell, error)

func defaultNewShell(log logrus.FieldLogger, dir string) (gitShell, error) {
	return git.NewShell(log, dir)
}

// tail strips everything up to and including the last slash.
func tail(branch string) string {
	if idx := strings.LastIndex(branch, "/"); idx >= 0 {
		return branch[idx+1:]
	}
	return branch
}
