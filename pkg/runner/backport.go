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
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mergehub/hub/pkg/git/dirpool"
	"github.com/mergehub/hub/pkg/githost"
	"github.com/mergehub/hub/pkg/messenger"
)

const failedBackportLabel = "failed-backport"

// BackportLabelRegex matches labels like "backport-1.0"; the captured
// group picks the target branch.
var BackportLabelRegex = regexp.MustCompile(`(?i)^backport-(.+)$`)

// cherry-pick fallbacks, tried in order
var cherryPickModes = []string{"", "ignore-space-change", "ignore-all-space"}

// BackportRequest is one backport job: cherry-pick a merged PR's merge
// commit onto the branch named by a backport label and open a new PR.
type BackportRequest struct {
	Repo                githost.Repo
	PR                  githost.PullRequest
	Target              string
	ReleaseBranchPrefix string
}

// TargetBranch derives the backport target from a label's captured
// group: main branches verbatim, everything else under the release
// prefix.
func TargetBranch(labelTarget, releaseBranchPrefix string) string {
	if githost.IsMainBranch(labelTarget) {
		return labelTarget
	}
	return releaseBranchPrefix + labelTarget
}

// BackportBranchName is "<head-tail>-<target-tail>".
func BackportBranchName(head, target string) string {
	return tail(head) + "-" + tail(target)
}

var (
	conventionalPrefixRegex = regexp.MustCompile(`^([a-z]+(?:\([^)]*\))?!?):\s*`)
	backportPrefixRegex     = regexp.MustCompile(`^(\S+->\S+:\s*)+`)
	trailingPRRefRegex      = regexp.MustCompile(`(\s*\(#\d+\))+\s*$`)
)

// RewriteTitle rewrites a commit title for a backport. Idempotent:
// rewriting an already rewritten title yields the same result.
func RewriteTitle(title, from, to, releaseBranchPrefix string) string {
	rest := title

	prefix := ""
	if m := conventionalPrefixRegex.FindStringSubmatch(rest); m != nil {
		prefix = m[1] + ": "
		rest = rest[len(m[0]):]
	}
	rest = backportPrefixRegex.ReplaceAllString(rest, "")
	rest = trailingPRRefRegex.ReplaceAllString(rest, "")

	fromTail := tail(strings.TrimPrefix(from, releaseBranchPrefix))
	toTail := tail(strings.TrimPrefix(to, releaseBranchPrefix))

	return fmt.Sprintf("%s%s->%s: %s", prefix, fromTail, toTail, rest)
}

// Backporter runs backport jobs.
type Backporter struct {
	log       logrus.FieldLogger
	pool      *dirpool.Pool
	messenger *messenger.Messenger
	newShell  newShellFunc
}

func NewBackporter(log logrus.FieldLogger, pool *dirpool.Pool, m *messenger.Messenger) *Backporter {
	return &Backporter{
		log:       log.WithField("runner", "backport"),
		pool:      pool,
		messenger: m,
		newShell:  defaultNewShell,
	}
}

// Run performs one backport. Failures are reported on the original PR
// and to its author; nothing propagates to the caller.
func (b *Backporter) Run(ctx context.Context, host Host, req BackportRequest) {
	log := b.log.WithFields(logrus.Fields{
		"repo":   req.Repo.FullName,
		"pr":     req.PR.Number,
		"target": req.Target,
	})

	if err := b.run(ctx, log, host, req); err != nil {
		log.WithError(err).Error("backport failed")
		b.reportFailure(ctx, host, req, err)
	}
}

func (b *Backporter) run(ctx context.Context, log logrus.FieldLogger, host Host, req BackportRequest) error {
	owner, repo := req.Repo.Owner.GetLogin(), req.Repo.Name

	lease, err := b.pool.Acquire(host.Host(), owner, repo)
	if err != nil {
		return fmt.Errorf("acquiring working dir: %w", err)
	}
	defer lease.Release()

	shell, err := b.newShell(log, lease.Dir())
	if err != nil {
		return err
	}
	token, err := host.Token(ctx, owner, repo)
	if err != nil {
		return fmt.Errorf("fetching token: %w", err)
	}
	if err := shell.Refresh(ctx, githost.CloneURL(host.Host(), owner, repo, token)); err != nil {
		return err
	}

	newBranch := BackportBranchName(req.PR.Head.Ref, req.Target)
	exists, err := shell.HasRemoteBranch(ctx, newBranch)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("branch %s already exists", newBranch)
	}

	if err := shell.CheckoutBranch(ctx, newBranch, "origin/"+req.Target); err != nil {
		return err
	}

	sha := req.PR.MergeCommitSHA
	if sha == "" {
		return fmt.Errorf("PR #%d has no merge commit", req.PR.Number)
	}

	mode, err := b.cherryPick(ctx, shell, sha)
	if err != nil {
		return err
	}

	authorName, authorEmail, err := shell.CommitAuthor(ctx, sha)
	if err != nil {
		return err
	}
	origMessage, err := shell.CommitMessage(ctx, sha)
	if err != nil {
		return err
	}

	commit := githost.PushCommit{ID: sha, Msg: origMessage}
	title := RewriteTitle(githost.CommitTitle(commit), req.PR.Head.Ref, req.Target, req.ReleaseBranchPrefix)
	body := githost.CommitBody(commit)
	if body != "" {
		body += "\n\n"
	}
	body += fmt.Sprintf("(cherry-picked from %s, PR #%d)", sha, req.PR.Number)

	if err := shell.AmendCommit(ctx, title+"\n\n"+body, authorName, authorEmail); err != nil {
		return err
	}
	if err := shell.Push(ctx, newBranch); err != nil {
		return err
	}

	newPR, err := host.CreatePullRequest(ctx, owner, repo, title, body, newBranch, req.Target)
	if err != nil {
		return err
	}

	assignees := dedupLogins(append(req.PR.Assignees, req.PR.User))
	if len(assignees) > 0 {
		if err := host.AssignPullRequest(ctx, owner, repo, newPR.Number, assignees); err != nil {
			log.WithError(err).Error("could not assign backport PR")
		}
	}

	var reviewers []string
	for _, r := range dedupLogins(req.PR.AllReviewers()) {
		if r != req.PR.User.GetLogin() {
			reviewers = append(reviewers, r)
		}
	}
	if len(reviewers) > 0 {
		if err := host.RequestReview(ctx, owner, repo, newPR.Number, reviewers); err != nil {
			log.WithError(err).Error("could not request review on backport PR")
		}
	}

	if mode != "" {
		note := fmt.Sprintf("Cherry-pick needed whitespace leniency: applied with `-X %s`.", mode)
		if err := host.CommentPullRequest(ctx, owner, repo, newPR.Number, note); err != nil {
			log.WithError(err).Error("could not comment whitespace mode")
		}
	}

	log.Infof("backported PR #%d to %s as #%d", req.PR.Number, req.Target, newPR.Number)
	return nil
}

// cherryPick tries the pick plain, then with increasing whitespace
// leniency. Returns the mode that succeeded ("" for plain).
func (b *Backporter) cherryPick(ctx context.Context, shell gitShell, sha string) (string, error) {
	var err error
	for _, mode := range cherryPickModes {
		if err = shell.CherryPick(ctx, sha, mode); err == nil {
			return mode, nil
		}
	}
	return "", fmt.Errorf("cherry-pick of %s failed: %w", sha, err)
}

func (b *Backporter) reportFailure(ctx context.Context, host Host, req BackportRequest, runErr error) {
	owner, repo := req.Repo.Owner.GetLogin(), req.Repo.Name
	msg := fmt.Sprintf("Backport of Pull Request #%d to branch %s failed: %v", req.PR.Number, req.Target, runErr)

	b.messenger.SendToUser(ctx, messenger.Notification{
		Message: msg,
		Repo:    req.Repo,
		Branch:  req.PR.Base.Ref,
	}, req.PR.User)

	if err := host.CommentPullRequest(ctx, owner, repo, req.PR.Number, msg); err != nil {
		b.log.WithError(err).Error("could not comment backport failure")
	}
	if err := host.AddPullRequestLabels(ctx, owner, repo, req.PR.Number, []string{failedBackportLabel}); err != nil {
		b.log.WithError(err).Error("could not label backport failure")
	}
}

func dedupLogins(users []githost.User) []string {
	seen := map[string]bool{}
	var out []string
	for _, u := range users {
		login := u.GetLogin()
		if login == "" || seen[login] {
			continue
		}
		seen[login] = true
		out = append(out, login)
	}
	return out
}
