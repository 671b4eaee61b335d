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

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mergehub/hub/pkg/config"
	"github.com/mergehub/hub/pkg/githost"
	"github.com/mergehub/hub/pkg/jira"
	"github.com/mergehub/hub/pkg/messenger"
	"github.com/mergehub/hub/pkg/runner"
	"github.com/mergehub/hub/pkg/worker"
)

// Host is the full source-host surface the dispatcher consumes: the
// runner capabilities plus the lookups only handlers need. The githost
// session implements it.
type Host interface {
	runner.Host

	ListPullRequests(ctx context.Context, owner, repo, state, head string) ([]githost.PullRequest, error)
	ListPullRequestsByCommit(ctx context.Context, owner, repo, sha string) ([]githost.PullRequest, error)
	GetPullRequestCommits(ctx context.Context, owner, repo string, number int) ([]githost.Commit, error)
	GetPullRequestLabels(ctx context.Context, owner, repo string, number int) ([]githost.Label, error)
	GetPullRequestReviews(ctx context.Context, owner, repo string, number int) ([]githost.Review, error)
	CreateCheckRun(ctx context.Context, owner, repo string, run githost.CheckRun) error
	GetTeamMembers(ctx context.Context, org string, teamID int64) ([]githost.User, error)
}

// Dispatcher routes one parsed webhook event to its handler. Heavy work
// (clones, cherry-picks, version scripts) goes to the worker pool; chat
// and tracker traffic happens inline.
type Dispatcher struct {
	log       logrus.FieldLogger
	users     *config.UserStore
	repos     *config.RepoStore
	chatCfg   config.ChatConfig
	host      Host
	messenger *messenger.Messenger
	// workflow is nil when no issue tracker is configured
	workflow *jira.Workflow
	pool     *worker.Pool

	backporter  *runner.Backporter
	forcePusher *runner.ForcePusher
	versioner   *runner.Versioner
}

// DispatcherDeps carries the collaborators a Dispatcher needs.
type DispatcherDeps struct {
	Users       *config.UserStore
	Repos       *config.RepoStore
	ChatConfig  config.ChatConfig
	Host        Host
	Messenger   *messenger.Messenger
	Workflow    *jira.Workflow
	Pool        *worker.Pool
	Backporter  *runner.Backporter
	ForcePusher *runner.ForcePusher
	Versioner   *runner.Versioner
}

func NewDispatcher(log logrus.FieldLogger, deps DispatcherDeps) *Dispatcher {
	return &Dispatcher{
		log:         log.WithField("component", "dispatch"),
		users:       deps.Users,
		repos:       deps.Repos,
		chatCfg:     deps.ChatConfig,
		host:        deps.Host,
		messenger:   deps.Messenger,
		workflow:    deps.Workflow,
		pool:        deps.Pool,
		backporter:  deps.Backporter,
		forcePusher: deps.ForcePusher,
		versioner:   deps.Versioner,
	}
}

// Dispatch handles one authenticated, deduplicated delivery. The status
// and tag feed the ingress response and the logs; handler-internal
// failures degrade to logging and never fail the delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, kind string, body []byte) (int, string) {
	if kind == "ping" {
		return http.StatusOK, "ping"
	}

	var event githost.HookBody
	if err := json.Unmarshal(body, &event); err != nil {
		d.log.WithError(err).Error("undecodable webhook body")
		return http.StatusBadRequest, "bad json"
	}

	if event.Repository == nil {
		// installation events and friends carry no repository
		return http.StatusOK, "no repository"
	}

	log := d.log.WithFields(logrus.Fields{
		"event": kind,
		"repo":  event.Repository.FullName,
	})

	d.remapIssueToPullRequest(ctx, log, &event)
	d.refreshPullRequest(ctx, log, &event)

	switch kind {
	case "pull_request":
		return d.handlePullRequest(ctx, log, &event)
	case "pull_request_review":
		return d.handlePullRequestReview(ctx, log, &event)
	case "pull_request_review_comment":
		return d.handleReviewComment(ctx, log, &event)
	case "issue_comment":
		return d.handleIssueComment(ctx, log, &event)
	case "commit_comment":
		return d.handleCommitComment(ctx, log, &event)
	case "push":
		return d.handlePush(ctx, log, &event)
	default:
		return http.StatusOK, "unhandled"
	}
}

// remapIssueToPullRequest refetches an "issue" that is really a pull
// request, so issue-comment events on PRs carry full PR context.
func (d *Dispatcher) remapIssueToPullRequest(ctx context.Context, log logrus.FieldLogger, event *githost.HookBody) {
	if event.Issue == nil || event.PullRequest != nil {
		return
	}
	if !strings.Contains(event.Issue.HTMLURL, "/pull/") {
		return
	}

	pr, err := d.host.GetPullRequest(ctx, event.Repository.Owner.GetLogin(), event.Repository.Name, event.Issue.Number)
	if err != nil {
		log.WithError(err).Errorf("could not refetch issue #%d as pull request", event.Issue.Number)
		return
	}
	event.PullRequest = &pr
	event.Issue = nil
}

// refreshPullRequest replaces a payload PR that lacks reviewer data
// with a fresh API copy. Webhook payloads carry requested_reviewers but
// never reviews, so a PR missing either list is refetched. The
// payload's draft flag and head sha are authoritative: the API may
// already be ahead of this delivery.
func (d *Dispatcher) refreshPullRequest(ctx context.Context, log logrus.FieldLogger, event *githost.HookBody) {
	orig := event.PullRequest
	if orig == nil || (len(orig.RequestedReviewers) > 0 && len(orig.Reviews) > 0) {
		return
	}
	owner, repo := event.Repository.Owner.GetLogin(), event.Repository.Name

	fresh, err := d.host.GetPullRequest(ctx, owner, repo, orig.Number)
	if err != nil {
		log.WithError(err).Errorf("could not refetch PR #%d", orig.Number)
		return
	}
	reviews, err := d.host.GetPullRequestReviews(ctx, owner, repo, orig.Number)
	if err != nil {
		log.WithError(err).Errorf("could not fetch reviews for PR #%d", orig.Number)
	} else {
		fresh.Reviews = reviews
	}

	if orig.Head.SHA != "" && fresh.Head.SHA != orig.Head.SHA {
		log.Warnf("PR #%d head moved during delivery: payload %s, API %s",
			orig.Number, githost.ShortSHA(orig.Head.SHA), githost.ShortSHA(fresh.Head.SHA))
		fresh.Head.SHA = orig.Head.SHA
	}
	fresh.Draft = orig.Draft

	*event.PullRequest = fresh
}

// commitLikes fetches a PR's commits as the interface the key extractor
// and messenger want. Lookup failure degrades to an empty list.
func (d *Dispatcher) commitLikes(ctx context.Context, log logrus.FieldLogger, repo *githost.Repo, number int) []githost.CommitLike {
	commits, err := d.host.GetPullRequestCommits(ctx, repo.Owner.GetLogin(), repo.Name, number)
	if err != nil {
		log.WithError(err).Errorf("could not list commits for PR #%d", number)
		return nil
	}
	out := make([]githost.CommitLike, 0, len(commits))
	for _, c := range commits {
		out = append(out, c)
	}
	return out
}

// commitAuthors collects the distinct commit authors for the
// notification fan-out.
func commitAuthors(commits []githost.CommitLike) []githost.User {
	var out []githost.User
	for _, c := range commits {
		if commit, ok := c.(githost.Commit); ok && commit.Author != nil {
			out = append(out, *commit.Author)
		}
	}
	return out
}

func pushCommitLikes(commits []githost.PushCommit) []githost.CommitLike {
	out := make([]githost.CommitLike, 0, len(commits))
	for _, c := range commits {
		out = append(out, c)
	}
	return out
}

// threadGUID is the stable per-PR thread key.
func threadGUID(repo *githost.Repo, number int) string {
	return fmt.Sprintf("%s/%d", repo.FullName, number)
}

// ignoredCommenter reports whether a comment author should be dropped:
// the bot itself, or anyone on the configured ignore list.
func (d *Dispatcher) ignoredCommenter(user githost.User) bool {
	login := user.GetLogin()
	if login == d.host.BotLogin() {
		return true
	}
	for _, ignored := range d.chatCfg.IgnoredUsers {
		if login == ignored {
			return true
		}
	}
	return false
}
