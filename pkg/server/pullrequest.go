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
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mergehub/hub/pkg/chat"
	"github.com/mergehub/hub/pkg/githost"
	"github.com/mergehub/hub/pkg/jira"
	"github.com/mergehub/hub/pkg/messenger"
	"github.com/mergehub/hub/pkg/runner"
	"github.com/mergehub/hub/pkg/worker"
)

// maxCommitsForTrackerConsideration caps how many commits a PR may have
// before its issue keys are ignored on submit-for-review.
const maxCommitsForTrackerConsideration = 20

// notifyMode selects how far a PR notification fans out.
type notifyMode int

const (
	notifyNone notifyMode = iota
	notifyChannel
	notifyAll
)

func (d *Dispatcher) handlePullRequest(ctx context.Context, log logrus.FieldLogger, event *githost.HookBody) (int, string) {
	pr := event.PullRequest
	if pr == nil {
		return http.StatusBadRequest, "no pull request"
	}
	repo := event.Repository

	verb, mode := d.pullRequestVerb(event)

	if event.Action == "labeled" {
		if pr.Merged && event.Label != nil {
			d.enqueueBackport(log, repo, pr, event.Label.Name)
			return http.StatusOK, "pr [backport]"
		}
		return http.StatusOK, "pr [ignored]"
	}
	if verb == "" {
		return http.StatusOK, "pr [ignored]"
	}

	commits := d.commitLikes(ctx, log, repo, pr.Number)

	if mode != notifyNone && !pr.IsDraft() {
		n := messenger.Notification{
			Message: "Pull Request " + verb,
			Attachments: []chat.Attachment{
				chat.NewAttachment("").
					Title(fmt.Sprintf("Pull Request #%d: \"%s\"", pr.Number, pr.Title)).
					TitleLink(pr.HTMLURL).
					Build(),
			},
			Repo:          *repo,
			Branch:        pr.Base.Ref,
			Commits:       commits,
			Sender:        event.Sender,
			Item:          pr,
			Participants:  commitAuthors(commits),
			Teams:         pr.RequestedTeams,
			TeamLister:    d.host,
			ThreadGUID:    threadGUID(repo, pr.Number),
			InitialThread: event.Action == "opened",
		}
		switch mode {
		case notifyAll:
			d.messenger.SendToAll(ctx, n)
		case notifyChannel:
			d.messenger.SendToChannel(ctx, n)
		}
	}

	switch event.Action {
	case "opened", "ready_for_review", "edited", "synchronize":
		d.postReferenceCheck(ctx, log, repo, pr, commits)
	}

	if event.Action == "opened" || event.Action == "ready_for_review" {
		d.submitForReview(ctx, repo, pr, commits)
	}

	if verb == "merged" {
		d.backportAllLabels(ctx, log, repo, pr)
	}

	return http.StatusOK, "pr"
}

// pullRequestVerb maps a PR action to its announcement text and fan-out
// mode. An empty verb means the action is not announced.
func (d *Dispatcher) pullRequestVerb(event *githost.HookBody) (string, notifyMode) {
	pr := event.PullRequest

	switch event.Action {
	case "opened":
		return "opened by " + d.messenger.ChatName(pr.User), notifyChannel
	case "closed":
		if pr.Merged {
			return "merged", notifyAll
		}
		return "closed", notifyAll
	case "reopened":
		return "reopened", notifyChannel
	case "edited":
		return "edited", notifyNone
	case "ready_for_review":
		return "is ready for review", notifyAll
	case "assigned":
		return "assigned to " + d.joinChatNames(pr.Assignees), notifyAll
	case "unassigned":
		return "unassigned", notifyChannel
	case "review_requested":
		names := "<nobody>"
		if len(pr.RequestedReviewers) > 0 {
			names = d.joinChatNames(pr.RequestedReviewers)
		}
		return fmt.Sprintf("by %s submitted for review to %s", d.messenger.ChatName(pr.User), names), notifyAll
	case "synchronize":
		return "synchronize", notifyNone
	default:
		return "", notifyNone
	}
}

func (d *Dispatcher) joinChatNames(users []githost.User) string {
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, d.messenger.ChatName(u))
	}
	return strings.Join(names, ", ")
}

// postReferenceCheck records the issue-reference check-run on the PR
// head commit.
func (d *Dispatcher) postReferenceCheck(ctx context.Context, log logrus.FieldLogger, repo *githost.Repo, pr *githost.PullRequest, commits []githost.CommitLike) {
	projects := d.repos.JiraProjects(*repo, pr.Base.Ref)
	check := jira.ReferenceCheck(pr.Title, commits, projects)
	if check == nil || pr.Head.SHA == "" {
		return
	}
	check.HeadSHA = pr.Head.SHA
	if err := d.host.CreateCheckRun(ctx, repo.Owner.GetLogin(), repo.Name, *check); err != nil {
		log.WithError(err).Errorf("could not post %s check on PR #%d", check.Name, pr.Number)
	}
}

// submitForReview moves the referenced issues toward review, unless the
// PR carries too many commits to trust its keys.
func (d *Dispatcher) submitForReview(ctx context.Context, repo *githost.Repo, pr *githost.PullRequest, commits []githost.CommitLike) {
	if d.workflow == nil {
		return
	}
	projects := d.repos.JiraProjects(*repo, pr.Base.Ref)
	if len(projects) == 0 {
		return
	}

	if len(commits) > maxCommitsForTrackerConsideration {
		d.messenger.SendToOwner(ctx, messenger.Notification{
			Message: fmt.Sprintf("Too many commits on Pull Request #%d. Ignoring JIRAs.", pr.Number),
			Repo:    *repo,
			Branch:  pr.Base.Ref,
			Item:    pr,
		})
		return
	}

	d.workflow.SubmitForReview(ctx, pr, commits, projects)
}

// backportAllLabels enqueues one backport per matching label currently
// on a merged PR.
func (d *Dispatcher) backportAllLabels(ctx context.Context, log logrus.FieldLogger, repo *githost.Repo, pr *githost.PullRequest) {
	labels, err := d.host.GetPullRequestLabels(ctx, repo.Owner.GetLogin(), repo.Name, pr.Number)
	if err != nil {
		log.WithError(err).Errorf("could not list labels on PR #%d", pr.Number)
		return
	}
	for _, label := range labels {
		d.enqueueBackport(log, repo, pr, label.Name)
	}
}

func (d *Dispatcher) enqueueBackport(log logrus.FieldLogger, repo *githost.Repo, pr *githost.PullRequest, labelName string) {
	m := runner.BackportLabelRegex.FindStringSubmatch(labelName)
	if m == nil {
		return
	}
	prefix := d.repos.ReleaseBranchPrefix(*repo)

	req := runner.BackportRequest{
		Repo:                *repo,
		PR:                  *pr,
		Target:              runner.TargetBranch(m[1], prefix),
		ReleaseBranchPrefix: prefix,
	}
	log.Infof("enqueueing backport of PR #%d to %s", pr.Number, req.Target)
	d.pool.Submit(worker.Job{
		Kind: worker.KindBackport,
		Run: func(ctx context.Context) {
			d.backporter.Run(ctx, d.host, req)
		},
	})
}
