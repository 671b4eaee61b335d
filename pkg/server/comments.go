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
	"github.com/mergehub/hub/pkg/messenger"
	"github.com/mergehub/hub/pkg/util"
)

func (d *Dispatcher) handleIssueComment(ctx context.Context, log logrus.FieldLogger, event *githost.HookBody) (int, string) {
	if event.Action != "created" || event.Comment == nil {
		return http.StatusOK, "issue_comment [ignored]"
	}

	var item githost.PullRequestLike
	switch {
	case event.PullRequest != nil:
		item = event.PullRequest
	case event.Issue != nil:
		item = event.Issue
	default:
		return http.StatusOK, "issue_comment [ignored]"
	}

	d.sendItemComment(ctx, event, item, event.Comment)
	return http.StatusOK, "issue_comment"
}

func (d *Dispatcher) handleReviewComment(ctx context.Context, log logrus.FieldLogger, event *githost.HookBody) (int, string) {
	if event.Action != "created" || event.PullRequest == nil || event.Comment == nil {
		return http.StatusOK, "pr_review_comment [ignored]"
	}
	d.sendItemComment(ctx, event, event.PullRequest, event.Comment)
	return http.StatusOK, "pr_review_comment"
}

func (d *Dispatcher) handlePullRequestReview(ctx context.Context, log logrus.FieldLogger, event *githost.HookBody) (int, string) {
	pr, review := event.PullRequest, event.Review
	if event.Action != "submitted" || pr == nil || review == nil {
		return http.StatusOK, "pr_review [ignored]"
	}

	var stateTitle, actionText, color string
	switch review.State {
	case "approved":
		stateTitle, actionText, color = "Review: Approved", "approved", "good"
	case "changes_requested":
		stateTitle, actionText, color = "Review: Changes Requested", "requested changes to", "danger"
	case "commented":
		// a review that is only a comment goes through the comment path
		d.sendItemComment(ctx, event, pr, review)
		return http.StatusOK, "pr_review [comment]"
	default:
		return http.StatusOK, "pr_review [ignored]"
	}

	if d.ignoredCommenter(review.User) || pr.IsDraft() {
		return http.StatusOK, "pr_review [ignored]"
	}

	commits := d.commitLikes(ctx, log, event.Repository, pr.Number)
	d.messenger.SendToAll(ctx, messenger.Notification{
		Message: fmt.Sprintf("%s %s PR \"%s\"",
			d.messenger.ChatName(review.User), actionText, util.MakeLink(pr.HTMLURL, pr.Title)),
		Attachments: []chat.Attachment{
			chat.NewAttachment(strings.TrimSpace(review.Body)).
				Title(stateTitle).
				TitleLink(review.HTMLURL).
				Color(color).
				Build(),
		},
		Repo:         *event.Repository,
		Branch:       pr.Base.Ref,
		Commits:      commits,
		Sender:       event.Sender,
		Item:         pr,
		Participants: mentionedParticipants(review.Body),
		Teams:        pr.RequestedTeams,
		TeamLister:   d.host,
		ThreadGUID:   threadGUID(event.Repository, pr.Number),
	})

	return http.StatusOK, "pr_review"
}

// sendItemComment fans one comment on a PR or issue out to everyone
// involved.
func (d *Dispatcher) sendItemComment(ctx context.Context, event *githost.HookBody, item githost.PullRequestLike, comment githost.CommentLike) {
	body := strings.TrimSpace(comment.CommentBody())
	if body == "" {
		return
	}
	if d.ignoredCommenter(comment.CommentUser()) {
		d.log.Infof("ignoring comment from %s", comment.CommentUser().GetLogin())
		return
	}

	var commits []githost.CommitLike
	if item.HasCommits() {
		commits = d.commitLikes(ctx, d.log, event.Repository, item.PRNumber())
	}

	d.messenger.SendToAll(ctx, messenger.Notification{
		Message: fmt.Sprintf("Comment on \"%s\"", util.MakeLink(item.PRHTMLURL(), item.PRTitle())),
		Attachments: []chat.Attachment{
			chat.NewAttachment(body).
				Title(d.messenger.ChatName(comment.CommentUser()) + " said:").
				TitleLink(comment.CommentHTMLURL()).
				Build(),
		},
		Repo:         *event.Repository,
		Commits:      commits,
		Sender:       event.Sender,
		Item:         item,
		Participants: mentionedParticipants(comment.CommentBody()),
		TeamLister:   d.host,
		ThreadGUID:   threadGUID(event.Repository, item.PRNumber()),
	})
}

func (d *Dispatcher) handleCommitComment(ctx context.Context, log logrus.FieldLogger, event *githost.HookBody) (int, string) {
	comment := event.Comment
	if event.Action != "created" || comment == nil || comment.CommitID == "" {
		return http.StatusOK, "commit_comment [ignored]"
	}
	body := strings.TrimSpace(comment.Body)
	if body == "" || d.ignoredCommenter(comment.User) {
		return http.StatusOK, "commit_comment [ignored]"
	}
	repo := event.Repository

	short := githost.ShortSHA(comment.CommitID)
	commitURL := fmt.Sprintf("%s/commit/%s", repo.HTMLURL, comment.CommitID)
	commitPath := comment.Path
	if commitPath == "" {
		commitPath = short
	}

	n := messenger.Notification{
		Message: fmt.Sprintf("Comment on \"%s\" (%s)", commitPath, util.MakeLink(commitURL, short)),
		Attachments: []chat.Attachment{
			chat.NewAttachment(body).
				Title(d.messenger.ChatName(comment.User) + " said:").
				TitleLink(comment.HTMLURL).
				Build(),
		},
		Repo:         *repo,
		Sender:       event.Sender,
		Participants: mentionedParticipants(comment.Body),
		TeamLister:   d.host,
	}

	// thread under the PRs that contain the commit, when any exist
	prs, err := d.host.ListPullRequestsByCommit(ctx, repo.Owner.GetLogin(), repo.Name, comment.CommitID)
	if err != nil {
		log.WithError(err).Errorf("could not find PRs containing %s", short)
	}
	if len(prs) == 0 {
		d.messenger.SendToAll(ctx, n)
		return http.StatusOK, "commit_comment"
	}
	for i := range prs {
		pr := prs[i]
		n.Item = &pr
		n.ThreadGUID = threadGUID(repo, pr.Number)
		d.messenger.SendToAll(ctx, n)
	}
	return http.StatusOK, "commit_comment"
}

// mentionedParticipants turns @mentions in a body into explicit
// notification recipients.
func mentionedParticipants(body string) []githost.User {
	var out []githost.User
	for _, login := range util.MentionedUsers(body) {
		out = append(out, githost.NewUser(login))
	}
	return out
}
