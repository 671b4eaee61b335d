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
	"github.com/mergehub/hub/pkg/runner"
	"github.com/mergehub/hub/pkg/util"
	"github.com/mergehub/hub/pkg/worker"
)

func (d *Dispatcher) handlePush(ctx context.Context, log logrus.FieldLogger, event *githost.HookBody) (int, string) {
	if event.Created || event.Deleted {
		return http.StatusOK, "push [ignored]"
	}
	repo := event.Repository
	branch := strings.TrimPrefix(event.Ref, "refs/heads/")
	if branch == "" || event.After == "" || event.Before == "" {
		return http.StatusOK, "push [ignored]"
	}
	log = log.WithField("branch", branch)

	prefix := d.repos.ReleaseBranchPrefix(*repo)
	versioned := githost.IsMainBranch(branch) || (prefix != "" && strings.HasPrefix(branch, prefix))

	if !versioned {
		d.notifyBranchPush(ctx, log, event, branch)
		return http.StatusOK, "push"
	}

	bindings := d.repos.JiraBindings(*repo, branch)
	if d.workflow == nil || len(bindings) == 0 {
		return http.StatusOK, "push [no jira]"
	}

	req := runner.RepoVersionRequest{
		Repo:     *repo,
		Branch:   branch,
		Commit:   event.After,
		Commits:  pushCommitLikes(event.Commits),
		Bindings: bindings,
	}
	log.Info("enqueueing version-script job")
	d.pool.Submit(worker.Job{
		Kind: worker.KindRepoVersion,
		Run: func(ctx context.Context) {
			d.versioner.Run(ctx, d.host, req)
		},
	})
	return http.StatusOK, "push"
}

// notifyBranchPush announces a push to a feature branch on every open
// PR whose head matches, checks their issue references, and kicks off
// force-push analysis when warranted.
func (d *Dispatcher) notifyBranchPush(ctx context.Context, log logrus.FieldLogger, event *githost.HookBody, branch string) {
	repo := event.Repository

	open, err := d.host.ListPullRequests(ctx, repo.Owner.GetLogin(), repo.Name, "open", "")
	if err != nil {
		log.WithError(err).Error("could not list open PRs")
		return
	}

	// the push payload may race PR head updates, so match either side
	var prs []githost.PullRequest
	for _, pr := range open {
		if pr.Head.SHA == event.Before || pr.Head.SHA == event.After {
			prs = append(prs, pr)
		}
	}
	if len(prs) == 0 {
		log.Infof("no open PRs at %s", githost.ShortSHA(event.After))
		return
	}

	commitAttachments := make([]chat.Attachment, 0, len(event.Commits))
	for _, c := range event.Commits {
		line := fmt.Sprintf("%s: %s", util.MakeLink(c.URL, githost.ShortSHA(c.ID)), githost.CommitTitle(c))
		commitAttachments = append(commitAttachments, chat.NewAttachment(line).Build())
	}
	message := fmt.Sprintf("%s pushed %d commit(s) to branch %s",
		d.messenger.ChatName(event.Sender), len(event.Commits), branch)

	for i := range prs {
		pr := prs[i]

		if !pr.IsDraft() {
			attachments := append([]chat.Attachment{
				chat.NewAttachment("").
					Title(fmt.Sprintf("Pull Request #%d: \"%s\"", pr.Number, pr.Title)).
					TitleLink(pr.HTMLURL).
					Build(),
			}, commitAttachments...)

			d.messenger.SendToAll(ctx, messenger.Notification{
				Message:     message,
				Attachments: attachments,
				Repo:        *repo,
				Branch:      pr.Base.Ref,
				Commits:     pushCommitLikes(event.Commits),
				Sender:      event.Sender,
				Item:        &pr,
				Teams:       pr.RequestedTeams,
				TeamLister:  d.host,
				ThreadGUID:  threadGUID(repo, pr.Number),
			})
		}

		prCommits := d.commitLikes(ctx, log, repo, pr.Number)
		d.postReferenceCheck(ctx, log, repo, &pr, prCommits)

		if event.Forced && d.repos.ForcePushNotify(*repo) && !pr.IsDraft() {
			req := runner.ForcePushRequest{
				Repo:   *repo,
				PR:     pr,
				Before: event.Before,
				After:  event.After,
			}
			log.Infof("enqueueing force-push analysis for PR #%d", pr.Number)
			d.pool.Submit(worker.Job{
				Kind: worker.KindForcePush,
				Run: func(ctx context.Context) {
					d.forcePusher.Run(ctx, d.host, req)
				},
			})
		}
	}
}
