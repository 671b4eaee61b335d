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
	"net/http"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergehub/hub/pkg/chat"
	"github.com/mergehub/hub/pkg/config"
	"github.com/mergehub/hub/pkg/db"
	"github.com/mergehub/hub/pkg/githost"
	"github.com/mergehub/hub/pkg/messenger"
	"github.com/mergehub/hub/pkg/metrics"
	"github.com/mergehub/hub/pkg/worker"
)

// fakeHost serves the dispatcher's source-host lookups from canned
// data and records its writes.
type fakeHost struct {
	prs       map[int]githost.PullRequest
	reviews   map[int][]githost.Review
	commits   map[int][]githost.Commit
	labels    map[int][]githost.Label
	openPRs   []githost.PullRequest
	byCommit  map[string][]githost.PullRequest
	checkRuns []githost.CheckRun
	comments  map[int][]string
}

func newDispatchFakeHost() *fakeHost {
	return &fakeHost{
		prs:      map[int]githost.PullRequest{},
		reviews:  map[int][]githost.Review{},
		commits:  map[int][]githost.Commit{},
		labels:   map[int][]githost.Label{},
		byCommit: map[string][]githost.PullRequest{},
		comments: map[int][]string{},
	}
}

func (f *fakeHost) Host() string     { return "github.com" }
func (f *fakeHost) BotLogin() string { return "hub-bot" }
func (f *fakeHost) Token(context.Context, string, string) (string, error) {
	return "t", nil
}

func (f *fakeHost) GetPullRequest(_ context.Context, _, _ string, number int) (githost.PullRequest, error) {
	return f.prs[number], nil
}

func (f *fakeHost) CreatePullRequest(context.Context, string, string, string, string, string, string) (githost.PullRequest, error) {
	return githost.PullRequest{}, nil
}

func (f *fakeHost) AddPullRequestLabels(context.Context, string, string, int, []string) error {
	return nil
}
func (f *fakeHost) AssignPullRequest(context.Context, string, string, int, []string) error {
	return nil
}
func (f *fakeHost) RequestReview(context.Context, string, string, int, []string) error { return nil }

func (f *fakeHost) CommentPullRequest(_ context.Context, _, _ string, number int, comment string) error {
	f.comments[number] = append(f.comments[number], comment)
	return nil
}

func (f *fakeHost) ApprovePullRequest(context.Context, string, string, int, string, string) error {
	return nil
}
func (f *fakeHost) CreateBranch(context.Context, string, string, string, string) error { return nil }
func (f *fakeHost) DeleteBranch(context.Context, string, string, string) error         { return nil }

func (f *fakeHost) GetTimeline(context.Context, string, string, int) ([]githost.TimelineEvent, error) {
	return nil, nil
}

func (f *fakeHost) ListPullRequests(context.Context, string, string, string, string) ([]githost.PullRequest, error) {
	return f.openPRs, nil
}

func (f *fakeHost) ListPullRequestsByCommit(_ context.Context, _, _ string, sha string) ([]githost.PullRequest, error) {
	return f.byCommit[sha], nil
}

func (f *fakeHost) GetPullRequestCommits(_ context.Context, _, _ string, number int) ([]githost.Commit, error) {
	return f.commits[number], nil
}

func (f *fakeHost) GetPullRequestLabels(_ context.Context, _, _ string, number int) ([]githost.Label, error) {
	return f.labels[number], nil
}

func (f *fakeHost) GetPullRequestReviews(_ context.Context, _, _ string, number int) ([]githost.Review, error) {
	return f.reviews[number], nil
}

func (f *fakeHost) CreateCheckRun(_ context.Context, _, _ string, run githost.CheckRun) error {
	f.checkRuns = append(f.checkRuns, run)
	return nil
}

func (f *fakeHost) GetTeamMembers(context.Context, string, int64) ([]githost.User, error) {
	return nil, nil
}

type dispatchFixture struct {
	dispatcher *Dispatcher
	host       *fakeHost
	users      *config.UserStore
	sent       *[]chat.Request
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "db.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	users := config.NewUserStore(database)
	require.NoError(t, users.Insert(&config.UserInfo{Github: "the-pr-owner", ChatName: "the.pr.owner", ChatID: "U-OWNER"}))

	repos := config.NewRepoStore(database)
	require.NoError(t, repos.Insert(&config.RepoInfo{
		Repo:                "the-org/the-repo",
		Channel:             "#repo",
		ReleaseBranchPrefix: "release/",
		JiraConfigs: []config.JiraBinding{
			{Project: "SER"},
			{Project: "CLI"},
		},
	}))

	log := logrus.WithField("test", t.Name())
	host := newDispatchFakeHost()

	var sent []chat.Request
	m := messenger.New(log, users, repos, githost.NewTeamsCache(), "hub-bot",
		func(req chat.Request) { sent = append(sent, req) })

	// a shut-down pool drops submitted jobs, keeping tests hermetic
	pool := worker.NewPool(log, metrics.New())
	pool.Shutdown()

	d := NewDispatcher(log, DispatcherDeps{
		Users:      users,
		Repos:      repos,
		ChatConfig: config.ChatConfig{IgnoredUsers: []string{"ignored-bot"}},
		Host:       host,
		Messenger:  m,
		Pool:       pool,
	})
	return &dispatchFixture{dispatcher: d, host: host, users: users, sent: &sent}
}

func marshal(t *testing.T, event githost.HookBody) []byte {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return body
}

func dispatchRepo() *githost.Repo {
	return &githost.Repo{
		HTMLURL:  "http://git.example.com/the-org/the-repo",
		FullName: "the-org/the-repo",
		Name:     "the-repo",
		Owner:    githost.NewUser("the-org"),
	}
}

func TestDispatchPing(t *testing.T) {
	f := newDispatchFixture(t)
	status, tag := f.dispatcher.Dispatch(context.Background(), "ping", []byte(`{"zen":"ok"}`))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ping", tag)
	assert.Empty(t, *f.sent)
}

func TestDispatchUnhandledKind(t *testing.T) {
	f := newDispatchFixture(t)
	body := marshal(t, githost.HookBody{Repository: dispatchRepo()})
	status, tag := f.dispatcher.Dispatch(context.Background(), "watch", body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "unhandled", tag)
}

func TestDispatchNoRepository(t *testing.T) {
	f := newDispatchFixture(t)
	status, tag := f.dispatcher.Dispatch(context.Background(), "installation", []byte(`{"action":"created"}`))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "no repository", tag)
}

func TestDispatchPullRequestOpened(t *testing.T) {
	f := newDispatchFixture(t)

	pr := githost.PullRequest{
		Number:  32,
		Title:   "The PR",
		HTMLURL: "http://git.example.com/the-org/the-repo/pull/32",
		User:    githost.NewUser("the-pr-owner"),
		Head:    githost.BranchRef{Ref: "pr-branch", SHA: "ffeedd00110022"},
		Base:    githost.BranchRef{Ref: "master"},
	}
	f.host.prs[32] = pr
	f.host.commits[32] = []githost.Commit{
		{CommitSHA: "ffeedd00110011", Commit: githost.CommitDetails{Message: "I made a commit!"}},
		{
			CommitSHA: "ffeedd00110022",
			Commit:    githost.CommitDetails{Message: "I also made a commit!"},
			Author:    &githost.User{Login: "the-pr-owner"},
		},
	}

	status, tag := f.dispatcher.Dispatch(context.Background(), "pull_request",
		marshal(t, githost.HookBody{
			Repository:  dispatchRepo(),
			Sender:      githost.NewUser("the-pr-owner"),
			Action:      "opened",
			PullRequest: &pr,
		}))

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pr", tag)

	// one channel message, no DMs for "opened"
	require.Len(t, *f.sent, 1)
	got := (*f.sent)[0]
	assert.Equal(t, "#repo", got.Channel)
	assert.Contains(t, got.Message, "Pull Request opened by the.pr.owner")
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, `Pull Request #32: "The PR"`, got.Attachments[0].Title)
	assert.Equal(t, pr.HTMLURL, got.Attachments[0].TitleLink)
	assert.Equal(t, "the-org/the-repo/32", got.ThreadGUID)
	assert.True(t, got.InitialThread)

	// no issue keys in any commit message
	require.Len(t, f.host.checkRuns, 1)
	check := f.host.checkRuns[0]
	assert.Equal(t, "jira", check.Name)
	assert.Equal(t, "ffeedd00110022", check.HeadSHA)
	assert.Equal(t, githost.CheckConclusionNeutral, check.Conclusion)
	require.NotNil(t, check.Output)
	assert.Equal(t, "Missing JIRA reference", check.Output.Title)
}

func TestDispatchPullRequestVerbs(t *testing.T) {
	testCases := []struct {
		name        string
		action      string
		merged      bool
		expectMsg   string
		expectSends int
	}{
		{name: "merged", action: "closed", merged: true, expectMsg: "Pull Request merged", expectSends: 2},
		{name: "closed", action: "closed", expectMsg: "Pull Request closed", expectSends: 2},
		{name: "reopened", action: "reopened", expectMsg: "Pull Request reopened", expectSends: 1},
		{name: "edited is silent", action: "edited", expectSends: 0},
		{name: "synchronize is silent", action: "synchronize", expectSends: 0},
		{name: "ready for review", action: "ready_for_review", expectMsg: "Pull Request is ready for review", expectSends: 2},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			f := newDispatchFixture(t)
			pr := githost.PullRequest{
				Number:  7,
				Title:   "Some PR",
				HTMLURL: "http://git.example.com/the-org/the-repo/pull/7",
				User:    githost.NewUser("the-pr-owner"),
				Merged:  tc.merged,
				Head:    githost.BranchRef{Ref: "pr-branch", SHA: "abc1234567"},
				Base:    githost.BranchRef{Ref: "master"},
			}
			f.host.prs[7] = pr

			status, _ := f.dispatcher.Dispatch(context.Background(), "pull_request",
				marshal(t, githost.HookBody{
					Repository:  dispatchRepo(),
					Sender:      githost.NewUser("someone-else"),
					Action:      tc.action,
					PullRequest: &pr,
				}))
			require.Equal(t, http.StatusOK, status)

			// owner's DM rides along on "All" notifications
			require.Len(t, *f.sent, tc.expectSends)
			if tc.expectSends > 0 {
				assert.Contains(t, (*f.sent)[0].Message, tc.expectMsg)
				assert.Equal(t, "#repo", (*f.sent)[0].Channel)
			}
			if tc.expectSends > 1 {
				assert.Equal(t, "U-OWNER", (*f.sent)[1].Channel)
			}
		})
	}
}

func TestDispatchRefetchFillsMissingReviews(t *testing.T) {
	f := newDispatchFixture(t)
	require.NoError(t, f.users.Insert(&config.UserInfo{Github: "the-reviewer", ChatName: "the.reviewer", ChatID: "U-REVIEWER"}))
	require.NoError(t, f.users.Insert(&config.UserInfo{Github: "the-requested", ChatName: "the.requested", ChatID: "U-REQUESTED"}))

	pr := githost.PullRequest{
		Number:             14,
		Title:              "Reviewed already",
		HTMLURL:            "http://git.example.com/the-org/the-repo/pull/14",
		User:               githost.NewUser("the-pr-owner"),
		Head:               githost.BranchRef{Ref: "pr-branch", SHA: "abc1234567"},
		Base:               githost.BranchRef{Ref: "master"},
		RequestedReviewers: []githost.User{githost.NewUser("the-requested")},
	}
	f.host.prs[14] = pr
	f.host.reviews[14] = []githost.Review{{State: "approved", User: githost.NewUser("the-reviewer")}}

	status, _ := f.dispatcher.Dispatch(context.Background(), "pull_request",
		marshal(t, githost.HookBody{
			Repository:  dispatchRepo(),
			Sender:      githost.NewUser("someone-else"),
			Action:      "closed",
			PullRequest: &pr,
		}))
	require.Equal(t, http.StatusOK, status)

	// the payload carried a requested reviewer but no reviews; the past
	// reviewer is only reachable through the refetched review list
	var channels []string
	for _, req := range *f.sent {
		channels = append(channels, req.Channel)
	}
	assert.Contains(t, channels, "U-REQUESTED")
	assert.Contains(t, channels, "U-REVIEWER")
}

func TestDispatchDraftNeverNotified(t *testing.T) {
	f := newDispatchFixture(t)
	pr := githost.PullRequest{
		Number:  8,
		Title:   "Half-done",
		HTMLURL: "http://git.example.com/the-org/the-repo/pull/8",
		User:    githost.NewUser("the-pr-owner"),
		Head:    githost.BranchRef{Ref: "pr-branch", SHA: "abc1234567"},
		Base:    githost.BranchRef{Ref: "master"},
		Draft:   true,
	}
	f.host.prs[8] = pr

	status, _ := f.dispatcher.Dispatch(context.Background(), "pull_request",
		marshal(t, githost.HookBody{
			Repository:  dispatchRepo(),
			Action:      "opened",
			PullRequest: &pr,
		}))
	require.Equal(t, http.StatusOK, status)

	assert.Empty(t, *f.sent)
	// the reference check still runs on drafts
	assert.Len(t, f.host.checkRuns, 1)
}

func TestDispatchPullRequestLabeledBackport(t *testing.T) {
	f := newDispatchFixture(t)
	pr := githost.PullRequest{
		Number: 9,
		Title:  "Done",
		User:   githost.NewUser("the-pr-owner"),
		Merged: true,
		Head:   githost.BranchRef{Ref: "pr-branch"},
		Base:   githost.BranchRef{Ref: "master"},
	}
	f.host.prs[9] = pr

	status, tag := f.dispatcher.Dispatch(context.Background(), "pull_request",
		marshal(t, githost.HookBody{
			Repository:  dispatchRepo(),
			Action:      "labeled",
			PullRequest: &pr,
			Label:       &githost.Label{Name: "backport-1.0"},
		}))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pr [backport]", tag)

	status, tag = f.dispatcher.Dispatch(context.Background(), "pull_request",
		marshal(t, githost.HookBody{
			Repository:  dispatchRepo(),
			Action:      "labeled",
			PullRequest: &pr,
			Label:       &githost.Label{Name: "not-a-backport"},
		}))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pr [backport]", tag)
}

func TestDispatchIssueComment(t *testing.T) {
	f := newDispatchFixture(t)

	issue := &githost.Issue{
		Number:  5,
		Title:   "An issue",
		HTMLURL: "http://git.example.com/the-org/the-repo/issues/5",
		User:    githost.NewUser("the-pr-owner"),
	}

	status, tag := f.dispatcher.Dispatch(context.Background(), "issue_comment",
		marshal(t, githost.HookBody{
			Repository: dispatchRepo(),
			Sender:     githost.NewUser("someone-else"),
			Action:     "created",
			Issue:      issue,
			Comment: &githost.Comment{
				Body:    "Looks broken, @the-pr-owner",
				HTMLURL: issue.HTMLURL + "#comment-1",
				User:    githost.NewUser("someone-else"),
			},
		}))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "issue_comment", tag)

	require.NotEmpty(t, *f.sent)
	got := (*f.sent)[0]
	assert.Contains(t, got.Message, `Comment on "<`+issue.HTMLURL)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "Looks broken, @the-pr-owner", got.Attachments[0].Text)
}

func TestDispatchCommentSkips(t *testing.T) {
	testCases := []struct {
		name string
		body string
		user string
	}{
		{name: "empty body", body: "   \n", user: "someone-else"},
		{name: "own comment", body: "something", user: "hub-bot"},
		{name: "ignored user", body: "something", user: "ignored-bot"},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			f := newDispatchFixture(t)
			status, _ := f.dispatcher.Dispatch(context.Background(), "issue_comment",
				marshal(t, githost.HookBody{
					Repository: dispatchRepo(),
					Action:     "created",
					Issue:      &githost.Issue{Number: 5, Title: "An issue", HTMLURL: "http://x/issues/5"},
					Comment:    &githost.Comment{Body: tc.body, User: githost.NewUser(tc.user)},
				}))
			assert.Equal(t, http.StatusOK, status)
			assert.Empty(t, *f.sent)
		})
	}
}

func TestDispatchReviewApproved(t *testing.T) {
	f := newDispatchFixture(t)
	pr := githost.PullRequest{
		Number:  11,
		Title:   "The PR",
		HTMLURL: "http://git.example.com/the-org/the-repo/pull/11",
		User:    githost.NewUser("the-pr-owner"),
		Head:    githost.BranchRef{Ref: "pr-branch", SHA: "abc1234567"},
		Base:    githost.BranchRef{Ref: "master"},
	}
	f.host.prs[11] = pr

	status, tag := f.dispatcher.Dispatch(context.Background(), "pull_request_review",
		marshal(t, githost.HookBody{
			Repository:  dispatchRepo(),
			Sender:      githost.NewUser("the-reviewer"),
			Action:      "submitted",
			PullRequest: &pr,
			Review: &githost.Review{
				State:   "approved",
				Body:    "Ship it",
				HTMLURL: pr.HTMLURL + "#review-1",
				User:    githost.NewUser("the-reviewer"),
			},
		}))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pr_review", tag)

	require.NotEmpty(t, *f.sent)
	got := (*f.sent)[0]
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "Review: Approved", got.Attachments[0].Title)
	assert.Equal(t, "good", got.Attachments[0].Color)
	assert.Equal(t, "Ship it", got.Attachments[0].Text)
}

func TestDispatchPushToFeatureBranch(t *testing.T) {
	f := newDispatchFixture(t)
	pr := githost.PullRequest{
		Number:  13,
		Title:   "The PR",
		HTMLURL: "http://git.example.com/the-org/the-repo/pull/13",
		User:    githost.NewUser("the-pr-owner"),
		Head:    githost.BranchRef{Ref: "pr-branch", SHA: "bbb2222222"},
		Base:    githost.BranchRef{Ref: "master"},
	}
	f.host.openPRs = []githost.PullRequest{pr}
	f.host.prs[13] = pr

	status, tag := f.dispatcher.Dispatch(context.Background(), "push",
		marshal(t, githost.HookBody{
			Repository: dispatchRepo(),
			Sender:     githost.NewUser("the-pr-owner"),
			Ref:        "refs/heads/pr-branch",
			Before:     "aaa1111111",
			After:      "bbb2222222",
			Commits: []githost.PushCommit{
				{ID: "bbb2222222", Msg: "tweak the thing\n\nmore detail", URL: "http://x/commit/bbb2222222"},
			},
		}))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "push", tag)

	require.NotEmpty(t, *f.sent)
	got := (*f.sent)[0]
	assert.Contains(t, got.Message, "the.pr.owner pushed 1 commit(s) to branch pr-branch")
	require.Len(t, got.Attachments, 2)
	assert.Equal(t, `Pull Request #13: "The PR"`, got.Attachments[0].Title)
	assert.Contains(t, got.Attachments[1].Text, "bbb2222")
	assert.Contains(t, got.Attachments[1].Text, "tweak the thing")
	assert.NotContains(t, got.Attachments[1].Text, "more detail")
}

func TestDispatchPushSkipsCreatedAndDeleted(t *testing.T) {
	f := newDispatchFixture(t)
	for _, event := range []githost.HookBody{
		{Repository: dispatchRepo(), Ref: "refs/heads/x", Created: true, Before: "a", After: "b"},
		{Repository: dispatchRepo(), Ref: "refs/heads/x", Deleted: true, Before: "a", After: "b"},
	} {
		status, tag := f.dispatcher.Dispatch(context.Background(), "push", marshal(t, event))
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "push [ignored]", tag)
	}
	assert.Empty(t, *f.sent)
}

func TestDispatchPushVersionedBranchWithoutTracker(t *testing.T) {
	f := newDispatchFixture(t)
	// no workflow configured: the push is acknowledged but no job runs
	status, tag := f.dispatcher.Dispatch(context.Background(), "push",
		marshal(t, githost.HookBody{
			Repository: dispatchRepo(),
			Ref:        "refs/heads/master",
			Before:     "aaa1111111",
			After:      "bbb2222222",
			Commits:    []githost.PushCommit{{ID: "bbb2222222", Msg: "Fixes SER-1"}},
		}))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "push [no jira]", tag)
	assert.Empty(t, *f.sent)
}
