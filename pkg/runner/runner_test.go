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
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mergehub/hub/pkg/chat"
	"github.com/mergehub/hub/pkg/config"
	"github.com/mergehub/hub/pkg/db"
	"github.com/mergehub/hub/pkg/git/dirpool"
	"github.com/mergehub/hub/pkg/githost"
	"github.com/mergehub/hub/pkg/messenger"
)

// fakeHost records every source-host call.
type fakeHost struct {
	createdPRs    []string // "head->base: title"
	nextPRNumber  int
	comments      map[int][]string
	labels        map[int][]string
	assignees     map[int][]string
	reviewers     map[int][]string
	approvals     []string // "sha: body"
	timeline      []githost.TimelineEvent
	branchesMade  []string
	branchesGone  []string
	createBranchE error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		nextPRNumber: 100,
		comments:     map[int][]string{},
		labels:       map[int][]string{},
		assignees:    map[int][]string{},
		reviewers:    map[int][]string{},
	}
}

func (f *fakeHost) Host() string     { return "github.com" }
func (f *fakeHost) BotLogin() string { return "hub-bot" }
func (f *fakeHost) Token(context.Context, string, string) (string, error) {
	return "test-token", nil
}

func (f *fakeHost) GetPullRequest(_ context.Context, _, _ string, number int) (githost.PullRequest, error) {
	return githost.PullRequest{Number: number}, nil
}

func (f *fakeHost) CreatePullRequest(_ context.Context, _, _ string, title, body, head, base string) (githost.PullRequest, error) {
	f.createdPRs = append(f.createdPRs, fmt.Sprintf("%s->%s: %s", head, base, title))
	f.nextPRNumber++
	return githost.PullRequest{Number: f.nextPRNumber, Title: title, Body: body}, nil
}

func (f *fakeHost) AddPullRequestLabels(_ context.Context, _, _ string, number int, labels []string) error {
	f.labels[number] = append(f.labels[number], labels...)
	return nil
}

func (f *fakeHost) AssignPullRequest(_ context.Context, _, _ string, number int, assignees []string) error {
	f.assignees[number] = append(f.assignees[number], assignees...)
	return nil
}

func (f *fakeHost) RequestReview(_ context.Context, _, _ string, number int, reviewers []string) error {
	f.reviewers[number] = append(f.reviewers[number], reviewers...)
	return nil
}

func (f *fakeHost) CommentPullRequest(_ context.Context, _, _ string, number int, comment string) error {
	f.comments[number] = append(f.comments[number], comment)
	return nil
}

func (f *fakeHost) ApprovePullRequest(_ context.Context, _, _ string, number int, commitSHA, body string) error {
	f.approvals = append(f.approvals, commitSHA+": "+body)
	return nil
}

func (f *fakeHost) CreateBranch(_ context.Context, _, _, name, sha string) error {
	if f.createBranchE != nil {
		return f.createBranchE
	}
	f.branchesMade = append(f.branchesMade, name+"@"+sha)
	return nil
}

func (f *fakeHost) DeleteBranch(_ context.Context, _, _, name string) error {
	f.branchesGone = append(f.branchesGone, name)
	return nil
}

func (f *fakeHost) GetTimeline(context.Context, string, string, int) ([]githost.TimelineEvent, error) {
	return f.timeline, nil
}

// fakeShell records git operations and serves canned results.
type fakeShell struct {
	commands []string

	remoteBranches  map[string]bool
	cherryPickFails int // first N cherry-pick attempts fail
	author          [2]string
	message         string
	diffs           map[string]string // ref -> diff
	forkPoints      map[string]string // ref -> fork point
}

func newFakeShell() *fakeShell {
	return &fakeShell{
		remoteBranches: map[string]bool{},
		author:         [2]string{"A Dev", "adev@example.com"},
		diffs:          map[string]string{},
		forkPoints:     map[string]string{},
	}
}

func (f *fakeShell) record(format string, args ...interface{}) {
	f.commands = append(f.commands, fmt.Sprintf(format, args...))
}

func (f *fakeShell) Refresh(_ context.Context, cloneURL string) error {
	f.record("refresh")
	return nil
}
func (f *fakeShell) Clean(context.Context) error { f.record("clean"); return nil }

func (f *fakeShell) HasRemoteBranch(_ context.Context, branch string) (bool, error) {
	return f.remoteBranches[branch], nil
}

func (f *fakeShell) CheckoutBranch(_ context.Context, branch, ref string) error {
	f.record("checkout -B %s %s", branch, ref)
	return nil
}

func (f *fakeShell) CherryPick(_ context.Context, sha, xOption string) error {
	f.record("cherry-pick[%s] %s", xOption, sha)
	if f.cherryPickFails > 0 {
		f.cherryPickFails--
		return fmt.Errorf("conflict")
	}
	return nil
}

func (f *fakeShell) AmendCommit(_ context.Context, message, name, email string) error {
	f.record("amend author=%s <%s>", name, email)
	f.message = message
	return nil
}

func (f *fakeShell) CommitAuthor(context.Context, string) (string, string, error) {
	return f.author[0], f.author[1], nil
}

func (f *fakeShell) CommitMessage(context.Context, string) (string, error) {
	return f.message, nil
}

func (f *fakeShell) Push(_ context.Context, branch string) error {
	f.record("push %s", branch)
	return nil
}

func (f *fakeShell) Fetch(context.Context) error { f.record("fetch"); return nil }

func (f *fakeShell) ForkPoint(_ context.Context, base, ref string) (string, error) {
	if fp, ok := f.forkPoints[ref]; ok {
		return fp, nil
	}
	return "forkpoint", nil
}

func (f *fakeShell) Diff(_ context.Context, from, to string) (string, error) {
	return f.diffs[to], nil
}

func testRepo() githost.Repo {
	return githost.Repo{
		HTMLURL:  "http://git.example.com/the-org/the-repo",
		FullName: "the-org/the-repo",
		Name:     "the-repo",
		Owner:    githost.NewUser("the-org"),
	}
}

// newTestMessenger wires a messenger over a scratch database, capturing
// outgoing chat requests.
func newTestMessenger(t *testing.T) (*messenger.Messenger, *[]chat.Request) {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "db.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	users := config.NewUserStore(database)
	require.NoError(t, users.Insert(&config.UserInfo{Github: "the-author", ChatName: "the.author", ChatID: "U-AUTHOR"}))

	repos := config.NewRepoStore(database)
	require.NoError(t, repos.Insert(&config.RepoInfo{Repo: "the-org/the-repo", Channel: "#repo"}))

	var sent []chat.Request
	m := messenger.New(
		logrus.WithField("test", t.Name()),
		users, repos,
		githost.NewTeamsCache(),
		"hub-bot",
		func(req chat.Request) { sent = append(sent, req) },
	)
	return m, &sent
}

func newTestPool(t *testing.T) *dirpool.Pool {
	t.Helper()
	return dirpool.New(logrus.WithField("test", t.Name()), t.TempDir())
}

func commandsContaining(commands []string, substr string) []string {
	var out []string
	for _, c := range commands {
		if strings.Contains(c, substr) {
			out = append(out, c)
		}
	}
	return out
}
