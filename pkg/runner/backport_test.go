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
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergehub/hub/pkg/chat"
	"github.com/mergehub/hub/pkg/githost"
)

func TestTargetBranch(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name        string
		labelTarget string
		prefix      string
		expected    string
	}{
		{
			name:        "release target gets the prefix",
			labelTarget: "1.0",
			prefix:      "release/",
			expected:    "release/1.0",
		},
		{
			name:        "main branch stays verbatim",
			labelTarget: "develop",
			prefix:      "release/",
			expected:    "develop",
		},
		{
			name:        "no prefix configured",
			labelTarget: "2.3",
			prefix:      "",
			expected:    "2.3",
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, TargetBranch(tc.labelTarget, tc.prefix))
		})
	}
}

func TestBackportLabelRegex(t *testing.T) {
	t.Parallel()
	m := BackportLabelRegex.FindStringSubmatch("backport-1.0")
	require.NotNil(t, m)
	assert.Equal(t, "1.0", m[1])

	m = BackportLabelRegex.FindStringSubmatch("Backport-develop")
	require.NotNil(t, m)
	assert.Equal(t, "develop", m[1])

	assert.Nil(t, BackportLabelRegex.FindStringSubmatch("needs-backport"))
	assert.Nil(t, BackportLabelRegex.FindStringSubmatch("backport-"))
}

func TestBackportBranchName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "pr-branch-1.0", BackportBranchName("pr-branch", "release/1.0"))
	assert.Equal(t, "feature-develop", BackportBranchName("user/feature", "develop"))
}

func TestRewriteTitle(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		title    string
		from     string
		to       string
		prefix   string
		expected string
	}{
		{
			name:     "plain title",
			title:    "Add the frobnicator",
			from:     "pr-branch",
			to:       "release/1.0",
			prefix:   "release/",
			expected: "pr-branch->1.0: Add the frobnicator",
		},
		{
			name:     "conventional prefix stays in front",
			title:    "fix(core): handle nil input",
			from:     "pr-branch",
			to:       "release/1.0",
			prefix:   "release/",
			expected: "fix(core): pr-branch->1.0: handle nil input",
		},
		{
			name:     "trailing PR reference stripped",
			title:    "Add the frobnicator (#42)",
			from:     "pr-branch",
			to:       "develop",
			prefix:   "release/",
			expected: "pr-branch->develop: Add the frobnicator",
		},
		{
			name:     "earlier backport marker replaced",
			title:    "pr-branch->1.0: Add the frobnicator",
			from:     "pr-branch-1.0",
			to:       "release/1.1",
			prefix:   "release/",
			expected: "pr-branch-1.0->1.1: Add the frobnicator",
		},
		{
			name:     "conventional prefix plus marker plus reference",
			title:    "feat!: pr-branch->1.0: Add the frobnicator (#42) (#43)",
			from:     "pr-branch-1.0",
			to:       "release/1.1",
			prefix:   "release/",
			expected: "feat!: pr-branch-1.0->1.1: Add the frobnicator",
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := RewriteTitle(tc.title, tc.from, tc.to, tc.prefix)
			assert.Equal(t, tc.expected, got)

			// rewriting the result again must not change it
			again := RewriteTitle(got, tc.from, tc.to, tc.prefix)
			assert.Equal(t, got, again)
		})
	}
}

func backportPR() githost.PullRequest {
	return githost.PullRequest{
		Number:         42,
		Title:          "Add the frobnicator (#42)",
		User:           githost.NewUser("the-author"),
		Merged:         true,
		MergeCommitSHA: "abcdef1234567890",
		Assignees:      []githost.User{githost.NewUser("the-assignee")},
		Head:           githost.BranchRef{Ref: "pr-branch", SHA: "1111111"},
		Base:           githost.BranchRef{Ref: "develop"},
		RequestedReviewers: []githost.User{
			githost.NewUser("the-reviewer"),
			githost.NewUser("the-author"),
		},
	}
}

func newTestBackporter(t *testing.T, shell *fakeShell) (*Backporter, *[]chat.Request) {
	t.Helper()
	m, sent := newTestMessenger(t)
	b := NewBackporter(logrus.WithField("test", t.Name()), newTestPool(t), m)
	b.newShell = func(logrus.FieldLogger, string) (gitShell, error) { return shell, nil }
	return b, sent
}

func TestBackporterRun(t *testing.T) {
	shell := newFakeShell()
	shell.message = "Add the frobnicator (#42)\n\nLonger description."
	b, sent := newTestBackporter(t, shell)
	host := newFakeHost()

	b.Run(context.Background(), host, BackportRequest{
		Repo:                testRepo(),
		PR:                  backportPR(),
		Target:              "release/1.0",
		ReleaseBranchPrefix: "release/",
	})

	require.Len(t, host.createdPRs, 1)
	assert.Equal(t, "pr-branch-1.0->release/1.0: pr-branch->1.0: Add the frobnicator", host.createdPRs[0])

	assert.Contains(t, shell.commands, "checkout -B pr-branch-1.0 origin/release/1.0")
	assert.Contains(t, shell.commands, "cherry-pick[] abcdef1234567890")
	assert.Contains(t, shell.commands, "push pr-branch-1.0")
	require.Len(t, commandsContaining(shell.commands, "amend"), 1)

	// amended message carries the rewritten title and provenance trailer
	assert.Contains(t, shell.message, "pr-branch->1.0: Add the frobnicator")
	assert.Contains(t, shell.message, "Longer description.")
	assert.Contains(t, shell.message, "(cherry-picked from abcdef1234567890, PR #42)")

	// assignees include the original author, reviewers exclude them
	assert.Equal(t, []string{"the-assignee", "the-author"}, host.assignees[101])
	assert.Equal(t, []string{"the-reviewer"}, host.reviewers[101])

	// clean pick, no whitespace note, no failure traffic
	assert.Empty(t, host.comments[101])
	assert.Empty(t, host.comments[42])
	assert.Empty(t, host.labels[42])
	assert.Empty(t, *sent)
}

func TestBackporterRunWhitespaceFallback(t *testing.T) {
	shell := newFakeShell()
	shell.message = "Add the frobnicator"
	shell.cherryPickFails = 1
	b, _ := newTestBackporter(t, shell)
	host := newFakeHost()

	b.Run(context.Background(), host, BackportRequest{
		Repo:                testRepo(),
		PR:                  backportPR(),
		Target:              "release/1.0",
		ReleaseBranchPrefix: "release/",
	})

	require.Len(t, host.createdPRs, 1)
	picks := commandsContaining(shell.commands, "cherry-pick")
	require.Len(t, picks, 2)
	assert.Equal(t, "cherry-pick[ignore-space-change] abcdef1234567890", picks[1])

	require.Len(t, host.comments[101], 1)
	assert.Equal(t, "Cherry-pick needed whitespace leniency: applied with `-X ignore-space-change`.", host.comments[101][0])
}

func TestBackporterRunFailure(t *testing.T) {
	shell := newFakeShell()
	shell.remoteBranches["pr-branch-1.0"] = true
	b, sent := newTestBackporter(t, shell)
	host := newFakeHost()

	b.Run(context.Background(), host, BackportRequest{
		Repo:                testRepo(),
		PR:                  backportPR(),
		Target:              "release/1.0",
		ReleaseBranchPrefix: "release/",
	})

	assert.Empty(t, host.createdPRs)

	// original PR gets the failure comment and label
	require.Len(t, host.comments[42], 1)
	assert.Contains(t, host.comments[42][0], "Backport of Pull Request #42 to branch release/1.0 failed:")
	assert.Contains(t, host.comments[42][0], "already exists")
	assert.Equal(t, []string{"failed-backport"}, host.labels[42])

	// author gets a DM
	require.Len(t, *sent, 1)
	assert.Equal(t, "U-AUTHOR", (*sent)[0].Channel)
	assert.Contains(t, (*sent)[0].Message, "Backport of Pull Request #42 to branch release/1.0 failed:")
}

func TestBackporterRunNoMergeCommit(t *testing.T) {
	shell := newFakeShell()
	b, sent := newTestBackporter(t, shell)
	host := newFakeHost()

	pr := backportPR()
	pr.MergeCommitSHA = ""
	b.Run(context.Background(), host, BackportRequest{
		Repo:                testRepo(),
		PR:                  pr,
		Target:              "develop",
		ReleaseBranchPrefix: "release/",
	})

	assert.Empty(t, host.createdPRs)
	assert.Equal(t, []string{"failed-backport"}, host.labels[42])
	require.Len(t, *sent, 1)
}
