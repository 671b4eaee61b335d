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

package jira

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mergehub/hub/pkg/githost"
)

func commitsWith(messages ...string) []githost.CommitLike {
	var out []githost.CommitLike
	for i, m := range messages {
		out = append(out, githost.PushCommit{ID: fmt.Sprintf("ffeedd%08d", i), Msg: m})
	}
	return out
}

func TestFixedKeys(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		message  string
		projects []string
		want     []string
	}{
		{
			name:     "simple fix",
			message:  "Fix [SER-1] Add the feature",
			projects: []string{"SER"},
			want:     []string{"SER-1"},
		},
		{
			name:     "fixes with colon",
			message:  "Fixes: SER-12, SER-13",
			projects: []string{"SER"},
			want:     []string{"SER-12", "SER-13"},
		},
		{
			name:     "fixed lowercase verb",
			message:  "fixed CLI-7 in passing",
			projects: []string{"SER", "CLI"},
			want:     []string{"CLI-7"},
		},
		{
			name:     "unconfigured project filtered",
			message:  "Fix OTHER-1 and SER-2",
			projects: []string{"SER"},
			want:     []string{"SER-2"},
		},
		{
			name:     "no verb means not fixed",
			message:  "Relates to SER-1",
			projects: []string{"SER"},
			want:     nil,
		},
		{
			name:     "prefix must match case",
			message:  "Fix ser-1",
			projects: []string{"SER"},
			want:     nil,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := FixedKeys(commitsWith(tc.message), tc.projects)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMentionedKeys(t *testing.T) {
	t.Parallel()

	got := MentionedKeys(commitsWith("See SER-5, [SER-6]\nFix SER-7"), []string{"SER"})
	assert.Equal(t, []string{"SER-5", "SER-6"}, got)
}

func TestKeySetPartition(t *testing.T) {
	t.Parallel()

	// fixed and referenced partition the full key set
	messages := []string{
		"Fix [SER-1] something\n\nSee SER-2",
		"CLI-3 touched in passing\nFixes: CLI-4 CLI-5",
		"nothing here",
		"Fixed: SER-1",
	}
	projects := []string{"SER", "CLI"}
	commits := commitsWith(messages...)

	all := AllKeys(commits, projects)
	fixed := FixedKeys(commits, projects)
	referenced := ReferencedKeys(commits, projects)

	union := map[string]bool{}
	for _, k := range fixed {
		union[k] = true
	}
	for _, k := range referenced {
		assert.NotContains(t, fixed, k, "fixed and referenced must be disjoint")
		union[k] = true
	}
	assert.Len(t, union, len(all))
	for _, k := range all {
		assert.True(t, union[k], "key %s missing from fixed+referenced", k)
	}
}

func TestConventionalCommitType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		title string
		want  string
	}{
		{"feat: add widget", "feat"},
		{"fix(parser): handle empty input", "fix"},
		{"chore!: drop support", "chore"},
		{"Docs: update readme", "docs"},
		{"plain title", ""},
		{"WIP: something", "wip"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ConventionalCommitType(tc.title), "title %q", tc.title)
	}
}

func TestReleaseNote(t *testing.T) {
	t.Parallel()

	msg := "Fix SER-1 thing\n\nrelease-note\nThe feature now exists.\nRELEASE-NOTE\ntrailing"
	assert.Equal(t, "The feature now exists.", ReleaseNote(msg))

	assert.Equal(t, "", ReleaseNote("no markers here"))
	assert.Equal(t, "", ReleaseNote("release-note only one marker"))

	long := "release-note " + strings.Repeat("x", 2000) + " release-note"
	note := ReleaseNote(long)
	assert.True(t, strings.HasSuffix(note, " ... [truncated]"))
	assert.Len(t, note, releaseNoteMaxLen+len(releaseNoteTruncated))
}
