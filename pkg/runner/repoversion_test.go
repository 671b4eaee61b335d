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
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergehub/hub/pkg/chat"
	"github.com/mergehub/hub/pkg/config"
	"github.com/mergehub/hub/pkg/githost"
	"github.com/mergehub/hub/pkg/jira"
)

// fakeTracker records issue-tracker writes for the workflow under test.
type fakeTracker struct {
	statuses map[string]string
	comments map[string][]string
	applied  map[string][]string // key -> "transition/resolution"
	pending  map[string][]string
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		statuses: map[string]string{},
		comments: map[string][]string{},
		applied:  map[string][]string{},
		pending:  map[string][]string{},
	}
}

func (f *fakeTracker) IssueStatus(_ context.Context, key string) (string, error) {
	if s, ok := f.statuses[key]; ok {
		return s, nil
	}
	return "Open", nil
}

func (f *fakeTracker) Transitions(context.Context, string) ([]jira.Transition, error) {
	return []jira.Transition{
		{ID: "2", Name: "Start Progress", ToName: "In Progress"},
		{ID: "5", Name: "Resolve Issue", ToName: "Resolved", Resolutions: []string{"Won't Fix", "Fixed"}},
	}, nil
}

func (f *fakeTracker) ApplyTransition(_ context.Context, key string, t jira.Transition, resolution string) error {
	f.applied[key] = append(f.applied[key], t.Name+"/"+resolution)
	return nil
}

func (f *fakeTracker) Comment(_ context.Context, key, body string) error {
	f.comments[key] = append(f.comments[key], body)
	return nil
}

func (f *fakeTracker) ProjectVersions(context.Context, string) ([]jira.ProjectVersion, error) {
	return nil, nil
}
func (f *fakeTracker) CreateVersion(context.Context, string, string) error {
	return nil
}

func (f *fakeTracker) AssignFixVersion(context.Context, string, string) error {
	return nil
}
func (f *fakeTracker) ReorderVersion(context.Context, jira.ProjectVersion, jira.Position) error {
	return nil
}

func (f *fakeTracker) PendingVersionNames(_ context.Context, key string) ([]string, error) {
	return f.pending[key], nil
}

func (f *fakeTracker) SetPendingVersionNames(_ context.Context, key string, names []string) error {
	f.pending[key] = names
	return nil
}

func (f *fakeTracker) SearchPendingVersions(context.Context, string) (map[string][]string, error) {
	return nil, nil
}

func newTestVersioner(t *testing.T, tracker *fakeTracker, script runScriptFunc) (*Versioner, *[]chat.Request) {
	t.Helper()
	m, sent := newTestMessenger(t)
	workflow := jira.NewWorkflow(logrus.WithField("test", t.Name()), &config.JiraConfig{}, tracker)
	v := NewVersioner(logrus.WithField("test", t.Name()), newTestPool(t), m, workflow)
	v.newShell = func(logrus.FieldLogger, string) (gitShell, error) { return newFakeShell(), nil }
	v.runScript = script
	return v, sent
}

func versionedPush() RepoVersionRequest {
	return RepoVersionRequest{
		Repo:   testRepo(),
		Branch: "main",
		Commit: "abcdef1234567890",
		Commits: []githost.CommitLike{
			githost.PushCommit{
				ID:  "abcdef1234567890",
				Msg: "Fix the frobnicator\n\nFixes SER-1",
				URL: "http://git.example.com/the-org/the-repo/commit/abcdef1234567890",
			},
		},
		Bindings: []config.JiraBinding{
			{Project: "SER", VersionScript: "make version"},
		},
	}
}

func TestVersionerRun(t *testing.T) {
	tracker := newFakeTracker()
	var ranScripts []string
	v, sent := newTestVersioner(t, tracker, func(_ context.Context, dir, script string) (string, error) {
		ranScripts = append(ranScripts, script)
		return "1.2.3.4", nil
	})

	v.Run(context.Background(), newFakeHost(), versionedPush())

	assert.Equal(t, []string{"make version"}, ranScripts)

	require.Len(t, tracker.comments["SER-1"], 1)
	assert.Equal(t,
		"Merged into branch main: [abcdef1|http://git.example.com/the-org/the-repo/commit/abcdef1234567890]\n"+
			"{quote}Fix the frobnicator{quote}\n"+
			"Included in version 1.2.3.4",
		tracker.comments["SER-1"][0])
	assert.Equal(t, []string{"Resolve Issue/Fixed"}, tracker.applied["SER-1"])
	assert.Equal(t, []string{"1.2.3.4"}, tracker.pending["SER-1"])
	assert.Empty(t, *sent)
}

func TestVersionerRunScriptFailure(t *testing.T) {
	tracker := newFakeTracker()
	v, sent := newTestVersioner(t, tracker, func(context.Context, string, string) (string, error) {
		return "", fmt.Errorf("exit status 1: no rule to make target")
	})

	v.Run(context.Background(), newFakeHost(), versionedPush())

	// resolution still happens, just without a version
	require.Len(t, tracker.comments["SER-1"], 1)
	assert.NotContains(t, tracker.comments["SER-1"][0], "Included in version")
	assert.Equal(t, []string{"Resolve Issue/Fixed"}, tracker.applied["SER-1"])
	assert.Empty(t, tracker.pending["SER-1"])

	// the channel hears about the script failure
	require.Len(t, *sent, 1)
	assert.Equal(t, "#repo", (*sent)[0].Channel)
	assert.Contains(t, (*sent)[0].Message, "Error running version script for SER:")
	assert.Contains(t, (*sent)[0].Message, "```make version```")
	assert.Contains(t, (*sent)[0].Message, "no rule to make target")
}

func TestVersionerRunSkipsUnreferencedBinding(t *testing.T) {
	tracker := newFakeTracker()
	scriptRuns := 0
	v, _ := newTestVersioner(t, tracker, func(context.Context, string, string) (string, error) {
		scriptRuns++
		return "1.2.3.4", nil
	})

	req := versionedPush()
	req.Bindings = append(req.Bindings, config.JiraBinding{Project: "CLI", VersionScript: "make cli-version"})
	v.Run(context.Background(), newFakeHost(), req)

	// CLI has no referenced issues, so only SER's script runs
	assert.Equal(t, 1, scriptRuns)
	assert.Len(t, tracker.comments, 1)
}

func TestVersionerRunNoScript(t *testing.T) {
	tracker := newFakeTracker()
	v, sent := newTestVersioner(t, tracker, func(context.Context, string, string) (string, error) {
		t.Fatal("script should not run")
		return "", nil
	})

	req := versionedPush()
	req.Bindings[0].VersionScript = ""
	v.Run(context.Background(), newFakeHost(), req)

	require.Len(t, tracker.comments["SER-1"], 1)
	assert.NotContains(t, tracker.comments["SER-1"][0], "Included in version")
	assert.Empty(t, tracker.pending["SER-1"])
	assert.Empty(t, *sent)
}
