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

package githost

import (
	"context"
	"sync"
)

// HostAdapter presents the per-repository sessions of a SessionFactory
// as one host-wide capability surface. Sessions are cached per
// repository; the installation transports underneath refresh their own
// tokens.
type HostAdapter struct {
	host    string
	factory SessionFactory

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewHostAdapter(host string, factory SessionFactory) *HostAdapter {
	return &HostAdapter{
		host:     host,
		factory:  factory,
		sessions: map[string]*Session{},
	}
}

func (a *HostAdapter) Host() string     { return a.host }
func (a *HostAdapter) BotLogin() string { return a.factory.BotLogin() }

func (a *HostAdapter) session(ctx context.Context, owner, repo string) (*Session, error) {
	key := owner + "/" + repo

	a.mu.Lock()
	s, ok := a.sessions[key]
	a.mu.Unlock()
	if ok {
		return s, nil
	}

	s, err := a.factory.NewSession(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.sessions[key] = s
	a.mu.Unlock()
	return s, nil
}

func (a *HostAdapter) Token(ctx context.Context, owner, repo string) (string, error) {
	s, err := a.session(ctx, owner, repo)
	if err != nil {
		return "", err
	}
	return s.Token(ctx, owner, repo)
}

func (a *HostAdapter) GetPullRequest(ctx context.Context, owner, repo string, number int) (PullRequest, error) {
	s, err := a.session(ctx, owner, repo)
	if err != nil {
		return PullRequest{}, err
	}
	return s.GetPullRequest(ctx, owner, repo, number)
}

func (a *HostAdapter) ListPullRequests(ctx context.Context, owner, repo, state, head string) ([]PullRequest, error) {
	s, err := a.session(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	return s.ListPullRequests(ctx, owner, repo, state, head)
}

func (a *HostAdapter) ListPullRequestsByCommit(ctx context.Context, owner, repo, sha string) ([]PullRequest, error) {
	s, err := a.session(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	return s.ListPullRequestsByCommit(ctx, owner, repo, sha)
}

func (a *HostAdapter) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (PullRequest, error) {
	s, err := a.session(ctx, owner, repo)
	if err != nil {
		return PullRequest{}, err
	}
	return s.CreatePullRequest(ctx, owner, repo, title, body, head, base)
}

func (a *HostAdapter) GetPullRequestLabels(ctx context.Context, owner, repo string, number int) ([]Label, error) {
	s, err := a.session(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	return s.GetPullRequestLabels(ctx, owner, repo, number)
}

func (a *HostAdapter) AddPullRequestLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	s, err := a.session(ctx, owner, repo)
	if err != nil {
		return err
	}
	return s.AddPullRequestLabels(ctx, owner, repo, number, labels)
}

func (a *HostAdapter) GetPullRequestCommits(ctx context.Context, owner, repo string, number int) ([]Commit, error) {
	s, err := a.session(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	return s.GetPullRequestCommits(ctx, owner, repo, number)
}

func (a *HostAdapter) GetPullRequestReviews(ctx context.Context, owner, repo string, number int) ([]Review, error) {
	s, err := a.session(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	return s.GetPullRequestReviews(ctx, owner, repo, number)
}

func (a *HostAdapter) AssignPullRequest(ctx context.Context, owner, repo string, number int, assignees []string) error {
	s, err := a.session(ctx, owner, repo)
	if err != nil {
		return err
	}
	return s.AssignPullRequest(ctx, owner, repo, number, assignees)
}

func (a *HostAdapter) RequestReview(ctx context.Context, owner, repo string, number int, reviewers []string) error {
	s, err := a.session(ctx, owner, repo)
	if err != nil {
		return err
	}
	return s.RequestReview(ctx, owner, repo, number, reviewers)
}

func (a *HostAdapter) CommentPullRequest(ctx context.Context, owner, repo string, number int, comment string) error {
	s, err := a.session(ctx, owner, repo)
	if err != nil {
		return err
	}
	return s.CommentPullRequest(ctx, owner, repo, number, comment)
}

func (a *HostAdapter) ApprovePullRequest(ctx context.Context, owner, repo string, number int, commitSHA, body string) error {
	s, err := a.session(ctx, owner, repo)
	if err != nil {
		return err
	}
	return s.ApprovePullRequest(ctx, owner, repo, number, commitSHA, body)
}

func (a *HostAdapter) CreateBranch(ctx context.Context, owner, repo, name, sha string) error {
	s, err := a.session(ctx, owner, repo)
	if err != nil {
		return err
	}
	return s.CreateBranch(ctx, owner, repo, name, sha)
}

func (a *HostAdapter) DeleteBranch(ctx context.Context, owner, repo, name string) error {
	s, err := a.session(ctx, owner, repo)
	if err != nil {
		return err
	}
	return s.DeleteBranch(ctx, owner, repo, name)
}

func (a *HostAdapter) GetTimeline(ctx context.Context, owner, repo string, number int) ([]TimelineEvent, error) {
	s, err := a.session(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	return s.GetTimeline(ctx, owner, repo, number)
}

func (a *HostAdapter) CreateCheckRun(ctx context.Context, owner, repo string, run CheckRun) error {
	s, err := a.session(ctx, owner, repo)
	if err != nil {
		return err
	}
	return s.CreateCheckRun(ctx, owner, repo, run)
}

// GetTeamMembers resolves through an organization-scoped session, since
// teams are not tied to one repository.
func (a *HostAdapter) GetTeamMembers(ctx context.Context, org string, teamID int64) ([]User, error) {
	s, err := a.session(ctx, org, "")
	if err != nil {
		return nil, err
	}
	return s.GetTeamMembers(ctx, org, teamID)
}
