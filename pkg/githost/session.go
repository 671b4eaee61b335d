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
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v41/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const perPage = 100

// Session is one authenticated connection to the source host, scoped to a
// single token (static, or minted for one app installation).
type Session struct {
	client *github.Client
	log    logrus.FieldLogger

	host  string
	login string
	token func(ctx context.Context) (string, error)
}

// NewTokenSession authenticates with a static OAuth token. transport,
// when non-nil, sits under the oauth2 layer so responses are counted.
func NewTokenSession(ctx context.Context, host, token string, transport http.RoundTripper) (*Session, error) {
	if transport != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: transport})
	}
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	client, err := newClient(host, hc)
	if err != nil {
		return nil, err
	}

	s := &Session{
		client: client,
		log:    logrus.WithField("client", "githost"),
		host:   host,
		token:  func(context.Context) (string, error) { return token, nil },
	}

	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("looking up authenticated user: %w", err)
	}
	s.login = user.GetLogin()

	return s, nil
}

func newClient(host string, hc *http.Client) (*github.Client, error) {
	if host == "" || host == "github.com" || host == "api.github.com" {
		return github.NewClient(hc), nil
	}
	base := fmt.Sprintf("https://%s/api/v3/", host)
	client, err := github.NewEnterpriseClient(base, base, hc)
	if err != nil {
		return nil, fmt.Errorf("creating client for %s: %w", host, err)
	}
	return client, nil
}

// Host is the source host this session talks to.
func (s *Session) Host() string { return s.host }

// BotLogin is the login of the authenticated identity. For app sessions it
// is the "app[bot]" login.
func (s *Session) BotLogin() string { return s.login }

// Token returns a token usable for git-over-https against this host.
// The repository identifies the installation for app credentials; token
// sessions ignore it.
func (s *Session) Token(ctx context.Context, owner, repo string) (string, error) {
	return s.token(ctx)
}

func (s *Session) GetPullRequest(ctx context.Context, owner, repo string, number int) (PullRequest, error) {
	pr, _, err := s.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return PullRequest{}, fmt.Errorf("getting PR %s/%s#%d: %w", owner, repo, number, err)
	}
	out := convertPullRequest(pr)

	reviews, err := s.GetPullRequestReviews(ctx, owner, repo, number)
	if err != nil {
		s.log.WithError(err).Warnf("could not fetch reviews for %s/%s#%d", owner, repo, number)
	} else {
		out.Reviews = reviews
	}

	return out, nil
}

func (s *Session) ListPullRequests(ctx context.Context, owner, repo, state, head string) ([]PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       state,
		Head:        head,
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var out []PullRequest
	for {
		prs, resp, err := s.client.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing PRs for %s/%s: %w", owner, repo, err)
		}
		for _, pr := range prs {
			out = append(out, convertPullRequest(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (s *Session) ListPullRequestsByCommit(ctx context.Context, owner, repo, sha string) ([]PullRequest, error) {
	opts := &github.PullRequestListOptions{ListOptions: github.ListOptions{PerPage: perPage}}

	var out []PullRequest
	for {
		prs, resp, err := s.client.PullRequests.ListPullRequestsWithCommit(ctx, owner, repo, sha, opts)
		if err != nil {
			return nil, fmt.Errorf("listing PRs containing %s in %s/%s: %w", ShortSHA(sha), owner, repo, err)
		}
		for _, pr := range prs {
			out = append(out, convertPullRequest(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (s *Session) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (PullRequest, error) {
	pr, _, err := s.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: &title,
		Body:  &body,
		Head:  &head,
		Base:  &base,
	})
	if err != nil {
		return PullRequest{}, fmt.Errorf("creating PR %s -> %s in %s/%s: %w", head, base, owner, repo, err)
	}
	return convertPullRequest(pr), nil
}

func (s *Session) GetPullRequestLabels(ctx context.Context, owner, repo string, number int) ([]Label, error) {
	opts := &github.ListOptions{PerPage: perPage}

	var out []Label
	for {
		labels, resp, err := s.client.Issues.ListLabelsByIssue(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("listing labels on %s/%s#%d: %w", owner, repo, number, err)
		}
		for _, l := range labels {
			out = append(out, Label{Name: l.GetName()})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (s *Session) AddPullRequestLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	if _, _, err := s.client.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels); err != nil {
		return fmt.Errorf("adding labels to %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

func (s *Session) GetPullRequestCommits(ctx context.Context, owner, repo string, number int) ([]Commit, error) {
	opts := &github.ListOptions{PerPage: perPage}

	var out []Commit
	for {
		commits, resp, err := s.client.PullRequests.ListCommits(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("listing commits on %s/%s#%d: %w", owner, repo, number, err)
		}
		for _, c := range commits {
			out = append(out, convertCommit(c))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (s *Session) GetPullRequestReviews(ctx context.Context, owner, repo string, number int) ([]Review, error) {
	opts := &github.ListOptions{PerPage: perPage}

	var out []Review
	for {
		reviews, resp, err := s.client.PullRequests.ListReviews(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("listing reviews on %s/%s#%d: %w", owner, repo, number, err)
		}
		for _, r := range reviews {
			out = append(out, Review{
				ID:      r.GetID(),
				State:   r.GetState(),
				Body:    r.GetBody(),
				HTMLURL: r.GetHTMLURL(),
				User:    convertUser(r.GetUser()),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (s *Session) AssignPullRequest(ctx context.Context, owner, repo string, number int, assignees []string) error {
	if len(assignees) == 0 {
		return nil
	}
	if _, _, err := s.client.Issues.AddAssignees(ctx, owner, repo, number, assignees); err != nil {
		return fmt.Errorf("assigning %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

func (s *Session) RequestReview(ctx context.Context, owner, repo string, number int, reviewers []string) error {
	if len(reviewers) == 0 {
		return nil
	}
	if _, _, err := s.client.PullRequests.RequestReviewers(ctx, owner, repo, number, github.ReviewersRequest{Reviewers: reviewers}); err != nil {
		return fmt.Errorf("requesting review on %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

func (s *Session) CommentPullRequest(ctx context.Context, owner, repo string, number int, comment string) error {
	if _, _, err := s.client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: &comment}); err != nil {
		return fmt.Errorf("commenting on %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

func (s *Session) ApprovePullRequest(ctx context.Context, owner, repo string, number int, commitSHA, body string) error {
	event := "APPROVE"
	req := &github.PullRequestReviewRequest{
		CommitID: &commitSHA,
		Event:    &event,
	}
	if body != "" {
		req.Body = &body
	}
	if _, _, err := s.client.PullRequests.CreateReview(ctx, owner, repo, number, req); err != nil {
		return fmt.Errorf("approving %s/%s#%d at %s: %w", owner, repo, number, ShortSHA(commitSHA), err)
	}
	return nil
}

func (s *Session) CreateBranch(ctx context.Context, owner, repo, name, sha string) error {
	ref := "refs/heads/" + name
	if _, _, err := s.client.Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    &ref,
		Object: &github.GitObject{SHA: &sha},
	}); err != nil {
		return fmt.Errorf("creating branch %s in %s/%s: %w", name, owner, repo, err)
	}
	return nil
}

func (s *Session) DeleteBranch(ctx context.Context, owner, repo, name string) error {
	if _, err := s.client.Git.DeleteRef(ctx, owner, repo, "refs/heads/"+name); err != nil {
		return fmt.Errorf("deleting branch %s in %s/%s: %w", name, owner, repo, err)
	}
	return nil
}

func (s *Session) GetTimeline(ctx context.Context, owner, repo string, number int) ([]TimelineEvent, error) {
	opts := &github.ListOptions{PerPage: perPage}

	var out []TimelineEvent
	for {
		events, resp, err := s.client.Issues.ListIssueTimeline(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("listing timeline of %s/%s#%d: %w", owner, repo, number, err)
		}
		for _, e := range events {
			ev := convertTimelineEvent(e)
			if ev.Event == "reviewed" && ev.ID != 0 {
				ev.HTMLURL = ReviewHTMLURL(s.host, owner, repo, number, ev.ID)
			}
			out = append(out, ev)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (s *Session) GetTeamMembers(ctx context.Context, org string, teamID int64) ([]User, error) {
	o, _, err := s.client.Organizations.Get(ctx, org)
	if err != nil {
		return nil, fmt.Errorf("looking up org %s: %w", org, err)
	}

	opts := &github.TeamListTeamMembersOptions{ListOptions: github.ListOptions{PerPage: perPage}}

	var out []User
	for {
		members, resp, err := s.client.Teams.ListTeamMembersByID(ctx, o.GetID(), teamID, opts)
		if err != nil {
			return nil, fmt.Errorf("listing members of team %d in %s: %w", teamID, org, err)
		}
		for _, m := range members {
			out = append(out, convertUser(m))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (s *Session) CreateCheckRun(ctx context.Context, owner, repo string, run CheckRun) error {
	opts := github.CreateCheckRunOptions{
		Name:    run.Name,
		HeadSHA: run.HeadSHA,
	}
	if run.Status != "" {
		opts.Status = &run.Status
	}
	if run.Conclusion != "" {
		opts.Conclusion = &run.Conclusion
	}
	if run.Output != nil {
		opts.Output = &github.CheckRunOutput{
			Title:   &run.Output.Title,
			Summary: &run.Output.Summary,
		}
	}
	if _, _, err := s.client.Checks.CreateCheckRun(ctx, owner, repo, opts); err != nil {
		return fmt.Errorf("creating check run %q on %s: %w", run.Name, ShortSHA(run.HeadSHA), err)
	}
	return nil
}

func convertUser(u *github.User) User {
	if u == nil {
		return User{}
	}
	return User{Login: u.GetLogin(), Name: u.GetName()}
}

func convertPullRequest(pr *github.PullRequest) PullRequest {
	if pr == nil {
		return PullRequest{}
	}

	out := PullRequest{
		Title:          pr.GetTitle(),
		Body:           pr.GetBody(),
		Number:         pr.GetNumber(),
		HTMLURL:        pr.GetHTMLURL(),
		State:          pr.GetState(),
		User:           convertUser(pr.GetUser()),
		Merged:         pr.GetMerged(),
		MergeCommitSHA: pr.GetMergeCommitSHA(),
		Draft:          pr.GetDraft(),
	}
	for _, u := range pr.Assignees {
		out.Assignees = append(out.Assignees, convertUser(u))
	}
	for _, u := range pr.RequestedReviewers {
		out.RequestedReviewers = append(out.RequestedReviewers, convertUser(u))
	}
	for _, t := range pr.RequestedTeams {
		out.RequestedTeams = append(out.RequestedTeams, Team{ID: t.GetID(), Name: t.GetName(), Slug: t.GetSlug()})
	}
	if head := pr.GetHead(); head != nil {
		out.Head = convertBranchRef(head)
	}
	if base := pr.GetBase(); base != nil {
		out.Base = convertBranchRef(base)
	}
	return out
}

func convertBranchRef(b *github.PullRequestBranch) BranchRef {
	ref := BranchRef{
		Ref:  b.GetRef(),
		SHA:  b.GetSHA(),
		User: convertUser(b.GetUser()),
	}
	if r := b.GetRepo(); r != nil {
		ref.Repo = Repo{
			HTMLURL:  r.GetHTMLURL(),
			FullName: r.GetFullName(),
			Name:     r.GetName(),
			Owner:    convertUser(r.GetOwner()),
			Archived: r.GetArchived(),
		}
	}
	return ref
}

func convertCommit(c *github.RepositoryCommit) Commit {
	out := Commit{
		CommitSHA: c.GetSHA(),
		URL:       c.GetHTMLURL(),
	}
	if c.Commit != nil {
		out.Commit = CommitDetails{Message: c.Commit.GetMessage()}
	}
	if c.Author != nil {
		u := convertUser(c.Author)
		out.Author = &u
	}
	return out
}

func convertTimelineEvent(e *github.Timeline) TimelineEvent {
	// the timeline API only carries the api.github.com URL, never a
	// human-facing one; review links are built by the caller
	out := TimelineEvent{
		ID:       e.GetID(),
		Event:    e.GetEvent(),
		CommitID: e.GetCommitID(),
	}
	if e.Actor != nil {
		u := convertUser(e.Actor)
		out.User = &u
	}
	if d := e.GetDismissedReview(); d != nil {
		out.DismissedReview = &DismissedReview{
			State:             d.GetState(),
			ReviewID:          d.GetReviewID(),
			DismissalMessage:  d.GetDismissalMessage(),
			DismissalCommitID: d.GetDismissalCommitID(),
		}
	}
	return out
}

// webHost maps an API host to the host serving human-facing pages.
func webHost(host string) string {
	if host == "" || host == "api.github.com" {
		return "github.com"
	}
	return host
}

// CloneURL is the token-authenticated https clone URL for a repository.
func CloneURL(host, owner, repo, token string) string {
	return fmt.Sprintf("https://x-access-token:%s@%s/%s.git", token, webHost(host), strings.Join([]string{owner, repo}, "/"))
}

// ReviewHTMLURL is the human-facing link to one review of a pull
// request.
func ReviewHTMLURL(host, owner, repo string, number int, reviewID int64) string {
	return fmt.Sprintf("https://%s/%s/%s/pull/%d#pullrequestreview-%d", webHost(host), owner, repo, number, reviewID)
}
