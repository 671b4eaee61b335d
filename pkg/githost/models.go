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

// Package githost defines the value types shared between the webhook
// payloads and the source-host adapter, plus the capability interface the
// rest of the system consumes.
package githost

import (
	"fmt"
	"net/url"
	"strings"
)

// IsMainBranch reports whether a branch is one of the conventional
// trunk branches.
func IsMainBranch(name string) bool {
	return name == "master" || name == "develop" || name == "main"
}

// HookBody is an incomplete container for all the webhook event kinds the
// dispatcher cares about. Unknown fields are ignored on decode.
type HookBody struct {
	Repository *Repo `json:"repository,omitempty"`
	Sender     User  `json:"sender"`

	Action      string       `json:"action,omitempty"`
	Issue       *Issue       `json:"issue,omitempty"`
	Comment     *Comment     `json:"comment,omitempty"`
	PullRequest *PullRequest `json:"pull_request,omitempty"`
	Review      *Review      `json:"review,omitempty"`
	Label       *Label       `json:"label,omitempty"`

	// push event fields
	Ref     string       `json:"ref,omitempty"`
	After   string       `json:"after,omitempty"`
	Before  string       `json:"before,omitempty"`
	Compare string       `json:"compare,omitempty"`
	Forced  bool         `json:"forced,omitempty"`
	Deleted bool         `json:"deleted,omitempty"`
	Created bool         `json:"created,omitempty"`
	Commits []PushCommit `json:"commits,omitempty"`
}

// User identifies an account. Some payloads carry only a name, so equality
// and display go through GetLogin.
type User struct {
	Login string `json:"login,omitempty"`
	Name  string `json:"name,omitempty"`
}

func NewUser(login string) User {
	return User{Login: login, Name: login}
}

// GetLogin returns the canonical login, falling back to the display name
// for payloads that only carry one.
func (u User) GetLogin() string {
	if u.Login != "" {
		return u.Login
	}
	return u.Name
}

// SameAs is login-equality.
func (u User) SameAs(o User) bool {
	return u.GetLogin() == o.GetLogin()
}

// Repo identifies a repository by its natural key (owner login, name).
type Repo struct {
	HTMLURL  string `json:"html_url"`
	FullName string `json:"full_name"`
	Name     string `json:"name"`
	Owner    User   `json:"owner"`
	Archived bool   `json:"archived,omitempty"`
}

// ParseRepo builds a Repo from its html URL. The URL must have exactly the
// owner and repo path segments.
func ParseRepo(htmlURL string) (Repo, error) {
	u, err := url.Parse(htmlURL)
	if err != nil {
		return Repo{}, fmt.Errorf("parsing repo url %q: %w", htmlURL, err)
	}

	var segments []string
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) != 2 {
		return Repo{}, fmt.Errorf("expected owner/repo in url %q", htmlURL)
	}

	return Repo{
		HTMLURL:  htmlURL,
		FullName: segments[0] + "/" + segments[1],
		Name:     segments[1],
		Owner:    NewUser(segments[0]),
	}, nil
}

// BranchRef names a branch tip inside a repository.
type BranchRef struct {
	Ref  string `json:"ref"`
	SHA  string `json:"sha"`
	User User   `json:"user"`
	Repo Repo   `json:"repo"`
}

type Label struct {
	Name string `json:"name"`
}

// PullRequest is the canonical PR shape used by handlers and runners.
type PullRequest struct {
	Title              string    `json:"title"`
	Body               string    `json:"body,omitempty"`
	Number             int       `json:"number"`
	HTMLURL            string    `json:"html_url"`
	State              string    `json:"state"`
	User               User      `json:"user"`
	Merged             bool      `json:"merged,omitempty"`
	MergeCommitSHA     string    `json:"merge_commit_sha,omitempty"`
	Assignees          []User    `json:"assignees"`
	Head               BranchRef `json:"head"`
	Base               BranchRef `json:"base"`
	RequestedReviewers []User    `json:"requested_reviewers,omitempty"`
	RequestedTeams     []Team    `json:"requested_teams,omitempty"`
	Reviews            []Review  `json:"reviews,omitempty"`
	Draft              bool      `json:"draft,omitempty"`
}

// IsDraft treats both the declared flag and a "wip:" title prefix as draft.
func (p *PullRequest) IsDraft() bool {
	return p.Draft || strings.HasPrefix(strings.ToLower(p.Title), "wip:")
}

// AllReviewers is requested reviewers plus anyone who already reviewed.
func (p *PullRequest) AllReviewers() []User {
	var reviewers []User
	reviewers = append(reviewers, p.RequestedReviewers...)
	for _, r := range p.Reviews {
		reviewers = append(reviewers, r.User)
	}
	return reviewers
}

func (p *PullRequest) PRUser() User      { return p.User }
func (p *PullRequest) PRTitle() string   { return p.Title }
func (p *PullRequest) PRHTMLURL() string { return p.HTMLURL }
func (p *PullRequest) PRNumber() int     { return p.Number }
func (p *PullRequest) HasCommits() bool  { return true }

// PRAssignees is the union of assignees, requested reviewers, and past
// reviewers; it feeds the notification fan-out.
func (p *PullRequest) PRAssignees() []User {
	var out []User
	out = append(out, p.Assignees...)
	out = append(out, p.RequestedReviewers...)
	for _, r := range p.Reviews {
		out = append(out, r.User)
	}
	return out
}

type Team struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type Issue struct {
	Number    int    `json:"number"`
	HTMLURL   string `json:"html_url"`
	Title     string `json:"title"`
	User      User   `json:"user"`
	Assignees []User `json:"assignees"`
}

func (i *Issue) PRUser() User        { return i.User }
func (i *Issue) PRAssignees() []User { return i.Assignees }
func (i *Issue) PRTitle() string     { return i.Title }
func (i *Issue) PRHTMLURL() string   { return i.HTMLURL }
func (i *Issue) PRNumber() int       { return i.Number }
func (i *Issue) HasCommits() bool    { return false }

type Review struct {
	ID      int64  `json:"id,omitempty"`
	State   string `json:"state"`
	Body    string `json:"body,omitempty"`
	HTMLURL string `json:"html_url"`
	User    User   `json:"user"`
}

func (r *Review) CommentUser() User      { return r.User }
func (r *Review) CommentBody() string    { return r.Body }
func (r *Review) CommentHTMLURL() string { return r.HTMLURL }

type Comment struct {
	CommitID string `json:"commit_id,omitempty"`
	Path     string `json:"path,omitempty"`
	Body     string `json:"body,omitempty"`
	HTMLURL  string `json:"html_url"`
	User     User   `json:"user"`
}

func (c *Comment) CommentUser() User      { return c.User }
func (c *Comment) CommentBody() string    { return c.Body }
func (c *Comment) CommentHTMLURL() string { return c.HTMLURL }

// CommitLike abstracts over push commits and API commits, whose wire shapes
// differ.
type CommitLike interface {
	SHA() string
	HTMLURL() string
	Message() string
}

// CommentLike abstracts over the things a human can write on: issue
// comments, commit comments, and review bodies.
type CommentLike interface {
	CommentUser() User
	CommentBody() string
	CommentHTMLURL() string
}

// PullRequestLike abstracts over PRs and issues for notification fan-out.
type PullRequestLike interface {
	PRUser() User
	PRAssignees() []User
	PRTitle() string
	PRHTMLURL() string
	PRNumber() int
	HasCommits() bool
}

// PushCommit is the commit shape carried inside a push event.
type PushCommit struct {
	ID     string `json:"id"`
	TreeID string `json:"tree_id,omitempty"`
	Msg    string `json:"message"`
	URL    string `json:"url"`
	Author *User  `json:"author,omitempty"`
}

func (c PushCommit) SHA() string     { return c.ID }
func (c PushCommit) HTMLURL() string { return c.URL }
func (c PushCommit) Message() string { return c.Msg }

// Commit is the commit shape returned by the commits API.
type Commit struct {
	CommitSHA string        `json:"sha"`
	URL       string        `json:"html_url"`
	Commit    CommitDetails `json:"commit"`
	Author    *User         `json:"author,omitempty"`
}

type CommitDetails struct {
	Message string `json:"message"`
}

func (c Commit) SHA() string     { return c.CommitSHA }
func (c Commit) HTMLURL() string { return c.URL }
func (c Commit) Message() string { return c.Commit.Message }

// ShortSHA abbreviates a commit hash to its 7-character form.
func ShortSHA(sha string) string {
	if len(sha) < 7 {
		return sha
	}
	return sha[:7]
}

// CommitTitle is the first line of a commit message.
func CommitTitle(c CommitLike) string {
	lines := splitLines(c.Message())
	if len(lines) == 0 {
		return ""
	}
	return lines[0]
}

// CommitBody is everything after the title, with leading blank lines
// stripped.
func CommitBody(c CommitLike) string {
	lines := splitLines(c.Message())
	if len(lines) <= 1 {
		return ""
	}
	lines = lines[1:]
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	return strings.Join(lines, "\n")
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// TimelineEvent is the subset of PR timeline entries needed to detect
// review dismissals caused by force pushes.
type TimelineEvent struct {
	ID              int64            `json:"id,omitempty"`
	Event           string           `json:"event"`
	DismissedReview *DismissedReview `json:"dismissed_review,omitempty"`
	CommitID        string           `json:"commit_id,omitempty"`
	User            *User            `json:"user,omitempty"`
	HTMLURL         string           `json:"html_url,omitempty"`
}

type DismissedReview struct {
	State             string `json:"state"`
	ReviewID          int64  `json:"review_id"`
	DismissalMessage  string `json:"dismissal_message,omitempty"`
	DismissalCommitID string `json:"dismissal_commit_id,omitempty"`
}

// IsReviewDismissalFor matches a dismissal of an approval caused by the
// given commit.
func (t *TimelineEvent) IsReviewDismissalFor(commitHash string) bool {
	return t.Event == "review_dismissed" &&
		t.DismissedReview != nil &&
		t.DismissedReview.State == "approved" &&
		t.DismissedReview.DismissalCommitID == commitHash
}

// IsReviewFor matches the review event with the given id at the given
// commit.
func (t *TimelineEvent) IsReviewFor(reviewID int64, commitHash string) bool {
	return t.Event == "reviewed" && t.ID == reviewID && t.CommitID == commitHash
}

// ReviewUserMessage renders a credit line for the review's author.
func (t *TimelineEvent) ReviewUserMessage(reviewID int64) string {
	if t.User == nil {
		return fmt.Sprintf("Unknown user (review #%d)", reviewID)
	}
	if t.HTMLURL == "" {
		return fmt.Sprintf("%s (review #%d)", t.User.GetLogin(), reviewID)
	}
	return fmt.Sprintf("[%s](%s)", t.User.GetLogin(), t.HTMLURL)
}

// Check-run states and conclusions.
const (
	CheckStatusQueued     = "queued"
	CheckStatusInProgress = "in_progress"
	CheckStatusCompleted  = "completed"

	CheckConclusionSuccess = "success"
	CheckConclusionFailure = "failure"
	CheckConclusionNeutral = "neutral"
)

// CheckRun is the status record posted on a PR head commit.
type CheckRun struct {
	Name       string       `json:"name"`
	HeadSHA    string       `json:"head_sha"`
	Status     string       `json:"status"`
	Conclusion string       `json:"conclusion,omitempty"`
	Output     *CheckOutput `json:"output,omitempty"`
}

type CheckOutput struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}
