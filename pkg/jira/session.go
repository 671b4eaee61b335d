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
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	gojira "github.com/andygrunwald/go-jira"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/mergehub/hub/pkg/config"
)

// Transition is one available workflow transition for an issue.
// Resolutions lists the allowed resolution values if the transition
// exposes a resolution field.
type Transition struct {
	ID          string
	Name        string
	ToName      string
	Resolutions []string
}

// ProjectVersion is one released-or-unreleased version of a project.
type ProjectVersion struct {
	ID   string
	Name string
	Self string
}

// Position places a version in the project's version order.
type Position struct {
	First     bool
	AfterSelf string
}

// Session talks to the issue tracker over its REST API with basic auth.
type Session struct {
	log    logrus.FieldLogger
	client *gojira.Client
	cfg    *config.JiraConfig

	fieldMu         sync.Mutex
	pendingFieldID  string
	pendingFieldErr error
	fieldLooked     bool
}

// NewSession builds the tracker session. Call Ping before use to surface
// credential errors early. transport, when non-nil, sits under the retry
// layer so responses are counted.
func NewSession(cfg *config.JiraConfig, transport http.RoundTripper) (*Session, error) {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	if transport != nil {
		rc.HTTPClient.Transport = transport
	}

	tp := gojira.BasicAuthTransport{
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: rc.StandardClient().Transport,
	}

	client, err := gojira.NewClient(tp.Client(), cfg.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("creating jira client for %s: %w", cfg.BaseURL(), err)
	}

	return &Session{
		log:    logrus.WithField("client", "jira"),
		client: client,
		cfg:    cfg,
	}, nil
}

// Ping hits the session endpoint so bad credentials fail at startup with
// a clean error instead of on the first workflow action.
func (s *Session) Ping(ctx context.Context) error {
	req, err := s.client.NewRequestWithContext(ctx, http.MethodGet, "rest/auth/1/session", nil)
	if err != nil {
		return fmt.Errorf("building session request: %w", err)
	}
	if _, err := s.client.Do(req, nil); err != nil {
		return fmt.Errorf("checking jira session: %w", err)
	}
	return nil
}

// IssueStatus returns the name of the issue's current workflow status.
func (s *Session) IssueStatus(ctx context.Context, key string) (string, error) {
	issue, _, err := s.client.Issue.GetWithContext(ctx, key, &gojira.GetQueryOptions{Fields: "status"})
	if err != nil {
		return "", fmt.Errorf("fetching issue %s: %w", key, err)
	}
	if issue.Fields == nil || issue.Fields.Status == nil {
		return "", fmt.Errorf("issue %s has no status", key)
	}
	return issue.Fields.Status.Name, nil
}

type wireTransitions struct {
	Transitions []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		To   struct {
			Name string `json:"name"`
		} `json:"to"`
		Fields map[string]struct {
			AllowedValues []struct {
				Name string `json:"name"`
			} `json:"allowedValues"`
		} `json:"fields"`
	} `json:"transitions"`
}

// Transitions lists the available transitions with their allowed
// resolution values expanded.
func (s *Session) Transitions(ctx context.Context, key string) ([]Transition, error) {
	path := fmt.Sprintf("rest/api/2/issue/%s/transitions?expand=transitions.fields", key)
	req, err := s.client.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("building transitions request for %s: %w", key, err)
	}

	var result wireTransitions
	if _, err := s.client.Do(req, &result); err != nil {
		return nil, fmt.Errorf("listing transitions for %s: %w", key, err)
	}

	transitions := make([]Transition, 0, len(result.Transitions))
	for _, t := range result.Transitions {
		out := Transition{ID: t.ID, Name: t.Name, ToName: t.To.Name}
		if f, ok := t.Fields["resolution"]; ok {
			for _, v := range f.AllowedValues {
				out.Resolutions = append(out.Resolutions, v.Name)
			}
		}
		transitions = append(transitions, out)
	}
	return transitions, nil
}

// ApplyTransition performs one transition, setting the resolution field
// when a resolution value is given.
func (s *Session) ApplyTransition(ctx context.Context, key string, t Transition, resolution string) error {
	payload := map[string]interface{}{
		"transition": map[string]interface{}{"id": t.ID},
	}
	if resolution != "" {
		payload["fields"] = map[string]interface{}{
			"resolution": map[string]interface{}{"name": resolution},
		}
	}

	if _, err := s.client.Issue.DoTransitionWithPayloadWithContext(ctx, key, payload); err != nil {
		return fmt.Errorf("transitioning %s to %s: %w", key, t.Name, err)
	}
	return nil
}

// Comment posts a comment on an issue. If a visibility role is
// configured the comment is tried with the restriction once, then
// retried unrestricted.
func (s *Session) Comment(ctx context.Context, key, body string) error {
	if role := s.cfg.RestrictCommentVisibilityToRole; role != "" {
		comment := &gojira.Comment{
			Body: body,
			Visibility: gojira.CommentVisibility{
				Type:  "role",
				Value: role,
			},
		}
		if _, _, err := s.client.Issue.AddCommentWithContext(ctx, key, comment); err == nil {
			return nil
		}
		s.log.WithField("issue", key).Warnf("could not comment with visibility role %q, retrying without", role)
	}

	if _, _, err := s.client.Issue.AddCommentWithContext(ctx, key, &gojira.Comment{Body: body}); err != nil {
		return fmt.Errorf("commenting on %s: %w", key, err)
	}
	return nil
}

// ProjectVersions lists the versions of a project in their current order.
func (s *Session) ProjectVersions(ctx context.Context, project string) ([]ProjectVersion, error) {
	p, _, err := s.client.Project.GetWithContext(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("fetching project %s: %w", project, err)
	}

	versions := make([]ProjectVersion, 0, len(p.Versions))
	for _, v := range p.Versions {
		versions = append(versions, ProjectVersion{ID: v.ID, Name: v.Name, Self: v.Self})
	}
	return versions, nil
}

// CreateVersion adds a new version to a project.
func (s *Session) CreateVersion(ctx context.Context, project, name string) error {
	p, _, err := s.client.Project.GetWithContext(ctx, project)
	if err != nil {
		return fmt.Errorf("fetching project %s: %w", project, err)
	}
	pid, err := strconv.Atoi(p.ID)
	if err != nil {
		return fmt.Errorf("project %s has non-numeric id %q: %w", project, p.ID, err)
	}

	if _, _, err := s.client.Version.CreateWithContext(ctx, &gojira.Version{Name: name, ProjectID: pid}); err != nil {
		return fmt.Errorf("creating version %s in %s: %w", name, project, err)
	}
	return nil
}

// AssignFixVersion appends a version to the issue's fix-versions field.
func (s *Session) AssignFixVersion(ctx context.Context, key, name string) error {
	payload := map[string]interface{}{
		"update": map[string]interface{}{
			s.cfg.GetFixVersionsField(): []map[string]interface{}{
				{"add": map[string]interface{}{"name": name}},
			},
		},
	}
	if _, err := s.client.Issue.UpdateIssueWithContext(ctx, key, payload); err != nil {
		return fmt.Errorf("assigning fix version %s to %s: %w", name, key, err)
	}
	return nil
}

// ReorderVersion moves a version to the given position in its project.
func (s *Session) ReorderVersion(ctx context.Context, v ProjectVersion, pos Position) error {
	body := map[string]interface{}{}
	if pos.First {
		body["position"] = "First"
	} else {
		body["after"] = pos.AfterSelf
	}

	path := fmt.Sprintf("rest/api/2/version/%s/move", v.ID)
	req, err := s.client.NewRequestWithContext(ctx, http.MethodPost, path, body)
	if err != nil {
		return fmt.Errorf("building move request for version %s: %w", v.Name, err)
	}
	if _, err := s.client.Do(req, nil); err != nil {
		return fmt.Errorf("moving version %s: %w", v.Name, err)
	}
	return nil
}

// pendingField resolves the custom-field id backing the configured
// pending-versions field name. Looked up once and cached.
func (s *Session) pendingField(ctx context.Context) (string, error) {
	s.fieldMu.Lock()
	defer s.fieldMu.Unlock()

	if s.fieldLooked {
		return s.pendingFieldID, s.pendingFieldErr
	}
	s.fieldLooked = true

	name := s.cfg.PendingVersionsField
	if name == "" {
		s.pendingFieldErr = fmt.Errorf("no pending versions field configured")
		return "", s.pendingFieldErr
	}

	fields, _, err := s.client.Field.GetListWithContext(ctx)
	if err != nil {
		s.fieldLooked = false
		return "", fmt.Errorf("listing fields: %w", err)
	}
	for _, f := range fields {
		if f.Name == name {
			s.pendingFieldID = f.ID
			return f.ID, nil
		}
	}
	s.pendingFieldErr = fmt.Errorf("pending versions field %q not found", name)
	return "", s.pendingFieldErr
}

// PendingVersionNames reads the comma-separated pending-versions field of
// an issue.
func (s *Session) PendingVersionNames(ctx context.Context, key string) ([]string, error) {
	fieldID, err := s.pendingField(ctx)
	if err != nil {
		return nil, err
	}

	issue, _, err := s.client.Issue.GetWithContext(ctx, key, &gojira.GetQueryOptions{Fields: fieldID})
	if err != nil {
		return nil, fmt.Errorf("fetching issue %s: %w", key, err)
	}
	if issue.Fields == nil {
		return nil, nil
	}
	raw, _ := issue.Fields.Unknowns[fieldID].(string)
	return splitVersionNames(raw), nil
}

// SetPendingVersionNames overwrites the pending-versions field of an
// issue.
func (s *Session) SetPendingVersionNames(ctx context.Context, key string, names []string) error {
	fieldID, err := s.pendingField(ctx)
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"fields": map[string]interface{}{
			fieldID: strings.Join(names, ", "),
		},
	}
	if _, err := s.client.Issue.UpdateIssueWithContext(ctx, key, payload); err != nil {
		return fmt.Errorf("updating pending versions on %s: %w", key, err)
	}
	return nil
}

// SearchPendingVersions returns, per issue key, the pending-version names
// of every issue in the project with a non-empty pending field.
func (s *Session) SearchPendingVersions(ctx context.Context, project string) (map[string][]string, error) {
	fieldID, err := s.pendingField(ctx)
	if err != nil {
		return nil, err
	}

	jql := fmt.Sprintf("project = %s AND %q is not EMPTY", project, s.cfg.PendingVersionsField)
	out := map[string][]string{}

	opts := &gojira.SearchOptions{Fields: []string{fieldID}, MaxResults: 100}
	for {
		issues, resp, err := s.client.Issue.SearchWithContext(ctx, jql, opts)
		if err != nil {
			return nil, fmt.Errorf("searching pending versions in %s: %w", project, err)
		}
		for _, issue := range issues {
			if issue.Fields == nil {
				continue
			}
			raw, _ := issue.Fields.Unknowns[fieldID].(string)
			if names := splitVersionNames(raw); len(names) > 0 {
				out[issue.Key] = names
			}
		}

		opts.StartAt = resp.StartAt + len(issues)
		if len(issues) == 0 || opts.StartAt >= resp.Total {
			break
		}
	}
	return out, nil
}

func splitVersionNames(raw string) []string {
	var names []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names
}
