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

// Package jira implements the issue-tracker workflow engine: key
// extraction from commit messages, review/resolution transitions,
// pending-version bookkeeping, and version merging.
package jira

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mergehub/hub/pkg/config"
	"github.com/mergehub/hub/pkg/githost"
	"github.com/mergehub/hub/pkg/version"
)

// Client is the capability set the workflow engine needs from the issue
// tracker. Session implements it.
type Client interface {
	IssueStatus(ctx context.Context, key string) (string, error)
	Transitions(ctx context.Context, key string) ([]Transition, error)
	ApplyTransition(ctx context.Context, key string, t Transition, resolution string) error
	Comment(ctx context.Context, key, body string) error

	ProjectVersions(ctx context.Context, project string) ([]ProjectVersion, error)
	CreateVersion(ctx context.Context, project, name string) error
	AssignFixVersion(ctx context.Context, key, name string) error
	ReorderVersion(ctx context.Context, v ProjectVersion, pos Position) error

	PendingVersionNames(ctx context.Context, key string) ([]string, error)
	SetPendingVersionNames(ctx context.Context, key string, names []string) error
	SearchPendingVersions(ctx context.Context, project string) (map[string][]string, error)
}

// Workflow drives issue transitions and version bookkeeping in reaction
// to source-host events. Failures on one key never abort the batch.
type Workflow struct {
	log    logrus.FieldLogger
	cfg    *config.JiraConfig
	client Client
}

func NewWorkflow(log logrus.FieldLogger, cfg *config.JiraConfig, client Client) *Workflow {
	return &Workflow{log: log, cfg: cfg, client: client}
}

// SubmitForReview comments on and transitions the issues fixed or
// referenced by a PR's commits when the PR is submitted for review.
func (w *Workflow) SubmitForReview(ctx context.Context, pr *githost.PullRequest, commits []githost.CommitLike, projects []string) {
	fixed := FixedKeys(commits, projects)
	mentioned := toSet(MentionedKeys(commits, projects))
	referenced := ReferencedKeys(commits, projects)

	for _, key := range fixed {
		log := w.log.WithField("issue", key)

		status, err := w.client.IssueStatus(ctx, key)
		if err != nil {
			log.WithError(err).Error("could not fetch issue status")
			continue
		}
		msg := fmt.Sprintf("Review submitted for branch %s: %s", pr.Base.Ref, pr.HTMLURL)
		if err := w.client.Comment(ctx, key, msg); err != nil {
			log.WithError(err).Error("could not comment on issue")
			continue
		}

		if contains(w.cfg.GetResolvedStates(), status) {
			// already resolved; do not reopen
			continue
		}
		if contains(w.cfg.GetReviewStates(), status) {
			continue
		}
		if !contains(w.cfg.GetProgressStates(), status) {
			w.tryTransition(ctx, key, w.cfg.GetProgressStates(), "")
		}
		w.tryTransition(ctx, key, w.cfg.GetReviewStates(), "")
	}

	for _, key := range referenced {
		log := w.log.WithField("issue", key)

		msg := fmt.Sprintf("Referenced by review submitted for branch %s: %s", pr.Base.Ref, pr.HTMLURL)
		if err := w.client.Comment(ctx, key, msg); err != nil {
			log.WithError(err).Error("could not comment on issue")
			continue
		}
		if !mentioned[key] {
			w.tryTransition(ctx, key, w.cfg.GetProgressStates(), "")
		}
	}
}

// ResolveIssue comments on and resolves the issues fixed by commits
// merged into a versioned branch. versionName may be empty when no
// version script produced one.
func (w *Workflow) ResolveIssue(ctx context.Context, branch, versionName string, commits []githost.CommitLike, projects []string) {
	for _, c := range commits {
		one := []githost.CommitLike{c}
		fixed := toSet(FixedKeys(one, projects))

		for _, key := range FixedKeys(one, projects) {
			log := w.log.WithField("issue", key)

			if err := w.client.Comment(ctx, key, resolveComment(branch, c, versionName)); err != nil {
				log.WithError(err).Error("could not comment on issue")
				continue
			}
			w.resolveKey(ctx, key)
		}

		for _, key := range AllKeys(one, projects) {
			if fixed[key] {
				continue
			}
			log := w.log.WithField("issue", key)

			msg := fmt.Sprintf("Referenced by commit merged into branch %s: [%s|%s]\n{quote}%s{quote}",
				branch, githost.ShortSHA(c.SHA()), c.HTMLURL(), githost.CommitTitle(c))
			if err := w.client.Comment(ctx, key, msg); err != nil {
				log.WithError(err).Error("could not comment on issue")
			}
		}
	}
}

func resolveComment(branch string, c githost.CommitLike, versionName string) string {
	msg := fmt.Sprintf("Merged into branch %s: [%s|%s]\n{quote}%s{quote}",
		branch, githost.ShortSHA(c.SHA()), c.HTMLURL(), githost.CommitTitle(c))
	if versionName != "" {
		msg += fmt.Sprintf("\nIncluded in version %s", versionName)
	}
	if note := ReleaseNote(c.Message()); note != "" {
		msg += fmt.Sprintf("\n\nRelease Note:\n{quote}%s{quote}", note)
	}
	return msg
}

// resolveKey transitions one issue into a resolved state, setting the
// resolution when the transition exposes one.
func (w *Workflow) resolveKey(ctx context.Context, key string) {
	log := w.log.WithField("issue", key)

	status, err := w.client.IssueStatus(ctx, key)
	if err != nil {
		log.WithError(err).Error("could not fetch issue status")
		return
	}
	if contains(w.cfg.GetResolvedStates(), status) {
		return
	}

	transitions, err := w.client.Transitions(ctx, key)
	if err != nil {
		log.WithError(err).Error("could not list transitions")
		return
	}
	t, ok := matchTransition(transitions, w.cfg.GetResolvedStates())
	if !ok {
		log.Warnf("no transition to a resolved state from %q", status)
		return
	}

	resolution := ""
	for _, allowed := range t.Resolutions {
		if contains(w.cfg.GetFixedResolutions(), allowed) {
			resolution = allowed
			break
		}
	}

	if err := w.client.ApplyTransition(ctx, key, t, resolution); err != nil {
		log.WithError(err).Error("could not resolve issue")
	}
}

func (w *Workflow) tryTransition(ctx context.Context, key string, targets []string, resolution string) {
	log := w.log.WithField("issue", key)

	transitions, err := w.client.Transitions(ctx, key)
	if err != nil {
		log.WithError(err).Error("could not list transitions")
		return
	}
	t, ok := matchTransition(transitions, targets)
	if !ok {
		return
	}
	if err := w.client.ApplyTransition(ctx, key, t, resolution); err != nil {
		log.WithError(err).Error("could not apply transition")
	}
}

// matchTransition picks the first transition whose name or target status
// name appears in targets.
func matchTransition(transitions []Transition, targets []string) (Transition, bool) {
	for _, t := range transitions {
		if contains(targets, t.Name) || contains(targets, t.ToName) {
			return t, true
		}
	}
	return Transition{}, false
}

// AddPendingVersion appends a version to the pending-versions field of
// every non-mentioned issue the commits name.
func (w *Workflow) AddPendingVersion(ctx context.Context, versionName string, commits []githost.CommitLike, projects []string) {
	if versionName == "" {
		return
	}
	mentioned := toSet(MentionedKeys(commits, projects))

	for _, key := range AllKeys(commits, projects) {
		if mentioned[key] {
			continue
		}
		log := w.log.WithField("issue", key)

		names, err := w.client.PendingVersionNames(ctx, key)
		if err != nil {
			log.WithError(err).Error("could not read pending versions")
			continue
		}
		merged := sortVersionNames(append(names, versionName))
		if err := w.client.SetPendingVersionNames(ctx, key, merged); err != nil {
			log.WithError(err).Error("could not update pending versions")
		}
	}
}

// MergeMode selects whether MergePendingVersions only reports or also
// applies the fix-version assignments.
type MergeMode int

const (
	DryRun MergeMode = iota
	ForReal
)

// MergePendingVersions finds, per issue, the pending versions covered by
// the target version and, in ForReal mode, assigns the target as a fix
// version and removes the covered entries.
func (w *Workflow) MergePendingVersions(ctx context.Context, targetName, project string, mode MergeMode) (map[string][]string, error) {
	target := version.Parse(targetName)
	if target == nil {
		return nil, fmt.Errorf("unparseable target version %q", targetName)
	}

	real, err := w.client.ProjectVersions(ctx, project)
	if err != nil {
		return nil, err
	}
	var realVersions []*version.Version
	targetExists := false
	for _, r := range real {
		if r.Name == targetName {
			targetExists = true
		}
		if v := version.Parse(r.Name); v != nil {
			realVersions = append(realVersions, v)
		}
	}

	pending, err := w.client.SearchPendingVersions(ctx, project)
	if err != nil {
		return nil, err
	}

	relevant := map[string][]string{}
	for key, names := range pending {
		if matched := relevantNames(target, names, realVersions); len(matched) > 0 {
			relevant[key] = matched
		}
	}

	if mode == DryRun {
		return relevant, nil
	}

	if !targetExists {
		if err := w.client.CreateVersion(ctx, project, targetName); err != nil {
			return nil, err
		}
	}

	for key, matched := range relevant {
		log := w.log.WithField("issue", key)

		if err := w.client.AssignFixVersion(ctx, key, targetName); err != nil {
			log.WithError(err).Error("could not assign fix version")
			continue
		}
		remaining := subtract(pending[key], matched)
		if err := w.client.SetPendingVersionNames(ctx, key, remaining); err != nil {
			log.WithError(err).Error("could not remove merged pending versions")
		}
	}
	return relevant, nil
}

// relevantNames keeps the pending names whose parsed versions are
// covered by the target.
func relevantNames(target *version.Version, names []string, real []*version.Version) []string {
	var pending []*version.Version
	byVersion := map[*version.Version]string{}
	for _, name := range names {
		if v := version.Parse(name); v != nil {
			pending = append(pending, v)
			byVersion[v] = name
		}
	}

	var out []string
	for _, v := range FindRelevantVersions(target, pending, real) {
		out = append(out, byVersion[v])
	}
	return out
}

// FindRelevantVersions keeps the pending versions sharing the target's
// major and minor that lie in the half-open range above the highest real
// version below the target.
func FindRelevantVersions(target *version.Version, pending, real []*version.Version) []*version.Version {
	least := version.Parse("0.0.0.0")
	for _, r := range real {
		if r.Major() == target.Major() && r.Minor() == target.Minor() &&
			r.Less(target) && least.Less(r) {
			least = r
		}
	}

	var out []*version.Version
	for _, v := range pending {
		if v.Major() == target.Major() && v.Minor() == target.Minor() &&
			least.Less(v) && !target.Less(v) {
			out = append(out, v)
		}
	}
	return out
}

// SortVersions reorders a project's versions: parseable versions first in
// version order, then the rest by name.
func (w *Workflow) SortVersions(ctx context.Context, project string) error {
	versions, err := w.client.ProjectVersions(ctx, project)
	if err != nil {
		return err
	}
	if len(versions) < 2 {
		return nil
	}

	sort.SliceStable(versions, func(i, j int) bool {
		a, b := version.Parse(versions[i].Name), version.Parse(versions[j].Name)
		switch {
		case a != nil && b != nil:
			return a.Less(b)
		case a != nil:
			return true
		case b != nil:
			return false
		default:
			return versions[i].Name < versions[j].Name
		}
	})

	if err := w.client.ReorderVersion(ctx, versions[0], Position{First: true}); err != nil {
		return err
	}
	for i := 1; i < len(versions); i++ {
		if err := w.client.ReorderVersion(ctx, versions[i], Position{AfterSelf: versions[i-1].Self}); err != nil {
			return err
		}
	}
	return nil
}

// CheckName is the name of the reference check-run posted on PR head
// commits.
const CheckName = "jira"

var skippedCommitTypes = map[string]bool{
	"build":    true,
	"chore":    true,
	"docs":     true,
	"refactor": true,
	"style":    true,
	"test":     true,
}

// ReferenceCheck decides the check-run for a PR's issue references. The
// caller fills in the head sha. A nil result means no check should be
// posted.
func ReferenceCheck(prTitle string, commits []githost.CommitLike, projects []string) *githost.CheckRun {
	if ctype := ConventionalCommitType(prTitle); skippedCommitTypes[ctype] {
		title := fmt.Sprintf("Skipped JIRA check for commit type: %s", ctype)
		return &githost.CheckRun{
			Name:       CheckName,
			Status:     githost.CheckStatusCompleted,
			Conclusion: githost.CheckConclusionNeutral,
			Output:     &githost.CheckOutput{Title: title, Summary: title},
		}
	}

	if len(projects) == 0 {
		return nil
	}

	keys := AllKeys(commits, projects)
	if len(keys) == 0 {
		return &githost.CheckRun{
			Name:       CheckName,
			Status:     githost.CheckStatusCompleted,
			Conclusion: githost.CheckConclusionNeutral,
			Output: &githost.CheckOutput{
				Title:   "Missing JIRA reference",
				Summary: fmt.Sprintf("Expected a JIRA reference to one of the following projects: %s", strings.Join(projects, ", ")),
			},
		}
	}

	return &githost.CheckRun{
		Name:       CheckName,
		Status:     githost.CheckStatusCompleted,
		Conclusion: githost.CheckConclusionSuccess,
		Output: &githost.CheckOutput{
			Title:   "JIRA reference found",
			Summary: fmt.Sprintf("Found JIRA reference(s): %s", strings.Join(keys, ", ")),
		},
	}
}

// sortVersionNames sorts version names ascending with unparseable names
// last, dropping duplicates.
func sortVersionNames(names []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := version.Parse(out[i]), version.Parse(out[j])
		switch {
		case a != nil && b != nil:
			return a.Less(b)
		case a != nil:
			return true
		case b != nil:
			return false
		default:
			return out[i] < out[j]
		}
	})
	return out
}

func subtract(names, remove []string) []string {
	drop := toSet(remove)
	out := []string{}
	for _, n := range names {
		if !drop[n] {
			out = append(out, n)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, v := range list {
		set[v] = true
	}
	return set
}
