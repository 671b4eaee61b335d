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

package config

import (
	"database/sql"
	"fmt"
	"regexp"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mergehub/hub/pkg/db"
	"github.com/mergehub/hub/pkg/githost"
)

const defaultReleaseBranchPrefix = "release/"

// RepoInfo is the per-repository policy. Repo is either "owner/name" or a
// bare "owner"; the more specific entry wins on lookup.
type RepoInfo struct {
	ID                  int64
	Repo                string
	Channel             string
	ForcePushNotify     bool
	UseThreads          bool
	ReleaseBranchPrefix string
	JiraConfigs         []JiraBinding
}

// JiraBinding ties an issue-tracker project to a repository. The binding
// applies to a branch when the branch is a main branch or matches the
// regex.
type JiraBinding struct {
	ID                 int64
	Project            string
	VersionScript      string
	Channel            string
	ReleaseBranchRegex string
}

func (b *JiraBinding) appliesToBranch(branch string) bool {
	if githost.IsMainBranch(branch) {
		return true
	}
	if b.ReleaseBranchRegex == "" {
		return false
	}
	re, err := regexp.Compile(b.ReleaseBranchRegex)
	if err != nil {
		logrus.WithError(err).Errorf("bad release branch regex for project %s: %q", b.Project, b.ReleaseBranchRegex)
		return false
	}
	return re.MatchString(branch)
}

// RepoStore reads and writes the repos and repos_jiras tables.
type RepoStore struct {
	mu sync.RWMutex
	db *db.Database
}

func NewRepoStore(database *db.Database) *RepoStore {
	return &RepoStore{db: database}
}

// Insert adds a repo policy with its bindings.
func (s *RepoStore) Insert(info *RepoInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.DB().Exec(
		`INSERT INTO repos (repo, channel, force_push_notify, use_threads, release_branch_prefix)
		 VALUES (?, ?, ?, ?, ?)`,
		info.Repo, info.Channel, db.ToTinyInt(info.ForcePushNotify), db.ToTinyInt(info.UseThreads), info.ReleaseBranchPrefix,
	)
	if err != nil {
		return fmt.Errorf("inserting repo %s: %w", info.Repo, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("inserting repo %s: %w", info.Repo, err)
	}
	info.ID = id

	return s.replaceBindings(info)
}

// Update rewrites a repo policy and its bindings. The policy must have an
// id.
func (s *RepoStore) Update(info *RepoInfo) error {
	if info.ID == 0 {
		return fmt.Errorf("cannot update repo %s without an id", info.Repo)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.DB().Exec(
		`UPDATE repos SET repo = ?, channel = ?, force_push_notify = ?, use_threads = ?, release_branch_prefix = ?
		 WHERE id = ?`,
		info.Repo, info.Channel, db.ToTinyInt(info.ForcePushNotify), db.ToTinyInt(info.UseThreads), info.ReleaseBranchPrefix, info.ID,
	)
	if err != nil {
		return fmt.Errorf("updating repo %s: %w", info.Repo, err)
	}

	if _, err := s.db.DB().Exec(`DELETE FROM repos_jiras WHERE repo_id = ?`, info.ID); err != nil {
		return fmt.Errorf("clearing bindings for repo %s: %w", info.Repo, err)
	}
	return s.replaceBindings(info)
}

func (s *RepoStore) replaceBindings(info *RepoInfo) error {
	for _, b := range info.JiraConfigs {
		_, err := s.db.DB().Exec(
			`INSERT INTO repos_jiras (repo_id, jira, version_script, channel, release_branch_regex)
			 VALUES (?, ?, ?, ?, ?)`,
			info.ID, b.Project, b.VersionScript, b.Channel, b.ReleaseBranchRegex,
		)
		if err != nil {
			return fmt.Errorf("inserting binding %s for repo %s: %w", b.Project, info.Repo, err)
		}
	}
	return nil
}

// Delete removes a repo policy and its bindings.
func (s *RepoStore) Delete(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.DB().Exec(`DELETE FROM repos_jiras WHERE repo_id = ?`, id); err != nil {
		return fmt.Errorf("deleting bindings for repo %d: %w", id, err)
	}
	if _, err := s.db.DB().Exec(`DELETE FROM repos WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting repo %d: %w", id, err)
	}
	return nil
}

// Lookup finds the policy for a repository, preferring an exact
// owner/name entry over a bare owner entry. Returns nil when neither
// exists.
func (s *RepoStore) Lookup(repo githost.Repo) *RepoInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if info := s.lookupKey(repo.FullName); info != nil {
		return info
	}
	return s.lookupKey(repo.Owner.GetLogin())
}

func (s *RepoStore) lookupKey(key string) *RepoInfo {
	row := s.db.DB().QueryRow(
		`SELECT id, repo, channel, force_push_notify, use_threads, release_branch_prefix
		 FROM repos WHERE repo = ?`, key)

	var info RepoInfo
	var forcePush, useThreads int
	err := row.Scan(&info.ID, &info.Repo, &info.Channel, &forcePush, &useThreads, &info.ReleaseBranchPrefix)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		logrus.WithError(err).Errorf("error looking up repo %s", key)
		return nil
	}
	info.ForcePushNotify = db.ToBool(forcePush)
	info.UseThreads = db.ToBool(useThreads)

	rows, err := s.db.DB().Query(
		`SELECT id, jira, version_script, channel, release_branch_regex
		 FROM repos_jiras WHERE repo_id = ?`, info.ID)
	if err != nil {
		logrus.WithError(err).Errorf("error loading bindings for repo %s", key)
		return &info
	}
	defer rows.Close()

	for rows.Next() {
		var b JiraBinding
		if err := rows.Scan(&b.ID, &b.Project, &b.VersionScript, &b.Channel, &b.ReleaseBranchRegex); err != nil {
			logrus.WithError(err).Errorf("error scanning binding for repo %s", key)
			return &info
		}
		info.JiraConfigs = append(info.JiraConfigs, b)
	}
	return &info
}

// All lists every policy, ordered by key.
func (s *RepoStore) All() ([]RepoInfo, error) {
	s.mu.RLock()
	keys := []RepoInfo{}
	rows, err := s.db.DB().Query(`SELECT repo FROM repos ORDER BY repo`)
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("listing repos: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, fmt.Errorf("scanning repo: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()
	s.mu.RUnlock()

	for _, name := range names {
		s.mu.RLock()
		info := s.lookupKey(name)
		s.mu.RUnlock()
		if info != nil {
			keys = append(keys, *info)
		}
	}
	return keys, nil
}

// NotifyChannel is the repo's default chat channel, or "".
func (s *RepoStore) NotifyChannel(repo githost.Repo) string {
	if info := s.Lookup(repo); info != nil {
		return info.Channel
	}
	return ""
}

// ForcePushNotify reports whether force pushes to this repo get diff
// analysis.
func (s *RepoStore) ForcePushNotify(repo githost.Repo) bool {
	if info := s.Lookup(repo); info != nil {
		return info.ForcePushNotify
	}
	return false
}

// UseThreads reports whether channel messages for this repo thread under
// the first message for the same item.
func (s *RepoStore) UseThreads(repo githost.Repo) bool {
	if info := s.Lookup(repo); info != nil {
		return info.UseThreads
	}
	return false
}

// ReleaseBranchPrefix names this repo's release branches, defaulting to
// "release/".
func (s *RepoStore) ReleaseBranchPrefix(repo githost.Repo) string {
	if info := s.Lookup(repo); info != nil && info.ReleaseBranchPrefix != "" {
		return info.ReleaseBranchPrefix
	}
	return defaultReleaseBranchPrefix
}

// JiraBindings returns the bindings applying to a branch of a repo.
func (s *RepoStore) JiraBindings(repo githost.Repo, branch string) []JiraBinding {
	info := s.Lookup(repo)
	if info == nil {
		return nil
	}
	var out []JiraBinding
	for _, b := range info.JiraConfigs {
		if b.appliesToBranch(branch) {
			out = append(out, b)
		}
	}
	return out
}

// JiraProjects returns the project keys bound to a branch of a repo.
func (s *RepoStore) JiraProjects(repo githost.Repo, branch string) []string {
	var out []string
	for _, b := range s.JiraBindings(repo, branch) {
		out = append(out, b.Project)
	}
	return out
}
