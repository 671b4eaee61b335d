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
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mergehub/hub/pkg/db"
)

// UserInfo binds a source-host login to a chat identity.
type UserInfo struct {
	ID         int64
	Github     string
	ChatName   string
	ChatID     string
	Email      string
	MuteDM     bool
	MuteTeamDM bool
	MutedRepos []string
}

// UserStore reads and writes the users table. Reads happen on every
// dispatch; writes only from the admin path.
type UserStore struct {
	mu sync.RWMutex
	db *db.Database
}

func NewUserStore(database *db.Database) *UserStore {
	return &UserStore{db: database}
}

// Insert adds a binding.
func (s *UserStore) Insert(u *UserInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.DB().Exec(
		`INSERT INTO users (github_name, slack_name, slack_id, email, mute_direct_messages, mute_team_dm, muted_repos)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.Github, u.ChatName, u.ChatID, u.Email,
		db.ToTinyInt(u.MuteDM), db.ToTinyInt(u.MuteTeamDM), strings.Join(u.MutedRepos, ","),
	)
	if err != nil {
		return fmt.Errorf("inserting user %s: %w", u.Github, err)
	}
	return nil
}

// Update rewrites an existing binding. The binding must have an id.
func (s *UserStore) Update(u *UserInfo) error {
	if u.ID == 0 {
		return fmt.Errorf("cannot update user %s without an id", u.Github)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.DB().Exec(
		`UPDATE users SET github_name = ?, slack_name = ?, slack_id = ?, email = ?,
		 mute_direct_messages = ?, mute_team_dm = ?, muted_repos = ? WHERE id = ?`,
		u.Github, u.ChatName, u.ChatID, u.Email,
		db.ToTinyInt(u.MuteDM), db.ToTinyInt(u.MuteTeamDM), strings.Join(u.MutedRepos, ","), u.ID,
	)
	if err != nil {
		return fmt.Errorf("updating user %s: %w", u.Github, err)
	}
	return nil
}

// Delete removes a binding by id.
func (s *UserStore) Delete(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.DB().Exec(`DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting user %d: %w", id, err)
	}
	return nil
}

// ChatName resolves a source login to its chat display name, or "" if
// unbound.
func (s *UserStore) ChatName(github string) string {
	if u := s.Lookup(github); u != nil {
		return u.ChatName
	}
	return ""
}

// DirectMessageTarget resolves a source login to a DM recipient. It
// returns ok=false when the user is unbound or has muted DMs (globally,
// for this repo, or for team-derived references).
func (s *UserStore) DirectMessageTarget(github string, forTeam bool, repoFullName string) (string, bool) {
	u := s.Lookup(github)
	if u == nil {
		return "", false
	}
	if u.MuteDM || (forTeam && u.MuteTeamDM) {
		return "", false
	}
	for _, r := range u.MutedRepos {
		if r == repoFullName {
			return "", false
		}
	}
	if u.ChatID != "" {
		return u.ChatID, true
	}
	return "@" + u.ChatName, true
}

// Lookup fetches a binding by source login, or nil.
func (s *UserStore) Lookup(github string) *UserInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.DB().QueryRow(
		`SELECT id, slack_name, slack_id, email, mute_direct_messages, mute_team_dm, muted_repos
		 FROM users WHERE github_name = ?`, github)

	u := UserInfo{Github: github}
	var muteDM, muteTeamDM int
	var mutedRepos string
	err := row.Scan(&u.ID, &u.ChatName, &u.ChatID, &u.Email, &muteDM, &muteTeamDM, &mutedRepos)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		logrus.WithError(err).Errorf("error looking up user %s", github)
		return nil
	}

	u.MuteDM = db.ToBool(muteDM)
	u.MuteTeamDM = db.ToBool(muteTeamDM)
	u.MutedRepos = splitList(mutedRepos)
	return &u
}

// All lists every binding, ordered by source login.
func (s *UserStore) All() ([]UserInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.DB().Query(
		`SELECT id, github_name, slack_name, slack_id, email, mute_direct_messages, mute_team_dm, muted_repos
		 FROM users ORDER BY github_name`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []UserInfo
	for rows.Next() {
		var u UserInfo
		var muteDM, muteTeamDM int
		var mutedRepos string
		if err := rows.Scan(&u.ID, &u.Github, &u.ChatName, &u.ChatID, &u.Email, &muteDM, &muteTeamDM, &mutedRepos); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		u.MuteDM = db.ToBool(muteDM)
		u.MuteTeamDM = db.ToBool(muteTeamDM)
		u.MutedRepos = splitList(mutedRepos)
		users = append(users, u)
	}
	return users, rows.Err()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
