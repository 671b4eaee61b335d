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

// Package config carries the Hub's service configuration (a YAML file read
// once at startup) and the user/repo bindings (sqlite-backed, editable at
// runtime behind a read/write lock).
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/mergehub/hub/pkg/db"
)

// Config is everything the binary needs to run. Users and Repos are
// shared by reference with the dispatcher and the runners.
type Config struct {
	Main    MainConfig     `json:"main"`
	Github  GithubConfig   `json:"github"`
	Chat    ChatConfig     `json:"chat"`
	Jira    *JiraConfig    `json:"jira,omitempty"`
	Metrics *MetricsConfig `json:"metrics,omitempty"`

	Users *UserStore `json:"-"`
	Repos *RepoStore `json:"-"`
}

type MainConfig struct {
	ListenAddr   string `json:"listen_addr,omitempty"`
	CloneRootDir string `json:"clone_root_dir"`
}

type GithubConfig struct {
	WebhookSecret string `json:"webhook_secret"`
	Host          string `json:"host"`
	APIToken      string `json:"api_token,omitempty"`
	AppID         int64  `json:"app_id,omitempty"`
	AppKeyFile    string `json:"app_key_file,omitempty"`
}

type ChatConfig struct {
	BotToken     string   `json:"bot_token"`
	IgnoredUsers []string `json:"ignored_users,omitempty"`
}

// MetricsConfig guards /metrics with a salted PBKDF2 hash of the bearer
// token.
type MetricsConfig struct {
	Salt     string `json:"salt"`
	PassHash string `json:"pass_hash"`
}

// JiraConfig configures the issue-tracker session and the workflow
// engine's state names. Empty lists fall back to the defaults below.
type JiraConfig struct {
	Host     string `json:"host"`
	Username string `json:"username"`
	Password string `json:"password"`

	// workflow states consulted before submitting for review
	ProgressStates []string `json:"progress_states,omitempty"`
	// states to transition to when a PR is submitted for review
	ReviewStates []string `json:"review_states,omitempty"`
	// states to transition to when a fixing commit merges
	ResolvedStates []string `json:"resolved_states,omitempty"`
	// resolution values acceptable when resolving
	FixedResolutions []string `json:"fixed_resolutions,omitempty"`
	// field holding fix versions
	FixVersionsField string `json:"fix_versions_field,omitempty"`
	// plain-text field holding not-yet-shipped versions
	PendingVersionsField string `json:"pending_versions_field,omitempty"`
	// optional role name restricting comment visibility
	RestrictCommentVisibilityToRole string `json:"restrict_comment_visibility_to_role,omitempty"`
}

func (j *JiraConfig) BaseURL() string {
	if len(j.Host) >= 4 && j.Host[:4] == "http" {
		return j.Host
	}
	return "https://" + j.Host
}

func (j *JiraConfig) GetProgressStates() []string {
	if len(j.ProgressStates) > 0 {
		return j.ProgressStates
	}
	return []string{"In Progress"}
}

func (j *JiraConfig) GetReviewStates() []string {
	if len(j.ReviewStates) > 0 {
		return j.ReviewStates
	}
	return []string{"Pending Review"}
}

func (j *JiraConfig) GetResolvedStates() []string {
	if len(j.ResolvedStates) > 0 {
		return j.ResolvedStates
	}
	return []string{"Resolved", "Done"}
}

func (j *JiraConfig) GetFixedResolutions() []string {
	if len(j.FixedResolutions) > 0 {
		return j.FixedResolutions
	}
	return []string{"Fixed", "Done"}
}

func (j *JiraConfig) GetFixVersionsField() string {
	if j.FixVersionsField != "" {
		return j.FixVersionsField
	}
	return "fixVersions"
}

// Load reads the YAML config file and attaches the user/repo stores from
// the database sitting next to it.
func Load(path string, database *db.Database) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	c, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	c.Users = NewUserStore(database)
	c.Repos = NewRepoStore(database)
	return c, nil
}

// Parse decodes a config document without attaching stores.
func Parse(raw []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.UnmarshalStrict(raw, c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return c, nil
}
