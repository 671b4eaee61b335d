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
	"regexp"
	"sort"
	"strings"

	"github.com/mergehub/hub/pkg/githost"
)

// Issue keys are extracted from commit messages only. The "Fix"/"See"
// verbs may introduce a run of keys separated by whitespace or commas,
// optionally bracketed.
var (
	fixedKeysRegex     = regexp.MustCompile(`(?i)(?:Fix(?:es|ed)?):?\s*(?-i)((\[?([A-Z0-9]+-[0-9]+)(?:\]|\b)[\s,]*)+)`)
	mentionedKeysRegex = regexp.MustCompile(`(?i)(?:See):?\s*(?-i)((\[?([A-Z0-9]+-[0-9]+)(?:\]|\b)[\s,]*)+)`)
	anyKeyRegex        = regexp.MustCompile(`\b([A-Z0-9]+-[0-9]+)\b`)
)

// FixedKeys returns the keys introduced by a Fix/Fixes/Fixed verb,
// restricted to the configured projects, sorted and deduped.
func FixedKeys(commits []githost.CommitLike, projects []string) []string {
	return extractKeys(fixedKeysRegex, commits, projects)
}

// MentionedKeys returns the keys introduced by a See verb. Mentioned
// keys are never transitioned.
func MentionedKeys(commits []githost.CommitLike, projects []string) []string {
	return extractKeys(mentionedKeysRegex, commits, projects)
}

// AllKeys returns every key appearing anywhere in the commit messages.
func AllKeys(commits []githost.CommitLike, projects []string) []string {
	set := map[string]bool{}
	for _, c := range commits {
		for _, m := range anyKeyRegex.FindAllStringSubmatch(c.Message(), -1) {
			key := m[1]
			if keyInProjects(key, projects) {
				set[key] = true
			}
		}
	}
	return sortedKeys(set)
}

// ReferencedKeys is AllKeys minus FixedKeys.
func ReferencedKeys(commits []githost.CommitLike, projects []string) []string {
	fixed := map[string]bool{}
	for _, k := range FixedKeys(commits, projects) {
		fixed[k] = true
	}

	set := map[string]bool{}
	for _, k := range AllKeys(commits, projects) {
		if !fixed[k] {
			set[k] = true
		}
	}
	return sortedKeys(set)
}

func extractKeys(re *regexp.Regexp, commits []githost.CommitLike, projects []string) []string {
	set := map[string]bool{}
	for _, c := range commits {
		for _, m := range re.FindAllStringSubmatch(c.Message(), -1) {
			// m[1] is the full run of keys after the verb
			for _, km := range anyKeyRegex.FindAllStringSubmatch(m[1], -1) {
				key := km[1]
				if keyInProjects(key, projects) {
					set[key] = true
				}
			}
		}
	}
	return sortedKeys(set)
}

func keyInProjects(key string, projects []string) bool {
	idx := strings.Index(key, "-")
	if idx <= 0 {
		return false
	}
	prefix := key[:idx]
	for _, p := range projects {
		if p == prefix {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var conventionalCommitRegex = regexp.MustCompile(`^\s*([A-Za-z]+)(?:\([^)]*\))?!?:`)

// ConventionalCommitType returns the lowercased conventional-commit type
// of a title, or "" if the title has none.
func ConventionalCommitType(title string) string {
	m := conventionalCommitRegex.FindStringSubmatch(title)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

const (
	releaseNoteMaxLen    = 1000
	releaseNoteTruncated = " ... [truncated]"
)

var releaseNoteRegex = regexp.MustCompile(`(?is)release-note\s*(.*?)\s*release-note`)

// ReleaseNote extracts the text between a pair of Release-Note markers in
// a commit message, capped at 1000 characters. Returns "" when the
// markers are absent.
func ReleaseNote(message string) string {
	m := releaseNoteRegex.FindStringSubmatch(message)
	if m == nil {
		return ""
	}
	note := strings.TrimSpace(m[1])
	if len(note) > releaseNoteMaxLen {
		note = note[:releaseNoteMaxLen] + releaseNoteTruncated
	}
	return note
}
