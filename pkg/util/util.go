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

// Package util holds small text helpers shared by the dispatcher and the
// messenger.
package util

import (
	"regexp"
	"strings"
)

var mentionRE = regexp.MustCompile(`@([0-9a-zA-Z-]+)`)

// MakeLink renders a chat hyperlink, escaping the markup characters the
// chat system reserves.
func MakeLink(url, text string) string {
	return "<" + escape(url) + "|" + escape(text) + ">"
}

func escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// MentionedUsers extracts the logins mentioned as @login in a comment body.
func MentionedUsers(body string) []string {
	var users []string
	for _, m := range mentionRE.FindAllStringSubmatch(body, -1) {
		users = append(users, m[1])
	}
	return users
}

// CheckUnique appends value to recent if no existing entry satisfies eq and
// reports whether it was new.
func CheckUnique[T any](recent *[]T, value T, eq func(a, b T) bool) bool {
	for _, r := range *recent {
		if eq(r, value) {
			return false
		}
	}
	*recent = append(*recent, value)
	return true
}

// TrimUnique bounds a recent-values list: once it grows past trimAt only the
// most recent trimTo entries are kept.
func TrimUnique[T any](recent *[]T, trimAt, trimTo int) {
	if len(*recent) > trimAt && trimAt >= trimTo {
		*recent = append([]T{}, (*recent)[len(*recent)-trimTo:]...)
	}
}
