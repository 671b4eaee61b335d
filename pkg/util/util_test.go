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

package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMakeLink(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "<http://foo|bar>", MakeLink("http://foo", "bar"))
	assert.Equal(t, "<http://foo?a=1&amp;b=2|a &lt;b&gt; &amp; c>",
		MakeLink("http://foo?a=1&b=2", "a <b> & c"))
}

func TestMentionedUsers(t *testing.T) {
	t.Parallel()

	body := "hey @user-one and @user2, also tell @user3.dots about it. ping@not-a-mention-ok"
	assert.Equal(t, []string{"user-one", "user2", "user3", "not-a-mention-ok"}, MentionedUsers(body))

	assert.Nil(t, MentionedUsers("no mentions here"))
}

func TestCheckUnique(t *testing.T) {
	t.Parallel()

	eq := func(a, b string) bool { return a == b }
	var recent []string

	assert.True(t, CheckUnique(&recent, "a", eq))
	assert.True(t, CheckUnique(&recent, "b", eq))
	assert.False(t, CheckUnique(&recent, "a", eq))
	assert.Equal(t, []string{"a", "b"}, recent)
}

func TestTrimUnique(t *testing.T) {
	t.Parallel()

	var recent []int
	for i := 0; i < 11; i++ {
		recent = append(recent, i)
	}

	TrimUnique(&recent, 20, 5)
	assert.Len(t, recent, 11, "under the threshold, untouched")

	TrimUnique(&recent, 10, 5)
	assert.Equal(t, []int{6, 7, 8, 9, 10}, recent, "keeps the most recent")
}
