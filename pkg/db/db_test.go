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

package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMigrates(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "db.sqlite3")

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	for _, table := range []string{"users", "repos", "repos_jiras", "processed_webhooks", "chat_threads"} {
		var name string
		err := d.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoError(t, err, "table %s should exist", table)
	}

	var version int
	require.NoError(t, d.DB().QueryRow(`SELECT current_version FROM __version`).Scan(&version))
	assert.Equal(t, len(migrations)-1, version)
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "db.sqlite3")

	d, err := Open(path)
	require.NoError(t, err)
	_, err = d.DB().Exec(`INSERT INTO users (github_name, slack_name) VALUES ('g', 's')`)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	// reopening must not re-run migrations or lose data
	d, err = Open(path)
	require.NoError(t, err)
	defer d.Close()

	var count int
	require.NoError(t, d.DB().QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestTinyInt(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, ToTinyInt(true))
	assert.Equal(t, 0, ToTinyInt(false))
	assert.True(t, ToBool(1))
	assert.False(t, ToBool(0))
}
