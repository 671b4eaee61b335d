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

package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergehub/hub/pkg/db"
)

func newTestStore(t *testing.T) *WebhookStore {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "db.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewWebhookStore(database)
}

func TestMaybeRecordFirstWins(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	first, err := s.MaybeRecord("delivery-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.MaybeRecord("delivery-1")
	require.NoError(t, err)
	assert.False(t, second)

	other, err := s.MaybeRecord("delivery-2")
	require.NoError(t, err)
	assert.True(t, other)
}

func TestMaybeRecordConcurrent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.MaybeRecord("contended")
			if err == nil && ok {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&wins), "exactly one caller wins")
}

func TestMaybeRecordSurvivesCacheEviction(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.MaybeRecord("evicted")
	require.NoError(t, err)

	// push the guid out of the in-memory cache; the database still knows
	for i := 0; i < recentGUIDCacheSize+10; i++ {
		_, err := s.MaybeRecord(fmt.Sprintf("filler-%d", i))
		require.NoError(t, err)
	}

	again, err := s.MaybeRecord("evicted")
	require.NoError(t, err)
	assert.False(t, again)
}

func TestClean(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.MaybeRecord("recent")
	require.NoError(t, err)

	old := time.Now().Add(-10 * 24 * time.Hour).Unix()
	_, err = s.db.DB().Exec(
		`INSERT INTO processed_webhooks (guid, timestamp) VALUES (?, ?)`, "ancient", old)
	require.NoError(t, err)

	n, err := s.Clean(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	dup, err := s.MaybeRecord("recent")
	require.NoError(t, err)
	assert.False(t, dup, "recent records survive cleaning")
}
