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

// Package store persists webhook delivery ids for de-duplication and owns
// the periodic cleanup of aged records.
package store

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/mergehub/hub/pkg/db"
)

const recentGUIDCacheSize = 1000

// WebhookStore records processed delivery ids. A small LRU keeps the most
// recent ids in memory so the happy path skips the database.
type WebhookStore struct {
	db    *db.Database
	cache *lru.Cache
}

func NewWebhookStore(database *db.Database) *WebhookStore {
	cache, _ := lru.New(recentGUIDCacheSize)
	return &WebhookStore{db: database, cache: cache}
}

// MaybeRecord atomically records a delivery id. It returns true exactly
// once per id; concurrent callers race on the insert and the first wins.
func (s *WebhookStore) MaybeRecord(guid string) (bool, error) {
	if s.cache.Contains(guid) {
		return false, nil
	}

	res, err := s.db.DB().Exec(
		`INSERT OR IGNORE INTO processed_webhooks (guid, timestamp) VALUES (?, ?)`,
		guid, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("recording webhook %s: %w", guid, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("recording webhook %s: %w", guid, err)
	}

	s.cache.Add(guid, struct{}{})
	return rows == 1, nil
}

// Clean removes records older than maxAge.
func (s *WebhookStore) Clean(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.DB().Exec(`DELETE FROM processed_webhooks WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning webhook records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleaning webhook records: %w", err)
	}
	return n, nil
}
