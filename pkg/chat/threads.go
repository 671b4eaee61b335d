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

package chat

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mergehub/hub/pkg/db"
)

// ThreadStore remembers, per (item guid, channel), the timestamp of the
// first message so later messages about the same item can thread under
// it.
type ThreadStore struct {
	db *db.Database
}

func NewThreadStore(database *db.Database) *ThreadStore {
	return &ThreadStore{db: database}
}

// Lookup returns the recorded thread timestamp, or "".
func (s *ThreadStore) Lookup(guid, channel string) (string, error) {
	row := s.db.DB().QueryRow(
		`SELECT thread FROM chat_threads WHERE guid = ? AND channel = ? ORDER BY timestamp LIMIT 1`,
		guid, channel)

	var thread string
	err := row.Scan(&thread)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up thread for %s in %s: %w", guid, channel, err)
	}
	return thread, nil
}

// Record stores the thread timestamp for an item's first message.
func (s *ThreadStore) Record(guid, channel, thread string) error {
	_, err := s.db.DB().Exec(
		`INSERT INTO chat_threads (guid, channel, thread, timestamp) VALUES (?, ?, ?, ?)`,
		guid, channel, thread, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("recording thread for %s in %s: %w", guid, channel, err)
	}
	return nil
}
