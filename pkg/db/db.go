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

// Package db opens the single sqlite database backing user/repo bindings,
// webhook de-duplication, and chat threading, and applies schema
// migrations at startup.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Database is a handle to the sqlite file. The underlying pool is safe for
// concurrent use; sqlite serializes writers via WAL.
type Database struct {
	db *sql.DB
}

// Open opens (creating if needed) the database and brings the schema up to
// date.
func Open(path string) (*Database, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	d := &Database{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

func (d *Database) Close() error { return d.db.Close() }

// DB exposes the raw handle for the packages that own tables.
func (d *Database) DB() *sql.DB { return d.db }

// migrations are applied in order; the current version is the number of
// steps already run, kept in __version. Each step runs in its own
// transaction so a failure leaves a well-defined schema.
var migrations = []string{
	`CREATE TABLE users (
		id INTEGER PRIMARY KEY,
		github_name TEXT NOT NULL,
		slack_name TEXT NOT NULL,
		slack_id TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		mute_direct_messages TINYINT NOT NULL DEFAULT 0,
		mute_team_dm TINYINT NOT NULL DEFAULT 0,
		muted_repos TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE repos (
		id INTEGER PRIMARY KEY,
		repo TEXT NOT NULL,
		channel TEXT NOT NULL DEFAULT '',
		force_push_notify TINYINT NOT NULL DEFAULT 1,
		use_threads TINYINT NOT NULL DEFAULT 0,
		release_branch_prefix TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE repos_jiras (
		id INTEGER PRIMARY KEY,
		repo_id INTEGER NOT NULL,
		jira TEXT NOT NULL,
		version_script TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL DEFAULT '',
		release_branch_regex TEXT NOT NULL DEFAULT '',
		FOREIGN KEY(repo_id) REFERENCES repos(id)
	)`,
	`CREATE TABLE processed_webhooks (
		guid TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL
	)`,
	`CREATE TABLE chat_threads (
		guid TEXT NOT NULL,
		channel TEXT NOT NULL,
		thread TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	)`,
	`CREATE INDEX chat_threads_guid ON chat_threads (guid, channel)`,
}

func (d *Database) migrate() error {
	if _, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS __version (current_version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating version table: %w", err)
	}

	version := -1
	row := d.db.QueryRow(`SELECT current_version FROM __version`)
	if err := row.Scan(&version); err != nil {
		if err != sql.ErrNoRows {
			return fmt.Errorf("reading schema version: %w", err)
		}
		if _, err := d.db.Exec(`INSERT INTO __version (current_version) VALUES (-1)`); err != nil {
			return fmt.Errorf("initializing schema version: %w", err)
		}
	}

	for step := version + 1; step < len(migrations); step++ {
		if err := d.applyStep(step); err != nil {
			return err
		}
		logrus.WithField("version", step).Info("applied database migration")
	}
	return nil
}

func (d *Database) applyStep(step int) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("starting migration %d: %w", step, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migrations[step]); err != nil {
		return fmt.Errorf("running migration %d: %w", step, err)
	}
	if _, err := tx.Exec(`UPDATE __version SET current_version = ?`, step); err != nil {
		return fmt.Errorf("recording migration %d: %w", step, err)
	}
	return tx.Commit()
}

// ToTinyInt maps a bool onto the TINYINT columns.
func ToTinyInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ToBool reads a TINYINT column back.
func ToBool(i int) bool { return i != 0 }
