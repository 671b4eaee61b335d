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

package githost

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	teamCacheSize = 256
	teamCacheTTL  = time.Hour
)

type teamMemberLister interface {
	GetTeamMembers(ctx context.Context, org string, teamID int64) ([]User, error)
}

type teamCacheKey struct {
	org    string
	teamID int64
}

type teamCacheEntry struct {
	members []User
	expires time.Time
}

// TeamsCache caches team membership lookups for an hour. Entries past
// their expiry are evicted lazily on read.
type TeamsCache struct {
	mu    sync.Mutex
	cache *lru.Cache
	now   func() time.Time
}

func NewTeamsCache() *TeamsCache {
	cache, _ := lru.New(teamCacheSize)
	return &TeamsCache{cache: cache, now: time.Now}
}

// Members returns a fresh copy of the team's member list, consulting the
// lister on a miss or an expired entry.
func (t *TeamsCache) Members(ctx context.Context, lister teamMemberLister, org string, teamID int64) ([]User, error) {
	key := teamCacheKey{org: org, teamID: teamID}

	t.mu.Lock()
	if v, ok := t.cache.Get(key); ok {
		entry := v.(teamCacheEntry)
		if t.now().Before(entry.expires) {
			members := append([]User{}, entry.members...)
			t.mu.Unlock()
			return members, nil
		}
		t.cache.Remove(key)
	}
	t.mu.Unlock()

	members, err := lister.GetTeamMembers(ctx, org, teamID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.cache.Add(key, teamCacheEntry{
		members: append([]User{}, members...),
		expires: t.now().Add(teamCacheTTL),
	})
	t.mu.Unlock()

	return members, nil
}
