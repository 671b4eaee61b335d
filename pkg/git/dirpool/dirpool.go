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

// Package dirpool leases per-repository working directories to runners.
// A directory is held exclusively by one lease; released directories keep
// their clone so the next lease can refresh instead of recloning.
package dirpool

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Pool hands out working directories under root/host/owner/repo/<n>.
type Pool struct {
	log  logrus.FieldLogger
	root string

	mu   sync.Mutex
	busy map[string]bool
}

func New(log logrus.FieldLogger, root string) *Pool {
	return &Pool{
		log:  log.WithField("component", "dirpool"),
		root: root,
		busy: map[string]bool{},
	}
}

// Lease is exclusive ownership of one working directory until Release.
type Lease struct {
	pool *Pool
	dir  string
}

func (l *Lease) Dir() string { return l.dir }

// Release returns the directory to the pool. Safe to call from a defer on
// every exit path.
func (l *Lease) Release() {
	l.pool.mu.Lock()
	delete(l.pool.busy, l.dir)
	l.pool.mu.Unlock()

	// bump mtime so cleanup measures idle time from release
	now := time.Now()
	if err := os.Chtimes(l.dir, now, now); err != nil {
		l.pool.log.WithError(err).Warnf("could not touch released dir %s", l.dir)
	}
}

// Acquire leases the lowest-numbered free directory for a repository,
// creating it if needed.
func (p *Pool) Acquire(host, owner, repo string) (*Lease, error) {
	base := filepath.Join(p.root, host, owner, repo)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("creating pool dir %s: %w", base, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for id := 0; ; id++ {
		dir := filepath.Join(base, strconv.Itoa(id))
		if p.busy[dir] {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating lease dir %s: %w", dir, err)
		}
		p.busy[dir] = true
		return &Lease{pool: p, dir: dir}, nil
	}
}

// Clean removes lease directories that are not held and have been idle
// longer than maxAge.
func (p *Pool) Clean(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	for _, dir := range p.leaseDirs() {
		p.mu.Lock()
		held := p.busy[dir]
		p.mu.Unlock()
		if held {
			continue
		}

		info, err := os.Stat(dir)
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(dir); err != nil {
			p.log.WithError(err).Warnf("could not remove idle dir %s", dir)
		} else {
			p.log.Infof("removed idle working dir %s", dir)
		}
	}
}

// leaseDirs lists every root/host/owner/repo/<n> directory.
func (p *Pool) leaseDirs() []string {
	var out []string

	hosts, err := os.ReadDir(p.root)
	if err != nil {
		return nil
	}
	for _, host := range hosts {
		if !host.IsDir() {
			continue
		}
		owners, err := os.ReadDir(filepath.Join(p.root, host.Name()))
		if err != nil {
			continue
		}
		for _, owner := range owners {
			if !owner.IsDir() {
				continue
			}
			repos, err := os.ReadDir(filepath.Join(p.root, host.Name(), owner.Name()))
			if err != nil {
				continue
			}
			for _, repo := range repos {
				if !repo.IsDir() {
					continue
				}
				leases, err := os.ReadDir(filepath.Join(p.root, host.Name(), owner.Name(), repo.Name()))
				if err != nil {
					continue
				}
				for _, lease := range leases {
					if lease.IsDir() {
						out = append(out, filepath.Join(p.root, host.Name(), owner.Name(), repo.Name(), lease.Name()))
					}
				}
			}
		}
	}
	return out
}
