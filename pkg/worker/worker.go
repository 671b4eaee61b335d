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

// Package worker runs fire-and-forget jobs on a shared bounded pool.
// Failures are logged and never reach the webhook response.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mergehub/hub/pkg/metrics"
)

const (
	maxConcurrentJobs = 20
	queueSize         = 1024
)

// Kind labels a job for metrics and logging.
type Kind string

const (
	KindBackport    Kind = "backport"
	KindForcePush   Kind = "forcepush"
	KindRepoVersion Kind = "repoversion"
	KindChat        Kind = "chat"
)

// Job is one unit of asynchronous work.
type Job struct {
	Kind Kind
	Run  func(ctx context.Context)
}

// Pool executes jobs with bounded concurrency. Submit never blocks the
// caller.
type Pool struct {
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	ctx     context.Context
	cancel  context.CancelFunc

	jobs chan Job
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool starts the workers. Jobs run under the pool's own context,
// which stays live until Shutdown has drained the queue; accepted jobs
// always run to completion.
func NewPool(log logrus.FieldLogger, m *metrics.Metrics) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:     log.WithField("component", "worker"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(chan Job, queueSize),
	}
	for i := 0; i < maxConcurrentJobs; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Submit enqueues a job. If the queue is saturated the handoff moves to
// its own goroutine so the dispatcher is never blocked.
func (p *Pool) Submit(job Job) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.log.Warnf("dropping %s job submitted after shutdown", job.Kind)
		return
	}
	p.mu.Unlock()

	select {
	case p.jobs <- job:
	default:
		p.log.Warnf("job queue full, handing off %s job asynchronously", job.Kind)
		go func() {
			defer func() {
				if recover() != nil {
					p.log.Warnf("dropping %s job, pool shut down during handoff", job.Kind)
				}
			}()
			p.jobs <- job
		}()
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.jobs)
	p.wg.Wait()
	p.cancel()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.runOne(job)
	}
}

func (p *Pool) runOne(job Job) {
	kind := string(job.Kind)
	if p.metrics != nil {
		p.metrics.JobCurrent.WithLabelValues(kind).Inc()
	}
	start := time.Now()

	defer func() {
		if p.metrics != nil {
			p.metrics.JobCurrent.WithLabelValues(kind).Dec()
			p.metrics.JobDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		}
		if r := recover(); r != nil {
			p.log.Errorf("%s job panicked: %v", kind, r)
		}
	}()

	job.Run(p.ctx)
}
