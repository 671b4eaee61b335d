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
	"time"

	"github.com/sirupsen/logrus"
	cron "gopkg.in/robfig/cron.v2"

	"github.com/mergehub/hub/pkg/git/dirpool"
)

const (
	webhookRecordMaxAge = 7 * 24 * time.Hour
	cloneDirMaxAge      = 24 * time.Hour
)

// StartCleaner schedules the daily pruning of webhook records and idle
// clone directories. Stop the returned cron on shutdown.
func StartCleaner(log logrus.FieldLogger, webhooks *WebhookStore, pool *dirpool.Pool) *cron.Cron {
	log = log.WithField("component", "cleaner")

	c := cron.New()
	c.AddFunc("@daily", func() {
		n, err := webhooks.Clean(webhookRecordMaxAge)
		if err != nil {
			log.WithError(err).Error("could not clean webhook records")
		} else if n > 0 {
			log.Infof("removed %d old webhook records", n)
		}
		pool.Clean(cloneDirMaxAge)
	})
	c.Start()
	return c
}
