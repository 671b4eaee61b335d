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

// Command hub runs the webhook orchestrator: it accepts source-host
// webhooks, mirrors activity into chat and the issue tracker, and runs
// backports, force-push analysis, and version scripts.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/mergehub/hub/pkg/chat"
	"github.com/mergehub/hub/pkg/config"
	"github.com/mergehub/hub/pkg/db"
	"github.com/mergehub/hub/pkg/git/dirpool"
	"github.com/mergehub/hub/pkg/githost"
	"github.com/mergehub/hub/pkg/jira"
	"github.com/mergehub/hub/pkg/messenger"
	"github.com/mergehub/hub/pkg/metrics"
	"github.com/mergehub/hub/pkg/runner"
	"github.com/mergehub/hub/pkg/server"
	"github.com/mergehub/hub/pkg/store"
	"github.com/mergehub/hub/pkg/worker"
)

type options struct {
	configPath string
	dbPath     string
	listenAddr string
	jsonLogs   bool
}

func gatherOptions() options {
	o := options{}
	pflag.StringVar(&o.configPath, "config", "config.yaml", "Path to the YAML configuration file.")
	pflag.StringVar(&o.dbPath, "db", "", "Path to the sqlite database (default: db.sqlite3 next to the config).")
	pflag.StringVar(&o.listenAddr, "listen", "", "Listen address, overriding the configured one.")
	pflag.BoolVar(&o.jsonLogs, "json-logs", true, "Emit logs as JSON.")
	pflag.Parse()
	return o
}

func main() {
	o := gatherOptions()
	if o.jsonLogs {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	log := logrus.StandardLogger().WithField("component", "hub")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if o.dbPath == "" {
		o.dbPath = filepath.Join(filepath.Dir(o.configPath), "db.sqlite3")
	}
	database, err := db.Open(o.dbPath)
	if err != nil {
		log.WithError(err).Fatal("could not open database")
	}
	defer database.Close()

	cfg, err := config.Load(o.configPath, database)
	if err != nil {
		log.WithError(err).Fatal("could not load configuration")
	}

	m := metrics.New()

	host, botLogin, err := connectHost(ctx, cfg, m)
	if err != nil {
		log.WithError(err).Fatal("could not connect to the source host")
	}
	log.Infof("source host session ready as %s", botLogin)

	pool := worker.NewPool(log, m)

	chatClient := chat.NewClient(cfg.Chat.BotToken, chat.NewThreadStore(database), m.Transport("slack", nil))
	send := func(req chat.Request) {
		pool.Submit(worker.Job{
			Kind: worker.KindChat,
			Run: func(ctx context.Context) {
				if err := chatClient.Send(ctx, req); err != nil {
					log.WithError(err).Errorf("could not deliver chat message to %s", req.Channel)
				}
			},
		})
	}
	msgr := messenger.New(log, cfg.Users, cfg.Repos, githost.NewTeamsCache(), botLogin, send)

	var workflow *jira.Workflow
	if cfg.Jira != nil {
		session, err := jira.NewSession(cfg.Jira, m.Transport("jira", nil))
		if err != nil {
			log.WithError(err).Fatal("could not build issue-tracker session")
		}
		if err := session.Ping(ctx); err != nil {
			log.WithError(err).Fatal("issue-tracker credentials rejected")
		}
		workflow = jira.NewWorkflow(log, cfg.Jira, session)
		log.Infof("issue tracker session ready against %s", cfg.Jira.BaseURL())
	}

	cloneRoot := cfg.Main.CloneRootDir
	if cloneRoot == "" {
		cloneRoot = filepath.Join(filepath.Dir(o.configPath), "clones")
	}
	clones := dirpool.New(log, cloneRoot)

	webhooks := store.NewWebhookStore(database)
	cleaner := store.StartCleaner(log, webhooks, clones)
	defer cleaner.Stop()

	dispatcher := server.NewDispatcher(log, server.DispatcherDeps{
		Users:       cfg.Users,
		Repos:       cfg.Repos,
		ChatConfig:  cfg.Chat,
		Host:        host,
		Messenger:   msgr,
		Workflow:    workflow,
		Pool:        pool,
		Backporter:  runner.NewBackporter(log, clones, msgr),
		ForcePusher: runner.NewForcePusher(log, clones),
		Versioner:   runner.NewVersioner(log, clones, msgr, workflow),
	})

	srv := server.New(log, m, cfg.Github.WebhookSecret, cfg.Metrics, webhooks, dispatcher)

	addr := o.listenAddr
	if addr == "" {
		addr = cfg.Main.ListenAddr
	}
	if addr == "" {
		addr = ":3000"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("could not drain HTTP server")
		}
		pool.Shutdown()
	}()

	log.Infof("listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server failed")
	}
	<-done
}

// connectHost authenticates against the source host, as an app when app
// credentials are configured and with a static token otherwise.
func connectHost(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (server.Host, string, error) {
	transport := m.Transport("github", nil)
	if cfg.Github.AppID != 0 {
		factory, err := githost.NewAppFactory(ctx, cfg.Github.Host, cfg.Github.AppID, cfg.Github.AppKeyFile, transport)
		if err != nil {
			return nil, "", err
		}
		return githost.NewHostAdapter(cfg.Github.Host, factory), factory.BotLogin(), nil
	}

	session, err := githost.NewTokenSession(ctx, cfg.Github.Host, cfg.Github.APIToken, transport)
	if err != nil {
		return nil, "", err
	}
	return session, session.BotLogin(), nil
}
