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
	"fmt"
	"net/http"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v41/github"
	"github.com/sirupsen/logrus"
)

// SessionFactory mints sessions scoped to a repository. The token factory
// returns the same session for every repo; the app factory exchanges the
// app credentials for a per-installation token.
type SessionFactory interface {
	NewSession(ctx context.Context, owner, repo string) (*Session, error)
	BotLogin() string
}

type tokenFactory struct {
	session *Session
}

// NewTokenFactory wraps a single static-token session.
func NewTokenFactory(session *Session) SessionFactory {
	return &tokenFactory{session: session}
}

func (f *tokenFactory) NewSession(ctx context.Context, owner, repo string) (*Session, error) {
	return f.session, nil
}

func (f *tokenFactory) BotLogin() string { return f.session.BotLogin() }

type appFactory struct {
	host    string
	appID   int64
	appName string
	apps    *ghinstallation.AppsTransport
	log     logrus.FieldLogger
}

// NewAppFactory authenticates as a source-host app. The private key signs a
// short-lived RS256 app JWT; per-repo sessions then carry installation
// tokens. transport, when non-nil, sits under the app transport so
// responses are counted.
func NewAppFactory(ctx context.Context, host string, appID int64, keyFile string, transport http.RoundTripper) (SessionFactory, error) {
	if transport == nil {
		transport = http.DefaultTransport
	}
	apps, err := ghinstallation.NewAppsTransportKeyFromFile(transport, appID, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading app key: %w", err)
	}
	if host != "" && host != "github.com" && host != "api.github.com" {
		apps.BaseURL = fmt.Sprintf("https://%s/api/v3", host)
	}

	f := &appFactory{
		host:  host,
		appID: appID,
		apps:  apps,
		log:   logrus.WithField("client", "githost-app"),
	}

	client, err := newClient(host, &http.Client{Transport: apps})
	if err != nil {
		return nil, err
	}
	app, _, err := client.Apps.Get(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("looking up app %d: %w", appID, err)
	}
	f.appName = app.GetSlug()

	return f, nil
}

// BotLogin is the login the host attributes to app activity.
func (f *appFactory) BotLogin() string { return f.appName + "[bot]" }

func (f *appFactory) NewSession(ctx context.Context, owner, repo string) (*Session, error) {
	appClient, err := newClient(f.host, &http.Client{Transport: f.apps})
	if err != nil {
		return nil, err
	}

	var inst *github.Installation
	if repo == "" {
		inst, _, err = appClient.Apps.FindOrganizationInstallation(ctx, owner)
	} else {
		inst, _, err = appClient.Apps.FindRepositoryInstallation(ctx, owner, repo)
	}
	if err != nil {
		return nil, fmt.Errorf("finding installation for %s/%s: %w", owner, repo, err)
	}

	tr := ghinstallation.NewFromAppsTransport(f.apps, inst.GetID())
	client, err := newClient(f.host, &http.Client{Transport: tr})
	if err != nil {
		return nil, err
	}

	return &Session{
		client: client,
		log:    f.log.WithField("installation", inst.GetID()),
		host:   f.host,
		login:  f.BotLogin(),
		token:  tr.Token,
	}, nil
}
