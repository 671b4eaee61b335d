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

// Package messenger decides which channels and which humans receive a
// notification and emits the corresponding chat requests.
package messenger

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/mergehub/hub/pkg/chat"
	"github.com/mergehub/hub/pkg/config"
	"github.com/mergehub/hub/pkg/githost"
	"github.com/mergehub/hub/pkg/jira"
	"github.com/mergehub/hub/pkg/util"
)

// TeamLister fetches team members on a cache miss. The source-host
// session implements it.
type TeamLister interface {
	GetTeamMembers(ctx context.Context, org string, teamID int64) ([]githost.User, error)
}

// Notification is one event's worth of message routing input.
type Notification struct {
	Message     string
	Attachments []chat.Attachment

	Repo    githost.Repo
	Branch  string
	Commits []githost.CommitLike
	Sender  githost.User

	// Item is the PR or issue the notification is about; nil for plain
	// pushes.
	Item githost.PullRequestLike
	// Participants are extra explicit recipients: @mentions and commit
	// authors.
	Participants []githost.User
	// Teams are requested-reviewer teams whose members get DMs.
	Teams      []githost.Team
	TeamLister TeamLister

	ThreadGUID    string
	InitialThread bool
}

// Messenger fans one notification out to channels and direct messages.
type Messenger struct {
	log      logrus.FieldLogger
	users    *config.UserStore
	repos    *config.RepoStore
	teams    *githost.TeamsCache
	botLogin string
	send     func(chat.Request)
}

// New builds a messenger; send enqueues one chat delivery and must not
// block.
func New(log logrus.FieldLogger, users *config.UserStore, repos *config.RepoStore, teams *githost.TeamsCache, botLogin string, send func(chat.Request)) *Messenger {
	return &Messenger{
		log:      log,
		users:    users,
		repos:    repos,
		teams:    teams,
		botLogin: botLogin,
		send:     send,
	}
}

// ChatName renders a user for display, preferring the bound chat name.
func (m *Messenger) ChatName(u githost.User) string {
	if name := m.users.ChatName(u.GetLogin()); name != "" {
		return name
	}
	return u.GetLogin()
}

// SendToChannel sends to the repo's channels only.
func (m *Messenger) SendToChannel(ctx context.Context, n Notification) {
	useThreads := m.repos.UseThreads(n.Repo)
	msg := fmt.Sprintf("%s (%s)", n.Message, util.MakeLink(n.Repo.HTMLURL, n.Repo.FullName))

	for _, channel := range m.channels(n) {
		m.send(chat.Request{
			Channel:       channel,
			Message:       msg,
			Attachments:   n.Attachments,
			ThreadGUID:    n.ThreadGUID,
			UseThreads:    useThreads,
			InitialThread: n.InitialThread,
		})
	}
}

// SendToOwner sends to the channels plus a DM to the item's owner.
func (m *Messenger) SendToOwner(ctx context.Context, n Notification) {
	m.SendToChannel(ctx, n)
	if n.Item != nil {
		m.sendDM(n, n.Item.PRUser().GetLogin(), false)
	}
}

// SendToAll sends to the channels plus DMs to everyone connected to the
// item, minus the sender and the bot.
func (m *Messenger) SendToAll(ctx context.Context, n Notification) {
	m.SendToChannel(ctx, n)

	type participant struct {
		fromTeam bool
	}
	participants := map[string]participant{}
	addUser := func(u githost.User) {
		if login := u.GetLogin(); login != "" {
			participants[login] = participant{}
		}
	}

	if n.Item != nil {
		addUser(n.Item.PRUser())
		for _, u := range n.Item.PRAssignees() {
			addUser(u)
		}
	}
	for _, u := range n.Participants {
		addUser(u)
	}

	for _, team := range n.Teams {
		if n.TeamLister == nil {
			break
		}
		members, err := m.teams.Members(ctx, n.TeamLister, n.Repo.Owner.GetLogin(), team.ID)
		if err != nil {
			m.log.WithError(err).Errorf("could not list members of team %s", team.Slug)
			continue
		}
		for _, u := range members {
			login := u.GetLogin()
			if login == "" {
				continue
			}
			// explicit participants outrank team-derived ones
			if _, ok := participants[login]; !ok {
				participants[login] = participant{fromTeam: true}
			}
		}
	}

	logins := make([]string, 0, len(participants))
	for login := range participants {
		logins = append(logins, login)
	}
	sort.Strings(logins)

	for _, login := range logins {
		if login == n.Sender.GetLogin() || login == m.botLogin {
			continue
		}
		m.sendDM(n, login, participants[login].fromTeam)
	}
}

// SendToUser DMs a single user directly, outside any fan-out.
func (m *Messenger) SendToUser(ctx context.Context, n Notification, user githost.User) {
	m.sendDM(n, user.GetLogin(), false)
}

func (m *Messenger) sendDM(n Notification, login string, fromTeam bool) {
	target, ok := m.users.DirectMessageTarget(login, fromTeam, n.Repo.FullName)
	if !ok {
		return
	}
	m.send(chat.Request{
		Channel:     target,
		Message:     n.Message,
		Attachments: n.Attachments,
	})
}

// channels resolves the destination channels: bindings whose project is
// referenced by the commits and which carry a channel override win over
// the repo's default channel.
func (m *Messenger) channels(n Notification) []string {
	var overrides []string
	for _, b := range m.repos.JiraBindings(n.Repo, n.Branch) {
		if b.Channel == "" {
			continue
		}
		if len(jira.AllKeys(n.Commits, []string{b.Project})) > 0 {
			overrides = append(overrides, b.Channel)
		}
	}
	if len(overrides) > 0 {
		return overrides
	}

	if ch := m.repos.NotifyChannel(n.Repo); ch != "" {
		return []string{ch}
	}
	return nil
}
