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
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"github.com/mergehub/hub/pkg/util"
)

const (
	trimMessagesAt = 200
	trimMessagesTo = 20
)

type sentMessage struct {
	channel     string
	text        string
	attachments []Attachment
	thread      string
}

// postFunc performs the actual API call and returns the message
// timestamp. Injected so tests can capture the final parameters.
type postFunc func(ctx context.Context, channel, text string, attachments []Attachment, threadTS string) (string, error)

// Client posts messages via the chat API.
type Client struct {
	log     logrus.FieldLogger
	post    postFunc
	threads *ThreadStore

	mu     sync.Mutex
	recent []sentMessage
}

// NewClient builds a client over the chat bot token. transport, when
// non-nil, sits under the retry layer so responses are counted.
func NewClient(botToken string, threads *ThreadStore, transport http.RoundTripper) *Client {
	hc := retryablehttp.NewClient()
	hc.Logger = nil
	if transport != nil {
		hc.HTTPClient.Transport = transport
	}
	api := slack.New(botToken, slack.OptionHTTPClient(hc.StandardClient()))

	return &Client{
		log:     logrus.WithField("client", "chat"),
		threads: threads,
		post: func(ctx context.Context, channel, text string, attachments []Attachment, threadTS string) (string, error) {
			opts := []slack.MsgOption{
				slack.MsgOptionText(text, false),
				slack.MsgOptionAttachments(convertAttachments(attachments)...),
			}
			if threadTS != "" {
				opts = append(opts, slack.MsgOptionTS(threadTS))
			}
			_, ts, err := api.PostMessageContext(ctx, channel, opts...)
			return ts, err
		},
	}
}

func convertAttachments(attachments []Attachment) []slack.Attachment {
	out := make([]slack.Attachment, 0, len(attachments))
	for _, a := range attachments {
		out = append(out, slack.Attachment{
			Text:       a.Text,
			Title:      a.Title,
			TitleLink:  a.TitleLink,
			Color:      a.Color,
			MarkdownIn: a.MarkdownIn,
		})
	}
	return out
}

// Send delivers one request, resolving threading and dropping recent
// duplicates.
func (c *Client) Send(ctx context.Context, req Request) error {
	threadTS := ""
	if req.UseThreads && req.ThreadGUID != "" && c.threads != nil {
		ts, err := c.threads.Lookup(req.ThreadGUID, req.Channel)
		if err != nil {
			c.log.WithError(err).Error("thread lookup failed, sending unthreaded")
		} else {
			threadTS = ts
		}
	}

	if !c.checkUnique(req, threadTS) {
		c.log.WithField("channel", req.Channel).Debug("dropping duplicate chat message")
		return nil
	}

	ts, err := c.post(ctx, req.Channel, req.Message, req.Attachments, threadTS)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", req.Channel, err)
	}

	if req.UseThreads && req.ThreadGUID != "" && threadTS == "" && req.InitialThread && c.threads != nil {
		if err := c.threads.Record(req.ThreadGUID, req.Channel, ts); err != nil {
			c.log.WithError(err).Error("could not record thread timestamp")
		}
	}
	return nil
}

func (c *Client) checkUnique(req Request, threadTS string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := sentMessage{
		channel:     req.Channel,
		text:        req.Message,
		attachments: req.Attachments,
		thread:      threadTS,
	}
	eq := func(a, b sentMessage) bool {
		return a.channel == b.channel && a.text == b.text && a.thread == b.thread &&
			attachmentsEqual(a.attachments, b.attachments)
	}
	if !util.CheckUnique(&c.recent, msg, eq) {
		return false
	}
	util.TrimUnique(&c.recent, trimMessagesAt, trimMessagesTo)
	return true
}
