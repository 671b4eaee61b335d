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

// Package chat delivers messages to the chat system. It renders
// attachments, threads messages per item when a repo opts in, and drops
// recently repeated messages.
package chat

// Attachment is the renderable block attached to a message.
type Attachment struct {
	Text       string   `json:"text"`
	Title      string   `json:"title,omitempty"`
	TitleLink  string   `json:"title_link,omitempty"`
	Color      string   `json:"color,omitempty"`
	MarkdownIn []string `json:"mrkdwn_in,omitempty"`
}

// AttachmentBuilder assembles an Attachment with markdown enabled for the
// text block.
type AttachmentBuilder struct {
	attachment Attachment
}

func NewAttachment(text string) *AttachmentBuilder {
	return &AttachmentBuilder{attachment: Attachment{
		Text:       text,
		MarkdownIn: []string{"text"},
	}}
}

func (b *AttachmentBuilder) Title(title string) *AttachmentBuilder {
	b.attachment.Title = title
	return b
}

func (b *AttachmentBuilder) TitleLink(link string) *AttachmentBuilder {
	b.attachment.TitleLink = link
	return b
}

func (b *AttachmentBuilder) Color(color string) *AttachmentBuilder {
	b.attachment.Color = color
	return b
}

func (b *AttachmentBuilder) Build() Attachment {
	return b.attachment
}

// Recipient names a message destination: a channel name, a chat user id,
// or an "@name" mention.
type Recipient struct {
	ID   string
	Name string
}

func NewRecipient(id, name string) Recipient {
	return Recipient{ID: id, Name: name}
}

// UserMention addresses an unbound chat user by display name.
func UserMention(name string) Recipient {
	return Recipient{ID: "@" + name, Name: name}
}

// Request is one chat delivery, executed by the chat worker job.
type Request struct {
	Channel       string
	Message       string
	Attachments   []Attachment
	ThreadGUID    string
	UseThreads    bool
	InitialThread bool
}

func attachmentsEqual(a, b []Attachment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Text != b[i].Text || a[i].Title != b[i].Title ||
			a[i].TitleLink != b[i].TitleLink || a[i].Color != b[i].Color {
			return false
		}
	}
	return true
}
