package social

import (
	"context"
	"log/slog"

	"github.com/rahul-sharma-alx/chattr/cmd/internal/chat"
)

// Directory is the per-user live conversation list: provisioned entries plus
// a cheap last-message preview, pushed to inbox subscribers of both
// participants whenever either side changes.
type Directory struct {
	log   *slog.Logger
	convs ConversationStore
	pub   EventPublisher
}

// NewDirectory constructs the directory. pub may be nil in tests.
func NewDirectory(log *slog.Logger, convs ConversationStore, pub EventPublisher) *Directory {
	return &Directory{log: log, convs: convs, pub: pub}
}

// ListFor returns the user's conversations, most recently active first,
// creation time breaking ties.
func (d *Directory) ListFor(ctx context.Context, userID string) ([]InboxEntry, error) {
	return d.convs.ListFor(ctx, userID)
}

// Conversation looks up one conversation by id.
func (d *Directory) Conversation(ctx context.Context, conversationID string) (Conversation, error) {
	return d.convs.Conversation(ctx, conversationID)
}

// IsParticipant is the authorization boundary for conversation access.
func (d *Directory) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	conv, err := d.convs.Conversation(ctx, conversationID)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return conv.Has(userID), nil
}

// Announce pushes a freshly provisioned conversation to both participants'
// inbox subscribers.
func (d *Directory) Announce(ctx context.Context, conv Conversation) {
	entry := InboxEntry{Conversation: conv, LastActiveAt: conv.CreatedAt}
	d.publish(conv.UserA, entry)
	d.publish(conv.UserB, entry)
}

// NoteMessage refreshes the preview after an append and pushes the updated
// entry to both participants. Implements the chat service's preview sink.
func (d *Directory) NoteMessage(ctx context.Context, m chat.Message) error {
	p := Preview{
		SenderID: m.SenderID,
		Text:     m.Text,
		SentAt:   m.SentAt,
	}
	if m.Media != nil {
		p.MediaKind = m.Media.Kind
	}

	conv, err := d.convs.SetLastMessage(ctx, m.ConversationID, p)
	if err != nil {
		return err
	}

	entry := InboxEntry{Conversation: conv, LastActiveAt: p.SentAt, LastMessage: &p}
	d.publish(conv.UserA, entry)
	d.publish(conv.UserB, entry)
	return nil
}

func (d *Directory) publish(userID string, entry InboxEntry) {
	if d.pub == nil {
		return
	}
	entry.OtherID = entry.Conversation.Other(userID)
	d.pub.Publish(InboxTopic(userID), EventInboxUpdate, entry)
}
