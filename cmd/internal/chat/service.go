package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rahul-sharma-alx/chattr/cmd/internal/metrics"
)

// Hub topic and event kinds for conversation logs.
const (
	EventMessageNew    = "message.new"
	EventMessageUpdate = "message.update"
)

// ConversationTopic is the hub topic carrying one conversation's events.
func ConversationTopic(conversationID string) string {
	return "conversation/" + conversationID
}

// EventPublisher is the slice of the live hub the chat service needs.
type EventPublisher interface {
	Publish(topic, kind string, payload any)
}

// PreviewSink receives the latest message of a conversation so the chat
// list preview can be refreshed. Implemented by the conversation directory.
type PreviewSink interface {
	NoteMessage(ctx context.Context, m Message) error
}

// Service is the MessageLog entrypoint: validation, append, reaction merge,
// snapshot reads, and live publication.
//
// Store commits and hub publishes for one conversation are covered by a
// single lane lock, so subscribers observe events in exactly the commit
// order. Snapshot reads go through Synced, which holds that same lane, so
// a snapshot cannot include a committed-but-unpublished append.
type Service struct {
	log      *slog.Logger
	store    MessageStore
	pub      EventPublisher
	previews PreviewSink

	mu    sync.Mutex
	lanes map[string]*sync.Mutex
}

// NewService constructs the chat service. pub and previews may be nil in tests.
func NewService(log *slog.Logger, store MessageStore, pub EventPublisher, previews PreviewSink) *Service {
	return &Service{
		log:      log,
		store:    store,
		pub:      pub,
		previews: previews,
		lanes:    make(map[string]*sync.Mutex),
	}
}

func (s *Service) lane(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.lanes[conversationID] = l
	}
	return l
}

// Append validates and appends a message, then fans it out.
// A duplicate ClientMsgID returns the originally stored message and
// publishes nothing.
func (s *Service) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if err := validateContent(in.Text, in.Media); err != nil {
		return AppendResult{}, err
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	l := s.lane(in.ConversationID)
	l.Lock()
	defer l.Unlock()

	res, err := s.store.Append(ctx, in)
	if err != nil {
		return AppendResult{}, err
	}
	if res.Duplicated {
		s.log.Debug("chat.append.duplicate", "conversation_id", in.ConversationID, "client_msg_id", in.ClientMsgID)
		return res, nil
	}

	metrics.MessagesAppended.Inc()
	s.log.Info("chat.append",
		"conversation_id", res.Stored.ConversationID,
		"message_id", res.Stored.ID,
		"seq", res.Stored.Seq,
	)

	if s.pub != nil {
		s.pub.Publish(ConversationTopic(in.ConversationID), EventMessageNew, res.Stored.Clone())
	}
	if s.previews != nil {
		if err := s.previews.NoteMessage(ctx, res.Stored); err != nil {
			s.log.Warn("chat.preview.refresh.fail", "conversation_id", in.ConversationID, "err", err)
		}
	}
	return res, nil
}

// React merges one emoji reaction and publishes the updated message.
func (s *Service) React(ctx context.Context, conversationID, messageID, reactorID, emoji string) (Message, error) {
	if strings.TrimSpace(emoji) == "" {
		return Message{}, OpError{Op: "chat.React", Kind: ErrInvalidMessage, Msg: "empty emoji"}
	}
	if strings.TrimSpace(reactorID) == "" {
		return Message{}, OpError{Op: "chat.React", Kind: ErrInvalidMessage, Msg: "missing reactor"}
	}

	l := s.lane(conversationID)
	l.Lock()
	defer l.Unlock()

	msg, err := s.store.ApplyReaction(ctx, conversationID, messageID, reactorID, emoji)
	if err != nil {
		return Message{}, err
	}

	metrics.ReactionsApplied.Inc()

	if s.pub != nil {
		s.pub.Publish(ConversationTopic(conversationID), EventMessageUpdate, msg.Clone())
	}
	return msg, nil
}

// List returns the current ordered snapshot of one conversation log.
//
// List alone can observe a message whose message.new publish is still in
// flight; snapshot-then-stream readers call it inside Synced.
func (s *Service) List(ctx context.Context, conversationID string) ([]Message, error) {
	return s.store.List(ctx, conversationID)
}

// Synced runs fn while holding conversationID's lane, the lock that covers
// a store commit together with its publication. Subscribers register and
// take their snapshot inside fn, so the snapshot cannot land between a
// committed append and the matching message.new.
//
// fn must not call Append or React for the same conversation.
func (s *Service) Synced(conversationID string, fn func() error) error {
	l := s.lane(conversationID)
	l.Lock()
	defer l.Unlock()
	return fn()
}
