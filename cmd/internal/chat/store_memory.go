package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rahul-sharma-alx/chattr/cmd/internal/ids"
)

// InMemoryStore is the dev fallback when no DB is configured, and the
// reference implementation the tests run against.
//
// Concurrency model: the top-level mutex only guards the conversation map;
// every conversation carries its own lock, so appends to different
// conversations never contend.
type InMemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*memLog
}

type memLog struct {
	mu     sync.Mutex
	seq    int64
	dedupe map[string]string   // client_msg_id -> message id
	byID   map[string]*Message // message id -> message
	msgs   []*Message          // ordered by seq
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*memLog),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) log(conversationID string) *memLog {
	s.mu.RLock()
	l, ok := s.convs[conversationID]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.convs[conversationID]; ok {
		return l
	}
	l = &memLog{
		dedupe: make(map[string]string),
		byID:   make(map[string]*Message),
		msgs:   make([]*Message, 0, 64),
	}
	s.convs[conversationID] = l
	return l
}

// Append persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if in.ConversationID == "" || in.ClientMsgID == "" || in.SenderID == "" {
		return AppendResult{}, OpError{Op: "chat.Append", Kind: ErrInvalidMessage, Msg: "missing ids"}
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	if err := validateContent(in.Text, in.Media); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	l := s.log(in.ConversationID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.dedupe[in.ClientMsgID]; ok {
		return AppendResult{Stored: l.byID[id].Clone(), Duplicated: true}, nil
	}

	if in.ReplyTo != "" {
		if _, ok := l.byID[in.ReplyTo]; !ok {
			return AppendResult{}, OpError{Op: "chat.Append", Kind: ErrInvalidMessage, Msg: "reply_to not in conversation"}
		}
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return AppendResult{}, OpError{Op: "chat.Append", Kind: ErrUnavailable, Msg: "id generation failed"}
	}

	l.seq++
	msg := &Message{
		ID:             id,
		ConversationID: in.ConversationID,
		ClientMsgID:    in.ClientMsgID,
		Seq:            l.seq,
		SenderID:       in.SenderID,
		Text:           in.Text,
		ReplyTo:        in.ReplyTo,
		SentAt:         now,
	}
	if in.Media != nil {
		mr := *in.Media
		msg.Media = &mr
	}

	l.dedupe[in.ClientMsgID] = id
	l.byID[id] = msg
	l.msgs = append(l.msgs, msg)

	return AppendResult{Stored: msg.Clone(), Duplicated: false}, nil
}

// ApplyReaction merges reactor -> emoji into the message's reaction ledger.
func (s *InMemoryStore) ApplyReaction(ctx context.Context, conversationID, messageID, reactorID, emoji string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	l := s.log(conversationID)
	l.mu.Lock()
	defer l.mu.Unlock()

	msg, ok := l.byID[messageID]
	if !ok {
		return Message{}, OpError{Op: "chat.React", Kind: ErrNotFound, Msg: "unknown message"}
	}

	if msg.Reactions == nil {
		msg.Reactions = make(map[string]string, 4)
	}
	msg.Reactions[reactorID] = emoji

	return msg.Clone(), nil
}

// List returns the conversation log ordered by seq ASC.
func (s *InMemoryStore) List(ctx context.Context, conversationID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := s.log(conversationID)
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Message, 0, len(l.msgs))
	for _, m := range l.msgs {
		out = append(out, m.Clone())
	}
	return out, nil
}
