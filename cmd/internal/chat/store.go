package chat

import (
	"context"
	"time"
)

// AppendInput describes a message append request.
type AppendInput struct {
	ConversationID string
	ClientMsgID    string
	SenderID       string
	Text           string
	Media          *MediaRef
	ReplyTo        string
	Now            time.Time
}

// AppendResult is the append operation result.
// Duplicated is true when (conversation_id, client_msg_id) was seen before;
// the stored message is returned unchanged and no sequence was consumed.
type AppendResult struct {
	Stored     Message
	Duplicated bool
}

// MessageStore persists and queries conversation logs.
//
// Requirements:
//   - Append serialized per conversation: monotonic seq, no gaps for duplicates
//   - Idempotency per (conversation_id, client_msg_id)
//   - ReplyTo must resolve to an existing message with a smaller seq in the
//     same conversation (ErrInvalidMessage otherwise)
//   - ApplyReaction merges reactor -> emoji, last write wins (ErrNotFound
//     when the message is absent)
//   - List ordered by seq ASC; a stateless snapshot read
type MessageStore interface {
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	ApplyReaction(ctx context.Context, conversationID, messageID, reactorID, emoji string) (Message, error)
	List(ctx context.Context, conversationID string) ([]Message, error)
	Close() error
}
