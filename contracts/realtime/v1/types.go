// Package v1 defines the Chattr Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	// The payload carries the user id minted by the external identity provider.
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe registers interest in a resource (client -> server).
	// The server replies with the resource snapshot, then streams updates.
	TypeSubscribe = "subscribe"
	// TypeUnsubscribe cancels a prior subscription (client -> server).
	TypeUnsubscribe = "unsubscribe"

	// TypeConversationSnapshot delivers the full ordered message history of a
	// conversation (server -> client). Also re-sent after a queue overflow resync.
	TypeConversationSnapshot = "conversation_snapshot"

	// TypeMessageSend requests appending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew streams a newly appended message (server -> subscribers).
	TypeMessageNew = "message_new"
	// TypeMessageUpdate streams a message whose reactions changed (server -> subscribers).
	TypeMessageUpdate = "message_update"

	// TypeReactionAdd merges an emoji reaction into a message (client -> server).
	TypeReactionAdd = "reaction_add"

	// TypeFollowRequest sends a follow request (client -> server).
	TypeFollowRequest = "follow_request"
	// TypeFollowAccept accepts a pending incoming request (client -> server).
	TypeFollowAccept = "follow_accept"
	// TypeFollowReject rejects a pending incoming request (client -> server).
	TypeFollowReject = "follow_reject"
	// TypeUnfollow removes an accepted follow edge (client -> server).
	TypeUnfollow = "unfollow"
	// TypeFollowAck acknowledges a follow mutation (server -> client).
	TypeFollowAck = "follow_ack"

	// TypeGraphSnapshot delivers a user's full social graph entry (server -> client).
	TypeGraphSnapshot = "graph_snapshot"
	// TypeGraphUpdate streams a changed graph entry (server -> subscribers).
	TypeGraphUpdate = "graph_update"

	// TypeInboxSnapshot delivers a user's full conversation list (server -> client).
	TypeInboxSnapshot = "inbox_snapshot"
	// TypeInboxUpdate streams a changed conversation list entry (server -> subscribers).
	TypeInboxUpdate = "inbox_update"

	// TypeProfileUpdate edits the caller's display name and bio (client -> server).
	TypeProfileUpdate = "profile_update"
	// TypeProfileSearch searches users by display-name prefix (client -> server).
	TypeProfileSearch = "profile_search"
	// TypeProfileResults returns profiles for a search or suggestion query (server -> client).
	TypeProfileResults = "profile_results"
	// TypeSuggestionsFetch requests follow suggestions (client -> server).
	TypeSuggestionsFetch = "suggestions_fetch"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

var allowedTypes = map[string]struct{}{
	TypeHello:                {},
	TypeHelloAck:             {},
	TypeSubscribe:            {},
	TypeUnsubscribe:          {},
	TypeConversationSnapshot: {},
	TypeMessageSend:          {},
	TypeMessageAck:           {},
	TypeMessageNew:           {},
	TypeMessageUpdate:        {},
	TypeReactionAdd:          {},
	TypeFollowRequest:        {},
	TypeFollowAccept:         {},
	TypeFollowReject:         {},
	TypeUnfollow:             {},
	TypeFollowAck:            {},
	TypeGraphSnapshot:        {},
	TypeGraphUpdate:          {},
	TypeInboxSnapshot:        {},
	TypeInboxUpdate:          {},
	TypeProfileUpdate:        {},
	TypeProfileSearch:        {},
	TypeProfileResults:       {},
	TypeSuggestionsFetch:     {},
	TypeError:                {},
}

// Resource kinds accepted by subscribe/unsubscribe.
const (
	ResourceConversation = "conversation"
	ResourceInbox        = "inbox"
	ResourceGraph        = "graph"
)

// Media kinds accepted on message_send.
const (
	MediaImage = "image"
	MediaVideo = "video"
	MediaAudio = "audio"
	MediaFile  = "file"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if _, ok := allowedTypes[e.Type]; !ok {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
// UserID is the stable id assigned by the external identity provider.
type HelloPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// SubscribePayload registers interest in one resource.
// ID is the conversation id for ResourceConversation and ignored for
// inbox/graph, which are always scoped to the session's user.
type SubscribePayload struct {
	Resource string `json:"resource"`
	ID       string `json:"id,omitempty"`
}

// MediaRef points at a blob in the external media store.
type MediaRef struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

// MessageSendPayload requests appending a message to a conversation.
type MessageSendPayload struct {
	ConversationID string    `json:"conversation_id"`
	ClientMsgID    string    `json:"client_msg_id"`
	Text           string    `json:"text,omitempty"`
	Media          *MediaRef `json:"media,omitempty"`
	ReplyTo        string    `json:"reply_to,omitempty"`
}

// MessageAckPayload acknowledges a send request and returns the canonical server ids.
type MessageAckPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id"`
	MessageID      string `json:"message_id"`
	Seq            int64  `json:"seq"`
	Duplicated     bool   `json:"duplicated,omitempty"`
}

// MessagePayload is the wire form of one message. Used by message_new,
// message_update and inside conversation snapshots.
type MessagePayload struct {
	ConversationID string            `json:"conversation_id"`
	MessageID      string            `json:"message_id"`
	ClientMsgID    string            `json:"client_msg_id,omitempty"`
	Seq            int64             `json:"seq"`
	SenderID       string            `json:"sender_id"`
	Text           string            `json:"text,omitempty"`
	Media          *MediaRef         `json:"media,omitempty"`
	ReplyTo        string            `json:"reply_to,omitempty"`
	Reactions      map[string]string `json:"reactions,omitempty"`
	SentAt         time.Time         `json:"sent_at"`
}

// ConversationSnapshotPayload carries the full ordered history.
type ConversationSnapshotPayload struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []MessagePayload `json:"messages"`
}

// ReactionAddPayload merges one emoji reaction from the session user.
type ReactionAddPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Emoji          string `json:"emoji"`
}

// FollowPayload names the counterparty of a follow mutation.
type FollowPayload struct {
	UserID string `json:"user_id"`
}

// FollowAckPayload echoes the applied follow mutation.
type FollowAckPayload struct {
	Op     string `json:"op"`
	UserID string `json:"user_id"`
}

// GraphEntryPayload is a user's full social graph entry.
type GraphEntryPayload struct {
	UserID          string   `json:"user_id"`
	Followers       []string `json:"followers"`
	Following       []string `json:"following"`
	PendingIncoming []string `json:"pending_incoming"`
}

// InboxEntryPayload annotates one conversation for the chat list.
type InboxEntryPayload struct {
	ConversationID   string          `json:"conversation_id"`
	OtherParticipant ProfilePayload  `json:"other_participant"`
	CreatedAt        time.Time       `json:"created_at"`
	LastActiveAt     time.Time       `json:"last_active_at"`
	LastMessage      *MessagePreview `json:"last_message,omitempty"`
}

// MessagePreview is the cheap last-message summary shown on the chat list.
type MessagePreview struct {
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text,omitempty"`
	MediaKind string    `json:"media_kind,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// InboxSnapshotPayload carries the full conversation list, most recent first.
type InboxSnapshotPayload struct {
	Entries []InboxEntryPayload `json:"entries"`
}

// ProfilePayload is the wire form of a user profile.
type ProfilePayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Bio         string `json:"bio,omitempty"`
}

// ProfileUpdatePayload edits the session user's profile.
type ProfileUpdatePayload struct {
	DisplayName string `json:"display_name,omitempty"`
	Bio         string `json:"bio,omitempty"`
}

// ProfileSearchPayload searches users by display-name prefix.
type ProfileSearchPayload struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// ProfileResultsPayload returns matched or suggested profiles.
type ProfileResultsPayload struct {
	Profiles []ProfilePayload `json:"profiles"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
