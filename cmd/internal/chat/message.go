// Package chat owns the append-only ordered message log of a conversation:
// append validation, per-conversation sequence allocation, reaction merges,
// and live event publication.
package chat

import (
	"strings"
	"time"
)

// Media kinds accepted on a message. Anything the media store cannot
// classify as image/video/audio is stored as a generic file.
const (
	MediaImage = "image"
	MediaVideo = "video"
	MediaAudio = "audio"
	MediaFile  = "file"
)

// MediaRef points at a blob in the external media store.
// The core never touches the bytes, only the durable URL and kind.
type MediaRef struct {
	URL  string
	Kind string
}

// Message is one entry of a conversation's append-only log.
//
// Seq is the order key: strictly monotonic per conversation, allocated under
// per-conversation serialization, so the log is prefix-stable. SentAt is the
// server receive time and is informational; ordering never depends on it.
type Message struct {
	ID             string
	ConversationID string
	ClientMsgID    string
	Seq            int64
	SenderID       string
	Text           string
	Media          *MediaRef
	ReplyTo        string
	Reactions      map[string]string // reactor id -> emoji, last write wins
	SentAt         time.Time
}

// Clone returns a deep copy safe to hand to subscribers.
func (m Message) Clone() Message {
	out := m
	if m.Media != nil {
		mr := *m.Media
		out.Media = &mr
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			out.Reactions[k] = v
		}
	}
	return out
}

// ValidMediaKind reports whether kind is one of the accepted media kinds.
func ValidMediaKind(kind string) bool {
	switch kind {
	case MediaImage, MediaVideo, MediaAudio, MediaFile:
		return true
	default:
		return false
	}
}

// validateContent enforces the invariant that text and media cannot both be
// absent, and that a present media reference is well-formed.
func validateContent(text string, media *MediaRef) error {
	if strings.TrimSpace(text) == "" && media == nil {
		return OpError{Op: "chat.Append", Kind: ErrInvalidMessage, Msg: "empty text and no media"}
	}
	if media != nil {
		if strings.TrimSpace(media.URL) == "" {
			return OpError{Op: "chat.Append", Kind: ErrInvalidMessage, Msg: "media url missing"}
		}
		if !ValidMediaKind(media.Kind) {
			return OpError{Op: "chat.Append", Kind: ErrInvalidMessage, Msg: "unknown media kind: " + media.Kind}
		}
	}
	return nil
}
