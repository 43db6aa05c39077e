package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{
			name: "valid hello",
			env:  Envelope{V: Version, Type: TypeHello, ID: "e1", TS: now},
		},
		{
			name: "valid subscribe",
			env:  Envelope{V: Version, Type: TypeSubscribe, TS: now},
		},
		{
			name:    "missing version",
			env:     Envelope{Type: TypeHello},
			wantErr: true,
		},
		{
			name:    "wrong version",
			env:     Envelope{V: "v2", Type: TypeHello},
			wantErr: true,
		},
		{
			name:    "missing type",
			env:     Envelope{V: Version},
			wantErr: true,
		},
		{
			name:    "unknown type",
			env:     Envelope{V: Version, Type: "message_delete"},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	payload, err := json.Marshal(MessageSendPayload{
		ConversationID: "c1",
		ClientMsgID:    "m1",
		Text:           "hi",
		Media:          &MediaRef{URL: "https://cdn.example/x.png", Kind: MediaImage},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	in := Envelope{V: Version, Type: TypeMessageSend, ID: "e1", TS: time.Now().UTC(), Payload: payload}

	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var out Envelope
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if err := out.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	var p MessageSendPayload
	if err := json.Unmarshal(out.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.ConversationID != "c1" || p.ClientMsgID != "m1" || p.Media == nil || p.Media.Kind != MediaImage {
		t.Fatalf("payload mismatch: %+v", p)
	}
}
