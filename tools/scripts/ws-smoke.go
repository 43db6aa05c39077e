// Package main provides a CI-friendly WebSocket smoke test for Chattr realtime.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - inbox subscription snapshot
//   - follow request/accept dance up to a mutual follow
//   - conversation provisioning via inbox_update
//   - conversation snapshot + send -> ack -> fanout message_new
//   - idempotent dedupe by client_msg_id
//   - reaction merge fanout as message_update
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/rahul-sharma-alx/chattr/contracts/realtime/v1"
)

const (
	defaultSubprotocol = "chattr.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("user-a", "smoke-alice", "User id for client A")
		userB   = flag.String("user-b", "smoke-bob", "User id for client B")
		text    = flag.String("text", "hello chattr 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *userA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *userB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	mustSubscribe(root, a, v1.ResourceInbox, "", v1.TypeInboxSnapshot, *timeout)
	mustSubscribe(root, b, v1.ResourceInbox, "", v1.TypeInboxSnapshot, *timeout)

	mustFollowOp(root, a, v1.TypeFollowRequest, b.userID, "request", *timeout)
	mustFollowOp(root, b, v1.TypeFollowAccept, a.userID, "accept", *timeout)
	mustFollowOp(root, b, v1.TypeFollowRequest, a.userID, "request", *timeout)
	mustFollowOp(root, a, v1.TypeFollowAccept, b.userID, "accept", *timeout)

	convID := mustInboxConversation(root, a, b.userID, *timeout)
	if got := mustInboxConversation(root, b, a.userID, *timeout); got != convID {
		fatalf("conversation id mismatch: A=%s B=%s", convID, got)
	}

	if *verbose {
		fmt.Printf("provisioned: conv_id=%s\n", convID)
	}

	mustSubscribe(root, a, v1.ResourceConversation, convID, v1.TypeConversationSnapshot, *timeout)
	mustSubscribe(root, b, v1.ResourceConversation, convID, v1.TypeConversationSnapshot, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())

	messageID, seq := mustSendAndAssertAck(root, a, convID, clientMsgID, *text, false, *timeout)

	mustAssertNew(root, b, convID, clientMsgID, messageID, seq, a.userID, *text, *timeout)

	_ = drainOptional(root, a, v1.TypeMessageNew, 750*time.Millisecond)

	messageID2, seq2 := mustSendAndAssertAck(root, a, convID, clientMsgID, *text, true, *timeout)
	if seq2 != seq || messageID2 != messageID {
		fatalf("dedupe mismatch: first=(%s,%d) second=(%s,%d)", messageID, seq, messageID2, seq2)
	}

	mustAssertNoType(root, b, v1.TypeMessageNew, 1200*time.Millisecond)

	mustReact(root, b, convID, messageID, "👍", *timeout)
	mustAssertUpdate(root, a, convID, messageID, b.userID, "👍", *timeout)

	fmt.Printf("OK: A=%s B=%s conv_id=%s seq=%d message_id=%s\n", a.sessionID, b.sessionID, convID, seq, messageID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, userID string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeHello,
		ID:   fmt.Sprintf("%s-hello", name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{
			UserID:      userID,
			DisplayName: "Smoke " + name,
		}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello.ack missing session_id (%s)", name)
	}
	if p.UserID != userID {
		fatalf("hello.ack user_id mismatch (%s): got=%q want=%q", name, p.UserID, userID)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSubscribe(parent context.Context, c *smokeClient, resource, id, wantSnapshot string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeSubscribe,
		ID:   fmt.Sprintf("%s-sub-%s", c.name, resource),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.SubscribePayload{
			Resource: resource,
			ID:       id,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	// Snapshot always precedes live events for the subscribed resource.
	c.mustReadUntilType(parent, wantSnapshot, stepTimeout, anyOtherTypes())
}

func mustFollowOp(parent context.Context, c *smokeClient, typ, otherID, wantOp string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%s", c.name, typ, otherID),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.FollowPayload{UserID: otherID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeFollowAck, stepTimeout, anyOtherTypes())

	var p v1.FollowAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal follow.ack payload (%s): %v", c.name, err)
	}
	if p.Op != wantOp || p.UserID != otherID {
		fatalf("follow.ack mismatch (%s): got=(%s,%s) want=(%s,%s)", c.name, p.Op, p.UserID, wantOp, otherID)
	}
}

// mustInboxConversation waits for an inbox_update naming otherID and returns
// the conversation id.
func mustInboxConversation(parent context.Context, c *smokeClient, otherID string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustReadUntilTypeCtx(ctx, v1.TypeInboxUpdate)

		var p v1.InboxEntryPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal inbox.update payload (%s): %v", c.name, err)
		}
		if p.OtherParticipant.UserID == otherID && strings.TrimSpace(p.ConversationID) != "" {
			return p.ConversationID
		}
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, convID, clientMsgID, text string, wantDup bool, stepTimeout time.Duration) (messageID string, seq int64) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   fmt.Sprintf("%s-send-%s", c.name, clientMsgID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			ConversationID: convID,
			ClientMsgID:    clientMsgID,
			Text:           text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, anyOtherTypes())

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message.ack payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("ack conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("ack missing message_id (%s)", c.name)
	}
	if p.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Seq)
	}
	if p.Duplicated != wantDup {
		fatalf("ack duplicated mismatch (%s): got=%v want=%v", c.name, p.Duplicated, wantDup)
	}
	return p.MessageID, p.Seq
}

func mustAssertNew(parent context.Context, c *smokeClient, convID, clientMsgID, messageID string, seq int64, senderID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, anyOtherTypes())

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message.new payload (%s): %v", c.name, err)
	}

	if p.ConversationID != convID {
		fatalf("new conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("new client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if p.MessageID != messageID {
		fatalf("new message_id mismatch (%s): got=%q want=%q", c.name, p.MessageID, messageID)
	}
	if p.Seq != seq {
		fatalf("new seq mismatch (%s): got=%d want=%d", c.name, p.Seq, seq)
	}
	if p.SenderID != senderID {
		fatalf("new sender mismatch (%s): got=%q want=%q", c.name, p.SenderID, senderID)
	}
	if p.Text != text {
		fatalf("new text mismatch (%s): got=%q want=%q", c.name, p.Text, text)
	}
	if p.SentAt.IsZero() {
		fatalf("new sent_at missing/zero (%s)", c.name)
	}
}

func mustReact(parent context.Context, c *smokeClient, convID, messageID, emoji string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeReactionAdd,
		ID:   fmt.Sprintf("%s-react-%s", c.name, messageID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ReactionAddPayload{
			ConversationID: convID,
			MessageID:      messageID,
			Emoji:          emoji,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertUpdate(parent context.Context, c *smokeClient, convID, messageID, reactorID, emoji string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageUpdate, stepTimeout, anyOtherTypes())

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message.update payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID || p.MessageID != messageID {
		fatalf("update id mismatch (%s): got=(%s,%s) want=(%s,%s)", c.name, p.ConversationID, p.MessageID, convID, messageID)
	}
	if p.Reactions[reactorID] != emoji {
		fatalf("update reaction mismatch (%s): got=%q want=%q", c.name, p.Reactions[reactorID], emoji)
	}
}

func drainOptional(parent context.Context, c *smokeClient, typ string, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			if err != nil {
				return err
			}
			return errors.New("connection closed while draining")
		case env, ok := <-c.inbox:
			if !ok {
				return errors.New("connection closed while draining")
			}
			if env.Type == typ {
				return nil
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

// anyOtherTypes makes mustReadUntilType skip unrelated envelopes instead of
// failing on them; graph and inbox streams interleave with command acks.
func anyOtherTypes() map[string]struct{} {
	return map[string]struct{}{
		v1.TypeGraphSnapshot:        {},
		v1.TypeGraphUpdate:          {},
		v1.TypeInboxSnapshot:        {},
		v1.TypeInboxUpdate:          {},
		v1.TypeConversationSnapshot: {},
		v1.TypeMessageNew:           {},
		v1.TypeMessageUpdate:        {},
		v1.TypeFollowAck:            {},
		v1.TypeProfileResults:       {},
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

// mustReadUntilTypeCtx is like mustReadUntilType but shares one deadline
// across repeated reads.
func (c *smokeClient) mustReadUntilTypeCtx(ctx context.Context, wantType string) v1.Envelope {
	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
