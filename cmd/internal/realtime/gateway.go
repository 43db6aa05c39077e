package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rahul-sharma-alx/chattr/cmd/internal/chat"
	"github.com/rahul-sharma-alx/chattr/cmd/internal/metrics"
	"github.com/rahul-sharma-alx/chattr/cmd/internal/social"
	"github.com/rahul-sharma-alx/chattr/cmd/internal/users"
	v1 "github.com/rahul-sharma-alx/chattr/contracts/realtime/v1"
)

const (
	wsSubprotocolV1 = "chattr.realtime.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsDefaultSearchLimit = 20
	wsMaxSearchLimit     = 50

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the WebSocket entrypoint for Chattr realtime.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the hub and the domain services.
type Gateway struct {
	log       *slog.Logger
	hub       *Hub
	messages  *chat.Service
	graph     *social.Graph
	directory *social.Directory
	profiles  users.Store

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway with secure defaults.
func NewGateway(log *slog.Logger, hub *Hub, messages *chat.Service, graph *social.Graph, directory *social.Directory, profiles users.Store) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &Gateway{
		log:       log,
		hub:       hub,
		messages:  messages,
		graph:     graph,
		directory: directory,
		profiles:  profiles,
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("CHATTR_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("CHATTR_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("CHATTR_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("CHATTR_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("CHATTR_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("CHATTR_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("CHATTR_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("CHATTR_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("CHATTR_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("CHATTR_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// session bundles the per-connection state touched by the read loop and the
// pump goroutines.
type session struct {
	client *Client

	mu     sync.Mutex
	userID string
	subs   map[string]*Subscription // keyed by hub topic
}

func (s *session) user() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *session) setUser(id string) {
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}

func (s *session) addSub(topic string, sub *Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[topic]; exists {
		return false
	}
	s.subs[topic] = sub
	return true
}

func (s *session) removeSub(topic string) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[topic]
	delete(s.subs, topic)
	return sub
}

func (s *session) drainSubs() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	s.subs = make(map[string]*Subscription)
	return out
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	sess := &session{
		client: NewClient("", sessionID, g.sendQueueSize),
		subs:   make(map[string]*Subscription),
	}

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Fanout safety: subscriptions are cancelled before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			for _, sub := range sess.drainSubs() {
				sub.Cancel()
			}

			sess.client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.client.Done():
				return
			case env := <-sess.client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, sess.client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, sess.client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, sess.client, "bad_envelope", err.Error())
			continue readLoop
		}

		if env.Type == v1.TypeHello {
			if err := g.onHello(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess.client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			continue readLoop
		}

		if sess.user() == "" {
			g.trySendError(ctx, sess.client, "not_authenticated", "hello first")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeSubscribe:
			if err := g.onSubscribe(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess.client, errCode(err), err.Error())
			}

		case v1.TypeUnsubscribe:
			if err := g.onUnsubscribe(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess.client, errCode(err), err.Error())
			}

		case v1.TypeMessageSend:
			if err := g.onMessageSend(ctx, sess, env, now); err != nil {
				g.trySendError(ctx, sess.client, errCode(err), err.Error())
			}

		case v1.TypeReactionAdd:
			if err := g.onReactionAdd(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess.client, errCode(err), err.Error())
			}

		case v1.TypeFollowRequest, v1.TypeFollowAccept, v1.TypeFollowReject, v1.TypeUnfollow:
			if err := g.onFollow(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess.client, errCode(err), err.Error())
			}

		case v1.TypeProfileUpdate:
			if err := g.onProfileUpdate(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess.client, errCode(err), err.Error())
			}

		case v1.TypeProfileSearch:
			if err := g.onProfileSearch(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess.client, errCode(err), err.Error())
			}

		case v1.TypeSuggestionsFetch:
			if err := g.onSuggestionsFetch(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess.client, errCode(err), err.Error())
			}

		default:
			g.trySendError(ctx, sess.client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onHello(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		return errors.New("missing user_id")
	}
	if cur := sess.user(); cur != "" && cur != userID {
		return errors.New("session already bound to another user")
	}

	if _, err := g.profiles.Upsert(ctx, users.Profile{
		ID:          userID,
		DisplayName: strings.TrimSpace(p.DisplayName),
		AvatarURL:   strings.TrimSpace(p.AvatarURL),
	}); err != nil {
		return fmt.Errorf("profile upsert: %w", err)
	}

	sess.setUser(userID)
	sess.client.UserID = userID

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: sess.client.SessionID, UserID: userID})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())) {
		return errors.New("backpressure: hello.ack")
	}

	g.log.Info("ws.session.hello", "session_id", sess.client.SessionID, "user_id", userID)
	return nil
}

func (g *Gateway) onSubscribe(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	userID := sess.user()

	if p.Resource == v1.ResourceInbox {
		// Repair any conversation whose provisioning was lost to a storage
		// failure after the mutual follow committed, before the snapshot.
		if err := g.graph.Reconcile(ctx, userID); err != nil {
			g.log.Warn("social.reconcile.fail", "user_id", userID, "err", err)
		}
	}

	topic, snapshot, err := g.resolveResource(ctx, userID, p)
	if err != nil {
		return err
	}

	var sub *Subscription
	if p.Resource == v1.ResourceConversation {
		// Register under the conversation's append lane. Without it a
		// subscribe landing between a store commit and its publish would
		// see the message in the snapshot and again as message.new.
		err = g.messages.Synced(strings.TrimSpace(p.ID), func() error {
			var serr error
			sub, serr = g.hub.Subscribe(ctx, topic, snapshot)
			return serr
		})
	} else {
		sub, err = g.hub.Subscribe(ctx, topic, snapshot)
	}
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	if !sess.addSub(topic, sub) {
		sub.Cancel()
		return errors.New("already subscribed")
	}

	go g.pump(ctx, sess, p.Resource, sub)
	return nil
}

func (g *Gateway) onUnsubscribe(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	topic, err := resourceTopic(sess.user(), p)
	if err != nil {
		return err
	}

	if sub := sess.removeSub(topic); sub != nil {
		sub.Cancel()
	}
	return nil
}

func (g *Gateway) onMessageSend(ctx context.Context, sess *session, env v1.Envelope, now time.Time) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	userID := sess.user()

	if strings.TrimSpace(p.ConversationID) == "" {
		return errors.New("missing conversation_id")
	}
	if strings.TrimSpace(p.ClientMsgID) == "" {
		return errors.New("missing client_msg_id")
	}

	text := strings.TrimSpace(p.Text)
	if len([]rune(text)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	if err := g.requireParticipant(ctx, userID, p.ConversationID); err != nil {
		return err
	}

	var media *chat.MediaRef
	if p.Media != nil {
		media = &chat.MediaRef{URL: p.Media.URL, Kind: p.Media.Kind}
	}

	res, err := g.messages.Append(ctx, chat.AppendInput{
		ConversationID: p.ConversationID,
		ClientMsgID:    p.ClientMsgID,
		SenderID:       userID,
		Text:           text,
		Media:          media,
		ReplyTo:        strings.TrimSpace(p.ReplyTo),
		Now:            now,
	})
	if err != nil {
		return err
	}

	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		ConversationID: res.Stored.ConversationID,
		ClientMsgID:    res.Stored.ClientMsgID,
		MessageID:      res.Stored.ID,
		Seq:            res.Stored.Seq,
		Duplicated:     res.Duplicated,
	})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeMessageAck, ackPayload, now)) {
		return errors.New("backpressure: ack")
	}
	return nil
}

func (g *Gateway) onReactionAdd(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.ReactionAddPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	userID := sess.user()

	emoji := strings.TrimSpace(p.Emoji)
	if emoji == "" {
		return errors.New("missing emoji")
	}
	if len([]rune(emoji)) > maxEmojiChars {
		return errors.New("emoji too long")
	}

	if err := g.requireParticipant(ctx, userID, p.ConversationID); err != nil {
		return err
	}

	_, err := g.messages.React(ctx, p.ConversationID, p.MessageID, userID, emoji)
	return err
}

func (g *Gateway) onFollow(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.FollowPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	userID := sess.user()
	other := strings.TrimSpace(p.UserID)
	if other == "" {
		return errors.New("missing user_id")
	}

	var op string
	var err error
	switch env.Type {
	case v1.TypeFollowRequest:
		op, err = "request", g.graph.RequestFollow(ctx, userID, other)
	case v1.TypeFollowAccept:
		op, err = "accept", g.graph.AcceptFollow(ctx, userID, other)
	case v1.TypeFollowReject:
		op, err = "reject", g.graph.RejectFollow(ctx, userID, other)
	case v1.TypeUnfollow:
		op, err = "unfollow", g.graph.Unfollow(ctx, userID, other)
	default:
		return fmt.Errorf("unexpected follow type: %s", env.Type)
	}
	if err != nil {
		return err
	}

	ackPayload, _ := json.Marshal(v1.FollowAckPayload{Op: op, UserID: other})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeFollowAck, ackPayload, time.Now().UTC())) {
		return errors.New("backpressure: follow.ack")
	}
	return nil
}

func (g *Gateway) onProfileUpdate(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.ProfileUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	var in users.UpdateInput
	if s := strings.TrimSpace(p.DisplayName); s != "" {
		in.DisplayName = &s
	}
	if s := strings.TrimSpace(p.Bio); s != "" {
		in.Bio = &s
	}
	if in.DisplayName == nil && in.Bio == nil {
		return errors.New("nothing to update")
	}

	updated, err := g.profiles.Update(ctx, sess.user(), in)
	if err != nil {
		return err
	}

	resPayload, _ := json.Marshal(v1.ProfileResultsPayload{Profiles: []v1.ProfilePayload{profileWire(updated)}})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeProfileResults, resPayload, time.Now().UTC())) {
		return errors.New("backpressure: profile.results")
	}
	return nil
}

func (g *Gateway) onProfileSearch(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.ProfileSearchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	query := strings.TrimSpace(p.Query)
	if len([]rune(query)) > maxSearchChars {
		return errors.New("query too long")
	}

	limit := p.Limit
	if limit <= 0 {
		limit = wsDefaultSearchLimit
	}
	if limit > wsMaxSearchLimit {
		limit = wsMaxSearchLimit
	}

	var found []users.Profile
	if query != "" {
		var err error
		found, err = g.profiles.Search(ctx, query, sess.user(), limit)
		if err != nil {
			return err
		}
	}

	return g.sendProfiles(ctx, sess, found)
}

func (g *Gateway) onSuggestionsFetch(ctx context.Context, sess *session, env v1.Envelope) error {
	ids, err := g.graph.Suggest(ctx, sess.user(), 0)
	if err != nil {
		return err
	}

	found, err := g.profiles.GetMany(ctx, ids)
	if err != nil {
		return err
	}

	return g.sendProfiles(ctx, sess, found)
}

func (g *Gateway) sendProfiles(ctx context.Context, sess *session, found []users.Profile) error {
	out := make([]v1.ProfilePayload, 0, len(found))
	for _, p := range found {
		out = append(out, profileWire(p))
	}

	resPayload, _ := json.Marshal(v1.ProfileResultsPayload{Profiles: out})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeProfileResults, resPayload, time.Now().UTC())) {
		return errors.New("backpressure: profile.results")
	}
	return nil
}

// ---- resource resolution ----

// resourceTopic maps a subscribe payload to its hub topic. Inbox and graph
// are always scoped to the session user; only conversations carry an id.
func resourceTopic(userID string, p v1.SubscribePayload) (string, error) {
	switch p.Resource {
	case v1.ResourceConversation:
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return "", errors.New("missing conversation id")
		}
		return chat.ConversationTopic(id), nil
	case v1.ResourceInbox:
		return social.InboxTopic(userID), nil
	case v1.ResourceGraph:
		return social.GraphTopic(userID), nil
	default:
		return "", fmt.Errorf("unknown resource: %q", p.Resource)
	}
}

func (g *Gateway) resolveResource(ctx context.Context, userID string, p v1.SubscribePayload) (string, SnapshotFunc, error) {
	topic, err := resourceTopic(userID, p)
	if err != nil {
		return "", nil, err
	}

	switch p.Resource {
	case v1.ResourceConversation:
		convID := strings.TrimSpace(p.ID)
		if err := g.requireParticipant(ctx, userID, convID); err != nil {
			return "", nil, err
		}
		return topic, func(ctx context.Context) (any, error) {
			msgs, err := g.messages.List(ctx, convID)
			if err != nil {
				return nil, err
			}
			out := make([]v1.MessagePayload, 0, len(msgs))
			for _, m := range msgs {
				out = append(out, messageWire(m))
			}
			return v1.ConversationSnapshotPayload{ConversationID: convID, Messages: out}, nil
		}, nil

	case v1.ResourceInbox:
		return topic, func(ctx context.Context) (any, error) {
			entries, err := g.directory.ListFor(ctx, userID)
			if err != nil {
				return nil, err
			}
			out := make([]v1.InboxEntryPayload, 0, len(entries))
			for _, e := range entries {
				w, err := g.inboxWire(ctx, e)
				if err != nil {
					return nil, err
				}
				out = append(out, w)
			}
			return v1.InboxSnapshotPayload{Entries: out}, nil
		}, nil

	case v1.ResourceGraph:
		return topic, func(ctx context.Context) (any, error) {
			e, err := g.graph.Entry(ctx, userID)
			if err != nil {
				return nil, err
			}
			return graphWire(e), nil
		}, nil

	default:
		return "", nil, fmt.Errorf("unknown resource: %q", p.Resource)
	}
}

func (g *Gateway) requireParticipant(ctx context.Context, userID, conversationID string) error {
	ok, err := g.directory.IsParticipant(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	if !ok {
		return errForbidden
	}
	return nil
}

// ---- subscription pump ----

// pump converts hub events to wire envelopes and forwards them to the client
// send queue. Blocking on a full send queue is deliberate: the hub queue then
// fills up behind it and triggers a drop-oldest resync.
func (g *Gateway) pump(ctx context.Context, sess *session, resource string, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.client.Done():
			return
		case <-sub.Done():
			// Hub detached us (failed resync). Tell the client to resubscribe.
			if sess.removeSub(sub.Topic) != nil {
				g.trySendError(ctx, sess.client, "subscription_lost", "resubscribe: "+resource)
			}
			return
		case ev := <-sub.Events():
			env, err := g.wireEvent(ctx, resource, ev)
			if err != nil {
				g.log.Warn("ws.event.encode.fail", "topic", ev.Topic, "kind", ev.Kind, "err", err)
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-sess.client.Done():
				return
			case sess.client.Send <- env:
			}
		}
	}
}

// wireEvent maps a hub event to its v1 envelope for one resource kind.
func (g *Gateway) wireEvent(ctx context.Context, resource string, ev Event) (v1.Envelope, error) {
	now := time.Now().UTC()

	switch resource {
	case v1.ResourceConversation:
		switch ev.Kind {
		case KindSnapshot:
			return marshalEnvelope(v1.TypeConversationSnapshot, ev.Payload, now)
		case chat.EventMessageNew, chat.EventMessageUpdate:
			m, ok := ev.Payload.(chat.Message)
			if !ok {
				return v1.Envelope{}, fmt.Errorf("unexpected payload %T for kind %s", ev.Payload, ev.Kind)
			}
			typ := v1.TypeMessageNew
			if ev.Kind == chat.EventMessageUpdate {
				typ = v1.TypeMessageUpdate
			}
			return marshalEnvelope(typ, messageWire(m), now)
		}

	case v1.ResourceInbox:
		switch ev.Kind {
		case KindSnapshot:
			return marshalEnvelope(v1.TypeInboxSnapshot, ev.Payload, now)
		case social.EventInboxUpdate:
			e, ok := ev.Payload.(social.InboxEntry)
			if !ok {
				return v1.Envelope{}, fmt.Errorf("unexpected payload %T for kind %s", ev.Payload, ev.Kind)
			}
			w, err := g.inboxWire(ctx, e)
			if err != nil {
				return v1.Envelope{}, err
			}
			return marshalEnvelope(v1.TypeInboxUpdate, w, now)
		}

	case v1.ResourceGraph:
		switch ev.Kind {
		case KindSnapshot:
			return marshalEnvelope(v1.TypeGraphSnapshot, ev.Payload, now)
		case social.EventGraphUpdate:
			e, ok := ev.Payload.(social.Entry)
			if !ok {
				return v1.Envelope{}, fmt.Errorf("unexpected payload %T for kind %s", ev.Payload, ev.Kind)
			}
			return marshalEnvelope(v1.TypeGraphUpdate, graphWire(e), now)
		}
	}

	return v1.Envelope{}, fmt.Errorf("unmapped event: resource=%s kind=%s", resource, ev.Kind)
}

// ---- wire conversions ----

func messageWire(m chat.Message) v1.MessagePayload {
	var media *v1.MediaRef
	if m.Media != nil {
		media = &v1.MediaRef{URL: m.Media.URL, Kind: m.Media.Kind}
	}
	return v1.MessagePayload{
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		ClientMsgID:    m.ClientMsgID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		Text:           m.Text,
		Media:          media,
		ReplyTo:        m.ReplyTo,
		Reactions:      m.Reactions,
		SentAt:         m.SentAt,
	}
}

func profileWire(p users.Profile) v1.ProfilePayload {
	return v1.ProfilePayload{
		UserID:      p.ID,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		Bio:         p.Bio,
	}
}

func (g *Gateway) inboxWire(ctx context.Context, e social.InboxEntry) (v1.InboxEntryPayload, error) {
	other := v1.ProfilePayload{UserID: e.OtherID, DisplayName: e.OtherID}
	if p, err := g.profiles.Get(ctx, e.OtherID); err == nil {
		other = profileWire(p)
	} else if !users.IsNotFound(err) {
		return v1.InboxEntryPayload{}, err
	}

	var preview *v1.MessagePreview
	if e.LastMessage != nil {
		preview = &v1.MessagePreview{
			SenderID:  e.LastMessage.SenderID,
			Text:      e.LastMessage.Text,
			MediaKind: e.LastMessage.MediaKind,
			SentAt:    e.LastMessage.SentAt,
		}
	}

	return v1.InboxEntryPayload{
		ConversationID:   e.Conversation.ID,
		OtherParticipant: other,
		CreatedAt:        e.Conversation.CreatedAt,
		LastActiveAt:     e.LastActiveAt,
		LastMessage:      preview,
	}, nil
}

func graphWire(e social.Entry) v1.GraphEntryPayload {
	out := v1.GraphEntryPayload{
		UserID:          e.UserID,
		Followers:       e.Followers,
		Following:       e.Following,
		PendingIncoming: e.PendingIncoming,
	}
	if out.Followers == nil {
		out.Followers = []string{}
	}
	if out.Following == nil {
		out.Following = []string{}
	}
	if out.PendingIncoming == nil {
		out.PendingIncoming = []string{}
	}
	return out
}

// ---- error mapping ----

var errForbidden = errors.New("not a conversation participant")

func errCode(err error) string {
	switch {
	case errors.Is(err, errForbidden):
		return "forbidden"
	case chat.IsInvalidMessage(err):
		return "invalid_message"
	case chat.IsNotFound(err), social.IsNotFound(err), users.IsNotFound(err):
		return "not_found"
	case social.IsSelfFollow(err):
		return "self_follow"
	case social.IsAlreadyAccepted(err):
		return "already_accepted"
	case social.IsNoSuchRequest(err):
		return "no_such_request"
	case users.IsInvalidInput(err):
		return "invalid_input"
	case chat.IsUnavailable(err), social.IsUnavailable(err), users.IsUnavailable(err):
		return "unavailable"
	default:
		return "bad_request"
	}
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, err := NewEnvelopeID(ts)
	if err != nil {
		id = ""
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func marshalEnvelope(typ string, payload any, ts time.Time) (v1.Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return newEnvelope(typ, b, ts), nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
