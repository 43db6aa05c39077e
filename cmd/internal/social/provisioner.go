package social

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rahul-sharma-alx/chattr/cmd/internal/ids"
	"github.com/rahul-sharma-alx/chattr/cmd/internal/metrics"
)

// Provisioner guarantees exactly-once conversation creation per unordered
// user pair. Both sides of a mutual follow can observe mutuality and emit the
// event independently; the second observation must collapse into a no-op.
//
// The guarantee is layered: a per-pair lane serializes concurrent calls in
// this process, and the store's atomic check-and-create (unique pair key)
// holds even across processes.
type Provisioner struct {
	log       *slog.Logger
	convs     ConversationStore
	directory *Directory

	mu    sync.Mutex
	lanes map[string]*sync.Mutex
}

// NewProvisioner constructs the provisioner. directory may be nil in tests.
func NewProvisioner(log *slog.Logger, convs ConversationStore, directory *Directory) *Provisioner {
	return &Provisioner{
		log:       log,
		convs:     convs,
		directory: directory,
		lanes:     make(map[string]*sync.Mutex),
	}
}

func (p *Provisioner) lane(pairKey string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.lanes[pairKey]
	if !ok {
		l = &sync.Mutex{}
		p.lanes[pairKey] = l
	}
	return l
}

// OnMutualFollow provisions the conversation for the pair if it does not
// exist yet. Idempotent: a duplicate event is a successful no-op.
func (p *Provisioner) OnMutualFollow(ctx context.Context, userA, userB string) error {
	key := PairKey(userA, userB)

	l := p.lane(key)
	l.Lock()
	defer l.Unlock()

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return OpError{Op: "social.OnMutualFollow", Kind: ErrUnavailable, Msg: "id generation failed"}
	}

	conv, created, err := p.convs.CreateConversation(ctx, id, userA, userB, now)
	if err != nil {
		return err
	}
	if !created {
		// Lost the race or the pair mutually followed before. The desired end
		// state already holds.
		p.log.Debug("social.provision.noop", "pair_key", key, "conversation_id", conv.ID)
		return nil
	}

	metrics.ConversationsProvisioned.Inc()
	p.log.Info("social.provision.create", "pair_key", key, "conversation_id", conv.ID)

	if p.directory != nil {
		p.directory.Announce(ctx, conv)
	}
	return nil
}
