// Package notify carries every outbound message: command replies and
// notices to the admin room, and sealed direct messages to applicants on
// their preferred inbox relays.
package notify

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/space-intake-api/internal/wire"
	"github.com/noah-isme/space-intake-api/pkg/config"
)

// adminSendSpacing counters out-of-order arrival on the transport: two
// room messages published back to back can be reordered by relays, so
// consecutive admin sends are spaced out.
const adminSendSpacing = time.Second

const relayCacheTTL = time.Hour

// Publisher pushes an event to a set of relays, failing only when no
// relay accepted it.
type Publisher interface {
	Publish(ctx context.Context, relays []string, ev *wire.Event) error
}

// Fetcher runs a bounded one-shot query against a set of relays.
type Fetcher interface {
	Fetch(ctx context.Context, relays []string, filter wire.Filter) ([]wire.Event, error)
}

// Notifier owns the bot identity on the messaging network.
type Notifier struct {
	signer    *wire.Signer
	publisher Publisher
	fetcher   Fetcher
	cache     *redis.Client
	logger    *zap.Logger

	adminRoom      string
	adminRelay     string
	indexers       []string
	defaultInboxes []string
	botRelays      []string
	requestTimeout time.Duration

	mu       sync.Mutex
	lastSend time.Time
	now      func() time.Time
	sleep    func(time.Duration)
}

// New builds a Notifier. The redis cache is optional; pass nil to always
// hit the indexer relays for discovery.
func New(signer *wire.Signer, publisher Publisher, fetcher Fetcher, cache *redis.Client, cfg *config.Config, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		signer:         signer,
		publisher:      publisher,
		fetcher:        fetcher,
		cache:          cache,
		logger:         logger,
		adminRoom:      cfg.Admin.Room,
		adminRelay:     cfg.Admin.Relay,
		indexers:       cfg.Relays.Indexers,
		defaultInboxes: cfg.Relays.DefaultInboxes,
		botRelays:      cfg.Relays.BotRelays,
		requestTimeout: cfg.Relays.RequestTimeout,
		now:            time.Now,
		sleep:          time.Sleep,
	}
}

// SendToAdmin publishes a room message to the administrative room. The
// returned error is a delivery summary for the caller to log; it must
// never abort the workflow that triggered the notice.
func (n *Notifier) SendToAdmin(ctx context.Context, content string) error {
	n.pace()

	ev := &wire.Event{
		Kind:    wire.KindRoomMessage,
		Content: content,
		Tags:    [][]string{{"h", n.adminRoom}},
	}
	if err := n.signer.Sign(ev); err != nil {
		return err
	}
	return n.publisher.Publish(ctx, []string{n.adminRelay}, ev)
}

// SendDirect seals content for the recipient and publishes the envelope
// to their discovered inbox relays. The outer event is signed by a
// throwaway key so relays learn nothing about the sender.
func (n *Notifier) SendDirect(ctx context.Context, pubkey, content string) error {
	relays := n.MessagingRelays(ctx, pubkey)

	sealed, err := wire.Seal(pubkey, []byte(content))
	if err != nil {
		return err
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return err
	}
	ephemeral, err := wire.NewSigner(seed)
	if err != nil {
		return err
	}

	ev := &wire.Event{
		Kind:    wire.KindDirectEnvelope,
		Content: sealed,
		Tags:    [][]string{{"p", pubkey}},
	}
	if err := ephemeral.Sign(ev); err != nil {
		return err
	}
	return n.publisher.Publish(ctx, relays, ev)
}

// MessagingRelays resolves the recipient's preferred inbox relays from
// their most recent relay-list event on the indexer relays, falling back
// to the well-known defaults when nothing turns up in the query window.
func (n *Notifier) MessagingRelays(ctx context.Context, pubkey string) []string {
	if cached := n.cachedRelays(ctx, pubkey); len(cached) > 0 {
		return cached
	}

	relays := n.defaultInboxes
	if len(n.indexers) > 0 {
		reqCtx, cancel := context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()

		events, err := n.fetcher.Fetch(reqCtx, n.indexers, wire.Filter{
			Kinds:   []int{wire.KindInboxRelays},
			Authors: []string{pubkey},
		})
		if err != nil {
			n.logger.Warn("inbox relay lookup failed", zap.String("pubkey", pubkey), zap.Error(err))
		}

		var latest *wire.Event
		for i := range events {
			if latest == nil || events[i].CreatedAt > latest.CreatedAt {
				latest = &events[i]
			}
		}
		if latest != nil {
			if found := latest.TagValues("relay"); len(found) > 0 {
				relays = found
			}
		}
	}

	n.storeRelays(ctx, pubkey, relays)
	return relays
}

// PublishProfile announces the bot's display metadata on its relays.
// Best-effort startup scaffolding.
func (n *Notifier) PublishProfile(ctx context.Context, bot config.BotConfig) error {
	if len(n.botRelays) == 0 {
		return nil
	}
	profile, err := json.Marshal(map[string]string{
		"name":    bot.Name,
		"about":   bot.About,
		"picture": bot.Picture,
	})
	if err != nil {
		return err
	}
	ev := &wire.Event{Kind: wire.KindProfile, Content: string(profile)}
	if err := n.signer.Sign(ev); err != nil {
		return err
	}
	return n.publisher.Publish(ctx, n.botRelays, ev)
}

func (n *Notifier) pace() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if wait := adminSendSpacing - n.now().Sub(n.lastSend); wait > 0 {
		n.sleep(wait)
	}
	n.lastSend = n.now()
}

func (n *Notifier) cachedRelays(ctx context.Context, pubkey string) []string {
	if n.cache == nil {
		return nil
	}
	raw, err := n.cache.Get(ctx, relayCacheKey(pubkey)).Result()
	if err != nil {
		return nil
	}
	var relays []string
	for _, part := range strings.Split(raw, ",") {
		if part != "" {
			relays = append(relays, part)
		}
	}
	return relays
}

func (n *Notifier) storeRelays(ctx context.Context, pubkey string, relays []string) {
	if n.cache == nil || len(relays) == 0 {
		return
	}
	if err := n.cache.Set(ctx, relayCacheKey(pubkey), strings.Join(relays, ","), relayCacheTTL).Err(); err != nil {
		n.logger.Debug("relay cache write failed", zap.Error(err))
	}
}

func relayCacheKey(pubkey string) string {
	return "inbox-relays:" + pubkey
}
