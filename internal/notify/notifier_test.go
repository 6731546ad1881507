package notify

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/space-intake-api/internal/wire"
	"github.com/noah-isme/space-intake-api/pkg/config"
)

type publisherStub struct {
	published []publishCall
	err       error
}

type publishCall struct {
	relays []string
	event  wire.Event
}

func (p *publisherStub) Publish(ctx context.Context, relays []string, ev *wire.Event) error {
	p.published = append(p.published, publishCall{relays: relays, event: *ev})
	return p.err
}

type fetcherStub struct {
	events []wire.Event
	err    error
	calls  int
}

func (f *fetcherStub) Fetch(ctx context.Context, relays []string, filter wire.Filter) ([]wire.Event, error) {
	f.calls++
	return f.events, f.err
}

func testConfig() *config.Config {
	return &config.Config{
		Admin: config.AdminConfig{Room: "ops-room", Relay: "wss://admin.example/"},
		Relays: config.RelayConfig{
			Indexers:       []string{"wss://indexer.example/"},
			DefaultInboxes: []string{"wss://auth.nostr1.com/", "wss://inbox.nostr.wine/"},
			RequestTimeout: time.Second,
		},
	}
}

func newTestNotifier(t *testing.T, pub *publisherStub, fetch *fetcherStub) *Notifier {
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	signer, err := wire.NewSigner(seed)
	require.NoError(t, err)

	n := New(signer, pub, fetch, nil, testConfig(), nil)
	n.sleep = func(time.Duration) {}
	return n
}

func TestSendToAdminSignsAndTargetsRoom(t *testing.T) {
	pub := &publisherStub{}
	n := newTestNotifier(t, pub, &fetcherStub{})

	require.NoError(t, n.SendToAdmin(context.Background(), "New application"))

	require.Len(t, pub.published, 1)
	sent := pub.published[0]
	assert.Equal(t, []string{"wss://admin.example/"}, sent.relays)
	assert.Equal(t, wire.KindRoomMessage, sent.event.Kind)
	assert.Equal(t, "ops-room", sent.event.TagValue("h"))
	assert.NoError(t, wire.Verify(&sent.event))
}

func TestSendToAdminSpacesConsecutiveSends(t *testing.T) {
	pub := &publisherStub{}
	n := newTestNotifier(t, pub, &fetcherStub{})

	var slept time.Duration
	now := time.Unix(1000, 0)
	n.now = func() time.Time { return now }
	n.sleep = func(d time.Duration) { slept += d; now = now.Add(d) }

	require.NoError(t, n.SendToAdmin(context.Background(), "first"))
	now = now.Add(300 * time.Millisecond)
	require.NoError(t, n.SendToAdmin(context.Background(), "second"))

	assert.Equal(t, 700*time.Millisecond, slept)
}

func TestSendDirectSealsForRecipient(t *testing.T) {
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	recipient, err := wire.EncryptionKey(seed)
	require.NoError(t, err)

	pub := &publisherStub{}
	fetch := &fetcherStub{}
	n := newTestNotifier(t, pub, fetch)

	require.NoError(t, n.SendDirect(context.Background(), recipient, "approved!"))

	require.Len(t, pub.published, 1)
	sent := pub.published[0]
	assert.Equal(t, wire.KindDirectEnvelope, sent.event.Kind)
	assert.Equal(t, recipient, sent.event.TagValue("p"))
	assert.Equal(t, []string{"wss://auth.nostr1.com/", "wss://inbox.nostr.wine/"}, sent.relays)

	// Only the recipient can read the content, and the outer signature is
	// not the bot's identity.
	plaintext, err := wire.Open(seed, sent.event.Content)
	require.NoError(t, err)
	assert.Equal(t, "approved!", string(plaintext))
	assert.NotEqual(t, n.signer.Pubkey(), sent.event.Pubkey)
}

func TestMessagingRelaysPrefersLatestInboxEvent(t *testing.T) {
	fetch := &fetcherStub{events: []wire.Event{
		{CreatedAt: 10, Tags: [][]string{{"relay", "wss://old.example/"}}},
		{CreatedAt: 20, Tags: [][]string{{"relay", "wss://new.example/"}, {"relay", "wss://new2.example/"}}},
	}}
	n := newTestNotifier(t, &publisherStub{}, fetch)

	relays := n.MessagingRelays(context.Background(), "ab12")
	assert.Equal(t, []string{"wss://new.example/", "wss://new2.example/"}, relays)
}

func TestMessagingRelaysFallsBack(t *testing.T) {
	n := newTestNotifier(t, &publisherStub{}, &fetcherStub{})

	relays := n.MessagingRelays(context.Background(), "ab12")
	assert.Equal(t, []string{"wss://auth.nostr1.com/", "wss://inbox.nostr.wine/"}, relays)
}

func TestMessagingRelaysFallsBackOnLookupError(t *testing.T) {
	fetch := &fetcherStub{err: context.DeadlineExceeded}
	n := newTestNotifier(t, &publisherStub{}, fetch)

	relays := n.MessagingRelays(context.Background(), "ab12")
	assert.Equal(t, []string{"wss://auth.nostr1.com/", "wss://inbox.nostr.wine/"}, relays)
	assert.Equal(t, 1, fetch.calls)
}
