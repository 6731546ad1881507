// Package wire implements the event format spoken over relays: signed,
// JSON-serialized events addressed by id, plus the sealed envelope used
// for direct messages.
package wire

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event kinds understood by this service.
const (
	KindProfile        = 0
	KindRoomMessage    = 209
	KindRoomCreate     = 300
	KindRoomMeta       = 301
	KindDirectEnvelope = 1059
	KindInboxRelays    = 10050
	KindWalletRequest  = 23194
	KindWalletResponse = 23195
)

// Event is the unit of transmission on the messaging network.
type Event struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Signer holds the bot's identity keypair and signs outbound events.
type Signer struct {
	priv   ed25519.PrivateKey
	pubkey string
}

// NewSigner derives a signer from a 32-byte seed.
func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{priv: priv, pubkey: hex.EncodeToString(pub)}, nil
}

// Pubkey returns the signer's 64-hex identity.
func (s *Signer) Pubkey() string {
	return s.pubkey
}

// Sign stamps, ids and signs a template event in place.
func (s *Signer) Sign(ev *Event) error {
	ev.Pubkey = s.pubkey
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}
	if ev.Tags == nil {
		ev.Tags = [][]string{}
	}
	id, err := eventID(ev)
	if err != nil {
		return err
	}
	ev.ID = id
	raw, err := hex.DecodeString(id)
	if err != nil {
		return err
	}
	ev.Sig = hex.EncodeToString(ed25519.Sign(s.priv, raw))
	return nil
}

// Verify checks an event's id and signature against its pubkey.
func Verify(ev *Event) error {
	id, err := eventID(ev)
	if err != nil {
		return err
	}
	if id != ev.ID {
		return errors.New("event id mismatch")
	}
	pub, err := hex.DecodeString(ev.Pubkey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return errors.New("malformed event pubkey")
	}
	sig, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return errors.New("malformed event signature")
	}
	raw, err := hex.DecodeString(ev.ID)
	if err != nil {
		return errors.New("malformed event id")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), raw, sig) {
		return errors.New("invalid event signature")
	}
	return nil
}

// eventID hashes the canonical serialization [0,pubkey,created_at,kind,tags,content].
func eventID(ev *Event) (string, error) {
	tags := ev.Tags
	if tags == nil {
		tags = [][]string{}
	}
	canonical, err := json.Marshal([]interface{}{0, ev.Pubkey, ev.CreatedAt, ev.Kind, tags, ev.Content})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// TagValue returns the second element of the first tag with the given name.
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns the second elements of every tag with the given name.
func (e *Event) TagValues(name string) []string {
	var values []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// Filter selects events on a subscription. Zero fields match everything.
type Filter struct {
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Rooms   []string `json:"#h,omitempty"`
	Targets []string `json:"#p,omitempty"`
	Since   int64    `json:"since,omitempty"`
	Limit   *int     `json:"limit,omitempty"`
}

// Matches reports whether an event satisfies the filter.
func (f Filter) Matches(ev *Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsStr(f.Authors, ev.Pubkey) {
		return false
	}
	if len(f.Rooms) > 0 && !containsStr(f.Rooms, ev.TagValue("h")) {
		return false
	}
	if len(f.Targets) > 0 && !containsStr(f.Targets, ev.TagValue("p")) {
		return false
	}
	if f.Since > 0 && ev.CreatedAt < f.Since {
		return false
	}
	return true
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func containsStr(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
