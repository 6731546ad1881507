package wire

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *Signer {
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	signer, err := NewSigner(seed)
	require.NoError(t, err)
	return signer
}

func TestSignAndVerify(t *testing.T) {
	signer := newTestSigner(t)

	ev := &Event{
		Kind:    KindRoomMessage,
		Content: "hello",
		Tags:    [][]string{{"h", "ops"}},
	}
	require.NoError(t, signer.Sign(ev))

	assert.Len(t, ev.ID, 64)
	assert.Len(t, ev.Sig, 128)
	assert.Equal(t, signer.Pubkey(), ev.Pubkey)
	assert.NoError(t, Verify(ev))
}

func TestVerifyRejectsTampering(t *testing.T) {
	signer := newTestSigner(t)

	ev := &Event{Kind: KindRoomMessage, Content: "hello", Tags: [][]string{{"h", "ops"}}}
	require.NoError(t, signer.Sign(ev))

	ev.Content = "goodbye"
	assert.Error(t, Verify(ev))
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	signer := newTestSigner(t)
	other := newTestSigner(t)

	ev := &Event{Kind: KindRoomMessage, Content: "hello"}
	require.NoError(t, signer.Sign(ev))

	ev.Pubkey = other.Pubkey()
	assert.Error(t, Verify(ev))
}

func TestTagHelpers(t *testing.T) {
	ev := &Event{Tags: [][]string{
		{"relay", "wss://one.example/"},
		{"relay", "wss://two.example/"},
		{"h", "ops"},
		{"short"},
	}}

	assert.Equal(t, "wss://one.example/", ev.TagValue("relay"))
	assert.Equal(t, []string{"wss://one.example/", "wss://two.example/"}, ev.TagValues("relay"))
	assert.Equal(t, "", ev.TagValue("missing"))
}

func TestFilterMatches(t *testing.T) {
	signer := newTestSigner(t)
	ev := &Event{Kind: KindRoomMessage, Content: "x", Tags: [][]string{{"h", "ops"}}}
	require.NoError(t, signer.Sign(ev))

	assert.True(t, Filter{}.Matches(ev))
	assert.True(t, Filter{Kinds: []int{KindRoomMessage}, Rooms: []string{"ops"}}.Matches(ev))
	assert.False(t, Filter{Kinds: []int{KindProfile}}.Matches(ev))
	assert.False(t, Filter{Rooms: []string{"other"}}.Matches(ev))
	assert.False(t, Filter{Authors: []string{"deadbeef"}}.Matches(ev))
}
