package wire

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)

	recipient, err := EncryptionKey(seed)
	require.NoError(t, err)

	sealed, err := Seal(recipient, []byte("your application was approved"))
	require.NoError(t, err)

	plaintext, err := Open(seed, sealed)
	require.NoError(t, err)
	assert.Equal(t, "your application was approved", string(plaintext))
}

func TestSealProducesFreshCiphertext(t *testing.T) {
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	recipient, err := EncryptionKey(seed)
	require.NoError(t, err)

	a, err := Seal(recipient, []byte("msg"))
	require.NoError(t, err)
	b, err := Seal(recipient, []byte("msg"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	recipient, err := EncryptionKey(seed)
	require.NoError(t, err)

	sealed, err := Seal(recipient, []byte("secret"))
	require.NoError(t, err)

	wrong := make([]byte, 32)
	_, err = rand.Read(wrong)
	require.NoError(t, err)

	_, err = Open(wrong, sealed)
	assert.Error(t, err)
}

func TestOpenRejectsGarbage(t *testing.T) {
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)

	_, err = Open(seed, "not an envelope")
	assert.Error(t, err)
}
