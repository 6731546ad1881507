package wire

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const sealInfo = "space-intake-envelope-v1"

// envelope is the serialized ciphertext payload of a KindDirectEnvelope event.
type envelope struct {
	Ephemeral  string `json:"ephemeral"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// EncryptionKey derives the x25519 public key matching a 32-byte seed. It is
// published so senders can seal envelopes to this identity.
func EncryptionKey(seed []byte) (string, error) {
	if len(seed) != curve25519.ScalarSize {
		return "", fmt.Errorf("seed must be %d bytes", curve25519.ScalarSize)
	}
	pub, err := curve25519.X25519(seed, curve25519.Basepoint)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pub), nil
}

// Seal wraps plaintext for the holder of the recipient key: an ephemeral
// x25519 exchange keyed through HKDF into XChaCha20-Poly1305. Only the
// recipient learns the content; the envelope carries no sender identity
// beyond the throwaway key.
func Seal(recipientKey string, plaintext []byte) (string, error) {
	recipient, err := hex.DecodeString(recipientKey)
	if err != nil || len(recipient) != curve25519.PointSize {
		return "", errors.New("malformed recipient key")
	}

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephPriv); err != nil {
		return "", err
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return "", err
	}

	shared, err := curve25519.X25519(ephPriv, recipient)
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.NewX(deriveKey(shared, ephPub, recipient))
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	env := envelope{
		Ephemeral:  hex.EncodeToString(ephPub),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, nil)),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Open reverses Seal using the recipient's private seed.
func Open(seed []byte, content string) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		return nil, errors.New("malformed envelope")
	}

	ephPub, err := hex.DecodeString(env.Ephemeral)
	if err != nil || len(ephPub) != curve25519.PointSize {
		return nil, errors.New("malformed ephemeral key")
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, errors.New("malformed nonce")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, errors.New("malformed ciphertext")
	}

	shared, err := curve25519.X25519(seed, ephPub)
	if err != nil {
		return nil, err
	}
	recipient, err := curve25519.X25519(seed, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(deriveKey(shared, ephPub, recipient))
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("envelope authentication failed")
	}
	return plaintext, nil
}

func deriveKey(shared, ephPub, recipient []byte) []byte {
	r := hkdf.New(sha256.New, shared, append(append([]byte{}, ephPub...), recipient...), []byte(sealInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		panic(err)
	}
	return key
}
