// Package channel implements the encrypted envelope exchanged during the
// handshake: an ephemeral Curve25519 key pair, the NaCl precomputed shared
// key and AES-256-GCM sealing with a random 12-byte IV.
package channel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/powgate/internal/protocol"
)

var (
	// ErrEnvelopeTooShort indicates input shorter than IV plus tag.
	ErrEnvelopeTooShort = errors.New("envelope too short")

	// ErrAnswerTooShort indicates an answer envelope shorter than the
	// public key plus an empty envelope.
	ErrAnswerTooShort = errors.New("answer envelope too short")

	// ErrOpen indicates that the AEAD tag did not verify.
	ErrOpen = errors.New("message authentication failed")
)

// KeyPair is a Curve25519 key pair used for exactly one handshake.
type KeyPair struct {
	Public  *[protocol.PublicKeySize]byte
	Private *[protocol.PrivateKeySize]byte
}

// GenerateKeyPair creates a fresh key pair from r. A nil reader means
// crypto/rand.
func GenerateKeyPair(r io.Reader) (*KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := box.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// PublicKeyFromPrivate derives the public key that belongs to priv.
func PublicKeyFromPrivate(priv *[protocol.PrivateKeySize]byte) (*[protocol.PublicKeySize]byte, error) {
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	var pub [protocol.PublicKeySize]byte
	copy(pub[:], out)
	return &pub, nil
}

// DeriveSharedSecret returns the NaCl box precomputed key for the pair.
// Both sides of the exchange obtain the same value.
func DeriveSharedSecret(peerPublic *[protocol.PublicKeySize]byte, localPrivate *[protocol.PrivateKeySize]byte) [32]byte {
	var shared [32]byte
	box.Precompute(&shared, peerPublic, localPrivate)
	return shared
}

func newAEAD(peerPublic *[protocol.PublicKeySize]byte, localPrivate *[protocol.PrivateKeySize]byte) (cipher.AEAD, error) {
	shared := DeriveSharedSecret(peerPublic, localPrivate)
	block, err := aes.NewCipher(shared[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext for peerPublic and returns IV || ciphertext || tag.
func Encrypt(peerPublic *[protocol.PublicKeySize]byte, localPrivate *[protocol.PrivateKeySize]byte, plaintext []byte) ([]byte, error) {
	return encrypt(rand.Reader, peerPublic, localPrivate, plaintext)
}

func encrypt(r io.Reader, peerPublic *[protocol.PublicKeySize]byte, localPrivate *[protocol.PrivateKeySize]byte, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(peerPublic, localPrivate)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}

	out := make([]byte, protocol.IVSize, protocol.IVSize+len(plaintext)+protocol.TagSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("encrypt: read iv: %w", err)
	}
	return aead.Seal(out, out[:protocol.IVSize], plaintext, nil), nil
}

// Decrypt opens an envelope produced by Encrypt. Short input and tag
// mismatch are AuthenticationErrors.
func Decrypt(peerPublic *[protocol.PublicKeySize]byte, localPrivate *[protocol.PrivateKeySize]byte, envelope []byte) ([]byte, error) {
	if len(envelope) < protocol.MinEnvelopeSize {
		return nil, protocol.AuthenticationError("decrypt",
			fmt.Errorf("%w: %d bytes", ErrEnvelopeTooShort, len(envelope)))
	}

	aead, err := newAEAD(peerPublic, localPrivate)
	if err != nil {
		return nil, protocol.AuthenticationError("decrypt", err)
	}

	plaintext, err := aead.Open(nil, envelope[:protocol.IVSize], envelope[protocol.IVSize:], nil)
	if err != nil {
		return nil, protocol.AuthenticationError("decrypt", ErrOpen)
	}
	return plaintext, nil
}

// SealAnswer encrypts plaintext for peerPublic and prefixes the sender's
// public key so the receiver can derive the same shared key.
func SealAnswer(peerPublic *[protocol.PublicKeySize]byte, keys *KeyPair, plaintext []byte) ([]byte, error) {
	env, err := Encrypt(peerPublic, keys.Private, plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, protocol.PublicKeySize+len(env))
	out = append(out, keys.Public[:]...)
	return append(out, env...), nil
}

// OpenAnswer splits an answer envelope into the sender's public key and
// the decrypted plaintext.
func OpenAnswer(localPrivate *[protocol.PrivateKeySize]byte, sealed []byte) (*[protocol.PublicKeySize]byte, []byte, error) {
	if len(sealed) < protocol.MinAnswerSize {
		return nil, nil, protocol.AuthenticationError("open answer",
			fmt.Errorf("%w: %d bytes", ErrAnswerTooShort, len(sealed)))
	}

	var sender [protocol.PublicKeySize]byte
	copy(sender[:], sealed[:protocol.PublicKeySize])

	plaintext, err := Decrypt(&sender, localPrivate, sealed[protocol.PublicKeySize:])
	if err != nil {
		return nil, nil, err
	}
	return &sender, plaintext, nil
}

// ParsePublicKey copies b into a public key array.
func ParsePublicKey(b []byte) (*[protocol.PublicKeySize]byte, error) {
	if len(b) != protocol.PublicKeySize {
		return nil, protocol.FormatError("parse public key",
			fmt.Errorf("public key must be %d bytes, got %d", protocol.PublicKeySize, len(b)))
	}
	var pub [protocol.PublicKeySize]byte
	copy(pub[:], b)
	return &pub, nil
}
