package channel

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powgate/internal/protocol"
)

func mustKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	return kp
}

func TestGenerateKeyPair_Fresh(t *testing.T) {
	a := mustKeyPair(t)
	b := mustKeyPair(t)

	assert.NotEqual(t, *a.Public, *b.Public)
	assert.NotEqual(t, *a.Private, *b.Private)
}

func TestGenerateKeyPair_ReaderError(t *testing.T) {
	_, err := GenerateKeyPair(bytes.NewReader(make([]byte, 4)))
	assert.Error(t, err)
}

func TestPublicKeyFromPrivate(t *testing.T) {
	kp := mustKeyPair(t)

	pub, err := PublicKeyFromPrivate(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, *kp.Public, *pub)
}

func TestDeriveSharedSecret_Symmetric(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)

	ab := DeriveSharedSecret(bob.Public, alice.Private)
	ba := DeriveSharedSecret(alice.Public, bob.Private)
	assert.Equal(t, ab, ba)

	carol := mustKeyPair(t)
	assert.NotEqual(t, ab, DeriveSharedSecret(carol.Public, alice.Private))
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)

	for _, msg := range [][]byte{{}, []byte("x"), bytes.Repeat([]byte("challenge"), 100)} {
		env, err := Encrypt(bob.Public, alice.Private, msg)
		require.NoError(t, err)
		assert.Len(t, env, protocol.IVSize+len(msg)+protocol.TagSize)

		got, err := Decrypt(alice.Public, bob.Private, env)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(msg, got))
	}
}

func TestEncrypt_FreshIV(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)

	e1, err := Encrypt(bob.Public, alice.Private, []byte("same"))
	require.NoError(t, err)
	e2, err := Encrypt(bob.Public, alice.Private, []byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, e1[:protocol.IVSize], e2[:protocol.IVSize])
}

func TestDecrypt_Tampered(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)

	env, err := Encrypt(bob.Public, alice.Private, []byte("payload"))
	require.NoError(t, err)

	for i := range env {
		tampered := append([]byte(nil), env...)
		tampered[i] ^= 0x01

		_, err := Decrypt(alice.Public, bob.Private, tampered)
		require.Error(t, err, "byte %d", i)
		assert.True(t, errors.Is(err, protocol.ErrAuthentication))
		assert.True(t, errors.Is(err, ErrOpen))
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)
	eve := mustKeyPair(t)

	env, err := Encrypt(bob.Public, alice.Private, []byte("payload"))
	require.NoError(t, err)

	_, err = Decrypt(alice.Public, eve.Private, env)
	assert.ErrorIs(t, err, protocol.ErrAuthentication)
}

func TestDecrypt_Short(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)

	for _, n := range []int{0, 5, protocol.IVSize, protocol.MinEnvelopeSize - 1} {
		_, err := Decrypt(alice.Public, bob.Private, make([]byte, n))
		assert.ErrorIs(t, err, protocol.ErrAuthentication, "len %d", n)
		assert.ErrorIs(t, err, ErrEnvelopeTooShort, "len %d", n)
	}
}

func TestSealAnswer_Layout(t *testing.T) {
	client := mustKeyPair(t)
	server := mustKeyPair(t)
	msg := []byte(`{"answer":7}`)

	sealed, err := SealAnswer(server.Public, client, msg)
	require.NoError(t, err)

	assert.Len(t, sealed, protocol.PublicKeySize+protocol.IVSize+len(msg)+protocol.TagSize)
	assert.Equal(t, client.Public[:], sealed[:protocol.PublicKeySize])

	sender, plaintext, err := OpenAnswer(server.Private, sealed)
	require.NoError(t, err)
	assert.Equal(t, *client.Public, *sender)
	assert.Equal(t, msg, plaintext)
}

func TestOpenAnswer_Short(t *testing.T) {
	server := mustKeyPair(t)

	_, _, err := OpenAnswer(server.Private, make([]byte, protocol.MinAnswerSize-1))
	assert.ErrorIs(t, err, protocol.ErrAuthentication)
	assert.ErrorIs(t, err, ErrAnswerTooShort)
}

func TestParsePublicKey(t *testing.T) {
	b := make([]byte, protocol.PublicKeySize)
	_, err := rand.Read(b)
	require.NoError(t, err)

	pub, err := ParsePublicKey(b)
	require.NoError(t, err)
	assert.Equal(t, b, pub[:])

	_, err = ParsePublicKey(b[:31])
	assert.ErrorIs(t, err, protocol.ErrFormat)
}

func BenchmarkEncrypt(b *testing.B) {
	alice, _ := GenerateKeyPair(nil)
	bob, _ := GenerateKeyPair(nil)
	msg := make([]byte, 256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Encrypt(bob.Public, alice.Private, msg)
	}
}
