package gateway

import (
	"fmt"

	"github.com/powgate/internal/channel"
	"github.com/powgate/internal/codec"
	"github.com/powgate/internal/protocol"
)

// LoadKeyPair decodes a base64url private key and derives its public half.
// An empty string yields a fresh random key pair.
func LoadKeyPair(encoded string) (*channel.KeyPair, error) {
	if encoded == "" {
		return channel.GenerateKeyPair(nil)
	}

	raw, err := codec.DecodeBase64URL(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != protocol.PrivateKeySize {
		return nil, fmt.Errorf("decode private key: got %d bytes, want %d", len(raw), protocol.PrivateKeySize)
	}

	var priv [protocol.PrivateKeySize]byte
	copy(priv[:], raw)

	pub, err := channel.PublicKeyFromPrivate(&priv)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &channel.KeyPair{Public: pub, Private: &priv}, nil
}
