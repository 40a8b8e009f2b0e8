package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	ErrInvalidKey = errors.New("invalid key")
)

// GenerateIdentity creates a new Ed25519 libp2p identity key
func GenerateIdentity() (libp2pcrypto.PrivKey, error) {
	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	return priv, nil
}

// MarshalIdentity encodes a private key in the libp2p protobuf format
func MarshalIdentity(priv libp2pcrypto.PrivKey) ([]byte, error) {
	raw, err := libp2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity: %w", err)
	}
	return raw, nil
}

// UnmarshalIdentity decodes a key produced by MarshalIdentity
func UnmarshalIdentity(raw []byte) (libp2pcrypto.PrivKey, error) {
	if len(raw) == 0 {
		return nil, ErrInvalidKey
	}
	priv, err := libp2pcrypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return priv, nil
}

// IdentityToHex encodes a private key for text configuration
func IdentityToHex(priv libp2pcrypto.PrivKey) (string, error) {
	raw, err := MarshalIdentity(priv)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// IdentityFromHex decodes a key produced by IdentityToHex
func IdentityFromHex(s string) (libp2pcrypto.PrivKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return UnmarshalIdentity(raw)
}

// PeerIDFromIdentity derives the peer id of a private key
func PeerIDFromIdentity(priv libp2pcrypto.PrivKey) (peer.ID, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("failed to derive peer id: %w", err)
	}
	return id, nil
}
