// Package naming publishes and resolves self-certifying display-name records
// on the DHT.
package naming

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ZentaChain/theman/pkg/crypto"
)

var (
	ErrInvalidSignature = errors.New("invalid record signature")
	ErrExpiredRecord    = errors.New("record expired")
	ErrKeyMismatch      = errors.New("record key mismatch")
	ErrMissingPublisher = errors.New("record has no publisher")
)

// Namespace is the DHT key namespace of name records
const Namespace = "theman"

// NameKey returns the DHT key a display name is registered under
func NameKey(name string) string {
	return "/" + Namespace + "/" + hex.EncodeToString(crypto.NameHash(name))
}

// KeyMatchesName reports whether key is the DHT key of name
func KeyMatchesName(key, name string) bool {
	digest, ok := strings.CutPrefix(key, "/"+Namespace+"/")
	if !ok {
		return false
	}
	hash, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	return crypto.VerifyHash([]byte(name), hash)
}

// Record maps a name key to a value, signed by its publisher
type Record struct {
	Key       string  `json:"key"`
	Value     []byte  `json:"value"`
	Publisher peer.ID `json:"publisher"`
	Expires   int64   `json:"expires"`   // Unix seconds
	Signature []byte  `json:"signature"` // Signed by the publisher's identity key
}

// SignRecord creates a record published by the owner of priv
func SignRecord(key string, value []byte, priv libp2pcrypto.PrivKey, expires time.Time) (*Record, error) {
	publisher, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to derive publisher: %w", err)
	}

	rec := &Record{
		Key:       key,
		Value:     value,
		Publisher: publisher,
		Expires:   expires.Unix(),
	}

	sig, err := priv.Sign(rec.signatureMessage())
	if err != nil {
		return nil, fmt.Errorf("failed to sign record: %w", err)
	}
	rec.Signature = sig
	return rec, nil
}

// Verify checks the signature against the publisher's key and the expiry
// against now
func (r *Record) Verify(now time.Time) error {
	if r.Publisher == "" {
		return ErrMissingPublisher
	}
	if r.IsExpired(now) {
		return ErrExpiredRecord
	}

	pub, err := r.Publisher.ExtractPublicKey()
	if err != nil {
		return fmt.Errorf("failed to extract publisher key: %w", err)
	}

	ok, err := pub.Verify(r.signatureMessage(), r.Signature)
	if err != nil || !ok {
		return ErrInvalidSignature
	}
	return nil
}

// IsExpired reports whether the record is past its expiry at now
func (r *Record) IsExpired(now time.Time) bool {
	return now.Unix() > r.Expires
}

// ExpiresAt returns the expiry as a time
func (r *Record) ExpiresAt() time.Time {
	return time.Unix(r.Expires, 0)
}

// signatureMessage is
// len(key) || key || len(value) || value || len(publisher) || publisher || expires
func (r *Record) signatureMessage() []byte {
	publisher := []byte(r.Publisher)
	msg := make([]byte, 0, 12+len(r.Key)+len(r.Value)+len(publisher)+8)

	msg = binary.BigEndian.AppendUint32(msg, uint32(len(r.Key)))
	msg = append(msg, r.Key...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(r.Value)))
	msg = append(msg, r.Value...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(publisher)))
	msg = append(msg, publisher...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(r.Expires))

	return msg
}

// Encode encodes the record to JSON
func (r *Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord decodes a record from JSON
func DecodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}
