package crypto

import (
	"errors"
	"testing"
)

func TestGenerateIdentity(t *testing.T) {
	priv1, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}
	priv2, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}

	if priv1.Equals(priv2) {
		t.Error("GenerateIdentity() produced identical keys")
	}

	id, err := PeerIDFromIdentity(priv1)
	if err != nil {
		t.Fatalf("PeerIDFromIdentity() error = %v", err)
	}
	if err := id.Validate(); err != nil {
		t.Errorf("derived peer id invalid: %v", err)
	}

	t.Logf("✅ Generated identity %s", id)
}

func TestIdentityRoundTrip(t *testing.T) {
	priv, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}

	raw, err := MarshalIdentity(priv)
	if err != nil {
		t.Fatalf("MarshalIdentity() error = %v", err)
	}
	restored, err := UnmarshalIdentity(raw)
	if err != nil {
		t.Fatalf("UnmarshalIdentity() error = %v", err)
	}
	if !priv.Equals(restored) {
		t.Error("UnmarshalIdentity() returned a different key")
	}

	text, err := IdentityToHex(priv)
	if err != nil {
		t.Fatalf("IdentityToHex() error = %v", err)
	}
	fromText, err := IdentityFromHex(text)
	if err != nil {
		t.Fatalf("IdentityFromHex() error = %v", err)
	}

	id1, _ := PeerIDFromIdentity(priv)
	id2, _ := PeerIDFromIdentity(fromText)
	if id1 != id2 {
		t.Errorf("peer id changed across hex round trip: %s != %s", id1, id2)
	}
}

func TestUnmarshalIdentityInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"garbage", []byte{0xFF, 0x00, 0x13, 0x37}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalIdentity(tt.raw)
			if !errors.Is(err, ErrInvalidKey) {
				t.Errorf("UnmarshalIdentity() error = %v, want ErrInvalidKey", err)
			}
		})
	}

	if _, err := IdentityFromHex("not-hex"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("IdentityFromHex() error = %v, want ErrInvalidKey", err)
	}
}
