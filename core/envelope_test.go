package core

import (
	"bytes"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func genX25519Keypair(t *testing.T) (priv, pub [32]byte) {
	t.Helper()
	if _, err := rand.Read(priv[:]); err != nil {
		t.Fatalf("generate private key: %v", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("derive public key: %v", err)
	}
	copy(pub[:], p)
	return priv, pub
}

func TestEnvelopeRoundTrip(t *testing.T) {
	recipientPriv, recipientPub := genX25519Keypair(t)

	plaintext := []byte(`{"kind":"transfer"}`)
	var senderHint [32]byte
	senderHint[0] = 0x42

	envelope, err := EncryptEnvelope(recipientPub, plaintext, senderHint, 0)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, header, err := DecryptEnvelope(recipientPriv, envelope)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypted plaintext = %q; want %q", got, plaintext)
	}
	if header.SenderHint != senderHint {
		t.Fatalf("sender hint round-trip mismatch")
	}
}

func TestEnvelopeTamperedHeaderFailsAuthentication(t *testing.T) {
	recipientPriv, recipientPub := genX25519Keypair(t)
	envelope, err := EncryptEnvelope(recipientPub, []byte("payload"), [32]byte{}, 0)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	tampered := append([]byte(nil), envelope...)
	tampered[1] ^= 0xff // flip a flags bit, which is covered as AEAD associated data

	if _, _, err := DecryptEnvelope(recipientPriv, tampered); err == nil {
		t.Fatalf("expected a tampered header to fail authentication")
	}
}

func TestEnvelopeWrongRecipientFailsAuthentication(t *testing.T) {
	_, recipientPub := genX25519Keypair(t)
	wrongPriv, _ := genX25519Keypair(t)

	envelope, err := EncryptEnvelope(recipientPub, []byte("payload"), [32]byte{}, 0)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, _, err := DecryptEnvelope(wrongPriv, envelope); err == nil {
		t.Fatalf("expected decryption with the wrong private key to fail")
	}
}
