package core

// Package-internal codec for the encrypted transaction envelope.
// Deliberately kept standalone and dependency-light: a pure encode/decode
// API with no dependency on storage, the router, or any other core type,
// so it can be fuzzed and reused in isolation.
//
// The wire format uses X25519 ECDH + HKDF key derivation feeding standard
// ChaCha20-Poly1305 with a 12-byte nonce, so every envelope is
// self-describing and key-derivation never depends on a pre-shared
// symmetric key.

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"crypto/sha256"
	"io"
)

const envelopeHKDFInfo = "zelana-tx-v1"

const (
	envelopeVersion    byte = 1
	envelopeHeaderSize      = 1 + 1 + 32 + 12 // version, flags, sender_hint, nonce
	envelopePubKeySize      = 32
)

// EnvelopeHeader is the fixed-size plaintext prefix of an encrypted
// envelope. It is also used verbatim as AEAD associated data, so a
// tampered header fails to decrypt rather than silently passing through.
type EnvelopeHeader struct {
	Version    byte
	Flags      byte
	SenderHint [32]byte
	Nonce      [12]byte
}

func (h EnvelopeHeader) encode() []byte {
	buf := make([]byte, envelopeHeaderSize)
	buf[0] = h.Version
	buf[1] = h.Flags
	copy(buf[2:34], h.SenderHint[:])
	copy(buf[34:46], h.Nonce[:])
	return buf
}

func decodeEnvelopeHeader(buf []byte) (EnvelopeHeader, error) {
	var h EnvelopeHeader
	if len(buf) < envelopeHeaderSize {
		return h, fmt.Errorf("%w: envelope header truncated", ErrInput)
	}
	h.Version = buf[0]
	h.Flags = buf[1]
	copy(h.SenderHint[:], buf[2:34])
	copy(h.Nonce[:], buf[34:46])
	return h, nil
}

func deriveSharedKey(ecdhSecret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, ecdhSecret, nil, []byte(envelopeHKDFInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: derive envelope key: %v", ErrInput, err)
	}
	return key, nil
}

// EncryptEnvelope seals plaintext for recipientPub, generating a fresh
// ephemeral X25519 keypair so the sender never needs a long-term secret
// shared out of band. senderHint is an opaque, sender-chosen tag (e.g. a
// truncated account id) carried in the clear to let a relay route the
// envelope without decrypting it.
//
// Wire format: header(46) || ephemeral_pubkey(32) || ciphertext+tag(16).
func EncryptEnvelope(recipientPub [32]byte, plaintext []byte, senderHint [32]byte, flags byte) ([]byte, error) {
	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, fmt.Errorf("%w: generate ephemeral key: %v", ErrInput, err)
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: derive ephemeral pubkey: %v", ErrInput, err)
	}
	shared, err := curve25519.X25519(ephPriv[:], recipientPub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh: %v", ErrInput, err)
	}
	key, err := deriveSharedKey(shared)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: init aead: %v", ErrInput, err)
	}

	var h EnvelopeHeader
	h.Version = envelopeVersion
	h.Flags = flags
	h.SenderHint = senderHint
	if _, err := rand.Read(h.Nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", ErrInput, err)
	}
	headerBytes := h.encode()

	ciphertext := aead.Seal(nil, h.Nonce[:], plaintext, headerBytes)

	out := make([]byte, 0, envelopeHeaderSize+envelopePubKeySize+len(ciphertext))
	out = append(out, headerBytes...)
	out = append(out, ephPub...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptEnvelope opens an envelope produced by EncryptEnvelope using the
// recipient's X25519 private key.
func DecryptEnvelope(recipientPriv [32]byte, envelope []byte) ([]byte, EnvelopeHeader, error) {
	if len(envelope) < envelopeHeaderSize+envelopePubKeySize {
		return nil, EnvelopeHeader{}, fmt.Errorf("%w: envelope too short", ErrInput)
	}
	headerBytes := envelope[:envelopeHeaderSize]
	h, err := decodeEnvelopeHeader(headerBytes)
	if err != nil {
		return nil, EnvelopeHeader{}, err
	}
	if h.Version != envelopeVersion {
		return nil, h, fmt.Errorf("%w: unsupported envelope version %d", ErrInput, h.Version)
	}
	ephPub := envelope[envelopeHeaderSize : envelopeHeaderSize+envelopePubKeySize]
	ciphertext := envelope[envelopeHeaderSize+envelopePubKeySize:]

	shared, err := curve25519.X25519(recipientPriv[:], ephPub)
	if err != nil {
		return nil, h, fmt.Errorf("%w: ecdh: %v", ErrInput, err)
	}
	key, err := deriveSharedKey(shared)
	if err != nil {
		return nil, h, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, h, fmt.Errorf("%w: init aead: %v", ErrInput, err)
	}
	plaintext, err := aead.Open(nil, h.Nonce[:], ciphertext, headerBytes)
	if err != nil {
		return nil, h, fmt.Errorf("%w: envelope authentication failed: %v", ErrInput, err)
	}
	return plaintext, h, nil
}
