package codec

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// KeySize is the size in bytes of a room key.
const KeySize = chacha20poly1305.KeySize

// sealedVersion is the version byte prepended to every sealed frame.
// It is included as additional authenticated data, so tampering with
// it fails authentication.
const sealedVersion byte = 0x01

// keyIterations is the PBKDF2 work factor for room key derivation.
// Room secrets are human-chosen, so the derivation has to be slow.
const keyIterations = 100_000

// DeriveKey turns a room secret into a symmetric key. The room name
// salts the derivation so the same secret in two rooms yields two keys.
// This is the CPU-heavy step providers run off the construction path.
func DeriveKey(secret, room string) []byte {
	salt := []byte("daylist.room.v1:" + room)
	return pbkdf2.Key([]byte(secret), salt, keyIterations, KeySize, sha256.New)
}

// seal encrypts a plaintext frame:
//
//	[version: 1 byte] [nonce: 24 bytes] [ciphertext+tag]
func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("codec seal: %w", err)
	}

	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+chacha20poly1305.Overhead)
	out[0] = sealedVersion
	nonce := out[1 : 1+chacha20poly1305.NonceSizeX]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("codec seal: nonce: %w", err)
	}

	return aead.Seal(out, nonce, plaintext, out[:1]), nil
}

// open decrypts a sealed frame. Authentication failure means either a
// wrong room key or a tampered frame; both are protocol errors.
func open(key, sealed []byte) ([]byte, error) {
	if len(sealed) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("codec open: sealed frame too short (%d bytes)", len(sealed))
	}
	if sealed[0] != sealedVersion {
		return nil, fmt.Errorf("codec open: unknown version %#x", sealed[0])
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("codec open: %w", err)
	}

	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], sealed[:1])
	if err != nil {
		return nil, fmt.Errorf("codec open: %w", err)
	}
	return plaintext, nil
}

// SealJSON and OpenJSON seal arbitrary already-encoded payloads with a
// room key. The provider uses them for signaling payloads so the relay
// never sees announce/signal content.
func SealJSON(key, payload []byte) ([]byte, error) {
	return seal(key, payload)
}

func OpenJSON(key, sealed []byte) ([]byte, error) {
	return open(key, sealed)
}
