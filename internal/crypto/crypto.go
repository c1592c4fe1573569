// Package crypto derives the room identifier and the room key from a
// shared passphrase and seals chat payloads with that key.
//
// The passphrase itself never leaves the process: peers only ever see the
// derived room id, and stored or relayed messages carry ciphertext and a
// nonce.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt is returned when a payload cannot be opened with the key,
// either because the passphrase differs or the payload is corrupted.
var ErrDecrypt = errors.New("decryption failed")

const roomIDContext = "webrtc-chat 2024-05 room identifier"

// Argon2id parameters for the room key.
const (
	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1
)

// Sealed is an encrypted payload. Both fields are standard base64.
type Sealed struct {
	Data string `json:"data"`
	IV   string `json:"iv"`
}

// Key is an opaque handle to a derived room key.
type Key struct {
	aead cipher.AEAD
}

// DeriveRoomID maps a passphrase to a stable, opaque room identifier.
func DeriveRoomID(passphrase string) string {
	out := make([]byte, 16)
	blake3.DeriveKey(roomIDContext, []byte(passphrase), out)
	return hex.EncodeToString(out)
}

// DeriveKey stretches passphrase into the room's symmetric key, salted
// with the room id.
func DeriveKey(passphrase, roomID string) (*Key, error) {
	if roomID == "" {
		return nil, errors.New("deriving key: empty room id")
	}
	raw := argon2.IDKey([]byte(passphrase), []byte(roomID), argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(raw)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return &Key{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (k *Key) Encrypt(plaintext string) (Sealed, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext := k.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return Sealed{
		Data: base64.StdEncoding.EncodeToString(ciphertext),
		IV:   base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// Decrypt opens a payload sealed by Encrypt. Every failure wraps
// ErrDecrypt.
func (k *Key) Decrypt(sealed Sealed) (string, error) {
	nonce, err := base64.StdEncoding.DecodeString(sealed.IV)
	if err != nil || len(nonce) != k.aead.NonceSize() {
		return "", fmt.Errorf("%w: malformed iv", ErrDecrypt)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sealed.Data)
	if err != nil {
		return "", fmt.Errorf("%w: malformed data", ErrDecrypt)
	}
	plaintext, err := k.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plaintext), nil
}
