// Package docsecret derives per-document message and membership keys
// and a topic identifier from a shared passphrase, and seals/opens
// message bodies with the message key. Nothing here is part of the sync
// protocol itself, and no Conduit in this repository uses these keys or
// Seal/Open: the meshsync CLI derives them for -passphrase-prompt and
// only logs a prefix of the topic identifier.
package docsecret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// MinPassphraseLength is the floor on shared-secret length.
	MinPassphraseLength = 16

	infoMessageKey    = "meshsync-message-key-v1"
	infoMembershipKey = "meshsync-membership-key-v1"
	infoTopicID       = "meshsync-topic-id-v1"
)

// Keys holds the key material derived from one document's shared
// passphrase: a symmetric key for message-body encryption (Seal/Open),
// a membership key, and a stable 20-byte topic identifier that does not
// itself reveal the passphrase. No package here consumes MembershipKey.
type Keys struct {
	MessageKey    [32]byte
	MembershipKey [32]byte
	TopicID       [20]byte
}

// Derive computes Keys for docID under passphrase. The same (passphrase,
// docID) pair always yields the same Keys on every node, which is what
// lets independently-started replicas find and authenticate each other
// without a handshake.
func Derive(passphrase, docID string) (*Keys, error) {
	if len(passphrase) < MinPassphraseLength {
		return nil, fmt.Errorf("docsecret: passphrase must be at least %d bytes", MinPassphraseLength)
	}
	k := &Keys{}
	if err := deriveInto(passphrase, docID, infoMessageKey, k.MessageKey[:]); err != nil {
		return nil, fmt.Errorf("docsecret: deriving message key: %w", err)
	}
	if err := deriveInto(passphrase, docID, infoMembershipKey, k.MembershipKey[:]); err != nil {
		return nil, fmt.Errorf("docsecret: deriving membership key: %w", err)
	}
	if err := deriveInto(passphrase, docID, infoTopicID, k.TopicID[:]); err != nil {
		return nil, fmt.Errorf("docsecret: deriving topic id: %w", err)
	}
	return k, nil
}

func deriveInto(passphrase, docID, info string, out []byte) error {
	salt := sha256.Sum256([]byte(docID))
	reader := hkdf.New(sha256.New, []byte(passphrase), salt[:], []byte(info))
	_, err := io.ReadFull(reader, out)
	return err
}

// Seal encrypts plaintext under MessageKey using AES-256-GCM, prefixing
// the nonce to the ciphertext. No Conduit variant in this repository
// calls it; the pub/sub and p2p conduits send their envelopes unencrypted.
func (k *Keys) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(k.MessageKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("docsecret: generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (k *Keys) Open(ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(k.MessageKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("docsecret: ciphertext shorter than nonce")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("docsecret: decrypting message: %w", err)
	}
	return plaintext, nil
}

func newGCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("docsecret: building cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
