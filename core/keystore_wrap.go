package core

// keystore_wrap.go implements only the wrap/unwrap primitive for at-rest
// store encryption: a passphrase-derived Argon2id key wrapping a random
// 32-byte database key, with the wrapped key, salt, and nonce stored
// alongside the database file. The keystore itself (passphrase prompts,
// persistent secret storage) is an explicit external collaborator; this is
// the one primitive the core is responsible for.

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	argon2Time    = 1
	argon2MemoryKB = 64 * 1024
	argon2Threads = 4
	saltSize      = 16
)

// WrappedKey is the at-rest form of a database's random 32-byte key: the
// salt needed to re-derive the wrapping key from a passphrase (the Argon2id
// time/memory/thread parameters are the package constants above), plus the
// nonce and the sealed ciphertext.
type WrappedKey struct {
	Salt       [saltSize]byte
	Nonce      [chacha20poly1305.NonceSize]byte
	Ciphertext []byte
}

// GenerateDBKey returns a fresh random 32-byte database key, the thing
// WrapDBKey seals and UnwrapDBKey recovers.
func GenerateDBKey() ([32]byte, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, Wrap(KindFatal, "generate db key", err)
	}
	return key, nil
}

// WrapDBKey derives a wrapping key from passphrase via Argon2id and seals
// dbKey with ChaCha20-Poly1305 under a fresh random salt and nonce.
func WrapDBKey(passphrase []byte, dbKey [32]byte) (WrappedKey, error) {
	var w WrappedKey
	if _, err := rand.Read(w.Salt[:]); err != nil {
		return w, Wrap(KindFatal, "wrap db key: salt", err)
	}
	if _, err := rand.Read(w.Nonce[:]); err != nil {
		return w, Wrap(KindFatal, "wrap db key: nonce", err)
	}
	aead, err := chacha20poly1305.New(deriveWrapKey(passphrase, w.Salt))
	if err != nil {
		return w, Wrap(KindFatal, "wrap db key: cipher init", err)
	}
	w.Ciphertext = aead.Seal(nil, w.Nonce[:], dbKey[:], nil)
	return w, nil
}

// UnwrapDBKey re-derives the wrapping key from passphrase and salt, then
// opens the sealed ciphertext back into the original 32-byte database key.
func UnwrapDBKey(passphrase []byte, w WrappedKey) ([32]byte, error) {
	var dbKey [32]byte
	aead, err := chacha20poly1305.New(deriveWrapKey(passphrase, w.Salt))
	if err != nil {
		return dbKey, Wrap(KindFatal, "unwrap db key: cipher init", err)
	}
	plain, err := aead.Open(nil, w.Nonce[:], w.Ciphertext, nil)
	if err != nil {
		return dbKey, Wrap(KindAuthentication, "unwrap db key: wrong passphrase or corrupted store", err)
	}
	if len(plain) != len(dbKey) {
		return dbKey, Wrap(KindFatal, "unwrap db key: unexpected length", fmt.Errorf("got %d bytes", len(plain)))
	}
	copy(dbKey[:], plain)
	return dbKey, nil
}

func deriveWrapKey(passphrase []byte, salt [saltSize]byte) []byte {
	return argon2.IDKey(passphrase, salt[:], argon2Time, argon2MemoryKB, argon2Threads, chacha20poly1305.KeySize)
}
