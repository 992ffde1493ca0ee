// This package provides the encryption helpers used by murmur: the versioned
// export-secret scheme used for the outer layer of group messages, one-shot DH
// encryption used by gift wraps, and per-file attachment encryption.
package crypto

import (
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SchemeVersion is the current version of the export-secret encryption scheme.
const SchemeVersion = 1

var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

// EncryptWithDH encrypts msg for a one-time DH pairing. The nonce is fixed,
// which is only safe because one side of the pairing is always ephemeral.
func EncryptWithDH(pub, priv, msg, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return EncryptWithKey(key[:], msg, ad)
}

func DecryptWithDH(pub, priv, enc, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return DecryptWithKey(key[:], enc, ad)
}

func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}

// DeriveKeypair derives a curve25519 keypair from an export secret. All
// holders of the secret derive the same pair, giving them an encryption layer
// relays cannot open.
func DeriveKeypair(secret []byte) (pub, priv nacl.Key, err error) {
	privBytes := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte("murmur export keypair v1"))
	if _, err := io.ReadFull(r, privBytes); err != nil {
		return nil, nil, err
	}
	priv = SliceToKey(privBytes)
	pub = scalarmult.Base((*[32]byte)(priv))
	return pub, priv, nil
}

// EncryptWithSecret seals msg under the versioned export-secret scheme:
// version byte, 96-bit random nonce, then the AEAD ciphertext.
func EncryptWithSecret(secret, msg, ad []byte) ([]byte, error) {
	key, err := messageKey(secret)
	if err != nil {
		return nil, err
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+chacha20poly1305.NonceSize)
	out[0] = SchemeVersion
	if _, err := io.ReadFull(crypto_rand.Reader, out[1:]); err != nil {
		return nil, err
	}
	return cipher.Seal(out, out[1:], msg, ad), nil
}

func DecryptWithSecret(secret, enc, ad []byte) ([]byte, error) {
	if len(enc) < 1+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("crypto: ciphertext too short")
	}
	if enc[0] != SchemeVersion {
		return nil, fmt.Errorf("crypto: unknown scheme version %d", enc[0])
	}
	key, err := messageKey(secret)
	if err != nil {
		return nil, err
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := enc[1 : 1+chacha20poly1305.NonceSize]
	return cipher.Open(nil, nonce, enc[1+chacha20poly1305.NonceSize:], ad)
}

// EncryptAttachment seals file bytes with the export secret and a fresh
// 96-bit nonce, returned separately so it can travel in the metadata tag.
func EncryptAttachment(secret, data []byte) (enc, nonce []byte, err error) {
	key, err := messageKey(secret)
	if err != nil {
		return nil, nil, err
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return cipher.Seal(nil, nonce, data, nil), nonce, nil
}

func DecryptAttachment(secret, enc, nonce []byte) ([]byte, error) {
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("crypto: expected nonce of length %d, got %d", chacha20poly1305.NonceSize, len(nonce))
	}
	key, err := messageKey(secret)
	if err != nil {
		return nil, err
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, nonce, enc, nil)
}

func messageKey(secret []byte) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte("murmur message key v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
