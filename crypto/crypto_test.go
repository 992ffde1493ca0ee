package crypto

import (
	crypto_rand "crypto/rand"
	"io"
	"testing"

	"github.com/kevinburke/nacl/box"
	"github.com/stretchr/testify/require"
)

func randomSecret(t *testing.T) []byte {
	secret := make([]byte, 32)
	_, err := io.ReadFull(crypto_rand.Reader, secret)
	require.Nil(t, err)
	return secret
}

func TestEncryptWithSecretRoundtrip(t *testing.T) {
	secret := randomSecret(t)
	enc, err := EncryptWithSecret(secret, []byte("hello there"), nil)
	require.Nil(t, err)
	require.Equal(t, byte(SchemeVersion), enc[0])

	dec, err := DecryptWithSecret(secret, enc, nil)
	require.Nil(t, err)
	require.Equal(t, []byte("hello there"), dec)
}

func TestEncryptWithSecretFreshNonce(t *testing.T) {
	secret := randomSecret(t)
	enc1, err := EncryptWithSecret(secret, []byte("hello there"), nil)
	require.Nil(t, err)
	enc2, err := EncryptWithSecret(secret, []byte("hello there"), nil)
	require.Nil(t, err)
	require.NotEqual(t, enc1, enc2)
}

func TestDecryptWithSecretRejectsCorruption(t *testing.T) {
	secret := randomSecret(t)
	enc, err := EncryptWithSecret(secret, []byte("hello there"), nil)
	require.Nil(t, err)

	enc[len(enc)-1] ^= 0xff
	_, err = DecryptWithSecret(secret, enc, nil)
	require.NotNil(t, err)
}

func TestDecryptWithSecretRejectsUnknownVersion(t *testing.T) {
	secret := randomSecret(t)
	enc, err := EncryptWithSecret(secret, []byte("hello there"), nil)
	require.Nil(t, err)

	enc[0] = 99
	_, err = DecryptWithSecret(secret, enc, nil)
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "unknown scheme version")
}

func TestDecryptWithSecretRejectsWrongSecret(t *testing.T) {
	enc, err := EncryptWithSecret(randomSecret(t), []byte("hello there"), nil)
	require.Nil(t, err)
	_, err = DecryptWithSecret(randomSecret(t), enc, nil)
	require.NotNil(t, err)
}

func TestDecryptWithSecretRejectsShortCiphertext(t *testing.T) {
	_, err := DecryptWithSecret(randomSecret(t), []byte{SchemeVersion, 0, 1}, nil)
	require.NotNil(t, err)
}

func TestDHRoundtrip(t *testing.T) {
	alicePub, alicePriv, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(t, err)
	bobPub, bobPriv, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(t, err)

	enc, err := EncryptWithDH(bobPub[:], alicePriv[:], []byte("hello there"), nil)
	require.Nil(t, err)
	dec, err := DecryptWithDH(alicePub[:], bobPriv[:], enc, nil)
	require.Nil(t, err)
	require.Equal(t, []byte("hello there"), dec)
}

func TestDeriveKeypairDeterministic(t *testing.T) {
	secret := randomSecret(t)
	pub1, priv1, err := DeriveKeypair(secret)
	require.Nil(t, err)
	pub2, priv2, err := DeriveKeypair(secret)
	require.Nil(t, err)
	require.Equal(t, pub1, pub2)
	require.Equal(t, priv1, priv2)

	pub3, _, err := DeriveKeypair(randomSecret(t))
	require.Nil(t, err)
	require.NotEqual(t, pub1, pub3)
}

func TestAttachmentRoundtrip(t *testing.T) {
	secret := randomSecret(t)
	enc, nonce, err := EncryptAttachment(secret, []byte("file contents"))
	require.Nil(t, err)

	dec, err := DecryptAttachment(secret, enc, nonce)
	require.Nil(t, err)
	require.Equal(t, []byte("file contents"), dec)

	enc[0] ^= 0xff
	_, err = DecryptAttachment(secret, enc, nonce)
	require.NotNil(t, err)
}
