package event

import (
	crypto_rand "crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/murmur-im/go-murmur/crypto"
	"github.com/murmur-im/go-murmur/ids"
)

// Tag names used on outer events.
const (
	TagRecipient  = "p"
	TagGroup      = "h"
	TagExpiration = "expiration"
	TagRelays     = "relays"
	TagAttachment = "attachment"
)

// GiftWrap seals a rumor for a recipient. The rumor is encrypted to the
// recipient's transport key with a fresh curve25519 keypair, and the envelope
// is signed with a fresh single-use signing key so the outer event cannot be
// linked to the sender's identity.
func GiftWrap(r *Rumor, recipient ids.ID, recipientTransportPub []byte, createdAt, expiration uint64, relayHints []string) (*Event, error) {
	if len(recipientTransportPub) != 32 {
		return nil, fmt.Errorf("event: expected transport key of length 32, got %d", len(recipientTransportPub))
	}
	body, err := r.Serialize()
	if err != nil {
		return nil, err
	}

	ephPub, ephPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	enc, err := crypto.EncryptWithDH(recipientTransportPub, ephPriv[:], body, nil)
	if err != nil {
		return nil, err
	}
	payload := append(append([]byte{}, ephPub[:]...), enc...)

	wrapKeys, err := GenerateKeys()
	if err != nil {
		return nil, err
	}
	tags := []Tag{
		{TagRecipient, recipient.Hex()},
		{TagExpiration, strconv.FormatUint(expiration, 10)},
	}
	if len(relayHints) > 0 {
		tags = append(tags, append(Tag{TagRelays}, relayHints...))
	}
	ev := &Event{
		Author:    wrapKeys.Pub,
		CreatedAt: createdAt,
		Kind:      KindGiftWrap,
		Tags:      tags,
		Content:   base64.StdEncoding.EncodeToString(payload),
	}
	if err := ev.Sign(wrapKeys); err != nil {
		return nil, err
	}
	return ev, nil
}

// Unwrap opens a gift wrap with the local transport private key and returns
// the inner rumor.
func Unwrap(ev *Event, transportPriv nacl.Key) (*Rumor, error) {
	if ev.Kind != KindGiftWrap {
		return nil, fmt.Errorf("event: expected kind %d, got %d", KindGiftWrap, ev.Kind)
	}
	if !ev.Verify() {
		return nil, fmt.Errorf("event: invalid envelope signature")
	}
	payload, err := base64.StdEncoding.DecodeString(ev.Content)
	if err != nil {
		return nil, fmt.Errorf("event: error decoding envelope content: %w", err)
	}
	if len(payload) < 32 {
		return nil, fmt.Errorf("event: envelope content too short")
	}
	body, err := crypto.DecryptWithDH(payload[:32], transportPriv[:], payload[32:], nil)
	if err != nil {
		return nil, fmt.Errorf("event: error opening envelope: %w", err)
	}
	return DeserializeRumor(body)
}
