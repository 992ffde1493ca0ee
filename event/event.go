// Package event defines the relay event model used by murmur: signed outer
// events, unsigned inner rumors, and the gift-wrap envelope which hides the
// link between an inner event and the long-term identity of its sender.
package event

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/murmur-im/go-murmur/ids"
)

const (
	KindMetadata         = 0
	KindDeletion         = 5
	KindChat             = 9
	KindKeyPackage       = 443
	KindWelcome          = 444
	KindGroupMessage     = 445
	KindGiftWrap         = 1059
	KindRelayList        = 10002
	KindInboxRelays      = 10050
	KindKeyPackageRelays = 10051
)

type Tag []string

func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

type Event struct {
	ID        ids.ID
	Author    ids.ID
	CreatedAt uint64
	Kind      uint32
	Tags      []Tag
	Content   string
	Sig       [64]byte
}

// TagValue returns the first value of the first tag with the given name, or "".
func (e *Event) TagValue(name string) string {
	for _, t := range e.Tags {
		if t.Name() == name {
			return t.Value()
		}
	}
	return ""
}

func (e *Event) ComputeID() ids.ID {
	return computeID(e.Author, e.CreatedAt, e.Kind, e.Tags, e.Content)
}

func (e *Event) Sign(k *Keys) error {
	if e.Author != k.Pub {
		return fmt.Errorf("event: expected author to be %x, got %x", k.Pub, e.Author)
	}
	e.ID = e.ComputeID()
	e.Sig = [64]byte(ed25519.Sign(k.priv, e.ID[:]))
	return nil
}

func (e *Event) Verify() bool {
	if e.ID != e.ComputeID() {
		return false
	}
	return ed25519.Verify(e.Author[:], e.ID[:], e.Sig[:])
}

type Keys struct {
	Pub  ids.ID
	priv ed25519.PrivateKey
}

func GenerateKeys() (*Keys, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return &Keys{Pub: ids.ID(pub), priv: priv}, nil
}

// KeysFromSeed rebuilds a signing keypair from the 32-byte seed held in the vault.
func KeysFromSeed(seed []byte) (*Keys, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("event: expected seed of length %d, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keys{Pub: ids.ID(priv.Public().(ed25519.PublicKey)), priv: priv}, nil
}

func (k *Keys) Seed() []byte {
	return k.priv.Seed()
}

func computeID(author ids.ID, createdAt uint64, kind uint32, tags []Tag, content string) ids.ID {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], createdAt)
	var kd [4]byte
	binary.BigEndian.PutUint32(kd[:], kind)

	parts := [][]byte{author[:], ts[:], kd[:]}
	for _, t := range tags {
		var tb bytes.Buffer
		for _, v := range t {
			tb.Write(lengthPrefixed([]byte(v)))
		}
		parts = append(parts, tb.Bytes())
	}
	parts = append(parts, []byte(content))
	return sha256.Sum256(concat(parts...))
}

func lengthPrefixed(b []byte) []byte {
	out := binary.BigEndian.AppendUint64(nil, uint64(len(b)))
	return append(out, b...)
}

func concat(parts ...[]byte) []byte {
	msg := []byte{}
	for _, m := range parts {
		msg = binary.BigEndian.AppendUint64(msg, uint64(len(m)))
		msg = append(msg, m...)
	}
	return msg
}
