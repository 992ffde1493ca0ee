// Package mls defines the contract murmur consumes from the group-key-agreement
// primitive. Ciphersuite negotiation, tree math and commit validation happen
// behind this interface; the engine only drives it and stores its outputs.
package mls

import (
	"errors"

	"github.com/murmur-im/go-murmur/ids"
)

// ErrOwnMessage is returned by ProcessMessage when the ciphertext was produced
// by the local member. Receiving our own messages back from a relay is
// expected and callers record it as a successful no-op.
var ErrOwnMessage = errors.New("mls: cannot decrypt own message")

type Ciphersuite uint16

const DefaultCiphersuite Ciphersuite = 0x0001

// DefaultExtensions is the extension set required of every key package
// accepted for invitation. Matching is exact and order-independent.
var DefaultExtensions = []string{"required_capabilities", "ratchet_tree", "last_resort"}

// A KeyPackage is a published, consumable credential bundle that lets others
// add an account to a group.
type KeyPackage struct {
	// EventID is the relay event advertising this bundle; zero until published.
	EventID      ids.ID
	Author       ids.ID
	Ciphersuite  Ciphersuite
	Extensions   []string
	LastResort bool
	// TransportKey is the author's curve25519 transport public key; welcomes
	// consuming this bundle are gift-wrapped to it.
	TransportKey []byte
	Data         []byte
}

type GroupMetadata struct {
	Name           string
	Description    string
	Admins         []ids.ID
	Relays         []string
	NetworkGroupID ids.ID
}

type GroupResult struct {
	GroupID  ids.ID
	Welcome  []byte
	Metadata GroupMetadata
}

// A Preview is the result of decoding a welcome without joining.
type Preview struct {
	Metadata    GroupMetadata
	MemberCount int
	// KeyPackageEventID is the published key package this welcome consumed.
	KeyPackageEventID ids.ID
}

type JoinResult struct {
	GroupID  ids.ID
	Metadata GroupMetadata
	Members  []ids.ID
	Epoch    uint64
}

type Primitive interface {
	// CreateKeyPackage builds a fresh credential bundle for account. The
	// bundle's private material stays in the primitive's own storage until
	// DeleteKeyPackage is called.
	CreateKeyPackage(account ids.ID) (*KeyPackage, error)
	// DeleteKeyPackage purges the private material belonging to a serialized
	// key package from the primitive's storage.
	DeleteKeyPackage(data []byte) error

	CreateGroup(name, description string, memberKeyPackages []*KeyPackage, admins []ids.ID, creator ids.ID, relays []string) (*GroupResult, error)
	PreviewWelcome(welcome []byte) (*Preview, error)
	JoinFromWelcome(welcome []byte) (*JoinResult, error)

	CreateMessage(groupID ids.ID, plaintext []byte) ([]byte, error)
	// ProcessMessage returns the plaintext of a group ciphertext, or
	// ErrOwnMessage for self-sent echoes.
	ProcessMessage(groupID ids.ID, ciphertext []byte) ([]byte, error)

	// ExportSecret returns hex-encoded secret material scoped to the group's
	// current epoch, and that epoch.
	ExportSecret(groupID ids.ID) (string, uint64, error)
	// SelfUpdate rotates the local member's key material, advancing the epoch.
	SelfUpdate(groupID ids.ID) error

	Members(groupID ids.ID) ([]ids.ID, error)
}

// ExtensionsEqual reports whether two extension sets match exactly,
// independent of order.
func ExtensionsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, e := range a {
		counts[e]++
	}
	for _, e := range b {
		counts[e]--
		if counts[e] < 0 {
			return false
		}
	}
	return true
}
