// Package keypackages manages the lifecycle of published credential bundles:
// building and publishing them, finding valid bundles for peers, and retiring
// consumed bundles with a 1:1 replacement.
package keypackages

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/murmur-im/go-murmur/accounts"
	"github.com/murmur-im/go-murmur/clock"
	"github.com/murmur-im/go-murmur/config"
	"github.com/murmur-im/go-murmur/event"
	"github.com/murmur-im/go-murmur/ids"
	"github.com/murmur-im/go-murmur/mls"
	"github.com/murmur-im/go-murmur/relay"
	"github.com/murmur-im/go-murmur/store"
	"go.uber.org/zap"
)

var ErrRelayConfigMissing = errors.New("keypackages: no key package relays configured")

const protocolVersion = "1.0"

// Tag names on key package events.
const (
	tagProtocolVersion = "mls_protocol_version"
	tagCiphersuite     = "ciphersuite"
	tagExtensions      = "extensions"
	tagLastResort      = "last_resort"
	tagTransportKey    = "transport_key"
)

type Manager struct {
	config   *config.Config
	log      *zap.SugaredLogger
	store    *store.Store
	accounts *accounts.Manager
	relays   relay.Client
	mls      mls.Primitive
	clock    clock.Clock

	requiredCiphersuite mls.Ciphersuite
	requiredExtensions  []string
	requireLastResort   bool
}

func NewManager(c *config.Config, s *store.Store, a *accounts.Manager, r relay.Client, p mls.Primitive, cl clock.Clock) (*Manager, error) {
	return &Manager{
		config:              c,
		log:                 c.Logger("keypackages/manager"),
		store:               s,
		accounts:            a,
		relays:              r,
		mls:                 p,
		clock:               cl,
		requiredCiphersuite: mls.DefaultCiphersuite,
		requiredExtensions:  mls.DefaultExtensions,
		requireLastResort:   false,
	}, nil
}

// Publish builds a fresh key package for the account and publishes it to the
// account's key-package relays. Fails with ErrRelayConfigMissing when none are
// configured.
func (m *Manager) Publish(ctx context.Context, pubkey string) (*event.Event, error) {
	relayURLs, err := m.accounts.Relays(pubkey, store.RelayRoleKeyPackage)
	if err != nil {
		return nil, err
	}
	if len(relayURLs) == 0 {
		return nil, ErrRelayConfigMissing
	}

	keys, err := m.accounts.Keys(pubkey)
	if err != nil {
		return nil, err
	}
	kp, err := m.mls.CreateKeyPackage(keys.Pub)
	if err != nil {
		return nil, fmt.Errorf("keypackages: error creating key package: %w", err)
	}
	// welcomes consuming this bundle are gift-wrapped to the account's
	// transport key, the one the unwrap path reads from the vault
	transportPub, err := m.accounts.TransportPub(pubkey)
	if err != nil {
		return nil, err
	}

	tags := []event.Tag{
		{tagProtocolVersion, protocolVersion},
		{tagCiphersuite, strconv.FormatUint(uint64(kp.Ciphersuite), 10)},
		append(event.Tag{tagExtensions}, kp.Extensions...),
		{tagTransportKey, hex.EncodeToString(transportPub)},
		append(event.Tag{event.TagRelays}, relayURLs...),
	}
	if kp.LastResort {
		tags = append(tags, event.Tag{tagLastResort, "true"})
	}
	ev := &event.Event{
		Author:    keys.Pub,
		CreatedAt: m.clock.CurrentTimeSec(),
		Kind:      event.KindKeyPackage,
		Tags:      tags,
		Content:   base64.StdEncoding.EncodeToString(kp.Data),
	}
	if err := ev.Sign(keys); err != nil {
		return nil, err
	}

	if err := m.relays.Publish(ctx, ev, relayURLs); err != nil {
		return nil, fmt.Errorf("keypackages: error publishing key package: %w", err)
	}

	if err := m.store.Run(fmt.Sprintf("recording key package %x", ev.ID), func() error {
		return m.store.InsertKeyPackageRef(&store.KeyPackageRef{
			EventID:     ev.ID[:],
			Pubkey:      pubkey,
			PublishedAt: m.clock.CurrentTimeSec(),
		})
	}); err != nil {
		return nil, err
	}
	m.log.Debugf("published key package %x for %s", ev.ID, pubkey)
	return ev, nil
}

// FetchValid returns the first key package authored by peer which matches the
// required ciphersuite, extension set and last-resort flag, or nil when the
// peer has no valid key package. No match is not an error by itself.
func (m *Manager) FetchValid(ctx context.Context, peer ids.ID) (*mls.KeyPackage, error) {
	filters := []relay.Filter{{
		Authors: []ids.ID{peer},
		Kinds:   []uint32{event.KindKeyPackage},
	}}
	fetched, err := m.relays.Fetch(ctx, filters, time.Duration(m.config.FetchTimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("keypackages: error fetching key packages for %x: %w", peer, err)
	}
	cached, err := m.relays.QueryLocal(filters)
	if err != nil {
		return nil, fmt.Errorf("keypackages: error querying local key packages for %x: %w", peer, err)
	}

	for _, ev := range relay.Union(fetched, cached) {
		kp, err := ParseEvent(ev)
		if err != nil {
			m.log.Debugf("skipping malformed key package %x: %v", ev.ID, err)
			continue
		}
		if kp.Ciphersuite != m.requiredCiphersuite {
			continue
		}
		if !mls.ExtensionsEqual(kp.Extensions, m.requiredExtensions) {
			continue
		}
		if kp.LastResort != m.requireLastResort {
			continue
		}
		return kp, nil
	}
	return nil, nil
}

// Retire issues a deletion event for the key package on the given relays and
// optionally purges the corresponding private material from the primitive's
// storage. It returns false when the key package was already retired.
func (m *Manager) Retire(ctx context.Context, pubkey string, kpEventID ids.ID, relayURLs []string, purgeLocal bool) (bool, error) {
	var first bool
	if err := m.store.Run(fmt.Sprintf("retiring key package %x", kpEventID), func() error {
		var err error
		first, err = m.store.RetireKeyPackageRef(kpEventID[:], pubkey, m.clock.CurrentTimeSec())
		return err
	}); err != nil {
		return false, err
	}
	if !first {
		m.log.Debugf("key package %x already retired", kpEventID)
		return false, nil
	}

	keys, err := m.accounts.Keys(pubkey)
	if err != nil {
		return false, err
	}
	del := &event.Event{
		Author:    keys.Pub,
		CreatedAt: m.clock.CurrentTimeSec(),
		Kind:      event.KindDeletion,
		Tags:      []event.Tag{{"e", kpEventID.Hex()}},
	}
	if err := del.Sign(keys); err != nil {
		return false, err
	}
	if err := m.relays.Publish(ctx, del, relayURLs); err != nil {
		return false, fmt.Errorf("keypackages: error publishing deletion for %x: %w", kpEventID, err)
	}

	if purgeLocal {
		if err := m.purgeLocalMaterial(kpEventID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ConsumeAndReplace retires a key package consumed by a welcome and publishes
// exactly one replacement. Redeliveries of the same welcome are no-ops.
func (m *Manager) ConsumeAndReplace(ctx context.Context, pubkey string, kpEventID ids.ID) error {
	if kpEventID.Zero() {
		return nil
	}
	relayURLs, err := m.accounts.Relays(pubkey, store.RelayRoleKeyPackage)
	if err != nil {
		return err
	}
	retired, err := m.Retire(ctx, pubkey, kpEventID, relayURLs, true)
	if err != nil {
		return err
	}
	if !retired {
		return nil
	}
	if _, err := m.Publish(ctx, pubkey); err != nil {
		return fmt.Errorf("keypackages: error publishing replacement for %x: %w", kpEventID, err)
	}
	return nil
}

func (m *Manager) purgeLocalMaterial(kpEventID ids.ID) error {
	evs, err := m.relays.QueryLocal([]relay.Filter{{IDs: []ids.ID{kpEventID}}})
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		m.log.Debugf("no local copy of key package %x, skipping purge", kpEventID)
		return nil
	}
	kp, err := ParseEvent(evs[0])
	if err != nil {
		return err
	}
	if err := m.mls.DeleteKeyPackage(kp.Data); err != nil {
		return fmt.Errorf("keypackages: error purging key package material: %w", err)
	}
	return nil
}

// ParseEvent decodes a key package relay event into a bundle.
func ParseEvent(ev *event.Event) (*mls.KeyPackage, error) {
	if ev.Kind != event.KindKeyPackage {
		return nil, fmt.Errorf("keypackages: expected kind %d, got %d", event.KindKeyPackage, ev.Kind)
	}
	data, err := base64.StdEncoding.DecodeString(ev.Content)
	if err != nil {
		return nil, fmt.Errorf("keypackages: error decoding content: %w", err)
	}
	csRaw := ev.TagValue(tagCiphersuite)
	cs, err := strconv.ParseUint(csRaw, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("keypackages: malformed ciphersuite %q", csRaw)
	}
	transportKey, err := hex.DecodeString(ev.TagValue(tagTransportKey))
	if err != nil || len(transportKey) != 32 {
		return nil, fmt.Errorf("keypackages: malformed transport key")
	}

	var extensions []string
	for _, t := range ev.Tags {
		if t.Name() == tagExtensions {
			extensions = append(extensions, t[1:]...)
		}
	}

	return &mls.KeyPackage{
		EventID:      ev.ID,
		Author:       ev.Author,
		Ciphersuite:  mls.Ciphersuite(cs),
		Extensions:   extensions,
		LastResort:   ev.TagValue(tagLastResort) == "true",
		TransportKey: transportKey,
		Data:         data,
	}, nil
}
