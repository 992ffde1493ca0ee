package keypackages

import (
	"context"
	"encoding/hex"
	"os"
	"strconv"
	"testing"

	"github.com/murmur-im/go-murmur/accounts"
	"github.com/murmur-im/go-murmur/clock"
	"github.com/murmur-im/go-murmur/config"
	"github.com/murmur-im/go-murmur/event"
	"github.com/murmur-im/go-murmur/ids"
	"github.com/murmur-im/go-murmur/internal/test"
	"github.com/murmur-im/go-murmur/mls"
	"github.com/murmur-im/go-murmur/store"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type fixture struct {
	store     *store.Store
	accounts  *accounts.Manager
	relay     *test.FakeRelay
	primitive *test.FakePrimitive
	manager   *Manager
	account   *store.Account
}

func newFixture(t *testing.T) *fixture {
	c := config.NewConfig()
	database := test.NewTestDatabase(c)
	s, err := store.New(database)
	require.Nil(t, err)

	relayClient := test.NewFakeRelay()
	a, err := accounts.NewManager(c, s, test.NewFakeVault(), clock.NewSystemClock())
	require.Nil(t, err)
	require.Nil(t, a.Start())
	account, err := a.Login(nil)
	require.Nil(t, err)

	self, err := ids.IDFromHex(account.Pubkey)
	require.Nil(t, err)
	primitive := test.NewFakePrimitive(self)

	m, err := NewManager(c, s, a, relayClient, primitive, clock.NewSystemClock())
	require.Nil(t, err)

	return &fixture{
		store:     s,
		accounts:  a,
		relay:     relayClient,
		primitive: primitive,
		manager:   m,
		account:   account,
	}
}

func keyPackageEvent(t *testing.T, keys *event.Keys, ciphersuite uint64, extensions []string, lastResort bool) *event.Event {
	transportKey := make([]byte, 32)
	copy(transportKey, keys.Pub[:])
	tags := []event.Tag{
		{"mls_protocol_version", "1.0"},
		{"ciphersuite", strconv.FormatUint(ciphersuite, 10)},
		append(event.Tag{"extensions"}, extensions...),
		{"transport_key", hex.EncodeToString(transportKey)},
	}
	if lastResort {
		tags = append(tags, event.Tag{"last_resort", "true"})
	}
	ev := &event.Event{
		Author:    keys.Pub,
		CreatedAt: 1700000000,
		Kind:      event.KindKeyPackage,
		Tags:      tags,
		Content:   "a2V5LXBhY2thZ2U=",
	}
	require.Nil(t, ev.Sign(keys))
	return ev
}

func TestPublishRequiresRelayConfig(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Publish(context.Background(), f.account.Pubkey)
	require.ErrorIs(t, err, ErrRelayConfigMissing)
	require.Empty(t, f.relay.PublishedEvents())
}

func TestPublish(t *testing.T) {
	f := newFixture(t)
	require.Nil(t, f.accounts.SetRelays(f.account.Pubkey, store.RelayRoleKeyPackage, []string{"wss://kp"}))

	ev, err := f.manager.Publish(context.Background(), f.account.Pubkey)
	require.Nil(t, err)
	require.Equal(t, uint32(event.KindKeyPackage), ev.Kind)
	require.Equal(t, f.account.Pubkey, ev.Author.Hex())
	require.True(t, ev.Verify())
	require.Equal(t, "1.0", ev.TagValue("mls_protocol_version"))
	require.Equal(t, "1", ev.TagValue("ciphersuite"))

	// the advertised transport key is the account's, so gift wraps addressed
	// to it open with the vault's private half
	transportPub, err := f.accounts.TransportPub(f.account.Pubkey)
	require.Nil(t, err)
	require.Equal(t, hex.EncodeToString(transportPub), ev.TagValue("transport_key"))

	published := f.relay.PublishedEvents()
	require.Len(t, published, 1)
	require.Equal(t, []string{"wss://kp"}, published[0].Relays)

	// the published ref is recorded locally
	require.Nil(t, f.store.RunReadOnly("check", func() error {
		refs, err := f.store.KeyPackageRefs(f.account.Pubkey)
		require.Nil(t, err)
		require.Len(t, refs, 1)
		require.Equal(t, ev.ID[:], refs[0].EventID)
		return nil
	}))

	// the round-trips through the event form
	kp, err := ParseEvent(ev)
	require.Nil(t, err)
	require.Equal(t, mls.DefaultCiphersuite, kp.Ciphersuite)
	require.True(t, mls.ExtensionsEqual(mls.DefaultExtensions, kp.Extensions))
	require.False(t, kp.LastResort)
}

func TestFetchValidFiltering(t *testing.T) {
	f := newFixture(t)

	peer, err := event.GenerateKeys()
	require.Nil(t, err)

	// none of these qualify: wrong ciphersuite, wrong extensions, last-resort
	f.relay.AddEvent(keyPackageEvent(t, peer, 2, mls.DefaultExtensions, false))
	f.relay.AddEvent(keyPackageEvent(t, peer, 1, []string{"ratchet_tree"}, false))
	f.relay.AddEvent(keyPackageEvent(t, peer, 1, mls.DefaultExtensions, true))

	kp, err := f.manager.FetchValid(context.Background(), peer.Pub)
	require.Nil(t, err)
	require.Nil(t, kp)

	// extension order does not matter
	shuffled := []string{"last_resort", "required_capabilities", "ratchet_tree"}
	valid := keyPackageEvent(t, peer, 1, shuffled, false)
	f.relay.AddEvent(valid)

	kp, err = f.manager.FetchValid(context.Background(), peer.Pub)
	require.Nil(t, err)
	require.NotNil(t, kp)
	require.Equal(t, valid.ID, kp.EventID)
	require.Equal(t, peer.Pub, kp.Author)
}

func TestFetchValidIgnoresOtherAuthors(t *testing.T) {
	f := newFixture(t)

	peer, err := event.GenerateKeys()
	require.Nil(t, err)
	other, err := event.GenerateKeys()
	require.Nil(t, err)
	f.relay.AddEvent(keyPackageEvent(t, other, 1, mls.DefaultExtensions, false))

	kp, err := f.manager.FetchValid(context.Background(), peer.Pub)
	require.Nil(t, err)
	require.Nil(t, kp)
}

func TestRetirePublishesDeletionOnce(t *testing.T) {
	f := newFixture(t)
	require.Nil(t, f.accounts.SetRelays(f.account.Pubkey, store.RelayRoleKeyPackage, []string{"wss://kp"}))

	ev, err := f.manager.Publish(context.Background(), f.account.Pubkey)
	require.Nil(t, err)

	first, err := f.manager.Retire(context.Background(), f.account.Pubkey, ev.ID, []string{"wss://kp"}, true)
	require.Nil(t, err)
	require.True(t, first)

	// the local private material was purged through the primitive
	require.Len(t, f.primitive.Deleted, 1)

	first, err = f.manager.Retire(context.Background(), f.account.Pubkey, ev.ID, []string{"wss://kp"}, true)
	require.Nil(t, err)
	require.False(t, first)

	deletions := 0
	for _, p := range f.relay.PublishedEvents() {
		if p.Event.Kind == event.KindDeletion {
			deletions++
			require.Equal(t, ev.ID.Hex(), p.Event.TagValue("e"))
		}
	}
	require.Equal(t, 1, deletions)
	require.Len(t, f.primitive.Deleted, 1)
}

// redelivered welcomes must not burn extra key packages: only the first
// consume retires and publishes a replacement
func TestConsumeAndReplaceExactlyOnce(t *testing.T) {
	f := newFixture(t)
	require.Nil(t, f.accounts.SetRelays(f.account.Pubkey, store.RelayRoleKeyPackage, []string{"wss://kp"}))

	ev, err := f.manager.Publish(context.Background(), f.account.Pubkey)
	require.Nil(t, err)

	require.Nil(t, f.manager.ConsumeAndReplace(context.Background(), f.account.Pubkey, ev.ID))
	require.Nil(t, f.manager.ConsumeAndReplace(context.Background(), f.account.Pubkey, ev.ID))

	keyPackages := 0
	deletions := 0
	for _, p := range f.relay.PublishedEvents() {
		switch p.Event.Kind {
		case event.KindKeyPackage:
			keyPackages++
		case event.KindDeletion:
			deletions++
		}
	}
	// the original publish plus exactly one replacement
	require.Equal(t, 2, keyPackages)
	require.Equal(t, 1, deletions)
}

func TestConsumeAndReplaceIgnoresZeroID(t *testing.T) {
	f := newFixture(t)
	require.Nil(t, f.manager.ConsumeAndReplace(context.Background(), f.account.Pubkey, ids.ID{}))
	require.Empty(t, f.relay.PublishedEvents())
}
