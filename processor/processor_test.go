package processor

import (
	"encoding/hex"
	"os"
	"testing"

	"github.com/murmur-im/go-murmur/accounts"
	"github.com/murmur-im/go-murmur/clock"
	"github.com/murmur-im/go-murmur/config"
	"github.com/murmur-im/go-murmur/event"
	"github.com/murmur-im/go-murmur/groups"
	"github.com/murmur-im/go-murmur/ids"
	"github.com/murmur-im/go-murmur/internal/locks"
	"github.com/murmur-im/go-murmur/internal/test"
	"github.com/murmur-im/go-murmur/keypackages"
	"github.com/murmur-im/go-murmur/messages"
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
	groups    *groups.Manager
	primitive *test.FakePrimitive
	manager   *Manager
	account   *store.Account
}

func newFixture(t *testing.T) *fixture {
	c := config.NewConfig(config.WithWelcomeRetryDelayMs(1))
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

	kp, err := keypackages.NewManager(c, s, a, relayClient, primitive, clock.NewSystemClock())
	require.Nil(t, err)
	g, err := groups.NewManager(c, s, a, kp, relayClient, primitive, clock.NewSystemClock(), locks.New())
	require.Nil(t, err)
	require.Nil(t, g.Start())
	msg, err := messages.NewManager(c, s, a, g, relayClient, primitive, test.NewFakeBlob(), clock.NewSystemClock())
	require.Nil(t, err)

	m, err := NewManager(c, a, g, msg)
	require.Nil(t, err)
	require.Nil(t, m.Start())

	return &fixture{
		store:     s,
		accounts:  a,
		groups:    g,
		primitive: primitive,
		manager:   m,
		account:   account,
	}
}

// giftWrappedWelcome seals a welcome for the active account the way an
// inviting engine would.
func (f *fixture) giftWrappedWelcome(t *testing.T) *event.Event {
	inviter, err := event.GenerateKeys()
	require.Nil(t, err)
	welcome := f.primitive.MakeWelcome(ids.NewID(), mls.GroupMetadata{
		Name:           "expedition",
		Admins:         []ids.ID{inviter.Pub},
		Relays:         []string{"wss://group"},
		NetworkGroupID: ids.NewID(),
	}, []ids.ID{inviter.Pub, f.primitive.Self}, ids.ID{})

	rumor := &event.Rumor{
		Author:    inviter.Pub,
		CreatedAt: 1700000000,
		Kind:      event.KindWelcome,
		Content:   hex.EncodeToString(welcome),
	}
	self, err := ids.IDFromHex(f.account.Pubkey)
	require.Nil(t, err)
	transportPub, err := f.accounts.TransportPub(f.account.Pubkey)
	require.Nil(t, err)
	ev, err := event.GiftWrap(rumor, self, transportPub, 1700000000, 1700099999, nil)
	require.Nil(t, err)
	return ev
}

// the same envelope delivered by two relays yields one invite and one dedup
// record
func TestRedeliveredWelcomeProcessedOnce(t *testing.T) {
	f := newFixture(t)

	ev := f.giftWrappedWelcome(t)
	require.Nil(t, f.manager.Enqueue(ev))
	require.Nil(t, f.manager.Enqueue(ev))
	require.Nil(t, f.manager.Shutdown())

	pending, err := f.groups.PendingInvites()
	require.Nil(t, err)
	require.Len(t, pending.Invites, 1)
	require.Equal(t, "expedition", pending.Invites[0].GroupName)

	require.Nil(t, f.store.RunReadOnly("check", func() error {
		seen, err := f.store.InviteProcessed(ev.ID[:])
		require.Nil(t, err)
		require.True(t, seen)
		return nil
	}))
}

// an envelope sealed for someone else's transport key is dropped silently
func TestUnopenableEnvelopeDropped(t *testing.T) {
	f := newFixture(t)

	stranger, err := event.GenerateKeys()
	require.Nil(t, err)
	rumor := &event.Rumor{
		Author:    stranger.Pub,
		CreatedAt: 1700000000,
		Kind:      event.KindWelcome,
		Content:   "00",
	}
	otherTransport := make([]byte, 32)
	otherTransport[0] = 7
	ev, err := event.GiftWrap(rumor, ids.NewID(), otherTransport, 1700000000, 1700099999, nil)
	require.Nil(t, err)

	require.Nil(t, f.manager.Enqueue(ev))
	require.Nil(t, f.manager.Shutdown())

	pending, err := f.groups.PendingInvites()
	require.Nil(t, err)
	require.Empty(t, pending.Invites)
	require.Empty(t, pending.Failures)
}

func TestDispatchRoutesContactEvents(t *testing.T) {
	f := newFixture(t)

	keys, err := f.accounts.Keys(f.account.Pubkey)
	require.Nil(t, err)
	ev := &event.Event{
		Author:    keys.Pub,
		CreatedAt: 1700000000,
		Kind:      event.KindMetadata,
		Content:   `{"name":"nadia"}`,
	}
	require.Nil(t, ev.Sign(keys))

	require.Nil(t, f.manager.Enqueue(ev))
	require.Nil(t, f.manager.Shutdown())

	active, err := f.accounts.Active()
	require.Nil(t, err)
	require.Equal(t, "nadia", active.Name)
}

func TestDispatchRoutesGroupMessages(t *testing.T) {
	f := newFixture(t)

	outerKeys, err := event.GenerateKeys()
	require.Nil(t, err)
	ev := &event.Event{
		Author:    outerKeys.Pub,
		CreatedAt: 1700000000,
		Kind:      event.KindGroupMessage,
		Tags:      []event.Tag{{event.TagGroup, ids.NewID().Hex()}},
		Content:   "aGVsbG8=",
	}
	require.Nil(t, ev.Sign(outerKeys))

	require.Nil(t, f.manager.Enqueue(ev))
	require.Nil(t, f.manager.Shutdown())

	// routed to the message pipeline; an unknown group is left unrecorded so
	// a later join's backfill can still process it
	require.Nil(t, f.store.RunReadOnly("check", func() error {
		seen, err := f.store.MessageProcessed(ev.ID[:])
		require.Nil(t, err)
		require.False(t, seen)
		return nil
	}))
}

func TestUnknownKindsIgnored(t *testing.T) {
	f := newFixture(t)

	keys, err := event.GenerateKeys()
	require.Nil(t, err)
	ev := &event.Event{Author: keys.Pub, CreatedAt: 1700000000, Kind: 30000}
	require.Nil(t, ev.Sign(keys))

	require.Nil(t, f.manager.Enqueue(ev))
	require.Nil(t, f.manager.Shutdown())
}

func TestEnqueueAfterShutdown(t *testing.T) {
	f := newFixture(t)

	ev := f.giftWrappedWelcome(t)
	require.Nil(t, f.manager.Enqueue(ev))
	require.Nil(t, f.manager.Shutdown())
	require.Nil(t, f.manager.Shutdown())

	// the item enqueued before shutdown was drained
	pending, err := f.groups.PendingInvites()
	require.Nil(t, err)
	require.Len(t, pending.Invites, 1)

	require.ErrorIs(t, f.manager.Enqueue(ev), ErrShutdown)
}

func TestAttachForwardsStream(t *testing.T) {
	f := newFixture(t)

	stream := make(chan *event.Event, 2)
	stream <- f.giftWrappedWelcome(t)
	close(stream)
	f.manager.Attach(stream)
	require.Nil(t, f.manager.Shutdown())

	pending, err := f.groups.PendingInvites()
	require.Nil(t, err)
	require.Len(t, pending.Invites, 1)
}
