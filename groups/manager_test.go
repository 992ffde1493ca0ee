package groups

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
	"github.com/murmur-im/go-murmur/internal/locks"
	"github.com/murmur-im/go-murmur/internal/test"
	"github.com/murmur-im/go-murmur/keypackages"
	"github.com/murmur-im/go-murmur/mls"
	"github.com/murmur-im/go-murmur/store"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type fixture struct {
	config    *config.Config
	store     *store.Store
	accounts  *accounts.Manager
	relay     *test.FakeRelay
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

	manager, err := NewManager(c, s, a, kp, relayClient, primitive, clock.NewSystemClock(), locks.New())
	require.Nil(t, err)
	require.Nil(t, manager.Start())

	return &fixture{
		config:    c,
		store:     s,
		accounts:  a,
		relay:     relayClient,
		primitive: primitive,
		manager:   manager,
		account:   account,
	}
}

// addMember publishes a valid key package event for a fresh remote identity.
func (f *fixture) addMember(t *testing.T) *event.Keys {
	keys, err := event.GenerateKeys()
	require.Nil(t, err)
	f.addKeyPackageEvent(t, keys, mls.DefaultExtensions)
	return keys
}

func (f *fixture) addKeyPackageEvent(t *testing.T, keys *event.Keys, extensions []string) *event.Event {
	transportKey := make([]byte, 32)
	copy(transportKey, keys.Pub[:])
	tags := []event.Tag{
		{"mls_protocol_version", "1.0"},
		{"ciphersuite", strconv.FormatUint(uint64(mls.DefaultCiphersuite), 10)},
		append(event.Tag{"extensions"}, extensions...),
		{"transport_key", hex.EncodeToString(transportKey)},
	}
	ev := &event.Event{
		Author:    keys.Pub,
		CreatedAt: 1700000000,
		Kind:      event.KindKeyPackage,
		Tags:      tags,
		Content:   "a2V5LXBhY2thZ2U=",
	}
	require.Nil(t, ev.Sign(keys))
	f.relay.AddEvent(ev)
	return ev
}

func (f *fixture) drainUpdates() []interface{} {
	out := make([]interface{}, 0)
	for {
		select {
		case e := <-f.manager.Updates():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestCreateGroupFansOutWelcomes(t *testing.T) {
	f := newFixture(t)
	member1 := f.addMember(t)
	member2 := f.addMember(t)

	g, err := f.manager.CreateGroup(context.Background(), &CreateGroupRequest{
		Name:    "plans",
		Members: []string{member1.Pub.Hex(), member2.Pub.Hex()},
		Admins:  []string{f.account.Pubkey},
		Relays:  []string{"wss://group"},
	})
	require.Nil(t, err)
	require.Equal(t, "plans", g.Name)
	require.Equal(t, store.GroupTypeGroup, g.GroupType)
	require.Equal(t, uint64(1), g.Epoch)

	// one gift-wrapped welcome per member, each on the group relays since the
	// members have no inbox relay lists
	published := f.relay.PublishedEvents()
	require.Len(t, published, 2)
	recipients := make(map[string]bool)
	for _, p := range published {
		require.Equal(t, uint32(event.KindGiftWrap), p.Event.Kind)
		require.Equal(t, []string{"wss://group"}, p.Relays)
		recipients[p.Event.TagValue(event.TagRecipient)] = true
	}
	require.True(t, recipients[member1.Pub.Hex()])
	require.True(t, recipients[member2.Pub.Hex()])

	// the group is persisted with its epoch secret
	require.Nil(t, f.store.RunReadOnly("check", func() error {
		stored, err := f.store.Group(g.ID)
		require.Nil(t, err)
		require.Equal(t, store.GroupTypeGroup, stored.GroupType)

		_, found, err := f.store.ExportSecret(g.ID, 1)
		require.Nil(t, err)
		require.True(t, found)

		groupIDs, err := f.store.AccountGroups(f.account.Pubkey)
		require.Nil(t, err)
		require.Len(t, groupIDs, 1)
		return nil
	}))

	updates := f.drainUpdates()
	require.Len(t, updates, 1)
	require.IsType(t, &GroupUpdate{}, updates[0])
}

func TestCreateGroupWithOneMemberIsDirectMessage(t *testing.T) {
	f := newFixture(t)
	member := f.addMember(t)

	g, err := f.manager.CreateGroup(context.Background(), &CreateGroupRequest{
		Name:    "dm",
		Members: []string{member.Pub.Hex()},
		Admins:  []string{f.account.Pubkey},
		Relays:  []string{"wss://group"},
	})
	require.Nil(t, err)
	require.Equal(t, store.GroupTypeDirectMessage, g.GroupType)
	require.Len(t, f.relay.PublishedEvents(), 1)
}

func TestCreateGroupUsesMemberInboxRelays(t *testing.T) {
	f := newFixture(t)
	member := f.addMember(t)

	inbox := &event.Event{
		Author:    member.Pub,
		CreatedAt: 1700000001,
		Kind:      event.KindInboxRelays,
		Tags:      []event.Tag{{"relay", "wss://member-inbox"}},
	}
	require.Nil(t, inbox.Sign(member))
	f.relay.AddEvent(inbox)

	_, err := f.manager.CreateGroup(context.Background(), &CreateGroupRequest{
		Name:    "dm",
		Members: []string{member.Pub.Hex()},
		Admins:  []string{f.account.Pubkey},
		Relays:  []string{"wss://group"},
	})
	require.Nil(t, err)

	published := f.relay.PublishedEvents()
	require.Len(t, published, 1)
	require.Equal(t, []string{"wss://member-inbox"}, published[0].Relays)
}

func TestCreateGroupRequiresValidKeyPackages(t *testing.T) {
	f := newFixture(t)
	member := f.addMember(t)

	// a member whose only key package has the wrong extension set
	withBadExtensions, err := event.GenerateKeys()
	require.Nil(t, err)
	f.addKeyPackageEvent(t, withBadExtensions, []string{"ratchet_tree"})

	_, err = f.manager.CreateGroup(context.Background(), &CreateGroupRequest{
		Name:    "plans",
		Members: []string{member.Pub.Hex(), withBadExtensions.Pub.Hex()},
		Admins:  []string{f.account.Pubkey},
		Relays:  []string{"wss://group"},
	})
	require.ErrorIs(t, err, ErrNoValidKeyPackage)

	// nothing published, nothing persisted
	require.Empty(t, f.relay.PublishedEvents())
	require.Empty(t, f.manager.Groups())
}

func TestCreateGroupRejectsInvalidMembership(t *testing.T) {
	f := newFixture(t)
	member := f.addMember(t)

	_, err := f.manager.CreateGroup(context.Background(), &CreateGroupRequest{
		Name:    "plans",
		Members: []string{member.Pub.Hex()},
		Admins:  []string{member.Pub.Hex()},
		Relays:  []string{"wss://group"},
	})
	require.ErrorIs(t, err, ErrInvalidMembership)
}

func TestCreateGroupRetriesWelcomePublish(t *testing.T) {
	f := newFixture(t)
	member := f.addMember(t)
	f.relay.FailPublishes = 2

	_, err := f.manager.CreateGroup(context.Background(), &CreateGroupRequest{
		Name:    "dm",
		Members: []string{member.Pub.Hex()},
		Admins:  []string{f.account.Pubkey},
		Relays:  []string{"wss://group"},
	})
	require.Nil(t, err)
	require.Len(t, f.relay.PublishedEvents(), 1)
}

func TestCreateGroupFailsWhenRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	member := f.addMember(t)
	f.relay.FailPublishes = f.config.WelcomeRetryAttempts

	_, err := f.manager.CreateGroup(context.Background(), &CreateGroupRequest{
		Name:    "dm",
		Members: []string{member.Pub.Hex()},
		Admins:  []string{f.account.Pubkey},
		Relays:  []string{"wss://group"},
	})
	require.NotNil(t, err)
	require.Empty(t, f.manager.Groups())
}

func makeWelcomeRumor(t *testing.T, f *fixture, inviter ids.ID, members []ids.ID, kpEventID ids.ID) *event.Rumor {
	groupID := ids.NewID()
	metadata := mls.GroupMetadata{
		Name:           "plans",
		Admins:         []ids.ID{inviter},
		Relays:         []string{"wss://group"},
		NetworkGroupID: ids.NewID(),
	}
	welcome := f.primitive.MakeWelcome(groupID, metadata, members, kpEventID)
	r := &event.Rumor{
		Author:    inviter,
		CreatedAt: 1700000000,
		Kind:      event.KindWelcome,
		Tags:      []event.Tag{{"e", kpEventID.Hex()}},
		Content:   hex.EncodeToString(welcome),
	}
	r.ID = r.ComputeID()
	return r
}

func TestProcessWelcomeCreatesPendingInvite(t *testing.T) {
	f := newFixture(t)
	inviter := ids.NewID()
	self, err := ids.IDFromHex(f.account.Pubkey)
	require.Nil(t, err)

	outerID := ids.NewID()
	rumor := makeWelcomeRumor(t, f, inviter, []ids.ID{inviter, self}, ids.NewID())
	require.Nil(t, f.manager.ProcessWelcome(outerID, rumor))

	invites, err := f.manager.PendingInvites()
	require.Nil(t, err)
	require.Len(t, invites.Invites, 1)
	require.Empty(t, invites.Failures)
	require.Equal(t, "plans", invites.Invites[0].GroupName)
	require.Equal(t, inviter.Hex(), invites.Invites[0].Inviter)
	require.Equal(t, 2, invites.Invites[0].MemberCount)
	require.Equal(t, store.InviteStatePending, invites.Invites[0].State)
}

func TestProcessWelcomeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	inviter := ids.NewID()

	outerID := ids.NewID()
	rumor := makeWelcomeRumor(t, f, inviter, []ids.ID{inviter}, ids.NewID())
	require.Nil(t, f.manager.ProcessWelcome(outerID, rumor))
	require.Nil(t, f.manager.ProcessWelcome(outerID, rumor))

	invites, err := f.manager.PendingInvites()
	require.Nil(t, err)
	require.Len(t, invites.Invites, 1)
}

// duplicate welcomes for the same group under different outer events are
// both listed; the caller sees them as distinct invites
func TestProcessWelcomeKeepsDuplicateGroupInvites(t *testing.T) {
	f := newFixture(t)
	inviter := ids.NewID()

	rumor := makeWelcomeRumor(t, f, inviter, []ids.ID{inviter}, ids.NewID())
	require.Nil(t, f.manager.ProcessWelcome(ids.NewID(), rumor))
	require.Nil(t, f.manager.ProcessWelcome(ids.NewID(), rumor))

	invites, err := f.manager.PendingInvites()
	require.Nil(t, err)
	require.Len(t, invites.Invites, 2)
}

func TestProcessWelcomeRecordsPermanentFailure(t *testing.T) {
	f := newFixture(t)

	outerID := ids.NewID()
	rumor := &event.Rumor{
		Author:    ids.NewID(),
		CreatedAt: 1700000000,
		Kind:      event.KindWelcome,
		Content:   "not hex at all",
	}
	rumor.ID = rumor.ComputeID()
	require.Nil(t, f.manager.ProcessWelcome(outerID, rumor))

	invites, err := f.manager.PendingInvites()
	require.Nil(t, err)
	require.Empty(t, invites.Invites)
	require.Len(t, invites.Failures, 1)
	require.Equal(t, store.OutcomeFailed, invites.Failures[0].Outcome)

	// the failure is permanent: redelivery does not retry
	require.Nil(t, f.manager.ProcessWelcome(outerID, rumor))
	invites, err = f.manager.PendingInvites()
	require.Nil(t, err)
	require.Len(t, invites.Failures, 1)
}

func TestAcceptInviteJoinsGroup(t *testing.T) {
	f := newFixture(t)
	require.Nil(t, f.accounts.SetRelays(f.account.Pubkey, store.RelayRoleKeyPackage, []string{"wss://kp"}))

	inviter := ids.NewID()
	self, err := ids.IDFromHex(f.account.Pubkey)
	require.Nil(t, err)
	kpEventID := ids.NewID()

	outerID := ids.NewID()
	rumor := makeWelcomeRumor(t, f, inviter, []ids.ID{inviter, self}, kpEventID)
	require.Nil(t, f.manager.ProcessWelcome(outerID, rumor))

	g, err := f.manager.AcceptInvite(context.Background(), outerID)
	require.Nil(t, err)
	require.Equal(t, "plans", g.Name)
	require.Equal(t, store.GroupTypeDirectMessage, g.GroupType)

	// invite is accepted and cannot transition again
	_, err = f.manager.AcceptInvite(context.Background(), outerID)
	require.ErrorIs(t, err, ErrInviteNotPending)

	// the consumed key package was retired with a deletion event and exactly
	// one replacement was published
	deletions := 0
	replacements := 0
	for _, p := range f.relay.PublishedEvents() {
		switch p.Event.Kind {
		case event.KindDeletion:
			deletions++
			require.Equal(t, kpEventID.Hex(), p.Event.TagValue("e"))
		case event.KindKeyPackage:
			replacements++
		}
	}
	require.Equal(t, 1, deletions)
	require.Equal(t, 1, replacements)

	// membership recorded on the account
	groupIDs, err := f.accounts.Groups(f.account.Pubkey)
	require.Nil(t, err)
	require.Len(t, groupIDs, 1)
}

func TestDeclineInvite(t *testing.T) {
	f := newFixture(t)
	inviter := ids.NewID()

	outerID := ids.NewID()
	rumor := makeWelcomeRumor(t, f, inviter, []ids.ID{inviter}, ids.NewID())
	require.Nil(t, f.manager.ProcessWelcome(outerID, rumor))

	require.Nil(t, f.manager.DeclineInvite(outerID))
	require.ErrorIs(t, f.manager.DeclineInvite(outerID), ErrInviteNotPending)
	_, err := f.manager.AcceptInvite(context.Background(), outerID)
	require.ErrorIs(t, err, ErrInviteNotPending)

	invites, err := f.manager.PendingInvites()
	require.Nil(t, err)
	require.Empty(t, invites.Invites)
}

func TestRotateKeyAdvancesEpoch(t *testing.T) {
	f := newFixture(t)
	member := f.addMember(t)

	g, err := f.manager.CreateGroup(context.Background(), &CreateGroupRequest{
		Name:    "dm",
		Members: []string{member.Pub.Hex()},
		Admins:  []string{f.account.Pubkey},
		Relays:  []string{"wss://group"},
	})
	require.Nil(t, err)
	groupID := ids.ID(g.ID)

	require.Nil(t, f.manager.RotateKey(context.Background(), groupID))

	out, err := f.manager.Group(groupID)
	require.Nil(t, err)
	require.Equal(t, uint64(2), out.Epoch)

	// both the old and new epoch secrets are retained
	require.Nil(t, f.store.RunReadOnly("check", func() error {
		_, found, err := f.store.ExportSecret(g.ID, 1)
		require.Nil(t, err)
		require.True(t, found)
		_, found, err = f.store.ExportSecret(g.ID, 2)
		require.Nil(t, err)
		require.True(t, found)
		return nil
	}))
}
