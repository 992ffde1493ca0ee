// Package groups manages the group lifecycle: creating groups, fanning out
// welcome invitations with retry, accepting and declining invites, and key
// rotation. Group records are cached in memory and written through to the
// store under the per-group lock.
package groups

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/murmur-im/go-murmur/accounts"
	"github.com/murmur-im/go-murmur/clock"
	"github.com/murmur-im/go-murmur/config"
	"github.com/murmur-im/go-murmur/event"
	"github.com/murmur-im/go-murmur/ids"
	"github.com/murmur-im/go-murmur/internal/locks"
	"github.com/murmur-im/go-murmur/keypackages"
	"github.com/murmur-im/go-murmur/mls"
	"github.com/murmur-im/go-murmur/relay"
	"github.com/murmur-im/go-murmur/store"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

var (
	ErrNoValidKeyPackage = errors.New("groups: no valid key package")
	ErrInviteNotPending  = errors.New("groups: invite is not pending")
	ErrUnknownGroup      = errors.New("groups: unknown group")
)

type CreateGroupRequest struct {
	Name        string
	Description string
	Members     []string
	Admins      []string
	Relays      []string
}

// An event indicating a change in a group.
type GroupUpdate struct {
	GroupID ids.ID
}

// An event indicating a change in an invite.
type InviteUpdate struct {
	EventID ids.ID
	State   int
}

// An event indicating an inbound welcome could not be processed.
type InviteFailed struct {
	EventID ids.ID
	Reason  string
}

// Pending invites alongside itemized processing failures.
type InvitesWithFailures struct {
	Invites  []*store.Invite
	Failures []*store.ProcessedEvent
}

type Manager struct {
	config      *config.Config
	log         *zap.SugaredLogger
	store       *store.Store
	accounts    *accounts.Manager
	keypackages *keypackages.Manager
	relays      relay.Client
	mls         mls.Primitive
	clock       clock.Clock
	locks       *locks.Locks
	updates     chan interface{}

	cacheLock sync.Mutex
	groups    map[ids.ID]*store.Group
	byNetwork map[ids.ID]ids.ID
}

func NewManager(c *config.Config, s *store.Store, a *accounts.Manager, kp *keypackages.Manager, r relay.Client, p mls.Primitive, cl clock.Clock, l *locks.Locks) (*Manager, error) {
	return &Manager{
		config:      c,
		log:         c.Logger("groups/manager"),
		store:       s,
		accounts:    a,
		keypackages: kp,
		relays:      r,
		mls:         p,
		clock:       cl,
		locks:       l,
		updates:     make(chan interface{}, 100),
		groups:      make(map[ids.ID]*store.Group),
		byNetwork:   make(map[ids.ID]ids.ID),
	}, nil
}

// Start loads the group cache.
func (m *Manager) Start() error {
	m.cacheLock.Lock()
	defer m.cacheLock.Unlock()
	return m.store.Run("loading groups", func() error {
		groups, err := m.store.Groups()
		if err != nil {
			return err
		}
		for _, g := range groups {
			id := ids.ID(g.ID)
			m.groups[id] = g
			m.byNetwork[ids.ID(g.NetworkID)] = id
		}
		return nil
	})
}

func (m *Manager) Updates() chan interface{} {
	return m.updates
}

// LockGroup serializes group-scoped operations. The returned function
// releases the lock.
func (m *Manager) LockGroup(id ids.ID) func() {
	return m.locks.Lock(id)
}

// Group returns the cached group record. Callers mutating it must hold the
// group lock and write the record through the store before releasing it.
func (m *Manager) Group(id ids.ID) (*store.Group, error) {
	m.cacheLock.Lock()
	defer m.cacheLock.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrUnknownGroup, id)
	}
	return g, nil
}

func (m *Manager) GroupByNetworkID(networkID ids.ID) (*store.Group, error) {
	m.cacheLock.Lock()
	defer m.cacheLock.Unlock()
	id, ok := m.byNetwork[networkID]
	if !ok {
		return nil, fmt.Errorf("%w: network id %x", ErrUnknownGroup, networkID)
	}
	return m.groups[id], nil
}

func (m *Manager) Groups() []*store.Group {
	m.cacheLock.Lock()
	defer m.cacheLock.Unlock()
	return maps.Values(m.groups)
}

// CreateGroup validates the membership proposal, resolves one valid key
// package per member, creates the group through the primitive, fans out
// gift-wrapped welcomes to every member's inbox relays with retry, and
// persists the group only after all fan-outs succeed. Already-published
// welcomes are not rolled back on failure; receivers dedup by outer event id.
func (m *Manager) CreateGroup(ctx context.Context, req *CreateGroupRequest) (*store.Group, error) {
	account, err := m.accounts.Active()
	if err != nil {
		return nil, err
	}
	creator := account.Pubkey

	if err := ValidateMembers(creator, req.Members, req.Admins); err != nil {
		return nil, err
	}

	creatorID, err := ids.IDFromHex(creator)
	if err != nil {
		return nil, err
	}
	memberIDs := make([]ids.ID, len(req.Members))
	for i, member := range req.Members {
		memberIDs[i], err = ids.IDFromHex(member)
		if err != nil {
			return nil, err
		}
	}
	adminIDs := make([]ids.ID, len(req.Admins))
	for i, admin := range req.Admins {
		adminIDs[i], err = ids.IDFromHex(admin)
		if err != nil {
			return nil, err
		}
	}

	// a single member without a valid key package aborts the whole creation
	kps := make([]*mls.KeyPackage, len(memberIDs))
	for i, member := range memberIDs {
		kp, err := m.keypackages.FetchValid(ctx, member)
		if err != nil {
			return nil, err
		}
		if kp == nil {
			return nil, fmt.Errorf("%w for member %x", ErrNoValidKeyPackage, member)
		}
		kps[i] = kp
	}

	res, err := m.mls.CreateGroup(req.Name, req.Description, kps, adminIDs, creatorID, req.Relays)
	if err != nil {
		return nil, fmt.Errorf("groups: error creating group: %w", err)
	}
	secretHex, epoch, err := m.mls.ExportSecret(res.GroupID)
	if err != nil {
		return nil, fmt.Errorf("groups: error exporting secret: %w", err)
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("groups: malformed export secret: %w", err)
	}

	welcomeHex := hex.EncodeToString(res.Welcome)
	now := m.clock.CurrentTimeSec()
	expiration := now + uint64(m.config.WelcomeValidityDays)*24*60*60

	for i, kp := range kps {
		member := memberIDs[i]
		inboxRelays := m.inboxRelays(ctx, member, res.Metadata.Relays)
		rumor := &event.Rumor{
			Author:    creatorID,
			CreatedAt: now,
			Kind:      event.KindWelcome,
			Tags: []event.Tag{
				{"e", kp.EventID.Hex()},
				append(event.Tag{event.TagRelays}, inboxRelays...),
			},
			Content: welcomeHex,
		}
		wrap, err := event.GiftWrap(rumor, member, kp.TransportKey, now, expiration, inboxRelays)
		if err != nil {
			return nil, err
		}
		b := backoff.WithMaxRetries(
			backoff.NewConstantBackOff(time.Duration(m.config.WelcomeRetryDelayMs)*time.Millisecond),
			uint64(m.config.WelcomeRetryAttempts-1))
		if err := backoff.Retry(func() error {
			return m.relays.Publish(ctx, wrap, inboxRelays)
		}, b); err != nil {
			return nil, fmt.Errorf("groups: error publishing welcome to %x: %w", member, err)
		}
		m.log.Debugf("published welcome to %x", member)
	}

	groupType := store.GroupTypeGroup
	if len(memberIDs)+1 == 2 {
		groupType = store.GroupTypeDirectMessage
	}
	g := &store.Group{
		ID:          res.GroupID[:],
		NetworkID:   res.Metadata.NetworkGroupID[:],
		Name:        res.Metadata.Name,
		Description: res.Metadata.Description,
		GroupType:   groupType,
		Epoch:       epoch,
	}

	unlock := m.locks.Lock(res.GroupID)
	defer unlock()
	if err := m.store.Run(fmt.Sprintf("creating group %x", res.GroupID), func() error {
		if err := m.store.UpsertGroup(g); err != nil {
			return err
		}
		if err := m.store.SetGroupAdmins(g.ID, req.Admins); err != nil {
			return err
		}
		if err := m.store.SetGroupRelays(g.ID, res.Metadata.Relays); err != nil {
			return err
		}
		if err := m.store.PutExportSecret(&store.ExportSecret{GroupID: g.ID, Epoch: epoch, Secret: secret}); err != nil {
			return err
		}
		return m.store.AddAccountGroup(creator, g.ID)
	}); err != nil {
		return nil, err
	}

	m.cacheGroup(g)
	m.updates <- &GroupUpdate{GroupID: res.GroupID}
	return g, nil
}

// ProcessWelcome handles an inbound welcome rumor. It is idempotent on the
// outer event id; preview failure is recorded permanently and never retried.
func (m *Manager) ProcessWelcome(outerID ids.ID, rumor *event.Rumor) error {
	var seen bool
	if err := m.store.RunReadOnly(fmt.Sprintf("checking invite %x", outerID), func() error {
		var err error
		seen, err = m.store.InviteProcessed(outerID[:])
		return err
	}); err != nil {
		return err
	}
	if seen {
		m.log.Debugf("skipping already-processed invite %x", outerID)
		return nil
	}

	welcome, err := hex.DecodeString(rumor.Content)
	if err != nil {
		return m.failInvite(outerID, fmt.Sprintf("malformed welcome payload: %s", err))
	}
	preview, err := m.mls.PreviewWelcome(welcome)
	if err != nil {
		return m.failInvite(outerID, err.Error())
	}

	kpEventID := preview.KeyPackageEventID
	if tagged := rumor.TagValue("e"); tagged != "" {
		if id, err := ids.IDFromHex(tagged); err == nil {
			kpEventID = id
		}
	}

	invite := &store.Invite{
		EventID:           outerID[:],
		GroupName:         preview.Metadata.Name,
		GroupDescription:  preview.Metadata.Description,
		Inviter:           rumor.Author.Hex(),
		MemberCount:       preview.MemberCount,
		State:             store.InviteStatePending,
		Welcome:           welcome,
		KeyPackageEventID: kpEventID[:],
		CreatedAt:         rumor.CreatedAt,
	}
	if err := m.store.Run(fmt.Sprintf("recording invite %x", outerID), func() error {
		if err := m.store.UpsertInvite(invite); err != nil {
			return err
		}
		return m.store.MarkInviteProcessed(&store.ProcessedEvent{
			EventID:     outerID[:],
			InnerID:     rumor.ID[:],
			Outcome:     store.OutcomeProcessed,
			ProcessedAt: m.clock.CurrentTimeSec(),
		})
	}); err != nil {
		return err
	}
	m.updates <- &InviteUpdate{EventID: outerID, State: store.InviteStatePending}
	return nil
}

// AcceptInvite joins the group from the invite's welcome, persists the new
// group, updates the account's membership list, refreshes subscriptions and
// retires the consumed key package with a 1:1 replacement.
func (m *Manager) AcceptInvite(ctx context.Context, inviteEventID ids.ID) (*store.Group, error) {
	account, err := m.accounts.Active()
	if err != nil {
		return nil, err
	}

	var invite *store.Invite
	if err := m.store.RunReadOnly(fmt.Sprintf("loading invite %x", inviteEventID), func() error {
		var err error
		invite, err = m.store.Invite(inviteEventID[:])
		return err
	}); err != nil {
		return nil, err
	}
	if invite.State != store.InviteStatePending {
		return nil, ErrInviteNotPending
	}

	join, err := m.mls.JoinFromWelcome(invite.Welcome)
	if err != nil {
		if err := m.store.Run(fmt.Sprintf("failing invite %x", inviteEventID), func() error {
			_, err := m.store.TransitionInvite(inviteEventID[:], store.InviteStateFailed)
			return err
		}); err != nil {
			return nil, err
		}
		m.updates <- &InviteFailed{EventID: inviteEventID, Reason: err.Error()}
		return nil, fmt.Errorf("groups: error joining from welcome: %w", err)
	}

	unlock := m.locks.Lock(join.GroupID)
	defer unlock()

	secretHex, epoch, err := m.mls.ExportSecret(join.GroupID)
	if err != nil {
		return nil, fmt.Errorf("groups: error exporting secret: %w", err)
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("groups: malformed export secret: %w", err)
	}

	groupType := store.GroupTypeGroup
	if len(join.Members) == 2 {
		groupType = store.GroupTypeDirectMessage
	}
	admins := make([]string, len(join.Metadata.Admins))
	for i, a := range join.Metadata.Admins {
		admins[i] = a.Hex()
	}
	g := &store.Group{
		ID:          join.GroupID[:],
		NetworkID:   join.Metadata.NetworkGroupID[:],
		Name:        join.Metadata.Name,
		Description: join.Metadata.Description,
		GroupType:   groupType,
		Epoch:       epoch,
	}

	if err := m.store.Run(fmt.Sprintf("accepting invite %x", inviteEventID), func() error {
		if err := m.store.UpsertGroup(g); err != nil {
			return err
		}
		if err := m.store.SetGroupAdmins(g.ID, admins); err != nil {
			return err
		}
		if err := m.store.SetGroupRelays(g.ID, join.Metadata.Relays); err != nil {
			return err
		}
		if err := m.store.PutExportSecret(&store.ExportSecret{GroupID: g.ID, Epoch: epoch, Secret: secret}); err != nil {
			return err
		}
		if err := m.store.AddAccountGroup(account.Pubkey, g.ID); err != nil {
			return err
		}
		ok, err := m.store.TransitionInvite(inviteEventID[:], store.InviteStateAccepted)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInviteNotPending
		}
		return nil
	}); err != nil {
		return nil, err
	}

	m.cacheGroup(g)
	m.refreshSubscriptions(join.Metadata.NetworkGroupID, join.Metadata.Relays)

	if len(invite.KeyPackageEventID) == 32 {
		kpEventID := ids.ID(invite.KeyPackageEventID)
		if err := m.keypackages.ConsumeAndReplace(ctx, account.Pubkey, kpEventID); err != nil {
			m.log.Warnf("error retiring consumed key package %x: %v", kpEventID, err)
		}
	}

	m.updates <- &InviteUpdate{EventID: inviteEventID, State: store.InviteStateAccepted}
	m.updates <- &GroupUpdate{GroupID: join.GroupID}
	return g, nil
}

// DeclineInvite transitions a pending invite to declined. Transitions are
// one-way; declining a non-pending invite fails with ErrInviteNotPending.
func (m *Manager) DeclineInvite(inviteEventID ids.ID) error {
	if err := m.store.Run(fmt.Sprintf("declining invite %x", inviteEventID), func() error {
		ok, err := m.store.TransitionInvite(inviteEventID[:], store.InviteStateDeclined)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInviteNotPending
		}
		return nil
	}); err != nil {
		return err
	}
	m.updates <- &InviteUpdate{EventID: inviteEventID, State: store.InviteStateDeclined}
	return nil
}

// PendingInvites returns all pending invites, including older duplicates for
// the same group, alongside itemized processing failures.
func (m *Manager) PendingInvites() (*InvitesWithFailures, error) {
	out := &InvitesWithFailures{}
	if err := m.store.RunReadOnly("getting pending invites", func() error {
		var err error
		out.Invites, err = m.store.PendingInvites()
		if err != nil {
			return err
		}
		out.Failures, err = m.store.FailedInvites()
		return err
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// RotateKey performs a self-initiated key update, advancing the epoch.
// Export secrets cached for older epochs stay valid for decrypting
// already-received messages but are never reused for new sends.
func (m *Manager) RotateKey(ctx context.Context, groupID ids.ID) error {
	unlock := m.locks.Lock(groupID)
	defer unlock()

	g, err := m.Group(groupID)
	if err != nil {
		return err
	}
	if err := m.mls.SelfUpdate(groupID); err != nil {
		return fmt.Errorf("groups: error rotating key for %x: %w", groupID, err)
	}
	secretHex, epoch, err := m.mls.ExportSecret(groupID)
	if err != nil {
		return fmt.Errorf("groups: error exporting secret: %w", err)
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return fmt.Errorf("groups: malformed export secret: %w", err)
	}

	g.Epoch = epoch
	if err := m.store.Run(fmt.Sprintf("rotating key for %x", groupID), func() error {
		if err := m.store.PutExportSecret(&store.ExportSecret{GroupID: g.ID, Epoch: epoch, Secret: secret}); err != nil {
			return err
		}
		return m.store.UpsertGroup(g)
	}); err != nil {
		return err
	}
	m.updates <- &GroupUpdate{GroupID: groupID}
	return nil
}

func (m *Manager) failInvite(outerID ids.ID, reason string) error {
	if err := m.store.Run(fmt.Sprintf("failing invite %x", outerID), func() error {
		return m.store.MarkInviteProcessed(&store.ProcessedEvent{
			EventID:     outerID[:],
			Outcome:     store.OutcomeFailed,
			Reason:      reason,
			ProcessedAt: m.clock.CurrentTimeSec(),
		})
	}); err != nil {
		return err
	}
	m.updates <- &InviteFailed{EventID: outerID, Reason: reason}
	return nil
}

func (m *Manager) cacheGroup(g *store.Group) {
	m.cacheLock.Lock()
	defer m.cacheLock.Unlock()
	id := ids.ID(g.ID)
	m.groups[id] = g
	m.byNetwork[ids.ID(g.NetworkID)] = id
}

// inboxRelays resolves a member's inbox relay list from their latest
// published relay-list event, falling back to the group's relay set.
func (m *Manager) inboxRelays(ctx context.Context, member ids.ID, fallback []string) []string {
	filters := []relay.Filter{{
		Authors: []ids.ID{member},
		Kinds:   []uint32{event.KindInboxRelays},
	}}
	fetched, err := m.relays.Fetch(ctx, filters, time.Duration(m.config.FetchTimeoutMs)*time.Millisecond)
	if err != nil {
		m.log.Debugf("error fetching inbox relays for %x: %v", member, err)
	}
	cached, err := m.relays.QueryLocal(filters)
	if err != nil {
		m.log.Debugf("error querying inbox relays for %x: %v", member, err)
	}

	var latest *event.Event
	for _, ev := range relay.Union(fetched, cached) {
		if latest == nil || ev.CreatedAt > latest.CreatedAt {
			latest = ev
		}
	}
	if latest == nil {
		return fallback
	}
	urls := make([]string, 0)
	for _, t := range latest.Tags {
		if t.Name() == "r" || t.Name() == "relay" {
			urls = append(urls, t.Value())
		}
	}
	if len(urls) == 0 {
		return fallback
	}
	return urls
}

// refreshSubscriptions starts fire-and-forget subscription and sync work for
// a newly joined group.
func (m *Manager) refreshSubscriptions(networkID ids.ID, relayURLs []string) {
	filter := relay.Filter{
		Kinds: []uint32{event.KindGroupMessage},
		Tags:  map[string][]string{event.TagGroup: {networkID.Hex()}},
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(m.config.FetchTimeoutMs)*time.Millisecond)
		defer cancel()
		if _, err := m.relays.Subscribe(ctx, []relay.Filter{filter}); err != nil {
			m.log.Warnf("error subscribing to group %x: %v", networkID, err)
		}
		if err := m.relays.Sync(ctx, filter, 0); err != nil {
			m.log.Warnf("error syncing group %x: %v", networkID, err)
		}
	}()
}
