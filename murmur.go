// This package provides a high-level interface to the murmur messaging
// engine. It wires the encrypted database, the durable store and the manager
// subsystems to the collaborators supplied by the embedding application (the
// relay client, the group-key-agreement primitive, the vault and the blob
// store), and exposes the account, group, invite and message operations.
package murmur

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/murmur-im/go-murmur/accounts"
	"github.com/murmur-im/go-murmur/blob"
	"github.com/murmur-im/go-murmur/clock"
	"github.com/murmur-im/go-murmur/config"
	"github.com/murmur-im/go-murmur/event"
	"github.com/murmur-im/go-murmur/groups"
	"github.com/murmur-im/go-murmur/ids"
	"github.com/murmur-im/go-murmur/internal/db"
	"github.com/murmur-im/go-murmur/internal/locks"
	"github.com/murmur-im/go-murmur/keypackages"
	"github.com/murmur-im/go-murmur/messages"
	"github.com/murmur-im/go-murmur/mls"
	"github.com/murmur-im/go-murmur/processor"
	"github.com/murmur-im/go-murmur/relay"
	"github.com/murmur-im/go-murmur/store"
	"github.com/murmur-im/go-murmur/vault"
	"go.uber.org/zap"
)

// Constants for application state.
const (
	StateNew = iota
	StateInitialized
	StateRunning
)

// An event indicating a change in the state of the engine.
type AppState struct {
	State int
}

// Update types re-exported from the manager subsystems. Updates() produces
// pointers to these.
type (
	GroupUpdate   = groups.GroupUpdate
	InviteUpdate  = groups.InviteUpdate
	InviteFailed  = groups.InviteFailed
	MessageUpdate = messages.MessageUpdate
)

// Collaborators are the externally implemented services murmur drives: the
// relay client for the event transport, the group-key-agreement primitive,
// the vault for key material and the blob store for attachments.
type Collaborators struct {
	Relays    relay.Client
	Primitive mls.Primitive
	Vault     vault.Vault
	Blobs     blob.Store
}

type Murmur struct {
	DB *db.Database

	config        *config.Config
	log           *zap.SugaredLogger
	state         int
	clock         clock.Clock
	collaborators *Collaborators

	store       *store.Store
	accounts    *accounts.Manager
	keypackages *keypackages.Manager
	groups      *groups.Manager
	messages    *messages.Manager
	processor   *processor.Manager

	updates    chan interface{}
	runCtx     context.Context
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// Create a murmur instance.
func NewMurmur(c *config.Config, collaborators *Collaborators) (*Murmur, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making murmur, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Murmur{
		DB:            database,
		config:        c,
		log:           log,
		state:         state,
		clock:         clock.NewSystemClock(),
		collaborators: collaborators,
		updates:       make(chan interface{}, 100),
	}, nil
}

// Makes a key from a password.
func (m *Murmur) NewKey(password string) ([]byte, error) {
	return newKey(password, m.config.RootDir, "salt")
}

// Gets various updates which must be dealt with. This will produce
// *AppState, *GroupUpdate, *InviteUpdate, *InviteFailed or *MessageUpdate.
func (m *Murmur) Updates() chan interface{} {
	return m.updates
}

// Returns true if murmur is in NEW state.
func (m *Murmur) New() bool {
	return m.state == StateNew
}

// Returns true if murmur is in INITIALIZED state.
func (m *Murmur) Initialized() bool {
	return m.state == StateInitialized
}

// Returns true if murmur is in RUNNING state.
func (m *Murmur) Running() bool {
	return m.state == StateRunning
}

// Initialize murmur with a given key.
func (m *Murmur) Initialize(key []byte) error {
	if m.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := m.DB.Initialize(key); err != nil {
		return err
	}
	m.setState(StateInitialized)
	return m.Open(key)
}

// Open an existing murmur with a given key.
func (m *Murmur) Open(key []byte) error {
	if m.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}

	if err := m.DB.Open(key); err != nil {
		return err
	}

	if err := m.DB.Lock("initializing subsystems", func() error {
		s, err := store.New(m.DB)
		if err != nil {
			return err
		}
		m.store = s

		m.accounts, err = accounts.NewManager(m.config, s, m.collaborators.Vault, m.clock)
		if err != nil {
			return err
		}
		m.keypackages, err = keypackages.NewManager(m.config, s, m.accounts, m.collaborators.Relays, m.collaborators.Primitive, m.clock)
		if err != nil {
			return err
		}
		groupLocks := locks.New()
		m.groups, err = groups.NewManager(m.config, s, m.accounts, m.keypackages, m.collaborators.Relays, m.collaborators.Primitive, m.clock, groupLocks)
		if err != nil {
			return err
		}
		m.messages, err = messages.NewManager(m.config, s, m.accounts, m.groups, m.collaborators.Relays, m.collaborators.Primitive, m.collaborators.Blobs, m.clock)
		if err != nil {
			return err
		}
		m.processor, err = processor.NewManager(m.config, m.accounts, m.groups, m.messages)
		return err
	}); err != nil {
		return err
	}

	if err := m.accounts.Start(); err != nil {
		return err
	}
	if err := m.groups.Start(); err != nil {
		return err
	}
	if err := m.processor.Start(); err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	m.runCtx = ctx
	m.cancelFunc = cancelFunc
	m.setState(StateRunning)
	m.startUpdatePassing(ctx)
	m.startSubscriptions(ctx)
	return nil
}

// Gracefully stop a running murmur instance.
func (m *Murmur) Shutdown() error {
	if m.state != StateRunning {
		return nil
	}
	defer runtime.GC()

	errs := make([]string, 0)
	m.cancelFunc()
	m.finished.Wait()

	if err := m.processor.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := m.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	m.cancelFunc = nil
	m.processor = nil
	m.messages = nil
	m.groups = nil
	m.keypackages = nil
	m.accounts = nil
	m.store = nil

	m.setState(StateInitialized)

	close(m.updates)
	m.updates = make(chan interface{}, 100)
	return nil
}

// Login activates the account for the given identity seed, creating it on
// first use. A nil seed generates a fresh identity.
func (m *Murmur) Login(seed []byte) (*store.Account, error) {
	if m.state != StateRunning {
		return nil, fmt.Errorf("expected state %d, was %d", StateRunning, m.state)
	}
	account, err := m.accounts.Login(seed)
	if err != nil {
		return nil, err
	}
	m.startSubscriptions(m.runCtx)
	return account, nil
}

// Logout deactivates the account, activating the next remaining one if any.
func (m *Murmur) Logout(pubkey string) error {
	return m.accounts.Logout(pubkey)
}

// ActiveAccount returns the currently active account.
func (m *Murmur) ActiveAccount() (*store.Account, error) {
	return m.accounts.Active()
}

// SetRelays configures the active account's relay list for a role: general,
// inbox or key_package.
func (m *Murmur) SetRelays(role string, urls []string) error {
	account, err := m.accounts.Active()
	if err != nil {
		return err
	}
	return m.accounts.SetRelays(account.Pubkey, role, urls)
}

// PublishKeyPackage builds and publishes a fresh key package for the active
// account.
func (m *Murmur) PublishKeyPackage(ctx context.Context) (*event.Event, error) {
	account, err := m.accounts.Active()
	if err != nil {
		return nil, err
	}
	return m.keypackages.Publish(ctx, account.Pubkey)
}

// Create a new group.
func (m *Murmur) CreateGroup(ctx context.Context, req *groups.CreateGroupRequest) (*store.Group, error) {
	if m.state != StateRunning {
		return nil, fmt.Errorf("expected state %d, was %d", StateRunning, m.state)
	}
	return m.groups.CreateGroup(ctx, req)
}

// Get all groups.
func (m *Murmur) Groups() []*store.Group {
	return m.groups.Groups()
}

// Get a specific group.
func (m *Murmur) Group(groupID ids.ID) (*store.Group, error) {
	return m.groups.Group(groupID)
}

// PendingInvites returns all pending invites alongside itemized processing
// failures.
func (m *Murmur) PendingInvites() (*groups.InvitesWithFailures, error) {
	return m.groups.PendingInvites()
}

// AcceptInvite joins the group a pending invite points at.
func (m *Murmur) AcceptInvite(ctx context.Context, inviteEventID ids.ID) (*store.Group, error) {
	return m.groups.AcceptInvite(ctx, inviteEventID)
}

// DeclineInvite declines a pending invite.
func (m *Murmur) DeclineInvite(inviteEventID ids.ID) error {
	return m.groups.DeclineInvite(inviteEventID)
}

// RotateKey rotates the active account's key material in a group, advancing
// the epoch.
func (m *Murmur) RotateKey(ctx context.Context, groupID ids.ID) error {
	return m.groups.RotateKey(ctx, groupID)
}

// SendMessage encrypts and publishes a chat message to a group.
func (m *Murmur) SendMessage(ctx context.Context, groupID ids.ID, content string, attachments []*messages.Attachment) (*store.Message, error) {
	if m.state != StateRunning {
		return nil, fmt.Errorf("expected state %d, was %d", StateRunning, m.state)
	}
	return m.messages.Send(ctx, groupID, content, attachments)
}

// Messages returns a group's transcript.
func (m *Murmur) Messages(groupID ids.ID) ([]*store.Message, error) {
	return m.messages.Messages(groupID)
}

// DownloadAttachment fetches and decrypts an attachment by its metadata tag.
func (m *Murmur) DownloadAttachment(ctx context.Context, groupID ids.ID, tag event.Tag) ([]byte, error) {
	return m.messages.DownloadAttachment(ctx, groupID, tag)
}

// Process submits an inbound relay event to the event processor. It blocks
// when the queue is full.
func (m *Murmur) Process(ev *event.Event) error {
	if m.state != StateRunning {
		return fmt.Errorf("expected state %d, was %d", StateRunning, m.state)
	}
	return m.processor.Enqueue(ev)
}

func (m *Murmur) setState(state int) {
	m.state = state
	m.updates <- &AppState{state}
}

func (m *Murmur) startUpdatePassing(ctx context.Context) {
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-m.groups.Updates():
				m.log.Debugf("passing update: group %#v", e)
				m.updates <- e
			case e := <-m.messages.Updates():
				m.log.Debugf("passing update: message %#v", e)
				m.updates <- e
			}
		}
	}()
}

// startSubscriptions opens the standing subscription for envelopes addressed
// to the active account and for group ciphertexts, feeding the processor.
func (m *Murmur) startSubscriptions(ctx context.Context) {
	account, err := m.accounts.Active()
	if err != nil || account == nil {
		m.log.Debugf("no active account, skipping subscriptions")
		return
	}
	filters := []relay.Filter{
		{Kinds: []uint32{event.KindGiftWrap}, Tags: map[string][]string{event.TagRecipient: {account.Pubkey}}},
		{Kinds: []uint32{event.KindGroupMessage}},
	}
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		stream, err := m.collaborators.Relays.Subscribe(ctx, filters)
		if err != nil {
			m.log.Warnf("error subscribing: %v", err)
			return
		}
		m.processor.Attach(stream)
	}()
}
