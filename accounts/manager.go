// Package accounts manages local identities: creation on login, enrichment
// from contact events, relay lists by role, group membership lists, and the
// active-account pointer. At most one account is active at a time, and exactly
// one is active whenever any account exists.
package accounts

import (
	crypto_rand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/murmur-im/go-murmur/clock"
	"github.com/murmur-im/go-murmur/config"
	"github.com/murmur-im/go-murmur/event"
	"github.com/murmur-im/go-murmur/store"
	"github.com/murmur-im/go-murmur/vault"
	"go.uber.org/zap"
)

var ErrNoActiveAccount = errors.New("accounts: no active account")

// contactKind classifies the enrichment events an account can learn from.
type contactKind int

const (
	contactMetadata contactKind = iota
	contactRelayList
	contactInboxRelayList
	contactKeyPackage
	contactKeyPackageRelayList
	contactOther
)

func classifyContactEvent(kind uint32) contactKind {
	switch kind {
	case event.KindMetadata:
		return contactMetadata
	case event.KindRelayList:
		return contactRelayList
	case event.KindInboxRelays:
		return contactInboxRelayList
	case event.KindKeyPackage:
		return contactKeyPackage
	case event.KindKeyPackageRelays:
		return contactKeyPackageRelayList
	default:
		return contactOther
	}
}

type metadataContent struct {
	Name    string `json:"name"`
	About   string `json:"about"`
	Picture string `json:"picture"`
}

type Manager struct {
	config *config.Config
	log    *zap.SugaredLogger
	store  *store.Store
	vault  vault.Vault
	clock  clock.Clock

	lock     sync.Mutex
	accounts map[string]*store.Account
}

func NewManager(c *config.Config, s *store.Store, v vault.Vault, cl clock.Clock) (*Manager, error) {
	return &Manager{
		config:   c,
		log:      c.Logger("accounts/manager"),
		store:    s,
		vault:    v,
		clock:    cl,
		accounts: make(map[string]*store.Account),
	}, nil
}

// Start loads the account cache.
func (m *Manager) Start() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.store.Run("loading accounts", func() error {
		accounts, err := m.store.Accounts()
		if err != nil {
			return err
		}
		for _, a := range accounts {
			m.accounts[a.Pubkey] = a
		}
		return nil
	})
}

// Login creates an account from a 32-byte identity seed, or generates a fresh
// identity when seed is nil. The account becomes active.
func (m *Manager) Login(seed []byte) (*store.Account, error) {
	var keys *event.Keys
	var err error
	if seed == nil {
		keys, err = event.GenerateKeys()
	} else {
		keys, err = event.KeysFromSeed(seed)
	}
	if err != nil {
		return nil, err
	}
	pubkey := keys.Pub.Hex()

	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.accounts[pubkey]; !ok {
		if err := m.vault.Store(identityKey(pubkey), keys.Seed()); err != nil {
			return nil, fmt.Errorf("accounts: error storing identity: %w", err)
		}
		transportPub, transportPriv, err := box.GenerateKey(crypto_rand.Reader)
		if err != nil {
			return nil, err
		}
		if err := m.vault.Store(transportKey(pubkey), transportPriv[:]); err != nil {
			return nil, fmt.Errorf("accounts: error storing transport key: %w", err)
		}
		if err := m.vault.Store(transportPubKey(pubkey), transportPub[:]); err != nil {
			return nil, fmt.Errorf("accounts: error storing transport public key: %w", err)
		}
	}

	account := &store.Account{Pubkey: pubkey, Active: true, LastSynced: 0}
	if existing, ok := m.accounts[pubkey]; ok {
		account = existing
		account.Active = true
	}

	if err := m.store.Run(fmt.Sprintf("logging in %s", pubkey), func() error {
		if err := m.store.UpsertAccount(account); err != nil {
			return err
		}
		return m.store.SetActiveAccount(pubkey)
	}); err != nil {
		return nil, err
	}

	for _, a := range m.accounts {
		a.Active = false
	}
	m.accounts[pubkey] = account
	account.Active = true
	m.log.Debugf("logged in %s", pubkey)
	return account, nil
}

// Logout removes an account and its key material. If the removed account was
// active, another account becomes active, so exactly one account stays active
// whenever any account exists.
func (m *Manager) Logout(pubkey string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	account, ok := m.accounts[pubkey]
	if !ok {
		return fmt.Errorf("accounts: no account for pubkey %s", pubkey)
	}

	var successor string
	for p := range m.accounts {
		if p != pubkey {
			successor = p
			break
		}
	}

	if err := m.store.Run(fmt.Sprintf("logging out %s", pubkey), func() error {
		if err := m.store.DeleteAccount(pubkey); err != nil {
			return err
		}
		if successor != "" && account.Active {
			return m.store.SetActiveAccount(successor)
		}
		return nil
	}); err != nil {
		return err
	}

	delete(m.accounts, pubkey)
	if successor != "" && account.Active {
		m.accounts[successor].Active = true
	}

	if err := m.vault.Delete(identityKey(pubkey)); err != nil && !errors.Is(err, vault.ErrNotFound) {
		return err
	}
	if err := m.vault.Delete(transportKey(pubkey)); err != nil && !errors.Is(err, vault.ErrNotFound) {
		return err
	}
	if err := m.vault.Delete(transportPubKey(pubkey)); err != nil && !errors.Is(err, vault.ErrNotFound) {
		return err
	}
	return nil
}

// Active returns the active account, or ErrNoActiveAccount.
func (m *Manager) Active() (*store.Account, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, a := range m.accounts {
		if a.Active {
			return a, nil
		}
	}
	return nil, ErrNoActiveAccount
}

func (m *Manager) Accounts() []*store.Account {
	m.lock.Lock()
	defer m.lock.Unlock()
	out := make([]*store.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	return out
}

// Keys returns the signing keys for an account from the vault.
func (m *Manager) Keys(pubkey string) (*event.Keys, error) {
	seed, err := m.vault.Get(identityKey(pubkey))
	if err != nil {
		return nil, fmt.Errorf("accounts: error getting identity for %s: %w", pubkey, err)
	}
	return event.KeysFromSeed(seed)
}

func (m *Manager) TransportPriv(pubkey string) (nacl.Key, error) {
	priv, err := m.vault.Get(transportKey(pubkey))
	if err != nil {
		return nil, fmt.Errorf("accounts: error getting transport key for %s: %w", pubkey, err)
	}
	return nacl.Key(priv), nil
}

func (m *Manager) TransportPub(pubkey string) ([]byte, error) {
	pub, err := m.vault.Get(transportPubKey(pubkey))
	if err != nil {
		return nil, fmt.Errorf("accounts: error getting transport public key for %s: %w", pubkey, err)
	}
	return pub, nil
}

func (m *Manager) SetRelays(pubkey, role string, urls []string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.store.Run(fmt.Sprintf("setting %s relays for %s", role, pubkey), func() error {
		return m.store.SetAccountRelays(pubkey, role, urls)
	})
}

func (m *Manager) Relays(pubkey, role string) ([]string, error) {
	var urls []string
	if err := m.store.RunReadOnly(fmt.Sprintf("getting %s relays for %s", role, pubkey), func() error {
		var err error
		urls, err = m.store.AccountRelays(pubkey, role)
		return err
	}); err != nil {
		return nil, err
	}
	return urls, nil
}

// AddGroup records group membership on the account.
func (m *Manager) AddGroup(pubkey string, groupID []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.store.Run(fmt.Sprintf("adding group to %s", pubkey), func() error {
		return m.store.AddAccountGroup(pubkey, groupID)
	})
}

func (m *Manager) Groups(pubkey string) ([][]byte, error) {
	var groupIDs [][]byte
	if err := m.store.RunReadOnly(fmt.Sprintf("getting groups for %s", pubkey), func() error {
		var err error
		groupIDs, err = m.store.AccountGroups(pubkey)
		return err
	}); err != nil {
		return nil, err
	}
	return groupIDs, nil
}

// ProcessContactEvent enriches an account from one of its published events.
func (m *Manager) ProcessContactEvent(ev *event.Event) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	pubkey := ev.Author.Hex()
	account, ok := m.accounts[pubkey]
	if !ok {
		m.log.Debugf("ignoring contact event for unknown account %s", pubkey)
		return nil
	}

	switch classifyContactEvent(ev.Kind) {
	case contactMetadata:
		md := metadataContent{}
		if err := json.Unmarshal([]byte(ev.Content), &md); err != nil {
			return fmt.Errorf("accounts: error decoding metadata content: %w", err)
		}
		account.Name = md.Name
		account.About = md.About
		account.Picture = md.Picture
		account.LastSynced = m.clock.CurrentTimeSec()
		return m.store.Run(fmt.Sprintf("enriching metadata for %s", pubkey), func() error {
			return m.store.UpsertAccount(account)
		})
	case contactRelayList:
		return m.setRelaysFromTags(account, store.RelayRoleGeneral, ev)
	case contactInboxRelayList:
		return m.setRelaysFromTags(account, store.RelayRoleInbox, ev)
	case contactKeyPackageRelayList:
		return m.setRelaysFromTags(account, store.RelayRoleKeyPackage, ev)
	case contactKeyPackage:
		// key packages are consumed by the keypackages manager, not here
		return nil
	case contactOther:
		m.log.Debugf("ignoring contact event kind %d for %s", ev.Kind, pubkey)
		return nil
	}
	return nil
}

// MarkSynced records a completed enrichment pass.
func (m *Manager) MarkSynced(pubkey string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	account, ok := m.accounts[pubkey]
	if !ok {
		return fmt.Errorf("accounts: no account for pubkey %s", pubkey)
	}
	account.LastSynced = m.clock.CurrentTimeSec()
	return m.store.Run(fmt.Sprintf("marking %s synced", pubkey), func() error {
		return m.store.UpsertAccount(account)
	})
}

func (m *Manager) SetOnboarded(pubkey string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	account, ok := m.accounts[pubkey]
	if !ok {
		return fmt.Errorf("accounts: no account for pubkey %s", pubkey)
	}
	account.Onboarded = true
	return m.store.Run(fmt.Sprintf("marking %s onboarded", pubkey), func() error {
		return m.store.UpsertAccount(account)
	})
}

func (m *Manager) setRelaysFromTags(account *store.Account, role string, ev *event.Event) error {
	urls := make([]string, 0)
	for _, t := range ev.Tags {
		if t.Name() == "r" || t.Name() == "relay" {
			urls = append(urls, t.Value())
		}
	}
	account.LastSynced = m.clock.CurrentTimeSec()
	return m.store.Run(fmt.Sprintf("setting %s relays for %s", role, account.Pubkey), func() error {
		if err := m.store.SetAccountRelays(account.Pubkey, role, urls); err != nil {
			return err
		}
		return m.store.UpsertAccount(account)
	})
}

func identityKey(pubkey string) string {
	return fmt.Sprintf("identity/%s", pubkey)
}

func transportKey(pubkey string) string {
	return fmt.Sprintf("transport/%s", pubkey)
}

func transportPubKey(pubkey string) string {
	return fmt.Sprintf("transport-pub/%s", pubkey)
}
