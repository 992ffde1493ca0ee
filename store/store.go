// Package store persists the engine's durable records: accounts, groups,
// invites, messages, the processed-event dedup indices, the export-secret
// cache and local key-package references. All methods run inside a
// transaction opened by the caller through internal/db, so every mutation is
// flushed before the database lock is released.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/murmur-im/go-murmur/internal/db"
	"github.com/murmur-im/go-murmur/migration"
)

const (
	// invite states
	InviteStatePending  = 0
	InviteStateAccepted = 1
	InviteStateDeclined = 2
	InviteStateFailed   = 3

	// processed-event outcomes
	OutcomeProcessed = 0
	OutcomeFailed    = 1

	// group types
	GroupTypeDirectMessage = "dm"
	GroupTypeGroup         = "group"

	// account relay roles
	RelayRoleGeneral    = "general"
	RelayRoleInbox      = "inbox"
	RelayRoleKeyPackage = "key_package"
)

type Account struct {
	Pubkey     string `db:"pubkey"`
	Name       string `db:"name"`
	About      string `db:"about"`
	Picture    string `db:"picture"`
	Active     bool   `db:"active"`
	Onboarded  bool   `db:"onboarded"`
	LastSynced uint64 `db:"last_synced"`
}

type Group struct {
	ID            []byte `db:"id"`
	NetworkID     []byte `db:"network_id"`
	Name          string `db:"name"`
	Description   string `db:"description"`
	GroupType     string `db:"group_type"`
	Epoch         uint64 `db:"epoch"`
	LastMessageID []byte `db:"last_message_id"`
	LastMessageAt uint64 `db:"last_message_at"`
}

type Invite struct {
	EventID           []byte `db:"event_id"`
	GroupName         string `db:"group_name"`
	GroupDescription  string `db:"group_description"`
	Inviter           string `db:"inviter"`
	MemberCount       int    `db:"member_count"`
	State             int    `db:"state"`
	Welcome           []byte `db:"welcome"`
	KeyPackageEventID []byte `db:"key_package_event_id"`
	CreatedAt         uint64 `db:"created_at"`
}

type Message struct {
	ID        []byte `db:"id"`
	OuterID   []byte `db:"outer_id"`
	GroupID   []byte `db:"group_id"`
	Author    string `db:"author"`
	CreatedAt uint64 `db:"created_at"`
	Kind      uint32 `db:"kind"`
	Content   string `db:"content"`
	Tags      []byte `db:"tags"`
	Processed bool   `db:"processed"`
}

type ProcessedEvent struct {
	EventID     []byte `db:"event_id"`
	InnerID     []byte `db:"inner_id"`
	Outcome     int    `db:"outcome"`
	Reason      string `db:"reason"`
	ProcessedAt uint64 `db:"processed_at"`
}

type ExportSecret struct {
	GroupID []byte `db:"group_id"`
	Epoch   uint64 `db:"epoch"`
	Secret  []byte `db:"secret"`
}

type KeyPackageRef struct {
	EventID     []byte `db:"event_id"`
	Pubkey      string `db:"pubkey"`
	PublishedAt uint64 `db:"published_at"`
	Deleted     bool   `db:"deleted"`
}

type Store struct {
	*db.Database
}

func New(internalDB *db.Database) (*Store, error) {
	s := &Store{internalDB}

	if err := internalDB.MigrateNoLock("_store", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _accounts (
						pubkey TEXT PRIMARY KEY,
						name TEXT NOT NULL DEFAULT '',
						about TEXT NOT NULL DEFAULT '',
						picture TEXT NOT NULL DEFAULT '',
						active INTEGER NOT NULL DEFAULT 0,
						onboarded INTEGER NOT NULL DEFAULT 0,
						last_synced INTEGER NOT NULL DEFAULT 0
					);

					CREATE TABLE _account_relays (
						pubkey TEXT NOT NULL,
						role TEXT NOT NULL,
						url TEXT NOT NULL,
						PRIMARY KEY(pubkey, role, url),
						FOREIGN KEY(pubkey) REFERENCES _accounts(pubkey) ON DELETE CASCADE
					);

					CREATE TABLE _account_groups (
						pubkey TEXT NOT NULL,
						group_id BLOB NOT NULL,
						PRIMARY KEY(pubkey, group_id),
						FOREIGN KEY(pubkey) REFERENCES _accounts(pubkey) ON DELETE CASCADE
					);

					CREATE TABLE _groups (
						id BLOB PRIMARY KEY,
						network_id BLOB NOT NULL,
						name TEXT NOT NULL,
						description TEXT NOT NULL DEFAULT '',
						group_type TEXT NOT NULL,
						epoch INTEGER NOT NULL DEFAULT 0,
						last_message_id BLOB,
						last_message_at INTEGER NOT NULL DEFAULT 0
					);
					CREATE UNIQUE INDEX groups_network_id on _groups (network_id);

					CREATE TABLE _group_admins (
						group_id BLOB NOT NULL,
						pubkey TEXT NOT NULL,
						PRIMARY KEY(group_id, pubkey),
						FOREIGN KEY(group_id) REFERENCES _groups(id) ON DELETE CASCADE
					);

					CREATE TABLE _group_relays (
						group_id BLOB NOT NULL,
						url TEXT NOT NULL,
						PRIMARY KEY(group_id, url),
						FOREIGN KEY(group_id) REFERENCES _groups(id) ON DELETE CASCADE
					);

					CREATE TABLE _invites (
						event_id BLOB PRIMARY KEY,
						group_name TEXT NOT NULL DEFAULT '',
						group_description TEXT NOT NULL DEFAULT '',
						inviter TEXT NOT NULL,
						member_count INTEGER NOT NULL DEFAULT 0,
						state INTEGER NOT NULL DEFAULT 0,
						welcome BLOB NOT NULL,
						key_package_event_id BLOB,
						created_at INTEGER NOT NULL
					);
					CREATE INDEX invites_state on _invites (state);

					CREATE TABLE _messages (
						id BLOB PRIMARY KEY,
						outer_id BLOB NOT NULL,
						group_id BLOB NOT NULL,
						author TEXT NOT NULL,
						created_at INTEGER NOT NULL,
						kind INTEGER NOT NULL,
						content TEXT NOT NULL,
						tags BLOB,
						processed INTEGER NOT NULL DEFAULT 1,
						FOREIGN KEY(group_id) REFERENCES _groups(id) ON DELETE CASCADE
					);
					CREATE INDEX messages_group_created on _messages (group_id, created_at);

					CREATE TABLE _processed_invites (
						event_id BLOB PRIMARY KEY,
						inner_id BLOB,
						outcome INTEGER NOT NULL,
						reason TEXT NOT NULL DEFAULT '',
						processed_at INTEGER NOT NULL
					);

					CREATE TABLE _processed_messages (
						event_id BLOB PRIMARY KEY,
						inner_id BLOB,
						outcome INTEGER NOT NULL,
						reason TEXT NOT NULL DEFAULT '',
						processed_at INTEGER NOT NULL
					);

					CREATE TABLE _export_secrets (
						group_id BLOB NOT NULL,
						epoch INTEGER NOT NULL,
						secret BLOB NOT NULL,
						PRIMARY KEY(group_id, epoch)
					);

					CREATE TABLE _key_package_refs (
						event_id BLOB PRIMARY KEY,
						pubkey TEXT NOT NULL,
						published_at INTEGER NOT NULL,
						deleted INTEGER NOT NULL DEFAULT 0
					);
					CREATE INDEX key_package_refs_pubkey on _key_package_refs (pubkey, deleted);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return s, nil
}

// accounts

func (s *Store) UpsertAccount(a *Account) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _accounts (pubkey, name, about, picture, active, onboarded, last_synced) VALUES (:pubkey, :name, :about, :picture, :active, :onboarded, :last_synced) ON CONFLICT(pubkey) DO UPDATE SET name = :name, about = :about, picture = :picture, active = :active, onboarded = :onboarded, last_synced = :last_synced", a); err != nil {
		return fmt.Errorf("store: error upserting account: %w", err)
	}
	return nil
}

func (s *Store) Account(pubkey string) (*Account, error) {
	a := &Account{}
	if err := s.Tx.Get(a, "SELECT * FROM _accounts WHERE pubkey = $1", pubkey); err != nil {
		return nil, fmt.Errorf("store: error getting account: %w", err)
	}
	return a, nil
}

func (s *Store) Accounts() ([]*Account, error) {
	accounts := make([]*Account, 0)
	if err := s.Tx.Select(&accounts, "SELECT * FROM _accounts ORDER BY pubkey"); err != nil {
		return nil, fmt.Errorf("store: error getting accounts: %w", err)
	}
	return accounts, nil
}

// ActiveAccount returns the active account or (nil, nil) if none exists.
func (s *Store) ActiveAccount() (*Account, error) {
	a := &Account{}
	if err := s.Tx.Get(a, "SELECT * FROM _accounts WHERE active = 1"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting active account: %w", err)
	}
	return a, nil
}

func (s *Store) SetActiveAccount(pubkey string) error {
	if _, err := s.Tx.Exec("UPDATE _accounts SET active = 0 WHERE active = 1"); err != nil {
		return fmt.Errorf("store: error clearing active account: %w", err)
	}
	res, err := s.Tx.Exec("UPDATE _accounts SET active = 1 WHERE pubkey = $1", pubkey)
	if err != nil {
		return fmt.Errorf("store: error setting active account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("store: no account for pubkey %s", pubkey)
	}
	return nil
}

func (s *Store) DeleteAccount(pubkey string) error {
	if _, err := s.Tx.Exec("DELETE FROM _accounts WHERE pubkey = $1", pubkey); err != nil {
		return fmt.Errorf("store: error deleting account: %w", err)
	}
	return nil
}

func (s *Store) SetAccountRelays(pubkey, role string, urls []string) error {
	if _, err := s.Tx.Exec("DELETE FROM _account_relays WHERE pubkey = $1 AND role = $2", pubkey, role); err != nil {
		return fmt.Errorf("store: error clearing account relays: %w", err)
	}
	for _, u := range urls {
		if _, err := s.Tx.Exec("INSERT INTO _account_relays (pubkey, role, url) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING", pubkey, role, u); err != nil {
			return fmt.Errorf("store: error inserting account relay: %w", err)
		}
	}
	return nil
}

func (s *Store) AccountRelays(pubkey, role string) ([]string, error) {
	urls := make([]string, 0)
	if err := s.Tx.Select(&urls, "SELECT url FROM _account_relays WHERE pubkey = $1 AND role = $2 ORDER BY url", pubkey, role); err != nil {
		return nil, fmt.Errorf("store: error getting account relays: %w", err)
	}
	return urls, nil
}

func (s *Store) AddAccountGroup(pubkey string, groupID []byte) error {
	if _, err := s.Tx.Exec("INSERT INTO _account_groups (pubkey, group_id) VALUES ($1, $2) ON CONFLICT DO NOTHING", pubkey, groupID); err != nil {
		return fmt.Errorf("store: error adding account group: %w", err)
	}
	return nil
}

func (s *Store) AccountGroups(pubkey string) ([][]byte, error) {
	groupIDs := make([][]byte, 0)
	if err := s.Tx.Select(&groupIDs, "SELECT group_id FROM _account_groups WHERE pubkey = $1", pubkey); err != nil {
		return nil, fmt.Errorf("store: error getting account groups: %w", err)
	}
	return groupIDs, nil
}

// groups

func (s *Store) UpsertGroup(g *Group) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _groups (id, network_id, name, description, group_type, epoch, last_message_id, last_message_at) VALUES (:id, :network_id, :name, :description, :group_type, :epoch, :last_message_id, :last_message_at) ON CONFLICT(id) DO UPDATE SET network_id = :network_id, name = :name, description = :description, epoch = :epoch, last_message_id = :last_message_id, last_message_at = :last_message_at", g); err != nil {
		return fmt.Errorf("store: error upserting group: %w", err)
	}
	return nil
}

func (s *Store) Group(id []byte) (*Group, error) {
	g := &Group{}
	if err := s.Tx.Get(g, "SELECT * FROM _groups WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("store: error getting group: %w", err)
	}
	return g, nil
}

func (s *Store) GroupByNetworkID(networkID []byte) (*Group, error) {
	g := &Group{}
	if err := s.Tx.Get(g, "SELECT * FROM _groups WHERE network_id = $1", networkID); err != nil {
		return nil, fmt.Errorf("store: error getting group by network id: %w", err)
	}
	return g, nil
}

func (s *Store) Groups() ([]*Group, error) {
	groups := make([]*Group, 0)
	if err := s.Tx.Select(&groups, "SELECT * FROM _groups ORDER BY name"); err != nil {
		return nil, fmt.Errorf("store: error getting groups: %w", err)
	}
	return groups, nil
}

func (s *Store) SetGroupAdmins(groupID []byte, admins []string) error {
	if _, err := s.Tx.Exec("DELETE FROM _group_admins WHERE group_id = $1", groupID); err != nil {
		return fmt.Errorf("store: error clearing group admins: %w", err)
	}
	for _, a := range admins {
		if _, err := s.Tx.Exec("INSERT INTO _group_admins (group_id, pubkey) VALUES ($1, $2) ON CONFLICT DO NOTHING", groupID, a); err != nil {
			return fmt.Errorf("store: error inserting group admin: %w", err)
		}
	}
	return nil
}

func (s *Store) GroupAdmins(groupID []byte) ([]string, error) {
	admins := make([]string, 0)
	if err := s.Tx.Select(&admins, "SELECT pubkey FROM _group_admins WHERE group_id = $1 ORDER BY pubkey", groupID); err != nil {
		return nil, fmt.Errorf("store: error getting group admins: %w", err)
	}
	return admins, nil
}

func (s *Store) SetGroupRelays(groupID []byte, urls []string) error {
	if _, err := s.Tx.Exec("DELETE FROM _group_relays WHERE group_id = $1", groupID); err != nil {
		return fmt.Errorf("store: error clearing group relays: %w", err)
	}
	for _, u := range urls {
		if _, err := s.Tx.Exec("INSERT INTO _group_relays (group_id, url) VALUES ($1, $2) ON CONFLICT DO NOTHING", groupID, u); err != nil {
			return fmt.Errorf("store: error inserting group relay: %w", err)
		}
	}
	return nil
}

func (s *Store) GroupRelays(groupID []byte) ([]string, error) {
	urls := make([]string, 0)
	if err := s.Tx.Select(&urls, "SELECT url FROM _group_relays WHERE group_id = $1 ORDER BY url", groupID); err != nil {
		return nil, fmt.Errorf("store: error getting group relays: %w", err)
	}
	return urls, nil
}

// invites

func (s *Store) UpsertInvite(i *Invite) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _invites (event_id, group_name, group_description, inviter, member_count, state, welcome, key_package_event_id, created_at) VALUES (:event_id, :group_name, :group_description, :inviter, :member_count, :state, :welcome, :key_package_event_id, :created_at) ON CONFLICT(event_id) DO NOTHING", i); err != nil {
		return fmt.Errorf("store: error upserting invite: %w", err)
	}
	return nil
}

func (s *Store) Invite(eventID []byte) (*Invite, error) {
	i := &Invite{}
	if err := s.Tx.Get(i, "SELECT * FROM _invites WHERE event_id = $1", eventID); err != nil {
		return nil, fmt.Errorf("store: error getting invite: %w", err)
	}
	return i, nil
}

func (s *Store) PendingInvites() ([]*Invite, error) {
	invites := make([]*Invite, 0)
	if err := s.Tx.Select(&invites, "SELECT * FROM _invites WHERE state = $1 ORDER BY created_at", InviteStatePending); err != nil {
		return nil, fmt.Errorf("store: error getting pending invites: %w", err)
	}
	return invites, nil
}

// TransitionInvite moves an invite out of the pending state. It returns false
// if the invite was not pending; transitions are one-way.
func (s *Store) TransitionInvite(eventID []byte, state int) (bool, error) {
	res, err := s.Tx.Exec("UPDATE _invites SET state = $1 WHERE event_id = $2 AND state = $3", state, eventID, InviteStatePending)
	if err != nil {
		return false, fmt.Errorf("store: error transitioning invite: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// messages

func (s *Store) InsertMessage(m *Message) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _messages (id, outer_id, group_id, author, created_at, kind, content, tags, processed) VALUES (:id, :outer_id, :group_id, :author, :created_at, :kind, :content, :tags, :processed) ON CONFLICT(id) DO NOTHING", m); err != nil {
		return fmt.Errorf("store: error inserting message: %w", err)
	}
	return nil
}

func (s *Store) Message(id []byte) (*Message, error) {
	m := &Message{}
	if err := s.Tx.Get(m, "SELECT * FROM _messages WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("store: error getting message: %w", err)
	}
	return m, nil
}

func (s *Store) HasMessage(id []byte) (bool, error) {
	var count int
	if err := s.Tx.Get(&count, "SELECT count(*) FROM _messages WHERE id = $1", id); err != nil {
		return false, fmt.Errorf("store: error counting messages: %w", err)
	}
	return count != 0, nil
}

func (s *Store) GroupMessages(groupID []byte) ([]*Message, error) {
	messages := make([]*Message, 0)
	if err := s.Tx.Select(&messages, "SELECT * FROM _messages WHERE group_id = $1 ORDER BY created_at, id", groupID); err != nil {
		return nil, fmt.Errorf("store: error getting group messages: %w", err)
	}
	return messages, nil
}

// dedup indices

func (s *Store) MarkInviteProcessed(p *ProcessedEvent) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _processed_invites (event_id, inner_id, outcome, reason, processed_at) VALUES (:event_id, :inner_id, :outcome, :reason, :processed_at) ON CONFLICT(event_id) DO NOTHING", p); err != nil {
		return fmt.Errorf("store: error marking invite processed: %w", err)
	}
	return nil
}

func (s *Store) InviteProcessed(eventID []byte) (bool, error) {
	var count int
	if err := s.Tx.Get(&count, "SELECT count(*) FROM _processed_invites WHERE event_id = $1", eventID); err != nil {
		return false, fmt.Errorf("store: error checking processed invite: %w", err)
	}
	return count != 0, nil
}

func (s *Store) FailedInvites() ([]*ProcessedEvent, error) {
	failures := make([]*ProcessedEvent, 0)
	if err := s.Tx.Select(&failures, "SELECT * FROM _processed_invites WHERE outcome = $1 ORDER BY processed_at", OutcomeFailed); err != nil {
		return nil, fmt.Errorf("store: error getting failed invites: %w", err)
	}
	return failures, nil
}

func (s *Store) MarkMessageProcessed(p *ProcessedEvent) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _processed_messages (event_id, inner_id, outcome, reason, processed_at) VALUES (:event_id, :inner_id, :outcome, :reason, :processed_at) ON CONFLICT(event_id) DO NOTHING", p); err != nil {
		return fmt.Errorf("store: error marking message processed: %w", err)
	}
	return nil
}

func (s *Store) MessageProcessed(eventID []byte) (bool, error) {
	var count int
	if err := s.Tx.Get(&count, "SELECT count(*) FROM _processed_messages WHERE event_id = $1", eventID); err != nil {
		return false, fmt.Errorf("store: error checking processed message: %w", err)
	}
	return count != 0, nil
}

// export secrets

func (s *Store) ExportSecret(groupID []byte, epoch uint64) (*ExportSecret, bool, error) {
	es := &ExportSecret{}
	if err := s.Tx.Get(es, "SELECT * FROM _export_secrets WHERE group_id = $1 AND epoch = $2", groupID, epoch); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: error getting export secret: %w", err)
	}
	return es, true, nil
}

// PutExportSecret stores secret material for (group, epoch). An existing
// entry is never overwritten.
func (s *Store) PutExportSecret(es *ExportSecret) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _export_secrets (group_id, epoch, secret) VALUES (:group_id, :epoch, :secret) ON CONFLICT(group_id, epoch) DO NOTHING", es); err != nil {
		return fmt.Errorf("store: error putting export secret: %w", err)
	}
	return nil
}

// key package refs

func (s *Store) InsertKeyPackageRef(r *KeyPackageRef) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _key_package_refs (event_id, pubkey, published_at, deleted) VALUES (:event_id, :pubkey, :published_at, :deleted) ON CONFLICT(event_id) DO NOTHING", r); err != nil {
		return fmt.Errorf("store: error inserting key package ref: %w", err)
	}
	return nil
}

func (s *Store) KeyPackageRefs(pubkey string) ([]*KeyPackageRef, error) {
	refs := make([]*KeyPackageRef, 0)
	if err := s.Tx.Select(&refs, "SELECT * FROM _key_package_refs WHERE pubkey = $1 AND deleted = 0 ORDER BY published_at", pubkey); err != nil {
		return nil, fmt.Errorf("store: error getting key package refs: %w", err)
	}
	return refs, nil
}

// RetireKeyPackageRef records retirement of a key package event id. It
// returns true only for the first call per event id, which keeps retirement
// exactly-once under redelivery, whether or not the ref was recorded at
// publish time.
func (s *Store) RetireKeyPackageRef(eventID []byte, pubkey string, retiredAt uint64) (bool, error) {
	res, err := s.Tx.Exec("INSERT INTO _key_package_refs (event_id, pubkey, published_at, deleted) VALUES ($1, $2, $3, 1) ON CONFLICT(event_id) DO UPDATE SET deleted = 1 WHERE deleted = 0", eventID, pubkey, retiredAt)
	if err != nil {
		return false, fmt.Errorf("store: error retiring key package ref: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
