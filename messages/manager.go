// Package messages implements the double-encrypted message pipeline: the send
// path (attachments, inner rumor, group ciphertext, outer seal, publish,
// transcript append) and the receive path (dedup, outer open, group decrypt,
// membership check, transcript append). Epoch-scoped export secrets are
// resolved through an in-memory cache backed by the store, and a secret is
// always persisted before its first use.
package messages

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/murmur-im/go-murmur/accounts"
	"github.com/murmur-im/go-murmur/blob"
	"github.com/murmur-im/go-murmur/clock"
	"github.com/murmur-im/go-murmur/config"
	"github.com/murmur-im/go-murmur/crypto"
	"github.com/murmur-im/go-murmur/event"
	"github.com/murmur-im/go-murmur/groups"
	"github.com/murmur-im/go-murmur/ids"
	"github.com/murmur-im/go-murmur/mls"
	"github.com/murmur-im/go-murmur/relay"
	"github.com/murmur-im/go-murmur/store"
	"go.uber.org/zap"
)

var (
	ErrAllAttachmentsFailed = errors.New("messages: all attachments failed to upload")
	ErrUndecryptable        = errors.New("messages: cannot decrypt ciphertext")
)

const secretCacheSize = 512

// An Attachment is a file to be encrypted and uploaded alongside a message.
type Attachment struct {
	Name     string
	MIMEType string
	Data     []byte
}

// An event indicating a message was appended to a group transcript.
type MessageUpdate struct {
	GroupID   ids.ID
	MessageID ids.ID
}

type secretKey struct {
	groupID ids.ID
	epoch   uint64
}

type Manager struct {
	config   *config.Config
	log      *zap.SugaredLogger
	store    *store.Store
	accounts *accounts.Manager
	groups   *groups.Manager
	relays   relay.Client
	mls      mls.Primitive
	blobs    blob.Store
	clock    clock.Clock
	updates  chan interface{}
	secrets  *lru.Cache[secretKey, []byte]
}

func NewManager(c *config.Config, s *store.Store, a *accounts.Manager, g *groups.Manager, r relay.Client, p mls.Primitive, b blob.Store, cl clock.Clock) (*Manager, error) {
	secrets, err := lru.New[secretKey, []byte](secretCacheSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		config:   c,
		log:      c.Logger("messages/manager"),
		store:    s,
		accounts: a,
		groups:   g,
		relays:   r,
		mls:      p,
		blobs:    b,
		clock:    cl,
		updates:  make(chan interface{}, 100),
		secrets:  secrets,
	}, nil
}

func (m *Manager) Updates() chan interface{} {
	return m.updates
}

// Send encrypts and publishes a chat message to a group, appending it to the
// local transcript. Attachments are encrypted and uploaded individually; a
// failed upload drops that attachment with a warning, but if every attachment
// fails the send is aborted.
func (m *Manager) Send(ctx context.Context, groupID ids.ID, content string, attachments []*Attachment) (*store.Message, error) {
	account, err := m.accounts.Active()
	if err != nil {
		return nil, err
	}
	keys, err := m.accounts.Keys(account.Pubkey)
	if err != nil {
		return nil, err
	}

	unlock := m.groups.LockGroup(groupID)
	defer unlock()

	g, err := m.groups.Group(groupID)
	if err != nil {
		return nil, err
	}
	secret, epoch, err := m.epochSecret(g)
	if err != nil {
		return nil, err
	}

	tags := make([]event.Tag, 0, len(attachments))
	if len(attachments) > 0 {
		uploaded := 0
		for _, a := range attachments {
			tag, err := m.uploadAttachment(ctx, secret, epoch, a)
			if err != nil {
				m.log.Warnf("dropping attachment %q: %v", a.Name, err)
				continue
			}
			tags = append(tags, tag)
			uploaded++
		}
		if uploaded == 0 {
			return nil, ErrAllAttachmentsFailed
		}
	}

	rumor := &event.Rumor{
		Author:    keys.Pub,
		CreatedAt: m.clock.CurrentTimeSec(),
		Kind:      event.KindChat,
		Tags:      tags,
		Content:   content,
	}
	rumorBytes, err := rumor.Serialize()
	if err != nil {
		return nil, err
	}

	ciphertext, err := m.mls.CreateMessage(groupID, rumorBytes)
	if err != nil {
		return nil, fmt.Errorf("messages: error creating group ciphertext: %w", err)
	}
	sealed, err := crypto.EncryptWithSecret(secret, ciphertext, nil)
	if err != nil {
		return nil, err
	}

	// the outer envelope is signed with a single-use key so relays cannot
	// link it to the sender
	outerKeys, err := event.GenerateKeys()
	if err != nil {
		return nil, err
	}
	outer := &event.Event{
		Author:    outerKeys.Pub,
		CreatedAt: rumor.CreatedAt,
		Kind:      event.KindGroupMessage,
		Tags:      []event.Tag{{event.TagGroup, ids.ID(g.NetworkID).Hex()}},
		Content:   base64.StdEncoding.EncodeToString(sealed),
	}
	if err := outer.Sign(outerKeys); err != nil {
		return nil, err
	}

	var relayURLs []string
	if err := m.store.RunReadOnly("getting group relays", func() error {
		var err error
		relayURLs, err = m.store.GroupRelays(g.ID)
		return err
	}); err != nil {
		return nil, err
	}
	pubCtx, cancel := context.WithTimeout(ctx, time.Duration(m.config.PublishTimeoutMs)*time.Millisecond)
	defer cancel()
	if err := m.relays.Publish(pubCtx, outer, relayURLs); err != nil {
		return nil, fmt.Errorf("messages: error publishing message: %w", err)
	}

	msg, err := m.appendTranscript(g, outer.ID, rumor)
	if err != nil {
		return nil, err
	}
	m.updates <- &MessageUpdate{GroupID: groupID, MessageID: rumor.ID}
	return msg, nil
}

// Receive handles an inbound group ciphertext event. It is idempotent on the
// outer event id. Ciphertexts the primitive reports as our own echoes are
// recorded as processed without touching the transcript; undecryptable,
// malformed and non-member ciphertexts are recorded as permanent failures.
// Events for groups we have not joined are skipped without a dedup record so
// they stay processable after a later join.
func (m *Manager) Receive(ev *event.Event) error {
	if ev.Kind != event.KindGroupMessage {
		return fmt.Errorf("messages: expected kind %d, got %d", event.KindGroupMessage, ev.Kind)
	}
	var seen bool
	if err := m.store.RunReadOnly(fmt.Sprintf("checking message %x", ev.ID), func() error {
		var err error
		seen, err = m.store.MessageProcessed(ev.ID[:])
		return err
	}); err != nil {
		return err
	}
	if seen {
		m.log.Debugf("skipping already-processed message %x", ev.ID)
		return nil
	}

	networkHex := ev.TagValue(event.TagGroup)
	networkID, err := ids.IDFromHex(networkHex)
	if err != nil {
		return m.failMessage(ev.ID, nil, fmt.Sprintf("malformed group tag %q", networkHex))
	}
	g, err := m.groups.GroupByNetworkID(networkID)
	if err != nil {
		// no dedup record: the group may be joined later, and the post-join
		// backfill must be able to reprocess this event
		m.log.Debugf("skipping message %x for unknown group %s", ev.ID, networkHex)
		return nil
	}
	groupID := ids.ID(g.ID)

	unlock := m.groups.LockGroup(groupID)
	defer unlock()

	sealed, err := base64.StdEncoding.DecodeString(ev.Content)
	if err != nil {
		return m.failMessage(ev.ID, nil, fmt.Sprintf("malformed content: %s", err))
	}
	ciphertext, err := m.openSealed(g, sealed)
	if err != nil {
		return m.failMessage(ev.ID, nil, err.Error())
	}

	plaintext, err := m.mls.ProcessMessage(groupID, ciphertext)
	if err != nil {
		if errors.Is(err, mls.ErrOwnMessage) {
			// our own echo from a relay; the transcript entry was made at
			// send time
			return m.markProcessed(ev.ID, nil, "own message")
		}
		return m.failMessage(ev.ID, nil, err.Error())
	}

	rumor, err := event.DeserializeRumor(plaintext)
	if err != nil {
		return m.failMessage(ev.ID, nil, err.Error())
	}

	members, err := m.mls.Members(groupID)
	if err != nil {
		return err
	}
	member := false
	for _, id := range members {
		if id == rumor.Author {
			member = true
			break
		}
	}
	if !member {
		return m.failMessage(ev.ID, rumor.ID[:], fmt.Sprintf("author %x is not a member", rumor.Author))
	}

	if _, err := m.appendTranscript(g, ev.ID, rumor); err != nil {
		return err
	}
	m.updates <- &MessageUpdate{GroupID: groupID, MessageID: rumor.ID}
	return nil
}

// Messages returns a group's transcript in causal-timestamp order.
func (m *Manager) Messages(groupID ids.ID) ([]*store.Message, error) {
	g, err := m.groups.Group(groupID)
	if err != nil {
		return nil, err
	}
	var out []*store.Message
	if err := m.store.RunReadOnly(fmt.Sprintf("getting messages for %x", groupID), func() error {
		out, err = m.store.GroupMessages(g.ID)
		return err
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// DownloadAttachment fetches an attachment by its metadata tag, verifies the
// ciphertext hash and decrypts it with the epoch secret named in the tag.
func (m *Manager) DownloadAttachment(ctx context.Context, groupID ids.ID, tag event.Tag) ([]byte, error) {
	if tag.Name() != event.TagAttachment || len(tag) < 5 {
		return nil, fmt.Errorf("messages: malformed attachment tag")
	}
	url := tag[1]
	hash, err := hex.DecodeString(tag[2])
	if err != nil {
		return nil, fmt.Errorf("messages: malformed attachment hash: %w", err)
	}
	nonce, err := hex.DecodeString(tag[3])
	if err != nil {
		return nil, fmt.Errorf("messages: malformed attachment nonce: %w", err)
	}
	epoch, err := strconv.ParseUint(tag[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("messages: malformed attachment epoch: %w", err)
	}

	g, err := m.groups.Group(groupID)
	if err != nil {
		return nil, err
	}
	secret, err := m.storedSecret(g.ID, epoch)
	if err != nil {
		return nil, err
	}

	enc, err := m.blobs.Download(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("messages: error downloading attachment: %w", err)
	}
	sum := sha256.Sum256(enc)
	if !bytes.Equal(sum[:], hash) {
		return nil, fmt.Errorf("messages: attachment hash mismatch")
	}
	return crypto.DecryptAttachment(secret, enc, nonce)
}

// epochSecret resolves the export secret for the group's current epoch:
// cache, then store, then a fresh derivation from the primitive. A freshly
// derived secret is persisted before it is returned, and a cached or stored
// epoch is never re-derived. Callers hold the group lock.
func (m *Manager) epochSecret(g *store.Group) ([]byte, uint64, error) {
	groupID := ids.ID(g.ID)
	if secret, ok := m.secrets.Get(secretKey{groupID, g.Epoch}); ok {
		return secret, g.Epoch, nil
	}

	var stored *store.ExportSecret
	var found bool
	if err := m.store.RunReadOnly(fmt.Sprintf("getting export secret for %x", groupID), func() error {
		var err error
		stored, found, err = m.store.ExportSecret(g.ID, g.Epoch)
		return err
	}); err != nil {
		return nil, 0, err
	}
	if found {
		m.secrets.Add(secretKey{groupID, g.Epoch}, stored.Secret)
		return stored.Secret, g.Epoch, nil
	}

	secretHex, epoch, err := m.mls.ExportSecret(groupID)
	if err != nil {
		return nil, 0, fmt.Errorf("messages: error exporting secret: %w", err)
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, 0, fmt.Errorf("messages: malformed export secret: %w", err)
	}
	if err := m.store.Run(fmt.Sprintf("storing export secret for %x", groupID), func() error {
		if err := m.store.PutExportSecret(&store.ExportSecret{GroupID: g.ID, Epoch: epoch, Secret: secret}); err != nil {
			return err
		}
		if epoch != g.Epoch {
			g.Epoch = epoch
			return m.store.UpsertGroup(g)
		}
		return nil
	}); err != nil {
		return nil, 0, err
	}
	m.secrets.Add(secretKey{groupID, epoch}, secret)
	return secret, epoch, nil
}

// storedSecret resolves a secret for a specific past epoch from cache or
// store only; it never derives fresh material.
func (m *Manager) storedSecret(groupID []byte, epoch uint64) ([]byte, error) {
	key := secretKey{ids.ID(groupID), epoch}
	if secret, ok := m.secrets.Get(key); ok {
		return secret, nil
	}
	var stored *store.ExportSecret
	var found bool
	if err := m.store.RunReadOnly(fmt.Sprintf("getting export secret for %x", groupID), func() error {
		var err error
		stored, found, err = m.store.ExportSecret(groupID, epoch)
		return err
	}); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: no secret for epoch %d", ErrUndecryptable, epoch)
	}
	m.secrets.Add(key, stored.Secret)
	return stored.Secret, nil
}

// openSealed tries the current epoch's secret, then a fresh derivation from
// the primitive for ciphertexts sealed after a rotation we haven't caught up
// with.
func (m *Manager) openSealed(g *store.Group, sealed []byte) ([]byte, error) {
	secret, _, err := m.epochSecret(g)
	if err != nil {
		return nil, err
	}
	if plaintext, err := crypto.DecryptWithSecret(secret, sealed, nil); err == nil {
		return plaintext, nil
	}

	secretHex, epoch, err := m.mls.ExportSecret(ids.ID(g.ID))
	if err != nil {
		return nil, fmt.Errorf("messages: error exporting secret: %w", err)
	}
	fresh, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("messages: malformed export secret: %w", err)
	}
	plaintext, err := crypto.DecryptWithSecret(fresh, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUndecryptable, err)
	}
	if err := m.store.Run(fmt.Sprintf("storing export secret for %x", g.ID), func() error {
		if err := m.store.PutExportSecret(&store.ExportSecret{GroupID: g.ID, Epoch: epoch, Secret: fresh}); err != nil {
			return err
		}
		if epoch != g.Epoch {
			g.Epoch = epoch
			return m.store.UpsertGroup(g)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	m.secrets.Add(secretKey{ids.ID(g.ID), epoch}, fresh)
	return plaintext, nil
}

func (m *Manager) uploadAttachment(ctx context.Context, secret []byte, epoch uint64, a *Attachment) (event.Tag, error) {
	enc, nonce, err := crypto.EncryptAttachment(secret, a.Data)
	if err != nil {
		return nil, err
	}
	res, err := m.blobs.Upload(ctx, enc)
	if err != nil {
		return nil, err
	}
	return event.Tag{
		event.TagAttachment,
		res.URL,
		hex.EncodeToString(res.Hash),
		hex.EncodeToString(nonce),
		strconv.FormatUint(epoch, 10),
		a.Name,
		a.MIMEType,
	}, nil
}

// appendTranscript writes the message row, advances the group's last-message
// pointer and records the outer event as processed, all in one transaction.
// Callers hold the group lock.
func (m *Manager) appendTranscript(g *store.Group, outerID ids.ID, rumor *event.Rumor) (*store.Message, error) {
	tagBytes, err := cbor.Marshal(rumor.Tags)
	if err != nil {
		return nil, err
	}
	msg := &store.Message{
		ID:        rumor.ID[:],
		OuterID:   outerID[:],
		GroupID:   g.ID,
		Author:    rumor.Author.Hex(),
		CreatedAt: rumor.CreatedAt,
		Kind:      rumor.Kind,
		Content:   rumor.Content,
		Tags:      tagBytes,
		Processed: true,
	}
	if err := m.store.Run(fmt.Sprintf("appending message %x", rumor.ID), func() error {
		if err := m.store.InsertMessage(msg); err != nil {
			return err
		}
		if rumor.CreatedAt >= g.LastMessageAt {
			g.LastMessageID = rumor.ID[:]
			g.LastMessageAt = rumor.CreatedAt
			if err := m.store.UpsertGroup(g); err != nil {
				return err
			}
		}
		return m.store.MarkMessageProcessed(&store.ProcessedEvent{
			EventID:     outerID[:],
			InnerID:     rumor.ID[:],
			Outcome:     store.OutcomeProcessed,
			ProcessedAt: m.clock.CurrentTimeSec(),
		})
	}); err != nil {
		return nil, err
	}
	return msg, nil
}

func (m *Manager) markProcessed(outerID ids.ID, innerID []byte, reason string) error {
	return m.store.Run(fmt.Sprintf("marking message %x processed", outerID), func() error {
		return m.store.MarkMessageProcessed(&store.ProcessedEvent{
			EventID:     outerID[:],
			InnerID:     innerID,
			Outcome:     store.OutcomeProcessed,
			Reason:      reason,
			ProcessedAt: m.clock.CurrentTimeSec(),
		})
	})
}

func (m *Manager) failMessage(outerID ids.ID, innerID []byte, reason string) error {
	m.log.Debugf("message %x failed: %s", outerID, reason)
	return m.store.Run(fmt.Sprintf("failing message %x", outerID), func() error {
		return m.store.MarkMessageProcessed(&store.ProcessedEvent{
			EventID:     outerID[:],
			InnerID:     innerID,
			Outcome:     store.OutcomeFailed,
			Reason:      reason,
			ProcessedAt: m.clock.CurrentTimeSec(),
		})
	})
}
