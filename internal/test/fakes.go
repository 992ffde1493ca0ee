package test

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/murmur-im/go-murmur/blob"
	"github.com/murmur-im/go-murmur/event"
	"github.com/murmur-im/go-murmur/ids"
	"github.com/murmur-im/go-murmur/mls"
	"github.com/murmur-im/go-murmur/relay"
	"github.com/murmur-im/go-murmur/vault"
)

// PublishedEvent records one Publish call against a FakeRelay.
type PublishedEvent struct {
	Event  *event.Event
	Relays []string
}

// FakeRelay is an in-memory relay.Client. Fetch and QueryLocal serve from
// Events; Publish appends to Published and Events. The next FailPublishes
// Publish calls fail.
type FakeRelay struct {
	mu            sync.Mutex
	Events        []*event.Event
	Published     []*PublishedEvent
	FailPublishes int
	stream        chan *event.Event
}

func NewFakeRelay() *FakeRelay {
	return &FakeRelay{stream: make(chan *event.Event, 100)}
}

func (r *FakeRelay) AddEvent(ev *event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, ev)
}

func (r *FakeRelay) PublishedEvents() []*PublishedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PublishedEvent, len(r.Published))
	copy(out, r.Published)
	return out
}

func (r *FakeRelay) Fetch(_ context.Context, filters []relay.Filter, _ time.Duration) ([]*event.Event, error) {
	return r.QueryLocal(filters)
}

func (r *FakeRelay) QueryLocal(filters []relay.Filter) ([]*event.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*event.Event, 0)
	for _, ev := range r.Events {
		for _, f := range filters {
			if matches(f, ev) {
				out = append(out, ev)
				break
			}
		}
	}
	return out, nil
}

func (r *FakeRelay) Publish(_ context.Context, ev *event.Event, relays []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailPublishes > 0 {
		r.FailPublishes--
		return fmt.Errorf("test: publish refused")
	}
	r.Published = append(r.Published, &PublishedEvent{Event: ev, Relays: relays})
	r.Events = append(r.Events, ev)
	return nil
}

// Emit delivers an event on every open subscription stream.
func (r *FakeRelay) Emit(ev *event.Event) {
	r.stream <- ev
}

func (r *FakeRelay) Subscribe(ctx context.Context, _ []relay.Filter) (<-chan *event.Event, error) {
	out := make(chan *event.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-r.stream:
				select {
				case <-ctx.Done():
					return
				case out <- ev:
				}
			}
		}
	}()
	return out, nil
}

func (r *FakeRelay) Sync(_ context.Context, _ relay.Filter, _ uint64) error {
	return nil
}

func matches(f relay.Filter, ev *event.Event) bool {
	if len(f.IDs) > 0 && !containsID(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsID(f.Authors, ev.Author) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for name, values := range f.Tags {
		tagged := ev.TagValue(name)
		found := false
		for _, v := range values {
			if v == tagged {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != 0 && ev.CreatedAt < f.Since {
		return false
	}
	if f.Until != 0 && ev.CreatedAt > f.Until {
		return false
	}
	return true
}

func containsID(set []ids.ID, id ids.ID) bool {
	for _, s := range set {
		if s == id {
			return true
		}
	}
	return false
}

// FakeVault is an in-memory vault.Vault.
type FakeVault struct {
	mu sync.Mutex
	m  map[string][]byte
}

func NewFakeVault() *FakeVault {
	return &FakeVault{m: make(map[string][]byte)}
}

func (v *FakeVault) Store(id string, secret []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m[id] = secret
	return nil
}

func (v *FakeVault) Get(id string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	secret, ok := v.m[id]
	if !ok {
		return nil, vault.ErrNotFound
	}
	return secret, nil
}

func (v *FakeVault) Delete(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.m[id]; !ok {
		return vault.ErrNotFound
	}
	delete(v.m, id)
	return nil
}

// FakeBlob is an in-memory blob.Store addressing uploads as blob://<n>.
type FakeBlob struct {
	mu          sync.Mutex
	n           int
	m           map[string][]byte
	FailUploads int
}

func NewFakeBlob() *FakeBlob {
	return &FakeBlob{m: make(map[string][]byte)}
}

func (b *FakeBlob) Upload(_ context.Context, data []byte) (*blob.UploadResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailUploads > 0 {
		b.FailUploads--
		return nil, fmt.Errorf("test: upload refused")
	}
	b.n++
	url := fmt.Sprintf("blob://%d", b.n)
	b.m[url] = data
	sum := sha256.Sum256(data)
	return &blob.UploadResult{URL: url, Hash: sum[:], Size: uint64(len(data))}, nil
}

func (b *FakeBlob) Download(_ context.Context, url string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.m[url]
	if !ok {
		return nil, fmt.Errorf("test: no blob at %s", url)
	}
	return data, nil
}

type welcomeDoc struct {
	GroupID           ids.ID
	Metadata          mls.GroupMetadata
	Members           []ids.ID
	Epoch             uint64
	KeyPackageEventID ids.ID
}

type ciphertextDoc struct {
	Sender  ids.ID
	Payload []byte
}

type fakeGroup struct {
	metadata mls.GroupMetadata
	members  []ids.ID
	epoch    uint64
}

// FakePrimitive is an in-memory mls.Primitive. Welcomes and ciphertexts are
// JSON documents, export secrets are deterministic in (group, epoch), and
// ProcessMessage reports ErrOwnMessage for ciphertexts from Self.
type FakePrimitive struct {
	mu      sync.Mutex
	n       int
	Self    ids.ID
	groups  map[ids.ID]*fakeGroup
	Deleted [][]byte
}

func NewFakePrimitive(self ids.ID) *FakePrimitive {
	return &FakePrimitive{Self: self, groups: make(map[ids.ID]*fakeGroup)}
}

func (p *FakePrimitive) CreateKeyPackage(account ids.ID) (*mls.KeyPackage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	transportKey := make([]byte, 32)
	binary.BigEndian.PutUint64(transportKey, uint64(p.n))
	return &mls.KeyPackage{
		Author:       account,
		Ciphersuite:  mls.DefaultCiphersuite,
		Extensions:   mls.DefaultExtensions,
		TransportKey: transportKey,
		Data:         []byte(fmt.Sprintf("key-package-%d", p.n)),
	}, nil
}

func (p *FakePrimitive) DeleteKeyPackage(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Deleted = append(p.Deleted, data)
	return nil
}

func (p *FakePrimitive) CreateGroup(name, description string, memberKeyPackages []*mls.KeyPackage, admins []ids.ID, creator ids.ID, relays []string) (*mls.GroupResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	groupID := sha256.Sum256([]byte(fmt.Sprintf("group-%s-%d", name, p.n)))
	networkID := sha256.Sum256(groupID[:])
	members := []ids.ID{creator}
	var kpEventID ids.ID
	for i, kp := range memberKeyPackages {
		members = append(members, kp.Author)
		if i == 0 {
			kpEventID = kp.EventID
		}
	}
	metadata := mls.GroupMetadata{
		Name:           name,
		Description:    description,
		Admins:         admins,
		Relays:         relays,
		NetworkGroupID: networkID,
	}
	p.groups[groupID] = &fakeGroup{metadata: metadata, members: members, epoch: 1}
	welcome, err := json.Marshal(&welcomeDoc{
		GroupID:           groupID,
		Metadata:          metadata,
		Members:           members,
		Epoch:             1,
		KeyPackageEventID: kpEventID,
	})
	if err != nil {
		return nil, err
	}
	return &mls.GroupResult{GroupID: groupID, Welcome: welcome, Metadata: metadata}, nil
}

// MakeWelcome builds a welcome payload directly, for driving the receive side
// without a sending engine.
func (p *FakePrimitive) MakeWelcome(groupID ids.ID, metadata mls.GroupMetadata, members []ids.ID, kpEventID ids.ID) []byte {
	welcome, err := json.Marshal(&welcomeDoc{
		GroupID:           groupID,
		Metadata:          metadata,
		Members:           members,
		Epoch:             1,
		KeyPackageEventID: kpEventID,
	})
	if err != nil {
		panic(err)
	}
	return welcome
}

func (p *FakePrimitive) PreviewWelcome(welcome []byte) (*mls.Preview, error) {
	doc := &welcomeDoc{}
	if err := json.Unmarshal(welcome, doc); err != nil {
		return nil, fmt.Errorf("test: malformed welcome: %w", err)
	}
	return &mls.Preview{
		Metadata:          doc.Metadata,
		MemberCount:       len(doc.Members),
		KeyPackageEventID: doc.KeyPackageEventID,
	}, nil
}

func (p *FakePrimitive) JoinFromWelcome(welcome []byte) (*mls.JoinResult, error) {
	doc := &welcomeDoc{}
	if err := json.Unmarshal(welcome, doc); err != nil {
		return nil, fmt.Errorf("test: malformed welcome: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[doc.GroupID] = &fakeGroup{metadata: doc.Metadata, members: doc.Members, epoch: doc.Epoch}
	return &mls.JoinResult{
		GroupID:  doc.GroupID,
		Metadata: doc.Metadata,
		Members:  doc.Members,
		Epoch:    doc.Epoch,
	}, nil
}

func (p *FakePrimitive) CreateMessage(groupID ids.ID, plaintext []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.groups[groupID]; !ok {
		return nil, fmt.Errorf("test: unknown group %x", groupID)
	}
	return json.Marshal(&ciphertextDoc{Sender: p.Self, Payload: plaintext})
}

// EncodeCiphertext builds a ciphertext as if sent by another member.
func EncodeCiphertext(sender ids.ID, plaintext []byte) []byte {
	out, err := json.Marshal(&ciphertextDoc{Sender: sender, Payload: plaintext})
	if err != nil {
		panic(err)
	}
	return out
}

func (p *FakePrimitive) ProcessMessage(groupID ids.ID, ciphertext []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.groups[groupID]; !ok {
		return nil, fmt.Errorf("test: unknown group %x", groupID)
	}
	doc := &ciphertextDoc{}
	if err := json.Unmarshal(ciphertext, doc); err != nil {
		return nil, fmt.Errorf("test: malformed ciphertext: %w", err)
	}
	if doc.Sender == p.Self {
		return nil, mls.ErrOwnMessage
	}
	return doc.Payload, nil
}

func (p *FakePrimitive) ExportSecret(groupID ids.ID) (string, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[groupID]
	if !ok {
		return "", 0, fmt.Errorf("test: unknown group %x", groupID)
	}
	return hex.EncodeToString(exportSecret(groupID, g.epoch)), g.epoch, nil
}

// Secret returns the deterministic export secret for (group, epoch), letting
// tests seal and open ciphertexts out-of-band.
func (p *FakePrimitive) Secret(groupID ids.ID, epoch uint64) []byte {
	return exportSecret(groupID, epoch)
}

func exportSecret(groupID ids.ID, epoch uint64) []byte {
	buf := make([]byte, 40)
	copy(buf, groupID[:])
	binary.BigEndian.PutUint64(buf[32:], epoch)
	sum := sha256.Sum256(buf)
	return sum[:]
}

func (p *FakePrimitive) SelfUpdate(groupID ids.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[groupID]
	if !ok {
		return fmt.Errorf("test: unknown group %x", groupID)
	}
	g.epoch++
	return nil
}

func (p *FakePrimitive) Members(groupID ids.ID) ([]ids.ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("test: unknown group %x", groupID)
	}
	return g.members, nil
}

// RegisterGroup seeds the primitive with a group the engine is already a
// member of.
func (p *FakePrimitive) RegisterGroup(groupID ids.ID, metadata mls.GroupMetadata, members []ids.ID, epoch uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[groupID] = &fakeGroup{metadata: metadata, members: members, epoch: epoch}
}
