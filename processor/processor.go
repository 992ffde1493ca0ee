// Package processor is the single entry point for inbound relay events. All
// events pass through one bounded queue consumed by one goroutine, so event
// handling is serialized and producers see back-pressure when the engine
// falls behind. Dispatch is synchronous: an event is fully handled, including
// its dedup record, before the next is taken.
package processor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/murmur-im/go-murmur/accounts"
	"github.com/murmur-im/go-murmur/config"
	"github.com/murmur-im/go-murmur/event"
	"github.com/murmur-im/go-murmur/groups"
	"github.com/murmur-im/go-murmur/messages"
	"go.uber.org/zap"
)

var ErrShutdown = errors.New("processor: shut down")

type item struct {
	ev       *event.Event
	shutdown bool
}

type Manager struct {
	config   *config.Config
	log      *zap.SugaredLogger
	accounts *accounts.Manager
	groups   *groups.Manager
	messages *messages.Manager

	queue    chan *item
	finished chan bool

	lock    sync.Mutex
	stopped bool
}

func NewManager(c *config.Config, a *accounts.Manager, g *groups.Manager, m *messages.Manager) (*Manager, error) {
	return &Manager{
		config:   c,
		log:      c.Logger("processor/manager"),
		accounts: a,
		groups:   g,
		messages: m,
		queue:    make(chan *item, c.EventQueueSize),
		finished: make(chan bool),
	}, nil
}

func (m *Manager) Start() error {
	go m.consume()
	return nil
}

// Enqueue submits an event for processing. It blocks when the queue is full
// and fails after shutdown has begun.
func (m *Manager) Enqueue(ev *event.Event) error {
	m.lock.Lock()
	if m.stopped {
		m.lock.Unlock()
		return ErrShutdown
	}
	m.lock.Unlock()
	m.queue <- &item{ev: ev}
	return nil
}

// Shutdown stops the consumer after draining everything enqueued before the
// call.
func (m *Manager) Shutdown() error {
	m.lock.Lock()
	if m.stopped {
		m.lock.Unlock()
		return nil
	}
	m.stopped = true
	m.lock.Unlock()
	m.queue <- &item{shutdown: true}
	<-m.finished
	return nil
}

func (m *Manager) consume() {
	for it := range m.queue {
		if it.shutdown {
			close(m.finished)
			return
		}
		if err := m.dispatch(it.ev); err != nil {
			m.log.Errorf("error processing event %x: %v", it.ev.ID, err)
		}
	}
}

// dispatch routes one event by kind. Errors returned here are infrastructure
// failures; content-level failures are recorded by the handlers themselves
// and never retried.
func (m *Manager) dispatch(ev *event.Event) error {
	switch ev.Kind {
	case event.KindGiftWrap:
		return m.processGiftWrap(ev)
	case event.KindGroupMessage:
		return m.messages.Receive(ev)
	case event.KindMetadata, event.KindRelayList, event.KindInboxRelays, event.KindKeyPackageRelays, event.KindKeyPackage:
		return m.accounts.ProcessContactEvent(ev)
	default:
		m.log.Debugf("ignoring event %x of kind %d", ev.ID, ev.Kind)
		return nil
	}
}

func (m *Manager) processGiftWrap(ev *event.Event) error {
	account, err := m.accounts.Active()
	if err != nil {
		return err
	}
	transportPriv, err := m.accounts.TransportPriv(account.Pubkey)
	if err != nil {
		return err
	}
	rumor, err := event.Unwrap(ev, transportPriv)
	if err != nil {
		// an envelope we cannot open is not addressed to us; drop it
		m.log.Debugf("dropping unopenable envelope %x: %v", ev.ID, err)
		return nil
	}

	switch rumor.Kind {
	case event.KindWelcome:
		return m.groups.ProcessWelcome(ev.ID, rumor)
	default:
		m.log.Debugf("ignoring wrapped rumor of kind %d in %x", rumor.Kind, ev.ID)
		return nil
	}
}

// Attach starts forwarding a relay subscription stream into the queue. It
// returns once the stream closes or shutdown begins.
func (m *Manager) Attach(stream <-chan *event.Event) {
	for ev := range stream {
		if err := m.Enqueue(ev); err != nil {
			if errors.Is(err, ErrShutdown) {
				return
			}
			m.log.Errorf("error enqueueing event: %v", fmt.Errorf("%x: %w", ev.ID, err))
		}
	}
}
