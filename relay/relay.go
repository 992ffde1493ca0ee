// Package relay defines the contract murmur consumes from the relay client.
// Connection management, the subscription wire protocol and sync algorithms
// live behind this interface; the engine only fetches, queries, publishes and
// subscribes.
package relay

import (
	"context"
	"time"

	"github.com/murmur-im/go-murmur/event"
	"github.com/murmur-im/go-murmur/ids"
)

type Filter struct {
	IDs     []ids.ID
	Authors []ids.ID
	Kinds   []uint32
	Tags    map[string][]string
	Since   uint64
	Until   uint64
	Limit   int
}

type Client interface {
	// Fetch queries the given relays over the network, bounded by timeout.
	Fetch(ctx context.Context, filters []Filter, timeout time.Duration) ([]*event.Event, error)
	// QueryLocal queries the local event cache only.
	QueryLocal(filters []Filter) ([]*event.Event, error)
	// Publish sends an event to every relay in relays.
	Publish(ctx context.Context, ev *event.Event, relays []string) error
	// Subscribe opens a streaming subscription for the given filters.
	Subscribe(ctx context.Context, filters []Filter) (<-chan *event.Event, error)
	// Sync reconciles the local cache with the relay set for one filter.
	Sync(ctx context.Context, filter Filter, since uint64) error
}

// Union merges event sets, dropping duplicates by event id. Fetch and
// QueryLocal results are always treated as a set union.
func Union(sets ...[]*event.Event) []*event.Event {
	seen := make(map[ids.ID]bool)
	out := make([]*event.Event, 0)
	for _, set := range sets {
		for _, ev := range set {
			if seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			out = append(out, ev)
		}
	}
	return out
}
