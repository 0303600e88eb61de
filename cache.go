// SPDX-License-Identifier: GPL-3.0-or-later

package dnsfailover

import (
	"context"
	"sync"
)

// openFunc establishes a new channel to an endpoint.
type openFunc func(ctx context.Context, ep *Endpoint) (channel, error)

// channelCache maps each endpoint to at most one live channel.
//
// Opening is serialized per endpoint: concurrent callers that find no
// usable channel for the same endpoint queue on that endpoint's slot
// and the winner's channel is shared with the rest. Channels to
// different endpoints are opened and used concurrently.
type channelCache struct {
	// mu guards slots and every slot's ch field.
	mu sync.Mutex

	// slots maps [Endpoint.Key] to its slot.
	slots map[string]*cacheSlot
}

// cacheSlot holds the channel and the opener lock for one endpoint.
type cacheSlot struct {
	// openMu admits one opener at a time for this endpoint.
	openMu sync.Mutex

	// ch is the live channel, nil when none. Guarded by the cache
	// mutex, not by openMu.
	ch channel
}

// newChannelCache creates an empty [*channelCache].
func newChannelCache() *channelCache {
	return &channelCache{slots: make(map[string]*cacheSlot)}
}

// slot returns the slot for key, creating it if needed.
func (cc *channelCache) slot(key string) *cacheSlot {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	s, ok := cc.slots[key]
	if !ok {
		s = &cacheSlot{}
		cc.slots[key] = s
	}
	return s
}

// acquire returns the cached channel for ep or opens a new one.
//
// Only one opener per endpoint proceeds at a time; callers waiting on
// the opener observe its result when they re-check the slot.
func (cc *channelCache) acquire(ctx context.Context, ep *Endpoint, open openFunc) (channel, error) {
	s := cc.slot(ep.Key())

	if ch := cc.live(s); ch != nil {
		return ch, nil
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()

	// An opener we queued behind may have installed a channel.
	if ch := cc.live(s); ch != nil {
		return ch, nil
	}

	ch, err := open(ctx, ep)
	if err != nil {
		return nil, err
	}
	cc.mu.Lock()
	if s.ch != nil {
		_ = s.ch.close()
	}
	s.ch = ch
	cc.mu.Unlock()
	return ch, nil
}

// live returns the slot's channel if it is present and not broken.
func (cc *channelCache) live(s *cacheSlot) channel {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if s.ch != nil && !s.ch.broken() {
		return s.ch
	}
	return nil
}

// invalidate drops ch from the cache and closes it. Invalidating a
// channel that is already gone or already broken is a no-op beyond the
// idempotent close.
func (cc *channelCache) invalidate(ep *Endpoint, ch channel) {
	if ch == nil {
		return
	}
	_ = ch.close()
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if s, ok := cc.slots[ep.Key()]; ok && s.ch == ch {
		s.ch = nil
	}
}

// closeAll closes every cached channel and empties the cache.
func (cc *channelCache) closeAll() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	for key, s := range cc.slots {
		if s.ch != nil {
			_ = s.ch.close()
		}
		delete(cc.slots, key)
	}
}
