package cache

import (
	stdsync "sync"

	apperrors "github.com/toole-brendan/handreceipt-sync/internal/errors"
	"github.com/toole-brendan/handreceipt-sync/internal/logging"
	"github.com/toole-brendan/handreceipt-sync/internal/models"
	"github.com/toole-brendan/handreceipt-sync/internal/sync/payload"
)

// observerBuffer is the per-subscriber channel depth. A subscriber that falls
// behind misses intermediate states, never the existence of a change: the
// latest record is always re-readable from the store.
const observerBuffer = 8

// observerHub fans cached-record changes out to subscribers. A nil value on
// a property channel signals deletion.
type observerHub struct {
	mu           stdsync.Mutex
	propertySubs map[int64]map[chan *models.CachedProperty]struct{}
	transferSubs map[int64]map[chan *models.CachedTransfer]struct{}
}

func newObserverHub() *observerHub {
	return &observerHub{
		propertySubs: make(map[int64]map[chan *models.CachedProperty]struct{}),
		transferSubs: make(map[int64]map[chan *models.CachedTransfer]struct{}),
	}
}

// ObserveProperty subscribes to changes of one property. The cancel func
// unsubscribes and closes the channel. A nil receive signals deletion.
func (c *Cache) ObserveProperty(id int64) (<-chan *models.CachedProperty, func()) {
	ch := make(chan *models.CachedProperty, observerBuffer)

	c.hub.mu.Lock()
	subs, ok := c.hub.propertySubs[id]
	if !ok {
		subs = make(map[chan *models.CachedProperty]struct{})
		c.hub.propertySubs[id] = subs
	}
	subs[ch] = struct{}{}
	c.hub.mu.Unlock()

	cancel := func() {
		c.hub.mu.Lock()
		if subs, ok := c.hub.propertySubs[id]; ok {
			if _, subscribed := subs[ch]; subscribed {
				delete(subs, ch)
				close(ch)
				if len(subs) == 0 {
					delete(c.hub.propertySubs, id)
				}
			}
		}
		c.hub.mu.Unlock()
	}
	return ch, cancel
}

// ObserveTransfer subscribes to changes of one transfer.
func (c *Cache) ObserveTransfer(id int64) (<-chan *models.CachedTransfer, func()) {
	ch := make(chan *models.CachedTransfer, observerBuffer)

	c.hub.mu.Lock()
	subs, ok := c.hub.transferSubs[id]
	if !ok {
		subs = make(map[chan *models.CachedTransfer]struct{})
		c.hub.transferSubs[id] = subs
	}
	subs[ch] = struct{}{}
	c.hub.mu.Unlock()

	cancel := func() {
		c.hub.mu.Lock()
		if subs, ok := c.hub.transferSubs[id]; ok {
			if _, subscribed := subs[ch]; subscribed {
				delete(subs, ch)
				close(ch)
				if len(subs) == 0 {
					delete(c.hub.transferSubs, id)
				}
			}
		}
		c.hub.mu.Unlock()
	}
	return ch, cancel
}

func (h *observerHub) broadcastProperty(p *models.CachedProperty) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.propertySubs[p.ID] {
		select {
		case ch <- p.Clone():
		default:
		}
	}
}

func (h *observerHub) broadcastPropertyDeletion(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.propertySubs[id] {
		select {
		case ch <- nil:
		default:
		}
	}
}

func (h *observerHub) broadcastTransfer(t *models.CachedTransfer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.transferSubs[t.ID] {
		select {
		case ch <- t.Clone():
		default:
		}
	}
}

// =====================================================
// Server refresh sink
// =====================================================

// ApplyPropertyRefresh merges a server-side property representation into the
// cache, skipping fields held by unresolved local mutations. It implements
// remote.RefreshSink.
func (c *Cache) ApplyPropertyRefresh(remote *models.CachedProperty) error {
	local, err := c.store.GetProperty(remote.ID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	active, err := c.store.ListActiveMutations(models.EntityProperty, remote.ID)
	if err != nil {
		return err
	}

	locked := payload.LockedPropertyFields(active)
	merged := c.resolver.MergeProperty(local, remote, locked, c.nowFunc())
	if err := c.store.ReplaceProperty(merged); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to store property refresh", err)
	}

	c.hub.broadcastProperty(merged)
	return nil
}

// ApplyPropertyDeletion handles a server-confirmed deletion. A record with
// unresolved local mutations is kept; the queued operations settle its fate
// when they dispatch.
func (c *Cache) ApplyPropertyDeletion(id int64) error {
	active, err := c.store.ListActiveMutations(models.EntityProperty, id)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		logging.Warn("Ignoring server deletion of property with queued mutations", map[string]interface{}{
			"property_id":       id,
			"queued_operations": len(active),
		})
		return nil
	}

	if err := c.store.DeleteProperty(id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to apply property deletion", err)
	}
	c.hub.broadcastPropertyDeletion(id)
	return nil
}

// ApplyTransferRefresh merges a server-side transfer representation into the
// cache. It implements remote.RefreshSink.
func (c *Cache) ApplyTransferRefresh(remote *models.CachedTransfer) error {
	local, err := c.store.GetTransfer(remote.ID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	active, err := c.store.ListActiveMutations(models.EntityTransfer, remote.ID)
	if err != nil {
		return err
	}

	locked := payload.LockedTransferFields(active)
	merged := c.resolver.MergeTransfer(local, remote, locked, c.nowFunc())
	if err := c.store.ReplaceTransfer(merged); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to store transfer refresh", err)
	}

	c.hub.broadcastTransfer(merged)
	return nil
}

// =====================================================
// Processor writeback notifications
// =====================================================

// EntityChanged reloads a record the queue processor just wrote and wakes its
// observers. It implements sync.Notifier.
func (c *Cache) EntityChanged(entity models.EntityType, id int64) {
	switch entity {
	case models.EntityProperty:
		p, err := c.store.GetProperty(id)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			c.hub.broadcastPropertyDeletion(id)
			return
		}
		if err != nil {
			logging.Error("Failed to reload property for observers", err, map[string]interface{}{"property_id": id})
			return
		}
		c.hub.broadcastProperty(p)

	case models.EntityTransfer:
		t, err := c.store.GetTransfer(id)
		if err != nil {
			if !apperrors.Is(err, apperrors.ErrNotFound) {
				logging.Error("Failed to reload transfer for observers", err, map[string]interface{}{"transfer_id": id})
			}
			return
		}
		c.hub.broadcastTransfer(t)
	}
}
