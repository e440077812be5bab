// Package delivery decouples the moment an item is published from the moment
// a client observes it. The Queue implements the long-poll wait/notify
// protocol; the PushChannel implements persistent-connection fan-out.
package delivery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/newswallproject/newswall/internal/common/util"
	"github.com/newswallproject/newswall/internal/configuration"
	"github.com/newswallproject/newswall/internal/domain"
	"github.com/newswallproject/newswall/internal/metrics"
)

// Publisher is implemented by every fan-out target of newly ingested items.
type Publisher interface {
	Publish(columnIds []string, items []*domain.NewsItem)
}

// MultiPublisher fans a publish out to several targets.
type MultiPublisher []Publisher

func (p MultiPublisher) Publish(columnIds []string, items []*domain.NewsItem) {
	for _, publisher := range p {
		publisher.Publish(columnIds, items)
	}
}

type waiter struct {
	id       uuid.UUID
	lastSeen int64
	// channel has capacity 1 so a publisher can hand items over without
	// blocking, and so a wake that races a timeout is not lost.
	channel chan []*domain.NewsItem
}

// columnState is the per-column unit of mutual exclusion: the recent-item
// buffer and the set of parked waiters are only ever touched under its mutex.
// Checking the buffer and registering a waiter is therefore atomic with
// respect to a concurrent publish, which closes the missed-wakeup race.
type columnState struct {
	mutex   sync.Mutex
	items   []*domain.NewsItem
	seen    map[string]bool
	waiters map[uuid.UUID]*waiter
	// dead is set when the eviction sweep removes this state from the queue;
	// a caller holding a stale reference must re-fetch instead of using it.
	dead bool
}

// Queue holds a bounded buffer of recently published items per column plus
// the registry of parked long-poll waiters. State is process-local; in a
// multi-instance deployment cross-instance visibility comes from routing
// every publish through the relay bus.
//
// The queue's per-column seen set is the single dedup gate for at-least-once
// upstream delivery: items it admits are forwarded to the downstream
// publisher, items it has seen before are not, so a redelivered relay
// message or an instance's own echoed bus publish reaches downstream fan-out
// at most once.
type Queue struct {
	clock   util.Clock
	config  configuration.DeliveryConfig
	forward Publisher
	metrics *metrics.Metrics

	mutex   sync.Mutex
	columns map[string]*columnState
}

func NewQueue(clock util.Clock, config configuration.DeliveryConfig, forward Publisher, m *metrics.Metrics) *Queue {
	return &Queue{
		clock:   clock,
		config:  config,
		forward: forward,
		metrics: m,
		columns: map[string]*columnState{},
	}
}

// Publish appends items to each target column's buffer and wakes every parked
// waiter that has qualifying items. Append and wake happen under the column
// mutex as a single step. Items the buffer actually admitted are then handed
// to the downstream publisher, outside the lock.
func (q *Queue) Publish(columnIds []string, items []*domain.NewsItem) {
	if len(items) == 0 {
		return
	}
	for _, columnId := range columnIds {
		state := q.column(columnId)
		state.mutex.Lock()
		for state.dead {
			state.mutex.Unlock()
			state = q.column(columnId)
			state.mutex.Lock()
		}
		added := state.append(items, q.clock.Now(), q.config)
		if len(added) > 0 {
			q.wakeWaitersLocked(state)
		}
		state.mutex.Unlock()
		if q.forward != nil && len(added) > 0 {
			q.forward.Publish([]string{columnId}, added)
		}
	}
	q.metrics.RecordPublishedBatch()
}

// Wait returns the column's buffered items newer than lastSeen, suspending
// the caller for up to timeout when there are none. Timeout resolves with an
// empty result and is never an error; cancelling ctx deregisters the waiter
// immediately.
func (q *Queue) Wait(ctx context.Context, columnId string, lastSeen int64, timeout time.Duration) []*domain.NewsItem {
	if timeout <= 0 {
		timeout = q.config.DefaultTimeout
	}

	state := q.column(columnId)
	state.mutex.Lock()
	for state.dead {
		state.mutex.Unlock()
		state = q.column(columnId)
		state.mutex.Lock()
	}
	if pending := itemsAfter(state.items, lastSeen); len(pending) > 0 {
		state.mutex.Unlock()
		return pending
	}
	w := &waiter{
		id:       uuid.New(),
		lastSeen: lastSeen,
		channel:  make(chan []*domain.NewsItem, 1),
	}
	state.waiters[w.id] = w
	state.mutex.Unlock()
	q.metrics.RecordWaiterParked()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case items := <-w.channel:
		q.metrics.RecordWaiterReleased()
		return items
	case <-timer.C:
	case <-ctx.Done():
	}

	state.mutex.Lock()
	_, stillRegistered := state.waiters[w.id]
	delete(state.waiters, w.id)
	state.mutex.Unlock()
	q.metrics.RecordWaiterReleased()

	if !stillRegistered {
		// A publish won the race and already handed items over; prefer
		// delivering them to reporting an empty timeout.
		select {
		case items := <-w.channel:
			return items
		default:
		}
	}
	return []*domain.NewsItem{}
}

// Evict removes buffered items older than the configured maximum age and
// drops column state that holds neither items nor waiters.
func (q *Queue) Evict() {
	if q.config.BufferMaxAge <= 0 {
		return
	}
	cutoff := q.clock.Now().Add(-q.config.BufferMaxAge).UnixMilli()

	q.mutex.Lock()
	columns := make(map[string]*columnState, len(q.columns))
	for id, state := range q.columns {
		columns[id] = state
	}
	q.mutex.Unlock()

	for id, state := range columns {
		q.mutex.Lock()
		state.mutex.Lock()
		kept := state.items[:0]
		for _, item := range state.items {
			if item.Timestamp >= cutoff {
				kept = append(kept, item)
			} else {
				delete(state.seen, item.Id)
			}
		}
		state.items = kept
		if len(state.items) == 0 && len(state.waiters) == 0 && q.columns[id] == state {
			state.dead = true
			delete(q.columns, id)
		}
		state.mutex.Unlock()
		q.mutex.Unlock()
	}
}

// BufferedItemCount returns the number of items currently buffered for a
// column; introspection only.
func (q *Queue) BufferedItemCount(columnId string) int {
	state := q.column(columnId)
	state.mutex.Lock()
	defer state.mutex.Unlock()
	return len(state.items)
}

func (q *Queue) column(columnId string) *columnState {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	state, ok := q.columns[columnId]
	if !ok {
		state = &columnState{
			seen:    map[string]bool{},
			waiters: map[uuid.UUID]*waiter{},
		}
		q.columns[columnId] = state
	}
	return state
}

// wakeWaitersLocked resolves every waiter that has items newer than its
// watermark. Must be called with the column mutex held. Removing the waiter
// from the registry before sending guarantees exactly-once resolution.
func (q *Queue) wakeWaitersLocked(state *columnState) {
	for id, w := range state.waiters {
		qualifying := itemsAfter(state.items, w.lastSeen)
		if len(qualifying) == 0 {
			continue
		}
		delete(state.waiters, id)
		w.channel <- qualifying
	}
}

// append merges items into the buffer, skipping ids already present, keeps
// the buffer ordered by timestamp and enforces the count cap. Returns the
// items actually added.
func (state *columnState) append(items []*domain.NewsItem, now time.Time, config configuration.DeliveryConfig) []*domain.NewsItem {
	var added []*domain.NewsItem
	for _, item := range items {
		if item.Id == "" || state.seen[item.Id] {
			continue
		}
		if item.Timestamp == 0 {
			item.Timestamp = now.UnixMilli()
		}
		state.seen[item.Id] = true
		state.items = append(state.items, item)
		added = append(added, item)
	}
	if len(added) == 0 {
		return nil
	}

	sort.SliceStable(state.items, func(i, j int) bool {
		return state.items[i].Timestamp < state.items[j].Timestamp
	})

	if config.BufferMaxItems > 0 && len(state.items) > config.BufferMaxItems {
		dropped := state.items[:len(state.items)-config.BufferMaxItems]
		for _, item := range dropped {
			delete(state.seen, item.Id)
		}
		state.items = state.items[len(state.items)-config.BufferMaxItems:]
	}
	return added
}

// itemsAfter returns the buffered items with timestamp strictly greater than
// lastSeen, in non-decreasing timestamp order.
func itemsAfter(items []*domain.NewsItem, lastSeen int64) []*domain.NewsItem {
	index := sort.Search(len(items), func(i int) bool {
		return items[i].Timestamp > lastSeen
	})
	if index == len(items) {
		return nil
	}
	result := make([]*domain.NewsItem, len(items)-index)
	copy(result, items[index:])
	return result
}
