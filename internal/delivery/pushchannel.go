package delivery

import (
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/newswallproject/newswall/internal/domain"
	"github.com/newswallproject/newswall/internal/metrics"
)

const subscriptionBufferSize = 16

// Subscription is one persistent-connection subscriber to a column. Items
// published to the column arrive on Channel.
type Subscription struct {
	Id       uuid.UUID
	ColumnId string
	Channel  chan []*domain.NewsItem
}

// PushChannel fans published items out to persistent-connection subscribers,
// keyed by column. Deregistration is a map delete, so subscriber churn does
// not accumulate dead handlers.
type PushChannel struct {
	metrics *metrics.Metrics

	mutex       sync.Mutex
	subscribers map[string]map[uuid.UUID]*Subscription
}

func NewPushChannel(m *metrics.Metrics) *PushChannel {
	return &PushChannel{
		metrics:     m,
		subscribers: map[string]map[uuid.UUID]*Subscription{},
	}
}

func (c *PushChannel) Subscribe(columnId string) *Subscription {
	subscription := &Subscription{
		Id:       uuid.New(),
		ColumnId: columnId,
		Channel:  make(chan []*domain.NewsItem, subscriptionBufferSize),
	}

	c.mutex.Lock()
	column, ok := c.subscribers[columnId]
	if !ok {
		column = map[uuid.UUID]*Subscription{}
		c.subscribers[columnId] = column
	}
	column[subscription.Id] = subscription
	c.mutex.Unlock()

	c.metrics.RecordSubscriberConnected()
	return subscription
}

func (c *PushChannel) Unsubscribe(subscription *Subscription) {
	c.mutex.Lock()
	column, ok := c.subscribers[subscription.ColumnId]
	if ok {
		if _, registered := column[subscription.Id]; registered {
			delete(column, subscription.Id)
			c.metrics.RecordSubscriberDisconnected()
		}
		if len(column) == 0 {
			delete(c.subscribers, subscription.ColumnId)
		}
	}
	c.mutex.Unlock()
}

// Publish delivers items to every subscriber of each target column. Delivery
// is best effort: a subscriber whose channel is full is skipped so that one
// slow connection cannot hold up the others.
func (c *PushChannel) Publish(columnIds []string, items []*domain.NewsItem) {
	if len(items) == 0 {
		return
	}
	for _, columnId := range columnIds {
		c.mutex.Lock()
		subscriptions := make([]*Subscription, 0, len(c.subscribers[columnId]))
		for _, subscription := range c.subscribers[columnId] {
			subscriptions = append(subscriptions, subscription)
		}
		c.mutex.Unlock()

		for _, subscription := range subscriptions {
			select {
			case subscription.Channel <- items:
			default:
				log.Warnf("Dropping update for slow subscriber %s on column %s", subscription.Id, columnId)
			}
		}
	}
}

// SubscriberCount returns the number of subscribers currently registered for
// a column; introspection only.
func (c *PushChannel) SubscriberCount(columnId string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.subscribers[columnId])
}
