package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newswallproject/newswall/internal/domain"
)

func TestPublishReachesAllColumnSubscribers(t *testing.T) {
	channel := NewPushChannel(nil)
	first := channel.Subscribe("c1")
	second := channel.Subscribe("c1")
	other := channel.Subscribe("c2")

	channel.Publish([]string{"c1"}, []*domain.NewsItem{item("a", 100)})

	for _, subscription := range []*Subscription{first, second} {
		select {
		case items := <-subscription.Channel:
			require.Len(t, items, 1)
			assert.Equal(t, "a", items[0].Id)
		default:
			t.Fatalf("subscriber %s did not receive the update", subscription.Id)
		}
	}
	assert.Empty(t, other.Channel, "subscriber of another column must not receive the update")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	channel := NewPushChannel(nil)
	subscription := channel.Subscribe("c1")
	channel.Unsubscribe(subscription)

	channel.Publish([]string{"c1"}, []*domain.NewsItem{item("a", 100)})

	assert.Empty(t, subscription.Channel)
	assert.Equal(t, 0, channel.SubscriberCount("c1"))
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	channel := NewPushChannel(nil)
	subscription := channel.Subscribe("c1")
	channel.Unsubscribe(subscription)
	channel.Unsubscribe(subscription)

	assert.Equal(t, 0, channel.SubscriberCount("c1"))
}

func TestSlowSubscriberIsSkippedNotBlockedOn(t *testing.T) {
	channel := NewPushChannel(nil)
	slow := channel.Subscribe("c1")
	healthy := channel.Subscribe("c1")

	for i := 0; i < subscriptionBufferSize; i++ {
		slow.Channel <- []*domain.NewsItem{item("filler", int64(i))}
	}

	// Must return even though slow's channel is full.
	channel.Publish([]string{"c1"}, []*domain.NewsItem{item("a", 100)})

	select {
	case items := <-healthy.Channel:
		require.Len(t, items, 1)
		assert.Equal(t, "a", items[0].Id)
	default:
		t.Fatal("healthy subscriber starved by a slow one")
	}
}
