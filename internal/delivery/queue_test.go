package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newswallproject/newswall/internal/common/util"
	"github.com/newswallproject/newswall/internal/configuration"
	"github.com/newswallproject/newswall/internal/domain"
)

func testQueue(config configuration.DeliveryConfig) *Queue {
	if config.BufferMaxItems == 0 {
		config.BufferMaxItems = 100
	}
	if config.BufferMaxAge == 0 {
		config.BufferMaxAge = time.Hour
	}
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = 100 * time.Millisecond
	}
	return NewQueue(&util.DefaultClock{}, config, nil, nil)
}

func item(id string, timestamp int64) *domain.NewsItem {
	return &domain.NewsItem{Id: id, Title: "t", Timestamp: timestamp}
}

func TestWaitReturnsBufferedItemsImmediately(t *testing.T) {
	queue := testQueue(configuration.DeliveryConfig{})
	queue.Publish([]string{"c1"}, []*domain.NewsItem{item("a", 100), item("b", 200)})

	start := time.Now()
	items := queue.Wait(context.Background(), "c1", 150, 5*time.Second)
	elapsed := time.Since(start)

	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].Id)
	assert.Less(t, elapsed, time.Second, "buffered items must be returned without suspension")
}

func TestWaitTimesOutWithEmptyResult(t *testing.T) {
	queue := testQueue(configuration.DeliveryConfig{})
	timeout := 100 * time.Millisecond

	start := time.Now()
	items := queue.Wait(context.Background(), "c1", 0, timeout)
	elapsed := time.Since(start)

	assert.Empty(t, items)
	assert.GreaterOrEqual(t, elapsed, timeout, "timeout must not resolve early")
}

func TestPublishWakesParkedWaiter(t *testing.T) {
	queue := testQueue(configuration.DeliveryConfig{})

	results := make(chan []*domain.NewsItem, 1)
	go func() {
		results <- queue.Wait(context.Background(), "c1", 0, 5*time.Second)
	}()

	// Let the waiter park before publishing.
	time.Sleep(50 * time.Millisecond)
	queue.Publish([]string{"c1"}, []*domain.NewsItem{item("a", 100)})

	select {
	case items := <-results:
		require.Len(t, items, 1)
		assert.Equal(t, "a", items[0].Id)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by publish")
	}
}

func TestConcurrentWaitAndPublishDeliversExactlyOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		queue := testQueue(configuration.DeliveryConfig{})

		var wg sync.WaitGroup
		results := make(chan []*domain.NewsItem, 1)
		wg.Add(2)
		go func() {
			defer wg.Done()
			results <- queue.Wait(context.Background(), "c1", 0, 2*time.Second)
		}()
		go func() {
			defer wg.Done()
			queue.Publish([]string{"c1"}, []*domain.NewsItem{item("a", 100)})
		}()
		wg.Wait()

		items := <-results
		require.Len(t, items, 1, "item must be delivered exactly once, never missed")
		assert.Equal(t, "a", items[0].Id)

		// The same watermark position must not be redelivered.
		again := queue.Wait(context.Background(), "c1", 100, 50*time.Millisecond)
		assert.Empty(t, again)
	}
}

func TestPublishDeduplicatesByItemId(t *testing.T) {
	queue := testQueue(configuration.DeliveryConfig{})
	queue.Publish([]string{"c1"}, []*domain.NewsItem{item("a", 100)})
	queue.Publish([]string{"c1"}, []*domain.NewsItem{item("a", 100), item("b", 200)})

	assert.Equal(t, 2, queue.BufferedItemCount("c1"))

	items := queue.Wait(context.Background(), "c1", 0, time.Second)
	require.Len(t, items, 2)
}

func TestDuplicatePublishDoesNotWakeWaiters(t *testing.T) {
	queue := testQueue(configuration.DeliveryConfig{})
	queue.Publish([]string{"c1"}, []*domain.NewsItem{item("a", 100)})

	results := make(chan []*domain.NewsItem, 1)
	go func() {
		results <- queue.Wait(context.Background(), "c1", 100, 300*time.Millisecond)
	}()
	time.Sleep(50 * time.Millisecond)

	// Relay redelivery of an already-buffered item must not produce a wake.
	queue.Publish([]string{"c1"}, []*domain.NewsItem{item("a", 100)})

	items := <-results
	assert.Empty(t, items)
}

func TestWaitReturnsItemsInTimestampOrder(t *testing.T) {
	queue := testQueue(configuration.DeliveryConfig{})
	queue.Publish([]string{"c1"}, []*domain.NewsItem{item("c", 300), item("a", 100), item("b", 200)})

	items := queue.Wait(context.Background(), "c1", 0, time.Second)
	require.Len(t, items, 3)
	assert.Equal(t, "a", items[0].Id)
	assert.Equal(t, "b", items[1].Id)
	assert.Equal(t, "c", items[2].Id)
}

func TestWaitCancellationDeregistersWaiter(t *testing.T) {
	queue := testQueue(configuration.DeliveryConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	results := make(chan []*domain.NewsItem, 1)
	go func() {
		results <- queue.Wait(ctx, "c1", 0, 5*time.Second)
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	cancel()

	select {
	case items := <-results:
		assert.Empty(t, items)
		assert.Less(t, time.Since(start), time.Second, "cancellation must release the waiter promptly")
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter was not released")
	}

	state := queue.column("c1")
	state.mutex.Lock()
	defer state.mutex.Unlock()
	assert.Empty(t, state.waiters, "cancelled waiter must not leak")
}

func TestBufferCountCap(t *testing.T) {
	queue := testQueue(configuration.DeliveryConfig{BufferMaxItems: 2})
	queue.Publish([]string{"c1"}, []*domain.NewsItem{item("a", 100), item("b", 200), item("c", 300)})

	items := queue.Wait(context.Background(), "c1", 0, time.Second)
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].Id)
	assert.Equal(t, "c", items[1].Id)
}

func TestPublishForwardsAdmittedItemsDownstream(t *testing.T) {
	push := NewPushChannel(nil)
	queue := NewQueue(&util.DefaultClock{}, configuration.DeliveryConfig{
		BufferMaxItems: 100,
		BufferMaxAge:   time.Hour,
		DefaultTimeout: 100 * time.Millisecond,
	}, push, nil)
	subscription := push.Subscribe("c1")

	queue.Publish([]string{"c1"}, []*domain.NewsItem{item("a", 100)})

	select {
	case items := <-subscription.Channel:
		require.Len(t, items, 1)
		assert.Equal(t, "a", items[0].Id)
	default:
		t.Fatal("admitted item was not forwarded to the push channel")
	}
}

func TestRedeliveredPublishIsNotForwardedDownstream(t *testing.T) {
	push := NewPushChannel(nil)
	queue := NewQueue(&util.DefaultClock{}, configuration.DeliveryConfig{
		BufferMaxItems: 100,
		BufferMaxAge:   time.Hour,
		DefaultTimeout: 100 * time.Millisecond,
	}, push, nil)
	subscription := push.Subscribe("c1")

	// Upstream delivery is at least once; the second publish carries the
	// same item id and must be absorbed before subscriber fan-out.
	queue.Publish([]string{"c1"}, []*domain.NewsItem{item("a", 100)})
	queue.Publish([]string{"c1"}, []*domain.NewsItem{item("a", 100)})
	queue.Publish([]string{"c1"}, []*domain.NewsItem{item("a", 100), item("b", 200)})

	var received []*domain.NewsItem
	for {
		select {
		case items := <-subscription.Channel:
			received = append(received, items...)
			continue
		default:
		}
		break
	}

	require.Len(t, received, 2, "each item id must reach subscribers exactly once")
	assert.Equal(t, "a", received[0].Id)
	assert.Equal(t, "b", received[1].Id)
}

func TestEvictDropsAgedItems(t *testing.T) {
	clock := &util.DummyClock{T: time.UnixMilli(1_000_000)}
	queue := NewQueue(clock, configuration.DeliveryConfig{
		BufferMaxItems: 100,
		BufferMaxAge:   time.Minute,
		DefaultTimeout: 100 * time.Millisecond,
	}, nil, nil)

	queue.Publish([]string{"c1"}, []*domain.NewsItem{item("a", 1_000_000)})
	clock.T = clock.T.Add(2 * time.Minute)
	queue.Evict()

	items := queue.Wait(context.Background(), "c1", 0, 50*time.Millisecond)
	assert.Empty(t, items)
}
