package repository

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newswallproject/newswall/internal/configuration"
	"github.com/newswallproject/newswall/internal/domain"
)

func TestTryStoreItemsAssignsStorageIdentity(t *testing.T) {
	withItemRepository(t, func(r *RedisItemRepository) {
		items := []*domain.NewsItem{
			{Id: "a", Source: "src", Title: "first", Timestamp: 100},
			{Id: "b", Source: "src", Title: "second", Timestamp: 200},
		}

		fresh, err := r.TryStoreItems(items)
		require.NoError(t, err)
		require.Len(t, fresh, 2)
		assert.NotEmpty(t, items[0].DbId)
		assert.NotEmpty(t, items[1].DbId)
		assert.NotEqual(t, items[0].DbId, items[1].DbId)

		stored, err := r.GetItem(items[0].DbId)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, "first", stored.Title)
	})
}

func TestTryStoreItemsIsIdempotent(t *testing.T) {
	withItemRepository(t, func(r *RedisItemRepository) {
		original := &domain.NewsItem{Id: "a", Source: "src", Title: "first", Timestamp: 100}
		fresh, err := r.TryStoreItems([]*domain.NewsItem{original})
		require.NoError(t, err)
		require.Len(t, fresh, 1)

		retry := &domain.NewsItem{Id: "a", Source: "src", Title: "first retry", Timestamp: 100}
		fresh, err = r.TryStoreItems([]*domain.NewsItem{retry})
		require.NoError(t, err)
		assert.Empty(t, fresh)
		assert.Equal(t, original.DbId, retry.DbId, "retry must resolve to the original identity")

		stored, err := r.GetItem(original.DbId)
		require.NoError(t, err)
		assert.Equal(t, "first", stored.Title, "retry must not overwrite the stored item")
	})
}

func TestTryStoreItemsDistinguishesSources(t *testing.T) {
	withItemRepository(t, func(r *RedisItemRepository) {
		items := []*domain.NewsItem{
			{Id: "a", Source: "police", Title: "t", Timestamp: 100},
			{Id: "a", Source: "traffic", Title: "t", Timestamp: 100},
		}
		fresh, err := r.TryStoreItems(items)
		require.NoError(t, err)
		assert.Len(t, fresh, 2, "the same producer id from different sources is two items")
	})
}

func TestAppendToColumnReturnsTotalCount(t *testing.T) {
	withItemRepository(t, func(r *RedisItemRepository) {
		items := storeItems(t, r,
			&domain.NewsItem{Id: "a", Source: "src", Title: "t", Timestamp: 100},
			&domain.NewsItem{Id: "b", Source: "src", Title: "t", Timestamp: 200},
		)

		total, err := r.AppendToColumn("c1", items[:1])
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)

		total, err = r.AppendToColumn("c1", items[1:])
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
	})
}

func TestAppendToColumnIsIdempotent(t *testing.T) {
	withItemRepository(t, func(r *RedisItemRepository) {
		items := storeItems(t, r, &domain.NewsItem{Id: "a", Source: "src", Title: "t", Timestamp: 100})

		for i := 0; i < 3; i++ {
			total, err := r.AppendToColumn("c1", items)
			require.NoError(t, err)
			assert.Equal(t, int64(1), total)
		}
	})
}

func TestAppendToColumnEvictsOldestBeyondCap(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	r := NewRedisItemRepository(client, configuration.ItemRetentionPolicy{}, 2)

	items := storeItems(t, r,
		&domain.NewsItem{Id: "a", Source: "src", Title: "t", Timestamp: 100},
		&domain.NewsItem{Id: "b", Source: "src", Title: "t", Timestamp: 200},
		&domain.NewsItem{Id: "c", Source: "src", Title: "t", Timestamp: 300},
	)

	total, err := r.AppendToColumn("c1", items)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	members, err := client.ZRange(columnItemPrefix+"c1", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{items[1].DbId, items[2].DbId}, members, "the oldest item must be evicted")
}

func TestGetItemReturnsNilOnUnknownIdentity(t *testing.T) {
	withItemRepository(t, func(r *RedisItemRepository) {
		item, err := r.GetItem("does-not-exist")
		require.NoError(t, err)
		assert.Nil(t, item)
	})
}

func TestStoredItemsExpireWithRetention(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	retention := configuration.ItemRetentionPolicy{ExpiryEnabled: true, RetentionDuration: time.Hour}
	r := NewRedisItemRepository(client, retention, 0)

	items := storeItems(t, r, &domain.NewsItem{Id: "a", Source: "src", Title: "t", Timestamp: 100})
	_, err = r.AppendToColumn("c1", items)
	require.NoError(t, err)

	s.FastForward(2 * time.Hour)

	item, err := r.GetItem(items[0].DbId)
	require.NoError(t, err)
	assert.Nil(t, item)

	total, err := r.AppendToColumn("c1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func withItemRepository(t *testing.T, action func(r *RedisItemRepository)) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	action(NewRedisItemRepository(client, configuration.ItemRetentionPolicy{}, 0))
}

func storeItems(t *testing.T, r *RedisItemRepository, items ...*domain.NewsItem) []*domain.NewsItem {
	t.Helper()
	fresh, err := r.TryStoreItems(items)
	require.NoError(t, err)
	require.Len(t, fresh, len(items))
	return fresh
}
