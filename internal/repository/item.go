// Package repository contains the storage collaborators: news items and the
// column catalog in Redis, location mappings in Postgres.
package repository

import (
	"encoding/json"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/newswallproject/newswall/internal/common/util"
	"github.com/newswallproject/newswall/internal/configuration"
	"github.com/newswallproject/newswall/internal/domain"
)

const (
	itemPrefix       = "NewsItem:"
	itemIndexPrefix  = "NewsItemIndex:"
	columnItemPrefix = "ColumnItems:"
)

type ItemRepository interface {
	// TryStoreItems persists the items that have not been seen before and
	// returns them. Items whose (source, id) pair already has a storage
	// identity get their existing DbId attached and are not returned; storing
	// is idempotent with respect to producer retries.
	TryStoreItems(items []*domain.NewsItem) ([]*domain.NewsItem, error)
	// AppendToColumn adds items to the column's stored item list and returns
	// the column's new item count.
	AppendToColumn(columnId string, items []*domain.NewsItem) (int64, error)
	GetItem(dbId string) (*domain.NewsItem, error)
}

type RedisItemRepository struct {
	db           redis.UniversalClient
	retention    configuration.ItemRetentionPolicy
	maxPerColumn int64
}

func NewRedisItemRepository(db redis.UniversalClient, retention configuration.ItemRetentionPolicy, maxPerColumn int64) *RedisItemRepository {
	return &RedisItemRepository{db: db, retention: retention, maxPerColumn: maxPerColumn}
}

func (r *RedisItemRepository) TryStoreItems(items []*domain.NewsItem) ([]*domain.NewsItem, error) {
	if len(items) == 0 {
		return nil, nil
	}

	candidates := make([]string, len(items))
	pipe := r.db.Pipeline()
	reservations := make([]*redis.BoolCmd, len(items))
	for i, item := range items {
		candidates[i] = util.NewULID()
		reservations[i] = pipe.SetNX(itemIndexKey(item.Source, item.Id), candidates[i], r.retention.Expiry())
	}
	if _, err := pipe.Exec(); err != nil {
		return nil, errors.WithMessage(err, "reserving item identities")
	}

	fresh := make([]*domain.NewsItem, 0, len(items))
	pipe = r.db.Pipeline()
	for i, item := range items {
		if reservations[i].Val() {
			item.DbId = candidates[i]
			data, err := json.Marshal(item)
			if err != nil {
				return nil, errors.WithMessage(err, "marshalling news item")
			}
			pipe.Set(itemPrefix+item.DbId, data, r.retention.Expiry())
			fresh = append(fresh, item)
		} else {
			// Duplicate delivery from upstream; attach the identity assigned
			// the first time round.
			existing, err := r.db.Get(itemIndexKey(item.Source, item.Id)).Result()
			if err != nil && err != redis.Nil {
				return nil, errors.WithMessage(err, "reading existing item identity")
			}
			item.DbId = existing
		}
	}
	if len(fresh) > 0 {
		if _, err := pipe.Exec(); err != nil {
			return nil, errors.WithMessage(err, "storing news items")
		}
	}
	return fresh, nil
}

func (r *RedisItemRepository) AppendToColumn(columnId string, items []*domain.NewsItem) (int64, error) {
	key := columnItemPrefix + columnId
	if len(items) > 0 {
		members := make([]redis.Z, 0, len(items))
		for _, item := range items {
			members = append(members, redis.Z{Score: float64(item.Timestamp), Member: item.DbId})
		}
		pipe := r.db.Pipeline()
		pipe.ZAdd(key, members...)
		if r.maxPerColumn > 0 {
			pipe.ZRemRangeByRank(key, 0, -(r.maxPerColumn + 1))
		}
		if r.retention.ExpiryEnabled {
			pipe.Expire(key, r.retention.RetentionDuration)
		}
		if _, err := pipe.Exec(); err != nil {
			return 0, errors.WithMessagef(err, "appending items to column %s", columnId)
		}
	}
	total, err := r.db.ZCard(key).Result()
	if err != nil {
		return 0, errors.WithMessagef(err, "counting items in column %s", columnId)
	}
	return total, nil
}

func (r *RedisItemRepository) GetItem(dbId string) (*domain.NewsItem, error) {
	data, err := r.db.Get(itemPrefix + dbId).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "reading news item %s", dbId)
	}
	item := &domain.NewsItem{}
	if err := json.Unmarshal([]byte(data), item); err != nil {
		return nil, errors.WithMessagef(err, "unmarshalling news item %s", dbId)
	}
	return item, nil
}

func itemIndexKey(source string, id string) string {
	return itemIndexPrefix + source + ":" + id
}
