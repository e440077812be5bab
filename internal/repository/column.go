package repository

import (
	"encoding/json"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/newswallproject/newswall/internal/domain"
)

const (
	columnHashKey       = "Columns"
	columnsByFlowPrefix = "ColumnsByFlow:"
)

// ColumnRepository is the column catalog. The flow index is materialized on
// every write so that target resolution at ingestion time is a point lookup
// rather than a scan of the catalog.
type ColumnRepository interface {
	GetColumn(id string) (*domain.Column, error)
	GetAllColumns() ([]*domain.Column, error)
	GetColumnsByFlowId(flowId string) ([]*domain.Column, error)
	UpsertColumn(column *domain.Column) error
	DeleteColumn(id string) error
}

type RedisColumnRepository struct {
	db redis.UniversalClient
}

func NewRedisColumnRepository(db redis.UniversalClient) *RedisColumnRepository {
	return &RedisColumnRepository{db: db}
}

func (r *RedisColumnRepository) GetColumn(id string) (*domain.Column, error) {
	data, err := r.db.HGet(columnHashKey, id).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "reading column %s", id)
	}
	return unmarshalColumn(data)
}

func (r *RedisColumnRepository) GetAllColumns() ([]*domain.Column, error) {
	data, err := r.db.HGetAll(columnHashKey).Result()
	if err != nil {
		return nil, errors.WithMessage(err, "reading column catalog")
	}
	columns := make([]*domain.Column, 0, len(data))
	for _, value := range data {
		column, err := unmarshalColumn(value)
		if err != nil {
			return nil, err
		}
		columns = append(columns, column)
	}
	return columns, nil
}

func (r *RedisColumnRepository) GetColumnsByFlowId(flowId string) ([]*domain.Column, error) {
	ids, err := r.db.SMembers(columnsByFlowPrefix + flowId).Result()
	if err != nil {
		return nil, errors.WithMessagef(err, "reading flow index for %s", flowId)
	}
	columns := make([]*domain.Column, 0, len(ids))
	for _, id := range ids {
		column, err := r.GetColumn(id)
		if err != nil {
			return nil, err
		}
		if column == nil {
			// Stale index entry, drop it.
			r.db.SRem(columnsByFlowPrefix+flowId, id)
			continue
		}
		columns = append(columns, column)
	}
	return columns, nil
}

func (r *RedisColumnRepository) UpsertColumn(column *domain.Column) error {
	existing, err := r.GetColumn(column.Id)
	if err != nil {
		return err
	}

	data, err := json.Marshal(column)
	if err != nil {
		return errors.WithMessage(err, "marshalling column")
	}

	pipe := r.db.Pipeline()
	pipe.HSet(columnHashKey, column.Id, data)
	if existing != nil && existing.FlowId != "" && existing.FlowId != column.FlowId {
		pipe.SRem(columnsByFlowPrefix+existing.FlowId, column.Id)
	}
	if column.FlowId != "" {
		pipe.SAdd(columnsByFlowPrefix+column.FlowId, column.Id)
	}
	if _, err := pipe.Exec(); err != nil {
		return errors.WithMessagef(err, "upserting column %s", column.Id)
	}
	return nil
}

func (r *RedisColumnRepository) DeleteColumn(id string) error {
	existing, err := r.GetColumn(id)
	if err != nil {
		return err
	}
	pipe := r.db.Pipeline()
	pipe.HDel(columnHashKey, id)
	if existing != nil && existing.FlowId != "" {
		pipe.SRem(columnsByFlowPrefix+existing.FlowId, id)
	}
	pipe.Del(columnItemPrefix + id)
	if _, err := pipe.Exec(); err != nil {
		return errors.WithMessagef(err, "deleting column %s", id)
	}
	return nil
}

func unmarshalColumn(data string) (*domain.Column, error) {
	column := &domain.Column{}
	if err := json.Unmarshal([]byte(data), column); err != nil {
		return nil, errors.WithMessage(err, "unmarshalling column")
	}
	return column, nil
}
