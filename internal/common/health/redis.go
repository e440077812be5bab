package health

import (
	"fmt"

	"github.com/go-redis/redis"
)

// RedisChecker reports unhealthy when the backing Redis does not answer PING.
type RedisChecker struct {
	db redis.UniversalClient
}

func NewRedisChecker(db redis.UniversalClient) *RedisChecker {
	return &RedisChecker{db: db}
}

func (c *RedisChecker) Check() error {
	if _, err := c.db.Ping().Result(); err != nil {
		return fmt.Errorf("redis health check failed: %s", err)
	}
	return nil
}
