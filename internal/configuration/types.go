package configuration

import (
	"time"

	"github.com/go-redis/redis"
)

type ServerConfig struct {
	// Port the client-facing HTTP API listens on.
	HttpPort uint16
	// Port the prometheus metrics endpoint listens on.
	MetricsPort uint16

	Auth          AuthConfig
	RateLimit     RateLimitConfig
	Redis         redis.UniversalOptions
	Postgres      PostgresConfig
	Nats          NatsConfig
	ItemRetention ItemRetentionPolicy
	LocationCache LocationCacheConfig
	Delivery      DeliveryConfig
}

type AuthConfig struct {
	// Accepted values of the X-Api-Key header on ingest calls. Leaving the
	// list empty disables authentication (development setups only).
	ApiKeys []string
}

type RateLimitConfig struct {
	// Sustained ingest calls per second allowed per caller identifier.
	Rate float64
	// Burst allowance per caller identifier.
	Burst int
	// How long an idle identifier's limiter is kept before it is dropped.
	IdentifierTtl time.Duration
}

type PostgresConfig struct {
	Connection string
}

type NatsConfig struct {
	// When enabled, every publish is relayed over NATS so that all instances
	// see it. This is the only cross-instance delivery channel; the in-memory
	// wait queue is process-local.
	Enabled bool
	Url     string
	Subject string
}

type ItemRetentionPolicy struct {
	ExpiryEnabled     bool
	RetentionDuration time.Duration
}

// Expiry returns the TTL to apply to stored keys, or zero when expiry is
// disabled.
func (p ItemRetentionPolicy) Expiry() time.Duration {
	if p.ExpiryEnabled {
		return p.RetentionDuration
	}
	return 0
}

type LocationCacheConfig struct {
	// Cron schedule for periodic refreshes of the location mapping table.
	RefreshSchedule string
}

type DeliveryConfig struct {
	// Maximum number of recent items buffered per column.
	BufferMaxItems int
	// Maximum age of a buffered item before it is evicted.
	BufferMaxAge time.Duration
	// How long a long-poll request is held when no new items are available.
	DefaultTimeout time.Duration
	// Cron schedule for the buffer eviction sweep.
	EvictionSchedule string
	// Interval between comment heartbeats on idle event streams.
	HeartbeatInterval time.Duration
}
