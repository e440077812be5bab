// Package server wires the ingestion fan-out and delivery pipeline together
// and exposes it over HTTP.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/newswallproject/newswall/internal/common"
	"github.com/newswallproject/newswall/internal/common/health"
	"github.com/newswallproject/newswall/internal/common/util"
	"github.com/newswallproject/newswall/internal/configuration"
	"github.com/newswallproject/newswall/internal/delivery"
	"github.com/newswallproject/newswall/internal/ingestion"
	"github.com/newswallproject/newswall/internal/locationcache"
	"github.com/newswallproject/newswall/internal/metrics"
	"github.com/newswallproject/newswall/internal/relay"
	"github.com/newswallproject/newswall/internal/repository"
)

func Serve(ctx context.Context, config *configuration.ServerConfig) error {
	log.Info("Newswall server starting")
	defer log.Info("Newswall server shutting down")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	healthChecks := health.NewMultiChecker()
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks.Add(startupCompleteCheck)

	m := metrics.NewMetrics(metrics.MetricsPrefix)
	clock := &util.DefaultClock{}

	// Storage collaborators.
	db := redis.NewUniversalClient(&config.Redis)
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Error("Failed to close Redis client")
		}
	}()
	healthChecks.Add(health.NewRedisChecker(db))

	pool, err := pgxpool.Connect(ctx, config.Postgres.Connection)
	if err != nil {
		return errors.WithMessage(err, "connecting to postgres")
	}
	defer pool.Close()

	itemRepository := repository.NewRedisItemRepository(db, config.ItemRetention, int64(config.Delivery.BufferMaxItems))
	columnRepository := repository.NewRedisColumnRepository(db)
	mappingRepository := repository.NewPostgresMappingRepository(pool)

	// Location cache: load now, refresh on schedule. A failed initial load is
	// not fatal; lookups report not-ready until a refresh succeeds.
	locations := locationcache.New(mappingRepository, clock)
	if err := locations.Load(ctx); err != nil {
		log.WithError(err).Warn("Initial location mapping load failed; enrichment degraded until refresh")
	}
	healthChecks.Add(locations)

	// Delivery fan-out. The push channel sits downstream of the wait queue:
	// every local publish goes through the queue, whose per-column seen set
	// forwards each item to connected subscribers at most once. Relayed
	// messages therefore target the queue only; redeliveries and this
	// instance's own echoed bus publishes are absorbed there instead of
	// reaching event streams twice.
	push := delivery.NewPushChannel(m)
	queue := delivery.NewQueue(clock, config.Delivery, push, m)
	local := delivery.Publisher(queue)
	// The NATS publisher joins the ingestion-facing set only; routing it into
	// the relay's local target would loop envelopes back onto the bus.
	publishers := delivery.MultiPublisher{queue}

	if config.Nats.Enabled {
		conn, err := nats.Connect(config.Nats.Url, nats.Name("newswall"))
		if err != nil {
			return errors.WithMessage(err, "connecting to NATS")
		}
		defer conn.Close()

		publishers = append(publishers, relay.NewNatsPublisher(conn, config.Nats.Subject))
		subscriber := relay.NewNatsSubscriber(conn, config.Nats.Subject, m)
		if err := subscriber.Start(local); err != nil {
			return err
		}
		defer subscriber.Close()
		log.Infof("Relaying updates over NATS subject %s", config.Nats.Subject)
	}

	relayAdapter := relay.NewAdapter(local, m)
	ingestionService := ingestion.NewService(itemRepository, columnRepository, locations, publishers, clock, m)

	// Periodic work: cache refresh and buffer eviction.
	scheduler := cron.New()
	if config.LocationCache.RefreshSchedule != "" {
		if _, err := scheduler.AddFunc(config.LocationCache.RefreshSchedule, func() {
			refreshCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := locations.Refresh(refreshCtx); err != nil {
				log.WithError(err).Error("Scheduled location cache refresh failed")
			}
		}); err != nil {
			return errors.WithMessage(err, "scheduling location cache refresh")
		}
	}
	if config.Delivery.EvictionSchedule != "" {
		if _, err := scheduler.AddFunc(config.Delivery.EvictionSchedule, queue.Evict); err != nil {
			return errors.WithMessage(err, "scheduling delivery buffer eviction")
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	// Client-facing HTTP API.
	handlers := NewHttpHandlers(config, ingestionService, queue, push, relayAdapter, locations, clock, m)
	mux := http.NewServeMux()
	handlers.Routes(mux)
	health.SetupHttpMux(mux, healthChecks)

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(int(config.HttpPort)),
		Handler: mux,
	}
	g.Go(func() error {
		log.Infof("Serving API on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	startupCompleteCheck.MarkComplete()
	return g.Wait()
}
