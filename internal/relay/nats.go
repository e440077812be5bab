package relay

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/newswallproject/newswall/internal/delivery"
	"github.com/newswallproject/newswall/internal/domain"
	"github.com/newswallproject/newswall/internal/metrics"
)

// NatsPublisher sends the update envelope to a NATS subject so that every
// instance subscribed to it learns about newly ingested items. Publish is
// best effort; a failed relay publish is logged, never surfaced to the
// producer, because local delivery has already happened.
type NatsPublisher struct {
	conn    *nats.Conn
	subject string
}

func NewNatsPublisher(conn *nats.Conn, subject string) *NatsPublisher {
	return &NatsPublisher{conn: conn, subject: subject}
}

func (p *NatsPublisher) Publish(columnIds []string, items []*domain.NewsItem) {
	if len(columnIds) == 0 || len(items) == 0 {
		return
	}
	data, err := json.Marshal(&Envelope{ColumnIds: columnIds, Items: items})
	if err != nil {
		log.WithError(err).Error("Failed to marshal relay envelope")
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		log.WithError(err).Errorf("Failed to publish relay envelope to %s", p.subject)
	}
}

// NatsSubscriber feeds envelopes arriving on the relay subject into the local
// delivery queue. Malformed messages are dropped; duplicate deliveries are
// absorbed by publish-time deduplication.
type NatsSubscriber struct {
	conn         *nats.Conn
	subject      string
	metrics      *metrics.Metrics
	subscription *nats.Subscription
}

func NewNatsSubscriber(conn *nats.Conn, subject string, m *metrics.Metrics) *NatsSubscriber {
	return &NatsSubscriber{conn: conn, subject: subject, metrics: m}
}

func (s *NatsSubscriber) Start(local delivery.Publisher) error {
	subscription, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		envelope := &Envelope{}
		if err := json.Unmarshal(msg.Data, envelope); err != nil {
			log.WithError(err).Warnf("Dropping malformed relay envelope from %s", s.subject)
			s.metrics.RecordRelayMessage(metrics.RelayOutcomeDropped)
			return
		}
		if len(envelope.ColumnIds) == 0 || len(envelope.Items) == 0 {
			s.metrics.RecordRelayMessage(metrics.RelayOutcomeDropped)
			return
		}
		local.Publish(envelope.ColumnIds, envelope.Items)
		s.metrics.RecordRelayMessage(metrics.RelayOutcomeDelivered)
	})
	if err != nil {
		return errors.WithMessagef(err, "subscribing to relay subject %s", s.subject)
	}
	s.subscription = subscription
	return nil
}

func (s *NatsSubscriber) Close() {
	if s.subscription != nil {
		if err := s.subscription.Unsubscribe(); err != nil {
			log.WithError(err).Warn("Failed to unsubscribe from relay subject")
		}
	}
}
