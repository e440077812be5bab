// Package relay bridges externally delivered update notifications into the
// local delivery queue, for topologies where the process that performed
// ingestion is not the process serving a client's long-poll.
package relay

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/newswallproject/newswall/internal/delivery"
	"github.com/newswallproject/newswall/internal/domain"
	"github.com/newswallproject/newswall/internal/metrics"
)

// Envelope is the payload relayed between instances: the target columns and
// the freshly ingested items.
type Envelope struct {
	ColumnIds []string           `json:"columnIds"`
	Items     []*domain.NewsItem `json:"items"`
}

// pushMessage is the push-messaging wrapper delivered to the webhook: the
// envelope JSON, base64 encoded, plus transport metadata.
type pushMessage struct {
	Message struct {
		Data        string `json:"data"`
		MessageId   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
}

type Adapter struct {
	local   delivery.Publisher
	metrics *metrics.Metrics
}

func NewAdapter(local delivery.Publisher, m *metrics.Metrics) *Adapter {
	return &Adapter{local: local, metrics: m}
}

// HandlePush accepts a push-messaging webhook call. Decode failures are
// acknowledged with 200 and dropped: a permanently malformed message must
// never trigger upstream redelivery. The upstream transport may deliver the
// same message more than once; publish-time deduplication by item id makes
// that harmless.
func (a *Adapter) HandlePush(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusOK)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.WithError(err).Warn("Failed to read relay push body")
		a.metrics.RecordRelayMessage(metrics.RelayOutcomeDropped)
		return
	}

	message := &pushMessage{}
	if err := json.Unmarshal(body, message); err != nil {
		log.WithError(err).Warn("Dropping malformed relay push message")
		a.metrics.RecordRelayMessage(metrics.RelayOutcomeDropped)
		return
	}

	envelope, err := decodeEnvelope(message.Message.Data)
	if err != nil {
		log.WithError(err).Warnf("Dropping undecodable relay message %s", message.Message.MessageId)
		a.metrics.RecordRelayMessage(metrics.RelayOutcomeDropped)
		return
	}

	a.deliver(envelope)
}

func (a *Adapter) deliver(envelope *Envelope) {
	if len(envelope.ColumnIds) == 0 || len(envelope.Items) == 0 {
		a.metrics.RecordRelayMessage(metrics.RelayOutcomeDropped)
		return
	}
	a.local.Publish(envelope.ColumnIds, envelope.Items)
	a.metrics.RecordRelayMessage(metrics.RelayOutcomeDelivered)
}

func decodeEnvelope(data string) (*Envelope, error) {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}
	envelope := &Envelope{}
	if err := json.Unmarshal(decoded, envelope); err != nil {
		return nil, err
	}
	return envelope, nil
}
