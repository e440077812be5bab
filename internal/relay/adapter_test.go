package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newswallproject/newswall/internal/domain"
)

type capturingPublisher struct {
	calls [][]string
	items [][]*domain.NewsItem
}

func (p *capturingPublisher) Publish(columnIds []string, items []*domain.NewsItem) {
	p.calls = append(p.calls, columnIds)
	p.items = append(p.items, items)
}

func TestHandlePushDeliversValidMessage(t *testing.T) {
	publisher := &capturingPublisher{}
	adapter := NewAdapter(publisher, nil)

	response := post(t, adapter, pushBody(t, &Envelope{
		ColumnIds: []string{"c1", "c2"},
		Items:     []*domain.NewsItem{{Id: "a", Title: "t", Timestamp: 100}},
	}))

	assert.Equal(t, http.StatusOK, response.Code)
	require.Len(t, publisher.calls, 1)
	assert.Equal(t, []string{"c1", "c2"}, publisher.calls[0])
	require.Len(t, publisher.items[0], 1)
	assert.Equal(t, "a", publisher.items[0][0].Id)
}

func TestHandlePushAcknowledgesAndDropsMalformedJson(t *testing.T) {
	publisher := &capturingPublisher{}
	adapter := NewAdapter(publisher, nil)

	response := post(t, adapter, []byte("this is not json"))

	assert.Equal(t, http.StatusOK, response.Code, "malformed messages must not trigger redelivery")
	assert.Empty(t, publisher.calls)
}

func TestHandlePushAcknowledgesAndDropsBadBase64(t *testing.T) {
	publisher := &capturingPublisher{}
	adapter := NewAdapter(publisher, nil)

	message := &pushMessage{}
	message.Message.Data = "%%% not base64 %%%"
	body, err := json.Marshal(message)
	require.NoError(t, err)

	response := post(t, adapter, body)

	assert.Equal(t, http.StatusOK, response.Code)
	assert.Empty(t, publisher.calls)
}

func TestHandlePushAcknowledgesAndDropsNonEnvelopePayload(t *testing.T) {
	publisher := &capturingPublisher{}
	adapter := NewAdapter(publisher, nil)

	message := &pushMessage{}
	message.Message.Data = base64.StdEncoding.EncodeToString([]byte("[1, 2, 3]"))
	body, err := json.Marshal(message)
	require.NoError(t, err)

	response := post(t, adapter, body)

	assert.Equal(t, http.StatusOK, response.Code)
	assert.Empty(t, publisher.calls)
}

func TestHandlePushDropsEmptyEnvelope(t *testing.T) {
	publisher := &capturingPublisher{}
	adapter := NewAdapter(publisher, nil)

	response := post(t, adapter, pushBody(t, &Envelope{ColumnIds: []string{"c1"}}))

	assert.Equal(t, http.StatusOK, response.Code)
	assert.Empty(t, publisher.calls, "an envelope without items must not publish")
}

func post(t *testing.T, adapter *Adapter, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, "/api/relay/push", bytes.NewReader(body))
	response := httptest.NewRecorder()
	adapter.HandlePush(response, request)
	return response
}

func pushBody(t *testing.T, envelope *Envelope) []byte {
	t.Helper()
	data, err := json.Marshal(envelope)
	require.NoError(t, err)

	message := &pushMessage{}
	message.Message.Data = base64.StdEncoding.EncodeToString(data)
	message.Message.MessageId = "m1"

	body, err := json.Marshal(message)
	require.NoError(t, err)
	return body
}
