package server

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/newswallproject/newswall/internal/common/util"
	"github.com/newswallproject/newswall/internal/configuration"
	"github.com/newswallproject/newswall/internal/delivery"
	"github.com/newswallproject/newswall/internal/domain"
	"github.com/newswallproject/newswall/internal/ingestion"
	"github.com/newswallproject/newswall/internal/locationcache"
	"github.com/newswallproject/newswall/internal/metrics"
	"github.com/newswallproject/newswall/internal/relay"
)

type updatesResponse struct {
	Success   bool               `json:"success"`
	ColumnId  string             `json:"columnId"`
	Items     []*domain.NewsItem `json:"items"`
	Timestamp int64              `json:"timestamp"`
}

type streamEvent struct {
	Type     string             `json:"type"`
	ColumnId string             `json:"columnId,omitempty"`
	Items    []*domain.NewsItem `json:"items,omitempty"`
}

type HttpHandlers struct {
	config      *configuration.ServerConfig
	ingestion   *ingestion.Service
	queue       *delivery.Queue
	push        *delivery.PushChannel
	relay       *relay.Adapter
	locations   *locationcache.Cache
	auth        *apiKeyChecker
	rateLimiter *ingestRateLimiter
	clock       util.Clock
	metrics     *metrics.Metrics
}

func NewHttpHandlers(
	config *configuration.ServerConfig,
	ingestionService *ingestion.Service,
	queue *delivery.Queue,
	push *delivery.PushChannel,
	relayAdapter *relay.Adapter,
	locations *locationcache.Cache,
	clock util.Clock,
	m *metrics.Metrics,
) *HttpHandlers {
	return &HttpHandlers{
		config:      config,
		ingestion:   ingestionService,
		queue:       queue,
		push:        push,
		relay:       relayAdapter,
		locations:   locations,
		auth:        newApiKeyChecker(config.Auth.ApiKeys),
		rateLimiter: newIngestRateLimiter(config.RateLimit),
		clock:       clock,
		metrics:     m,
	}
}

func (h *HttpHandlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/ingest", h.handleIngest)
	mux.HandleFunc("/api/columns/", h.handleColumns)
	mux.HandleFunc("/api/relay/push", h.handleRelayPush)
	mux.HandleFunc("/api/locations/stats", h.handleLocationStats)
}

func (h *HttpHandlers) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start := h.clock.Now()
	defer func() {
		h.metrics.RecordIngestDuration(h.clock.Now().Sub(start).Seconds())
	}()

	if err := h.auth.Authenticate(r); err != nil {
		h.writeError(w, err)
		return
	}

	payload := &ingestion.Payload{}
	if err := json.NewDecoder(r.Body).Decode(payload); err != nil {
		h.writeError(w, &domain.ErrInvalidRequest{Message: fmt.Sprintf("invalid JSON: %s", err)})
		return
	}

	_, workflowId := payload.Targets()
	identifier := workflowId
	if identifier == "" {
		identifier = clientIP(r)
	}
	if allowed, retryAfter := h.rateLimiter.Allow(identifier); !allowed {
		h.metrics.RecordRateLimited()
		seconds := int(math.Ceil(retryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.rateLimiter.Burst()))
		w.Header().Set("X-RateLimit-Remaining", "0")
		h.writeError(w, &domain.ErrRateLimited{RetryAfter: retryAfter})
		return
	}

	result, err := h.ingestion.Ingest(r.Context(), payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJson(w, http.StatusOK, result)
}

func (h *HttpHandlers) handleColumns(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/columns/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	columnId, action := parts[0], parts[1]

	switch action {
	case "updates":
		h.handleUpdates(w, r, columnId)
	case "stream":
		h.handleStream(w, r, columnId)
	default:
		http.NotFound(w, r)
	}
}

// handleUpdates is the long-poll fetch: it answers immediately when the
// column holds items newer than the client's watermark and otherwise parks
// the request until a publish or the timeout. Failures never propagate as
// errors; the client's poll loop gets {success:false, items:[]} and carries
// on.
func (h *HttpHandlers) handleUpdates(w http.ResponseWriter, r *http.Request, columnId string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	setNoCacheHeaders(w)

	defer func() {
		if recovered := recover(); recovered != nil {
			log.Errorf("Long-poll handler for column %s panicked: %v", columnId, recovered)
			h.writeJson(w, http.StatusOK, updatesResponse{
				Success:  false,
				ColumnId: columnId,
				Items:    []*domain.NewsItem{},
			})
		}
	}()

	query := r.URL.Query()
	lastSeen, _ := strconv.ParseInt(query.Get("lastSeen"), 10, 64)
	filter := geoFilterFromQuery(query)

	items := h.waitFiltered(r, columnId, lastSeen, filter)
	h.writeJson(w, http.StatusOK, updatesResponse{
		Success:   true,
		ColumnId:  columnId,
		Items:     items,
		Timestamp: h.clock.Now().UnixMilli(),
	})
}

// waitFiltered repeatedly waits on the queue until qualifying items survive
// the geographic filter or the overall timeout elapses. The watermark is
// advanced past filtered-out items so the request parks again instead of
// spinning on them.
func (h *HttpHandlers) waitFiltered(r *http.Request, columnId string, lastSeen int64, filter *domain.GeoFilter) []*domain.NewsItem {
	timeout := h.config.Delivery.DefaultTimeout
	deadline := h.clock.Now().Add(timeout)

	for {
		remaining := deadline.Sub(h.clock.Now())
		if remaining <= 0 {
			return []*domain.NewsItem{}
		}
		items := h.queue.Wait(r.Context(), columnId, lastSeen, remaining)
		if filter == nil || len(items) == 0 {
			return items
		}
		if matched := filter.Apply(items); len(matched) > 0 {
			return matched
		}
		for _, item := range items {
			if item.Timestamp > lastSeen {
				lastSeen = item.Timestamp
			}
		}
		if r.Context().Err() != nil {
			return []*domain.NewsItem{}
		}
	}
}

// handleStream is the legacy server-push transport: an event stream carrying
// the same fan-out as the long poll, with a comment heartbeat to defeat
// intermediary idle-connection timeouts.
func (h *HttpHandlers) handleStream(w http.ResponseWriter, r *http.Request, columnId string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	subscription := h.push.Subscribe(columnId)
	defer h.push.Unsubscribe(subscription)

	if err := writeStreamEvent(w, streamEvent{Type: "connected", ColumnId: columnId}); err != nil {
		return
	}
	flusher.Flush()

	heartbeatInterval := h.config.Delivery.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case items := <-subscription.Channel:
			if err := writeStreamEvent(w, streamEvent{Type: "update", Items: items}); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (h *HttpHandlers) handleRelayPush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.relay.HandlePush(w, r)
}

func (h *HttpHandlers) handleLocationStats(w http.ResponseWriter, r *http.Request) {
	h.writeJson(w, http.StatusOK, h.locations.Stats())
}

func (h *HttpHandlers) writeError(w http.ResponseWriter, err error) {
	status := domain.CodeFromError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
		message = "unexpected server error"
	}
	h.writeJson(w, status, map[string]string{"error": message})
}

func (h *HttpHandlers) writeJson(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("Failed to write response body")
	}
}

func writeStreamEvent(w http.ResponseWriter, event streamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// geoFilterFromQuery builds the geographic filter, or nil when the request
// carries no filter parameters at all.
func geoFilterFromQuery(query url.Values) *domain.GeoFilter {
	_, hasRegion := query["regionCode"]
	_, hasMunicipality := query["municipalityCode"]
	_, hasShowWithout := query["showItemsWithoutLocation"]
	if !hasRegion && !hasMunicipality && !hasShowWithout {
		return nil
	}
	showWithout, _ := strconv.ParseBool(query.Get("showItemsWithoutLocation"))
	return domain.NewGeoFilter(query["regionCode"], query["municipalityCode"], showWithout)
}

func setNoCacheHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
