// Package ingestion accepts batches of externally produced news items,
// validates and enriches them, resolves the target columns and hands the
// fresh items off to delivery.
package ingestion

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/newswallproject/newswall/internal/common/util"
	"github.com/newswallproject/newswall/internal/delivery"
	"github.com/newswallproject/newswall/internal/domain"
	"github.com/newswallproject/newswall/internal/locationcache"
	"github.com/newswallproject/newswall/internal/metrics"
	"github.com/newswallproject/newswall/internal/repository"
)

// Payload is an ingest request body. Producers either put the target at the
// top level or nest it under events; an explicit column id always takes
// precedence over a workflow id.
type Payload struct {
	ColumnId string        `json:"columnId,omitempty"`
	FlowId   string        `json:"flowId,omitempty"`
	Events   *EventsTarget `json:"events,omitempty"`

	Items []*domain.NewsItem     `json:"items"`
	Extra map[string]interface{} `json:"extra,omitempty"`
}

type EventsTarget struct {
	ColumnId   string `json:"columnId,omitempty"`
	WorkflowId string `json:"workflowId,omitempty"`
}

// Targets returns the explicit column id and the workflow id named by the
// payload, merging the two accepted body shapes.
func (p *Payload) Targets() (columnId string, workflowId string) {
	columnId = p.ColumnId
	workflowId = p.FlowId
	if p.Events != nil {
		if columnId == "" {
			columnId = p.Events.ColumnId
		}
		if workflowId == "" {
			workflowId = p.Events.WorkflowId
		}
	}
	return columnId, workflowId
}

// LocationResolver resolves a free-text place-name variant to canonical geo
// codes. It returns domain.ErrNotReady before the mapping table has loaded.
type LocationResolver interface {
	Lookup(variant string) (*locationcache.Entry, error)
}

type Service struct {
	items     repository.ItemRepository
	columns   repository.ColumnRepository
	locations LocationResolver
	publisher delivery.Publisher
	clock     util.Clock
	metrics   *metrics.Metrics
}

func NewService(
	items repository.ItemRepository,
	columns repository.ColumnRepository,
	locations LocationResolver,
	publisher delivery.Publisher,
	clock util.Clock,
	m *metrics.Metrics,
) *Service {
	return &Service{
		items:     items,
		columns:   columns,
		locations: locations,
		publisher: publisher,
		clock:     clock,
		metrics:   m,
	}
}

// Ingest validates the payload, enriches and deduplicates its items, resolves
// the target columns, persists and publishes. Re-ingesting an item with a
// (source, id) pair seen before stores nothing new and triggers no delivery,
// so producers are free to retry.
func (s *Service) Ingest(ctx context.Context, payload *Payload) (*domain.IngestResult, error) {
	columnId, workflowId := payload.Targets()
	if columnId == "" && workflowId == "" {
		return nil, &domain.ErrMissingTarget{}
	}
	if payload.Items == nil {
		return nil, &domain.ErrMissingItems{}
	}
	if err := validateItems(payload.Items); err != nil {
		return nil, err
	}

	targets, err := s.resolveTargets(columnId, workflowId)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	for _, item := range payload.Items {
		if item.Timestamp == 0 {
			item.Timestamp = now.UnixMilli()
		}
		if item.WorkflowId == "" {
			item.WorkflowId = workflowId
		}
		s.enrich(item)
	}

	fresh, err := s.items.TryStoreItems(payload.Items)
	if err != nil {
		return nil, errors.WithMessage(err, "persisting ingested items")
	}
	s.metrics.RecordIngestedItems(len(fresh))
	s.metrics.RecordDuplicateItems(len(payload.Items) - len(fresh))

	columnTotals := make(map[string]int64, len(targets))
	for _, target := range targets {
		total, err := s.items.AppendToColumn(target, fresh)
		if err != nil {
			return nil, errors.WithMessagef(err, "appending items to column %s", target)
		}
		columnTotals[target] = total
	}

	if len(fresh) > 0 && len(targets) > 0 {
		s.publisher.Publish(targets, fresh)
	}

	log.Infof("Ingested %d items (%d new) into %d columns for workflow %q",
		len(payload.Items), len(fresh), len(targets), workflowId)

	return &domain.IngestResult{
		ColumnId:        columnId,
		WorkflowId:      workflowId,
		ItemsAdded:      len(fresh),
		ColumnsUpdated:  len(targets),
		MatchingColumns: targets,
		ColumnTotals:    columnTotals,
	}, nil
}

// resolveTargets returns the column ids a batch should be delivered to. An
// explicit column id is authoritative; otherwise every column bound to the
// workflow id matches, which may be none.
func (s *Service) resolveTargets(columnId string, workflowId string) ([]string, error) {
	if columnId != "" {
		return []string{columnId}, nil
	}
	columns, err := s.columns.GetColumnsByFlowId(workflowId)
	if err != nil {
		return nil, errors.WithMessagef(err, "resolving columns for workflow %s", workflowId)
	}
	targets := make([]string, 0, len(columns))
	for _, column := range columns {
		targets = append(targets, column.Id)
	}
	return targets, nil
}

// enrich resolves the item's free-text location fields against the lookup
// cache and attaches the canonical codes of the first hit. A miss, or a cache
// that has not loaded yet, leaves the codes unset and marks the item for
// administrative review; enrichment never fails an ingestion.
func (s *Service) enrich(item *domain.NewsItem) {
	if item.HasGeoCodes() || item.Location == nil {
		return
	}

	candidates := []string{item.Location.Name, item.Location.Municipality, item.Location.County}
	attempted := false
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		attempted = true
		entry, err := s.locations.Lookup(candidate)
		if err != nil {
			log.WithError(err).Debugf("Location lookup unavailable for %q", candidate)
			break
		}
		if entry == nil {
			continue
		}
		applyEntry(item, entry)
		return
	}

	if attempted {
		item.NeedsLocationReview = true
	}
}

func applyEntry(item *domain.NewsItem, entry *locationcache.Entry) {
	if entry.MunicipalityCode != "" {
		item.MunicipalityCode = entry.MunicipalityCode
		item.RegionCode = firstNonEmpty(entry.MunicipalityRegionCode, entry.RegionCode)
		item.CountryCode = firstNonEmpty(entry.MunicipalityCountryCode, entry.RegionCountryCode, entry.CountryCode)
		return
	}
	if entry.RegionCode != "" {
		item.RegionCode = entry.RegionCode
		item.CountryCode = firstNonEmpty(entry.RegionCountryCode, entry.CountryCode)
		return
	}
	item.CountryCode = entry.CountryCode
}

func validateItems(items []*domain.NewsItem) error {
	var result *multierror.Error
	for i, item := range items {
		if item == nil {
			result = multierror.Append(result, &domain.ErrInvalidItem{Index: i, Message: "item is null"})
			continue
		}
		if item.Id == "" {
			result = multierror.Append(result, &domain.ErrInvalidItem{Index: i, Message: "missing id"})
		}
		if item.Title == "" {
			result = multierror.Append(result, &domain.ErrInvalidItem{Index: i, Message: "missing title"})
		}
	}
	return result.ErrorOrNil()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
