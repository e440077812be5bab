package domain

import "encoding/json"

// Location carries the free-text place fields supplied by a producer.
type Location struct {
	Municipality string    `json:"municipality,omitempty"`
	County       string    `json:"county,omitempty"`
	Name         string    `json:"name,omitempty"`
	Coordinates  []float64 `json:"coordinates,omitempty"`
}

// NewsItem is a single geotagged event produced by an external workflow.
//
// Id is assigned by the producer and is only unique per source; DbId is the
// system-wide storage identity and is assigned exactly once, the first time a
// given (Source, Id) pair is ingested.
type NewsItem struct {
	Id               string    `json:"id"`
	DbId             string    `json:"dbId,omitempty"`
	WorkflowId       string    `json:"workflowId,omitempty"`
	Source           string    `json:"source,omitempty"`
	Timestamp        int64     `json:"timestamp"`
	Title            string    `json:"title"`
	Description      string    `json:"description,omitempty"`
	NewsValue        int       `json:"newsValue,omitempty"`
	Category         string    `json:"category,omitempty"`
	Severity         string    `json:"severity,omitempty"`
	Location         *Location `json:"location,omitempty"`
	CountryCode      string    `json:"countryCode,omitempty"`
	RegionCode       string    `json:"regionCode,omitempty"`
	MunicipalityCode string    `json:"municipalityCode,omitempty"`

	// NeedsLocationReview is set when the item carried location text that
	// could not be resolved to geo codes at ingestion time.
	NeedsLocationReview bool `json:"needsLocationReview,omitempty"`

	Extra map[string]interface{} `json:"extra,omitempty"`
	Raw   json.RawMessage        `json:"raw,omitempty"`
}

// HasGeoCodes reports whether enrichment (or the producer) attached any
// canonical geographic code to the item.
func (item *NewsItem) HasGeoCodes() bool {
	return item.MunicipalityCode != "" || item.RegionCode != ""
}

// Column is a subscription target on a dashboard. A column receives an item
// either because ingestion explicitly targeted its id, or because the item's
// workflow id equals the column's bound FlowId.
type Column struct {
	Id     string `json:"id"`
	Title  string `json:"title,omitempty"`
	FlowId string `json:"flowId,omitempty"`
}

// IngestResult summarises a successful ingestion call.
type IngestResult struct {
	ColumnId        string           `json:"columnId,omitempty"`
	WorkflowId      string           `json:"workflowId,omitempty"`
	ItemsAdded      int              `json:"itemsAdded"`
	ColumnsUpdated  int              `json:"columnsUpdated"`
	MatchingColumns []string         `json:"matchingColumns"`
	ColumnTotals    map[string]int64 `json:"columnTotals"`
}
