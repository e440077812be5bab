package domain

// GeoFilter restricts delivered items by canonical geographic codes.
//
// An item with no geo codes passes only when ShowItemsWithoutLocation is set.
// When municipality codes are given, an item passes if its municipality code
// is in the set, or if it has a region code in the region set but no
// municipality code. Otherwise, when region codes are given, an item passes
// if its region code is in the set. A filter with neither set matches no
// geotagged item.
type GeoFilter struct {
	RegionCodes              map[string]bool
	MunicipalityCodes        map[string]bool
	ShowItemsWithoutLocation bool
}

func NewGeoFilter(regionCodes []string, municipalityCodes []string, showItemsWithoutLocation bool) *GeoFilter {
	filter := &GeoFilter{
		RegionCodes:              make(map[string]bool, len(regionCodes)),
		MunicipalityCodes:        make(map[string]bool, len(municipalityCodes)),
		ShowItemsWithoutLocation: showItemsWithoutLocation,
	}
	for _, code := range regionCodes {
		filter.RegionCodes[code] = true
	}
	for _, code := range municipalityCodes {
		filter.MunicipalityCodes[code] = true
	}
	return filter
}

func (f *GeoFilter) Match(item *NewsItem) bool {
	if !item.HasGeoCodes() {
		return f.ShowItemsWithoutLocation
	}
	if len(f.MunicipalityCodes) > 0 {
		if item.MunicipalityCode != "" {
			return f.MunicipalityCodes[item.MunicipalityCode]
		}
		return f.RegionCodes[item.RegionCode]
	}
	if len(f.RegionCodes) > 0 {
		return item.RegionCode != "" && f.RegionCodes[item.RegionCode]
	}
	return false
}

// Apply returns the items accepted by the filter, preserving order.
func (f *GeoFilter) Apply(items []*NewsItem) []*NewsItem {
	matched := make([]*NewsItem, 0, len(items))
	for _, item := range items {
		if f.Match(item) {
			matched = append(matched, item)
		}
	}
	return matched
}
