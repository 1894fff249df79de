package market

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Sort orders.
const (
	SortNone      = ""
	SortPriceAsc  = "price_asc"
	SortPriceDesc = "price_desc"
	SortName      = "name"
)

// Filter narrows the merged view. Nil bounds and an empty collection match
// everything.
type Filter struct {
	MinPrice   *float64 // SOL, inclusive
	MaxPrice   *float64 // SOL, inclusive
	Collection string
	Sort       string
}

// ParseFilter builds a Filter from raw form values. Empty strings leave a
// field unset.
func ParseFilter(minPrice, maxPrice, collection, sortBy string) (Filter, error) {
	var f Filter
	var err error

	if f.MinPrice, err = parsePrice("min price", minPrice); err != nil {
		return Filter{}, err
	}
	if f.MaxPrice, err = parsePrice("max price", maxPrice); err != nil {
		return Filter{}, err
	}
	f.Collection = strings.TrimSpace(collection)

	switch s := strings.TrimSpace(sortBy); s {
	case SortNone, SortPriceAsc, SortPriceDesc, SortName:
		f.Sort = s
	default:
		return Filter{}, fmt.Errorf("%w: unknown sort %q", ErrInvalidFilter, s)
	}

	return f, nil
}

func parsePrice(field, raw string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%w: %s %q is not a number", ErrInvalidFilter, field, raw)
	}
	if v < 0 {
		return nil, fmt.Errorf("%w: %s must not be negative", ErrInvalidFilter, field)
	}
	return &v, nil
}

// IsZero reports whether f matches every item in original order.
func (f Filter) IsZero() bool {
	return f.MinPrice == nil && f.MaxPrice == nil && f.Collection == "" && f.Sort == SortNone
}

// Match reports whether d passes the price and collection predicates.
func (f Filter) Match(d NFTDetail) bool {
	price := d.PriceSOL()
	if f.MinPrice != nil && price < *f.MinPrice {
		return false
	}
	if f.MaxPrice != nil && price > *f.MaxPrice {
		return false
	}
	if f.Collection != "" && d.Collection != f.Collection {
		return false
	}
	return true
}

// Apply returns the items that match f in a new slice; items is not modified.
func (f Filter) Apply(items []NFTDetail) []NFTDetail {
	out := make([]NFTDetail, 0, len(items))
	for _, d := range items {
		if f.Match(d) {
			out = append(out, d)
		}
	}

	switch f.Sort {
	case SortPriceAsc:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	case SortPriceDesc:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Price > out[j].Price })
	case SortName:
		sort.SliceStable(out, func(i, j int) bool {
			return strings.ToLower(out[i].DisplayName()) < strings.ToLower(out[j].DisplayName())
		})
	}
	return out
}

// Collections returns the unique non-empty collection keys of items, sorted.
func Collections(items []NFTDetail) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, d := range items {
		if d.Collection == "" {
			continue
		}
		if _, ok := seen[d.Collection]; ok {
			continue
		}
		seen[d.Collection] = struct{}{}
		out = append(out, d.Collection)
	}
	sort.Strings(out)
	return out
}

// Floor returns the lowest price in lamports among items of collection.
func Floor(items []NFTDetail, collection string) (uint64, bool) {
	var floor uint64
	found := false
	for _, d := range items {
		if d.Collection != collection {
			continue
		}
		if !found || d.Price < floor {
			floor = d.Price
			found = true
		}
	}
	return floor, found
}
