// Package geolite describes the three GeoLite2 CSV datasets the importer
// understands, the tables they land in, and the per-row transforms that turn
// a raw CSV row into a typed record.
package geolite

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedRow = errors.New("malformed row")

// Table is the shape of a destination table. Column order matches the order
// of Record.Values.
type Table struct {
	Name    string
	Columns []string
	// ConflictKey, when set, names the unique column; inserts that collide on
	// it are dropped.
	ConflictKey string
}

var (
	ASNBlocksTable = Table{
		Name:    "asn_blocks",
		Columns: []string{"start_ip_num", "end_ip_num", "asn", "as_organization"},
	}
	CityLocationsTable = Table{
		Name: "city_locations",
		Columns: []string{
			"geoname_id", "locale_code", "continent_code", "continent_name",
			"country_iso_code", "country_name", "city_name",
		},
		ConflictKey: "geoname_id",
	}
	CityBlocksTable = Table{
		Name:    "city_blocks",
		Columns: []string{"start_ip_num", "end_ip_num", "geoname_id", "postal_code", "latitude", "longitude"},
	}
)

// Tables returns every table in import order.
func Tables() []Table {
	return []Table{ASNBlocksTable, CityLocationsTable, CityBlocksTable}
}

// Record is one normalized row bound for a table.
type Record interface {
	Table() Table
	Values() []any
}

// Kind identifies a source dataset.
type Kind int

const (
	KindUnknown Kind = iota
	KindASNBlocks
	KindCityLocations
	KindCityBlocks
)

func (k Kind) String() string {
	switch k {
	case KindASNBlocks:
		return "asn_blocks"
	case KindCityLocations:
		return "city_locations"
	case KindCityBlocks:
		return "city_blocks"
	default:
		return "unknown"
	}
}

// ParseKind accepts the String form of a kind, with dashes or underscores.
func ParseKind(s string) (Kind, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "asn_blocks", "asn":
		return KindASNBlocks, nil
	case "city_locations", "locations":
		return KindCityLocations, nil
	case "city_blocks", "blocks":
		return KindCityBlocks, nil
	}
	return KindUnknown, fmt.Errorf("unknown dataset kind %q", s)
}

// Table returns the destination table for the kind.
func (k Kind) Table() (Table, error) {
	switch k {
	case KindASNBlocks:
		return ASNBlocksTable, nil
	case KindCityLocations:
		return CityLocationsTable, nil
	case KindCityBlocks:
		return CityBlocksTable, nil
	}
	return Table{}, fmt.Errorf("unknown dataset kind %d", int(k))
}

// Transformer maps a raw CSV row to a Result. It is chosen once per file.
type Transformer func(row []string) Result

// Transformer returns the row transform for the kind.
func (k Kind) Transformer() (Transformer, error) {
	switch k {
	case KindASNBlocks:
		return transformASNRow, nil
	case KindCityLocations:
		return transformCityLocationRow, nil
	case KindCityBlocks:
		return transformCityBlockRow, nil
	}
	return nil, fmt.Errorf("unknown dataset kind %d", int(k))
}

type Action int

const (
	Keep Action = iota
	Skip
	Reject
)

func (a Action) String() string {
	switch a {
	case Keep:
		return "keep"
	case Skip:
		return "skip"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Result is the outcome of transforming one row. Record is set for Keep, Err
// for Reject, and Reason may explain a Skip.
type Result struct {
	Action Action
	Record Record
	Reason string
	Err    error
}

func kept(r Record) Result {
	return Result{Action: Keep, Record: r}
}

func skipped(reason string) Result {
	return Result{Action: Skip, Reason: reason}
}

func rejected(format string, args ...any) Result {
	return Result{Action: Reject, Err: fmt.Errorf("%w: "+format, append([]any{ErrMalformedRow}, args...)...)}
}
