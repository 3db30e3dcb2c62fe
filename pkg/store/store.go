// Package store defines the storage contracts shared by the importer, the
// lookup engine and the export path, and the executor that turns batches of
// records into bulk writes.
package store

import (
	"context"

	"github.com/airhao3/ispinfo/pkg/geolite"
)

// Writer is the bulk write side of a backend.
type Writer interface {
	// InsertBatch writes all rows to table in a single operation. Rows are
	// ordered as table.Columns.
	InsertBatch(ctx context.Context, table geolite.Table, rows [][]any) error
	// Truncate deletes every row of the given tables.
	Truncate(ctx context.Context, tables ...geolite.Table) error
}

// Reader answers point-in-range and exact-key queries. A miss returns a nil
// record and a nil error. When several ranges contain ip, which one is
// returned is unspecified.
type Reader interface {
	FindASNRange(ctx context.Context, ip uint32) (*geolite.ASNRange, error)
	FindCityBlock(ctx context.Context, ip uint32) (*geolite.CityBlockRange, error)
	FindCityLocation(ctx context.Context, geonameID int64) (*geolite.CityLocation, error)
}

// Scanner walks whole tables ordered by key. Returning an error from fn stops
// the scan and is returned as is.
type Scanner interface {
	ScanASNRanges(ctx context.Context, fn func(geolite.ASNRange) error) error
	ScanCityBlocks(ctx context.Context, fn func(geolite.CityBlockRange) error) error
	ScanCityLocations(ctx context.Context, fn func(geolite.CityLocation) error) error
}

// DB is a complete backend.
type DB interface {
	Writer
	Reader
	Scanner

	// Migrate creates the schema. It is safe to run repeatedly.
	Migrate(ctx context.Context) error
	// Counts returns the row count of every table keyed by table name.
	Counts(ctx context.Context) (map[string]int64, error)
	Close() error
}

// PayloadClassifier is implemented by backends that can recognise their own
// write-size limit errors.
type PayloadClassifier interface {
	IsPayloadTooLarge(err error) bool
}
