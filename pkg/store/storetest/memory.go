// Package storetest provides an in-memory store.DB for tests.
package storetest

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/airhao3/ispinfo/pkg/geolite"
	"github.com/airhao3/ispinfo/pkg/store"
)

// MemoryDB keeps every table as a slice of rows in insertion order.
type MemoryDB struct {
	mu     sync.Mutex
	tables map[string][][]any

	// InsertHook, when set, runs before every InsertBatch. A non-nil error
	// fails the write without storing anything.
	InsertHook func(table geolite.Table, rows [][]any) error
	// ReadErr, when set, fails every Find call.
	ReadErr error

	Inserts int
}

var _ store.DB = (*MemoryDB)(nil)

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{tables: make(map[string][][]any)}
}

func (m *MemoryDB) Migrate(context.Context) error { return nil }

func (m *MemoryDB) Close() error { return nil }

func (m *MemoryDB) InsertBatch(_ context.Context, table geolite.Table, rows [][]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertHook != nil {
		if err := m.InsertHook(table, rows); err != nil {
			return err
		}
	}
	for _, row := range rows {
		if len(row) != len(table.Columns) {
			return fmt.Errorf("row has %d values, table %s has %d columns", len(row), table.Name, len(table.Columns))
		}
		if table.ConflictKey != "" && m.hasKeyLocked(table, row) {
			continue
		}
		m.tables[table.Name] = append(m.tables[table.Name], slices.Clone(row))
	}
	m.Inserts++
	return nil
}

func (m *MemoryDB) hasKeyLocked(table geolite.Table, row []any) bool {
	idx := slices.Index(table.Columns, table.ConflictKey)
	for _, existing := range m.tables[table.Name] {
		if existing[idx] == row[idx] {
			return true
		}
	}
	return false
}

func (m *MemoryDB) Truncate(_ context.Context, tables ...geolite.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tables {
		delete(m.tables, t.Name)
	}
	return nil
}

func (m *MemoryDB) Counts(context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64)
	for _, t := range geolite.Tables() {
		out[t.Name] = int64(len(m.tables[t.Name]))
	}
	return out, nil
}

// Rows returns a copy of the rows stored for table.
func (m *MemoryDB) Rows(table geolite.Table) [][]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]any, len(m.tables[table.Name]))
	for i, r := range m.tables[table.Name] {
		out[i] = slices.Clone(r)
	}
	return out
}

func (m *MemoryDB) ASNRanges() []geolite.ASNRange {
	rows := m.Rows(geolite.ASNBlocksTable)
	out := make([]geolite.ASNRange, len(rows))
	for i, r := range rows {
		out[i] = asnFromRow(r)
	}
	return out
}

func (m *MemoryDB) CityBlocks() []geolite.CityBlockRange {
	rows := m.Rows(geolite.CityBlocksTable)
	out := make([]geolite.CityBlockRange, len(rows))
	for i, r := range rows {
		out[i] = blockFromRow(r)
	}
	return out
}

func (m *MemoryDB) CityLocations() []geolite.CityLocation {
	rows := m.Rows(geolite.CityLocationsTable)
	out := make([]geolite.CityLocation, len(rows))
	for i, r := range rows {
		out[i] = locationFromRow(r)
	}
	return out
}

func (m *MemoryDB) FindASNRange(_ context.Context, ip uint32) (*geolite.ASNRange, error) {
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	for _, r := range m.ASNRanges() {
		if r.Start <= ip && ip <= r.End {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *MemoryDB) FindCityBlock(_ context.Context, ip uint32) (*geolite.CityBlockRange, error) {
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	for _, r := range m.CityBlocks() {
		if r.Start <= ip && ip <= r.End {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *MemoryDB) FindCityLocation(_ context.Context, geonameID int64) (*geolite.CityLocation, error) {
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	for _, r := range m.CityLocations() {
		if r.GeonameID == geonameID {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *MemoryDB) ScanASNRanges(_ context.Context, fn func(geolite.ASNRange) error) error {
	rs := m.ASNRanges()
	slices.SortStableFunc(rs, func(a, b geolite.ASNRange) int {
		return cmp.Or(cmp.Compare(a.Start, b.Start), cmp.Compare(a.End, b.End))
	})
	for _, r := range rs {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryDB) ScanCityBlocks(_ context.Context, fn func(geolite.CityBlockRange) error) error {
	rs := m.CityBlocks()
	slices.SortStableFunc(rs, func(a, b geolite.CityBlockRange) int {
		return cmp.Or(cmp.Compare(a.Start, b.Start), cmp.Compare(a.End, b.End))
	})
	for _, r := range rs {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryDB) ScanCityLocations(_ context.Context, fn func(geolite.CityLocation) error) error {
	rs := m.CityLocations()
	slices.SortStableFunc(rs, func(a, b geolite.CityLocation) int {
		return cmp.Compare(a.GeonameID, b.GeonameID)
	})
	for _, r := range rs {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Seed inserts records directly, grouped by table.
func (m *MemoryDB) Seed(records ...geolite.Record) {
	for _, r := range records {
		_ = m.InsertBatch(context.Background(), r.Table(), [][]any{r.Values()})
	}
}

func asnFromRow(r []any) geolite.ASNRange {
	return geolite.ASNRange{
		Start:        r[0].(uint32),
		End:          r[1].(uint32),
		ASN:          r[2].(uint32),
		Organization: r[3].(string),
	}
}

func blockFromRow(r []any) geolite.CityBlockRange {
	return geolite.CityBlockRange{
		Start:      r[0].(uint32),
		End:        r[1].(uint32),
		GeonameID:  r[2].(int64),
		PostalCode: r[3].(string),
		Latitude:   r[4].(float64),
		Longitude:  r[5].(float64),
	}
}

func locationFromRow(r []any) geolite.CityLocation {
	return geolite.CityLocation{
		GeonameID:      r[0].(int64),
		LocaleCode:     r[1].(string),
		ContinentCode:  r[2].(string),
		ContinentName:  r[3].(string),
		CountryISOCode: r[4].(string),
		CountryName:    r[5].(string),
		CityName:       r[6].(string),
	}
}
