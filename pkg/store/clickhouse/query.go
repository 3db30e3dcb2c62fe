package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/airhao3/ispinfo/pkg/geolite"
)

const (
	asnColumns      = "start_ip_num, end_ip_num, asn, as_organization"
	blockColumns    = "start_ip_num, end_ip_num, geoname_id, postal_code, latitude, longitude"
	locationColumns = "geoname_id, locale_code, continent_code, continent_name, country_iso_code, country_name, city_name"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanASNRange(row rowScanner) (geolite.ASNRange, error) {
	var r geolite.ASNRange
	err := row.Scan(&r.Start, &r.End, &r.ASN, &r.Organization)
	return r, err
}

func scanCityBlock(row rowScanner) (geolite.CityBlockRange, error) {
	var r geolite.CityBlockRange
	err := row.Scan(&r.Start, &r.End, &r.GeonameID, &r.PostalCode, &r.Latitude, &r.Longitude)
	return r, err
}

func scanCityLocation(row rowScanner) (geolite.CityLocation, error) {
	var r geolite.CityLocation
	err := row.Scan(&r.GeonameID, &r.LocaleCode, &r.ContinentCode, &r.ContinentName, &r.CountryISOCode, &r.CountryName, &r.CityName)
	return r, err
}

func findOne[T any](ctx context.Context, conn driver.Conn, scan func(rowScanner) (T, error), query string, args ...any) (*T, error) {
	v, err := scan(conn.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

func (s *Store) FindASNRange(ctx context.Context, ip uint32) (*geolite.ASNRange, error) {
	r, err := findOne(ctx, s.conn, scanASNRange,
		"SELECT "+asnColumns+" FROM asn_blocks WHERE start_ip_num <= ? AND end_ip_num >= ? LIMIT 1", ip, ip)
	if err != nil {
		return nil, fmt.Errorf("failed to query asn range: %w", err)
	}
	return r, nil
}

func (s *Store) FindCityBlock(ctx context.Context, ip uint32) (*geolite.CityBlockRange, error) {
	r, err := findOne(ctx, s.conn, scanCityBlock,
		"SELECT "+blockColumns+" FROM city_blocks WHERE start_ip_num <= ? AND end_ip_num >= ? LIMIT 1", ip, ip)
	if err != nil {
		return nil, fmt.Errorf("failed to query city block: %w", err)
	}
	return r, nil
}

func (s *Store) FindCityLocation(ctx context.Context, geonameID int64) (*geolite.CityLocation, error) {
	r, err := findOne(ctx, s.conn, scanCityLocation,
		"SELECT "+locationColumns+" FROM "+from(geolite.CityLocationsTable)+" WHERE geoname_id = ? LIMIT 1", geonameID)
	if err != nil {
		return nil, fmt.Errorf("failed to query city location: %w", err)
	}
	return r, nil
}

func (s *Store) ScanASNRanges(ctx context.Context, fn func(geolite.ASNRange) error) error {
	return scanAll(ctx, s.conn, "SELECT "+asnColumns+" FROM asn_blocks ORDER BY start_ip_num, end_ip_num", scanASNRange, fn)
}

func (s *Store) ScanCityBlocks(ctx context.Context, fn func(geolite.CityBlockRange) error) error {
	return scanAll(ctx, s.conn, "SELECT "+blockColumns+" FROM city_blocks ORDER BY start_ip_num, end_ip_num", scanCityBlock, fn)
}

func (s *Store) ScanCityLocations(ctx context.Context, fn func(geolite.CityLocation) error) error {
	return scanAll(ctx, s.conn, "SELECT "+locationColumns+" FROM "+from(geolite.CityLocationsTable)+" ORDER BY geoname_id", scanCityLocation, fn)
}

func scanAll[T any](ctx context.Context, conn driver.Conn, query string, scan func(rowScanner) (T, error), fn func(T) error) error {
	rows, err := conn.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate rows: %w", err)
	}
	return nil
}
