package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/airhao3/ispinfo/pkg/geolite"
)

const (
	findASNRangeQuery = `SELECT start_ip_num, end_ip_num, asn, as_organization
		FROM asn_blocks WHERE start_ip_num <= $1 AND end_ip_num >= $1 LIMIT 1`
	findCityBlockQuery = `SELECT start_ip_num, end_ip_num, geoname_id, postal_code, latitude, longitude
		FROM city_blocks WHERE start_ip_num <= $1 AND end_ip_num >= $1 LIMIT 1`
	findCityLocationQuery = `SELECT geoname_id, locale_code, continent_code, continent_name,
		country_iso_code, country_name, city_name
		FROM city_locations WHERE geoname_id = $1 LIMIT 1`

	scanASNRangesQuery = `SELECT start_ip_num, end_ip_num, asn, as_organization
		FROM asn_blocks ORDER BY start_ip_num, end_ip_num`
	scanCityBlocksQuery = `SELECT start_ip_num, end_ip_num, geoname_id, postal_code, latitude, longitude
		FROM city_blocks ORDER BY start_ip_num, end_ip_num`
	scanCityLocationsQuery = `SELECT geoname_id, locale_code, continent_code, continent_name,
		country_iso_code, country_name, city_name
		FROM city_locations ORDER BY geoname_id`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanASNRange(row rowScanner) (geolite.ASNRange, error) {
	var start, end, asn int64
	var org sql.NullString
	if err := row.Scan(&start, &end, &asn, &org); err != nil {
		return geolite.ASNRange{}, err
	}
	return geolite.ASNRange{
		Start:        uint32(start),
		End:          uint32(end),
		ASN:          uint32(asn),
		Organization: org.String,
	}, nil
}

func scanCityBlock(row rowScanner) (geolite.CityBlockRange, error) {
	var start, end int64
	var geonameID sql.NullInt64
	var postal sql.NullString
	var lat, lon sql.NullFloat64
	if err := row.Scan(&start, &end, &geonameID, &postal, &lat, &lon); err != nil {
		return geolite.CityBlockRange{}, err
	}
	return geolite.CityBlockRange{
		Start:      uint32(start),
		End:        uint32(end),
		GeonameID:  geonameID.Int64,
		PostalCode: postal.String,
		Latitude:   lat.Float64,
		Longitude:  lon.Float64,
	}, nil
}

func scanCityLocation(row rowScanner) (geolite.CityLocation, error) {
	var loc geolite.CityLocation
	var locale, continentCode, continentName, countryISO, countryName, cityName sql.NullString
	if err := row.Scan(&loc.GeonameID, &locale, &continentCode, &continentName, &countryISO, &countryName, &cityName); err != nil {
		return geolite.CityLocation{}, err
	}
	loc.LocaleCode = locale.String
	loc.ContinentCode = continentCode.String
	loc.ContinentName = continentName.String
	loc.CountryISOCode = countryISO.String
	loc.CountryName = countryName.String
	loc.CityName = cityName.String
	return loc, nil
}

func (s *Store) FindASNRange(ctx context.Context, ip uint32) (*geolite.ASNRange, error) {
	r, err := scanASNRange(s.db.QueryRowContext(ctx, findASNRangeQuery, int64(ip)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query asn range: %w", err)
	}
	return &r, nil
}

func (s *Store) FindCityBlock(ctx context.Context, ip uint32) (*geolite.CityBlockRange, error) {
	r, err := scanCityBlock(s.db.QueryRowContext(ctx, findCityBlockQuery, int64(ip)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query city block: %w", err)
	}
	return &r, nil
}

func (s *Store) FindCityLocation(ctx context.Context, geonameID int64) (*geolite.CityLocation, error) {
	r, err := scanCityLocation(s.db.QueryRowContext(ctx, findCityLocationQuery, geonameID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query city location: %w", err)
	}
	return &r, nil
}

func (s *Store) ScanASNRanges(ctx context.Context, fn func(geolite.ASNRange) error) error {
	return scanAll(ctx, s.db, scanASNRangesQuery, scanASNRange, fn)
}

func (s *Store) ScanCityBlocks(ctx context.Context, fn func(geolite.CityBlockRange) error) error {
	return scanAll(ctx, s.db, scanCityBlocksQuery, scanCityBlock, fn)
}

func (s *Store) ScanCityLocations(ctx context.Context, fn func(geolite.CityLocation) error) error {
	return scanAll(ctx, s.db, scanCityLocationsQuery, scanCityLocation, fn)
}

func scanAll[T any](ctx context.Context, db *sql.DB, query string, scan func(rowScanner) (T, error), fn func(T) error) error {
	rows, err := db.QueryContext(ctx, query)
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
