package geolite

import (
	"strconv"
	"strings"

	"github.com/airhao3/ispinfo/pkg/iprange"
)

// EnglishLocale is the only locale retained from the locations dataset.
const EnglishLocale = "en"

type ASNRange struct {
	Start        uint32
	End          uint32
	ASN          uint32
	Organization string
}

func (ASNRange) Table() Table { return ASNBlocksTable }

func (r ASNRange) Values() []any {
	return []any{r.Start, r.End, r.ASN, r.Organization}
}

type CityBlockRange struct {
	Start      uint32
	End        uint32
	GeonameID  int64
	PostalCode string
	Latitude   float64
	Longitude  float64
}

func (CityBlockRange) Table() Table { return CityBlocksTable }

func (r CityBlockRange) Values() []any {
	return []any{r.Start, r.End, r.GeonameID, r.PostalCode, r.Latitude, r.Longitude}
}

type CityLocation struct {
	GeonameID      int64
	LocaleCode     string
	ContinentCode  string
	ContinentName  string
	CountryISOCode string
	CountryName    string
	CityName       string
}

func (CityLocation) Table() Table { return CityLocationsTable }

func (r CityLocation) Values() []any {
	return []any{
		r.GeonameID, r.LocaleCode, r.ContinentCode, r.ContinentName,
		r.CountryISOCode, r.CountryName, r.CityName,
	}
}

// transformASNRow: network, autonomous_system_number, autonomous_system_organization.
func transformASNRow(row []string) Result {
	if len(row) < 3 {
		return rejected("asn row has %d columns, want 3", len(row))
	}
	start, end, err := iprange.CIDRToRange(strings.TrimSpace(row[0]))
	if err != nil {
		return rejected("%w", err)
	}
	asn, err := strconv.ParseUint(strings.TrimSpace(row[1]), 10, 32)
	if err != nil {
		return rejected("asn %q", row[1])
	}
	return kept(ASNRange{
		Start:        start,
		End:          end,
		ASN:          uint32(asn),
		Organization: row[2],
	})
}

// transformCityLocationRow keeps the english rows only. Column 6 is ignored
// and column 7 is taken as the city name.
func transformCityLocationRow(row []string) Result {
	if len(row) < 8 {
		return rejected("location row has %d columns, want 8", len(row))
	}
	if row[1] != EnglishLocale {
		return skipped("locale " + row[1])
	}
	id, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
	if err != nil {
		return rejected("geoname_id %q", row[0])
	}
	return kept(CityLocation{
		GeonameID:      id,
		LocaleCode:     row[1],
		ContinentCode:  row[2],
		ContinentName:  row[3],
		CountryISOCode: row[4],
		CountryName:    row[5],
		CityName:       row[7],
	})
}

// transformCityBlockRow: network, geoname_id, (ignored), postal_code,
// latitude, longitude. Empty numeric fields become zero; geoname_id 0 never
// joins to a location.
func transformCityBlockRow(row []string) Result {
	if len(row) < 6 {
		return rejected("block row has %d columns, want 6", len(row))
	}
	start, end, err := iprange.CIDRToRange(strings.TrimSpace(row[0]))
	if err != nil {
		return rejected("%w", err)
	}
	id, err := parseOptionalInt(row[1])
	if err != nil {
		return rejected("geoname_id %q", row[1])
	}
	lat, err := parseOptionalFloat(row[4])
	if err != nil {
		return rejected("latitude %q", row[4])
	}
	lon, err := parseOptionalFloat(row[5])
	if err != nil {
		return rejected("longitude %q", row[5])
	}
	return kept(CityBlockRange{
		Start:      start,
		End:        end,
		GeonameID:  id,
		PostalCode: row[3],
		Latitude:   lat,
		Longitude:  lon,
	})
}

func parseOptionalInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseOptionalFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
