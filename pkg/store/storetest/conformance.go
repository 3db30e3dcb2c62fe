package storetest

import (
	"context"
	"testing"

	"github.com/airhao3/ispinfo/pkg/geolite"
	"github.com/airhao3/ispinfo/pkg/iprange"
	"github.com/airhao3/ispinfo/pkg/store"
	"github.com/stretchr/testify/require"
)

// ASN returns an ASNRange for a CIDR block, failing the test on a bad block.
func ASN(t testing.TB, cidr string, asn uint32, org string) geolite.ASNRange {
	t.Helper()
	start, end, err := iprange.CIDRToRange(cidr)
	require.NoError(t, err)
	return geolite.ASNRange{Start: start, End: end, ASN: asn, Organization: org}
}

// Block returns a CityBlockRange for a CIDR block.
func Block(t testing.TB, cidr string, geonameID int64, postal string, lat, lon float64) geolite.CityBlockRange {
	t.Helper()
	start, end, err := iprange.CIDRToRange(cidr)
	require.NoError(t, err)
	return geolite.CityBlockRange{Start: start, End: end, GeonameID: geonameID, PostalCode: postal, Latitude: lat, Longitude: lon}
}

// IP converts a dotted quad, failing the test on a bad literal.
func IP(t testing.TB, ip string) uint32 {
	t.Helper()
	n, err := iprange.IPToInt(ip)
	require.NoError(t, err)
	return n
}

var Sydney = geolite.CityLocation{
	GeonameID:      2077456,
	LocaleCode:     "en",
	ContinentCode:  "OC",
	ContinentName:  "Oceania",
	CountryISOCode: "AU",
	CountryName:    "Australia",
	CityName:       "Sydney",
}

func rowsOf[T geolite.Record](records ...T) [][]any {
	out := make([][]any, len(records))
	for i, r := range records {
		out[i] = r.Values()
	}
	return out
}

// RunConformance exercises a freshly opened, empty backend through the
// store.DB contract. Steps share the database and run in order.
func RunConformance(t *testing.T, db store.DB) {
	ctx := context.Background()

	google := ASN(t, "8.8.8.0/24", 15169, "Google LLC")
	cloudflare := ASN(t, "1.0.0.0/24", 13335, "CLOUDFLARENET")
	top := ASN(t, "255.255.255.0/24", 4200000000, "Top Of Space")
	sydneyBlock := Block(t, "1.0.0.0/24", 2077456, "2000", -33.494, 143.2104)
	orphanBlock := Block(t, "1.0.1.0/24", 999999, "", 10.5, -20.25)
	melbourne := geolite.CityLocation{GeonameID: 2158177, LocaleCode: "en", ContinentCode: "OC", ContinentName: "Oceania", CountryISOCode: "AU", CountryName: "Australia", CityName: "Melbourne"}

	t.Run("migrate is idempotent", func(t *testing.T) {
		require.NoError(t, db.Migrate(ctx))
		require.NoError(t, db.Migrate(ctx))
		counts, err := db.Counts(ctx)
		require.NoError(t, err)
		require.Equal(t, map[string]int64{"asn_blocks": 0, "city_locations": 0, "city_blocks": 0}, counts)
	})

	t.Run("insert batches", func(t *testing.T) {
		require.NoError(t, db.InsertBatch(ctx, geolite.ASNBlocksTable, rowsOf(google, cloudflare, top)))
		require.NoError(t, db.InsertBatch(ctx, geolite.CityBlocksTable, rowsOf(sydneyBlock, orphanBlock)))
		require.NoError(t, db.InsertBatch(ctx, geolite.CityLocationsTable, rowsOf(melbourne, Sydney)))
		require.NoError(t, db.InsertBatch(ctx, geolite.ASNBlocksTable, nil))
	})

	t.Run("asn containment", func(t *testing.T) {
		got, err := db.FindASNRange(ctx, IP(t, "8.8.8.8"))
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, google, *got)

		for _, ip := range []string{"8.8.8.0", "8.8.8.255"} {
			got, err := db.FindASNRange(ctx, IP(t, ip))
			require.NoError(t, err)
			require.NotNil(t, got, ip)
			require.Equal(t, uint32(15169), got.ASN)
		}

		got, err = db.FindASNRange(ctx, IP(t, "255.255.255.255"))
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, top, *got)

		for _, ip := range []string{"8.8.7.255", "8.8.9.0", "0.0.0.0", "192.0.2.1"} {
			got, err := db.FindASNRange(ctx, IP(t, ip))
			require.NoError(t, err)
			require.Nil(t, got, ip)
		}
	})

	t.Run("city block and location join", func(t *testing.T) {
		block, err := db.FindCityBlock(ctx, IP(t, "1.0.0.5"))
		require.NoError(t, err)
		require.NotNil(t, block)
		require.Equal(t, int64(2077456), block.GeonameID)
		require.Equal(t, "2000", block.PostalCode)
		require.InDelta(t, -33.494, block.Latitude, 1e-9)
		require.InDelta(t, 143.2104, block.Longitude, 1e-9)

		loc, err := db.FindCityLocation(ctx, block.GeonameID)
		require.NoError(t, err)
		require.NotNil(t, loc)
		require.Equal(t, Sydney, *loc)

		orphan, err := db.FindCityBlock(ctx, IP(t, "1.0.1.1"))
		require.NoError(t, err)
		require.NotNil(t, orphan)
		loc, err = db.FindCityLocation(ctx, orphan.GeonameID)
		require.NoError(t, err)
		require.Nil(t, loc)

		none, err := db.FindCityBlock(ctx, IP(t, "8.8.8.8"))
		require.NoError(t, err)
		require.Nil(t, none)
	})

	t.Run("conflicting location key is ignored", func(t *testing.T) {
		require.NoError(t, db.InsertBatch(ctx, geolite.CityLocationsTable, rowsOf(Sydney)))
		counts, err := db.Counts(ctx)
		require.NoError(t, err)
		require.Equal(t, map[string]int64{"asn_blocks": 3, "city_locations": 2, "city_blocks": 2}, counts)
	})

	t.Run("scans are ordered", func(t *testing.T) {
		var asns []geolite.ASNRange
		require.NoError(t, db.ScanASNRanges(ctx, func(r geolite.ASNRange) error {
			asns = append(asns, r)
			return nil
		}))
		require.Equal(t, []geolite.ASNRange{cloudflare, google, top}, asns)

		var blocks []geolite.CityBlockRange
		require.NoError(t, db.ScanCityBlocks(ctx, func(r geolite.CityBlockRange) error {
			blocks = append(blocks, r)
			return nil
		}))
		require.Len(t, blocks, 2)
		require.Equal(t, sydneyBlock.Start, blocks[0].Start)
		require.Equal(t, orphanBlock.Start, blocks[1].Start)

		var locs []geolite.CityLocation
		require.NoError(t, db.ScanCityLocations(ctx, func(r geolite.CityLocation) error {
			locs = append(locs, r)
			return nil
		}))
		require.Equal(t, []geolite.CityLocation{Sydney, melbourne}, locs)
	})

	t.Run("truncate", func(t *testing.T) {
		require.NoError(t, db.Truncate(ctx, geolite.Tables()...))
		counts, err := db.Counts(ctx)
		require.NoError(t, err)
		require.Equal(t, map[string]int64{"asn_blocks": 0, "city_locations": 0, "city_blocks": 0}, counts)

		got, err := db.FindASNRange(ctx, IP(t, "8.8.8.8"))
		require.NoError(t, err)
		require.Nil(t, got)

		// A truncated location key can be inserted again.
		require.NoError(t, db.InsertBatch(ctx, geolite.CityLocationsTable, rowsOf(Sydney)))
		loc, err := db.FindCityLocation(ctx, Sydney.GeonameID)
		require.NoError(t, err)
		require.NotNil(t, loc)
	})
}
