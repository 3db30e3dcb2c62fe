package lookup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/airhao3/ispinfo/pkg/checkpoint"
	"github.com/airhao3/ispinfo/pkg/geolite"
	"github.com/airhao3/ispinfo/pkg/iprange"
	"github.com/airhao3/ispinfo/pkg/loader"
	"github.com/airhao3/ispinfo/pkg/source"
	"github.com/airhao3/ispinfo/pkg/store"
	"github.com/airhao3/ispinfo/pkg/store/sqlstore"
	"github.com/airhao3/ispinfo/pkg/store/storetest"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

// countingReader counts FindASNRange calls on the wrapped reader.
type countingReader struct {
	store.Reader
	asnCalls atomic.Int64
	gate     chan struct{}
}

func (r *countingReader) FindASNRange(ctx context.Context, ip uint32) (*geolite.ASNRange, error) {
	r.asnCalls.Add(1)
	if r.gate != nil {
		<-r.gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.Reader.FindASNRange(ctx, ip)
}

func seeded(t *testing.T) *storetest.MemoryDB {
	t.Helper()
	db := storetest.NewMemoryDB()
	db.Seed(
		storetest.ASN(t, "8.8.8.0/24", 15169, "Google LLC"),
		storetest.ASN(t, "1.0.0.0/24", 13335, "CLOUDFLARENET"),
		storetest.Block(t, "1.0.0.0/24", 2077456, "2000", -33.494, 143.2104),
		storetest.Block(t, "1.0.1.0/24", 999999, "", 10.5, -20.25),
		storetest.Block(t, "1.0.2.0/24", 0, "", 0, 0),
		storetest.Block(t, "1.0.3.0/24", 3017382, "", 46.0, 2.0),
		storetest.Sydney,
		geolite.CityLocation{GeonameID: 3017382, LocaleCode: "en", ContinentName: "Europe", CountryName: "France"},
	)
	return db
}

func newEngine(t *testing.T, reader store.Reader, ttl time.Duration) *Engine {
	t.Helper()
	e, err := New(Config{Logger: logger, Reader: reader, CacheTTL: ttl})
	require.NoError(t, err)
	return e
}

func TestISPInfo_Lookup_Config(t *testing.T) {
	t.Parallel()

	require.Error(t, (&Config{Reader: storetest.NewMemoryDB()}).Validate())
	require.Error(t, (&Config{Logger: logger}).Validate())
	require.Error(t, (&Config{Logger: logger, Reader: storetest.NewMemoryDB(), CacheTTL: -time.Second}).Validate())
	require.NoError(t, (&Config{Logger: logger, Reader: storetest.NewMemoryDB()}).Validate())
}

func TestISPInfo_Lookup_Resolve(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEngine(t, seeded(t), 0)

	t.Run("asn only", func(t *testing.T) {
		t.Parallel()
		res, err := e.Lookup(ctx, "8.8.8.8")
		require.NoError(t, err)
		require.Equal(t, Result{
			IP:             "8.8.8.8",
			ASNStatus:      StatusFound,
			ASN:            &ASN{ASN: 15169, Organization: "Google LLC"},
			LocationStatus: StatusNotFound,
		}, res)
		require.False(t, res.Empty())
	})

	t.Run("asn and joined location", func(t *testing.T) {
		t.Parallel()
		res, err := e.Lookup(ctx, "1.0.0.5")
		require.NoError(t, err)
		require.Equal(t, StatusFound, res.ASNStatus)
		require.Equal(t, uint32(13335), res.ASN.ASN)
		require.Equal(t, StatusFound, res.LocationStatus)
		require.Equal(t, &Location{
			GeonameID:     2077456,
			CityName:      "Sydney",
			RegionName:    Unknown,
			CountryName:   "Australia",
			ContinentName: "Oceania",
			Latitude:      -33.494,
			Longitude:     143.2104,
			PostalCode:    "2000",
		}, res.Location)
	})

	t.Run("block without location row", func(t *testing.T) {
		t.Parallel()
		res, err := e.Lookup(ctx, "1.0.1.1")
		require.NoError(t, err)
		require.Equal(t, StatusNotFound, res.ASNStatus)
		require.Equal(t, StatusFound, res.LocationStatus)
		require.Equal(t, Unknown, res.Location.CityName)
		require.Equal(t, Unknown, res.Location.RegionName)
		require.Equal(t, Unknown, res.Location.CountryName)
		require.Equal(t, 10.5, res.Location.Latitude)
		require.Equal(t, -20.25, res.Location.Longitude)
	})

	t.Run("block without geoname has no location", func(t *testing.T) {
		t.Parallel()
		for _, ip := range []string{"1.0.2.0", "1.0.2.255"} {
			res, err := e.Lookup(ctx, ip)
			require.NoError(t, err)
			require.Equal(t, StatusNotFound, res.LocationStatus, ip)
			require.Nil(t, res.Location, ip)
			require.True(t, res.Empty(), ip)
		}
	})

	t.Run("empty place names fall back to unknown", func(t *testing.T) {
		t.Parallel()
		res, err := e.Lookup(ctx, "1.0.3.9")
		require.NoError(t, err)
		require.Equal(t, StatusFound, res.LocationStatus)
		require.Equal(t, &Location{
			GeonameID:     3017382,
			CityName:      Unknown,
			RegionName:    Unknown,
			CountryName:   "France",
			ContinentName: "Europe",
			Latitude:      46.0,
			Longitude:     2.0,
		}, res.Location)
	})

	t.Run("no match is not an error", func(t *testing.T) {
		t.Parallel()
		res, err := e.Lookup(ctx, "203.0.113.7")
		require.NoError(t, err)
		require.Equal(t, StatusNotFound, res.ASNStatus)
		require.Equal(t, StatusNotFound, res.LocationStatus)
		require.True(t, res.Empty())
		require.False(t, res.Unsupported())
	})

	t.Run("range edges", func(t *testing.T) {
		t.Parallel()
		for ip, found := range map[string]bool{
			"8.8.7.255": false,
			"8.8.8.0":   true,
			"8.8.8.255": true,
			"8.8.9.0":   false,
		} {
			res, err := e.Lookup(ctx, ip)
			require.NoError(t, err)
			require.Equal(t, found, res.ASNStatus == StatusFound, ip)
		}
	})

	t.Run("ipv6 is unsupported", func(t *testing.T) {
		t.Parallel()
		for _, ip := range []string{"2001:4860:4860::8888", "::1", "::ffff:8.8.8.8"} {
			res, err := e.Lookup(ctx, ip)
			require.NoError(t, err, ip)
			require.True(t, res.Unsupported(), ip)
			require.Nil(t, res.ASN)
			require.Nil(t, res.Location)
		}
	})

	t.Run("malformed input", func(t *testing.T) {
		t.Parallel()
		for _, ip := range []string{"", "8.8.8", "256.1.1.1", "a.b.c.d", "1.2.3.4.5", "2001:::1", "8.8.8.8/24"} {
			_, err := e.Lookup(ctx, ip)
			require.ErrorIs(t, err, ErrInvalidAddress, ip)
		}
		_, err := e.Lookup(ctx, "300.1.1.1")
		require.ErrorIs(t, err, iprange.ErrMalformedAddress)
	})
}

func TestISPInfo_Lookup_StoreErrorsDegrade(t *testing.T) {
	t.Parallel()

	db := seeded(t)
	db.ReadErr = errors.New("connection refused")
	e := newEngine(t, db, time.Minute)

	res, err := e.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, StatusError, res.ASNStatus)
	require.Equal(t, StatusError, res.LocationStatus)
	require.True(t, res.Empty())

	// Error results are not cached, so a recovered store answers next time.
	db.ReadErr = nil
	res, err = e.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, StatusFound, res.ASNStatus)
}

func TestISPInfo_Lookup_Cache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("repeated lookups hit the cache", func(t *testing.T) {
		t.Parallel()
		reader := &countingReader{Reader: seeded(t)}
		e := newEngine(t, reader, time.Minute)

		for range 5 {
			res, err := e.Lookup(ctx, "8.8.8.8")
			require.NoError(t, err)
			require.Equal(t, uint32(15169), res.ASN.ASN)
		}
		require.Equal(t, int64(1), reader.asnCalls.Load())
	})

	t.Run("disabled cache always reads", func(t *testing.T) {
		t.Parallel()
		reader := &countingReader{Reader: seeded(t)}
		e := newEngine(t, reader, 0)

		for range 3 {
			_, err := e.Lookup(ctx, "8.8.8.8")
			require.NoError(t, err)
		}
		require.Equal(t, int64(3), reader.asnCalls.Load())
	})

	t.Run("concurrent lookups collapse", func(t *testing.T) {
		t.Parallel()
		reader := &countingReader{Reader: seeded(t), gate: make(chan struct{})}
		e := newEngine(t, reader, 0)

		const callers = 8
		var wg sync.WaitGroup
		results := make([]Result, callers)
		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := e.Lookup(ctx, "8.8.8.8")
				if err == nil {
					results[i] = res
				}
			}()
		}
		require.Eventually(t, func() bool { return reader.asnCalls.Load() == 1 }, time.Second, time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		close(reader.gate)
		wg.Wait()

		require.Equal(t, int64(1), reader.asnCalls.Load())
		for _, res := range results {
			require.Equal(t, StatusFound, res.ASNStatus)
			require.Equal(t, "8.8.8.8", res.IP)
		}
	})

	t.Run("cancelled caller does not fail shared lookup", func(t *testing.T) {
		t.Parallel()
		reader := &countingReader{Reader: seeded(t), gate: make(chan struct{})}
		e := newEngine(t, reader, 0)

		cancelCtx, cancel := context.WithCancel(ctx)
		first := make(chan Result, 1)
		go func() {
			res, _ := e.Lookup(cancelCtx, "8.8.8.8")
			first <- res
		}()
		require.Eventually(t, func() bool { return reader.asnCalls.Load() == 1 }, time.Second, time.Millisecond)

		second := make(chan Result, 1)
		go func() {
			res, _ := e.Lookup(ctx, "8.8.8.8")
			second <- res
		}()
		time.Sleep(50 * time.Millisecond)
		cancel()
		close(reader.gate)

		res := <-second
		require.Equal(t, StatusFound, res.ASNStatus)
		require.Equal(t, uint32(15169), res.ASN.ASN)
		<-first
		require.Equal(t, int64(1), reader.asnCalls.Load())
	})

	t.Run("start stops with context", func(t *testing.T) {
		t.Parallel()
		e := newEngine(t, seeded(t), time.Minute)
		cctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			e.Start(cctx)
			close(done)
		}()
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("cache loop did not stop")
		}
	})
}

// Imports real CSV files through the loader into DuckDB and resolves the
// ingested ranges.
func TestISPInfo_Lookup_DuckDB_EndToEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}
	asn := write("GeoLite2-ASN-Blocks-IPv4.csv",
		"network,autonomous_system_number,autonomous_system_organization\n"+
			"8.8.8.0/24,15169,Google LLC\n"+
			"1.0.0.0/24,13335,CLOUDFLARENET\n")
	locations := write("GeoLite2-City-Locations-en.csv",
		"geoname_id,locale_code,continent_code,continent_name,country_iso_code,country_name,subdivision_1_iso_code,city_name\n"+
			"2077456,en,OC,Oceania,AU,Australia,NSW,Sydney\n"+
			"2077456,ja,OC,オセアニア,AU,オーストラリア,NSW,シドニー\n")
	blocks := write("GeoLite2-City-Blocks-IPv4.csv",
		"network,geoname_id,registered_country_geoname_id,postal_code,latitude,longitude\n"+
			"1.0.0.0/24,2077456,2077456,2000,-33.494,143.2104\n")

	db, err := sqlstore.Open(ctx, sqlstore.Config{Logger: logger, Dialect: sqlstore.DuckDB})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	exec, err := store.NewExecutor(store.ExecutorConfig{Logger: logger, Writer: db, MaxPayloadBytes: 1 << 20})
	require.NoError(t, err)
	l, err := loader.New(loader.Config{
		Logger:      logger,
		Executor:    exec,
		Checkpoints: checkpoint.NewMemoryStore(),
		Opener:      &source.Opener{},
	})
	require.NoError(t, err)
	_, err = l.Run(ctx, []loader.File{
		{Path: asn, Kind: geolite.KindASNBlocks},
		{Path: locations, Kind: geolite.KindCityLocations},
		{Path: blocks, Kind: geolite.KindCityBlocks},
	})
	require.NoError(t, err)

	e := newEngine(t, db, time.Minute)

	res, err := e.Lookup(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, &ASN{ASN: 15169, Organization: "Google LLC"}, res.ASN)

	res, err = e.Lookup(ctx, "1.0.0.5")
	require.NoError(t, err)
	require.Equal(t, int64(2077456), res.Location.GeonameID)
	require.Equal(t, "Sydney", res.Location.CityName)
	require.Equal(t, "Australia", res.Location.CountryName)

	res, err = e.Lookup(ctx, "192.0.2.1")
	require.NoError(t, err)
	require.True(t, res.Empty())

	res, err = e.Lookup(ctx, "2606:4700:4700::1111")
	require.NoError(t, err)
	require.True(t, res.Unsupported())
}
