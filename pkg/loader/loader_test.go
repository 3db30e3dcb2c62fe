package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/airhao3/ispinfo/pkg/checkpoint"
	"github.com/airhao3/ispinfo/pkg/geolite"
	"github.com/airhao3/ispinfo/pkg/iprange"
	"github.com/airhao3/ispinfo/pkg/metrics"
	"github.com/airhao3/ispinfo/pkg/source"
	"github.com/airhao3/ispinfo/pkg/store"
	"github.com/airhao3/ispinfo/pkg/store/storetest"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

const (
	asnHeader      = "network,autonomous_system_number,autonomous_system_organization"
	locationHeader = "geoname_id,locale_code,continent_code,continent_name,country_iso_code,country_name,subdivision_1_iso_code,subdivision_1_name"
	blockHeader    = "network,geoname_id,registered_country_geoname_id,postal_code,latitude,longitude"
)

func writeFile(t *testing.T, name string, header string, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	content := header + "\n" + strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// asnLines returns n ASN rows; row i covers the /24 starting at (i+1)<<8 and
// carries ASN i.
func asnLines(n int) []string {
	out := make([]string, n)
	for i := range n {
		out[i] = fmt.Sprintf("%s/24,%d,org-%d", iprange.IntToIP(uint32(i+1)<<8), i, i)
	}
	return out
}

// locationLines returns n location rows alternating en/de, starting with en.
func locationLines(n int) []string {
	out := make([]string, n)
	for i := range n {
		locale := "en"
		if i%2 == 1 {
			locale = "de"
		}
		out[i] = fmt.Sprintf("%d,%s,EU,Europe,DE,Germany,BE,City %d", 1000+i, locale, i)
	}
	return out
}

type harness struct {
	db          *storetest.MemoryDB
	checkpoints *checkpoint.MemoryStore
	loader      *Loader

	mu       sync.Mutex
	attempts []int
}

func newHarness(t *testing.T, cfg Config, hook func(call int, rows [][]any) error) *harness {
	t.Helper()
	h := &harness{db: storetest.NewMemoryDB(), checkpoints: checkpoint.NewMemoryStore()}
	h.setHook(hook)
	h.loader = h.newLoader(t, cfg)
	return h
}

func (h *harness) setHook(hook func(call int, rows [][]any) error) {
	calls := 0
	h.db.InsertHook = func(_ geolite.Table, rows [][]any) error {
		h.mu.Lock()
		h.attempts = append(h.attempts, len(rows))
		h.mu.Unlock()
		calls++
		if hook != nil {
			return hook(calls, rows)
		}
		return nil
	}
}

func (h *harness) newLoader(t *testing.T, cfg Config) *Loader {
	t.Helper()
	exec, err := store.NewExecutor(store.ExecutorConfig{Logger: logger, Writer: h.db})
	require.NoError(t, err)
	cfg.Logger = logger
	cfg.Executor = exec
	cfg.Checkpoints = h.checkpoints
	cfg.Opener = &source.Opener{}
	cfg.Clock = clockwork.NewFakeClock()
	l, err := New(cfg)
	require.NoError(t, err)
	return l
}

func (h *harness) attemptSizes() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.attempts...)
}

func containsASN(rows [][]any, asn uint32) bool {
	for _, r := range rows {
		if r[2].(uint32) == asn {
			return true
		}
	}
	return false
}

func TestISPInfo_Loader_Config(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Logger:      logger,
			Executor:    &store.Executor{},
			Checkpoints: checkpoint.NewMemoryStore(),
			Opener:      &source.Opener{},
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultFlushThreshold, cfg.FlushThreshold)
	require.Equal(t, DefaultInitialBatchSize, cfg.InitialBatchSize)
	require.Equal(t, DefaultMinBatchSize, cfg.MinBatchSize)
	require.NotNil(t, cfg.Clock)

	for name, mutate := range map[string]func(*Config){
		"no logger":      func(c *Config) { c.Logger = nil },
		"no executor":    func(c *Config) { c.Executor = nil },
		"no checkpoints": func(c *Config) { c.Checkpoints = nil },
		"no opener":      func(c *Config) { c.Opener = nil },
		"min above init": func(c *Config) { c.InitialBatchSize = 50 },
		"negative min":   func(c *Config) { c.MinBatchSize = -1 },
		"negative flush": func(c *Config) { c.FlushThreshold = -1 },
	} {
		cfg := base()
		mutate(&cfg)
		require.Error(t, cfg.Validate(), name)
	}
}

func TestISPInfo_Loader_Run(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("imports all three datasets", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, nil)

		asnPath := writeFile(t, "asn.csv", asnHeader, []string{
			"8.8.8.0/24,15169,Google LLC",
			`9.9.9.0/24,19281,"Quad9, Inc."`,
		})
		locPath := writeFile(t, "locations.csv", locationHeader, []string{
			"2077456,en,OC,Oceania,AU,Australia,NSW,Sydney",
			"2077456,de,OC,Ozeanien,AU,Australien,NSW,Sydney",
			"2077456,fr,OC,Océanie,AU,Australie,NSW,Sydney",
		})
		blockPath := writeFile(t, "blocks.csv", blockHeader, []string{
			"1.0.0.0/24,2077456,2077456,2000,-33.494,143.2104",
			"1.0.1.0/24,,,,,",
		})

		stats, err := h.loader.Run(ctx, []File{
			{Path: asnPath, Kind: geolite.KindASNBlocks},
			{Path: locPath, Kind: geolite.KindCityLocations},
			{Path: blockPath, Kind: geolite.KindCityBlocks},
		})
		require.NoError(t, err)
		require.Len(t, stats, 3)
		for _, s := range stats {
			require.Equal(t, StateDone, s.State, s.File)
			require.Equal(t, 1, s.Batches, s.File)
		}
		require.Equal(t, int64(3), stats[1].Lines)
		require.Equal(t, int64(1), stats[1].Kept)
		require.Equal(t, int64(2), stats[1].Skipped)

		counts, err := h.db.Counts(ctx)
		require.NoError(t, err)
		require.Equal(t, map[string]int64{"asn_blocks": 2, "city_locations": 1, "city_blocks": 2}, counts)
		require.Equal(t, "Quad9, Inc.", h.db.ASNRanges()[1].Organization)
		for _, loc := range h.db.CityLocations() {
			require.Equal(t, "en", loc.LocaleCode)
		}

		for path, lines := range map[string]int64{asnPath: 2, locPath: 3, blockPath: 2} {
			st, ok := h.checkpoints.Get(path)
			require.True(t, ok)
			require.Equal(t, checkpoint.State{ProcessedLines: lines, Completed: true}, st)
		}
	})

	t.Run("completed file is skipped without opening it", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, nil)
		require.NoError(t, h.checkpoints.Put("/does/not/exist.csv", checkpoint.State{ProcessedLines: 10, Completed: true}))

		stats, err := h.loader.Run(ctx, []File{{Path: "/does/not/exist.csv", Kind: geolite.KindASNBlocks}})
		require.NoError(t, err)
		require.True(t, stats[0].AlreadyComplete)
		require.Equal(t, StateDone, stats[0].State)
		require.Empty(t, h.attemptSizes())
	})

	t.Run("running twice does not duplicate rows", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, nil)
		path := writeFile(t, "asn.csv", asnHeader, asnLines(10))
		files := []File{{Path: path, Kind: geolite.KindASNBlocks}}

		_, err := h.loader.Run(ctx, files)
		require.NoError(t, err)
		_, err = h.loader.Run(ctx, files)
		require.NoError(t, err)
		require.Len(t, h.db.ASNRanges(), 10)
	})

	t.Run("stops at the first failing file", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, nil)
		good := writeFile(t, "asn.csv", asnHeader, asnLines(3))
		stats, err := h.loader.Run(ctx, []File{
			{Path: filepath.Join(t.TempDir(), "missing.csv"), Kind: geolite.KindCityLocations},
			{Path: good, Kind: geolite.KindASNBlocks},
		})
		require.ErrorIs(t, err, os.ErrNotExist)
		require.Len(t, stats, 1)
		require.Equal(t, StateFailed, stats[0].State)
		require.Empty(t, h.db.ASNRanges())
	})

	t.Run("empty files complete", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, nil)
		headerOnly := writeFile(t, "asn.csv", asnHeader, nil)
		zero := filepath.Join(t.TempDir(), "zero.csv")
		require.NoError(t, os.WriteFile(zero, nil, 0o644))

		_, err := h.loader.Run(ctx, []File{
			{Path: headerOnly, Kind: geolite.KindASNBlocks},
			{Path: zero, Kind: geolite.KindCityBlocks},
		})
		require.NoError(t, err)
		for _, p := range []string{headerOnly, zero} {
			st, ok := h.checkpoints.Get(p)
			require.True(t, ok)
			require.Equal(t, checkpoint.State{Completed: true}, st)
		}
	})

	t.Run("gzip input", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, nil)
		path := writeFile(t, "asn.csv", asnHeader, asnLines(5))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		gzPath := path + ".gz"
		f, err := os.Create(gzPath)
		require.NoError(t, err)
		zw := gzip.NewWriter(f)
		_, err = zw.Write(data)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		require.NoError(t, f.Close())

		_, err = h.loader.Run(ctx, []File{{Path: gzPath, Kind: geolite.KindASNBlocks}})
		require.NoError(t, err)
		require.Len(t, h.db.ASNRanges(), 5)
	})
}

func TestISPInfo_Loader_AdaptiveBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("shrinks until writes fit and keeps the smaller size", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, func(_ int, rows [][]any) error {
			if len(rows) > 300 {
				return store.ErrPayloadTooLarge
			}
			return nil
		})
		path := writeFile(t, "asn.csv", asnHeader, asnLines(2500))

		stats, err := h.loader.LoadFile(ctx, File{Path: path, Kind: geolite.KindASNBlocks})
		require.NoError(t, err)
		// First flush: 1000 and 500 fail, then 4 x 250. Later flushes start
		// at 250 and the trailing 500 records go out as 2 x 250.
		require.Equal(t, []int{1000, 500, 250, 250, 250, 250, 250, 250, 250, 250, 250, 250}, h.attemptSizes())
		require.Equal(t, 2, stats.Shrinks)
		require.Equal(t, 10, stats.Batches)
		require.Equal(t, 250, stats.FinalBatchSize)

		got := h.db.ASNRanges()
		require.Len(t, got, 2500)
		for i, r := range got {
			require.Equal(t, uint32(i), r.ASN)
		}
		st, _ := h.checkpoints.Get(path)
		require.Equal(t, checkpoint.State{ProcessedLines: 2500, Completed: true}, st)
	})

	t.Run("every file starts at the initial size", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{FlushThreshold: 400, InitialBatchSize: 400, MinBatchSize: 50}, func(_ int, rows [][]any) error {
			if len(rows) > 100 && containsASN(rows, 0) {
				return store.ErrPayloadTooLarge
			}
			return nil
		})
		first := writeFile(t, "a.csv", asnHeader, asnLines(400))
		second := writeFile(t, "b.csv", asnHeader, []string{"8.8.8.0/24,15169,Google LLC"})
		stats, err := h.loader.Run(ctx, []File{
			{Path: first, Kind: geolite.KindASNBlocks},
			{Path: second, Kind: geolite.KindASNBlocks},
		})
		require.NoError(t, err)
		require.Equal(t, 100, stats[0].FinalBatchSize)
		require.Equal(t, 400, stats[1].FinalBatchSize)
	})

	t.Run("fails with batch too small at the minimum", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, func(int, [][]any) error {
			return store.ErrPayloadTooLarge
		})
		path := writeFile(t, "asn.csv", asnHeader, asnLines(1000))

		stats, err := h.loader.LoadFile(ctx, File{Path: path, Kind: geolite.KindASNBlocks})
		require.ErrorIs(t, err, ErrBatchTooSmall)
		require.ErrorIs(t, err, store.ErrPayloadTooLarge)
		require.Equal(t, []int{1000, 500, 250, 125, 100}, h.attemptSizes())
		require.Equal(t, StateFailed, stats.State)
		require.Empty(t, h.db.ASNRanges())
		_, ok := h.checkpoints.Get(path)
		require.False(t, ok)
	})

	t.Run("commits every successful sub-batch", func(t *testing.T) {
		t.Parallel()
		// Any write containing ASN 700 is too large.
		poison := func(_ int, rows [][]any) error {
			if containsASN(rows, 700) {
				return store.ErrPayloadTooLarge
			}
			return nil
		}
		h := newHarness(t, Config{}, poison)
		path := writeFile(t, "asn.csv", asnHeader, asnLines(1000))
		file := File{Path: path, Kind: geolite.KindASNBlocks}

		_, err := h.loader.LoadFile(ctx, file)
		require.ErrorIs(t, err, ErrBatchTooSmall)
		require.Equal(t, []int{1000, 500, 500, 250, 125, 125, 100}, h.attemptSizes())

		st, ok := h.checkpoints.Get(path)
		require.True(t, ok)
		require.Equal(t, checkpoint.State{ProcessedLines: 625}, st)
		require.Len(t, h.db.ASNRanges(), 625)

		// Resume once the store accepts the record.
		h.setHook(nil)
		stats, err := h.loader.LoadFile(ctx, file)
		require.NoError(t, err)
		require.Equal(t, int64(625), stats.ResumedFrom)
		require.Equal(t, int64(375), stats.Lines)

		got := h.db.ASNRanges()
		require.Len(t, got, 1000)
		for i, r := range got {
			require.Equal(t, uint32(i), r.ASN)
		}
	})

	t.Run("estimated payload limit drives shrinking", func(t *testing.T) {
		t.Parallel()
		db := storetest.NewMemoryDB()
		var sizes []int
		db.InsertHook = func(_ geolite.Table, rows [][]any) error {
			sizes = append(sizes, len(rows))
			return nil
		}
		exec, err := store.NewExecutor(store.ExecutorConfig{Logger: logger, Writer: db, MaxPayloadBytes: 16 * 1024})
		require.NoError(t, err)
		l, err := New(Config{
			Logger:      logger,
			Executor:    exec,
			Checkpoints: checkpoint.NewMemoryStore(),
			Opener:      &source.Opener{},
		})
		require.NoError(t, err)

		path := writeFile(t, "asn.csv", asnHeader, asnLines(1000))
		stats, err := l.LoadFile(ctx, File{Path: path, Kind: geolite.KindASNBlocks})
		require.NoError(t, err)
		require.Positive(t, stats.Shrinks)
		require.Len(t, db.ASNRanges(), 1000)
		for _, n := range sizes {
			require.LessOrEqual(t, n, stats.FinalBatchSize)
		}
	})
}

func TestISPInfo_Loader_Failures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("other write errors are fatal and not retried", func(t *testing.T) {
		t.Parallel()
		diskFull := errors.New("disk full")
		h := newHarness(t, Config{}, func(int, [][]any) error { return diskFull })
		path := writeFile(t, "asn.csv", asnHeader, asnLines(10))

		_, err := h.loader.LoadFile(ctx, File{Path: path, Kind: geolite.KindASNBlocks})
		var werr *store.WriteError
		require.ErrorAs(t, err, &werr)
		require.ErrorIs(t, err, diskFull)
		require.Equal(t, []int{10}, h.attemptSizes())
		_, ok := h.checkpoints.Get(path)
		require.False(t, ok)
	})

	t.Run("malformed row aborts at the last commit", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{FlushThreshold: 2, InitialBatchSize: 2, MinBatchSize: 1}, nil)
		lines := asnLines(6)
		lines[4] = "not-a-cidr,1,broken"
		path := writeFile(t, "asn.csv", asnHeader, lines)

		_, err := h.loader.LoadFile(ctx, File{Path: path, Kind: geolite.KindASNBlocks})
		require.ErrorIs(t, err, geolite.ErrMalformedRow)
		require.ErrorIs(t, err, iprange.ErrMalformedCIDR)
		require.ErrorContains(t, err, "record 5")
		st, _ := h.checkpoints.Get(path)
		require.Equal(t, checkpoint.State{ProcessedLines: 4}, st)
		require.Len(t, h.db.ASNRanges(), 4)
	})

	t.Run("checkpoint beyond end of file", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, nil)
		path := writeFile(t, "asn.csv", asnHeader, asnLines(3))
		require.NoError(t, h.checkpoints.Put(path, checkpoint.State{ProcessedLines: 50}))

		_, err := h.loader.LoadFile(ctx, File{Path: path, Kind: geolite.KindASNBlocks})
		require.ErrorContains(t, err, "checkpoint at record 50")
	})

	t.Run("unknown kind", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, nil)
		path := writeFile(t, "asn.csv", asnHeader, asnLines(1))
		_, err := h.loader.LoadFile(ctx, File{Path: path})
		require.Error(t, err)
	})

	t.Run("cancellation waits for the in-flight write", func(t *testing.T) {
		t.Parallel()
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		h := newHarness(t, Config{FlushThreshold: 100, InitialBatchSize: 100, MinBatchSize: 10}, func(call int, _ [][]any) error {
			if call == 1 {
				cancel()
			}
			return nil
		})
		path := writeFile(t, "asn.csv", asnHeader, asnLines(1000))

		_, err := h.loader.LoadFile(cctx, File{Path: path, Kind: geolite.KindASNBlocks})
		require.ErrorIs(t, err, context.Canceled)
		st, _ := h.checkpoints.Get(path)
		require.Equal(t, checkpoint.State{ProcessedLines: 100}, st)
		require.Len(t, h.db.ASNRanges(), 100)
	})
}

func TestISPInfo_Loader_Resume(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := Config{FlushThreshold: 10, InitialBatchSize: 10, MinBatchSize: 1}

	asnPath := writeFile(t, "asn.csv", asnHeader, asnLines(95))
	locPath := writeFile(t, "locations.csv", locationHeader, locationLines(100))
	files := []File{
		{Path: asnPath, Kind: geolite.KindASNBlocks},
		{Path: locPath, Kind: geolite.KindCityLocations},
	}

	reference := newHarness(t, cfg, nil)
	_, err := reference.loader.Run(ctx, files)
	require.NoError(t, err)
	require.Len(t, reference.db.ASNRanges(), 95)
	require.Len(t, reference.db.CityLocations(), 50)

	for _, crashAfter := range []int{1, 5, 9, 10, 11, 12} {
		t.Run(fmt.Sprintf("crash after %d writes", crashAfter), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, cfg, func(call int, _ [][]any) error {
				if call > crashAfter {
					return errors.New("connection reset by peer")
				}
				return nil
			})
			_, err := h.loader.Run(ctx, files)
			require.Error(t, err)

			// A fresh loader over the same store and checkpoints picks up
			// where the last commit left off.
			h.setHook(nil)
			resumed := h.newLoader(t, cfg)
			_, err = resumed.Run(ctx, files)
			require.NoError(t, err)

			if diff := cmp.Diff(reference.db.ASNRanges(), h.db.ASNRanges()); diff != "" {
				t.Fatalf("asn ranges differ (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(reference.db.CityLocations(), h.db.CityLocations()); diff != "" {
				t.Fatalf("locations differ (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("cursor counts skipped rows", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, cfg, func(call int, _ [][]any) error {
			if call == 3 {
				return errors.New("connection reset by peer")
			}
			return nil
		})
		_, err := h.loader.LoadFile(ctx, File{Path: locPath, Kind: geolite.KindCityLocations})
		require.Error(t, err)
		// Kept rows sit on odd lines; the 20th kept row is line 39.
		st, _ := h.checkpoints.Get(locPath)
		require.Equal(t, checkpoint.State{ProcessedLines: 39}, st)
	})
}

func TestISPInfo_Loader_Reset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{}, nil)
	path := writeFile(t, "asn.csv", asnHeader, asnLines(5))
	_, err := h.loader.Run(ctx, []File{{Path: path, Kind: geolite.KindASNBlocks}})
	require.NoError(t, err)

	require.NoError(t, h.loader.Reset(ctx))
	require.Empty(t, h.db.ASNRanges())
	require.Empty(t, h.checkpoints.All())

	// A reset store imports from scratch.
	_, err = h.loader.Run(ctx, []File{{Path: path, Kind: geolite.KindASNBlocks}})
	require.NoError(t, err)
	require.Len(t, h.db.ASNRanges(), 5)
}

func TestISPInfo_Loader_Metrics(t *testing.T) {
	// Not parallel: asserts on process-wide counters.
	ctx := context.Background()
	table := geolite.CityBlocksTable.Name
	shrinks := testutil.ToFloat64(metrics.ImportBatchShrinksTotal.WithLabelValues(table))
	batches := testutil.ToFloat64(metrics.ImportBatchesTotal.WithLabelValues(table))
	skipped := testutil.ToFloat64(metrics.ImportRowsTotal.WithLabelValues(table, "skip"))

	h := newHarness(t, Config{FlushThreshold: 4, InitialBatchSize: 4, MinBatchSize: 1}, func(_ int, rows [][]any) error {
		if len(rows) > 2 {
			return store.ErrPayloadTooLarge
		}
		return nil
	})
	path := writeFile(t, "blocks.csv", blockHeader, []string{
		"1.0.0.0/24,1,,,,",
		"1.0.1.0/24,1,,,,",
		"1.0.2.0/24,1,,,,",
		"1.0.3.0/24,1,,,,",
	})
	_, err := h.loader.LoadFile(ctx, File{Path: path, Kind: geolite.KindCityBlocks})
	require.NoError(t, err)

	require.Equal(t, shrinks+1, testutil.ToFloat64(metrics.ImportBatchShrinksTotal.WithLabelValues(table)))
	require.Equal(t, batches+2, testutil.ToFloat64(metrics.ImportBatchesTotal.WithLabelValues(table)))
	require.Equal(t, skipped, testutil.ToFloat64(metrics.ImportRowsTotal.WithLabelValues(table, "skip")))
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.ImportBatchSize.WithLabelValues(table)))
}
