// Package export writes the ingested ranges as GeoLite2-compatible MMDB files
// so standard GeoIP2 readers can consume them.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/maxmind/mmdbwriter"
	"github.com/maxmind/mmdbwriter/mmdbtype"

	"github.com/airhao3/ispinfo/pkg/geolite"
	"github.com/airhao3/ispinfo/pkg/store"
)

const (
	ASNFileName  = "GeoLite2-ASN.mmdb"
	CityFileName = "GeoLite2-City.mmdb"

	asnDatabaseType  = "GeoLite2-ASN"
	cityDatabaseType = "GeoLite2-City"
)

type Config struct {
	Logger  *slog.Logger
	Scanner store.Scanner
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Scanner == nil {
		return errors.New("scanner is required")
	}
	return nil
}

type Exporter struct {
	log *slog.Logger
	cfg Config
}

type Stats struct {
	ASNNetworks  int
	CityNetworks int
	// Orphans counts city blocks whose geoname has no location row.
	Orphans int
}

func New(cfg Config) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate export config: %w", err)
	}
	return &Exporter{log: cfg.Logger, cfg: cfg}, nil
}

func newTree(dbType, description string) (*mmdbwriter.Tree, error) {
	tree, err := mmdbwriter.New(mmdbwriter.Options{
		DatabaseType:            dbType,
		Description:             map[string]string{"en": description},
		Languages:               []string{geolite.EnglishLocale},
		IPVersion:               4,
		RecordSize:              24,
		IncludeReservedNetworks: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create mmdb tree: %w", err)
	}
	return tree, nil
}

func toIP(n uint32) net.IP {
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n)).To4()
}

// WriteASN writes an ASN database built from every asn_blocks row.
func (e *Exporter) WriteASN(ctx context.Context, w io.Writer) (int, error) {
	tree, err := newTree(asnDatabaseType, "ispinfo ASN ranges")
	if err != nil {
		return 0, err
	}
	var n int
	err = e.cfg.Scanner.ScanASNRanges(ctx, func(r geolite.ASNRange) error {
		rec := mmdbtype.Map{
			"autonomous_system_number":       mmdbtype.Uint32(r.ASN),
			"autonomous_system_organization": mmdbtype.String(r.Organization),
		}
		if err := tree.InsertRange(toIP(r.Start), toIP(r.End), rec); err != nil {
			return fmt.Errorf("failed to insert asn range %d-%d: %w", r.Start, r.End, err)
		}
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	if _, err := tree.WriteTo(w); err != nil {
		return 0, fmt.Errorf("failed to write asn database: %w", err)
	}
	return n, nil
}

// WriteCity writes a City database from city_blocks joined to
// city_locations. Blocks without a location row carry only their
// coordinates and postal code.
func (e *Exporter) WriteCity(ctx context.Context, w io.Writer) (networks, orphans int, err error) {
	locations := make(map[int64]geolite.CityLocation)
	if err := e.cfg.Scanner.ScanCityLocations(ctx, func(l geolite.CityLocation) error {
		locations[l.GeonameID] = l
		return nil
	}); err != nil {
		return 0, 0, err
	}

	tree, err := newTree(cityDatabaseType, "ispinfo city ranges")
	if err != nil {
		return 0, 0, err
	}
	err = e.cfg.Scanner.ScanCityBlocks(ctx, func(b geolite.CityBlockRange) error {
		rec := mmdbtype.Map{
			"location": mmdbtype.Map{
				"latitude":  mmdbtype.Float64(b.Latitude),
				"longitude": mmdbtype.Float64(b.Longitude),
			},
		}
		if b.PostalCode != "" {
			rec["postal"] = mmdbtype.Map{"code": mmdbtype.String(b.PostalCode)}
		}
		if loc, ok := locations[b.GeonameID]; ok {
			addPlace(rec, loc)
		} else {
			orphans++
		}
		if err := tree.InsertRange(toIP(b.Start), toIP(b.End), rec); err != nil {
			return fmt.Errorf("failed to insert city block %d-%d: %w", b.Start, b.End, err)
		}
		networks++
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if _, err := tree.WriteTo(w); err != nil {
		return 0, 0, fmt.Errorf("failed to write city database: %w", err)
	}
	return networks, orphans, nil
}

func names(s string) mmdbtype.Map {
	return mmdbtype.Map{mmdbtype.String(geolite.EnglishLocale): mmdbtype.String(s)}
}

func addPlace(rec mmdbtype.Map, loc geolite.CityLocation) {
	if loc.CityName != "" {
		rec["city"] = mmdbtype.Map{
			"geoname_id": mmdbtype.Uint32(uint32(loc.GeonameID)),
			"names":      names(loc.CityName),
		}
	}
	if loc.CountryISOCode != "" || loc.CountryName != "" {
		rec["country"] = mmdbtype.Map{
			"iso_code": mmdbtype.String(loc.CountryISOCode),
			"names":    names(loc.CountryName),
		}
	}
	if loc.ContinentCode != "" || loc.ContinentName != "" {
		rec["continent"] = mmdbtype.Map{
			"code":  mmdbtype.String(loc.ContinentCode),
			"names": names(loc.ContinentName),
		}
	}
}

// ExportDir writes both databases into dir. Each file is written to a
// temporary name and renamed into place.
func (e *Exporter) ExportDir(ctx context.Context, dir string) (Stats, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Stats{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	var stats Stats
	err := writeFile(filepath.Join(dir, ASNFileName), func(w io.Writer) error {
		n, err := e.WriteASN(ctx, w)
		stats.ASNNetworks = n
		return err
	})
	if err != nil {
		return stats, err
	}
	e.log.Info("export: asn database written", "path", filepath.Join(dir, ASNFileName), "networks", stats.ASNNetworks)

	err = writeFile(filepath.Join(dir, CityFileName), func(w io.Writer) error {
		n, orphans, err := e.WriteCity(ctx, w)
		stats.CityNetworks, stats.Orphans = n, orphans
		return err
	})
	if err != nil {
		return stats, err
	}
	e.log.Info("export: city database written", "path", filepath.Join(dir, CityFileName), "networks", stats.CityNetworks, "orphans", stats.Orphans)
	return stats, nil
}

func writeFile(path string, fn func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := fn(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return nil
}
