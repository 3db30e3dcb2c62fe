// Package lookup resolves an IPv4 address to its ASN and city location by
// range containment over the ingested tables.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/airhao3/ispinfo/pkg/iprange"
	"github.com/airhao3/ispinfo/pkg/metrics"
	"github.com/airhao3/ispinfo/pkg/store"
)

var ErrInvalidAddress = errors.New("invalid ip address format")

// Unknown fills place names that a matched block or location row lacks.
const Unknown = "Unknown"

type Status string

const (
	StatusFound       Status = "found"
	StatusNotFound    Status = "not_found"
	StatusUnsupported Status = "unsupported"
	StatusError       Status = "error"
)

type ASN struct {
	ASN          uint32 `json:"asn"`
	Organization string `json:"organization"`
}

type Location struct {
	GeonameID     int64   `json:"geoname_id"`
	CityName      string  `json:"city_name"`
	RegionName    string  `json:"region_name"`
	CountryName   string  `json:"country_name"`
	ContinentName string  `json:"continent_name"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	PostalCode    string  `json:"postal_code"`
}

// Result holds the two independent resolutions for one address. ASN and
// Location are set only when their status is found.
type Result struct {
	IP             string    `json:"ip"`
	ASNStatus      Status    `json:"asn_status"`
	ASN            *ASN      `json:"asn"`
	LocationStatus Status    `json:"location_status"`
	Location       *Location `json:"location"`
}

func (r Result) Unsupported() bool {
	return r.ASNStatus == StatusUnsupported && r.LocationStatus == StatusUnsupported
}

// Empty reports whether neither resolution produced data.
func (r Result) Empty() bool {
	return r.ASN == nil && r.Location == nil
}

func (r Result) cacheable() bool {
	return r.ASNStatus != StatusError && r.LocationStatus != StatusError
}

type Config struct {
	Logger *slog.Logger
	Reader store.Reader

	// CacheTTL is how long a result is reused. Zero disables the cache.
	CacheTTL time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Reader == nil {
		return errors.New("reader is required")
	}
	if cfg.CacheTTL < 0 {
		return errors.New("cache ttl must not be negative")
	}
	return nil
}

type Engine struct {
	log    *slog.Logger
	reader store.Reader

	cache *ttlcache.Cache[uint32, Result]
	group singleflight.Group
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate lookup config: %w", err)
	}
	e := &Engine{log: cfg.Logger, reader: cfg.Reader}
	if cfg.CacheTTL > 0 {
		e.cache = ttlcache.New(
			ttlcache.WithTTL[uint32, Result](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[uint32, Result](),
		)
	}
	return e, nil
}

// Start runs the cache's expiry loop until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	if e.cache == nil {
		return
	}
	go func() {
		<-ctx.Done()
		e.cache.Stop()
	}()
	e.cache.Start()
}

// Lookup resolves ip. A malformed address returns ErrInvalidAddress; an IPv6
// address is reported as unsupported for both resolutions. Store failures
// never fail the call and surface as StatusError on the affected resolution.
func (e *Engine) Lookup(ctx context.Context, ip string) (Result, error) {
	ip = strings.TrimSpace(ip)
	if strings.Contains(ip, ":") {
		if _, err := netip.ParseAddr(ip); err != nil {
			return Result{IP: ip}, fmt.Errorf("%w: %q", ErrInvalidAddress, ip)
		}
		metrics.LookupResolutionsTotal.WithLabelValues("asn", string(StatusUnsupported)).Inc()
		metrics.LookupResolutionsTotal.WithLabelValues("location", string(StatusUnsupported)).Inc()
		return Result{IP: ip, ASNStatus: StatusUnsupported, LocationStatus: StatusUnsupported}, nil
	}

	n, err := iprange.IPToInt(ip)
	if err != nil {
		return Result{IP: ip}, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	res := e.lookupNum(ctx, n)
	res.IP = ip
	return res, nil
}

func (e *Engine) lookupNum(ctx context.Context, n uint32) Result {
	if e.cache != nil {
		if item := e.cache.Get(n); item != nil {
			metrics.LookupCacheTotal.WithLabelValues("hit").Inc()
			return item.Value()
		}
		metrics.LookupCacheTotal.WithLabelValues("miss").Inc()
	}

	// The shared call outlives any one waiter's cancellation.
	v, _, _ := e.group.Do(strconv.FormatUint(uint64(n), 10), func() (any, error) {
		res := e.resolve(context.WithoutCancel(ctx), n)
		if e.cache != nil && res.cacheable() {
			e.cache.Set(n, res, ttlcache.DefaultTTL)
		}
		return res, nil
	})
	return v.(Result)
}

func (e *Engine) resolve(ctx context.Context, n uint32) Result {
	var res Result
	var g errgroup.Group
	g.Go(func() error {
		res.ASNStatus, res.ASN = e.resolveASN(ctx, n)
		return nil
	})
	g.Go(func() error {
		res.LocationStatus, res.Location = e.resolveLocation(ctx, n)
		return nil
	})
	_ = g.Wait()

	metrics.LookupResolutionsTotal.WithLabelValues("asn", string(res.ASNStatus)).Inc()
	metrics.LookupResolutionsTotal.WithLabelValues("location", string(res.LocationStatus)).Inc()
	return res
}

func (e *Engine) resolveASN(ctx context.Context, n uint32) (Status, *ASN) {
	r, err := e.reader.FindASNRange(ctx, n)
	if err != nil {
		e.log.Warn("lookup: asn resolution failed", "ip", iprange.IntToIP(n), "error", err)
		return StatusError, nil
	}
	if r == nil {
		return StatusNotFound, nil
	}
	return StatusFound, &ASN{ASN: r.ASN, Organization: r.Organization}
}

func (e *Engine) resolveLocation(ctx context.Context, n uint32) (Status, *Location) {
	block, err := e.reader.FindCityBlock(ctx, n)
	if err != nil {
		e.log.Warn("lookup: city block resolution failed", "ip", iprange.IntToIP(n), "error", err)
		return StatusError, nil
	}
	if block == nil || block.GeonameID == 0 {
		return StatusNotFound, nil
	}

	loc := &Location{
		GeonameID:   block.GeonameID,
		Latitude:    block.Latitude,
		Longitude:   block.Longitude,
		PostalCode:  block.PostalCode,
		CityName:    Unknown,
		RegionName:  Unknown,
		CountryName: Unknown,
	}

	place, err := e.reader.FindCityLocation(ctx, block.GeonameID)
	if err != nil {
		e.log.Warn("lookup: city location resolution failed", "ip", iprange.IntToIP(n), "geoname_id", block.GeonameID, "error", err)
		return StatusError, nil
	}
	if place == nil {
		e.log.Debug("lookup: no location for geoname", "geoname_id", block.GeonameID)
		return StatusFound, loc
	}
	loc.CityName = orUnknown(place.CityName)
	loc.CountryName = orUnknown(place.CountryName)
	loc.ContinentName = place.ContinentName
	return StatusFound, loc
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return Unknown
	}
	return s
}
