package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"site-analytics/metrics"
	"site-analytics/models"
	"site-analytics/utils"
)

// Strategy decides which location evidence wins.
type Strategy string

const (
	StrategyGPSFirst   Strategy = "gps-first"
	StrategyIPFirst    Strategy = "ip-first"
	StrategyServerOnly Strategy = "server-only"
)

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Strategy         Strategy
	Timeout          time.Duration
	Default          models.Geo
	ConsistencyCheck bool
}

// Input is the location evidence attached to one event.
type Input struct {
	ClientIP  string
	ClientGeo *models.Geo // client-side IP API answer, may be partial
	GPS       *models.GPSFix
}

// Resolution is the location stored on the event.
type Resolution struct {
	Geo         models.Geo
	ServerGeo   *models.Geo
	Consistency string
	DistanceKm  *float64
	// Err records why the default tuple was used. It is informational only.
	Err error
}

// Resolver picks an event's location. It never fails: when nothing else is
// available it returns the configured default tuple.
type Resolver struct {
	cfg     ResolverConfig
	lookup  Provider
	reverse *ReverseGeocoder
	logger  *zap.SugaredLogger
}

// NewResolver builds a Resolver. lookup and reverse may be nil.
func NewResolver(cfg ResolverConfig, lookup Provider, reverse *ReverseGeocoder, logger *zap.SugaredLogger) *Resolver {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyGPSFirst
	}
	if cfg.Timeout <= 0 || cfg.Timeout > 5*time.Second {
		cfg.Timeout = 5 * time.Second
	}
	cfg.Default.Source = models.GeoSourceDefault
	return &Resolver{cfg: cfg, lookup: lookup, reverse: reverse, logger: logger}
}

func (r *Resolver) Resolve(ctx context.Context, in Input) Resolution {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	res := r.resolve(ctx, in)
	metrics.GeoResolutions.WithLabelValues(string(res.Geo.Source)).Inc()
	return res
}

func (r *Resolver) resolve(ctx context.Context, in Input) Resolution {
	gps := in.GPS.Valid()
	client := in.ClientGeo.Complete()

	switch r.cfg.Strategy {
	case StrategyIPFirst:
		if client {
			return r.fromClient(in)
		}
		if gps {
			return r.fromGPS(ctx, in)
		}
	case StrategyServerOnly:
	default:
		if gps {
			return r.fromGPS(ctx, in)
		}
		if client {
			return r.fromClient(in)
		}
	}
	return r.fromServer(ctx, in.ClientIP)
}

func (r *Resolver) fromClient(in Input) Resolution {
	g := *in.ClientGeo
	g.Source = models.GeoSourceClientIPAPI
	return Resolution{Geo: g}
}

func (r *Resolver) fromGPS(ctx context.Context, in Input) Resolution {
	res := Resolution{Geo: models.Geo{
		Latitude:  in.GPS.Latitude,
		Longitude: in.GPS.Longitude,
		Source:    models.GeoSourceClientGPS,
	}}
	if in.ClientGeo != nil {
		res.Geo.Country = in.ClientGeo.Country
		res.Geo.City = in.ClientGeo.City
	}

	if res.Geo.City == "" && r.reverse != nil {
		place, err := r.reverse.Reverse(ctx, in.GPS.Latitude, in.GPS.Longitude)
		if err != nil {
			r.logger.Warnw("Reverse geocoding failed", "error", err)
		} else {
			res.Geo.City = place.City
			if res.Geo.Country == "" {
				res.Geo.Country = place.Country
			}
		}
	}

	if r.cfg.ConsistencyCheck || res.Geo.Country == "" {
		if server, err := r.serverLookup(ctx, in.ClientIP); err == nil {
			if r.cfg.ConsistencyCheck {
				km := DistanceKm(in.GPS.Latitude, in.GPS.Longitude, server.Latitude, server.Longitude)
				res.ServerGeo = server
				res.DistanceKm = &km
				res.Consistency = GradeConsistency(km)
			}
			if res.Geo.Country == "" {
				res.Geo.Country = server.Country
			}
			if res.Geo.City == "" {
				res.Geo.City = server.City
			}
		}
	}

	if res.Geo.Country == "" {
		res.Geo.Country = r.cfg.Default.Country
	}
	if res.Geo.City == "" {
		res.Geo.City = r.cfg.Default.City
	}
	return res
}

func (r *Resolver) fromServer(ctx context.Context, ip string) Resolution {
	server, err := r.serverLookup(ctx, ip)
	if err != nil {
		if !errors.Is(err, ErrNotPublic) {
			r.logger.Warnw("Geolocation unavailable, using default location", "ip", ip, "error", err)
		}
		return Resolution{Geo: r.cfg.Default, Err: err}
	}
	return Resolution{Geo: *server}
}

func (r *Resolver) serverLookup(ctx context.Context, ip string) (*models.Geo, error) {
	if !utils.IsPublicIP(ip) {
		return nil, ErrNotPublic
	}
	if r.lookup == nil {
		return nil, ErrUnavailable
	}

	loc, err := r.lookup.Lookup(ctx, ip)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &models.Geo{
		Country:   loc.Country,
		City:      loc.City,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Source:    models.GeoSourceServerIPAPI,
	}, nil
}
