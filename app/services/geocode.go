// Package services holds external collaborators used by the controllers.
package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/meterdesk/meterdesk/config"
	"github.com/meterdesk/meterdesk/pkg/apperr"
	"github.com/meterdesk/meterdesk/pkg/cache"
	"github.com/meterdesk/meterdesk/pkg/http"
	"github.com/meterdesk/meterdesk/pkg/metrics"
)

// Coordinates is a resolved geographic point.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Geocoder resolves a postal code to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, zipcode string) (Coordinates, error)
}

// ─── HTTP geocoder ────────────────────────────────────────────────────────────

// HTTPGeocoder resolves postal codes against a Nominatim-compatible search
// endpoint. The production URL comes from GEOCODER_URL.
type HTTPGeocoder struct {
	baseURL string
}

func NewHTTPGeocoder(baseURL string) *HTTPGeocoder {
	if baseURL == "" {
		baseURL = config.GeocoderURL()
	}
	return &HTTPGeocoder{baseURL: baseURL}
}

// nominatimPlace is the subset of the search response we read.
type nominatimPlace struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

func (g *HTTPGeocoder) Geocode(ctx context.Context, zipcode string) (Coordinates, error) {
	resp, err := http.Get(g.baseURL).
		WithContext(ctx).
		Query("postalcode", zipcode).
		Query("format", "json").
		Query("limit", "1").
		Timeout(5 * time.Second).
		Retry(3, time.Second).
		Send()
	if err != nil {
		metrics.GeocodeLookups.WithLabelValues("error").Inc()
		return Coordinates{}, fmt.Errorf("geocode %s: %w", zipcode, err)
	}
	if err := resp.Throw(); err != nil {
		metrics.GeocodeLookups.WithLabelValues("error").Inc()
		return Coordinates{}, err
	}

	var places []nominatimPlace
	if err := resp.JSON(&places); err != nil {
		metrics.GeocodeLookups.WithLabelValues("error").Inc()
		return Coordinates{}, err
	}
	if len(places) == 0 {
		metrics.GeocodeLookups.WithLabelValues("error").Inc()
		return Coordinates{}, apperr.BadRequest(fmt.Sprintf("Could not geocode zipcode %s", zipcode))
	}

	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return Coordinates{}, fmt.Errorf("geocode %s: bad latitude %q", zipcode, places[0].Lat)
	}
	lng, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return Coordinates{}, fmt.Errorf("geocode %s: bad longitude %q", zipcode, places[0].Lon)
	}

	metrics.GeocodeLookups.WithLabelValues("upstream").Inc()
	return Coordinates{Latitude: lat, Longitude: lng}, nil
}

// ─── Cached geocoder ──────────────────────────────────────────────────────────

// cachedGeocoder wraps a Geocoder with a Redis cache. Postal code locations
// do not move; the TTL mostly bounds memory.
type cachedGeocoder struct {
	inner Geocoder
	ttl   time.Duration
}

// NewCachedGeocoder returns g wrapped in a 24-hour Redis cache.
// When Redis is unavailable every lookup passes through to g.
func NewCachedGeocoder(g Geocoder) Geocoder {
	return &cachedGeocoder{inner: g, ttl: 24 * time.Hour}
}

func (c *cachedGeocoder) Geocode(ctx context.Context, zipcode string) (Coordinates, error) {
	key := "geocode:" + zipcode

	var coords Coordinates
	if cache.Get(key, &coords) {
		metrics.GeocodeLookups.WithLabelValues("cache").Inc()
		return coords, nil
	}

	coords, err := c.inner.Geocode(ctx, zipcode)
	if err != nil {
		return Coordinates{}, err
	}

	cache.Set(key, coords, c.ttl)
	return coords, nil
}
