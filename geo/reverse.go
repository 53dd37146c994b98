package geo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// Place is the human-readable answer of a reverse geocode.
type Place struct {
	City    string
	Country string
}

// ReverseGeocoder turns a GPS fix into a city name using a Nominatim
// compatible endpoint. Nominatim's usage policy allows one request per
// second, which the limiter enforces locally.
type ReverseGeocoder struct {
	baseURL string
	client  httpDoer
	limiter *rate.Limiter
}

func NewReverseGeocoder(baseURL string, timeout time.Duration) *ReverseGeocoder {
	if baseURL == "" {
		baseURL = "https://nominatim.openstreetmap.org/reverse"
	}
	return &ReverseGeocoder{
		baseURL: baseURL,
		client:  newHTTPClient(timeout),
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (g *ReverseGeocoder) Reverse(ctx context.Context, lat, lon float64) (*Place, error) {
	if !g.limiter.Allow() {
		return nil, fmt.Errorf("reverse geocode: %w", ErrRateLimited)
	}

	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))
	q.Set("zoom", "10")
	q.Set("addressdetails", "1")

	resp, err := getJSON(ctx, g.client, g.baseURL+"?"+q.Encode(),
		http.Header{"Accept-Language": []string{"en"}})
	if err != nil {
		return nil, fmt.Errorf("reverse geocode: %w", err)
	}
	defer resp.Body.Close()

	var data struct {
		Address struct {
			City         string `json:"city"`
			Town         string `json:"town"`
			Village      string `json:"village"`
			Municipality string `json:"municipality"`
			Suburb       string `json:"suburb"`
			Country      string `json:"country"`
		} `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("reverse geocode: decode response: %w", err)
	}

	a := data.Address
	city := firstNonEmpty(a.City, a.Town, a.Village, a.Municipality, a.Suburb)
	if city == "" {
		return nil, fmt.Errorf("reverse geocode: no locality for %f,%f", lat, lon)
	}
	return &Place{City: city, Country: a.Country}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
