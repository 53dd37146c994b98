package geo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// IPInfoProvider queries ipinfo.io. The token is optional; without one the
// free anonymous quota applies.
type IPInfoProvider struct {
	baseURL string
	token   string
	client  httpDoer
}

func NewIPInfoProvider(baseURL, token string, timeout time.Duration) *IPInfoProvider {
	if baseURL == "" {
		baseURL = "https://ipinfo.io"
	}
	return &IPInfoProvider{
		baseURL: baseURL,
		token:   token,
		client:  newHTTPClient(timeout),
	}
}

func (p *IPInfoProvider) Name() string { return "ipinfo" }

func (p *IPInfoProvider) Lookup(ctx context.Context, ip string) (*Location, error) {
	endpoint := fmt.Sprintf("%s/%s/json", p.baseURL, url.PathEscape(ip))

	var header http.Header
	if p.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + p.token}}
	}

	resp, err := getJSON(ctx, p.client, endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("ipinfo: %w", err)
	}
	defer resp.Body.Close()

	var data struct {
		IP      string `json:"ip"`
		City    string `json:"city"`
		Region  string `json:"region"`
		Country string `json:"country"`
		Loc     string `json:"loc"`
		Org     string `json:"org"`
		Bogon   bool   `json:"bogon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("ipinfo: decode response: %w", err)
	}
	if data.Bogon {
		return nil, fmt.Errorf("ipinfo: %w", ErrNotPublic)
	}

	lat, lon, err := parseLatLon(data.Loc)
	if err != nil {
		return nil, fmt.Errorf("ipinfo: %w", err)
	}

	return &Location{
		IP:        ip,
		Country:   data.Country,
		City:      data.City,
		Region:    data.Region,
		ISP:       data.Org,
		Latitude:  lat,
		Longitude: lon,
	}, nil
}

// parseLatLon parses ipinfo's "lat,lon" pair.
func parseLatLon(loc string) (float64, float64, error) {
	latStr, lonStr, ok := strings.Cut(loc, ",")
	if !ok {
		return 0, 0, fmt.Errorf("malformed loc %q", loc)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed latitude %q", latStr)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed longitude %q", lonStr)
	}
	return lat, lon, nil
}
