package geo

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/goccy/go-json"
)

// IPAPIProvider queries the free ip-api.com JSON endpoint.
type IPAPIProvider struct {
	baseURL string
	client  httpDoer
}

// NewIPAPIProvider returns a provider for baseURL; empty means ip-api.com.
func NewIPAPIProvider(baseURL string, timeout time.Duration) *IPAPIProvider {
	if baseURL == "" {
		baseURL = "http://ip-api.com/json"
	}
	return &IPAPIProvider{
		baseURL: baseURL,
		client:  newHTTPClient(timeout),
	}
}

func (p *IPAPIProvider) Name() string { return "ip-api" }

func (p *IPAPIProvider) Lookup(ctx context.Context, ip string) (*Location, error) {
	endpoint := fmt.Sprintf("%s/%s?fields=status,message,country,regionName,city,isp,lat,lon,query",
		p.baseURL, url.PathEscape(ip))

	resp, err := getJSON(ctx, p.client, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("ip-api: %w", err)
	}
	defer resp.Body.Close()

	var data struct {
		Status  string  `json:"status"`
		Message string  `json:"message"`
		Country string  `json:"country"`
		Region  string  `json:"regionName"`
		City    string  `json:"city"`
		ISP     string  `json:"isp"`
		Lat     float64 `json:"lat"`
		Lon     float64 `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("ip-api: decode response: %w", err)
	}
	if data.Status != "success" {
		return nil, fmt.Errorf("ip-api: lookup failed: %s", data.Message)
	}

	return &Location{
		IP:        ip,
		Country:   data.Country,
		City:      data.City,
		Region:    data.Region,
		ISP:       data.ISP,
		Latitude:  data.Lat,
		Longitude: data.Lon,
	}, nil
}
