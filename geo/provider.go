// Package geo resolves where an analytics event came from: client GPS, client
// side IP lookups, or a server-side lookup of the request address, falling
// back to a configured default location.
package geo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrUnavailable means no provider could locate the address. Callers fall
	// back to the default location; it never fails a request.
	ErrUnavailable = errors.New("geolocation unavailable")

	// ErrNotPublic is returned for loopback/private/reserved addresses, which
	// are never sent to a provider.
	ErrNotPublic = errors.New("address is not publicly routable")
)

// Location is what a provider knows about an address.
type Location struct {
	IP        string
	Country   string
	City      string
	Region    string
	ISP       string
	Latitude  float64
	Longitude float64
}

// Provider looks up the location of an IP address.
type Provider interface {
	Lookup(ctx context.Context, ip string) (*Location, error)
	Name() string
}

const userAgent = "site-analytics/1.0"

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func getJSON(ctx context.Context, client httpDoer, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp, nil
}
