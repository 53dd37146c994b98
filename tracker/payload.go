package tracker

import (
	"bytes"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"site-analytics/models"
)

// number accepts a JSON number, a numeric string or null. Older trackers
// stringify some numeric fields.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*n = number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = number(f)
	return nil
}

func (n *number) float() (float64, bool) {
	if n == nil {
		return 0, false
	}
	return float64(*n), true
}

func (n *number) floatPtr() *float64 {
	if n == nil {
		return nil
	}
	f := float64(*n)
	return &f
}

func (n *number) intPtr() *int {
	if n == nil {
		return nil
	}
	i := int(math.Round(float64(*n)))
	return &i
}

type geoPayload struct {
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Latitude  *number `json:"latitude"`
	Longitude *number `json:"longitude"`
}

type gpsPayload struct {
	Latitude  *number `json:"latitude"`
	Longitude *number `json:"longitude"`
	Accuracy  *number `json:"accuracy"`
}

// payload is the wire form of an event as the trackers send it. Location
// arrives either nested (geo, gps), with prefixes (geo_*, gps_*) or flat
// (latitude, longitude, accuracy, country, city).
type payload struct {
	Type      string `json:"type"`
	EventName string `json:"event_name"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`

	UserAgent        string `json:"user_agent"`
	Page             string `json:"page"`
	URL              string `json:"url"`
	Referrer         string `json:"referrer"`
	Language         string `json:"language"`
	Timezone         string `json:"timezone"`
	ScreenResolution string `json:"screen_resolution"`

	Geo          *geoPayload `json:"geo"`
	GeoCountry   string      `json:"geo_country"`
	GeoCity      string      `json:"geo_city"`
	GeoLatitude  *number     `json:"geo_latitude"`
	GeoLongitude *number     `json:"geo_longitude"`

	GPS          *gpsPayload `json:"gps"`
	GPSLatitude  *number     `json:"gps_latitude"`
	GPSLongitude *number     `json:"gps_longitude"`
	GPSAccuracy  *number     `json:"gps_accuracy"`

	Country   string  `json:"country"`
	City      string  `json:"city"`
	Latitude  *number `json:"latitude"`
	Longitude *number `json:"longitude"`
	Accuracy  *number `json:"accuracy"`

	ElementID       string  `json:"element_id"`
	ElementClass    string  `json:"element_class"`
	ElementText     string  `json:"element_text"`
	ElementType     string  `json:"element_type"`
	X               *number `json:"x_coordinate"`
	Y               *number `json:"y_coordinate"`
	ScrollPercent   *number `json:"scroll_percent"`
	FileName        string  `json:"file_name"`
	FileURL         string  `json:"file_url"`
	Duration        *number `json:"duration"`
	DurationSeconds *number `json:"duration_seconds"`
	SequenceOrder   *number `json:"sequence_order"`
	TotalClicks     *number `json:"total_clicks"`

	Data      map[string]any `json:"data"`
	EventData map[string]any `json:"event_data"`
}

// knownFields are consumed by payload; every other key is kept in Event.Data.
// Server-owned fields are dropped.
var knownFields = map[string]bool{
	"type": true, "event_name": true, "session_id": true, "timestamp": true,
	"user_agent": true, "page": true, "url": true, "referrer": true, "language": true,
	"timezone": true, "screen_resolution": true,
	"geo": true, "geo_country": true, "geo_city": true, "geo_latitude": true, "geo_longitude": true,
	"gps": true, "gps_latitude": true, "gps_longitude": true, "gps_accuracy": true,
	"country": true, "city": true, "latitude": true, "longitude": true, "accuracy": true,
	"element_id": true, "element_class": true, "element_text": true, "element_type": true,
	"x_coordinate": true, "y_coordinate": true, "scroll_percent": true, "file_name": true,
	"file_url": true, "duration": true, "duration_seconds": true, "sequence_order": true,
	"total_clicks": true, "data": true, "event_data": true,

	// server-owned
	"id": true, "received_at": true, "client_ip": true, "ip_source": true, "server_ip": true,
	"tracker_agent": true, "device_type": true, "browser": true, "os": true,
	"geo_source": true, "gps_source": true, "server_geo": true,
	"location_consistency": true, "location_distance_km": true,
}

// gpsFix returns the first GPS reading present: nested, prefixed, or flat
// coordinates accompanied by an accuracy.
func (p *payload) gpsFix() *models.GPSFix {
	fix := func(lat, lon, acc *number) *models.GPSFix {
		la, ok1 := lat.float()
		lo, ok2 := lon.float()
		if !ok1 || !ok2 {
			return nil
		}
		a, _ := acc.float()
		return &models.GPSFix{Latitude: la, Longitude: lo, Accuracy: a}
	}

	if p.GPS != nil {
		if f := fix(p.GPS.Latitude, p.GPS.Longitude, p.GPS.Accuracy); f != nil {
			return f
		}
	}
	if f := fix(p.GPSLatitude, p.GPSLongitude, p.GPSAccuracy); f != nil {
		return f
	}
	if p.Accuracy != nil {
		return fix(p.Latitude, p.Longitude, p.Accuracy)
	}
	return nil
}

// clientGeo returns the location the browser obtained from an IP API.
func (p *payload) clientGeo() *models.Geo {
	build := func(country, city string, lat, lon *number) *models.Geo {
		if country == "" && city == "" {
			return nil
		}
		g := &models.Geo{Country: country, City: city}
		g.Latitude, _ = lat.float()
		g.Longitude, _ = lon.float()
		return g
	}

	if p.Geo != nil {
		if g := build(p.Geo.Country, p.Geo.City, p.Geo.Latitude, p.Geo.Longitude); g != nil {
			return g
		}
	}
	if g := build(p.GeoCountry, p.GeoCity, p.GeoLatitude, p.GeoLongitude); g != nil {
		return g
	}
	if p.Accuracy == nil {
		return build(p.Country, p.City, p.Latitude, p.Longitude)
	}
	return build(p.Country, p.City, nil, nil)
}
