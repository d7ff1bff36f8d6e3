package geocode

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/www"
)

// Returned for every kind of reverse geocoding failure
const UnknownLocation = "Unknown Location"

const DefaultBaseURL = "https://nominatim.openstreetmap.org"
const DefaultUserAgent = "manhole_api"
const DefaultTimeout = 10 * time.Second

// Nominatim resolves coordinates to an address using the OpenStreetMap Nominatim API
type Nominatim struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration

	log logs.Log
}

func NewNominatim(log logs.Log, baseURL, userAgent string) *Nominatim {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Nominatim{
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		UserAgent: userAgent,
		Timeout:   DefaultTimeout,
		log:       log,
	}
}

type reverseResponse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

// Reverse returns the address at latitude/longitude, or UnknownLocation if anything goes wrong.
func (n *Nominatim) Reverse(ctx context.Context, latitude, longitude string) string {
	address, err := n.reverse(ctx, latitude, longitude)
	if err != nil {
		n.log.Warnf("Reverse geocode (%v, %v) failed: %v", latitude, longitude, err)
		return UnknownLocation
	}
	return address
}

func (n *Nominatim) reverse(ctx context.Context, latitude, longitude string) (string, error) {
	lat, lon, err := parseCoordinates(latitude, longitude)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, n.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.BaseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", n.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp := reverseResponse{}
	if err := www.FetchJSON(req, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", errors.New(resp.Error)
	}
	if resp.DisplayName == "" {
		return "", errors.New("no address at location")
	}
	return resp.DisplayName, nil
}

func parseCoordinates(latitude, longitude string) (float64, float64, error) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(latitude), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude %q", latitude)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(longitude), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude %q", longitude)
	}
	if !(lat >= -90 && lat <= 90) {
		return 0, 0, fmt.Errorf("latitude %v out of range", lat)
	}
	if !(lon >= -180 && lon <= 180) {
		return 0, 0, fmt.Errorf("longitude %v out of range", lon)
	}
	return lat, lon, nil
}
