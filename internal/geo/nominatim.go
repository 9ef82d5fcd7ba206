package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Nominatim is the keyless fallback provider. The public endpoint allows
// one request per second, enforced here with a shared limiter.
type Nominatim struct {
	BaseURL   string
	UserAgent string
	Client    *http.Client
	Limiter   *rate.Limiter
}

func NewNominatim(baseURL string) *Nominatim {
	return &Nominatim{
		BaseURL:   baseURL,
		UserAgent: "firedesk-geocoder/1.0",
		Client:    &http.Client{Timeout: 10 * time.Second},
		Limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (g *Nominatim) Name() string { return "nominatim" }

type nominatimItem struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

func (g *Nominatim) Geocode(ctx context.Context, query string) (*Point, error) {
	if g.Limiter != nil {
		if err := g.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	base := g.BaseURL
	if base == "" {
		base = "https://nominatim.openstreetmap.org"
	}

	endpoint := fmt.Sprintf("%s/search?q=%s&format=json&limit=1", base, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", g.UserAgent)

	client := g.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("nominatim http error: %s", resp.Status)
	}

	var items []nominatimItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, err
	}
	return parseNominatimItems(items)
}

func parseNominatimItems(items []nominatimItem) (*Point, error) {
	if len(items) == 0 {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(items[0].Lat, 64)
	if err != nil {
		return nil, err
	}
	lon, err := strconv.ParseFloat(items[0].Lon, 64)
	if err != nil {
		return nil, err
	}
	return &Point{Lat: lat, Lon: lon, Raw: items[0].DisplayName}, nil
}
