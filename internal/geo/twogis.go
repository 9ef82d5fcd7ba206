package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// TwoGIS is the primary geocoding provider. Requires an API key.
type TwoGIS struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func (g *TwoGIS) Name() string { return "2gis" }

func (g *TwoGIS) Geocode(ctx context.Context, query string) (*Point, error) {
	if g.Client == nil {
		g.Client = &http.Client{Timeout: 10 * time.Second}
	}
	base := g.BaseURL
	if base == "" {
		base = "https://catalog.api.2gis.com"
	}

	endpoint := fmt.Sprintf("%s/3.0/items/geocode?q=%s&fields=items.point&key=%s",
		base, url.QueryEscape(query), url.QueryEscape(g.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("2gis http error: %s", resp.Status)
	}

	var body struct {
		Result struct {
			Items []struct {
				Point *struct {
					Lat float64 `json:"lat"`
					Lon float64 `json:"lon"`
				} `json:"point"`
				Name string `json:"name"`
			} `json:"items"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	for _, item := range body.Result.Items {
		if item.Point != nil {
			return &Point{Lat: item.Point.Lat, Lon: item.Point.Lon, Raw: item.Name}, nil
		}
	}
	return nil, nil
}
