package geo

import (
	"context"
	"fmt"
	"strings"

	"github.com/firedesk/backend/internal/models"
	"github.com/firedesk/backend/internal/utils"
)

// Result is what a resolved address yields. Provider names which cascade
// step produced the coordinates.
type Result struct {
	Lat         float64
	Lon         float64
	Provider    string
	Status      models.AddressStatus
	Explanation string
}

// Provider is one geocoding backend. A nil result with a nil error means
// the provider answered but found nothing.
type Provider interface {
	Name() string
	Geocode(ctx context.Context, query string) (*Point, error)
}

type Point struct {
	Lat float64
	Lon float64
	Raw string
}

// Address is the fragment set a ticket carries.
type Address struct {
	Country string
	Region  string
	City    string
	Street  string
	House   string
}

var capitalCoords = map[string][2]float64{
	"казахстан":  {51.1694, 71.4491},
	"kazakhstan": {51.1694, 71.4491},
	"россия":     {55.7558, 37.6173},
	"узбекистан":  {41.2995, 69.2401},
	"украина":    {50.4501, 30.5234},
	"азербайджан": {40.4093, 49.8671},
	"кыргызстан":  {42.8746, 74.5698},
	"таджикистан": {38.5598, 68.7738},
	"беларусь":   {53.9006, 27.5590},
	"молдова":    {47.0105, 28.8638},
	"грузия":     {41.7151, 44.8271},
	"армения":    {40.1872, 44.5152},
}

var cisCountries = []string{
	"Казахстан", "Россия", "Узбекистан", "Украина",
	"Кыргызстан", "Таджикистан", "Беларусь", "Молдова",
	"Грузия", "Армения", "Азербайджан", "Туркменистан",
}

var kzNames = map[string]bool{"казахстан": true, "kazakhstan": true, "кз": true, "kz": true}

var officeFallbacks = [2]struct {
	name string
	lat  float64
	lon  float64
}{
	{"Астана", 51.1694, 71.4491},
	{"Алматы", 43.2220, 76.8512},
}

// Resolver runs the address cascade over the provider cascade, caching
// every answer (including misses) for as long as Cache lives; lookups
// that hit a provider error are not cached.
type Resolver struct {
	Providers []Provider
	Cache     *Cache

	// Configured last-resort point used when everything misses.
	FallbackLat float64
	FallbackLon float64
}

// Resolve walks the address cascade: full address → city centre →
// country capital → country search → configured last resort. The first
// provider hit wins and is cached.
func (r *Resolver) Resolve(ctx context.Context, ticketID string, addr Address) (Result, error) {
	country := strings.TrimSpace(addr.Country)
	city := cleanCity(addr.City)
	street := strings.TrimSpace(addr.Street)
	house := strings.TrimSpace(addr.House)

	switch {
	case country == "" && city == "":
		return Result{
			Provider:    "none",
			Status:      models.AddressUnknown,
			Explanation: "no country or city on the ticket",
		}, nil

	case country == "":
		return r.searchCountries(ctx, city)

	case !kzNames[strings.ToLower(country)]:
		// Foreign address: deterministic 50/50 split between the two
		// head offices, keyed on the ticket id.
		f := officeFallbacks[utils.HashStringToUint64(ticketID)%2]
		return Result{
			Lat:         f.lat,
			Lon:         f.lon,
			Provider:    "foreign_5050",
			Status:      models.AddressForeign,
			Explanation: fmt.Sprintf("foreign address (%s), routed to %s office", country, f.name),
		}, nil

	case city == "":
		coords, ok := capitalCoords[strings.ToLower(country)]
		if !ok {
			coords = [2]float64{r.FallbackLat, r.FallbackLon}
		}
		return Result{
			Lat:         coords[0],
			Lon:         coords[1],
			Provider:    "capital_fallback",
			Status:      models.AddressPartial,
			Explanation: "no city on the ticket, using the capital",
		}, nil
	}

	if street != "" && house != "" {
		query := buildQuery(country, addr.Region, city, street, house)
		if p, provider := r.lookup(ctx, query); p != nil {
			return Result{
				Lat:         p.Lat,
				Lon:         p.Lon,
				Provider:    provider,
				Status:      models.AddressResolved,
				Explanation: "full address geocoded via " + provider,
			}, nil
		}
	}

	return r.cityCentre(ctx, country, addr.Region, city, street == "" || house == "")

}

func (r *Resolver) cityCentre(ctx context.Context, country, region, city string, partialInput bool) (Result, error) {
	for _, query := range []string{
		buildQuery(country, region, city),
		buildQuery(country, city),
	} {
		if p, provider := r.lookup(ctx, query); p != nil {
			status := models.AddressResolved
			explanation := "city centre of " + city
			if partialInput {
				status = models.AddressPartial
				explanation = "incomplete address, using the city centre of " + city
			}
			return Result{
				Lat:         p.Lat,
				Lon:         p.Lon,
				Provider:    provider + "_city",
				Status:      status,
				Explanation: explanation,
			}, nil
		}
	}

	return Result{
		Lat:         r.FallbackLat,
		Lon:         r.FallbackLon,
		Provider:    "last_resort",
		Status:      models.AddressUnknown,
		Explanation: fmt.Sprintf("city %q not found, using configured fallback point", city),
	}, nil
}

func (r *Resolver) searchCountries(ctx context.Context, city string) (Result, error) {
	for _, country := range cisCountries {
		if p, provider := r.lookup(ctx, buildQuery(city, country)); p != nil {
			return Result{
				Lat:         p.Lat,
				Lon:         p.Lon,
				Provider:    provider + "_country_search",
				Status:      models.AddressPartial,
				Explanation: fmt.Sprintf("no country on the ticket, city %s found in %s", city, country),
			}, nil
		}
	}
	return Result{
		Lat:         r.FallbackLat,
		Lon:         r.FallbackLon,
		Provider:    "last_resort",
		Status:      models.AddressUnknown,
		Explanation: fmt.Sprintf("city %q not found in any known country", city),
	}, nil
}

// lookup consults the cache, then each provider in order. The first
// non-nil point wins. Total provider exhaustion is cached as a miss.
func (r *Resolver) lookup(ctx context.Context, query string) (*Point, string) {
	key := NormalizeQuery(query)
	if key == "" {
		return nil, ""
	}
	if entry, ok := r.Cache.Get(key); ok {
		if entry.Miss {
			return nil, ""
		}
		return &Point{Lat: entry.Lat, Lon: entry.Lon, Raw: entry.Raw}, entry.Provider
	}

	errored := false
	for _, p := range r.Providers {
		point, err := p.Geocode(ctx, query)
		if err != nil {
			errored = true
			continue
		}
		if point != nil {
			r.Cache.Put(key, Entry{Lat: point.Lat, Lon: point.Lon, Provider: p.Name(), Raw: point.Raw})
			return point, p.Name()
		}
	}
	// A provider error is not a miss; only a clean "not found" from every
	// provider is worth remembering.
	if !errored {
		r.Cache.Put(key, Entry{Miss: true})
	}
	return nil, ""
}

func buildQuery(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}

func cleanCity(city string) string {
	c := strings.TrimSpace(city)
	if i := strings.IndexAny(c, "/("); i >= 0 {
		c = strings.TrimSpace(c[:i])
	}
	return c
}
