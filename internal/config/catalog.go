package config

import (
	"sort"
	"time"
)

// Apartment is the immutable catalog view of one apartment.
type Apartment struct {
	ID            string
	Name          string
	SmoobuID      string
	FallbackPrice float64
	FeedURL       string
}

// Catalog is the fixed apartment table shared by pricing and availability.
// It is built once at startup and never mutated afterwards.
type Catalog struct {
	apartments    map[string]Apartment
	order         []string
	currency      string
	defaultPrice  float64
	sentinelPrice float64
	horizon       time.Duration
}

// Catalog builds the immutable catalog from the loaded configuration.
func (c *Config) Catalog() *Catalog {
	cat := &Catalog{
		apartments:    make(map[string]Apartment, len(c.Apartments)),
		order:         make([]string, 0, len(c.Apartments)),
		currency:      c.Pricing.Currency,
		defaultPrice:  c.Pricing.DefaultPrice,
		sentinelPrice: c.Pricing.SentinelPrice,
		horizon:       time.Duration(c.HorizonDays) * 24 * time.Hour,
	}
	for _, a := range c.Apartments {
		if _, dup := cat.apartments[a.ID]; dup {
			continue
		}
		cat.apartments[a.ID] = Apartment{
			ID:            a.ID,
			Name:          a.Name,
			SmoobuID:      a.SmoobuID,
			FallbackPrice: a.FallbackPrice,
			FeedURL:       a.FeedURL,
		}
		cat.order = append(cat.order, a.ID)
	}
	sort.Strings(cat.order)
	return cat
}

// Lookup returns the apartment with the given internal id.
func (c *Catalog) Lookup(id string) (Apartment, bool) {
	a, ok := c.apartments[id]
	return a, ok
}

// Apartments returns all apartments ordered by id.
func (c *Catalog) Apartments() []Apartment {
	out := make([]Apartment, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.apartments[id])
	}
	return out
}

func (c *Catalog) Currency() string { return c.currency }
func (c *Catalog) DefaultPrice() float64 { return c.defaultPrice }
func (c *Catalog) SentinelPrice() float64 { return c.sentinelPrice }
func (c *Catalog) Horizon() time.Duration { return c.horizon }
