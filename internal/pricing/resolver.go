package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"tuscanstay/internal/config"
	appLog "tuscanstay/internal/log"
	"tuscanstay/internal/model"
)

// Fallback reasons reported in PricingResult.Reason.
const (
	ReasonApartmentNotFound       = "apartment_not_found"
	ReasonApartmentNotFoundSmoobu = "apartment_not_found_in_smoobu"
	ReasonInvalidDateRange        = "invalid_date_range"
)

// priceFields are the Smoobu apartment fields that may carry the nightly
// base price, in order of preference.
var priceFields = []string{"defaultPrice", "basePrice", "price", "rate"}

// Resolver turns an apartment id and an optional stay into a nightly
// price. It never fails: every error degrades to a static price.
type Resolver struct {
	catalog *config.Catalog
	api     API
	results metric.Int64Counter
}

// NewResolver creates a resolver over the given catalog and API.
func NewResolver(catalog *config.Catalog, api API) *Resolver {
	r := &Resolver{
		catalog: catalog,
		api:     api,
	}

	counter, err := otel.Meter("tuscanstay/pricing").Int64Counter(
		"pricing.resolutions",
		metric.WithDescription("Price resolutions by source and reason"),
		metric.WithUnit("{resolution}"),
	)
	if err != nil {
		appLog.Error("pricing: failed to create counter", err)
	} else {
		r.results = counter
	}
	return r
}

// Resolve returns the nightly price for apartmentID. With a nil stay the
// apartment's base price is looked up, otherwise the mean daily rate of
// the stay. At most one outbound request is made.
func (r *Resolver) Resolve(ctx context.Context, apartmentID string, stay *model.StayRange) (res model.PricingResult) {
	defer func() {
		if p := recover(); p != nil {
			appLog.Error("pricing: recovered from panic", fmt.Errorf("%v", p), "apartment", apartmentID)
			res = r.fallback(apartmentID, fmt.Sprint(p))
		}
		r.record(ctx, res)
	}()

	apt, ok := r.catalog.Lookup(apartmentID)
	if !ok {
		return model.PricingResult{
			Price:    r.catalog.DefaultPrice(),
			Currency: r.catalog.Currency(),
			Source:   model.SourceFallback,
			Reason:   ReasonApartmentNotFound,
		}
	}

	if stay == nil {
		return r.basePrice(ctx, apt)
	}
	if !stay.Valid() {
		return r.fallback(apartmentID, ReasonInvalidDateRange)
	}
	return r.stayPrice(ctx, apt, *stay)
}

func (r *Resolver) basePrice(ctx context.Context, apt config.Apartment) model.PricingResult {
	records, err := r.api.Apartments(ctx)
	if errors.Is(err, ErrUnrecognizedPayload) {
		return r.fallback(apt.ID, ReasonApartmentNotFoundSmoobu)
	}
	if err != nil {
		appLog.Error("pricing: apartments lookup failed", err, "apartment", apt.ID)
		return r.fallback(apt.ID, err.Error())
	}

	rec, ok := matchApartment(records, apt)
	if !ok {
		return r.fallback(apt.ID, ReasonApartmentNotFoundSmoobu)
	}

	res := model.PricingResult{
		Currency: r.catalog.Currency(),
		Source:   model.SourceExternal,
	}
	if price, ok := recordPrice(rec); ok {
		res.Price = price
		res.PriceSource = model.SourceExternal
		return res
	}

	appLog.Warn("pricing: smoobu apartment has no price field; using sentinel",
		"apartment", apt.ID, "smoobu_id", rec.ID)
	res.Price = r.catalog.SentinelPrice()
	res.PriceSource = model.SourceFallback
	return res
}

func (r *Resolver) stayPrice(ctx context.Context, apt config.Apartment, stay model.StayRange) model.PricingResult {
	rates, err := r.api.Rates(ctx, apt.SmoobuID, stay)
	if err != nil {
		appLog.Error("pricing: rates lookup failed", err, "apartment", apt.ID)
		return r.fallback(apt.ID, err.Error())
	}

	res := model.PricingResult{
		Currency: r.catalog.Currency(),
		Source:   model.SourceExternal,
	}
	if mean, ok := meanPrice(rates); ok {
		res.Price = mean
		res.PriceSource = model.SourceExternal
		return res
	}

	res.Price = r.catalog.SentinelPrice()
	res.PriceSource = model.SourceFallback
	return res
}

// fallback builds a result from the static per-apartment price table.
func (r *Resolver) fallback(apartmentID, reason string) model.PricingResult {
	price := r.catalog.DefaultPrice()
	if apt, ok := r.catalog.Lookup(apartmentID); ok {
		price = apt.FallbackPrice
	}
	return model.PricingResult{
		Price:    price,
		Currency: r.catalog.Currency(),
		Source:   model.SourceFallback,
		Reason:   reason,
	}
}

func (r *Resolver) record(ctx context.Context, res model.PricingResult) {
	if r.results == nil {
		return
	}
	reason := res.Reason
	if res.Source == model.SourceFallback && !isKnownReason(reason) {
		// Error messages would blow up label cardinality.
		reason = "error"
	}
	r.results.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", string(res.Source)),
		attribute.String("price_source", string(res.PriceSource)),
		attribute.String("reason", reason),
	))
}

func isKnownReason(reason string) bool {
	switch reason {
	case "", ReasonApartmentNotFound, ReasonApartmentNotFoundSmoobu, ReasonInvalidDateRange:
		return true
	}
	return false
}

// matchApartment prefers an exact Smoobu id match over a case-insensitive
// name substring match.
func matchApartment(records []ApartmentRecord, apt config.Apartment) (ApartmentRecord, bool) {
	if apt.SmoobuID != "" {
		for _, rec := range records {
			if rec.ID == apt.SmoobuID {
				return rec, true
			}
		}
	}
	name := strings.ToLower(strings.TrimSpace(apt.Name))
	if name == "" {
		return ApartmentRecord{}, false
	}
	for _, rec := range records {
		if strings.Contains(strings.ToLower(rec.Name), name) {
			return rec, true
		}
	}
	return ApartmentRecord{}, false
}

// recordPrice returns the first positive price among priceFields.
func recordPrice(rec ApartmentRecord) (float64, bool) {
	for _, f := range priceFields {
		v, ok := rec.Fields[f]
		if !ok {
			continue
		}
		if p, ok := number(v); ok && p > 0 {
			return p, true
		}
	}
	return 0, false
}

// meanPrice averages the daily prices, rounded to whole currency units.
// Days without a price are ignored.
func meanPrice(rates []RateRecord) (float64, bool) {
	var (
		sum   float64
		count int
	)
	for _, rate := range rates {
		if rate.Price == nil {
			continue
		}
		sum += *rate.Price
		count++
	}
	if count == 0 {
		return 0, false
	}
	return math.Round(sum / float64(count)), true
}
