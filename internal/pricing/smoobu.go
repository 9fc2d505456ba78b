package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tuscanstay/internal/config"
	appLog "tuscanstay/internal/log"
	"tuscanstay/internal/model"
)

const maxBodyBytes = 4 << 20

// ErrUnrecognizedPayload is returned when a response matches none of the
// known shapes.
var ErrUnrecognizedPayload = errors.New("smoobu: unrecognized response shape")

// ApartmentRecord is one entry of the Smoobu apartments listing.
type ApartmentRecord struct {
	ID   string
	Name string
	// Fields keeps the raw record so price lookups can try several names.
	Fields map[string]json.RawMessage
}

// RateRecord is one day of the Smoobu rates calendar.
type RateRecord struct {
	Date  string
	Price *float64
}

// API is the subset of the Smoobu API the resolver needs.
type API interface {
	Apartments(ctx context.Context) ([]ApartmentRecord, error)
	Rates(ctx context.Context, smoobuID string, stay model.StayRange) ([]RateRecord, error)
}

// Client talks to the Smoobu REST API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a Smoobu client. A nil httpClient gets cfg.Timeout.
func NewClient(cfg config.SmoobuConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  httpClient,
	}
}

// Apartments lists the apartments known to Smoobu.
func (c *Client) Apartments(ctx context.Context) ([]ApartmentRecord, error) {
	raw, err := c.get(ctx, "apartments", nil)
	if err != nil {
		return nil, err
	}
	return decodeApartments(raw)
}

// Rates returns the daily rates of one apartment for the stay.
func (c *Client) Rates(ctx context.Context, smoobuID string, stay model.StayRange) ([]RateRecord, error) {
	q := url.Values{}
	q.Add("apartments[]", smoobuID)
	q.Set("start_date", stay.CheckIn.Format(model.DateLayout))
	// Smoobu's range is inclusive; the checkout day is not a night of the stay.
	q.Set("end_date", stay.CheckOut.AddDate(0, 0, -1).Format(model.DateLayout))

	raw, err := c.get(ctx, "rates", q)
	if err != nil {
		return nil, err
	}
	return decodeRates(raw, smoobuID)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values) (json.RawMessage, error) {
	u, err := url.Parse(fmt.Sprintf("%s/%s", c.baseURL, endpoint))
	if err != nil {
		return nil, fmt.Errorf("smoobu: invalid url: %w", err)
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("smoobu: build request: %w", err)
	}
	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("smoobu: %s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("smoobu: read %s response: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("smoobu: %s returned status %d", endpoint, resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("smoobu: %s response is not valid JSON", endpoint)
	}
	return body, nil
}

// shape extracts a list of records from a response body, reporting
// whether the body had that shape.
type shape struct {
	name    string
	extract func(raw json.RawMessage) ([]json.RawMessage, bool)
}

// apartmentShapes are tried in order; the first match wins.
var apartmentShapes = []shape{
	{name: "array", extract: bareArray},
	{name: "data", extract: arrayField("data")},
	{name: "apartments", extract: arrayField("apartments")},
}

func bareArray(raw json.RawMessage) ([]json.RawMessage, bool) {
	if isNull(raw) {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	return items, true
}

func arrayField(key string) func(json.RawMessage) ([]json.RawMessage, bool) {
	return func(raw json.RawMessage) ([]json.RawMessage, bool) {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, false
		}
		field, ok := obj[key]
		if !ok {
			return nil, false
		}
		return bareArray(field)
	}
}

func extractRecords(raw json.RawMessage, shapes []shape) ([]json.RawMessage, error) {
	for _, s := range shapes {
		if items, ok := s.extract(raw); ok {
			appLog.Debug("smoobu payload shape", "shape", s.name, "records", len(items))
			return items, nil
		}
	}
	return nil, ErrUnrecognizedPayload
}

func decodeApartments(raw json.RawMessage) ([]ApartmentRecord, error) {
	items, err := extractRecords(raw, apartmentShapes)
	if err != nil {
		return nil, err
	}

	out := make([]ApartmentRecord, 0, len(items))
	for _, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil {
			// Not an object; nothing to match against.
			continue
		}
		rec := ApartmentRecord{Fields: fields}
		if v, ok := fields["id"]; ok {
			rec.ID = scalarString(v)
		}
		if v, ok := fields["name"]; ok {
			rec.Name = scalarString(v)
		}
		out = append(out, rec)
	}
	return out, nil
}

// decodeRates accepts either {"data": [{"price": ..}, ..]} or Smoobu's
// {"data": {"<apartment>": {"<date>": {"price": ..}}}}.
func decodeRates(raw json.RawMessage, smoobuID string) ([]RateRecord, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || isNull(envelope.Data) {
		return nil, ErrUnrecognizedPayload
	}

	if items, ok := bareArray(envelope.Data); ok {
		out := make([]RateRecord, 0, len(items))
		for _, item := range items {
			out = append(out, decodeRate("", item))
		}
		return out, nil
	}

	var byApartment map[string]map[string]json.RawMessage
	if err := json.Unmarshal(envelope.Data, &byApartment); err != nil {
		return nil, ErrUnrecognizedPayload
	}
	days, ok := byApartment[smoobuID]
	if !ok {
		// The API answers with only the requested apartment; an empty
		// object means no rates for the period.
		return []RateRecord{}, nil
	}
	out := make([]RateRecord, 0, len(days))
	for date, item := range days {
		out = append(out, decodeRate(date, item))
	}
	return out, nil
}

func decodeRate(date string, item json.RawMessage) RateRecord {
	rec := RateRecord{Date: date}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(item, &fields); err != nil {
		return rec
	}
	if v, ok := fields["price"]; ok {
		if p, ok := number(v); ok {
			rec.Price = &p
		}
	}
	return rec
}

func isNull(v json.RawMessage) bool {
	t := strings.TrimSpace(string(v))
	return t == "" || t == "null"
}

// scalarString renders a JSON string or number as a plain string.
func scalarString(v json.RawMessage) string {
	if isNull(v) {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}

// number reads a JSON number or a numeric string. NaN and infinities are
// rejected since they cannot be encoded back to JSON.
func number(v json.RawMessage) (float64, bool) {
	if isNull(v) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, isFinite(f)
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, isFinite(f)
		}
	}
	return 0, false
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
