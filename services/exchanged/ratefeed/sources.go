package ratefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// SourceConfig describes one upstream price feed.
type SourceConfig struct {
	Name     string
	Type     string
	Endpoint string
	// IDs maps asset symbols to provider identifiers.
	IDs map[string]string
	// Field is the dotted path of the price in generic JSON responses.
	Field string
	// TimeField is the dotted path of a unix timestamp, if any.
	TimeField string
}

// Registry constructs sources based on configuration.
type Registry struct {
	HTTPClient *http.Client
	clock      func() time.Time
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{
		HTTPClient: &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		clock:      time.Now,
	}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(cfg SourceConfig) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "coingecko":
		endpoint := strings.TrimSpace(cfg.Endpoint)
		if endpoint == "" {
			endpoint = defaultCoinGeckoEndpoint
		}
		return &coinGeckoSource{name: label(cfg.Name, "coingecko"), client: r.client(), endpoint: endpoint, ids: normaliseIDs(cfg.IDs), clock: r.now}, nil
	case "json":
		if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Field) == "" {
			return nil, fmt.Errorf("json source %q requires endpoint and field", cfg.Name)
		}
		return &jsonSource{name: label(cfg.Name, "json"), client: r.client(), endpoint: strings.TrimSpace(cfg.Endpoint), ids: normaliseIDs(cfg.IDs), field: cfg.Field, timeField: cfg.TimeField, clock: r.now}, nil
	default:
		return nil, fmt.Errorf("unknown rate source type %q", cfg.Type)
	}
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (r *Registry) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}

type coinGeckoSource struct {
	name     string
	client   *http.Client
	endpoint string
	ids      map[string]string
	clock    func() time.Time
}

func (s *coinGeckoSource) Name() string { return s.name }

func (s *coinGeckoSource) Fetch(ctx context.Context, asset string) (Quote, error) {
	id := lookupID(s.ids, asset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", "brl")
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	var payload map[string]map[string]json.Number
	if err := getJSON(s.client, req, &payload); err != nil {
		return Quote{}, fmt.Errorf("coingecko: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko: quote missing for %s", asset)
	}
	price, ok := entry["brl"]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko: brl price missing for %s", asset)
	}
	rate, err := decimal.NewFromString(price.String())
	if err != nil {
		return Quote{}, fmt.Errorf("coingecko: parse price: %w", err)
	}
	ts := s.clock()
	if raw, ok := entry["last_updated_at"]; ok {
		if secs, err := raw.Int64(); err == nil && secs > 0 {
			ts = time.Unix(secs, 0)
		}
	}
	return Quote{Rate: rate, Timestamp: ts}, nil
}

type jsonSource struct {
	name      string
	client    *http.Client
	endpoint  string
	ids       map[string]string
	field     string
	timeField string
	clock     func() time.Time
}

func (s *jsonSource) Name() string { return s.name }

// Fetch substitutes {asset} in the endpoint and reads the configured field.
func (s *jsonSource) Fetch(ctx context.Context, asset string) (Quote, error) {
	endpoint := strings.ReplaceAll(s.endpoint, "{asset}", url.PathEscape(lookupID(s.ids, asset)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	var payload any
	if err := getJSON(s.client, req, &payload); err != nil {
		return Quote{}, fmt.Errorf("%s: %w", s.name, err)
	}
	raw, ok := lookupPath(payload, s.field)
	if !ok {
		return Quote{}, fmt.Errorf("%s: field %s missing", s.name, s.field)
	}
	rate, err := decimal.NewFromString(scalarString(raw))
	if err != nil {
		return Quote{}, fmt.Errorf("%s: parse price: %w", s.name, err)
	}
	ts := s.clock()
	if s.timeField != "" {
		if rawTS, ok := lookupPath(payload, s.timeField); ok {
			if secs, err := strconv.ParseInt(scalarString(rawTS), 10, 64); err == nil && secs > 0 {
				ts = time.Unix(secs, 0)
			}
		}
	}
	return Quote{Rate: rate, Timestamp: ts}, nil
}

func getJSON(client *http.Client, req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func lookupPath(payload any, path string) (any, bool) {
	current := payload
	for _, part := range strings.Split(strings.TrimSpace(path), ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func scalarString(v any) string {
	switch val := v.(type) {
	case json.Number:
		return val.String()
	case string:
		return strings.TrimSpace(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func lookupID(ids map[string]string, asset string) string {
	symbol := strings.ToUpper(strings.TrimSpace(asset))
	if id, ok := ids[symbol]; ok && id != "" {
		return id
	}
	return strings.ToLower(symbol)
}

func normaliseIDs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
