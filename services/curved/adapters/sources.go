package adapters

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"curvevm/core/pricing"
	"curvevm/services/curved/config"
)

// Registry constructs price sources based on configuration.
type Registry struct {
	HTTPClient *http.Client
	// Now stamps manual quotes seeded from configuration.
	Now func() time.Time
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}, Now: time.Now}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(src config.Source) (pricing.PriceSource, error) {
	switch strings.ToLower(strings.TrimSpace(src.Type)) {
	case "", "manual":
		return r.buildManual(src)
	case "http":
		return pricing.NewHTTPSource(r.client(), pricing.HTTPSourceOptions{
			Name:              label(src.Name, "http"),
			Endpoint:          src.Endpoint,
			APIKey:            src.APIKey,
			RequestsPerMinute: src.RequestsPerMinute,
			Burst:             src.Burst,
		})
	case "coingecko":
		return pricing.NewRateSource(NewCoinGeckoOracle(r.client(), src.Endpoint, src.Assets))
	default:
		return nil, fmt.Errorf("unknown price source type %q", src.Type)
	}
}

// BuildAll constructs every configured source keyed by name.
func (r *Registry) BuildAll(sources []config.Source) (map[string]pricing.PriceSource, error) {
	built := make(map[string]pricing.PriceSource, len(sources))
	for _, src := range sources {
		source, err := r.Build(src)
		if err != nil {
			return nil, fmt.Errorf("build source %s: %w", src.Name, err)
		}
		built[strings.TrimSpace(src.Name)] = source
	}
	return built, nil
}

func (r *Registry) buildManual(src config.Source) (*pricing.ManualSource, error) {
	manual := pricing.NewManualSource()
	now := r.now()
	for pair, price := range src.Prices {
		in, out, ok := strings.Cut(pair, "/")
		if !ok || strings.TrimSpace(in) == "" || strings.TrimSpace(out) == "" {
			return nil, fmt.Errorf("manual source %s: invalid pair %q", src.Name, pair)
		}
		if err := manual.SetDecimal(in, out, price, now); err != nil {
			return nil, fmt.Errorf("manual source %s: pair %s: %w", src.Name, pair, err)
		}
	}
	return manual, nil
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
