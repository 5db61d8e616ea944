package pricing

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSource fetches prices from a JSON endpoint of the form
//
//	GET <endpoint>?in=ETH&out=USDC
//	{"price": "3012.5", "publishedAt": 1700000000}
//
// Outbound requests are throttled by a token bucket; an exhausted bucket fails
// the lookup with ErrThrottled instead of blocking.
type HTTPSource struct {
	name     string
	client   HTTPDoer
	endpoint string
	apiKey   string
	limiter  *rate.Limiter
}

// HTTPSourceOptions configures an HTTPSource.
type HTTPSourceOptions struct {
	Name              string
	Endpoint          string
	APIKey            string
	RequestsPerMinute float64
	Burst             int
}

// NewHTTPSource constructs an HTTP adapter. When the client is nil a client
// with a ten second timeout is used. A non-positive request budget disables
// throttling.
func NewHTTPSource(client HTTPDoer, opts HTTPSourceOptions) (*HTTPSource, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("pricing: http source endpoint required")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("pricing: invalid endpoint %q: %w", endpoint, err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "http"
	}
	src := &HTTPSource{name: name, client: client, endpoint: endpoint, apiKey: strings.TrimSpace(opts.APIKey)}
	if opts.RequestsPerMinute > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		src.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerMinute/60.0), burst)
	}
	return src, nil
}

type httpQuotePayload struct {
	Price       string `json:"price"`
	PublishedAt int64  `json:"publishedAt"`
}

// GetPrice implements PriceSource.
func (s *HTTPSource) GetPrice(tokenIn, tokenOut string) (Quote, error) {
	if s == nil {
		return Quote{}, ErrNotConfigured
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return Quote{}, fmt.Errorf("%w: %s", ErrThrottled, s.name)
	}
	req, err := http.NewRequest(http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := req.URL.Query()
	values.Set("in", normaliseSymbol(tokenIn))
	values.Set("out", normaliseSymbol(tokenOut))
	req.URL.RawQuery = values.Encode()
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("pricing: %s request: %w", s.name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("pricing: %s status %d: %s", s.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload httpQuotePayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload); err != nil {
		return Quote{}, &DecodeError{Source: s.name, Reason: "decode body", Err: err}
	}
	return decodeHTTPQuote(s.name, payload)
}

func decodeHTTPQuote(source string, payload httpQuotePayload) (Quote, error) {
	raw := strings.TrimSpace(payload.Price)
	if raw == "" {
		return Quote{}, &DecodeError{Source: source, Reason: "missing price"}
	}
	rat, ok := new(big.Rat).SetString(raw)
	if !ok {
		return Quote{}, &DecodeError{Source: source, Reason: fmt.Sprintf("invalid price %q", payload.Price)}
	}
	if rat.Sign() < 0 {
		return Quote{}, &DecodeError{Source: source, Reason: fmt.Sprintf("negative price %q", payload.Price)}
	}
	if payload.PublishedAt <= 0 {
		return Quote{}, &DecodeError{Source: source, Reason: "missing publishedAt"}
	}
	return Quote{Price: RatToWad(rat), PublishedAt: time.Unix(payload.PublishedAt, 0).UTC(), Source: source}, nil
}
