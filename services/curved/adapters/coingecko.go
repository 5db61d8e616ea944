package adapters

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"curvevm/core/pricing"
)

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// CoinGeckoOracle reads rates from the CoinGecko simple price API. The in token
// is looked up as the asset and the out token as the vs currency, so the rate
// is out units per in unit.
type CoinGeckoOracle struct {
	client   pricing.HTTPDoer
	endpoint string
	idMap    map[string]string
}

// NewCoinGeckoOracle constructs a new adapter. idMap maps token symbols to
// CoinGecko asset identifiers.
func NewCoinGeckoOracle(client pricing.HTTPDoer, endpoint string, idMap map[string]string) *CoinGeckoOracle {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	mapped := make(map[string]string, len(idMap))
	for k, v := range idMap {
		mapped[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return &CoinGeckoOracle{client: client, endpoint: ep, idMap: mapped}
}

func (o *CoinGeckoOracle) assetID(symbol string) string {
	if id, ok := o.idMap[strings.ToUpper(symbol)]; ok && id != "" {
		return id
	}
	return strings.ToLower(symbol)
}

// GetRate implements pricing.RateOracle.
func (o *CoinGeckoOracle) GetRate(base, quote string) (pricing.RateQuote, error) {
	if o == nil {
		return pricing.RateQuote{}, pricing.ErrNotConfigured
	}
	base = strings.TrimSpace(base)
	vs := strings.ToLower(strings.TrimSpace(quote))
	id := o.assetID(base)
	if id == "" || vs == "" {
		return pricing.RateQuote{}, fmt.Errorf("coingecko: pair required")
	}
	req, err := http.NewRequest(http.MethodGet, o.endpoint, nil)
	if err != nil {
		return pricing.RateQuote{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", vs)
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	resp, err := o.client.Do(req)
	if err != nil {
		return pricing.RateQuote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return pricing.RateQuote{}, fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return pricing.RateQuote{}, &pricing.DecodeError{Source: "coingecko", Reason: "malformed payload", Err: err}
	}
	entry, ok := payload[id]
	if !ok {
		return pricing.RateQuote{}, fmt.Errorf("%w: coingecko %s/%s", pricing.ErrQuoteNotFound, base, vs)
	}
	raw, ok := entry[vs]
	if !ok || strings.TrimSpace(raw.String()) == "" {
		return pricing.RateQuote{}, &pricing.DecodeError{Source: "coingecko", Reason: "price missing"}
	}
	rat, ok := new(big.Rat).SetString(raw.String())
	if !ok {
		return pricing.RateQuote{}, &pricing.DecodeError{Source: "coingecko", Reason: fmt.Sprintf("invalid price %q", raw.String())}
	}
	var ts time.Time
	if updated, ok := entry["last_updated_at"]; ok {
		if parsed, err := strconv.ParseInt(updated.String(), 10, 64); err == nil && parsed > 0 {
			ts = time.Unix(parsed, 0)
		}
	}
	return pricing.RateQuote{Rate: rat, Timestamp: ts, Source: "coingecko"}, nil
}
