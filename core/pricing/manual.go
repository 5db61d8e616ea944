package pricing

import (
	"fmt"
	"math/big"
	"sync"
	"time"
)

// ManualSource provides an in-memory price source used for tests and manual
// overrides during incident response. It reports whatever was last set,
// including zero prices, so callers see exactly what an operator published.
type ManualSource struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	fail   map[string]error
}

// NewManualSource constructs an empty manual source.
func NewManualSource() *ManualSource {
	return &ManualSource{quotes: make(map[string]Quote), fail: make(map[string]error)}
}

// Set stores the Wad price for the pair.
func (m *ManualSource) Set(tokenIn, tokenOut string, price *big.Int, publishedAt time.Time) {
	if m == nil || price == nil {
		return
	}
	key := pairKey(tokenIn, tokenOut)
	m.mu.Lock()
	m.quotes[key] = Quote{Price: new(big.Int).Set(price), PublishedAt: publishedAt, Source: "manual"}
	delete(m.fail, key)
	m.mu.Unlock()
}

// SetDecimal records a decimal price such as "3.5" for the pair.
func (m *ManualSource) SetDecimal(tokenIn, tokenOut, price string, publishedAt time.Time) error {
	if m == nil {
		return ErrNotConfigured
	}
	wad, err := ParseWad(price)
	if err != nil {
		return err
	}
	if wad.Sign() < 0 {
		return fmt.Errorf("pricing: manual price must not be negative")
	}
	m.Set(tokenIn, tokenOut, wad, publishedAt)
	return nil
}

// Fail makes subsequent lookups for the pair return err until the next Set.
func (m *ManualSource) Fail(tokenIn, tokenOut string, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.fail[pairKey(tokenIn, tokenOut)] = err
	m.mu.Unlock()
}

// GetPrice implements PriceSource.
func (m *ManualSource) GetPrice(tokenIn, tokenOut string) (Quote, error) {
	if m == nil {
		return Quote{}, ErrNotConfigured
	}
	key := pairKey(tokenIn, tokenOut)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err, ok := m.fail[key]; ok && err != nil {
		return Quote{}, err
	}
	stored, ok := m.quotes[key]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrQuoteNotFound, key)
	}
	return stored.Clone(), nil
}
