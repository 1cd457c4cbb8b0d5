package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const coingeckoAPIURL = "https://api.coingecko.com/api/v3"

// CoinGeckoProvider implements Provider using the CoinGecko API
// (free, no API key needed). Used as poll fallback when the stream
// feed is down or a symbol is not streamed.
type CoinGeckoProvider struct {
	client *http.Client
	mu     sync.Mutex
	cache  map[string]cachedPrice
}

type cachedPrice struct {
	timestamp time.Time
	price     decimal.Decimal
}

// NewCoinGeckoProvider creates new CoinGecko price provider
func NewCoinGeckoProvider() *CoinGeckoProvider {
	return &CoinGeckoProvider{
		client: &http.Client{Timeout: 10 * time.Second},
		cache:  make(map[string]cachedPrice),
	}
}

func (cg *CoinGeckoProvider) GetName() string {
	return "coingecko"
}

// GetPrice returns current price in USD
func (cg *CoinGeckoProvider) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	cg.mu.Lock()
	if cached, ok := cg.cache[symbol]; ok && time.Since(cached.timestamp) < time.Minute {
		cg.mu.Unlock()
		return cached.price, nil
	}
	cg.mu.Unlock()

	coinID := mapSymbolToCoinGeckoID(symbol)
	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", coingeckoAPIURL, coinID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := cg.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return decimal.Zero, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var result map[string]struct {
		USD json.Number `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode response: %w", err)
	}

	priceData, ok := result[coinID]
	if !ok {
		return decimal.Zero, fmt.Errorf("price not found for %s", symbol)
	}

	p, err := decimal.NewFromString(priceData.USD.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad price value for %s: %w", symbol, err)
	}

	cg.mu.Lock()
	cg.cache[symbol] = cachedPrice{timestamp: time.Now(), price: p}
	cg.mu.Unlock()

	return p, nil
}

// GetPrices returns multiple prices at once
func (cg *CoinGeckoProvider) GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		p, err := cg.GetPrice(ctx, symbol)
		if err != nil {
			continue // tolerate gaps per symbol
		}
		prices[symbol] = p
	}
	return prices, nil
}

// mapSymbolToCoinGeckoID converts trading symbols to CoinGecko coin ids
func mapSymbolToCoinGeckoID(symbol string) string {
	base := strings.ToUpper(symbol)
	for _, quote := range []string{"/USDT", "USDT", "/USD", "USD"} {
		base = strings.TrimSuffix(base, quote)
	}

	known := map[string]string{
		"BTC":   "bitcoin",
		"ETH":   "ethereum",
		"SOL":   "solana",
		"BNB":   "binancecoin",
		"XRP":   "ripple",
		"ADA":   "cardano",
		"DOGE":  "dogecoin",
		"AVAX":  "avalanche-2",
		"DOT":   "polkadot",
		"MATIC": "matic-network",
	}
	if id, ok := known[base]; ok {
		return id
	}
	return strings.ToLower(base)
}
