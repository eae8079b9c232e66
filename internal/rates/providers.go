package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Provider resolves the current BTC/EUR rate from one source.
type Provider interface {
	Name() string
	FetchRate(ctx context.Context) (decimal.Decimal, error)
}

const coinGeckoURL = "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin&vs_currencies=eur"

// CoinGeckoProvider queries the free CoinGecko simple-price endpoint.
type CoinGeckoProvider struct {
	client *http.Client
	url    string
}

// NewCoinGeckoProvider creates the free-tier provider with its own client
// timeout.
func NewCoinGeckoProvider(timeout time.Duration) *CoinGeckoProvider {
	return &CoinGeckoProvider{
		client: &http.Client{Timeout: timeout},
		url:    coinGeckoURL,
	}
}

func (p *CoinGeckoProvider) Name() string { return "coingecko" }

func (p *CoinGeckoProvider) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("coingecko request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("coingecko returned status %d", resp.StatusCode)
	}

	var body struct {
		Bitcoin struct {
			EUR float64 `json:"eur"`
		} `json:"bitcoin"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("coingecko response decode failed: %w", err)
	}
	if body.Bitcoin.EUR <= 0 {
		return decimal.Zero, fmt.Errorf("coingecko returned empty rate")
	}
	return decimal.NewFromFloat(body.Bitcoin.EUR), nil
}

const coinMarketURL = "https://pro-api.coinmarketcap.com/v2/cryptocurrency/quotes/latest?symbol=BTC&convert=EUR"

// CoinMarketProvider queries the keyed CoinMarketCap quotes endpoint. It is
// the paid, second-priority source.
type CoinMarketProvider struct {
	client *http.Client
	url    string
	apiKey string
}

// NewCoinMarketProvider creates the paid provider.
func NewCoinMarketProvider(apiKey string, timeout time.Duration) *CoinMarketProvider {
	return &CoinMarketProvider{
		client: &http.Client{Timeout: timeout},
		url:    coinMarketURL,
		apiKey: apiKey,
	}
}

func (p *CoinMarketProvider) Name() string { return "coinmarketcap" }

func (p *CoinMarketProvider) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-CMC_PRO_API_KEY", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("coinmarketcap request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("coinmarketcap returned status %d", resp.StatusCode)
	}

	var body struct {
		Data struct {
			BTC []struct {
				Quote struct {
					EUR struct {
						Price float64 `json:"price"`
					} `json:"EUR"`
				} `json:"quote"`
			} `json:"BTC"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("coinmarketcap response decode failed: %w", err)
	}
	if len(body.Data.BTC) == 0 || body.Data.BTC[0].Quote.EUR.Price <= 0 {
		return decimal.Zero, fmt.Errorf("coinmarketcap returned empty rate")
	}
	return decimal.NewFromFloat(body.Data.BTC[0].Quote.EUR.Price), nil
}

// StaticProvider returns a fixed configured rate. It is the fallback of last
// resort and never fails.
type StaticProvider struct {
	rate decimal.Decimal
}

// NewStaticProvider creates the fallback provider.
func NewStaticProvider(rate decimal.Decimal) *StaticProvider {
	return &StaticProvider{rate: rate}
}

func (p *StaticProvider) Name() string { return "static-fallback" }

func (p *StaticProvider) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	return p.rate, nil
}
