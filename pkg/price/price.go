// Package price fetches USD quotes for token symbols.
package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"walletsync/pkg/config"
	"walletsync/pkg/metrics"
	"walletsync/pkg/models"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrOracleUnavailable = errors.New("price oracle unavailable")

// Oracle returns quotes keyed by upper-case symbol. Symbols it has no price
// for are absent from the result.
type Oracle interface {
	GetPrices(ctx context.Context, symbols []string) (map[string]models.Quote, error)
}

// CoinGecko queries the simple/price endpoint. On failure it serves the
// last quotes it saw, alongside an error wrapping ErrOracleUnavailable.
type CoinGecko struct {
	baseURL      string
	apiKey       string
	apiKeyHeader string
	ids          map[string]string
	client       *http.Client
	limiter      *rate.Limiter
	log          *zap.Logger

	mu    sync.Mutex
	cache map[string]models.Quote
}

func NewCoinGecko(cfg config.Price, log *zap.Logger) *CoinGecko {
	ids := make(map[string]string, len(cfg.IDs))
	for sym, id := range cfg.IDs {
		ids[strings.ToUpper(strings.TrimSpace(sym))] = strings.TrimSpace(id)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}

	return &CoinGecko{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		apiKeyHeader: cfg.APIKeyHeader,
		ids:          ids,
		client:       &http.Client{Timeout: 30 * time.Second},
		limiter:      limiter,
		log:          log.Named("price"),
		cache:        make(map[string]models.Quote),
	}
}

func (c *CoinGecko) GetPrices(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	bySymbol := make(map[string]string)
	byID := make(map[string][]string)
	for _, s := range symbols {
		sym := strings.ToUpper(s)
		id, ok := c.ids[sym]
		if !ok || id == "" {
			continue
		}
		if _, seen := bySymbol[sym]; seen {
			continue
		}
		bySymbol[sym] = id
		byID[id] = append(byID[id], sym)
	}
	if len(byID) == 0 {
		return map[string]models.Quote{}, nil
	}

	quotes, err := c.fetch(ctx, byID)
	if err != nil {
		metrics.OracleErrors.Inc()
		c.log.Warn("price fetch failed, serving cached quotes", zap.Error(err))
		return c.cached(bySymbol), err
	}

	c.mu.Lock()
	for sym, q := range quotes {
		c.cache[sym] = q
	}
	c.mu.Unlock()
	return quotes, nil
}

func (c *CoinGecko) fetch(ctx context.Context, byID map[string][]string) (map[string]models.Quote, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_24hr_change", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" && c.apiKeyHeader != "" {
		req.Header.Set(c.apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: unauthorized (http %d)", ErrOracleUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: rate limited", ErrOracleUnavailable)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: http %d", ErrOracleUnavailable, resp.StatusCode)
	}

	var result map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrOracleUnavailable, err)
	}

	quotes := make(map[string]models.Quote)
	for id, syms := range byID {
		entry, ok := result[id]
		if !ok {
			continue
		}
		usd, ok := entry["usd"]
		if !ok {
			continue
		}
		for _, sym := range syms {
			quotes[sym] = models.Quote{Symbol: sym, PriceUSD: usd, Change24hPercent: entry["usd_24h_change"]}
		}
	}
	return quotes, nil
}

func (c *CoinGecko) cached(bySymbol map[string]string) map[string]models.Quote {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]models.Quote)
	for sym := range bySymbol {
		if q, ok := c.cache[sym]; ok {
			out[sym] = q
		}
	}
	return out
}

// Static is an Oracle with fixed quotes, for dry runs and tests.
type Static map[string]models.Quote

func (s Static) GetPrices(_ context.Context, symbols []string) (map[string]models.Quote, error) {
	out := make(map[string]models.Quote)
	for _, sym := range symbols {
		if q, ok := s[strings.ToUpper(sym)]; ok {
			out[strings.ToUpper(sym)] = q
		}
	}
	return out, nil
}
