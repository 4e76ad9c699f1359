package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cryptoclaude/trading-core/internal/market"
)

// Provider failure kinds, matched with errors.Is at the call sites.
var (
	ErrProviderUnreachable = errors.New("provider unreachable")
	ErrProviderRateLimited = errors.New("provider rate limited")
	ErrProviderAuthFailed  = errors.New("provider auth failed")
	ErrMalformedResponse   = errors.New("malformed provider response")
)

// CryptoCompareProvider serves prices and news sentiment from the
// CryptoCompare REST API. An empty API key fails every call with
// ErrProviderAuthFailed, which degrades the provider without halting
// the process.
type CryptoCompareProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	now     func() time.Time
}

func NewCryptoCompareProvider(apiKey string, timeout time.Duration) *CryptoCompareProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CryptoCompareProvider{
		apiKey:  apiKey,
		baseURL: "https://min-api.cryptocompare.com",
		client:  &http.Client{Timeout: timeout},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (p *CryptoCompareProvider) Name() string { return "cryptocompare" }

func (p *CryptoCompareProvider) Capabilities() (prices, news bool) { return true, true }

type ccQuote struct {
	Price     float64 `json:"PRICE"`
	Volume24H float64 `json:"VOLUME24HOURTO"`
}

// FetchPrices pulls the full quote block for all symbols in one call.
func (p *CryptoCompareProvider) FetchPrices(ctx context.Context, symbols []string) ([]market.PricePoint, error) {
	if p.apiKey == "" {
		return nil, ErrProviderAuthFailed
	}

	q := url.Values{}
	q.Set("fsyms", strings.Join(symbols, ","))
	q.Set("tsyms", "USD")
	q.Set("api_key", p.apiKey)

	var body struct {
		Raw map[string]map[string]ccQuote `json:"RAW"`
	}
	if err := p.get(ctx, "/data/pricemultifull?"+q.Encode(), &body); err != nil {
		return nil, err
	}
	if body.Raw == nil {
		return nil, fmt.Errorf("%w: missing RAW block", ErrMalformedResponse)
	}

	now := p.now()
	out := make([]market.PricePoint, 0, len(symbols))
	for _, sym := range symbols {
		quote, ok := body.Raw[sym]["USD"]
		if !ok || quote.Price <= 0 {
			continue
		}
		out = append(out, market.PricePoint{
			Symbol:    sym,
			Timestamp: now,
			Price:     quote.Price,
			Volume:    quote.Volume24H,
			Provider:  p.Name(),
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no usable quotes", ErrMalformedResponse)
	}
	return out, nil
}

type ccArticle struct {
	Title      string `json:"title"`
	Categories string `json:"categories"`
}

// FetchSentiment scores recent news headlines per symbol with a small
// keyword lexicon and aggregates them into one sentiment point each.
func (p *CryptoCompareProvider) FetchSentiment(ctx context.Context, symbols []string) ([]market.SentimentPoint, error) {
	if p.apiKey == "" {
		return nil, ErrProviderAuthFailed
	}

	q := url.Values{}
	q.Set("lang", "EN")
	q.Set("api_key", p.apiKey)

	var body struct {
		Data []ccArticle `json:"Data"`
	}
	if err := p.get(ctx, "/data/v2/news/?"+q.Encode(), &body); err != nil {
		return nil, err
	}

	now := p.now()
	var out []market.SentimentPoint
	for _, sym := range symbols {
		total, count := 0.0, 0
		for _, a := range body.Data {
			if !strings.Contains(strings.ToUpper(a.Categories), sym) &&
				!strings.Contains(strings.ToUpper(a.Title), sym) {
				continue
			}
			total += scoreHeadline(a.Title)
			count++
		}
		if count == 0 {
			continue
		}
		out = append(out, market.SentimentPoint{
			Symbol:       sym,
			Timestamp:    now,
			AvgSentiment: total / float64(count),
			ArticleCount: count,
			Source:       p.Name(),
		})
	}
	return out, nil
}

func (p *CryptoCompareProvider) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrProviderRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrProviderAuthFailed
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: status %d", ErrProviderUnreachable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

var (
	positiveWords = []string{"surge", "rally", "gain", "bullish", "soar", "record", "adoption", "breakout", "upgrade"}
	negativeWords = []string{"crash", "plunge", "drop", "bearish", "hack", "ban", "fraud", "lawsuit", "collapse", "selloff"}
)

// scoreHeadline maps keyword hits onto [-1, 1].
func scoreHeadline(title string) float64 {
	lower := strings.ToLower(title)
	score := 0.0
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			score += 0.5
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			score -= 0.5
		}
	}
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	return score
}
