package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/t77yq/pricewatch/internal/model"
)

// Selector tells the HTML fetcher where a site renders its price
type Selector struct {
	// Price is a CSS selector for the element carrying the price
	Price string `mapstructure:"price"`
	// Attr reads the price from an attribute instead of the element text
	Attr string `mapstructure:"attr"`
	// Currency is a CSS selector for an element carrying the currency code
	Currency string `mapstructure:"currency"`
}

// defaultSelectors cover schema.org and Open Graph product markup
var defaultSelectors = []Selector{
	{Price: `meta[itemprop="price"]`, Attr: "content", Currency: `meta[itemprop="priceCurrency"]`},
	{Price: `meta[property="product:price:amount"]`, Attr: "content", Currency: `meta[property="product:price:currency"]`},
	{Price: `[itemprop="price"]`},
	{Price: `.price`},
}

var (
	numberExpr      = regexp.MustCompile(`\d[\d.,\s]*`)
	currencySymbols = [][2]string{
		{"RMB", "CNY"},
		{"¥", "CNY"},
		{"￥", "CNY"},
		{"元", "CNY"},
		{"€", "EUR"},
		{"£", "GBP"},
		{"$", "USD"},
	}
)

// HTMLFetcher downloads a product page and extracts its price with CSS selectors
type HTMLFetcher struct {
	logger          *zap.Logger
	client          *http.Client
	userAgent       string
	defaultCurrency string
	sites           map[string]Selector
}

// HTMLConfig configures the HTML fetcher
type HTMLConfig struct {
	UserAgent       string
	Timeout         time.Duration
	DefaultCurrency string
	// Sites maps a host name to the selector used for its pages
	Sites map[string]Selector
}

// NewHTMLFetcher creates an HTML fetcher. client may be nil.
func NewHTMLFetcher(cfg HTMLConfig, client *http.Client, logger *zap.Logger) *HTMLFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "pricewatch/1.0"
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "CNY"
	}

	sites := make(map[string]Selector, len(cfg.Sites))
	for host, sel := range cfg.Sites {
		sites[strings.ToLower(host)] = sel
	}

	return &HTMLFetcher{
		logger:          logger.Named("html-fetcher"),
		client:          client,
		userAgent:       cfg.UserAgent,
		defaultCurrency: cfg.DefaultCurrency,
		sites:           sites,
	}
}

// Fetch implements Fetcher
func (f *HTMLFetcher) Fetch(ctx context.Context, productURL string) (model.PricePoint, error) {
	parsed, err := url.Parse(productURL)
	if err != nil || parsed.Host == "" {
		return model.PricePoint{}, fmt.Errorf("%w: invalid product url %q", ErrFetch, productURL)
	}

	doc, err := f.fetchDocument(ctx, productURL)
	if err != nil {
		return model.PricePoint{}, Classify(err)
	}

	selectors := defaultSelectors
	if sel, ok := f.sites[strings.ToLower(parsed.Hostname())]; ok {
		selectors = append([]Selector{sel}, defaultSelectors...)
	}

	for _, sel := range selectors {
		price, currency, ok := extract(doc, sel)
		if !ok {
			continue
		}
		if currency == "" {
			currency = f.defaultCurrency
		}

		f.logger.Debug("Price extracted",
			zap.String("url", productURL),
			zap.String("selector", sel.Price),
			zap.String("price", price.String()))

		return model.PricePoint{
			Timestamp: time.Now().UTC(),
			Price:     price,
			Currency:  currency,
			Source: map[string]string{
				"url":      productURL,
				"host":     parsed.Hostname(),
				"selector": sel.Price,
			},
		}, nil
	}

	return model.PricePoint{}, fmt.Errorf("%w: no price found on %s", ErrFetch, productURL)
}

func (f *HTMLFetcher) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %s", ErrFetch, pageURL, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

func extract(doc *goquery.Document, sel Selector) (decimal.Decimal, string, bool) {
	node := doc.Find(sel.Price).First()
	if node.Length() == 0 {
		return decimal.Decimal{}, "", false
	}

	raw := node.Text()
	if sel.Attr != "" {
		v, ok := node.Attr(sel.Attr)
		if !ok {
			return decimal.Decimal{}, "", false
		}
		raw = v
	}

	price, err := ParsePrice(raw)
	if err != nil {
		return decimal.Decimal{}, "", false
	}

	var currency string
	if sel.Currency != "" {
		if cur := doc.Find(sel.Currency).First(); cur.Length() > 0 {
			if v, ok := cur.Attr("content"); ok {
				currency = strings.ToUpper(strings.TrimSpace(v))
			} else {
				currency = strings.ToUpper(strings.TrimSpace(cur.Text()))
			}
		}
	}
	if currency == "" {
		currency = DetectCurrency(raw)
	}
	return price, currency, true
}

// ParsePrice parses a displayed price such as "¥1,299.00" or "1.299,00 €"
func ParsePrice(text string) (decimal.Decimal, error) {
	match := numberExpr.FindString(text)
	if match == "" {
		return decimal.Decimal{}, fmt.Errorf("no number in %q", text)
	}
	s := strings.Join(strings.Fields(match), "")
	s = strings.TrimRight(s, ".,")

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		// whichever separator comes last is the decimal mark
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		// a single comma followed by exactly two digits is a decimal mark
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 == 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	price, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %q: %w", text, err)
	}
	if price.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("negative price %q", text)
	}
	return price, nil
}

// DetectCurrency guesses an ISO code from the symbols in a displayed price
func DetectCurrency(text string) string {
	upper := strings.ToUpper(text)
	for _, code := range []string{"CNY", "USD", "EUR", "GBP", "JPY"} {
		if strings.Contains(upper, code) {
			return code
		}
	}
	for _, pair := range currencySymbols {
		if strings.Contains(upper, pair[0]) {
			return pair[1]
		}
	}
	return ""
}
