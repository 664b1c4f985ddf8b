package fetcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/t77yq/pricewatch/internal/model"
)

var (
	// ErrFetch is returned when a page could not be fetched or parsed
	ErrFetch = errors.New("fetch error")

	// ErrFetchTimeout is returned when a fetch exceeds its deadline
	ErrFetchTimeout = errors.New("fetch timeout")

	// ErrProductNotFound is returned by a catalog for unknown products
	ErrProductNotFound = errors.New("product not found")
)

// Fetcher retrieves the current price of a product page. Implementations
// must honour ctx cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, productURL string) (model.PricePoint, error)
}

// FetchFunc adapts a function to Fetcher
type FetchFunc func(ctx context.Context, productURL string) (model.PricePoint, error)

// Fetch implements Fetcher
func (f FetchFunc) Fetch(ctx context.Context, productURL string) (model.PricePoint, error) {
	return f(ctx, productURL)
}

// Catalog resolves product ids to the page that carries their price
type Catalog interface {
	ProductURL(ctx context.Context, productID int64) (string, error)
}

// Classify maps a raw fetch error onto ErrFetchTimeout or ErrFetch
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrFetchTimeout), errors.Is(err, ErrFetch), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrFetchTimeout, err)
	}

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return fmt.Errorf("%w: %v", ErrFetchTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrFetch, err)
}
