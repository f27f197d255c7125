// Package book converts venue-native order book payloads into the
// canonical normalized form.
//
// The normalizer is pure: same input, same output, no shared state. Kalshi
// books arrive as separate YES and NO bid ladders in integer cents; a NO
// bid at q cents is the complement of a YES ask at (100-q) cents. Polymarket
// books arrive already in decimal YES space. Validation failures are
// returned to the caller, which discards the update.
package book

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"predarb/internal/num"
	"predarb/pkg/types"
)

// ValidationError reports a book that violates canonical invariants.
type ValidationError struct {
	Venue      types.Venue
	ContractID string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s book for %s: %s", e.Venue, e.ContractID, e.Reason)
}

// NormalizeKalshi converts Kalshi YES/NO cents ladders into a canonical
// book. Levels with non-positive quantity are dropped.
func NormalizeKalshi(contractID string, yes, no [][2]int64, seq int64, observedAt time.Time) (*types.NormalizedOrderBook, error) {
	bids := make([]types.PriceLevel, 0, len(yes))
	for _, lvl := range yes {
		price, qty := lvl[0], lvl[1]
		if qty <= 0 || price <= 0 || price >= 100 {
			continue
		}
		bids = append(bids, types.PriceLevel{
			Price:    num.FromCents(price),
			Quantity: decimal.NewFromInt(qty),
		})
	}

	asks := make([]types.PriceLevel, 0, len(no))
	for _, lvl := range no {
		price, qty := lvl[0], lvl[1]
		if qty <= 0 || price <= 0 || price >= 100 {
			continue
		}
		asks = append(asks, types.PriceLevel{
			Price:    num.ComplementCents(price),
			Quantity: decimal.NewFromInt(qty),
		})
	}

	b := &types.NormalizedOrderBook{
		Venue:          types.VenueKalshi,
		ContractID:     contractID,
		Bids:           sortBids(bids),
		Asks:           sortAsks(asks),
		ObservedAt:     observedAt,
		SequenceNumber: seq,
	}
	if err := Validate(b); err != nil {
		return nil, err
	}
	return b, nil
}

// NormalizePolymarket converts CLOB decimal-string levels into a canonical
// book. No price inversion is needed; prices are already YES probabilities.
func NormalizePolymarket(contractID string, bids, asks []types.PolyPriceLevel, observedAt time.Time) (*types.NormalizedOrderBook, error) {
	parse := func(levels []types.PolyPriceLevel) ([]types.PriceLevel, error) {
		out := make([]types.PriceLevel, 0, len(levels))
		for _, lvl := range levels {
			price, err := num.Parse(lvl.Price)
			if err != nil {
				return nil, err
			}
			qty, err := num.Parse(lvl.Size)
			if err != nil {
				return nil, err
			}
			if qty.Sign() <= 0 || !num.InUnitInterval(price) {
				continue
			}
			out = append(out, types.PriceLevel{Price: price, Quantity: qty})
		}
		return out, nil
	}

	parsedBids, err := parse(bids)
	if err != nil {
		return nil, &ValidationError{Venue: types.VenuePolymarket, ContractID: contractID, Reason: err.Error()}
	}
	parsedAsks, err := parse(asks)
	if err != nil {
		return nil, &ValidationError{Venue: types.VenuePolymarket, ContractID: contractID, Reason: err.Error()}
	}

	b := &types.NormalizedOrderBook{
		Venue:      types.VenuePolymarket,
		ContractID: contractID,
		Bids:       sortBids(parsedBids),
		Asks:       sortAsks(parsedAsks),
		ObservedAt: observedAt,
	}
	if err := Validate(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks the canonical invariants: bids strictly descending, asks
// strictly ascending, no crossed top of book, positive quantities, prices
// strictly inside (0,1).
func Validate(b *types.NormalizedOrderBook) error {
	fail := func(reason string) error {
		return &ValidationError{Venue: b.Venue, ContractID: b.ContractID, Reason: reason}
	}

	for i, lvl := range b.Bids {
		if !num.InUnitInterval(lvl.Price) {
			return fail(fmt.Sprintf("bid price %s outside (0,1)", lvl.Price))
		}
		if lvl.Quantity.Sign() <= 0 {
			return fail(fmt.Sprintf("bid quantity %s not positive", lvl.Quantity))
		}
		if i > 0 && !lvl.Price.LessThan(b.Bids[i-1].Price) {
			return fail("bids not strictly descending")
		}
	}
	for i, lvl := range b.Asks {
		if !num.InUnitInterval(lvl.Price) {
			return fail(fmt.Sprintf("ask price %s outside (0,1)", lvl.Price))
		}
		if lvl.Quantity.Sign() <= 0 {
			return fail(fmt.Sprintf("ask quantity %s not positive", lvl.Quantity))
		}
		if i > 0 && !lvl.Price.GreaterThan(b.Asks[i-1].Price) {
			return fail("asks not strictly ascending")
		}
	}
	if len(b.Bids) > 0 && len(b.Asks) > 0 && !b.Bids[0].Price.LessThan(b.Asks[0].Price) {
		return fail(fmt.Sprintf("crossed book: bid %s >= ask %s", b.Bids[0].Price, b.Asks[0].Price))
	}
	return nil
}

func sortBids(levels []types.PriceLevel) []types.PriceLevel {
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price.GreaterThan(levels[j].Price)
	})
	return levels
}

func sortAsks(levels []types.PriceLevel) []types.PriceLevel {
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}
