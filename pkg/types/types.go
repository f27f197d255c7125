// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the arbitrage core: venues,
// price levels, normalized order books, contract pairs, dislocations, and
// the WebSocket wire payloads of both venues. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifies one of the two supported trading venues.
type Venue string

const (
	VenueKalshi     Venue = "kalshi"
	VenuePolymarket Venue = "polymarket"
)

// Venues lists every supported venue in canonical order.
func Venues() []Venue {
	return []Venue{VenueKalshi, VenuePolymarket}
}

// Valid reports whether v is a known venue identifier.
func (v Venue) Valid() bool {
	return v == VenueKalshi || v == VenuePolymarket
}

// Other returns the opposite venue of a pair.
func (v Venue) Other() Venue {
	if v == VenueKalshi {
		return VenuePolymarket
	}
	return VenueKalshi
}

// HealthStatus is the liveness classification of a venue connection.
type HealthStatus string

const (
	HealthHealthy      HealthStatus = "healthy"
	HealthDegraded     HealthStatus = "degraded"
	HealthDisconnected HealthStatus = "disconnected"
)

// PriceLevel is a single bid or ask level in a canonical order book.
// Price is a probability in (0,1); Quantity is in contract units and may be
// fractional on Polymarket.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// NormalizedOrderBook is the venue-agnostic view of one contract's book.
// Bids are sorted descending by price, asks ascending, so index 0 is always
// top of book. Both sides contain only strictly positive quantities and
// prices strictly inside (0,1).
type NormalizedOrderBook struct {
	Venue          Venue        `json:"venue"`
	ContractID     string       `json:"contract_id"`
	Bids           []PriceLevel `json:"bids"`
	Asks           []PriceLevel `json:"asks"`
	ObservedAt     time.Time    `json:"observed_at"`
	SequenceNumber int64        `json:"sequence_number,omitempty"`
	PlatformHealth HealthStatus `json:"platform_health,omitempty"`
}

// BestBid returns the top bid level, or false if the bid side is empty.
func (b *NormalizedOrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, or false if the ask side is empty.
func (b *NormalizedOrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// ContractPair binds one Kalshi contract to its economically equivalent
// Polymarket contract. Pairs are loaded once at startup, verified by an
// operator, and treated as immutable for the process lifetime.
type ContractPair struct {
	KalshiContractID     string    `mapstructure:"kalshi_contract_id" json:"kalshi_contract_id"`
	PolymarketContractID string    `mapstructure:"polymarket_contract_id" json:"polymarket_contract_id"`
	EventDescription     string    `mapstructure:"event_description" json:"event_description"`
	VerifiedAt           time.Time `mapstructure:"verified_at" json:"verified_at"`
	PrimaryLeg           Venue     `mapstructure:"primary_leg" json:"primary_leg"`
}

// ContractID returns the pair's contract id on the given venue.
func (p ContractPair) ContractID(v Venue) string {
	if v == VenueKalshi {
		return p.KalshiContractID
	}
	return p.PolymarketContractID
}

// FeeSchedule describes a venue's trading costs. Percentages are whole
// numbers (2 means 2%). GasEstimateUSD is zero for venues without on-chain
// settlement.
type FeeSchedule struct {
	Venue          Venue           `json:"venue"`
	MakerFeePct    decimal.Decimal `json:"maker_fee_pct"`
	TakerFeePct    decimal.Decimal `json:"taker_fee_pct"`
	GasEstimateUSD decimal.Decimal `json:"gas_estimate_usd"`
	Description    string          `json:"description"`
}

// OrderSide is the direction of a venue order.
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

// OrderRequest describes an order to place on a venue.
type OrderRequest struct {
	ContractID string          `json:"contract_id"`
	Side       OrderSide       `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
}

// OrderState is a venue's view of a previously submitted order.
type OrderState struct {
	OrderID        string          `json:"order_id"`
	ContractID     string          `json:"contract_id"`
	Status         string          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RawDislocation is a detected price difference between the two legs of a
// pair, before any cost adjustment. BuyPrice is the best YES ask on the buy
// venue; SellPrice is the best NO ask on the sell venue whose complement
// (1 - SellPrice) is the implied YES sell.
type RawDislocation struct {
	Pair       ContractPair         `json:"pair"`
	BuyVenue   Venue                `json:"buy_venue"`
	SellVenue  Venue                `json:"sell_venue"`
	BuyPrice   decimal.Decimal      `json:"buy_price"`
	SellPrice  decimal.Decimal      `json:"sell_price"`
	GrossEdge  decimal.Decimal      `json:"gross_edge"`
	BuyBook    *NormalizedOrderBook `json:"-"`
	SellBook   *NormalizedOrderBook `json:"-"`
	DetectedAt time.Time            `json:"detected_at"`
}

// FeeBreakdown itemizes the costs subtracted from a gross edge.
type FeeBreakdown struct {
	BuyFeeCost  decimal.Decimal `json:"buy_fee_cost"`
	SellFeeCost decimal.Decimal `json:"sell_fee_cost"`
	GasFraction decimal.Decimal `json:"gas_fraction"`
	TotalCosts  decimal.Decimal `json:"total_costs"`
	BuyFees     FeeSchedule     `json:"buy_fees"`
	SellFees    FeeSchedule     `json:"sell_fees"`
}

// LiquidityDepth captures top-of-book sizes on both legs at enrichment time.
type LiquidityDepth struct {
	BuyBestBidSize  decimal.Decimal `json:"buy_best_bid_size"`
	BuyBestAskSize  decimal.Decimal `json:"buy_best_ask_size"`
	SellBestBidSize decimal.Decimal `json:"sell_best_bid_size"`
	SellBestAskSize decimal.Decimal `json:"sell_best_ask_size"`
}

// EnrichedOpportunity is a dislocation whose net edge cleared the effective
// threshold, decorated with the fee and liquidity context an executor needs.
type EnrichedOpportunity struct {
	RawDislocation
	NetEdge    decimal.Decimal `json:"net_edge"`
	Fees       FeeBreakdown    `json:"fees"`
	Liquidity  LiquidityDepth  `json:"liquidity"`
	EnrichedAt time.Time       `json:"enriched_at"`
}

// FilterReason explains why a dislocation did not become an opportunity.
type FilterReason string

const (
	FilterNegativeEdge   FilterReason = "negative_edge"
	FilterBelowThreshold FilterReason = "below_threshold"
)

// FilteredDislocation records a dislocation rejected by the edge filter.
type FilteredDislocation struct {
	RawDislocation
	NetEdge            decimal.Decimal `json:"net_edge"`
	EffectiveThreshold decimal.Decimal `json:"effective_threshold"`
	Reason             FilterReason    `json:"reason"`
}

// VenueHealth is a point-in-time health view of one venue connection.
type VenueHealth struct {
	Venue         Venue        `json:"venue"`
	Status        HealthStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	LatencyMs     []int64      `json:"latency_ms,omitempty"`
	Mode          string       `json:"mode,omitempty"`
}

// DetectionCycle summarizes one pass of the detector over the pair list.
type DetectionCycle struct {
	Dislocations   []RawDislocation `json:"dislocations"`
	PairsEvaluated int              `json:"pairs_evaluated"`
	PairsSkipped   int              `json:"pairs_skipped"`
	DurationMs     int64            `json:"duration_ms"`
}
