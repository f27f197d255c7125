// wire.go defines the venue-native wire payloads for both venues.
// These structs map 1:1 to the JSON frames sent over each venue's REST and
// WebSocket interfaces and are decoded at the connector boundary only.
package types

// Kalshi

// KalshiOrderBookResponse is the REST response from
// GET /trade-api/v2/markets/{ticker}/orderbook. Each level is a
// [price_cents, quantity] pair; yes levels are YES bids, no levels are NO
// bids (whose complements form the YES ask side).
type KalshiOrderBookResponse struct {
	OrderBook KalshiOrderBookData `json:"orderbook"`
}

// KalshiOrderBookData holds the raw yes/no bid ladders in integer cents.
type KalshiOrderBookData struct {
	Yes [][2]int64 `json:"yes"`
	No  [][2]int64 `json:"no"`
}

// KalshiWSCommand is the Kalshi WebSocket command envelope.
type KalshiWSCommand struct {
	ID     int                  `json:"id"`
	Cmd    string               `json:"cmd"`
	Params KalshiWSCommandParams `json:"params"`
}

// KalshiWSCommandParams selects channels and a market for a command.
type KalshiWSCommandParams struct {
	Channels     []string `json:"channels"`
	MarketTicker string   `json:"market_ticker"`
}

// KalshiWSSnapshot is a full book snapshot frame ("orderbook_snapshot").
// It replaces all local state for the market.
type KalshiWSSnapshot struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
	Msg  struct {
		MarketTicker string     `json:"market_ticker"`
		Yes          [][2]int64 `json:"yes"`
		No           [][2]int64 `json:"no"`
	} `json:"msg"`
}

// KalshiWSDelta is an incremental update frame ("orderbook_delta").
// Delta is a signed quantity change at one price level of one side.
type KalshiWSDelta struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
	Msg  struct {
		MarketTicker string `json:"market_ticker"`
		Price        int64  `json:"price"`
		Delta        int64  `json:"delta"`
		Side         string `json:"side"` // "yes" or "no"
	} `json:"msg"`
}

// Polymarket

// PolyPriceLevel is a single level as the CLOB API returns it. Price and
// Size are strings to preserve decimal precision.
type PolyPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// PolyBookResponse is the REST response from GET /book for a single token.
type PolyBookResponse struct {
	Market    string           `json:"market"`
	AssetID   string           `json:"asset_id"`
	Bids      []PolyPriceLevel `json:"bids"`
	Asks      []PolyPriceLevel `json:"asks"`
	Hash      string           `json:"hash"`
	Timestamp string           `json:"timestamp"`
	Error     string           `json:"error,omitempty"`
	Status    int              `json:"status,omitempty"`
}

// PolyWSBookEvent is a full order book snapshot from the market WS channel.
type PolyWSBookEvent struct {
	EventType string           `json:"event_type"` // always "book"
	AssetID   string           `json:"asset_id"`
	Market    string           `json:"market"`
	Timestamp string           `json:"timestamp"`
	Hash      string           `json:"hash"`
	Buys      []PolyPriceLevel `json:"buys"`
	Sells     []PolyPriceLevel `json:"sells"`
}

// PolyWSPriceChange is one per-asset update within a price_change event.
type PolyWSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"` // "BUY" or "SELL"
	Hash    string `json:"hash"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// PolyWSPriceChangeEvent is an incremental top-of-book update from the
// market WS. Contains one or more asset changes applied atomically.
type PolyWSPriceChangeEvent struct {
	EventType    string              `json:"event_type"` // always "price_change"
	Market       string              `json:"market"`
	Timestamp    string              `json:"timestamp"`
	PriceChanges []PolyWSPriceChange `json:"price_changes"`
}

// PolyWSSubscribeMsg is the initial subscription message for the market
// channel. The book-read channel needs no credentials, so Auth is an empty
// object on the wire.
type PolyWSSubscribeMsg struct {
	Auth     struct{} `json:"auth"`
	Type     string   `json:"type"` // "subscribe"
	Markets  []string `json:"markets"`
	AssetIDs []string `json:"assets_ids"`
}
