package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"predarb/internal/book"
	"predarb/internal/bus"
	"predarb/internal/retry"
	"predarb/internal/venue"
	"predarb/pkg/types"
)

const (
	// CLOB documented read limit is ~15/s for /book; subscriptions are
	// cheap writes. Buckets hold 80% headroom via retry.NewLimiter.
	readPerSec  = 15
	writePerSec = 5

	// Books older than this at emit time are discarded, not propagated.
	maxBookAge = 30 * time.Second
)

// Options configures the Polymarket connector.
type Options struct {
	BaseURL       string
	WSURL         string
	PrivateKeyHex string
	ChainID       int64
	Fees          types.FeeSchedule
	Retry         retry.Policy

	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxReconnects int
}

// localState is the reconstructed per-token book. Price-change events only
// touch a state that has already been seeded by a full snapshot; emitting
// partial data would mislead detection.
type localState struct {
	bids       []types.PolyPriceLevel
	asks       []types.PolyPriceLevel
	observedAt time.Time
}

// Connector implements venue.Connector for the Polymarket CLOB.
type Connector struct {
	opts   Options
	http   *resty.Client
	auth   *Auth
	rl     *retry.Limiter
	events *bus.Bus
	logger *slog.Logger

	mu    sync.Mutex
	books map[string]*localState
	subs  map[string]venue.BookUpdateFunc

	connMu sync.Mutex
	conn   wsConn

	healthMu sync.RWMutex
	health   types.VenueHealth

	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Polymarket connector and derives L2 API credentials from
// the EOA key. Derivation returning empty credentials is a hard failure.
func New(ctx context.Context, opts Options, events *bus.Bus, logger *slog.Logger) (*Connector, error) {
	auth, err := NewAuth(opts.PrivateKeyHex, opts.ChainID)
	if err != nil {
		return nil, venue.NewError(types.VenuePolymarket, venue.KindCredentialDerive, "parse key", err)
	}
	if opts.ReconnectBase == 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax == 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = 10
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Fees.Venue == "" {
		opts.Fees = DefaultFees()
	}

	c := &Connector{
		opts: opts,
		http: resty.New().
			SetBaseURL(opts.BaseURL).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json"),
		auth:   auth,
		rl:     retry.NewLimiter(readPerSec, writePerSec),
		events: events,
		logger: logger.With("component", "polymarket"),
		books:  make(map[string]*localState),
		subs:   make(map[string]venue.BookUpdateFunc),
		health: types.VenueHealth{Venue: types.VenuePolymarket, Status: types.HealthDisconnected},
	}

	if err := c.deriveCredentials(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// DefaultFees reflects Polymarket's zero trading fee plus an on-chain
// settlement gas estimate.
func DefaultFees() types.FeeSchedule {
	return types.FeeSchedule{
		Venue:          types.VenuePolymarket,
		MakerFeePct:    decimal.Zero,
		TakerFeePct:    decimal.Zero,
		GasEstimateUSD: decimal.NewFromInt(1),
		Description:    "no trading fees, gas on settlement",
	}
}

// Platform returns the venue identifier.
func (c *Connector) Platform() types.Venue { return types.VenuePolymarket }

// SubmitOrder is part of the venue interface; this connector is data-plane
// only and never places orders.
func (c *Connector) SubmitOrder(ctx context.Context, req types.OrderRequest) (*types.OrderState, error) {
	return nil, venue.NewError(types.VenuePolymarket, venue.KindNotImplemented, "submit order", nil)
}

// OrderState is part of the venue interface; see SubmitOrder.
func (c *Connector) OrderState(ctx context.Context, orderID string) (*types.OrderState, error) {
	return nil, venue.NewError(types.VenuePolymarket, venue.KindNotImplemented, "order state", nil)
}

// FeeSchedule returns the configured Polymarket fee schedule.
func (c *Connector) FeeSchedule() types.FeeSchedule { return c.opts.Fees }

// Health returns a copy of the current health view.
func (c *Connector) Health() types.VenueHealth {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	h := c.health
	h.LatencyMs = append([]int64(nil), c.health.LatencyMs...)
	return h
}

// deriveCredentials bootstraps L2 credentials via L1 auth at startup.
func (c *Connector) deriveCredentials(ctx context.Context) error {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return venue.NewError(types.VenuePolymarket, venue.KindCredentialDerive, "l1 headers", err)
	}

	var creds Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&creds).
		Get("/auth/derive-api-key")
	if err != nil {
		return venue.NewError(types.VenuePolymarket, venue.KindCredentialDerive, "derive api key", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return venue.NewError(types.VenuePolymarket, venue.KindCredentialDerive,
			fmt.Sprintf("derive api key: status %d", resp.StatusCode()), nil)
	}
	if !creds.Valid() {
		return venue.NewError(types.VenuePolymarket, venue.KindCredentialDerive,
			"derivation returned empty credentials", nil)
	}
	c.auth.SetCredentials(creds)
	c.logger.Info("L2 credentials derived", "address", c.auth.Address().Hex())
	return nil
}

// OrderBook fetches and normalizes the current book for a token over REST.
// The /book endpoint needs no signature.
func (c *Connector) OrderBook(ctx context.Context, tokenID string) (*types.NormalizedOrderBook, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.PolyBookResponse
	start := time.Now()

	err := retry.Do(ctx, c.opts.Retry, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("token_id", tokenID).
			SetResult(&result).
			Get("/book")
		if err != nil {
			return venue.NewError(types.VenuePolymarket, venue.KindNetwork, "get book", err)
		}
		if perr := c.mapResponse(resp, &result, tokenID); perr != nil {
			if perr.Retryable() {
				return perr
			}
			return retry.Permanent(perr)
		}
		return nil
	})
	if err != nil {
		c.reportFailure(ctx, err)
		return nil, err
	}

	observedAt := parseMillis(result.Timestamp)
	if age := time.Since(observedAt); age > maxBookAge {
		c.events.Publish(bus.WithCorrelation(ctx, ""), bus.Event{
			Name:    bus.EventDataStale,
			Venue:   types.VenuePolymarket,
			Payload: map[string]any{"contract_id": tokenID, "stale_ms": age.Milliseconds()},
		})
		return nil, venue.NewError(types.VenuePolymarket, venue.KindStale,
			fmt.Sprintf("book %s older than %s", tokenID, maxBookAge), nil)
	}

	nb, err := book.NormalizePolymarket(tokenID, result.Bids, result.Asks, observedAt)
	if err != nil {
		c.markFailure()
		return nil, venue.NewError(types.VenuePolymarket, venue.KindProtocol, "normalize book", err)
	}
	c.markSuccess(time.Since(start))
	return nb, nil
}

// SubscribeBookUpdates registers a token for live updates.
func (c *Connector) SubscribeBookUpdates(ctx context.Context, tokenID string, fn venue.BookUpdateFunc) error {
	c.mu.Lock()
	c.subs[tokenID] = fn
	c.mu.Unlock()

	c.connMu.Lock()
	connected := c.conn != nil
	c.connMu.Unlock()
	if !connected {
		return nil
	}
	if err := c.rl.Write.Wait(ctx); err != nil {
		return err
	}
	return c.sendSubscribe([]string{tokenID})
}

// mapResponse maps HTTP status codes and the CLOB's in-band {error,status}
// envelope to platform errors.
func (c *Connector) mapResponse(resp *resty.Response, result *types.PolyBookResponse, tokenID string) *venue.PlatformError {
	if result.Error != "" && result.Status != 0 && result.Status != http.StatusOK {
		return venue.NewError(types.VenuePolymarket, venue.KindInvalidRequest,
			fmt.Sprintf("clob error %d: %s", result.Status, result.Error), nil)
	}
	switch {
	case resp.StatusCode() == http.StatusOK:
		return nil
	case resp.StatusCode() == http.StatusNotFound:
		return venue.NewError(types.VenuePolymarket, venue.KindMarketNotFound, "token "+tokenID, nil)
	case resp.StatusCode() == http.StatusTooManyRequests:
		perr := venue.NewError(types.VenuePolymarket, venue.KindRateLimited, "rate limited", nil)
		if ra := resp.Header().Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				perr.After = time.Duration(secs) * time.Second
			}
		}
		return perr
	case resp.StatusCode() >= 500:
		return venue.NewError(types.VenuePolymarket, venue.KindNetwork,
			fmt.Sprintf("status %d", resp.StatusCode()), nil)
	default:
		return venue.NewError(types.VenuePolymarket, venue.KindInvalidRequest,
			fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String()), nil)
	}
}

// parseMillis parses the CLOB's millisecond-epoch timestamp strings.
// Unparseable timestamps fall back to now so a missing field does not
// spuriously trip the staleness filter.
func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func (c *Connector) markSuccess(latency time.Duration) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.health.Status = types.HealthHealthy
	c.health.LastHeartbeat = time.Now().UTC()
	c.health.LatencyMs = append(c.health.LatencyMs, latency.Milliseconds())
	if len(c.health.LatencyMs) > 32 {
		c.health.LatencyMs = c.health.LatencyMs[len(c.health.LatencyMs)-32:]
	}
}

func (c *Connector) markFailure() {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	if c.health.Status == types.HealthHealthy {
		c.health.Status = types.HealthDegraded
	}
}

// reportFailure marks the failure locally and escalates never-retried
// credential failures to the degradation layer via the bus.
func (c *Connector) reportFailure(ctx context.Context, err error) {
	c.markFailure()
	pe := venue.AsPlatform(err)
	if pe == nil {
		return
	}
	switch pe.Kind {
	case venue.KindUnauthorized, venue.KindCredentialDerive:
		c.events.Publish(bus.WithCorrelation(ctx, ""), bus.Event{
			Name:  bus.EventPlatformHealthDegraded,
			Venue: c.Platform(),
			Payload: map[string]any{
				"reason":   string(pe.Kind),
				"code":     pe.Code,
				"critical": true,
			},
		})
	}
}

func (c *Connector) markDisconnected() {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.health.Status = types.HealthDisconnected
}
