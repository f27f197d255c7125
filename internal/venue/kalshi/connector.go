package kalshi

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
	restBookPath = "/trade-api/v2/markets/%s/orderbook"
	wsPath       = "/trade-api/v2/ws"

	// Kalshi documents roughly 10 reads and 5 writes per second for basic
	// access; buckets are sized at 80% of that inside retry.NewLimiter.
	readPerSec  = 10
	writePerSec = 5
)

// Options configures the Kalshi connector.
type Options struct {
	BaseURL       string
	WSURL         string
	APIKeyID      string
	PrivateKeyPEM []byte
	Fees          types.FeeSchedule
	Retry         retry.Policy

	ReconnectBase time.Duration // base reconnect delay, default 1s
	ReconnectMax  time.Duration // reconnect delay cap, default 30s
	MaxReconnects int           // bounded attempts per outage, default 10
}

// Connector implements venue.Connector for Kalshi.
type Connector struct {
	opts   Options
	http   *resty.Client
	signer *Signer
	rl     *retry.Limiter
	events *bus.Bus
	logger *slog.Logger

	// books and subs are owned by the WS message-handling path.
	mu    sync.Mutex
	books map[string]*localBook
	subs  map[string]venue.BookUpdateFunc

	connMu sync.Mutex
	conn   wsConn
	cmdID  int
	dialFn func(context.Context) (wsConn, error) // test seam for reconnect

	healthMu sync.RWMutex
	health   types.VenueHealth

	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Kalshi connector. The REST client carries a per-call
// timeout; retries are handled by the retry package so venue rate-limit
// hints are honored.
func New(opts Options, events *bus.Bus, logger *slog.Logger) (*Connector, error) {
	signer, err := NewSigner(opts.APIKeyID, opts.PrivateKeyPEM)
	if err != nil {
		return nil, err
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

	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Connector{
		opts:   opts,
		http:   httpClient,
		signer: signer,
		rl:     retry.NewLimiter(readPerSec, writePerSec),
		events: events,
		logger: logger.With("component", "kalshi"),
		books:  make(map[string]*localBook),
		subs:   make(map[string]venue.BookUpdateFunc),
		health: types.VenueHealth{Venue: types.VenueKalshi, Status: types.HealthDisconnected},
	}, nil
}

// DefaultFees approximates Kalshi's taker fee as a flat percentage of
// notional. Kalshi settles off-chain, so there is no gas component.
func DefaultFees() types.FeeSchedule {
	return types.FeeSchedule{
		Venue:       types.VenueKalshi,
		MakerFeePct: decimal.Zero,
		TakerFeePct: decimal.NewFromInt(2),
		Description: "flat taker fee approximation",
	}
}

// Platform returns the venue identifier.
func (c *Connector) Platform() types.Venue { return types.VenueKalshi }

// SubmitOrder is part of the venue interface; this connector is data-plane
// only and never places orders.
func (c *Connector) SubmitOrder(ctx context.Context, req types.OrderRequest) (*types.OrderState, error) {
	return nil, venue.NewError(types.VenueKalshi, venue.KindNotImplemented, "submit order", nil)
}

// OrderState is part of the venue interface; see SubmitOrder.
func (c *Connector) OrderState(ctx context.Context, orderID string) (*types.OrderState, error) {
	return nil, venue.NewError(types.VenueKalshi, venue.KindNotImplemented, "order state", nil)
}

// FeeSchedule returns the configured Kalshi fee schedule.
func (c *Connector) FeeSchedule() types.FeeSchedule { return c.opts.Fees }

// Health returns a copy of the current health view.
func (c *Connector) Health() types.VenueHealth {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	h := c.health
	h.LatencyMs = append([]int64(nil), c.health.LatencyMs...)
	return h
}

// OrderBook fetches and normalizes the current book for a ticker over REST.
// Callers always pass through the read token bucket before the HTTP call.
func (c *Connector) OrderBook(ctx context.Context, ticker string) (*types.NormalizedOrderBook, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	path := fmt.Sprintf(restBookPath, ticker)
	var result types.KalshiOrderBookResponse
	start := time.Now()

	err := retry.Do(ctx, c.opts.Retry, func() error {
		headers, err := c.signer.Headers(http.MethodGet, path)
		if err != nil {
			return retry.Permanent(venue.NewError(types.VenueKalshi, venue.KindUnauthorized, "sign request", err))
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetResult(&result).
			Get(path)
		if err != nil {
			return venue.NewError(types.VenueKalshi, venue.KindNetwork, "get orderbook", err)
		}
		if perr := c.mapStatus(resp, ticker); perr != nil {
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

	nb, err := book.NormalizeKalshi(ticker, result.OrderBook.Yes, result.OrderBook.No, 0, time.Now().UTC())
	if err != nil {
		c.markFailure()
		return nil, venue.NewError(types.VenueKalshi, venue.KindProtocol, "normalize orderbook", err)
	}
	c.markSuccess(time.Since(start))
	return nb, nil
}

// SubscribeBookUpdates registers a ticker for live updates. If the stream
// is already connected the subscription command is sent immediately;
// otherwise it is sent on (re)connect.
func (c *Connector) SubscribeBookUpdates(ctx context.Context, ticker string, fn venue.BookUpdateFunc) error {
	c.mu.Lock()
	c.subs[ticker] = fn
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
	return c.sendSubscribe(ticker)
}

func (c *Connector) mapStatus(resp *resty.Response, ticker string) *venue.PlatformError {
	switch {
	case resp.StatusCode() == http.StatusOK:
		return nil
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return venue.NewError(types.VenueKalshi, venue.KindUnauthorized, "rejected credentials", nil)
	case resp.StatusCode() == http.StatusNotFound:
		return venue.NewError(types.VenueKalshi, venue.KindMarketNotFound, "market "+ticker, nil)
	case resp.StatusCode() == http.StatusTooManyRequests:
		perr := venue.NewError(types.VenueKalshi, venue.KindRateLimited, "rate limited", nil)
		if ra := resp.Header().Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				perr.After = time.Duration(secs) * time.Second
			}
		}
		return perr
	case resp.StatusCode() >= 500:
		return venue.NewError(types.VenueKalshi, venue.KindNetwork,
			fmt.Sprintf("status %d", resp.StatusCode()), nil)
	default:
		return venue.NewError(types.VenueKalshi, venue.KindInvalidRequest,
			fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String()), nil)
	}
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

// reportFailure marks the failure locally and escalates failures that are
// never retried, rejected credentials above all, to the degradation layer
// via the bus.
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
