// Package feed is the HTTP client for the market data service that supplies
// instrument windows, volatility inputs and portfolio metrics.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/rewired-gh/noisegate/internal/models"
)

// ErrNotFound is returned when the service has no data for the requested resource.
var ErrNotFound = errors.New("not found")

// Options configures the client.
type Options struct {
	Token          string
	Timeout        time.Duration
	MaxRetries     int
	RetryDelayBase time.Duration
	// CacheTTL bounds how long volatility and portfolio metrics are reused.
	CacheTTL time.Duration
}

// Client provides access to the market data API
type Client struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
	cache          *cache.Cache
}

type windowResponse struct {
	ClassID   string   `json:"class_id"`
	Ticker    string   `json:"ticker"`
	PctMove   float64  `json:"pct_move"`
	Volume    *float64 `json:"volume"`
	AvgVolume *float64 `json:"avg_volume"`
}

type volatilityResponse struct {
	ATR14    *float64 `json:"atr14"`
	Sigma30D *float64 `json:"sigma30d"`
}

type portfolioResponse struct {
	DayChangePct *float64 `json:"day_change_pct"`
	DrawdownPct  *float64 `json:"drawdown_pct"`
}

// NewClient creates a new market data client
func NewClient(baseURL string, opts Options) *Client {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelayBase <= 0 {
		opts.RetryDelayBase = time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   opts.Token,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		maxRetries:     opts.MaxRetries,
		retryDelayBase: opts.RetryDelayBase,
		cache:          cache.New(opts.CacheTTL, 2*opts.CacheTTL),
	}
}

// FastWindow returns the fast-window signal of an instrument.
func (c *Client) FastWindow(ctx context.Context, instrumentID int64) (models.Signal, error) {
	return c.window(ctx, instrumentID, models.WindowFast)
}

// DayWindow returns the daily-window signal of an instrument.
func (c *Client) DayWindow(ctx context.Context, instrumentID int64) (models.Signal, error) {
	return c.window(ctx, instrumentID, models.WindowDaily)
}

func (c *Client) window(ctx context.Context, instrumentID int64, w models.Window) (models.Signal, error) {
	var resp windowResponse
	path := "/v1/instruments/" + strconv.FormatInt(instrumentID, 10) + "/windows/" + string(w)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return models.Signal{}, fmt.Errorf("failed to fetch %s window for %d: %w", w, instrumentID, err)
	}
	return models.Signal{
		ClassID:   resp.ClassID,
		Ticker:    resp.Ticker,
		Window:    w,
		PctMove:   resp.PctMove,
		Volume:    resp.Volume,
		AvgVolume: resp.AvgVolume,
	}, nil
}

// ATR14 returns the 14-period average true range in percent, nil when unknown.
func (c *Client) ATR14(ctx context.Context, instrumentID int64) (*float64, error) {
	v, err := c.volatility(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	return v.ATR14, nil
}

// Sigma30D returns the 30-day volatility in percent, nil when unknown.
func (c *Client) Sigma30D(ctx context.Context, instrumentID int64) (*float64, error) {
	v, err := c.volatility(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	return v.Sigma30D, nil
}

func (c *Client) volatility(ctx context.Context, instrumentID int64) (volatilityResponse, error) {
	key := "vol:" + strconv.FormatInt(instrumentID, 10)
	if v, found := c.cache.Get(key); found {
		return v.(volatilityResponse), nil
	}

	var resp volatilityResponse
	if err := c.getJSON(ctx, "/v1/instruments/"+strconv.FormatInt(instrumentID, 10)+"/volatility", &resp); err != nil {
		return volatilityResponse{}, fmt.Errorf("failed to fetch volatility for %d: %w", instrumentID, err)
	}
	c.cache.Set(key, resp, cache.DefaultExpiration)
	return resp, nil
}

// DayChangePct returns the portfolio's change since the day open in percent.
func (c *Client) DayChangePct(ctx context.Context, portfolioID uuid.UUID) (*float64, error) {
	p, err := c.portfolio(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	return p.DayChangePct, nil
}

// DrawdownPct returns the portfolio's drawdown from peak in percent.
func (c *Client) DrawdownPct(ctx context.Context, portfolioID uuid.UUID) (*float64, error) {
	p, err := c.portfolio(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	return p.DrawdownPct, nil
}

func (c *Client) portfolio(ctx context.Context, portfolioID uuid.UUID) (portfolioResponse, error) {
	key := "pf:" + portfolioID.String()
	if v, found := c.cache.Get(key); found {
		return v.(portfolioResponse), nil
	}

	var resp portfolioResponse
	if err := c.getJSON(ctx, "/v1/portfolios/"+url.PathEscape(portfolioID.String())+"/metrics", &resp); err != nil {
		return portfolioResponse{}, fmt.Errorf("failed to fetch metrics for portfolio %s: %w", portfolioID, err)
	}
	c.cache.Set(key, resp, cache.DefaultExpiration)
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.doRequest(ctx, c.baseURL+path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// doRequest performs HTTP request with retry logic
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}

		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
		} else {
			return resp, nil
		}

		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * c.retryDelayBase):
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
