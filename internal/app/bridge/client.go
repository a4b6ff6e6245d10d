// Package bridge reads account, position and quote snapshots from the market-data/broker bridge.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/domain/schema"
	"github.com/coachpo/execguard/internal/observability"
)

const component = "bridge"

// Reader is the read-only bridge boundary.
type Reader interface {
	Snapshot(ctx context.Context, entity string) (schema.Snapshot, error)
	Quotes(ctx context.Context, symbols []string) (map[string]schema.Quote, error)
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Config configures the HTTP client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries uint
	Token      string
}

// Client polls the bridge's HTTP API. Transport failures and 5xx responses are retried with
// exponential backoff; 4xx responses are not.
type Client struct {
	base   *url.URL
	http   *http.Client
	cfg    Config
	logger observability.Logger
	now    func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient constructs a bridge client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("bridge base url invalid"), errs.WithField("url", cfg.BaseURL), errs.WithCause(err))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	c := &Client{
		base:   base,
		http:   &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: observability.Log(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Snapshot fetches the account and positions concurrently, then quotes for every held symbol.
func (c *Client) Snapshot(ctx context.Context, entity string) (schema.Snapshot, error) {
	entity = strings.TrimSpace(entity)
	if entity == "" {
		return schema.Snapshot{}, errs.New(component, errs.CodeValidation, errs.WithMessage("entity required"))
	}
	var (
		account   schema.AccountSnapshot
		positions []schema.PositionSnapshot
	)
	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		return c.get(ctx, "/accounts/"+url.PathEscape(entity), nil, &account)
	})
	p.Go(func(ctx context.Context) error {
		return c.get(ctx, "/accounts/"+url.PathEscape(entity)+"/positions", nil, &positions)
	})
	if err := p.Wait(); err != nil {
		return schema.Snapshot{}, err
	}
	if account.Entity == "" {
		account.Entity = entity
	}

	symbols := make([]string, 0, len(positions))
	for i := range positions {
		positions[i].Symbol = strings.ToUpper(strings.TrimSpace(positions[i].Symbol))
		if !positions[i].Quantity.IsZero() {
			symbols = append(symbols, positions[i].Symbol)
		}
	}
	quotes, err := c.Quotes(ctx, symbols)
	if err != nil {
		return schema.Snapshot{}, err
	}
	return schema.Snapshot{
		Account:   account,
		Positions: positions,
		Quotes:    quotes,
		FetchedAt: c.now().UTC(),
	}, nil
}

// Quotes fetches the latest quote for each symbol. Symbols the bridge does not know are absent.
func (c *Client) Quotes(ctx context.Context, symbols []string) (map[string]schema.Quote, error) {
	out := make(map[string]schema.Quote, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	unique := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		if symbol = strings.ToUpper(strings.TrimSpace(symbol)); symbol != "" {
			unique[symbol] = struct{}{}
		}
	}
	list := make([]string, 0, len(unique))
	for symbol := range unique {
		list = append(list, symbol)
	}
	sort.Strings(list)

	var quotes []schema.Quote
	query := url.Values{"symbols": []string{strings.Join(list, ",")}}
	if err := c.get(ctx, "/quotes", query, &quotes); err != nil {
		return nil, err
	}
	for _, quote := range quotes {
		quote.Symbol = strings.ToUpper(strings.TrimSpace(quote.Symbol))
		out[quote.Symbol] = quote
	}
	return out, nil
}

// Price returns the quoted price of one symbol.
func (c *Client) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return priceFrom(ctx, c, symbol)
}

func priceFrom(ctx context.Context, r interface {
	Quotes(context.Context, []string) (map[string]schema.Quote, error)
}, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	quotes, err := r.Quotes(ctx, []string{symbol})
	if err != nil {
		return decimal.Zero, err
	}
	quote, ok := quotes[symbol]
	if !ok || !quote.Price().IsPositive() {
		return decimal.Zero, errs.New(component, errs.CodeNotFound,
			errs.WithMessage("no quote"), errs.WithField("symbol", symbol))
	}
	return quote.Price(), nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.base.JoinPath(path)
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}
	target := endpoint.String()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, target, out)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(c.cfg.MaxRetries+1))
	if err == nil {
		return nil
	}
	var envelope *errs.E
	if errors.As(err, &envelope) {
		return err
	}
	c.logger.Warn("bridge request failed", observability.F("url", target), observability.F("error", err))
	return errs.New(component, errs.CodeConnectivity,
		errs.WithMessage("bridge unreachable"), errs.WithField("path", path), errs.WithCause(err))
}

func (c *Client) do(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", target, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(errs.New(component, errs.CodeNotFound,
			errs.WithMessage("bridge resource not found"), errs.WithField("url", target)))
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("bridge status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return backoff.Permanent(errs.New(component, errs.CodeValidation,
			errs.WithMessage(fmt.Sprintf("bridge status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))),
			errs.WithField("url", target)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(errs.New(component, errs.CodeValidation,
			errs.WithMessage("decode bridge payload"), errs.WithField("url", target), errs.WithCause(err)))
	}
	return nil
}
