// Package twse reads the Taiwan Stock Exchange open data: the daily listing
// for the stock directory and the MIS quote API for intraday prices.
package twse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"group_ledger/internal/models"

	"github.com/shopspring/decimal"
)

const (
	DefaultOpenAPIURL = "https://openapi.twse.com.tw/v1"
	DefaultMISURL     = "https://mis.twse.com.tw/stock/api"
)

// Client talks to both TWSE endpoints. The zero value is not usable; use New.
type Client struct {
	http    *http.Client
	openAPI string
	mis     string

	mu     sync.RWMutex
	closes map[string]decimal.Decimal
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURLs points the client at other hosts, e.g. a test server.
func WithBaseURLs(openAPI, mis string) Option {
	return func(c *Client) { c.openAPI, c.mis = openAPI, mis }
}

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func New(opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		openAPI: DefaultOpenAPIURL,
		mis:     DefaultMISURL,
		closes:  make(map[string]decimal.Decimal),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type dayRow struct {
	Code         string `json:"Code"`
	Name         string `json:"Name"`
	ClosingPrice string `json:"ClosingPrice"`
}

// FetchDirectory downloads STOCK_DAY_ALL and remembers each closing price.
func (c *Client) FetchDirectory(ctx context.Context) ([]models.Instrument, error) {
	var rows []dayRow
	if err := c.getJSON(ctx, c.openAPI+"/exchangeReport/STOCK_DAY_ALL", &rows); err != nil {
		return nil, err
	}

	out := make([]models.Instrument, 0, len(rows))
	closes := make(map[string]decimal.Decimal, len(rows))
	for _, r := range rows {
		code := strings.TrimSpace(r.Code)
		if code == "" {
			continue
		}
		out = append(out, models.Instrument{Code: code, Name: strings.TrimSpace(r.Name)})
		if p, ok := parsePrice(r.ClosingPrice); ok {
			closes[code] = p
		}
	}

	c.mu.Lock()
	c.closes = closes
	c.mu.Unlock()
	return out, nil
}

type misResponse struct {
	RtCode    string     `json:"rtcode"`
	RtMessage string     `json:"rtmessage"`
	MsgArray  []misQuote `json:"msgArray"`
}

type misQuote struct {
	Code      string `json:"c"`
	Name      string `json:"n"`
	Last      string `json:"z"`
	Bids      string `json:"b"`
	PrevClose string `json:"y"`
}

// GetPrice returns the last intraday trade. Before the first trade of the
// day it falls back to the best bid, then to the previous close.
func (c *Client) GetPrice(ctx context.Context, code string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ex_ch", "tse_"+code+".tw|otc_"+code+".tw")
	q.Set("json", "1")
	q.Set("delay", "0")

	var resp misResponse
	if err := c.getJSON(ctx, c.mis+"/getStockInfo.jsp?"+q.Encode(), &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.RtCode != "" && resp.RtCode != "0000" {
		return decimal.Zero, fmt.Errorf("mis returned %s: %s", resp.RtCode, resp.RtMessage)
	}
	for _, m := range resp.MsgArray {
		if m.Code != code {
			continue
		}
		best, _, _ := strings.Cut(m.Bids, "_")
		for _, s := range []string{m.Last, best, m.PrevClose} {
			if p, ok := parsePrice(s); ok {
				return p, nil
			}
		}
	}
	return decimal.Zero, fmt.Errorf("no quote for %s", code)
}

// ClosingPrice returns the last close seen by FetchDirectory.
func (c *Client) ClosingPrice(_ context.Context, code string) (decimal.Decimal, error) {
	c.mu.RLock()
	p, ok := c.closes[code]
	c.mu.RUnlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("no closing price for %s", code)
	}
	return p, nil
}

func (c *Client) getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call twse: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("twse returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode twse response: %w", err)
	}
	return nil
}

// parsePrice accepts "580.0000" style strings; "-", "--" and "" mean no trade.
func parsePrice(s string) (decimal.Decimal, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" || strings.Trim(s, "-") == "" {
		return decimal.Zero, false
	}
	p, err := decimal.NewFromString(s)
	if err != nil || !p.IsPositive() {
		return decimal.Zero, false
	}
	return p, true
}
