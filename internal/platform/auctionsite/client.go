// Package auctionsite is the REST and push-feed transport for the auction
// site. It knows the wire format and nothing about retries or breakers.
package auctionsite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// statusAuthTimeout is returned by some sites when the session CSRF token
// has lapsed.
const statusAuthTimeout = 419

// Client is the REST client for the auction site API.
type Client struct {
	baseURL    string
	cookieName string
	httpClient *http.Client
	now        func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCookieName sets the name of the session cookie. Defaults to "session".
func WithCookieName(name string) Option {
	return func(c *Client) { c.cookieName = name }
}

// NewClient creates a new auction site REST client.
//
// baseURL is the API root, e.g. "https://auctions.example.com/api".
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		cookieName: "session",
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// FetchAuction returns the current observed state of an auction.
func (c *Client) FetchAuction(ctx context.Context, creds domain.SessionCredentials, id string) (domain.AuctionState, error) {
	const op = "fetch auction"
	path := fmt.Sprintf("/auctions/%s", url.PathEscape(id))

	body, err := c.do(ctx, op, creds, http.MethodGet, path, nil)
	if err != nil {
		return domain.AuctionState{}, fmt.Errorf("auctionsite: %s %s: %w", op, id, err)
	}

	var resp AuctionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.AuctionState{}, fmt.Errorf("auctionsite: decode auction %s: %w", id, err)
	}
	return resp.ToState(c.now()), nil
}

// SubmitBid places a bid of amount on the auction.
func (c *Client) SubmitBid(ctx context.Context, creds domain.SessionCredentials, id string, amount decimal.Decimal) (domain.BidResult, error) {
	const op = "submit bid"
	path := fmt.Sprintf("/auctions/%s/bids", url.PathEscape(id))

	body, err := c.do(ctx, op, creds, http.MethodPost, path, BidRequest{Amount: amount})
	if err != nil {
		return domain.BidResult{}, fmt.Errorf("auctionsite: %s %s: %w", op, id, err)
	}

	var resp BidResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.BidResult{}, fmt.Errorf("auctionsite: decode bid response: %w", err)
	}
	if !resp.Accepted {
		return domain.BidResult{}, fmt.Errorf("auctionsite: %s %s: %w", op, id,
			&domain.BusinessRejectionError{Code: "NOT_ACCEPTED", Message: "bid was not accepted"})
	}
	return resp.ToResult(), nil
}

// Refresh exchanges the current session for a renewed one.
func (c *Client) Refresh(ctx context.Context, creds domain.SessionCredentials) (domain.SessionCredentials, error) {
	const op = "refresh session"

	body, err := c.do(ctx, op, creds, http.MethodPost, "/session/refresh", nil)
	if err != nil {
		return domain.SessionCredentials{}, fmt.Errorf("auctionsite: %s: %w", op, err)
	}

	var resp RefreshResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.SessionCredentials{}, fmt.Errorf("auctionsite: decode refresh: %w", err)
	}
	if resp.Token == "" {
		return domain.SessionCredentials{}, fmt.Errorf("auctionsite: %s: %w", op, &domain.AuthExpiredError{})
	}
	return domain.SessionCredentials{
		Token:       resp.Token,
		ExpiresAt:   resp.ExpiresAt,
		RefreshedAt: c.now(),
	}, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// do builds, authenticates, sends, and reads an HTTP request.
func (c *Client) do(ctx context.Context, op string, creds domain.SessionCredentials, method, path string, reqBody any) ([]byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
		req.AddCookie(&http.Cookie{Name: c.cookieName, Value: creds.Token})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(op, err)
	}

	if err := checkHTTPStatus(op, resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &domain.TimeoutError{Op: op, Err: err}
	}
	return &domain.NetworkError{Op: op, Err: err}
}

// checkHTTPStatus maps non-2xx HTTP status codes to domain errors.
func checkHTTPStatus(op string, statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr ErrorResponse
	_ = json.Unmarshal(body, &apiErr)
	detail := errors.New(strings.TrimSpace(apiErr.Message + " " + apiErr.Code))
	if apiErr.Message == "" && apiErr.Code == "" {
		detail = errors.New(http.StatusText(statusCode))
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == statusAuthTimeout:
		return &domain.AuthExpiredError{Err: detail}
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %v", domain.ErrNotFound, detail)
	case statusCode == http.StatusTooManyRequests:
		return &domain.NetworkError{Op: op, Status: statusCode, RateLimited: true, Err: detail}
	case statusCode >= 500:
		return &domain.NetworkError{Op: op, Status: statusCode, Err: detail}
	case apiErr.Code != "":
		return &domain.BusinessRejectionError{Code: apiErr.Code, Message: apiErr.Message}
	case statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, detail)
	default:
		return &domain.BusinessRejectionError{Code: fmt.Sprintf("HTTP_%d", statusCode), Message: detail.Error()}
	}
}
