package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the escrow service.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	APIKey       string // Optional bearer token
	PartyAddress string // Operating party's address, e.g. "0x..."
}

// EscrowClient is a pure HTTP client for the escrow service API.
type EscrowClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEscrowClient creates a new client for the escrow service.
func NewEscrowClient(cfg Config) *EscrowClient {
	return &EscrowClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the service.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the service and returns the response body.
func (c *EscrowClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetTrade fetches one trade record.
func (c *EscrowClient) GetTrade(ctx context.Context, tradeID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/trades/"+tradeID, nil, nil)
}

// ListTrades lists trades, optionally filtered by party and status.
func (c *EscrowClient) ListTrades(ctx context.Context, party, status string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if party != "" {
		q.Set("party", party)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/trades", q, nil)
}

// EscrowStatus fetches the reconciled escrow view for a trade.
func (c *EscrowClient) EscrowStatus(ctx context.Context, tradeID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/trades/"+tradeID+"/escrow", nil, nil)
}

// AttachEvidence records a payment reference on a trade.
func (c *EscrowClient) AttachEvidence(ctx context.Context, tradeID, reference string) (json.RawMessage, error) {
	body := map[string]string{"reference": reference}
	return c.doRequest(ctx, http.MethodPost, "/v1/trades/"+tradeID+"/evidence", nil, body)
}

// DisputeTrade escalates a trade to arbitration.
func (c *EscrowClient) DisputeTrade(ctx context.Context, tradeID, reason string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/v1/trades/"+tradeID+"/dispute", nil, body)
}

// PartyStats fetches a party's trade history tally.
func (c *EscrowClient) PartyStats(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/parties/"+address+"/stats", nil, nil)
}
