// Package ledger is the settlement boundary: the only component that talks
// to the external ledger collaborator. Balances are read through it and
// finished-session outcomes are committed through it, idempotently.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/playversus/arena/internal/game"
)

// ErrUnavailable wraps transport-level failures so callers can distinguish
// "ledger down, retry later" from terminal errors.
var ErrUnavailable = errors.New("ledger unavailable")

// ErrNoTransaction means the ledger has no committed transaction for the
// session yet.
var ErrNoTransaction = errors.New("no transaction for session")

// Client is the HTTP client for the ledger collaborator's JSON API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNoTransaction
	case resp.StatusCode >= 500:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, snippet)
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ledger rejected request: status %d: %s", resp.StatusCode, snippet)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Balance reads a wallet's spendable balance.
func (c *Client) Balance(ctx context.Context, wallet string) (int64, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/balances/"+url.PathEscape(wallet), nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

type commitRequest struct {
	SessionID string         `json:"sessionId"`
	Outcomes  []game.Outcome `json:"outcomes"`
}

type commitResponse struct {
	TxRef string `json:"txRef"`
}

// Commit writes a session's outcomes and returns the transaction reference.
func (c *Client) Commit(ctx context.Context, sessionID string, outcomes []game.Outcome) (string, error) {
	var out commitResponse
	err := c.do(ctx, http.MethodPost, "/v1/transactions", commitRequest{SessionID: sessionID, Outcomes: outcomes}, &out)
	if err != nil {
		return "", err
	}
	return out.TxRef, nil
}

// TransactionBySession looks up an already-committed transaction reference.
// Returns ErrNoTransaction if the ledger has none.
func (c *Client) TransactionBySession(ctx context.Context, sessionID string) (string, error) {
	var out commitResponse
	err := c.do(ctx, http.MethodGet, "/v1/transactions/session/"+url.PathEscape(sessionID), nil, &out)
	if err != nil {
		return "", err
	}
	return out.TxRef, nil
}

// Check probes ledger reachability for the health endpoint.
func (c *Client) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
