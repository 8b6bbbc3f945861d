package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/stakepool/pkg/circuit"
)

// nanoton precision of the chain's base unit.
const nanoDigits = 9

// Config holds connectivity settings for the chain HTTP API.
type Config struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// Client queries a TonCenter-style chain API. All responses are parsed and
// validated here; the rest of the system only ever sees Verdict values.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuit.Breaker
	logger  zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		breaker: circuit.NewBreaker(circuit.Config{
			MaxFailures:    5,
			Cooldown:       30 * time.Second,
			ProbeSuccesses: 2,
		}),
		logger: logger.With().Str("component", "oracle_client").Logger(),
	}
}

// envelope is the chain API response wrapper: {"ok": bool, "result": ..., "error": ...}.
type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type txStatusResult struct {
	Status        string `json:"status"`
	Confirmations uint64 `json:"confirmations"`
	BlockTime     *int64 `json:"block_time"`
	Reason        string `json:"reason"`
}

type addressInfoResult struct {
	Balance string `json:"balance"`
}

// Check asks the chain for the submission's confirmation state. Transport
// errors, timeouts, non-200 responses and malformed payloads all come back
// as errors; callers degrade them to an Unknown verdict, never to Failed.
func (c *Client) Check(ctx context.Context, externalID string) (Verdict, error) {
	var res txStatusResult
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.get(ctx, "getTransactionStatus", url.Values{"hash": {externalID}}, &res)
	})
	if err != nil {
		return Unknown(), err
	}

	switch res.Status {
	case "confirmed":
		var blockTime *time.Time
		if res.BlockTime != nil {
			t := time.Unix(*res.BlockTime, 0).UTC()
			blockTime = &t
		}
		return Confirmed(res.Confirmations, blockTime), nil
	case "failed":
		return Failed(res.Reason), nil
	default:
		// "pending", "not_found" and anything unrecognised: not indexed yet.
		return Unknown(), nil
	}
}

// AccountBalance returns the chain balance of an address in whole coins.
func (c *Client) AccountBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	var res addressInfoResult
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.get(ctx, "getAddressInformation", url.Values{"address": {address}}, &res)
	})
	if err != nil {
		return decimal.Zero, err
	}

	nano, err := decimal.NewFromString(res.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed balance %q: %w", res.Balance, err)
	}
	return nano.Shift(-nanoDigits), nil
}

func (c *Client) get(ctx context.Context, method string, params url.Values, out interface{}) error {
	u := fmt.Sprintf("%s/%s?%s", c.baseURL, method, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chain API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug().Int("status", resp.StatusCode).Str("method", method).Msg("chain API non-200 response")
		return fmt.Errorf("chain API returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("malformed chain API response: %w", err)
	}
	if !env.OK {
		return fmt.Errorf("chain API error: %s", env.Error)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("malformed chain API result: %w", err)
	}
	return nil
}
