package cosmos

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// BankQuerier reads bank balances from a Cosmos SDK LCD endpoint
type BankQuerier interface {
	BalanceByDenom(ctx context.Context, address, denom string) (string, error)
}

type coin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

type balanceResponse struct {
	Balance *coin `json:"balance"`
}

type lcdError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// LCDClient is a thin resty wrapper over the bank REST routes
type LCDClient struct {
	http   *resty.Client
	logger zerolog.Logger
}

var _ BankQuerier = (*LCDClient)(nil)

func NewLCDClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *LCDClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &LCDClient{
		http:   c,
		logger: logger.With().Str("component", "cosmos_lcd_client").Logger(),
	}
}

// BalanceByDenom returns the raw integer amount. An account that never held
// the denom reports "0".
func (c *LCDClient) BalanceByDenom(ctx context.Context, address, denom string) (string, error) {
	var (
		out    balanceResponse
		errOut lcdError
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("address", address).
		SetQueryParam("denom", denom).
		SetResult(&out).
		SetError(&errOut).
		Get("/cosmos/bank/v1beta1/balances/{address}/by_denom")
	if err != nil {
		return "", err
	}

	switch {
	case resp.StatusCode() >= http.StatusInternalServerError:
		return "", fmt.Errorf("lcd returned %d: %s", resp.StatusCode(), errOut.Message)
	case resp.StatusCode() == http.StatusTooManyRequests:
		return "", fmt.Errorf("lcd rate limit: %s", errOut.Message)
	case resp.IsError():
		return "", fmt.Errorf("invalid balance query (%d): %s", resp.StatusCode(), errOut.Message)
	}

	if out.Balance == nil || out.Balance.Amount == "" {
		return "0", nil
	}
	return out.Balance.Amount, nil
}
