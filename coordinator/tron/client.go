// Package tron adapts the value network for the engines that need it: stake
// validation reads account balances and the payout processor submits USDT
// transfers. Engines depend on the narrow Client interface so tests can swap
// in the mock from tron/testing.
package tron

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "tron")

// TxStatus is the settlement state of a submitted transfer.
type TxStatus string

// Transfer settlement states.
const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
	TxUnknown   TxStatus = "unknown"
)

// AccountBalance is the on chain state of a wallet address.
type AccountBalance struct {
	TRX    float64 `json:"trx_balance"`
	USDT   float64 `json:"usdt_balance"`
	Active bool    `json:"active"`
}

// Client is the value network surface the engines call.
type Client interface {
	SendUSDT(ctx context.Context, to string, amount float64) (string, error)
	GetAccountBalance(ctx context.Context, address string) (*AccountBalance, error)
	GetTransactionStatus(ctx context.Context, txHash string) (TxStatus, error)
	EstimateFee(ctx context.Context, to string, amount float64) (float64, error)
}

// Config options for the HTTP client.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HTTPClient talks to a TronGrid style REST gateway. Transfers are signed by
// the gateway's wallet, so the daemon never holds the payout key itself.
type HTTPClient struct {
	cfg        *Config
	httpClient *http.Client
}

// NewHTTPClient builds the gateway client.
func NewHTTPClient(cfg *Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type transferRequest struct {
	To     string  `json:"to"`
	Amount float64 `json:"amount"`
}

type transferResponse struct {
	TxHash string `json:"tx_hash"`
}

type transactionResponse struct {
	Status TxStatus `json:"status"`
}

type feeResponse struct {
	Fee float64 `json:"fee"`
}

// SendUSDT submits a USDT transfer to the recipient and returns the
// transaction hash once the gateway accepts it.
func (c *HTTPClient) SendUSDT(ctx context.Context, to string, amount float64) (string, error) {
	if amount <= 0 {
		return "", types.ValidationErrorf("transfer amount must be positive, got %f", amount)
	}
	body, err := c.post(ctx, "/v1/transfers", &transferRequest{To: to, Amount: amount})
	if err != nil {
		return "", err
	}
	resp := &transferResponse{}
	if err := json.Unmarshal(body, resp); err != nil {
		return "", errors.Wrap(err, "malformed transfer response")
	}
	if resp.TxHash == "" {
		return "", errors.New("gateway accepted transfer without a transaction hash")
	}
	log.WithFields(logrus.Fields{
		"txHash": resp.TxHash,
		"amount": amount,
	}).Debug("Submitted USDT transfer")
	return resp.TxHash, nil
}

// GetAccountBalance reads the TRX and USDT balances of address.
func (c *HTTPClient) GetAccountBalance(ctx context.Context, address string) (*AccountBalance, error) {
	body, err := c.get(ctx, "/v1/accounts/"+url.PathEscape(address))
	if err != nil {
		return nil, err
	}
	balance := &AccountBalance{}
	if err := json.Unmarshal(body, balance); err != nil {
		return nil, errors.Wrapf(err, "malformed account payload for %s", address)
	}
	return balance, nil
}

// GetTransactionStatus reads the settlement state of a transfer. A hash the
// chain has never seen reports TxUnknown without an error.
func (c *HTTPClient) GetTransactionStatus(ctx context.Context, txHash string) (TxStatus, error) {
	body, err := c.get(ctx, "/v1/transactions/"+url.PathEscape(txHash))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return TxUnknown, nil
		}
		return TxUnknown, err
	}
	resp := &transactionResponse{}
	if err := json.Unmarshal(body, resp); err != nil {
		return TxUnknown, errors.Wrapf(err, "malformed transaction payload for %s", txHash)
	}
	return resp.Status, nil
}

// EstimateFee quotes the network fee for a transfer of amount to the
// recipient.
func (c *HTTPClient) EstimateFee(ctx context.Context, to string, amount float64) (float64, error) {
	body, err := c.post(ctx, "/v1/transfers/estimate", &transferRequest{To: to, Amount: amount})
	if err != nil {
		return 0, err
	}
	resp := &feeResponse{}
	if err := json.Unmarshal(body, resp); err != nil {
		return 0, errors.Wrap(err, "malformed fee estimate")
	}
	return resp.Fee, nil
}

func (c *HTTPClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *HTTPClient) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) ([]byte, error) {
	if c.cfg.APIKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.cfg.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.TransientErrorf("value network request to %s failed: %v", req.URL.Path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close gateway response body")
		}
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Wrapf(types.ErrNotFound, "gateway has no record for %s", req.URL.Path)
	case resp.StatusCode >= 500:
		return nil, types.TransientErrorf("gateway returned status %d for %s", resp.StatusCode, req.URL.Path)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Errorf("gateway returned status %d for %s", resp.StatusCode, req.URL.Path)
	}
	body, err := ioutil.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "could not read gateway response")
	}
	return body, nil
}

var _ Client = (*HTTPClient)(nil)

// FormatTxHash renders a short form of a transaction hash for logs.
func FormatTxHash(txHash string) string {
	if len(txHash) <= 12 {
		return txHash
	}
	return fmt.Sprintf("%s…%s", txHash[:6], txHash[len(txHash)-6:])
}
