package tron

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/testutil/assert"
	"github.com/miragelabs/mirage/shared/testutil/require"
)

func newGateway(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHTTPClient(&Config{Endpoint: ts.URL, APIKey: "test-key"})
}

func TestHTTPClient_GetAccountBalance(t *testing.T) {
	client := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/TXYZabc", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("TRON-PRO-API-KEY"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(&AccountBalance{TRX: 120.5, USDT: 640, Active: true})
	})

	balance, err := client.GetAccountBalance(context.Background(), "TXYZabc")
	require.NoError(t, err)
	assert.Equal(t, 120.5, balance.TRX)
	assert.Equal(t, 640.0, balance.USDT)
	assert.Equal(t, true, balance.Active)
}

func TestHTTPClient_SendUSDT(t *testing.T) {
	client := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/transfers", r.URL.Path)
		req := &transferRequest{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(req))
		assert.Equal(t, "TRecipient", req.To)
		assert.Equal(t, 55.25, req.Amount)
		_ = json.NewEncoder(w).Encode(&transferResponse{TxHash: "abcdef012345"})
	})

	txHash, err := client.SendUSDT(context.Background(), "TRecipient", 55.25)
	require.NoError(t, err)
	assert.Equal(t, "abcdef012345", txHash)
}

func TestHTTPClient_SendUSDTRejectsNonPositiveAmount(t *testing.T) {
	client := NewHTTPClient(&Config{Endpoint: "http://127.0.0.1:1"})
	_, err := client.SendUSDT(context.Background(), "TRecipient", 0)
	assert.Equal(t, true, types.IsValidation(err))
}

func TestHTTPClient_SendUSDTRejectsEmptyHash(t *testing.T) {
	client := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(&transferResponse{})
	})
	_, err := client.SendUSDT(context.Background(), "TRecipient", 10)
	assert.ErrorContains(t, "without a transaction hash", err)
}

func TestHTTPClient_GetTransactionStatus(t *testing.T) {
	client := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/transactions/known":
			_ = json.NewEncoder(w).Encode(&transactionResponse{Status: TxConfirmed})
		default:
			http.NotFound(w, r)
		}
	})

	status, err := client.GetTransactionStatus(context.Background(), "known")
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, status)

	status, err = client.GetTransactionStatus(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, TxUnknown, status)
}

func TestHTTPClient_EstimateFee(t *testing.T) {
	client := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/transfers/estimate", r.URL.Path)
		_ = json.NewEncoder(w).Encode(&feeResponse{Fee: 1.1})
	})

	fee, err := client.EstimateFee(context.Background(), "TRecipient", 110)
	require.NoError(t, err)
	assert.Equal(t, 1.1, fee)
}

func TestHTTPClient_ServerErrorIsRetryable(t *testing.T) {
	client := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	_, err := client.GetAccountBalance(context.Background(), "TXYZabc")
	assert.Equal(t, true, types.IsRetryable(err))
}

func TestHTTPClient_ConnectionFailureIsRetryable(t *testing.T) {
	client := NewHTTPClient(&Config{Endpoint: "http://127.0.0.1:1"})
	_, err := client.GetAccountBalance(context.Background(), "TXYZabc")
	assert.Equal(t, true, types.IsRetryable(err))
}

func TestFormatTxHash(t *testing.T) {
	assert.Equal(t, "short", FormatTxHash("short"))
	assert.Equal(t, "abcdef…567890", FormatTxHash("abcdef123412341234567890"))
}
