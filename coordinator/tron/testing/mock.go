// Package testing provides a canned value network client for engine tests.
package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/miragelabs/mirage/coordinator/tron"
)

// Transfer records one SendUSDT call made against the mock.
type Transfer struct {
	To     string
	Amount float64
}

// ValueNetwork defines a properly functioning mock for the tron client.
type ValueNetwork struct {
	Balances   map[string]*tron.AccountBalance
	TxStatuses map[string]tron.TxStatus
	Fee        float64
	SendErr    error
	BalanceErr error

	mu        sync.Mutex
	transfers []Transfer
}

// SendUSDT --
func (m *ValueNetwork) SendUSDT(_ context.Context, to string, amount float64) (string, error) {
	if m.SendErr != nil {
		return "", m.SendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers = append(m.transfers, Transfer{To: to, Amount: amount})
	return fmt.Sprintf("mocktx-%04d", len(m.transfers)), nil
}

// GetAccountBalance --
func (m *ValueNetwork) GetAccountBalance(_ context.Context, address string) (*tron.AccountBalance, error) {
	if m.BalanceErr != nil {
		return nil, m.BalanceErr
	}
	if b, ok := m.Balances[address]; ok {
		return b, nil
	}
	return &tron.AccountBalance{}, nil
}

// GetTransactionStatus --
func (m *ValueNetwork) GetTransactionStatus(_ context.Context, txHash string) (tron.TxStatus, error) {
	if s, ok := m.TxStatuses[txHash]; ok {
		return s, nil
	}
	return tron.TxUnknown, nil
}

// EstimateFee --
func (m *ValueNetwork) EstimateFee(_ context.Context, _ string, _ float64) (float64, error) {
	return m.Fee, nil
}

// Transfers returns the transfers submitted so far.
func (m *ValueNetwork) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, len(m.transfers))
	copy(out, m.transfers)
	return out
}
