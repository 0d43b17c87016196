// Package ledger - In-memory ledger used by engine tests.
package ledger

import (
	"context"
	"sync"

	"github.com/metanet-platform/easyswap/internal/config"
	"github.com/metanet-platform/easyswap/internal/types"
)

// Mock is an in-memory Client with real balance accounting and the fixed
// transfer fee. It records every transfer for assertions.
type Mock struct {
	mu         sync.Mutex
	balances   map[string]types.USD
	blockIndex uint64
	fee        types.USD

	// Transfers holds every successful transfer in order.
	Transfers []MockTransfer

	// FailNext, when set, fails the next transfer with the given error.
	FailNext error
}

// MockTransfer records one executed transfer.
type MockTransfer struct {
	From   string
	To     string
	Amount types.USD
	Memo   string
}

// NewMock creates an empty mock ledger.
func NewMock() *Mock {
	return &Mock{
		balances: make(map[string]types.USD),
		fee:      types.USD(config.LedgerTransferFee),
	}
}

func accountKey(a Account) string {
	if a.Subaccount != nil {
		return a.Owner + "." + a.Subaccount.Hex()
	}
	return a.Owner
}

// SetBalance seeds an account balance.
func (m *Mock) SetBalance(a Account, amount types.USD) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[accountKey(a)] = amount
}

// Balance reads an account balance directly.
func (m *Mock) Balance(a Account) types.USD {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[accountKey(a)]
}

// BalanceOf implements Client.
func (m *Mock) BalanceOf(_ context.Context, account Account) (types.USD, error) {
	return m.Balance(account), nil
}

// Transfer implements Client. The debit is amount + fee, matching a real
// ledger where the fee is paid by the sender on top of the sent amount.
func (m *Mock) Transfer(_ context.Context, args TransferArgs) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return 0, err
	}

	from := Account{Owner: "process", Subaccount: args.FromSubaccount}
	fromKey := accountKey(from)
	total := args.Amount + m.fee

	if m.balances[fromKey] < total {
		return 0, ErrInsufficientFunds
	}

	m.balances[fromKey] -= total
	m.balances[accountKey(args.To)] += args.Amount

	m.blockIndex++
	m.Transfers = append(m.Transfers, MockTransfer{
		From:   fromKey,
		To:     accountKey(args.To),
		Amount: args.Amount,
		Memo:   args.Memo,
	})
	return m.blockIndex, nil
}

// TransferFrom implements Client.
func (m *Mock) TransferFrom(_ context.Context, _ *Subaccount, from, to Account, amount types.USD) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fromKey := accountKey(from)
	if m.balances[fromKey] < amount {
		return 0, ErrInsufficientFunds
	}
	m.balances[fromKey] -= amount
	m.balances[accountKey(to)] += amount

	m.blockIndex++
	return m.blockIndex, nil
}

// Approve implements Client as a no-op.
func (m *Mock) Approve(_ context.Context, _ Account, _ types.USD) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockIndex++
	return m.blockIndex, nil
}
