package bank

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

var (
	// ErrInsufficientFunds is returned when the paying account cannot cover
	// the amount.
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	errAccountRequired   = errors.New("bank: account required")
)

const (
	EntryCollect  = "collect"
	EntryTransfer = "transfer"
	EntryFund     = "fund"
)

// Entry is one balance movement.
type Entry struct {
	Sequence  uint64 `json:"sequence"`
	Kind      string `json:"kind"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

// Memory is an in-process bank holding balances for buyers and a single
// coordinator account that receives collected payments and pays out of them.
type Memory struct {
	mu          sync.Mutex
	coordinator string
	balances    map[string]*uint256.Int
	entries     []Entry
	nowFn       func() int64
}

// NewMemory creates a bank whose payouts are drawn from coordinator.
func NewMemory(coordinator string) (*Memory, error) {
	coordinator = strings.TrimSpace(coordinator)
	if coordinator == "" {
		return nil, fmt.Errorf("bank: coordinator account required")
	}
	return &Memory{
		coordinator: coordinator,
		balances:    make(map[string]*uint256.Int),
		nowFn:       func() int64 { return time.Now().Unix() },
	}, nil
}

// SetNowFunc overrides the clock used for entry timestamps.
func (m *Memory) SetNowFunc(now func() int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	m.nowFn = now
}

// Coordinator returns the account that holds collected payments.
func (m *Memory) Coordinator() string { return m.coordinator }

// Fund credits account with newly issued currency.
func (m *Memory) Fund(account string, amount *uint256.Int) error {
	account = strings.TrimSpace(account)
	if account == "" {
		return errAccountRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(account, amount)
	m.record(EntryFund, "", account, amount)
	return nil
}

// Collect moves amount from the buyer to the coordinator.
func (m *Memory) Collect(ctx context.Context, from string, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.move(EntryCollect, strings.TrimSpace(from), m.coordinator, amount)
}

// Transfer pays amount out of the coordinator to the recipient.
func (m *Memory) Transfer(ctx context.Context, to string, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.move(EntryTransfer, m.coordinator, strings.TrimSpace(to), amount)
}

func (m *Memory) move(kind, from, to string, amount *uint256.Int) error {
	if from == "" || to == "" {
		return errAccountRequired
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	balance := m.balanceLocked(from)
	remaining, underflow := new(uint256.Int).SubOverflow(balance, amount)
	if underflow {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, from, balance.Dec(), amount.Dec())
	}
	m.balances[from] = remaining
	m.credit(to, amount)
	m.record(kind, from, to, amount)
	return nil
}

// Balance returns a copy of the account balance.
func (m *Memory) Balance(account string) *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(uint256.Int).Set(m.balanceLocked(strings.TrimSpace(account)))
}

// Balances returns a snapshot of every non-empty account.
func (m *Memory) Balances() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.balances))
	for account, bal := range m.balances {
		if !bal.IsZero() {
			out[account] = bal.Dec()
		}
	}
	return out
}

// Total sums all balances. Collect and Transfer never change it.
func (m *Memory) Total() *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	accounts := make([]string, 0, len(m.balances))
	for account := range m.balances {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	total := uint256.NewInt(0)
	for _, account := range accounts {
		total.Add(total, m.balances[account])
	}
	return total
}

// Entries returns the movement journal in order.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

func (m *Memory) balanceLocked(account string) *uint256.Int {
	if bal, ok := m.balances[account]; ok {
		return bal
	}
	return uint256.NewInt(0)
}

func (m *Memory) credit(account string, amount *uint256.Int) {
	if amount == nil {
		return
	}
	m.balances[account] = new(uint256.Int).Add(m.balanceLocked(account), amount)
}

func (m *Memory) record(kind, from, to string, amount *uint256.Int) {
	m.entries = append(m.entries, Entry{
		Sequence:  uint64(len(m.entries) + 1),
		Kind:      kind,
		From:      from,
		To:        to,
		Amount:    new(uint256.Int).Set(amount).Dec(),
		Timestamp: m.nowFn(),
	})
}
