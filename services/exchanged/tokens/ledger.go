package tokens

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"pixexchange/services/exchanged/storage"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInvalidAccount        = errors.New("account required")
)

// Store persists balances and allowances.
type Store interface {
	SaveBalances(ctx context.Context, records ...storage.BalanceRecord) error
	LoadBalances(ctx context.Context) ([]storage.BalanceRecord, error)
	SaveAllowance(ctx context.Context, rec storage.AllowanceRecord) error
	SavePull(ctx context.Context, allowance storage.AllowanceRecord, balances ...storage.BalanceRecord) error
	LoadAllowances(ctx context.Context) ([]storage.AllowanceRecord, error)
}

type balanceKey struct {
	asset   string
	account string
}

type allowanceKey struct {
	asset   string
	owner   string
	spender string
}

// Ledger is the custodied stablecoin ledger holding user and fee collector
// balances. The pool itself lives in the registry.
type Ledger struct {
	mu         sync.Mutex
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
	store      Store
}

// New constructs a ledger and restores persisted balances.
func New(ctx context.Context, store Store) (*Ledger, error) {
	l := &Ledger{
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		store:      store,
	}
	if store == nil {
		return l, nil
	}
	balances, err := store.LoadBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	for _, rec := range balances {
		l.balances[balanceKey{normAsset(rec.Asset), normAccount(rec.Account)}] = rec.Amount
	}
	allowances, err := store.LoadAllowances(ctx)
	if err != nil {
		return nil, fmt.Errorf("load allowances: %w", err)
	}
	for _, rec := range allowances {
		l.allowances[allowanceKey{normAsset(rec.Asset), normAccount(rec.Owner), normAccount(rec.Spender)}] = rec.Amount
	}
	return l, nil
}

// BalanceOf returns the balance of account in asset.
func (l *Ledger) BalanceOf(asset, account string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(balanceKey{normAsset(asset), normAccount(account)})
}

// Allowance returns how much spender may pull from owner.
func (l *Ledger) Allowance(asset, owner, spender string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.allowances[allowanceKey{normAsset(asset), normAccount(owner), normAccount(spender)}]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

// Approve sets the allowance of spender over owner's balance.
func (l *Ledger) Approve(ctx context.Context, asset, owner, spender string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	key := allowanceKey{normAsset(asset), normAccount(owner), normAccount(spender)}
	if key.owner == "" || key.spender == "" {
		return ErrInvalidAccount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store != nil {
		if err := l.store.SaveAllowance(ctx, storage.AllowanceRecord{Asset: key.asset, Owner: key.owner, Spender: key.spender, Amount: amount}); err != nil {
			return fmt.Errorf("persist allowance: %w", err)
		}
	}
	l.allowances[key] = new(big.Int).Set(amount)
	return nil
}

// Credit mints custodied balance to account. It is used when the pool pays
// out a conversion or refunds a failed one.
func (l *Ledger) Credit(ctx context.Context, asset, account string, amount *big.Int) error {
	key := balanceKey{normAsset(asset), normAccount(account)}
	if key.account == "" {
		return ErrInvalidAccount
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next := new(big.Int).Add(l.balanceLocked(key), amount)
	return l.commitLocked(ctx, map[balanceKey]*big.Int{key: next})
}

// Debit removes custodied balance from account.
func (l *Ledger) Debit(ctx context.Context, asset, account string, amount *big.Int) error {
	key := balanceKey{normAsset(asset), normAccount(account)}
	if key.account == "" {
		return ErrInvalidAccount
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.balanceLocked(key)
	if current.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	return l.commitLocked(ctx, map[balanceKey]*big.Int{key: current.Sub(current, amount)})
}

// Pull lets spender move amount out of owner's balance, consuming allowance.
// The pulled funds leave the token ledger; the caller credits them to the
// pool.
func (l *Ledger) Pull(ctx context.Context, asset, owner, spender string, amount *big.Int) error {
	bKey := balanceKey{normAsset(asset), normAccount(owner)}
	aKey := allowanceKey{bKey.asset, bKey.account, normAccount(spender)}
	if bKey.account == "" || aKey.spender == "" {
		return ErrInvalidAccount
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.balanceLocked(bKey)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	allowance := big.NewInt(0)
	if v, ok := l.allowances[aKey]; ok {
		allowance.Set(v)
	}
	if allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	allowance.Sub(allowance, amount)
	balance.Sub(balance, amount)
	if l.store != nil {
		if err := l.store.SavePull(ctx,
			storage.AllowanceRecord{Asset: aKey.asset, Owner: aKey.owner, Spender: aKey.spender, Amount: allowance},
			storage.BalanceRecord{Asset: bKey.asset, Account: bKey.account, Amount: balance},
		); err != nil {
			return fmt.Errorf("persist pull: %w", err)
		}
	}
	l.allowances[aKey] = allowance
	l.balances[bKey] = balance
	return nil
}

func (l *Ledger) balanceLocked(key balanceKey) *big.Int {
	if v, ok := l.balances[key]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func (l *Ledger) commitLocked(ctx context.Context, updates map[balanceKey]*big.Int) error {
	if l.store != nil {
		records := make([]storage.BalanceRecord, 0, len(updates))
		for key, amount := range updates {
			records = append(records, storage.BalanceRecord{Asset: key.asset, Account: key.account, Amount: amount})
		}
		if err := l.store.SaveBalances(ctx, records...); err != nil {
			return fmt.Errorf("persist balances: %w", err)
		}
	}
	for key, amount := range updates {
		l.balances[key] = amount
	}
	return nil
}

func normAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func normAccount(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}
