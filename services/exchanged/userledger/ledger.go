package userledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"pixexchange/services/exchanged/storage"
)

// Window is the length of the rolling daily volume window.
const Window = 24 * time.Hour

var (
	ErrDailyLimitExceeded = errors.New("daily limit exceeded")
	ErrInvalidUser        = errors.New("user required")
	ErrInvalidAsset       = errors.New("asset required")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrReservationClosed  = errors.New("reservation already closed")
)

// Store persists user accounts.
type Store interface {
	SaveUserAccount(ctx context.Context, rec storage.UserAccountRecord) error
	LoadUserAccounts(ctx context.Context) ([]storage.UserAccountRecord, error)
}

// Account is a read-only view of a user's nonce and volume windows.
type Account struct {
	User    string
	Nonce   uint64
	Volumes []Volume
}

// Volume is the rolling window for one asset, in that asset's base units.
type Volume struct {
	Asset       string
	DailyVolume *big.Int
	WindowStart time.Time
}

type window struct {
	volume *big.Int
	start  time.Time
}

// Volumes are tracked per asset because assets carry different decimals and
// their limits are expressed in their own base units.
type account struct {
	nonce   uint64
	windows map[string]window
}

type userLock struct {
	ch   chan struct{}
	refs int
}

// Ledger tracks per-user nonces and rolling conversion volume per asset.
// Admission for a single user is serialised across all assets; different users
// proceed in parallel.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*account
	locks    map[string]*userLock
	store    Store
	clock    func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithStore wires persistence. Accounts are restored when New is called.
func WithStore(store Store) Option {
	return func(l *Ledger) {
		l.store = store
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New constructs a ledger and restores persisted accounts.
func New(ctx context.Context, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		accounts: make(map[string]*account),
		locks:    make(map[string]*userLock),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.store == nil {
		return l, nil
	}
	records, err := l.store.LoadUserAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load user accounts: %w", err)
	}
	for _, rec := range records {
		acct := &account{nonce: rec.Nonce, windows: make(map[string]window, len(rec.Volumes))}
		for _, vol := range rec.Volumes {
			volume := vol.DailyVolume
			if volume == nil {
				volume = big.NewInt(0)
			}
			acct.windows[normalizeAsset(vol.Asset)] = window{volume: volume, start: vol.WindowStart}
		}
		l.accounts[normalizeUser(rec.User)] = acct
	}
	return l, nil
}

// Reservation is an admitted but not yet committed volume increment. The
// user's admission lock is held until Commit or Rollback.
type Reservation struct {
	ledger *Ledger
	user   string
	asset  string
	nonce  uint64
	window window
	once   sync.Once
}

// Begin locks the user, applies the asset's window reset and checks that
// amount fits under limit. The caller must Commit or Rollback the reservation.
func (l *Ledger) Begin(ctx context.Context, user, asset string, amount, limit *big.Int) (*Reservation, error) {
	user = normalizeUser(user)
	if user == "" {
		return nil, ErrInvalidUser
	}
	asset = normalizeAsset(asset)
	if asset == "" {
		return nil, ErrInvalidAsset
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := l.acquire(ctx, user); err != nil {
		return nil, err
	}
	now := l.clock().UTC()
	nonce, volume, windowStart := l.current(user, asset, now)
	remaining := big.NewInt(0)
	if limit != nil {
		remaining.Sub(limit, volume)
	}
	if remaining.Cmp(amount) < 0 {
		l.release(user)
		return nil, ErrDailyLimitExceeded
	}
	return &Reservation{
		ledger: l,
		user:   user,
		asset:  asset,
		nonce:  nonce + 1,
		window: window{volume: new(big.Int).Add(volume, amount), start: windowStart},
	}, nil
}

// CheckAndReserve atomically admits amount against the asset's limit and
// returns the user's new nonce.
func (l *Ledger) CheckAndReserve(ctx context.Context, user, asset string, amount, limit *big.Int) (uint64, error) {
	res, err := l.Begin(ctx, user, asset, amount, limit)
	if err != nil {
		return 0, err
	}
	if err := res.Commit(ctx); err != nil {
		return 0, err
	}
	return res.Nonce(), nil
}

// Nonce is the nonce the user will hold once the reservation commits.
func (r *Reservation) Nonce() uint64 {
	return r.nonce
}

// Commit persists the new nonce and volume and releases the user lock.
func (r *Reservation) Commit(ctx context.Context) error {
	err := ErrReservationClosed
	r.once.Do(func() {
		defer r.ledger.release(r.user)
		err = r.ledger.apply(ctx, r.user, r.asset, r.nonce, r.window)
	})
	return err
}

// Rollback releases the user lock without changing state. It is a no-op
// after Commit.
func (r *Reservation) Rollback() {
	r.once.Do(func() {
		r.ledger.release(r.user)
	})
}

// DailyVolume returns the user's volume for asset in the current window.
func (l *Ledger) DailyVolume(user, asset string) *big.Int {
	_, volume, _ := l.current(normalizeUser(user), normalizeAsset(asset), l.clock().UTC())
	return volume
}

// Nonce returns the user's current nonce.
func (l *Ledger) Nonce(user string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acct, ok := l.accounts[normalizeUser(user)]; ok {
		return acct.nonce
	}
	return 0
}

// Account returns the user's state with window resets applied. Expired
// windows are omitted.
func (l *Ledger) Account(user string) Account {
	user = normalizeUser(user)
	now := l.clock().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	out := Account{User: user}
	acct, ok := l.accounts[user]
	if !ok {
		return out
	}
	out.Nonce = acct.nonce
	for asset, w := range acct.windows {
		if expired(w, now) {
			continue
		}
		out.Volumes = append(out.Volumes, Volume{Asset: asset, DailyVolume: new(big.Int).Set(w.volume), WindowStart: w.start})
	}
	sort.Slice(out.Volumes, func(i, j int) bool { return out.Volumes[i].Asset < out.Volumes[j].Asset })
	return out
}

func (l *Ledger) current(user, asset string, now time.Time) (uint64, *big.Int, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[user]
	if !ok {
		return 0, big.NewInt(0), now
	}
	w, ok := acct.windows[asset]
	if !ok || expired(w, now) {
		return acct.nonce, big.NewInt(0), now
	}
	return acct.nonce, new(big.Int).Set(w.volume), w.start
}

func expired(w window, now time.Time) bool {
	return w.start.IsZero() || now.Sub(w.start) >= Window
}

func (l *Ledger) apply(ctx context.Context, user, asset string, nonce uint64, w window) error {
	if l.store != nil {
		if err := l.store.SaveUserAccount(ctx, storage.UserAccountRecord{
			User:    user,
			Nonce:   nonce,
			Volumes: []storage.VolumeRecord{{Asset: asset, DailyVolume: w.volume, WindowStart: w.start}},
		}); err != nil {
			return fmt.Errorf("persist user account: %w", err)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[user]
	if !ok {
		acct = &account{windows: make(map[string]window)}
		l.accounts[user] = acct
	}
	acct.nonce = nonce
	acct.windows[asset] = w
	return nil
}

func (l *Ledger) acquire(ctx context.Context, user string) error {
	l.mu.Lock()
	lk, ok := l.locks[user]
	if !ok {
		lk = &userLock{ch: make(chan struct{}, 1)}
		l.locks[user] = lk
	}
	lk.refs++
	l.mu.Unlock()
	select {
	case lk.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.unref(user, lk)
		return ctx.Err()
	}
}

func (l *Ledger) release(user string) {
	l.mu.Lock()
	lk, ok := l.locks[user]
	l.mu.Unlock()
	if !ok {
		return
	}
	<-lk.ch
	l.unref(user, lk)
}

func (l *Ledger) unref(user string, lk *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs <= 0 {
		delete(l.locks, user)
	}
}

func normalizeUser(user string) string {
	return strings.ToLower(strings.TrimSpace(user))
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
