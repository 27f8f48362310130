package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"pixexchange/observability"
	"pixexchange/services/exchanged/storage"
)

const (
	// MaxDecimals bounds the precision an asset may declare.
	MaxDecimals = 18
	// DefaultFeeBasisPoints is the fee applied until an administrator changes it.
	DefaultFeeBasisPoints = 50
	// MaxFeeBasisPoints caps the configurable fee at 10%.
	MaxFeeBasisPoints = 1000
	basisPointsDenom  = 10_000

	settingFeeBps = "fee_bps"
)

// RateScale is the fixed-point scale of exchange rates: a rate of RateScale
// means one PIX unit per asset unit.
var RateScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

var (
	ErrInvalidConfig         = errors.New("invalid stablecoin config")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrUnknownAsset          = errors.New("unknown stablecoin")
	ErrAssetUnavailable      = errors.New("stablecoin unavailable")
	ErrInsufficientPool      = errors.New("insufficient pool balance")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrInvalidFee            = errors.New("fee basis points out of range")
)

// Store persists registry state.
type Store interface {
	SaveStablecoin(ctx context.Context, record storage.StablecoinRecord) error
	LoadStablecoins(ctx context.Context) ([]storage.StablecoinRecord, error)
	SaveSetting(ctx context.Context, key, value string) error
	LoadSetting(ctx context.Context, key string) (string, bool, error)
}

// Config describes the static parameters of a supported stablecoin.
type Config struct {
	Asset      string
	Token      string
	Decimals   uint8
	MinAmount  *big.Int
	MaxAmount  *big.Int
	DailyLimit *big.Int
	// Rate is the number of PIX units per whole asset unit, scaled by RateScale.
	Rate *big.Int
}

// Stablecoin is a point-in-time view of a registry entry.
type Stablecoin struct {
	Config
	Active      bool
	PoolBalance *big.Int
	UpdatedAt   time.Time
}

// Flows are the cumulative pool movements for an asset.
type Flows struct {
	Funded    *big.Int
	Withdrawn *big.Int
	Credited  *big.Int
	Debited   *big.Int
}

// Expected returns the pool balance implied by the flow totals.
func (f Flows) Expected() *big.Int {
	out := new(big.Int).Set(f.Funded)
	out.Sub(out, f.Withdrawn)
	out.Add(out, f.Credited)
	out.Sub(out, f.Debited)
	return out
}

type entry struct {
	cfg       Config
	active    bool
	pool      uint256.Int
	funded    uint256.Int
	withdrawn uint256.Int
	credited  uint256.Int
	debited   uint256.Int
	updatedAt time.Time
}

func (e *entry) clone() *entry {
	cp := *e
	cp.cfg = cloneConfig(e.cfg)
	return &cp
}

// Registry holds the configuration and liquidity pool for each supported
// stablecoin.
type Registry struct {
	mu      sync.RWMutex
	assets  map[string]*entry
	feeBps  uint32
	store   Store
	clock   func() time.Time
	metrics *observability.LedgerMetrics
}

// Option customises a Registry.
type Option func(*Registry)

// WithStore wires persistence. State is restored when New is called.
func WithStore(store Store) Option {
	return func(r *Registry) {
		r.store = store
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// New constructs a registry, restoring persisted assets and fee settings.
func New(ctx context.Context, opts ...Option) (*Registry, error) {
	r := &Registry{
		assets:  make(map[string]*entry),
		feeBps:  DefaultFeeBasisPoints,
		clock:   time.Now,
		metrics: observability.Ledger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.store == nil {
		return r, nil
	}
	records, err := r.store.LoadStablecoins(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stablecoins: %w", err)
	}
	for _, rec := range records {
		e, err := entryFromRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("restore %s: %w", rec.Asset, err)
		}
		r.assets[e.cfg.Asset] = e
		r.metrics.RecordPool(e.cfg.Asset, e.pool.ToBig(), e.cfg.Decimals)
	}
	raw, ok, err := r.store.LoadSetting(ctx, settingFeeBps)
	if err != nil {
		return nil, fmt.Errorf("load fee: %w", err)
	}
	if ok {
		bps, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
		if err != nil || bps > MaxFeeBasisPoints {
			return nil, fmt.Errorf("restore fee %q: %w", raw, ErrInvalidFee)
		}
		r.feeBps = uint32(bps)
	}
	return r, nil
}

// NormalizeAsset canonicalises an asset symbol.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// Register creates or updates a stablecoin. New assets start active with an
// empty pool; updates keep the pool, flows and active flag.
func (r *Registry) Register(ctx context.Context, cfg Config) (Stablecoin, error) {
	cfg, err := validateConfig(cfg)
	if err != nil {
		return Stablecoin{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.assets[cfg.Asset]
	var next *entry
	if existed {
		next = prev.clone()
		next.cfg = cfg
	} else {
		next = &entry{cfg: cfg, active: true}
	}
	next.updatedAt = r.clock().UTC()
	if err := r.commitLocked(ctx, next); err != nil {
		return Stablecoin{}, err
	}
	r.metrics.RecordRate(cfg.Asset, cfg.Rate)
	slog.Info("exchanged/registry: stablecoin registered", "asset", cfg.Asset, "decimals", cfg.Decimals, "update", existed)
	return next.view(), nil
}

// SetActive toggles whether new conversions may use the asset.
func (r *Registry) SetActive(ctx context.Context, asset string, active bool) error {
	return r.mutate(ctx, asset, func(e *entry) error {
		e.active = active
		return nil
	})
}

// SetRate replaces the exchange rate of an asset.
func (r *Registry) SetRate(ctx context.Context, asset string, rate *big.Int) error {
	if rate == nil || rate.Sign() <= 0 {
		return fmt.Errorf("%w: rate must be positive", ErrInvalidConfig)
	}
	err := r.mutate(ctx, asset, func(e *entry) error {
		e.cfg.Rate = new(big.Int).Set(rate)
		return nil
	})
	if err == nil {
		r.metrics.RecordRate(NormalizeAsset(asset), rate)
	}
	return err
}

// Fund adds treasury liquidity to the pool.
func (r *Registry) Fund(ctx context.Context, asset string, amount *big.Int) error {
	amt, err := toUint(amount)
	if err != nil {
		return err
	}
	return r.mutate(ctx, asset, func(e *entry) error {
		if err := addTo(&e.pool, amt); err != nil {
			return err
		}
		return addTo(&e.funded, amt)
	})
}

// Withdraw removes treasury liquidity from the pool.
func (r *Registry) Withdraw(ctx context.Context, asset string, amount *big.Int) error {
	amt, err := toUint(amount)
	if err != nil {
		return err
	}
	return r.mutate(ctx, asset, func(e *entry) error {
		if e.pool.Lt(amt) {
			return ErrInsufficientPool
		}
		e.pool.Sub(&e.pool, amt)
		return addTo(&e.withdrawn, amt)
	})
}

// DebitPool atomically checks and removes conversion liquidity.
func (r *Registry) DebitPool(ctx context.Context, asset string, amount *big.Int) error {
	amt, err := toUint(amount)
	if err != nil {
		return err
	}
	return r.mutate(ctx, asset, func(e *entry) error {
		if e.pool.Lt(amt) {
			return ErrInsufficientLiquidity
		}
		e.pool.Sub(&e.pool, amt)
		return addTo(&e.debited, amt)
	})
}

// CreditPool returns conversion liquidity to the pool.
func (r *Registry) CreditPool(ctx context.Context, asset string, amount *big.Int) error {
	amt, err := toUint(amount)
	if err != nil {
		return err
	}
	return r.mutate(ctx, asset, func(e *entry) error {
		if err := addTo(&e.pool, amt); err != nil {
			return err
		}
		return addTo(&e.credited, amt)
	})
}

// EnsureLiquidity reports ErrInsufficientLiquidity when the pool cannot cover
// amount. It does not reserve anything.
func (r *Registry) EnsureLiquidity(asset string, amount *big.Int) error {
	amt, err := toUint(amount)
	if err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.assets[NormalizeAsset(asset)]
	if !ok {
		return ErrUnknownAsset
	}
	if e.pool.Lt(amt) {
		return ErrInsufficientLiquidity
	}
	return nil
}

// SetFeeBasisPoints updates the global conversion fee.
func (r *Registry) SetFeeBasisPoints(ctx context.Context, bps uint32) error {
	if bps > MaxFeeBasisPoints {
		return ErrInvalidFee
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store != nil {
		if err := r.store.SaveSetting(ctx, settingFeeBps, strconv.FormatUint(uint64(bps), 10)); err != nil {
			return fmt.Errorf("persist fee: %w", err)
		}
	}
	prev := r.feeBps
	r.feeBps = bps
	slog.Info("exchanged/registry: fee updated", "previous_bps", prev, "bps", bps)
	return nil
}

// FeeBasisPoints returns the active fee rate.
func (r *Registry) FeeBasisPoints() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.feeBps
}

// Fee computes amount * bps / 10000 rounded down.
func (r *Registry) Fee(amount *big.Int) *big.Int {
	return mulDiv(amount, big.NewInt(int64(r.FeeBasisPoints())), big.NewInt(basisPointsDenom))
}

// QuotePixToStable converts a PIX amount into asset units, rounded down.
func (r *Registry) QuotePixToStable(asset string, pixAmount *big.Int) (*big.Int, error) {
	rate, err := r.rate(asset)
	if err != nil {
		return nil, err
	}
	return mulDiv(pixAmount, RateScale, rate), nil
}

// QuoteStableToPix converts an asset amount into PIX units, rounded down.
func (r *Registry) QuoteStableToPix(asset string, stableAmount *big.Int) (*big.Int, error) {
	rate, err := r.rate(asset)
	if err != nil {
		return nil, err
	}
	return mulDiv(stableAmount, rate, RateScale), nil
}

// Stablecoin returns a snapshot of an asset's configuration and pool.
func (r *Registry) Stablecoin(asset string) (Stablecoin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.assets[NormalizeAsset(asset)]
	if !ok {
		return Stablecoin{}, ErrUnknownAsset
	}
	return e.view(), nil
}

// Supported lists every registered asset symbol in sorted order.
func (r *Registry) Supported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.assets))
	for symbol := range r.assets {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// PoolBalance returns the current liquidity of an asset.
func (r *Registry) PoolBalance(asset string) (*big.Int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.assets[NormalizeAsset(asset)]
	if !ok {
		return nil, ErrUnknownAsset
	}
	return e.pool.ToBig(), nil
}

// Flows returns the cumulative movements of an asset's pool.
func (r *Registry) Flows(asset string) (Flows, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.assets[NormalizeAsset(asset)]
	if !ok {
		return Flows{}, ErrUnknownAsset
	}
	return Flows{
		Funded:    e.funded.ToBig(),
		Withdrawn: e.withdrawn.ToBig(),
		Credited:  e.credited.ToBig(),
		Debited:   e.debited.ToBig(),
	}, nil
}

func (r *Registry) rate(asset string) (*big.Int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.assets[NormalizeAsset(asset)]
	if !ok {
		return nil, ErrUnknownAsset
	}
	return new(big.Int).Set(e.cfg.Rate), nil
}

// mutate applies fn to a copy of the entry and swaps it in only once the copy
// has been persisted.
func (r *Registry) mutate(ctx context.Context, asset string, fn func(*entry) error) error {
	symbol := NormalizeAsset(asset)
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.assets[symbol]
	if !ok {
		return ErrUnknownAsset
	}
	next := current.clone()
	if err := fn(next); err != nil {
		return err
	}
	next.updatedAt = r.clock().UTC()
	return r.commitLocked(ctx, next)
}

func (r *Registry) commitLocked(ctx context.Context, next *entry) error {
	if r.store != nil {
		if err := r.store.SaveStablecoin(ctx, next.record()); err != nil {
			return fmt.Errorf("persist stablecoin: %w", err)
		}
	}
	r.assets[next.cfg.Asset] = next
	r.metrics.RecordPool(next.cfg.Asset, next.pool.ToBig(), next.cfg.Decimals)
	return nil
}

func (e *entry) view() Stablecoin {
	return Stablecoin{
		Config:      cloneConfig(e.cfg),
		Active:      e.active,
		PoolBalance: e.pool.ToBig(),
		UpdatedAt:   e.updatedAt,
	}
}

func (e *entry) record() storage.StablecoinRecord {
	return storage.StablecoinRecord{
		Asset:      e.cfg.Asset,
		Token:      e.cfg.Token,
		Decimals:   e.cfg.Decimals,
		Active:     e.active,
		MinAmount:  e.cfg.MinAmount,
		MaxAmount:  e.cfg.MaxAmount,
		DailyLimit: e.cfg.DailyLimit,
		Rate:       e.cfg.Rate,
		Pool:       e.pool.ToBig(),
		Funded:     e.funded.ToBig(),
		Withdrawn:  e.withdrawn.ToBig(),
		Credited:   e.credited.ToBig(),
		Debited:    e.debited.ToBig(),
		UpdatedAt:  e.updatedAt,
	}
}

func entryFromRecord(rec storage.StablecoinRecord) (*entry, error) {
	cfg, err := validateConfig(Config{
		Asset:      rec.Asset,
		Token:      rec.Token,
		Decimals:   rec.Decimals,
		MinAmount:  rec.MinAmount,
		MaxAmount:  rec.MaxAmount,
		DailyLimit: rec.DailyLimit,
		Rate:       rec.Rate,
	})
	if err != nil {
		return nil, err
	}
	e := &entry{cfg: cfg, active: rec.Active, updatedAt: rec.UpdatedAt}
	for _, pair := range []struct {
		dst *uint256.Int
		src *big.Int
	}{
		{&e.pool, rec.Pool},
		{&e.funded, rec.Funded},
		{&e.withdrawn, rec.Withdrawn},
		{&e.credited, rec.Credited},
		{&e.debited, rec.Debited},
	} {
		if pair.src == nil {
			continue
		}
		v, overflow := uint256.FromBig(pair.src)
		if overflow || pair.src.Sign() < 0 {
			return nil, fmt.Errorf("%w: stored balance out of range", ErrInvalidConfig)
		}
		pair.dst.Set(v)
	}
	return e, nil
}

func validateConfig(cfg Config) (Config, error) {
	cfg.Asset = NormalizeAsset(cfg.Asset)
	if cfg.Asset == "" {
		return cfg, fmt.Errorf("%w: asset symbol required", ErrInvalidConfig)
	}
	if cfg.Decimals > MaxDecimals {
		return cfg, fmt.Errorf("%w: decimals above %d", ErrInvalidConfig, MaxDecimals)
	}
	for name, v := range map[string]*big.Int{"min": cfg.MinAmount, "max": cfg.MaxAmount, "daily limit": cfg.DailyLimit, "rate": cfg.Rate} {
		if v == nil || v.Sign() <= 0 {
			return cfg, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if cfg.MinAmount.Cmp(cfg.MaxAmount) > 0 {
		return cfg, fmt.Errorf("%w: min above max", ErrInvalidConfig)
	}
	if token := strings.TrimSpace(cfg.Token); token != "" {
		if !common.IsHexAddress(token) {
			return cfg, fmt.Errorf("%w: invalid token address %q", ErrInvalidConfig, token)
		}
		cfg.Token = common.HexToAddress(token).Hex()
	}
	return cloneConfig(cfg), nil
}

func cloneConfig(cfg Config) Config {
	return Config{
		Asset:      cfg.Asset,
		Token:      cfg.Token,
		Decimals:   cfg.Decimals,
		MinAmount:  cloneBig(cfg.MinAmount),
		MaxAmount:  cloneBig(cfg.MaxAmount),
		DailyLimit: cloneBig(cfg.DailyLimit),
		Rate:       cloneBig(cfg.Rate),
	}
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func toUint(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, fmt.Errorf("%w: amount exceeds 256 bits", ErrInvalidAmount)
	}
	return v, nil
}

func addTo(dst *uint256.Int, amt *uint256.Int) error {
	if _, overflow := dst.AddOverflow(dst, amt); overflow {
		return fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
	}
	return nil
}

func mulDiv(value, numerator, denominator *big.Int) *big.Int {
	if value == nil || denominator.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(value, numerator)
	return out.Quo(out, denominator)
}
