package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	"pixexchange/observability"
	"pixexchange/observability/logging"
	"pixexchange/services/exchanged/conversion"
	"pixexchange/services/exchanged/registry"
	"pixexchange/services/exchanged/userledger"
)

const settingPaused = "paused"

var (
	ErrPaused           = errors.New("exchange paused")
	ErrAmountOutOfRange = errors.New("amount out of range")
	ErrAmountPrecision  = errors.New("pix amount finer than one centavo")
	ErrInvalidUser      = errors.New("user required")
	ErrPixKeyRequired   = errors.New("pix key required")
	ErrPayoutInFlight   = errors.New("pix payout already dispatched")
)

// Registry is the slice of the stablecoin registry used by the engine.
type Registry interface {
	Stablecoin(asset string) (registry.Stablecoin, error)
	QuotePixToStable(asset string, pixAmount *big.Int) (*big.Int, error)
	QuoteStableToPix(asset string, stableAmount *big.Int) (*big.Int, error)
	Fee(amount *big.Int) *big.Int
	EnsureLiquidity(asset string, amount *big.Int) error
	DebitPool(ctx context.Context, asset string, amount *big.Int) error
	CreditPool(ctx context.Context, asset string, amount *big.Int) error
	PoolBalance(asset string) (*big.Int, error)
}

// Users admits conversions against per-user, per-asset daily limits.
type Users interface {
	Begin(ctx context.Context, user, asset string, amount, limit *big.Int) (*userledger.Reservation, error)
	DailyVolume(user, asset string) *big.Int
}

// Conversions is the conversion table.
type Conversions interface {
	Lock(paymentID string) func()
	Exists(paymentID string) bool
	Create(ctx context.Context, rec conversion.Record) (conversion.Record, error)
	Get(paymentID string) (conversion.Record, error)
	Transition(ctx context.Context, paymentID string, from, to conversion.Status, mutate func(*conversion.Record) error) (conversion.Record, error)
}

// Tokens is the custodied token ledger.
type Tokens interface {
	Pull(ctx context.Context, asset, owner, spender string, amount *big.Int) error
	Credit(ctx context.Context, asset, account string, amount *big.Int) error
	Debit(ctx context.Context, asset, account string, amount *big.Int) error
}

// Settings persists engine-level flags.
type Settings interface {
	SaveSetting(ctx context.Context, key, value string) error
	LoadSetting(ctx context.Context, key string) (string, bool, error)
}

// PayoutGuard reports payouts whose PIX transfer may already have been
// sent. Such conversions cannot be failed and refunded.
type PayoutGuard interface {
	Holds(paymentID string) bool
}

// Deps are the collaborators the engine orchestrates.
type Deps struct {
	Registry    Registry
	Users       Users
	Conversions Conversions
	Tokens      Tokens
	Settings    Settings
}

// Config holds engine identities.
type Config struct {
	// FeeCollector receives the fee charged on every settled conversion.
	FeeCollector string
	// Custodian is the spender identity used to pull user funds.
	Custodian string
}

// Engine orchestrates both conversion directions.
type Engine struct {
	registry     Registry
	users        Users
	conversions  Conversions
	tokens       Tokens
	settings     Settings
	feeCollector string
	custodian    string
	guard        PayoutGuard
	paused       atomic.Bool
	clock        func() time.Time
	tracer       trace.Tracer
	metrics      *observability.ExchangeMetrics
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for latency metrics.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithPayoutGuard blocks refunds of payouts that are in flight.
func WithPayoutGuard(guard PayoutGuard) Option {
	return func(e *Engine) {
		e.guard = guard
	}
}

// PixToStableRequest initiates a PIX to stablecoin conversion.
type PixToStableRequest struct {
	PaymentID string
	User      string
	Asset     string
	PixAmount *big.Int
}

// StableToPixRequest initiates a stablecoin to PIX conversion.
type StableToPixRequest struct {
	PaymentID        string
	User             string
	Asset            string
	StablecoinAmount *big.Int
	PixKey           string
}

// NewEngine wires an engine and restores the pause flag.
func NewEngine(ctx context.Context, deps Deps, cfg Config, opts ...Option) (*Engine, error) {
	if deps.Registry == nil || deps.Users == nil || deps.Conversions == nil || deps.Tokens == nil {
		return nil, fmt.Errorf("registry, users, conversions and tokens are required")
	}
	if strings.TrimSpace(cfg.FeeCollector) == "" {
		return nil, fmt.Errorf("fee collector required")
	}
	if strings.TrimSpace(cfg.Custodian) == "" {
		cfg.Custodian = "exchange"
	}
	e := &Engine{
		registry:     deps.Registry,
		users:        deps.Users,
		conversions:  deps.Conversions,
		tokens:       deps.Tokens,
		settings:     deps.Settings,
		feeCollector: strings.TrimSpace(cfg.FeeCollector),
		custodian:    strings.TrimSpace(cfg.Custodian),
		clock:        time.Now,
		tracer:       otel.Tracer("exchanged/exchange"),
		metrics:      observability.Exchange(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.settings != nil {
		raw, ok, err := e.settings.LoadSetting(ctx, settingPaused)
		if err != nil {
			return nil, fmt.Errorf("load pause flag: %w", err)
		}
		if ok {
			paused, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, fmt.Errorf("parse pause flag %q: %w", raw, err)
			}
			e.paused.Store(paused)
		}
	}
	e.metrics.SetPause(e.paused.Load())
	return e, nil
}

// Custodian returns the spender identity users must approve.
func (e *Engine) Custodian() string { return e.custodian }

// FeeCollector returns the account credited with fees.
func (e *Engine) FeeCollector() string { return e.feeCollector }

// InitiatePixToStable records an expected inbound PIX payment that will be
// paid out in stablecoin once confirmed.
func (e *Engine) InitiatePixToStable(ctx context.Context, req PixToStableRequest) (rec conversion.Record, err error) {
	ctx, done := e.begin(ctx, "initiate_pix_to_stable", req.PaymentID)
	defer func() { done(err) }()

	paymentID, err := e.admit(req.PaymentID, req.User)
	if err != nil {
		return conversion.Record{}, err
	}
	unlock := e.conversions.Lock(paymentID)
	defer unlock()
	if e.conversions.Exists(paymentID) {
		return conversion.Record{}, conversion.ErrDuplicateConversion
	}
	coin, err := e.activeStablecoin(req.Asset)
	if err != nil {
		return conversion.Record{}, err
	}
	if err := checkRange(coin, req.PixAmount); err != nil {
		return conversion.Record{}, err
	}
	if new(big.Int).Rem(req.PixAmount, centavoUnit(coin.Decimals)).Sign() != 0 {
		return conversion.Record{}, ErrAmountPrecision
	}
	stable, err := e.registry.QuotePixToStable(coin.Asset, req.PixAmount)
	if err != nil {
		return conversion.Record{}, err
	}
	if stable.Sign() <= 0 {
		return conversion.Record{}, ErrAmountOutOfRange
	}
	if err := e.registry.EnsureLiquidity(coin.Asset, stable); err != nil {
		return conversion.Record{}, err
	}
	reservation, err := e.users.Begin(ctx, req.User, coin.Asset, stable, coin.DailyLimit)
	if err != nil {
		return conversion.Record{}, err
	}
	defer reservation.Rollback()

	rec, err = e.conversions.Create(ctx, conversion.Record{
		PaymentID:        paymentID,
		User:             strings.TrimSpace(req.User),
		Direction:        conversion.DirectionPixToStable,
		Asset:            coin.Asset,
		PixAmount:        req.PixAmount,
		StablecoinAmount: stable,
		Fee:              big.NewInt(0),
		Nonce:            reservation.Nonce(),
	})
	if err != nil {
		return conversion.Record{}, err
	}
	if err := reservation.Commit(ctx); err != nil {
		e.abandon(ctx, rec, "limit reservation not persisted")
		return conversion.Record{}, err
	}
	slog.Info("exchanged/exchange: pix to stable initiated", "payment_id", paymentID, "asset", coin.Asset, "pix_amount", req.PixAmount.String(), "stable_amount", stable.String(), "nonce", rec.Nonce)
	return rec, nil
}

// InitiateStableToPix pulls the user's stablecoin into the pool and records a
// PIX payout to pixKey.
func (e *Engine) InitiateStableToPix(ctx context.Context, req StableToPixRequest) (rec conversion.Record, err error) {
	ctx, done := e.begin(ctx, "initiate_stable_to_pix", req.PaymentID)
	defer func() { done(err) }()

	paymentID, err := e.admit(req.PaymentID, req.User)
	if err != nil {
		return conversion.Record{}, err
	}
	pixKey := normalizePixKey(req.PixKey)
	if pixKey == "" {
		return conversion.Record{}, ErrPixKeyRequired
	}
	unlock := e.conversions.Lock(paymentID)
	defer unlock()
	if e.conversions.Exists(paymentID) {
		return conversion.Record{}, conversion.ErrDuplicateConversion
	}
	coin, err := e.activeStablecoin(req.Asset)
	if err != nil {
		return conversion.Record{}, err
	}
	amount := req.StablecoinAmount
	if err := checkRange(coin, amount); err != nil {
		return conversion.Record{}, err
	}
	fee := e.registry.Fee(amount)
	pixAmount, err := e.registry.QuoteStableToPix(coin.Asset, new(big.Int).Sub(amount, fee))
	if err != nil {
		return conversion.Record{}, err
	}
	pixAmount.Sub(pixAmount, new(big.Int).Rem(pixAmount, centavoUnit(coin.Decimals)))
	if pixAmount.Sign() <= 0 {
		return conversion.Record{}, ErrAmountOutOfRange
	}
	reservation, err := e.users.Begin(ctx, req.User, coin.Asset, amount, coin.DailyLimit)
	if err != nil {
		return conversion.Record{}, err
	}
	defer reservation.Rollback()

	user := strings.TrimSpace(req.User)
	if err := e.tokens.Pull(ctx, coin.Asset, user, e.custodian, amount); err != nil {
		return conversion.Record{}, err
	}
	if err := e.registry.CreditPool(ctx, coin.Asset, amount); err != nil {
		e.compensate("refund pull", e.tokens.Credit(ctx, coin.Asset, user, amount))
		return conversion.Record{}, err
	}
	rec, err = e.conversions.Create(ctx, conversion.Record{
		PaymentID:        paymentID,
		User:             user,
		Direction:        conversion.DirectionStableToPix,
		Asset:            coin.Asset,
		PixAmount:        pixAmount,
		StablecoinAmount: amount,
		Fee:              fee,
		PixKey:           pixKey,
		Nonce:            reservation.Nonce(),
	})
	if err != nil {
		e.compensate("return pool credit", e.registry.DebitPool(ctx, coin.Asset, amount))
		e.compensate("refund pull", e.tokens.Credit(ctx, coin.Asset, user, amount))
		return conversion.Record{}, err
	}
	if err := reservation.Commit(ctx); err != nil {
		e.abandon(ctx, rec, "limit reservation not persisted")
		return conversion.Record{}, err
	}
	slog.Info("exchanged/exchange: stable to pix initiated", "payment_id", paymentID, "asset", coin.Asset, "stable_amount", amount.String(), "pix_amount", pixAmount.String(), logging.MaskField("pix_key", pixKey), "nonce", rec.Nonce)
	return rec, nil
}

// Settle completes a confirmed conversion. Settling a completed conversion is
// a no-op. A liquidity shortfall leaves the conversion confirmed so it can be
// retried once the pool is topped up.
func (e *Engine) Settle(ctx context.Context, paymentID string) (rec conversion.Record, err error) {
	ctx, done := e.begin(ctx, "settle", paymentID)
	defer func() { done(err) }()

	paymentID = strings.TrimSpace(paymentID)
	unlock := e.conversions.Lock(paymentID)
	defer unlock()
	rec, err = e.conversions.Get(paymentID)
	if err != nil {
		return conversion.Record{}, err
	}
	switch rec.Status {
	case conversion.StatusCompleted:
		return rec, nil
	case conversion.StatusConfirmed:
	default:
		return conversion.Record{}, fmt.Errorf("%w: cannot settle %s conversion", conversion.ErrInvalidState, rec.Status)
	}
	coin, err := e.registry.Stablecoin(rec.Asset)
	if err != nil {
		return conversion.Record{}, err
	}
	if rec.Direction == conversion.DirectionPixToStable {
		rec, err = e.settlePixToStable(ctx, rec)
	} else {
		rec, err = e.settleStableToPix(ctx, rec)
	}
	if err != nil {
		return conversion.Record{}, err
	}
	e.metrics.RecordSettlement(rec.Asset, string(rec.Direction), rec.StablecoinAmount, rec.Fee, coin.Decimals)
	slog.Info("exchanged/exchange: conversion settled", "payment_id", paymentID, "direction", rec.Direction, "stable_amount", rec.StablecoinAmount.String(), "fee", rec.Fee.String())
	return rec, nil
}

func (e *Engine) settlePixToStable(ctx context.Context, rec conversion.Record) (conversion.Record, error) {
	amount := rec.StablecoinAmount
	fee := e.registry.Fee(amount)
	net := new(big.Int).Sub(amount, fee)
	if err := e.registry.DebitPool(ctx, rec.Asset, amount); err != nil {
		return conversion.Record{}, err
	}
	if net.Sign() > 0 {
		if err := e.tokens.Credit(ctx, rec.Asset, rec.User, net); err != nil {
			e.compensate("restore pool", e.registry.CreditPool(ctx, rec.Asset, amount))
			return conversion.Record{}, err
		}
	}
	if fee.Sign() > 0 {
		if err := e.tokens.Credit(ctx, rec.Asset, e.feeCollector, fee); err != nil {
			if net.Sign() > 0 {
				e.compensate("claw back user credit", e.tokens.Debit(ctx, rec.Asset, rec.User, net))
			}
			e.compensate("restore pool", e.registry.CreditPool(ctx, rec.Asset, amount))
			return conversion.Record{}, err
		}
	}
	completed, err := e.conversions.Transition(ctx, rec.PaymentID, conversion.StatusConfirmed, conversion.StatusCompleted, func(r *conversion.Record) error {
		r.Fee = fee
		return nil
	})
	if err != nil {
		if fee.Sign() > 0 {
			e.compensate("claw back fee", e.tokens.Debit(ctx, rec.Asset, e.feeCollector, fee))
		}
		if net.Sign() > 0 {
			e.compensate("claw back user credit", e.tokens.Debit(ctx, rec.Asset, rec.User, net))
		}
		e.compensate("restore pool", e.registry.CreditPool(ctx, rec.Asset, amount))
		return conversion.Record{}, err
	}
	return completed, nil
}

func (e *Engine) settleStableToPix(ctx context.Context, rec conversion.Record) (conversion.Record, error) {
	fee := rec.Fee
	if fee.Sign() > 0 {
		if err := e.registry.DebitPool(ctx, rec.Asset, fee); err != nil {
			return conversion.Record{}, err
		}
		if err := e.tokens.Credit(ctx, rec.Asset, e.feeCollector, fee); err != nil {
			e.compensate("restore pool", e.registry.CreditPool(ctx, rec.Asset, fee))
			return conversion.Record{}, err
		}
	}
	completed, err := e.conversions.Transition(ctx, rec.PaymentID, conversion.StatusConfirmed, conversion.StatusCompleted, nil)
	if err != nil {
		if fee.Sign() > 0 {
			e.compensate("claw back fee", e.tokens.Debit(ctx, rec.Asset, e.feeCollector, fee))
			e.compensate("restore pool", e.registry.CreditPool(ctx, rec.Asset, fee))
		}
		return conversion.Record{}, err
	}
	return completed, nil
}

// Cancel administratively fails a conversion that has not been confirmed.
func (e *Engine) Cancel(ctx context.Context, paymentID, reason string) (rec conversion.Record, err error) {
	ctx, done := e.begin(ctx, "cancel", paymentID)
	defer func() { done(err) }()

	paymentID = strings.TrimSpace(paymentID)
	unlock := e.conversions.Lock(paymentID)
	defer unlock()
	rec, err = e.conversions.Get(paymentID)
	if err != nil {
		return conversion.Record{}, err
	}
	if rec.Status != conversion.StatusInitiated {
		return conversion.Record{}, fmt.Errorf("%w: only initiated conversions can be cancelled, %s is %s", conversion.ErrInvalidState, paymentID, rec.Status)
	}
	return e.failLocked(ctx, rec, reasonOr(reason, "cancelled"))
}

// Fail moves an initiated or confirmed conversion to failed, refunding the
// user's pulled stablecoin for payouts.
func (e *Engine) Fail(ctx context.Context, paymentID, reason string) (rec conversion.Record, err error) {
	ctx, done := e.begin(ctx, "fail", paymentID)
	defer func() { done(err) }()

	paymentID = strings.TrimSpace(paymentID)
	unlock := e.conversions.Lock(paymentID)
	defer unlock()
	rec, err = e.conversions.Get(paymentID)
	if err != nil {
		return conversion.Record{}, err
	}
	return e.failLocked(ctx, rec, reasonOr(reason, "failed"))
}

// Expire fails rec if it is still in the status and update time it was
// observed with. It returns false without error when the conversion moved on.
func (e *Engine) Expire(ctx context.Context, observed conversion.Record, reason string) (bool, error) {
	unlock := e.conversions.Lock(observed.PaymentID)
	defer unlock()
	rec, err := e.conversions.Get(observed.PaymentID)
	if err != nil {
		return false, err
	}
	if rec.Status != observed.Status || !rec.UpdatedAt.Equal(observed.UpdatedAt) {
		return false, nil
	}
	start := e.clock()
	_, err = e.failLocked(ctx, rec, reasonOr(reason, "timeout"))
	e.metrics.Observe("expire", e.clock().Sub(start), err)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) failLocked(ctx context.Context, rec conversion.Record, reason string) (conversion.Record, error) {
	if rec.Status.Terminal() {
		return conversion.Record{}, fmt.Errorf("%w: %s is already %s", conversion.ErrInvalidState, rec.PaymentID, rec.Status)
	}
	if rec.Direction == conversion.DirectionStableToPix && e.guard != nil && e.guard.Holds(rec.PaymentID) {
		return conversion.Record{}, fmt.Errorf("%w: %s", ErrPayoutInFlight, rec.PaymentID)
	}
	refund := rec.Direction == conversion.DirectionStableToPix && rec.StablecoinAmount.Sign() > 0
	if refund {
		if err := e.registry.DebitPool(ctx, rec.Asset, rec.StablecoinAmount); err != nil {
			return conversion.Record{}, fmt.Errorf("refund %s: %w", rec.PaymentID, err)
		}
		if err := e.tokens.Credit(ctx, rec.Asset, rec.User, rec.StablecoinAmount); err != nil {
			e.compensate("restore pool", e.registry.CreditPool(ctx, rec.Asset, rec.StablecoinAmount))
			return conversion.Record{}, fmt.Errorf("refund %s: %w", rec.PaymentID, err)
		}
	}
	failed, err := e.conversions.Transition(ctx, rec.PaymentID, rec.Status, conversion.StatusFailed, func(r *conversion.Record) error {
		r.FailureReason = reason
		return nil
	})
	if err != nil {
		if refund {
			e.compensate("claw back refund", e.tokens.Debit(ctx, rec.Asset, rec.User, rec.StablecoinAmount))
			e.compensate("restore pool", e.registry.CreditPool(ctx, rec.Asset, rec.StablecoinAmount))
		}
		return conversion.Record{}, err
	}
	slog.Info("exchanged/exchange: conversion failed", "payment_id", rec.PaymentID, "from", rec.Status, "reason", reason, "refunded", refund)
	return failed, nil
}

// abandon closes a record whose admission could not be completed. It runs
// with the payment lock held.
func (e *Engine) abandon(ctx context.Context, rec conversion.Record, reason string) {
	if _, err := e.failLocked(ctx, rec, reason); err != nil {
		slog.Error("exchanged/exchange: abandon conversion", "payment_id", rec.PaymentID, "error", err)
	}
}

// Pause rejects new conversions. Settlement of confirmed work continues.
func (e *Engine) Pause(ctx context.Context) error {
	return e.setPaused(ctx, true)
}

// Unpause accepts new conversions again.
func (e *Engine) Unpause(ctx context.Context) error {
	return e.setPaused(ctx, false)
}

// Paused reports whether new conversions are rejected.
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

func (e *Engine) setPaused(ctx context.Context, paused bool) error {
	if e.settings != nil {
		if err := e.settings.SaveSetting(ctx, settingPaused, strconv.FormatBool(paused)); err != nil {
			return fmt.Errorf("persist pause flag: %w", err)
		}
	}
	e.paused.Store(paused)
	e.metrics.SetPause(paused)
	slog.Warn("exchanged/exchange: pause toggled", "paused", paused)
	return nil
}

// GetConversion returns a conversion by payment id.
func (e *Engine) GetConversion(paymentID string) (conversion.Record, error) {
	return e.conversions.Get(paymentID)
}

// GetStablecoinConfig returns an asset's configuration and pool balance.
func (e *Engine) GetStablecoinConfig(asset string) (registry.Stablecoin, error) {
	return e.registry.Stablecoin(asset)
}

// GetUserDailyVolume returns the user's volume for asset in the current
// window, in the asset's base units.
func (e *Engine) GetUserDailyVolume(user, asset string) *big.Int {
	return e.users.DailyVolume(user, asset)
}

// GetPoolBalance returns an asset's pool balance.
func (e *Engine) GetPoolBalance(asset string) (*big.Int, error) {
	return e.registry.PoolBalance(asset)
}

func (e *Engine) admit(paymentID, user string) (string, error) {
	if e.paused.Load() {
		return "", ErrPaused
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return "", conversion.ErrInvalidPaymentID
	}
	if strings.TrimSpace(user) == "" {
		return "", ErrInvalidUser
	}
	return paymentID, nil
}

func (e *Engine) activeStablecoin(asset string) (registry.Stablecoin, error) {
	coin, err := e.registry.Stablecoin(asset)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownAsset) {
			return registry.Stablecoin{}, registry.ErrAssetUnavailable
		}
		return registry.Stablecoin{}, err
	}
	if !coin.Active {
		return registry.Stablecoin{}, registry.ErrAssetUnavailable
	}
	return coin, nil
}

func (e *Engine) begin(ctx context.Context, op, paymentID string) (context.Context, func(error)) {
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "exchange."+op, trace.WithAttributes(attribute.String("payment_id", paymentID)))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, op)
		}
		span.End()
		e.metrics.Observe(op, e.clock().Sub(start), err)
	}
}

func (e *Engine) compensate(step string, err error) {
	if err != nil {
		slog.Error("exchanged/exchange: compensation failed", "step", step, "error", err)
	}
}

func checkRange(coin registry.Stablecoin, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrAmountOutOfRange
	}
	if amount.Cmp(coin.MinAmount) < 0 || amount.Cmp(coin.MaxAmount) > 0 {
		return ErrAmountOutOfRange
	}
	return nil
}

// centavoUnit is the smallest PIX increment expressed at the asset's scale.
func centavoUnit(decimals uint8) *big.Int {
	if decimals <= 2 {
		return big.NewInt(1)
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-2)), nil)
}

func reasonOr(reason, fallback string) string {
	if r := strings.TrimSpace(reason); r != "" {
		return r
	}
	return fallback
}

// normalizePixKey folds compatibility characters (full-width digits, ligatures)
// with NFKC. Email and random (EVP) keys are stored lower-case; phone and
// document keys keep their digits as typed.
func normalizePixKey(key string) string {
	key = norm.NFKC.String(strings.TrimSpace(key))
	if strings.Contains(key, "@") {
		return strings.ToLower(key)
	}
	if _, err := uuid.Parse(key); err == nil && len(key) == 36 {
		return strings.ToLower(key)
	}
	return key
}
