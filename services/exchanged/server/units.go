package server

import (
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pixexchange/observability/logging"
	"pixexchange/services/exchanged/conversion"
	"pixexchange/services/exchanged/registry"
)

const rateDecimals = 18

// parseAmount converts a whole-unit decimal string into base units at
// decimals. Precision finer than one base unit is rejected.
func parseAmount(raw string, decimals uint8) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, badRequest("amount required")
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, badRequest("invalid amount %q", raw)
	}
	if !value.IsPositive() {
		return nil, badRequest("amount must be positive")
	}
	shifted := value.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, badRequest("amount precision exceeds %d decimals", decimals)
	}
	return shifted.BigInt(), nil
}

func formatAmount(units *big.Int, decimals uint8) string {
	if units == nil {
		return "0"
	}
	return decimal.NewFromBigInt(units, -int32(decimals)).String()
}

func unitsString(units *big.Int) string {
	if units == nil {
		return "0"
	}
	return units.String()
}

type assetView struct {
	Asset       string    `json:"asset"`
	Token       string    `json:"token,omitempty"`
	Decimals    uint8     `json:"decimals"`
	Active      bool      `json:"active"`
	MinAmount   string    `json:"minAmount"`
	MaxAmount   string    `json:"maxAmount"`
	DailyLimit  string    `json:"dailyLimit"`
	PoolBalance string    `json:"poolBalance"`
	Rate        string    `json:"exchangeRate"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func viewAsset(coin registry.Stablecoin) assetView {
	return assetView{
		Asset:       coin.Asset,
		Token:       coin.Token,
		Decimals:    coin.Decimals,
		Active:      coin.Active,
		MinAmount:   formatAmount(coin.MinAmount, coin.Decimals),
		MaxAmount:   formatAmount(coin.MaxAmount, coin.Decimals),
		DailyLimit:  formatAmount(coin.DailyLimit, coin.Decimals),
		PoolBalance: formatAmount(coin.PoolBalance, coin.Decimals),
		Rate:        formatAmount(coin.Rate, rateDecimals),
		UpdatedAt:   coin.UpdatedAt,
	}
}

type conversionView struct {
	PaymentID             string    `json:"paymentId"`
	User                  string    `json:"user"`
	Direction             string    `json:"direction"`
	Asset                 string    `json:"stablecoin"`
	Status                string    `json:"status"`
	PixAmount             string    `json:"pixAmount"`
	StablecoinAmount      string    `json:"stablecoinAmount"`
	Fee                   string    `json:"fee"`
	PixAmountUnits        string    `json:"pixAmountUnits"`
	StablecoinAmountUnits string    `json:"stablecoinAmountUnits"`
	FeeUnits              string    `json:"feeUnits"`
	PixKey                string    `json:"pixKey,omitempty"`
	Nonce                 uint64    `json:"nonce"`
	BankReference         string    `json:"bankTransactionId,omitempty"`
	FailureReason         string    `json:"failureReason,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

func (s *Server) viewConversion(rec conversion.Record) conversionView {
	var decimals uint8
	if coin, err := s.deps.Registry.Stablecoin(rec.Asset); err == nil {
		decimals = coin.Decimals
	}
	return conversionView{
		PaymentID:             rec.PaymentID,
		User:                  rec.User,
		Direction:             string(rec.Direction),
		Asset:                 rec.Asset,
		Status:                string(rec.Status),
		PixAmount:             formatAmount(rec.PixAmount, decimals),
		StablecoinAmount:      formatAmount(rec.StablecoinAmount, decimals),
		Fee:                   formatAmount(rec.Fee, decimals),
		PixAmountUnits:        unitsString(rec.PixAmount),
		StablecoinAmountUnits: unitsString(rec.StablecoinAmount),
		FeeUnits:              unitsString(rec.Fee),
		PixKey:                logging.MaskPixKey(rec.PixKey),
		Nonce:                 rec.Nonce,
		BankReference:         rec.BankReference,
		FailureReason:         rec.FailureReason,
		CreatedAt:             rec.CreatedAt,
		UpdatedAt:             rec.UpdatedAt,
	}
}
