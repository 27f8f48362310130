package server

import (
	"errors"
	"fmt"
	"net/http"

	"pixexchange/services/exchanged/conversion"
	"pixexchange/services/exchanged/exchange"
	"pixexchange/services/exchanged/oracle"
	"pixexchange/services/exchanged/payout"
	"pixexchange/services/exchanged/pixrail"
	"pixexchange/services/exchanged/registry"
	"pixexchange/services/exchanged/tokens"
	"pixexchange/services/exchanged/userledger"
)

var (
	errBadRequest = errors.New("bad request")
	errForbidden  = errors.New("forbidden")
	errNoRail     = errors.New("pix rail not configured")
)

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// statusFor maps domain errors to HTTP statuses. Invalid state is checked
// before unknown conversion because reports on settled records carry both.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errForbidden), errors.Is(err, oracle.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, exchange.ErrPaused), errors.Is(err, payout.ErrDispatcherPaused), errors.Is(err, errNoRail):
		return http.StatusServiceUnavailable
	case errors.Is(err, conversion.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, conversion.ErrDuplicateConversion):
		return http.StatusConflict
	case errors.Is(err, conversion.ErrUnknownConversion):
		return http.StatusNotFound
	case errors.Is(err, conversion.ErrInvalidPaymentID):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrUnknownAsset):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAssetUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, exchange.ErrAmountOutOfRange), errors.Is(err, exchange.ErrAmountPrecision):
		return http.StatusUnprocessableEntity
	case errors.Is(err, registry.ErrInsufficientLiquidity), errors.Is(err, registry.ErrInsufficientPool):
		return http.StatusConflict
	case errors.Is(err, userledger.ErrDailyLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, tokens.ErrInsufficientBalance), errors.Is(err, tokens.ErrInsufficientAllowance):
		return http.StatusPaymentRequired
	case errors.Is(err, oracle.ErrAmountMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, oracle.ErrNotReported), errors.Is(err, oracle.ErrReferenceMismatch):
		return http.StatusConflict
	case errors.Is(err, exchange.ErrPayoutInFlight):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalidConfig), errors.Is(err, registry.ErrInvalidFee),
		errors.Is(err, registry.ErrInvalidAmount), errors.Is(err, tokens.ErrInvalidAmount),
		errors.Is(err, tokens.ErrInvalidAccount), errors.Is(err, userledger.ErrInvalidAmount),
		errors.Is(err, userledger.ErrInvalidUser), errors.Is(err, userledger.ErrInvalidAsset), errors.Is(err, exchange.ErrInvalidUser),
		errors.Is(err, exchange.ErrPixKeyRequired), errors.Is(err, oracle.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, pixrail.ErrRejected), errors.Is(err, pixrail.ErrUnavailable), errors.Is(err, pixrail.ErrNotFound),
		errors.Is(err, pixrail.ErrMalformed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
