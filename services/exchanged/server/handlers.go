package server

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"pixexchange/services/exchanged/conversion"
	"pixexchange/services/exchanged/exchange"
	"pixexchange/services/exchanged/oracle"
	"pixexchange/services/exchanged/pixrail"
	"pixexchange/services/exchanged/registry"
)

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	out := make([]assetView, 0)
	for _, asset := range s.deps.Registry.Supported() {
		coin, err := s.deps.Registry.Stablecoin(asset)
		if err != nil {
			continue
		}
		out = append(out, viewAsset(coin))
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": out})
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	coin, err := s.deps.Registry.Stablecoin(chi.URLParam(r, "asset"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAsset(coin))
}

// handleQuote prices a conversion without reserving anything.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	coin, err := s.deps.Registry.Stablecoin(q.Get("asset"))
	if err != nil {
		fail(w, r, err)
		return
	}
	amount, err := parseAmount(q.Get("amount"), coin.Decimals)
	if err != nil {
		fail(w, r, err)
		return
	}
	resp := map[string]any{"asset": coin.Asset, "feeBps": s.deps.Registry.FeeBasisPoints()}
	switch conversion.Direction(strings.TrimSpace(q.Get("direction"))) {
	case conversion.DirectionPixToStable, "":
		stable, err := s.deps.Registry.QuotePixToStable(coin.Asset, amount)
		if err != nil {
			fail(w, r, err)
			return
		}
		fee := s.deps.Registry.Fee(stable)
		resp["direction"] = conversion.DirectionPixToStable
		resp["pixAmount"] = formatAmount(amount, coin.Decimals)
		resp["stablecoinAmount"] = formatAmount(stable, coin.Decimals)
		resp["fee"] = formatAmount(fee, coin.Decimals)
		resp["netAmount"] = formatAmount(new(big.Int).Sub(stable, fee), coin.Decimals)
	case conversion.DirectionStableToPix:
		fee := s.deps.Registry.Fee(amount)
		pix, err := s.deps.Registry.QuoteStableToPix(coin.Asset, new(big.Int).Sub(amount, fee))
		if err != nil {
			fail(w, r, err)
			return
		}
		resp["direction"] = conversion.DirectionStableToPix
		resp["stablecoinAmount"] = formatAmount(amount, coin.Decimals)
		resp["fee"] = formatAmount(fee, coin.Decimals)
		resp["pixAmount"] = formatAmount(pix, coin.Decimals)
	default:
		fail(w, r, badRequest("unknown direction %q", q.Get("direction")))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFee(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	coin, err := s.deps.Registry.Stablecoin(q.Get("asset"))
	if err != nil {
		fail(w, r, err)
		return
	}
	amount, err := parseAmount(q.Get("amount"), coin.Decimals)
	if err != nil {
		fail(w, r, err)
		return
	}
	fee := s.deps.Registry.Fee(amount)
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":    coin.Asset,
		"amount":   formatAmount(amount, coin.Decimals),
		"fee":      formatAmount(fee, coin.Decimals),
		"feeUnits": fee.String(),
		"feeBps":   s.deps.Registry.FeeBasisPoints(),
	})
}

// pathUser resolves the {user} parameter, allowing users to read only their
// own account.
func (s *Server) pathUser(r *http.Request) (string, error) {
	user := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "user")))
	principal, _ := PrincipalFromContext(r.Context())
	if principal.Has(RoleViewer, RoleAdmin) {
		return user, nil
	}
	if !strings.EqualFold(principal.Subject, user) {
		return "", fmt.Errorf("%w: cannot read another user's account", errForbidden)
	}
	return user, nil
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	user, err := s.pathUser(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	acct := s.deps.Users.Account(user)
	writeJSON(w, http.StatusOK, map[string]any{"user": acct.User, "nonce": acct.Nonce})
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	user, err := s.pathUser(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	acct := s.deps.Users.Account(user)
	if asset := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("asset"))); asset != "" {
		resp := map[string]any{
			"user":        acct.User,
			"asset":       asset,
			"dailyVolume": unitsString(s.deps.Engine.GetUserDailyVolume(user, asset)),
		}
		for _, vol := range acct.Volumes {
			if vol.Asset == asset {
				resp["windowStart"] = vol.WindowStart
			}
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	volumes := make([]map[string]any, 0, len(acct.Volumes))
	for _, vol := range acct.Volumes {
		volumes = append(volumes, map[string]any{
			"asset":       vol.Asset,
			"dailyVolume": unitsString(vol.DailyVolume),
			"windowStart": vol.WindowStart,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": acct.User, "volumes": volumes})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	user, err := s.pathUser(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	coin, err := s.deps.Registry.Stablecoin(chi.URLParam(r, "asset"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":      user,
		"asset":     coin.Asset,
		"balance":   formatAmount(s.deps.Tokens.BalanceOf(coin.Asset, user), coin.Decimals),
		"allowance": formatAmount(s.deps.Tokens.Allowance(coin.Asset, user, s.deps.Engine.Custodian()), coin.Decimals),
		"spender":   s.deps.Engine.Custodian(),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	coin, err := s.deps.Registry.Stablecoin(req.Asset)
	if err != nil {
		fail(w, r, err)
		return
	}
	amount := big.NewInt(0)
	if strings.TrimSpace(req.Amount) != "0" {
		if amount, err = parseAmount(req.Amount, coin.Decimals); err != nil {
			fail(w, r, err)
			return
		}
	}
	if err := s.deps.Tokens.Approve(r.Context(), coin.Asset, principal.Subject, s.deps.Engine.Custodian(), amount); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": coin.Asset, "spender": s.deps.Engine.Custodian(), "allowance": formatAmount(amount, coin.Decimals)})
}

func (s *Server) handlePixToStable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentID string `json:"paymentId"`
		Asset     string `json:"asset"`
		PixAmount string `json:"pixAmount"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	coin, err := s.lookupAsset(req.Asset)
	if err != nil {
		fail(w, r, err)
		return
	}
	amount, err := parseAmount(req.PixAmount, coin.Decimals)
	if err != nil {
		fail(w, r, err)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	rec, err := s.deps.Engine.InitiatePixToStable(r.Context(), exchange.PixToStableRequest{
		PaymentID: req.PaymentID,
		User:      principal.Subject,
		Asset:     coin.Asset,
		PixAmount: amount,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.viewConversion(rec))
}

func (s *Server) handleStableToPix(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentID        string `json:"paymentId"`
		Asset            string `json:"asset"`
		StablecoinAmount string `json:"stablecoinAmount"`
		PixKey           string `json:"pixKey"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	coin, err := s.lookupAsset(req.Asset)
	if err != nil {
		fail(w, r, err)
		return
	}
	amount, err := parseAmount(req.StablecoinAmount, coin.Decimals)
	if err != nil {
		fail(w, r, err)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	rec, err := s.deps.Engine.InitiateStableToPix(r.Context(), exchange.StableToPixRequest{
		PaymentID:        req.PaymentID,
		User:             principal.Subject,
		Asset:            coin.Asset,
		StablecoinAmount: amount,
		PixKey:           req.PixKey,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.viewConversion(rec))
}

// handleCreateCharge initiates a PixToStable conversion keyed by a fresh txid
// and opens the matching charge at the rail. A charge the rail refuses
// cancels the conversion.
func (s *Server) handleCreateCharge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rail == nil {
		fail(w, r, errNoRail)
		return
	}
	var req struct {
		Asset       string `json:"asset"`
		Amount      string `json:"amount"`
		Description string `json:"description"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	coin, err := s.lookupAsset(req.Asset)
	if err != nil {
		fail(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount, coin.Decimals)
	if err != nil {
		fail(w, r, err)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	txid := pixrail.NewTxID()
	rec, err := s.deps.Engine.InitiatePixToStable(r.Context(), exchange.PixToStableRequest{
		PaymentID: txid,
		User:      principal.Subject,
		Asset:     coin.Asset,
		PixAmount: amount,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	charge, err := s.deps.Rail.CreateCharge(r.Context(), txid, pixrail.ToBRL(amount, coin.Decimals), req.Description)
	if err != nil {
		if _, cancelErr := s.deps.Engine.Cancel(r.Context(), txid, "charge creation failed"); cancelErr != nil {
			fail(w, r, fmt.Errorf("create charge: %w (cancel: %v)", err, cancelErr))
			return
		}
		fail(w, r, fmt.Errorf("create charge: %w", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"conversion":    s.viewConversion(rec),
		"txid":          charge.TxID,
		"pixCopiaECola": charge.PixCopiaECola,
		"location":      charge.Location,
		"expiresIn":     int64(charge.Expiration.Seconds()),
	})
}

func (s *Server) handleGetConversion(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Engine.GetConversion(chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	if !principal.Has(RoleViewer, RoleAdmin) && !strings.EqualFold(principal.Subject, rec.User) {
		fail(w, r, conversion.ErrUnknownConversion)
		return
	}
	writeJSON(w, http.StatusOK, s.viewConversion(rec))
}

func (s *Server) handleListConversions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := conversion.Filter{
		Status:    conversion.Status(q.Get("status")),
		Direction: conversion.Direction(q.Get("direction")),
		User:      q.Get("user"),
		Asset:     q.Get("asset"),
	}
	records := s.deps.Conversions.List(filter)
	limit := len(records)
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(w, r, badRequest("invalid limit"))
			return
		}
		if n < limit {
			limit = n
		}
	}
	out := make([]conversionView, 0, limit)
	for _, rec := range records[:limit] {
		out = append(out, s.viewConversion(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversions": out})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentID     string `json:"paymentId"`
		Amount        string `json:"pixAmount"`
		BankReference string `json:"bankTransactionId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	rec, err := s.deps.Engine.GetConversion(req.PaymentID)
	if err != nil {
		fail(w, r, err)
		return
	}
	coin, err := s.deps.Registry.Stablecoin(rec.Asset)
	if err != nil {
		fail(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount, coin.Decimals)
	if err != nil {
		fail(w, r, err)
		return
	}
	report, err := s.deps.Oracle.Report(r.Context(), partyFrom(r), req.PaymentID, amount, req.BankReference)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"paymentId":         report.PaymentID,
		"reporter":          report.Reporter,
		"pixAmount":         formatAmount(report.Amount, coin.Decimals),
		"bankTransactionId": report.BankReference,
		"reportedAt":        report.ReportedAt,
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentID     string `json:"paymentId"`
		BankReference string `json:"bankTransactionId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	rec, err := s.deps.Oracle.Confirm(r.Context(), partyFrom(r), req.PaymentID, req.BankReference)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewConversion(rec))
}

func (s *Server) handlePendingReports(w http.ResponseWriter, r *http.Request) {
	pending := s.deps.Oracle.Pending()
	out := make([]map[string]any, 0, len(pending))
	for _, report := range pending {
		out = append(out, map[string]any{
			"paymentId":         report.PaymentID,
			"reporter":          report.Reporter,
			"pixAmountUnits":    unitsString(report.Amount),
			"bankTransactionId": report.BankReference,
			"reportedAt":        report.ReportedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": out})
}

func (s *Server) lookupAsset(asset string) (registry.Stablecoin, error) {
	if strings.TrimSpace(asset) == "" {
		return registry.Stablecoin{}, badRequest("asset required")
	}
	coin, err := s.deps.Registry.Stablecoin(asset)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownAsset) {
			return registry.Stablecoin{}, registry.ErrAssetUnavailable
		}
		return registry.Stablecoin{}, err
	}
	return coin, nil
}

// partyFrom maps the caller's API roles onto oracle roles.
func partyFrom(r *http.Request) oracle.Party {
	principal, _ := PrincipalFromContext(r.Context())
	party := oracle.Party{ID: principal.Subject}
	if principal.Has(RoleReporter) {
		party.Roles = append(party.Roles, oracle.RoleReporter)
	}
	if principal.Has(RoleConfirmer) {
		party.Roles = append(party.Roles, oracle.RoleConfirmer)
	}
	return party
}
