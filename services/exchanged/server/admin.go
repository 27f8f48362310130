package server

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"pixexchange/observability/logging"
	"pixexchange/services/exchanged/conversion"
	"pixexchange/services/exchanged/registry"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"paused":       s.deps.Engine.Paused(),
		"feeBps":       s.deps.Registry.FeeBasisPoints(),
		"feeCollector": s.deps.Engine.FeeCollector(),
		"custodian":    s.deps.Engine.Custodian(),
		"assets":       s.deps.Registry.Supported(),
		"pending":      len(s.deps.Oracle.Pending()),
	}
	if s.deps.Payouts != nil {
		if status, err := s.deps.Payouts.Status(r.Context()); err == nil {
			resp["payouts"] = status
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Pause(r.Context()); err != nil {
		fail(w, r, err)
		return
	}
	s.audit(r, "pause")
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Unpause(r.Context()); err != nil {
		fail(w, r, err)
		return
	}
	s.audit(r, "unpause")
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (s *Server) handleGetFee(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"feeBps": s.deps.Registry.FeeBasisPoints(), "maxFeeBps": registry.MaxFeeBasisPoints})
}

func (s *Server) handleSetFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BasisPoints *uint32 `json:"feeBps"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if req.BasisPoints == nil {
		fail(w, r, badRequest("feeBps required"))
		return
	}
	if err := s.deps.Registry.SetFeeBasisPoints(r.Context(), *req.BasisPoints); err != nil {
		fail(w, r, err)
		return
	}
	s.audit(r, "set_fee", "bps", *req.BasisPoints)
	writeJSON(w, http.StatusOK, map[string]any{"feeBps": s.deps.Registry.FeeBasisPoints()})
}

func (s *Server) handleRegisterAsset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset      string `json:"asset"`
		Token      string `json:"token"`
		Decimals   uint8  `json:"decimals"`
		MinAmount  string `json:"minAmount"`
		MaxAmount  string `json:"maxAmount"`
		DailyLimit string `json:"dailyLimit"`
		Rate       string `json:"exchangeRate"`
		Active     *bool  `json:"active"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if req.Decimals > registry.MaxDecimals {
		fail(w, r, badRequest("decimals must be at most %d", registry.MaxDecimals))
		return
	}
	cfg := registry.Config{Asset: req.Asset, Token: req.Token, Decimals: req.Decimals}
	var err error
	if cfg.MinAmount, err = parseAmount(req.MinAmount, req.Decimals); err != nil {
		fail(w, r, err)
		return
	}
	if cfg.MaxAmount, err = parseAmount(req.MaxAmount, req.Decimals); err != nil {
		fail(w, r, err)
		return
	}
	if cfg.DailyLimit, err = parseAmount(req.DailyLimit, req.Decimals); err != nil {
		fail(w, r, err)
		return
	}
	if cfg.Rate, err = parseAmount(req.Rate, rateDecimals); err != nil {
		fail(w, r, err)
		return
	}
	coin, err := s.deps.Registry.Register(r.Context(), cfg)
	if err != nil {
		fail(w, r, err)
		return
	}
	if req.Active != nil && *req.Active != coin.Active {
		if err := s.deps.Registry.SetActive(r.Context(), coin.Asset, *req.Active); err != nil {
			fail(w, r, err)
			return
		}
		if coin, err = s.deps.Registry.Stablecoin(coin.Asset); err != nil {
			fail(w, r, err)
			return
		}
	}
	s.audit(r, "register_asset", "asset", coin.Asset)
	writeJSON(w, http.StatusOK, viewAsset(coin))
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	s.adjustPool(w, r, "fund", s.deps.Registry.Fund)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.adjustPool(w, r, "withdraw", s.deps.Registry.Withdraw)
}

func (s *Server) adjustPool(w http.ResponseWriter, r *http.Request, action string, apply func(ctx context.Context, asset string, amount *big.Int) error) {
	var req struct {
		Amount string `json:"amount"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	coin, err := s.deps.Registry.Stablecoin(chi.URLParam(r, "asset"))
	if err != nil {
		fail(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount, coin.Decimals)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := apply(r.Context(), coin.Asset, amount); err != nil {
		fail(w, r, err)
		return
	}
	s.audit(r, action, "asset", coin.Asset, "amount", amount.String())
	if coin, err = s.deps.Registry.Stablecoin(coin.Asset); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAsset(coin))
}

func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rate string `json:"exchangeRate"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	rate, err := parseAmount(req.Rate, rateDecimals)
	if err != nil {
		fail(w, r, err)
		return
	}
	asset := chi.URLParam(r, "asset")
	if err := s.deps.Registry.SetRate(r.Context(), asset, rate); err != nil {
		fail(w, r, err)
		return
	}
	s.audit(r, "set_rate", "asset", asset, "rate", req.Rate)
	s.writeAsset(w, r, asset)
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if req.Active == nil {
		fail(w, r, badRequest("active required"))
		return
	}
	asset := chi.URLParam(r, "asset")
	if err := s.deps.Registry.SetActive(r.Context(), asset, *req.Active); err != nil {
		fail(w, r, err)
		return
	}
	s.audit(r, "set_active", "asset", asset, "active", *req.Active)
	s.writeAsset(w, r, asset)
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	coin, err := s.deps.Registry.Stablecoin(chi.URLParam(r, "asset"))
	if err != nil {
		fail(w, r, err)
		return
	}
	flows, err := s.deps.Registry.Flows(coin.Asset)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":       coin.Asset,
		"funded":      formatAmount(flows.Funded, coin.Decimals),
		"withdrawn":   formatAmount(flows.Withdrawn, coin.Decimals),
		"credited":    formatAmount(flows.Credited, coin.Decimals),
		"debited":     formatAmount(flows.Debited, coin.Decimals),
		"expected":    formatAmount(flows.Expected(), coin.Decimals),
		"poolBalance": formatAmount(coin.PoolBalance, coin.Decimals),
	})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Engine.Settle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	s.audit(r, "settle", "payment_id", rec.PaymentID)
	writeJSON(w, http.StatusOK, s.viewConversion(rec))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	reason := s.reason(w, r)
	if reason == nil {
		return
	}
	rec, err := s.deps.Engine.Cancel(r.Context(), chi.URLParam(r, "id"), *reason)
	if err != nil {
		fail(w, r, err)
		return
	}
	s.audit(r, "cancel", "payment_id", rec.PaymentID)
	writeJSON(w, http.StatusOK, s.viewConversion(rec))
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	reason := s.reason(w, r)
	if reason == nil {
		return
	}
	rec, err := s.deps.Engine.Fail(r.Context(), chi.URLParam(r, "id"), *reason)
	if err != nil {
		fail(w, r, err)
		return
	}
	s.audit(r, "fail", "payment_id", rec.PaymentID)
	writeJSON(w, http.StatusOK, s.viewConversion(rec))
}

// handleForceFail releases the payout hold on a conversion and fails it. It is
// the operator's path for payouts the rail never resolves.
func (s *Server) handleForceFail(w http.ResponseWriter, r *http.Request) {
	reason := s.reason(w, r)
	if reason == nil {
		return
	}
	if *reason == "" {
		fail(w, r, badRequest("reason required"))
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	current, err := s.deps.Engine.GetConversion(id)
	if err != nil {
		fail(w, r, err)
		return
	}
	if s.deps.Payouts != nil && current.Direction == conversion.DirectionStableToPix && !current.Status.Terminal() {
		if err := s.deps.Payouts.Release(id, "forced: "+*reason); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		s.audit(r, "payout_release", "payment_id", id, "reason", *reason)
	}
	rec, err := s.deps.Engine.Fail(r.Context(), id, *reason)
	if err != nil {
		fail(w, r, err)
		return
	}
	s.audit(r, "force_fail", "payment_id", rec.PaymentID, "reason", *reason)
	writeJSON(w, http.StatusOK, s.viewConversion(rec))
}

func (s *Server) reason(w http.ResponseWriter, r *http.Request) *string {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			fail(w, r, err)
			return nil
		}
	}
	reason := strings.TrimSpace(req.Reason)
	return &reason
}

func (s *Server) handlePayoutStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Payouts == nil {
		fail(w, r, errNoRail)
		return
	}
	status, err := s.deps.Payouts.Status(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePayoutPause(w http.ResponseWriter, r *http.Request) {
	if s.deps.Payouts == nil {
		fail(w, r, errNoRail)
		return
	}
	s.deps.Payouts.Pause()
	s.audit(r, "payout_pause")
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handlePayoutResume(w http.ResponseWriter, r *http.Request) {
	if s.deps.Payouts == nil {
		fail(w, r, errNoRail)
		return
	}
	s.deps.Payouts.Resume()
	s.audit(r, "payout_resume")
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audits == nil {
		writeError(w, http.StatusServiceUnavailable, nil)
		return
	}
	results := s.deps.Audits.Check(r.Context())
	out := make([]map[string]any, 0, len(results))
	healthy := true
	for _, res := range results {
		healthy = healthy && res.OK
		out = append(out, map[string]any{
			"asset":    res.Asset,
			"pool":     unitsString(res.Pool),
			"expected": unitsString(res.Expected),
			"ok":       res.OK,
			"at":       res.At,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"healthy": healthy, "assets": out})
}

func (s *Server) writeAsset(w http.ResponseWriter, r *http.Request, asset string) {
	coin, err := s.deps.Registry.Stablecoin(asset)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAsset(coin))
}

func (s *Server) audit(r *http.Request, action string, attrs ...any) {
	principal, _ := PrincipalFromContext(r.Context())
	subject := ""
	if principal != nil {
		subject = principal.Subject
	}
	slog.Info("exchanged/server: admin action", append([]any{"action", action, logging.MaskField("subject", subject)}, attrs...)...)
}
