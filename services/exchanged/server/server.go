package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"

	"pixexchange/observability"
	"pixexchange/services/exchanged/conversion"
	"pixexchange/services/exchanged/events"
	"pixexchange/services/exchanged/exchange"
	"pixexchange/services/exchanged/oracle"
	"pixexchange/services/exchanged/payout"
	"pixexchange/services/exchanged/pixrail"
	"pixexchange/services/exchanged/registry"
	"pixexchange/services/exchanged/userledger"
	"pixexchange/services/exchanged/worker"
)

// Engine is the conversion surface exposed over HTTP.
type Engine interface {
	InitiatePixToStable(ctx context.Context, req exchange.PixToStableRequest) (conversion.Record, error)
	InitiateStableToPix(ctx context.Context, req exchange.StableToPixRequest) (conversion.Record, error)
	Settle(ctx context.Context, paymentID string) (conversion.Record, error)
	Cancel(ctx context.Context, paymentID, reason string) (conversion.Record, error)
	Fail(ctx context.Context, paymentID, reason string) (conversion.Record, error)
	Pause(ctx context.Context) error
	Unpause(ctx context.Context) error
	Paused() bool
	GetConversion(paymentID string) (conversion.Record, error)
	GetUserDailyVolume(user, asset string) *big.Int
	Custodian() string
	FeeCollector() string
}

// Registry is the stablecoin registry surface exposed over HTTP.
type Registry interface {
	Register(ctx context.Context, cfg registry.Config) (registry.Stablecoin, error)
	SetActive(ctx context.Context, asset string, active bool) error
	SetRate(ctx context.Context, asset string, rate *big.Int) error
	Fund(ctx context.Context, asset string, amount *big.Int) error
	Withdraw(ctx context.Context, asset string, amount *big.Int) error
	SetFeeBasisPoints(ctx context.Context, bps uint32) error
	FeeBasisPoints() uint32
	Fee(amount *big.Int) *big.Int
	QuotePixToStable(asset string, pixAmount *big.Int) (*big.Int, error)
	QuoteStableToPix(asset string, stableAmount *big.Int) (*big.Int, error)
	Stablecoin(asset string) (registry.Stablecoin, error)
	Supported() []string
	Flows(asset string) (registry.Flows, error)
}

// Users exposes per-user nonce and volume.
type Users interface {
	Account(user string) userledger.Account
}

// Conversions lists conversion records.
type Conversions interface {
	List(filter conversion.Filter) []conversion.Record
}

// Tokens is the custodied token ledger.
type Tokens interface {
	BalanceOf(asset, account string) *big.Int
	Allowance(asset, owner, spender string) *big.Int
	Approve(ctx context.Context, asset, owner, spender string, amount *big.Int) error
}

// Oracle accepts settlement attestations.
type Oracle interface {
	Report(ctx context.Context, party oracle.Party, paymentID string, amount *big.Int, bankReference string) (oracle.Report, error)
	Confirm(ctx context.Context, party oracle.Party, paymentID, bankReference string) (conversion.Record, error)
	Pending() []oracle.Report
}

// Rail creates inbound PIX charges.
type Rail interface {
	CreateCharge(ctx context.Context, txid string, amount decimal.Decimal, description string) (pixrail.Charge, error)
}

// Payouts controls the payout dispatcher.
type Payouts interface {
	Pause()
	Resume()
	Status(ctx context.Context) (payout.Status, error)
	Release(paymentID, reason string) error
}

// Events replays and streams conversion events.
type Events interface {
	Replay(ctx context.Context, after int64, paymentID string, limit int) ([]events.Event, error)
	Subscribe(buffer int, types ...events.Type) *events.Subscription
}

// Audits runs pool conservation checks.
type Audits interface {
	Check(ctx context.Context) []worker.Balance
}

// Deps are the collaborators served by the API. Rail, Payouts, Audits and
// Webhook are optional.
type Deps struct {
	Engine      Engine
	Registry    Registry
	Users       Users
	Conversions Conversions
	Tokens      Tokens
	Oracle      Oracle
	Events      Events
	Rail        Rail
	Payouts     Payouts
	Audits      Audits
	Webhook     http.Handler
}

// Config defines HTTP server parameters. MaxConnections caps concurrently
// accepted connections; zero leaves them uncapped.
type Config struct {
	ListenAddress  string
	MaxConnections int
	CORSOrigins    []string
	RateLimit      float64
	Burst          int
}

// Server hosts the exchange API.
type Server struct {
	cfg     Config
	deps    Deps
	auth    *Authenticator
	limiter *subjectLimiter
	router  http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config, auth *Authenticator, deps Deps) (*Server, error) {
	if auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if deps.Engine == nil || deps.Registry == nil || deps.Users == nil || deps.Conversions == nil || deps.Tokens == nil || deps.Oracle == nil || deps.Events == nil {
		return nil, fmt.Errorf("engine, registry, users, conversions, tokens, oracle and events are required")
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	srv := &Server{cfg: cfg, deps: deps, auth: auth, limiter: newSubjectLimiter(cfg.RateLimit, cfg.Burst)}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observeRequests)
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	if s.deps.Webhook != nil {
		r.Handle("/v1/webhooks/pix", s.deps.Webhook)
	}

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Use(s.limiter.Middleware)

		anyone := RequireRole(RoleUser, RoleViewer, RoleAdmin, RoleReporter, RoleConfirmer)
		users := RequireRole(RoleUser)
		readers := RequireRole(RoleUser, RoleViewer, RoleAdmin)
		staff := RequireRole(RoleViewer, RoleAdmin)
		admins := RequireRole(RoleAdmin)

		api.With(anyone).Get("/assets", s.handleListAssets)
		api.With(anyone).Get("/assets/{asset}", s.handleGetAsset)
		api.With(anyone).Get("/quote", s.handleQuote)
		api.With(anyone).Get("/fee", s.handleFee)

		api.With(readers).Get("/users/{user}/nonce", s.handleNonce)
		api.With(readers).Get("/users/{user}/volume", s.handleVolume)
		api.With(readers).Get("/users/{user}/balances/{asset}", s.handleBalance)
		api.With(users).Post("/allowances", s.handleApprove)

		api.With(users).Post("/conversions/pix-to-stable", s.handlePixToStable)
		api.With(users).Post("/conversions/stable-to-pix", s.handleStableToPix)
		api.With(users).Post("/charges", s.handleCreateCharge)
		api.With(readers).Get("/conversions/{id}", s.handleGetConversion)
		api.With(staff).Get("/conversions", s.handleListConversions)

		api.With(RequireRole(RoleReporter)).Post("/oracle/reports", s.handleReport)
		api.With(RequireRole(RoleConfirmer)).Post("/oracle/confirmations", s.handleConfirm)
		api.With(RequireRole(RoleConfirmer, RoleViewer, RoleAdmin)).Get("/oracle/reports", s.handlePendingReports)

		api.With(staff).Get("/events", s.handleReplay)
		api.With(staff).Get("/events/stream", s.handleStream)

		api.Route("/admin", func(adm chi.Router) {
			adm.Use(admins)
			adm.Get("/status", s.handleStatus)
			adm.Post("/pause", s.handlePause)
			adm.Post("/unpause", s.handleUnpause)
			adm.Get("/fee", s.handleGetFee)
			adm.Put("/fee", s.handleSetFee)
			adm.Post("/assets", s.handleRegisterAsset)
			adm.Post("/assets/{asset}/fund", s.handleFund)
			adm.Post("/assets/{asset}/withdraw", s.handleWithdraw)
			adm.Put("/assets/{asset}/rate", s.handleSetRate)
			adm.Put("/assets/{asset}/active", s.handleSetActive)
			adm.Get("/assets/{asset}/flows", s.handleFlows)
			adm.Post("/conversions/{id}/settle", s.handleSettle)
			adm.Post("/conversions/{id}/cancel", s.handleCancel)
			adm.Post("/conversions/{id}/fail", s.handleFail)
			adm.Post("/conversions/{id}/force-fail", s.handleForceFail)
			adm.Get("/payouts", s.handlePayoutStatus)
			adm.Post("/payouts/pause", s.handlePayoutPause)
			adm.Post("/payouts/resume", s.handlePayoutResume)
			adm.Get("/reconcile", s.handleReconcile)
		})
	})
	return otelhttp.NewHandler(r, "exchanged.http")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	ln, err := s.listen()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("exchanged/server: http server listening", "addr", ln.Addr().String(), "max_connections", s.cfg.MaxConnections)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.cfg.ListenAddress, err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	return ln, nil
}

func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTP().Observe(route, r.Method, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "paused": s.deps.Engine.Paused()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("exchanged/server: encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	message := http.StatusText(status)
	if err != nil {
		message = err.Error()
	}
	writeJSON(w, status, map[string]string{"error": message})
}

// fail maps err to its HTTP status and writes it.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("exchanged/server: request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return badRequest("invalid payload: %v", err)
	}
	return nil
}
