package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

// Role is an API authorisation level.
type Role string

const (
	RoleUser      Role = "user"
	RoleReporter  Role = "reporter"
	RoleConfirmer Role = "confirmer"
	RoleAdmin     Role = "admin"
	RoleViewer    Role = "viewer"
)

var allowedRoles = map[Role]struct{}{
	RoleUser:      {},
	RoleReporter:  {},
	RoleConfirmer: {},
	RoleAdmin:     {},
	RoleViewer:    {},
}

// StaticToken binds a long-lived bearer token to a subject.
type StaticToken struct {
	Token   string
	Subject string
	Roles   []Role
}

// AuthConfig configures bearer authentication.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Tokens    []StaticToken
	Leeway    time.Duration
}

// Principal describes an authenticated caller.
type Principal struct {
	Subject string
	Roles   []Role
	Method  string
}

// Has reports whether the principal holds any of roles.
func (p *Principal) Has(roles ...Role) bool {
	if p == nil {
		return false
	}
	for _, held := range p.Roles {
		for _, want := range roles {
			if held == want {
				return true
			}
		}
	}
	return false
}

type principalContextKey struct{}

// PrincipalFromContext extracts the authenticated principal from the request context.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || principal == nil {
		return nil, false
	}
	return principal, true
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

type tokenClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer credentials before requests reach handlers.
type Authenticator struct {
	secret []byte
	issuer string
	leeway time.Duration
	tokens []StaticToken
}

// NewAuthenticator constructs an authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.JWTSecret)
	tokens := make([]StaticToken, 0, len(cfg.Tokens))
	for _, tok := range cfg.Tokens {
		token := strings.TrimSpace(tok.Token)
		subject := strings.TrimSpace(tok.Subject)
		if token == "" || subject == "" {
			return nil, fmt.Errorf("static token requires token and subject")
		}
		roles, err := normaliseRoles(tok.Roles)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, StaticToken{Token: token, Subject: subject, Roles: roles})
	}
	if secret == "" && len(tokens) == 0 {
		return nil, fmt.Errorf("at least one authentication mechanism must be configured")
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	return &Authenticator{secret: []byte(secret), issuer: strings.TrimSpace(cfg.Issuer), leeway: leeway, tokens: tokens}, nil
}

// Middleware enforces authentication.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, http.StatusInternalServerError, errors.New("authentication unavailable"))
			return
		}
		token := parseBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
			return
		}
		principal, err := a.Authenticate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// Authenticate resolves a bearer token to a principal.
func (a *Authenticator) Authenticate(token string) (*Principal, error) {
	provided := []byte(token)
	for _, tok := range a.tokens {
		if subtle.ConstantTimeCompare(provided, []byte(tok.Token)) == 1 {
			return &Principal{Subject: tok.Subject, Roles: tok.Roles, Method: "static"}, nil
		}
	}
	if len(a.secret) == 0 {
		return nil, errors.New("invalid authorization token")
	}
	return a.verifyJWT(token)
}

func (a *Authenticator) verifyJWT(raw string) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &tokenClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return nil, errors.New("invalid authorization token")
	}
	roles := make([]Role, 0, len(claims.Roles))
	for _, role := range claims.Roles {
		roles = append(roles, Role(strings.ToLower(strings.TrimSpace(role))))
	}
	if len(roles) == 0 {
		roles = []Role{RoleUser}
	}
	roles, err := normaliseRoles(roles)
	if err != nil {
		return nil, err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return nil, errors.New("token subject required")
	}
	for _, role := range roles {
		if role != RoleUser {
			continue
		}
		if !common.IsHexAddress(subject) {
			return nil, errors.New("user subject must be an address")
		}
		subject = strings.ToLower(common.HexToAddress(subject).Hex())
	}
	return &Principal{Subject: subject, Roles: roles, Method: "jwt"}, nil
}

// IssueToken signs an HS256 token. It is used by operators and tests to mint
// short-lived credentials.
func IssueToken(secret, issuer, subject string, roles []Role, ttl time.Duration) (string, error) {
	now := time.Now()
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, string(role))
	}
	claims := tokenClaims{
		Roles: names,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// RequireRole ensures the caller holds at least one of roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, errors.New("missing identity"))
				return
			}
			if !principal.Has(roles...) {
				writeError(w, http.StatusForbidden, errors.New("insufficient role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func normaliseRoles(in []Role) ([]Role, error) {
	out := make([]Role, 0, len(in))
	for _, role := range in {
		role = Role(strings.ToLower(strings.TrimSpace(string(role))))
		if _, ok := allowedRoles[role]; !ok {
			return nil, fmt.Errorf("unknown role %q", role)
		}
		out = append(out, role)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one role required")
	}
	return out, nil
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
