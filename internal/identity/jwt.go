package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleCustomer = "customer"
	RoleStaff    = "staff"
)

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type User struct {
	ID   string
	Role string
}

type ctxKey struct{}

// WithUser returns a context carrying u.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

func FromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(ctxKey{}).(User)
	return u, ok && u.ID != ""
}

// Provider implements orders.Identity from the request context.
type Provider struct{}

var _ orders.Identity = Provider{}

func (Provider) CurrentUser(ctx context.Context) (string, bool) {
	u, ok := FromContext(ctx)
	return u.ID, ok
}

// Issuer signs and verifies HS256 bearer tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

func (i *Issuer) Sign(userID, role string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	})
	return token.SignedString(i.secret)
}

func (i *Issuer) Parse(raw string) (User, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return User{}, err
	}
	if c.Subject == "" {
		return User{}, errors.New("token has no subject")
	}
	role := c.Role
	if role == "" {
		role = RoleCustomer
	}
	return User{ID: c.Subject, Role: role}, nil
}

// Middleware rejects requests without a valid bearer token.
func (i *Issuer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			// EventSource cannot set headers
			raw = r.URL.Query().Get("access_token")
		}
		if raw == "" {
			deny(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		u, err := i.Parse(raw)
		if err != nil {
			deny(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
	})
}

// RequireRole only lets users with role through. Use after Middleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, ok := FromContext(r.Context())
			if !ok {
				deny(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if u.Role != role {
				deny(w, http.StatusForbidden, role+" access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func deny(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"kind": string(orders.KindUnauthenticated), "message": msg},
	})
}
