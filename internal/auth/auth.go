// Package auth extracts the participant identity of an incoming session
// connection. Issuing identities is somebody else's job; the JWT verifier
// only checks what an identity provider signed.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/park285/chess-match-server/internal/domain"
)

var ErrUnauthenticated = errors.New("unauthenticated")

const (
	ModeQuery = "query"
	ModeJWT   = "jwt"
)

const maxIDLen = 64

type Authenticator interface {
	Authenticate(r *http.Request) (domain.Participant, error)
}

// New selects the authenticator for mode.
func New(mode, secret string) (Authenticator, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeQuery:
		return Query{}, nil
	case ModeJWT:
		return NewJWT(secret)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

// Query trusts the userId, name and guest query parameters. Meant for
// deployments behind a gateway that already authenticated the caller.
type Query struct{}

func (Query) Authenticate(r *http.Request) (domain.Participant, error) {
	q := r.URL.Query()
	p := domain.Participant{
		ID:   strings.TrimSpace(q.Get("userId")),
		Name: strings.TrimSpace(q.Get("name")),
	}
	if v := strings.TrimSpace(q.Get("guest")); v != "" {
		p.Guest, _ = strconv.ParseBool(v)
	}
	return checked(p)
}

type Claims struct {
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	IsGuest bool   `json:"isGuest"`
	jwt.RegisteredClaims
}

// JWT verifies HS256 tokens. The token is read from the token path variable,
// the token query parameter, a Bearer header or the guest cookie, in that
// order.
type JWT struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWT(secret string) (*JWT, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("JWT_SECRET is required for jwt auth")
	}
	return &JWT{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}, nil
}

func (j *JWT) Authenticate(r *http.Request) (domain.Participant, error) {
	raw := tokenFrom(r)
	if raw == "" {
		return domain.Participant{}, fmt.Errorf("%w: no token", ErrUnauthenticated)
	}
	claims := &Claims{}
	tok, err := j.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	})
	if err != nil || !tok.Valid {
		return domain.Participant{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return checked(domain.Participant{
		ID:    strings.TrimSpace(claims.UserID),
		Name:  strings.TrimSpace(claims.Name),
		Guest: claims.IsGuest,
	})
}

// Issue signs a token for p. Used by the probe and by tests.
func (j *JWT) Issue(p domain.Participant, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:  p.ID,
		Name:    p.Name,
		IsGuest: p.Guest,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

func tokenFrom(r *http.Request) string {
	if v := strings.TrimSpace(mux.Vars(r)["token"]); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.URL.Query().Get("token")); v != "" {
		return v
	}
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if c, err := r.Cookie("guest"); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

func checked(p domain.Participant) (domain.Participant, error) {
	if p.Empty() {
		return p, fmt.Errorf("%w: missing user id", ErrUnauthenticated)
	}
	if len(p.ID) > maxIDLen {
		return p, fmt.Errorf("%w: user id too long", ErrUnauthenticated)
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	return p, nil
}
