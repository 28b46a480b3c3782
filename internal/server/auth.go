package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	adminRole = "admin"
	jwtLeeway = 30 * time.Second
)

// AuthConfig holds the two credentials the API accepts: user JWTs signed
// with JWTSecret, and the shared SchedulerSecret for the scheduler routes.
type AuthConfig struct {
	JWTSecret       string
	SchedulerSecret string
	Logger          *log.Logger
}

type Principal struct {
	UserID string
	Roles  []string
	Source string
}

func (p Principal) IsAdmin() bool {
	for _, r := range p.Roles {
		if r == adminRole {
			return true
		}
	}
	return false
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// userScope returns the user id requests are restricted to. Admins get an
// empty scope and may act on any user's nudges.
func userScope(ctx context.Context) (string, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.UserID == "" {
		return "", errUnauthenticated
	}
	if p.IsAdmin() {
		return "", nil
	}
	return p.UserID, nil
}

// Claims are the HS256 user token claims; the subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

var errNoSecret = errors.New("jwt secret not configured")

func parseUserToken(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errNoSecret
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(jwtLeeway))
	if err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{UserID: claims.Subject, Roles: claims.Roles, Source: "jwt"}, nil
}

// MintToken signs a user token for the given subject.
func MintToken(secret, userID string, roles []string, claims jwt.RegisteredClaims) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errNoSecret
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	claims.Subject = userID
	return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: claims, Roles: roles}).
		SignedString([]byte(secret))
}

var (
	errUnauthenticated = newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	errBadCredentials  = newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	errBadSecret       = newAPIError(http.StatusUnauthorized, "unauthorized", "unauthorized", nil)
)

type routeKind int

const (
	routeOutside routeKind = iota
	routeOpen
	routeScheduler
	routeUser
)

// authenticator guards the API base path. Health is open, scheduler routes
// take the shared secret, everything else takes a user JWT.
type authenticator struct {
	cfg      AuthConfig
	base     string
	health   string
	schedDir string
}

func newAuthenticator(basePath string, cfg AuthConfig) authenticator {
	return authenticator{
		cfg:      cfg,
		base:     basePath,
		health:   path.Join(basePath, "health"),
		schedDir: path.Join(basePath, "scheduler") + "/",
	}
}

func (a authenticator) classify(p string) routeKind {
	switch {
	case a.base != "" && !strings.HasPrefix(p, a.base):
		return routeOutside
	case p == a.health:
		return routeOpen
	case strings.HasPrefix(p, a.schedDir):
		return routeScheduler
	default:
		return routeUser
	}
}

func (a authenticator) logf(format string, args ...any) {
	if a.cfg.Logger != nil {
		a.cfg.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (a authenticator) schedulerPrincipal(req *http.Request) (Principal, huma.StatusError) {
	p := Principal{Source: "scheduler"}
	if a.cfg.SchedulerSecret == "" {
		a.logf("WARNING: scheduler secret not configured; allowing %s %s without authentication", req.Method, req.URL.Path)
		return p, nil
	}
	token, ok := bearerToken(req.Header.Get("Authorization"))
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.SchedulerSecret)) != 1 {
		return Principal{}, errBadSecret
	}
	return p, nil
}

func (a authenticator) userPrincipal(req *http.Request) (Principal, huma.StatusError) {
	authz := strings.TrimSpace(req.Header.Get("Authorization"))
	if authz == "" {
		return Principal{}, errUnauthenticated
	}
	token, ok := bearerToken(authz)
	if !ok {
		return Principal{}, errBadCredentials
	}
	p, err := parseUserToken(token, a.cfg.JWTSecret)
	if err != nil {
		return Principal{}, errBadCredentials
	}
	return p, nil
}

func (a authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var (
			p      Principal
			reject huma.StatusError
		)
		switch a.classify(req.URL.Path) {
		case routeOutside, routeOpen:
			next.ServeHTTP(w, req)
			return
		case routeScheduler:
			p, reject = a.schedulerPrincipal(req)
		default:
			p, reject = a.userPrincipal(req)
		}
		if reject != nil {
			respondStatusError(w, reject)
			return
		}
		next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
	})
}

func bearerToken(authz string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authz), " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", false
	}
	return token, true
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
