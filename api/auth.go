package api

import (
	"errors"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const (
	defaultKeyCacheTTL = 15 * time.Minute
	clockLeeway        = time.Minute
)

// AuthConfig describes how bearer tokens are verified. A non-empty
// SharedSecret switches verification to HS256 for local development.
type AuthConfig struct {
	JWKS         *keyfunc.JWKS
	Audience     string
	Issuers      []string
	SharedSecret []byte
	KeyCacheTTL  time.Duration
}

// Auth validates incoming JWT tokens.
type Auth struct {
	cfg      AuthConfig
	parser   *jwt.Parser
	keyCache sync.Map
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance.
func NewAuth(cfg AuthConfig) *Auth {
	if cfg.KeyCacheTTL == 0 {
		cfg.KeyCacheTTL = defaultKeyCacheTTL
	}
	a := &Auth{cfg: cfg}
	// Time based claims are checked below with a one minute leeway.
	if a.localMode() {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation())
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation())
	}
	return a
}

func (a *Auth) localMode() bool { return len(a.cfg.SharedSecret) > 0 }

// UserIDFromAuthHeader extracts the user identifier from the Authorization header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerTokenFromString(h)
	if err != nil {
		return "", err
	}
	return a.UserIDFromBearer(token)
}

// UserIDFromBearer verifies a raw bearer token and returns its subject.
func (a *Auth) UserIDFromBearer(token string) (string, error) {
	if token == "" {
		return "", errBadAuthorization
	}

	parsedToken, err := a.parser.Parse(token, a.keyFor)
	if err != nil {
		return "", err
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	now := time.Now()
	if !claims.VerifyExpiresAt(now.Add(-clockLeeway).Unix(), true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now.Add(clockLeeway).Unix(), false) {
		return "", errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now.Add(clockLeeway).Unix(), false) {
		return "", errors.New("token used before issued")
	}
	if a.cfg.Audience != "" && !claims.VerifyAudience(a.cfg.Audience, true) {
		return "", errors.New("invalid audience")
	}
	if !a.issuerAllowed(claims) {
		return "", errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) issuerAllowed(claims jwt.MapClaims) bool {
	if len(a.cfg.Issuers) == 0 {
		return true
	}
	for _, iss := range a.cfg.Issuers {
		if claims.VerifyIssuer(iss, true) {
			return true
		}
	}
	return false
}

func (a *Auth) keyFor(token *jwt.Token) (any, error) {
	if a.localMode() {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.cfg.SharedSecret, nil
	}
	if a.cfg.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.cfg.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.cfg.KeyCacheTTL)})
	}
	return key, nil
}
