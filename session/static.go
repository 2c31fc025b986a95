package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v4"

	"github.com/yoga-python/coding-projects-todo/domain"
)

var errNoToken = errors.New("no token configured")

// StaticProvider serves a bearer issued out of band, for example through
// TODO_TOKEN. The identity is read from the token claims without verifying
// the signature; the API verifies it on every request.
type StaticProvider struct {
	token string

	mu        sync.Mutex
	signedOut bool
}

func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: strings.TrimSpace(token)}
}

func (p *StaticProvider) Restore(context.Context) (*domain.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == "" || p.signedOut {
		return nil, nil
	}
	ident, err := identityFromToken(p.token)
	if err != nil {
		return nil, err
	}
	return &ident, nil
}

func (p *StaticProvider) SignIn(context.Context) (domain.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == "" {
		return domain.Identity{}, &domain.AuthError{Op: "sign-in", Err: errNoToken}
	}
	ident, err := identityFromToken(p.token)
	if err != nil {
		return domain.Identity{}, &domain.AuthError{Op: "sign-in", Err: err}
	}
	p.signedOut = false
	return ident, nil
}

func (p *StaticProvider) SignOut(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signedOut = true
	return nil
}

func (p *StaticProvider) Token(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == "" || p.signedOut {
		return "", errNoToken
	}
	return p.token, nil
}

// identityFromToken decodes sub, name and picture from an unverified JWT.
func identityFromToken(token string) (domain.Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return domain.Identity{}, fmt.Errorf("decode token: %w", err)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return domain.Identity{}, errors.New("token has no subject")
	}
	ident := domain.Identity{UID: sub}
	ident.DisplayName, _ = claims["name"].(string)
	if ident.DisplayName == "" {
		ident.DisplayName, _ = claims["email"].(string)
	}
	ident.PhotoURL, _ = claims["picture"].(string)
	return ident, nil
}
