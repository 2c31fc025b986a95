// Package session tracks the signed-in identity reported by the identity
// provider and fans it out to subscribers.
package session

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/yoga-python/coding-projects-todo/domain"
)

// Status is the verdict of the identity provider.
type Status int

const (
	StatusLoading Status = iota
	StatusSignedOut
	StatusSignedIn
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusSignedOut:
		return "signed-out"
	case StatusSignedIn:
		return "signed-in"
	default:
		return "unknown"
	}
}

// Signal is a single emission of the tracker. Identity is only set when
// Status is StatusSignedIn.
type Signal struct {
	Status   Status
	Identity domain.Identity
}

// Provider is the identity provider boundary.
type Provider interface {
	// Restore returns the identity of a cached session, or nil when there is none.
	Restore(ctx context.Context) (*domain.Identity, error)
	// SignIn runs the consent flow.
	SignIn(ctx context.Context) (domain.Identity, error)
	// SignOut clears the cached session.
	SignOut(ctx context.Context) error
	// Token returns the bearer presented to the task API.
	Token(ctx context.Context) (string, error)
}

// Tracker holds the current session signal. Subscribers receive the latest
// value only: a slow reader never sees a backlog of stale values.
type Tracker struct {
	provider Provider
	logger   *log.Logger

	mu      sync.Mutex
	current Signal
	subs    map[int]chan Signal
	nextSub int
}

// NewTracker returns a tracker in the loading state.
func NewTracker(provider Provider, logger *log.Logger) *Tracker {
	if provider == nil {
		panic("session.NewTracker: provider is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Tracker{
		provider: provider,
		logger:   logger,
		current:  Signal{Status: StatusLoading},
		subs:     make(map[int]chan Signal),
	}
}

// Current returns the latest signal.
func (t *Tracker) Current() Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Subscribe delivers the current signal immediately and every later one.
// The returned func unsubscribes and closes the channel.
func (t *Tracker) Subscribe() (<-chan Signal, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	ch := make(chan Signal, 1)
	ch <- t.current
	t.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

func (t *Tracker) emit(sig Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = sig
	for _, ch := range t.subs {
		// Only emit sends on ch and it holds mu, so after the drain the
		// buffered send cannot block.
		select {
		case <-ch:
		default:
		}
		ch <- sig
	}
	t.logger.WithField("state", sig.Status.String()).WithField("user", sig.Identity.UID).Debug("session signal")
}

// Start restores a cached session from the provider.
func (t *Tracker) Start(ctx context.Context) {
	ident, err := t.provider.Restore(ctx)
	switch {
	case err != nil:
		t.logger.WithError(err).Warn("restore session failed")
		t.emit(Signal{Status: StatusSignedOut})
	case ident == nil:
		t.emit(Signal{Status: StatusSignedOut})
	default:
		t.emit(Signal{Status: StatusSignedIn, Identity: *ident})
	}
}

// BeginSignIn emits loading and runs the provider's consent flow. On failure
// the tracker reports signed-out and the returned error is a *domain.AuthError.
func (t *Tracker) BeginSignIn(ctx context.Context) error {
	t.emit(Signal{Status: StatusLoading})
	ident, err := t.provider.SignIn(ctx)
	if err != nil {
		t.emit(Signal{Status: StatusSignedOut})
		return asAuthError("sign-in", err)
	}
	t.emit(Signal{Status: StatusSignedIn, Identity: ident})
	return nil
}

// SignOut clears the provider session. The tracker reports signed-out even
// if the provider fails to clear its cache.
func (t *Tracker) SignOut(ctx context.Context) error {
	err := t.provider.SignOut(ctx)
	t.emit(Signal{Status: StatusSignedOut})
	if err != nil {
		return asAuthError("sign-out", err)
	}
	return nil
}

func asAuthError(op string, err error) error {
	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		return err
	}
	return &domain.AuthError{Op: op, Err: err}
}
