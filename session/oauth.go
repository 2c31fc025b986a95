package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/yoga-python/coding-projects-todo/domain"
)

const (
	callbackPath     = "/oauth2callback"
	consentTimeout   = 5 * time.Minute
	idTokenExtraName = "id_token"
)

// OAuthOptions configures an OAuthProvider.
type OAuthOptions struct {
	ClientID     string
	ClientSecret string
	// RedirectPort of the localhost callback listener; 0 picks a free port.
	RedirectPort int
	TokenFile    string
	// OpenURL presents the consent URL to the user. Defaults to printing it
	// to Out.
	OpenURL func(string) error
	Out     io.Writer
	Logger  *log.Logger

	// Endpoint and UserinfoEndpoint override the Google defaults.
	Endpoint         *oauth2.Endpoint
	UserinfoEndpoint string
}

// OAuthProvider signs in with Google using the installed-app authorization
// code flow and a localhost redirect. The ID token is the API bearer.
type OAuthProvider struct {
	opts   OAuthOptions
	config *oauth2.Config
	logger *log.Logger

	mu     sync.Mutex
	cached *cachedToken
}

type cachedToken struct {
	Token   *oauth2.Token `json:"token"`
	IDToken string        `json:"id_token"`
}

func NewOAuthProvider(opts OAuthOptions) (*OAuthProvider, error) {
	if opts.ClientID == "" {
		return nil, errors.New("oauth client_id is not configured")
	}
	if opts.TokenFile == "" {
		return nil, errors.New("oauth token_file is not configured")
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.OpenURL == nil {
		out := opts.Out
		opts.OpenURL = func(u string) error {
			_, err := fmt.Fprintf(out, "Open the following URL in your browser to sign in:\n%s\n", u)
			return err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	endpoint := google.Endpoint
	if opts.Endpoint != nil {
		endpoint = *opts.Endpoint
	}
	return &OAuthProvider{
		opts:   opts,
		logger: logger,
		config: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{"openid", oauth2api.UserinfoEmailScope, oauth2api.UserinfoProfileScope},
		},
	}, nil
}

func (p *OAuthProvider) Restore(ctx context.Context) (*domain.Identity, error) {
	cached, err := p.load()
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return nil, nil
	}
	ident, err := p.userinfo(ctx, cached.Token)
	if err != nil {
		return nil, err
	}
	return &ident, nil
}

func (p *OAuthProvider) SignIn(ctx context.Context) (domain.Identity, error) {
	tok, err := p.consent(ctx)
	if err != nil {
		return domain.Identity{}, &domain.AuthError{Op: "sign-in", Err: err}
	}
	idToken, _ := tok.Extra(idTokenExtraName).(string)
	if idToken == "" {
		return domain.Identity{}, &domain.AuthError{Op: "sign-in", Err: errors.New("provider returned no id_token")}
	}
	cached := &cachedToken{Token: tok, IDToken: idToken}
	if err := p.save(cached); err != nil {
		p.logger.WithError(err).Warn("could not cache token; sign-in will not survive a restart")
	}
	ident, err := p.userinfo(ctx, tok)
	if err != nil {
		return domain.Identity{}, &domain.AuthError{Op: "userinfo", Err: err}
	}
	return ident, nil
}

func (p *OAuthProvider) SignOut(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
	if err := os.Remove(p.opts.TokenFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Token returns a current ID token, refreshing the session when the cached
// one has expired.
func (p *OAuthProvider) Token(ctx context.Context) (string, error) {
	cached, err := p.load()
	if err != nil {
		return "", err
	}
	if cached == nil {
		return "", errors.New("not signed in")
	}
	if !idTokenExpired(cached.IDToken, time.Now().Add(time.Minute)) {
		return cached.IDToken, nil
	}

	// Force the refresh grant; Google returns a fresh id_token with it.
	stale := *cached.Token
	stale.Expiry = time.Now().Add(-time.Second)
	tok, err := p.config.TokenSource(ctx, &stale).Token()
	if err != nil {
		return "", &domain.AuthError{Op: "refresh", Err: err}
	}
	idToken, _ := tok.Extra(idTokenExtraName).(string)
	if idToken == "" {
		return "", &domain.AuthError{Op: "refresh", Err: errors.New("provider returned no id_token")}
	}
	next := &cachedToken{Token: tok, IDToken: idToken}
	if err := p.save(next); err != nil {
		p.logger.WithError(err).Warn("could not cache refreshed token")
	}
	return idToken, nil
}

func (p *OAuthProvider) consent(ctx context.Context) (*oauth2.Token, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(p.opts.RedirectPort))
	if err != nil {
		return nil, fmt.Errorf("start callback listener: %w", err)
	}
	defer listener.Close()

	cfg := *p.config
	cfg.RedirectURL = fmt.Sprintf("http://%s%s", listener.Addr().String(), callbackPath)

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			sendErr(errCh, errors.New("oauth state mismatch"))
		case q.Get("error") != "":
			http.Error(w, "sign-in was not completed", http.StatusBadRequest)
			sendErr(errCh, fmt.Errorf("consent denied: %s", q.Get("error")))
		case q.Get("code") == "":
			http.Error(w, "authorization code not found", http.StatusBadRequest)
			sendErr(errCh, errors.New("authorization code not found in redirect"))
		default:
			fmt.Fprintln(w, "Signed in. You can close this window.")
			select {
			case codeCh <- q.Get("code"):
			default:
			}
		}
	})
	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sendErr(errCh, fmt.Errorf("callback server: %w", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	)
	if err := p.opts.OpenURL(authURL); err != nil {
		return nil, fmt.Errorf("open consent url: %w", err)
	}
	p.logger.WithField("redirect", cfg.RedirectURL).Debug("waiting for authorization code")

	timer := time.NewTimer(consentTimeout)
	defer timer.Stop()
	select {
	case code := <-codeCh:
		tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
		if err != nil {
			return nil, fmt.Errorf("exchange authorization code: %w", err)
		}
		return tok, nil
	case err := <-errCh:
		return nil, err
	case <-timer.C:
		return nil, errors.New("authorization timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func sendErr(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

func (p *OAuthProvider) userinfo(ctx context.Context, tok *oauth2.Token) (domain.Identity, error) {
	opts := []option.ClientOption{option.WithTokenSource(p.config.TokenSource(ctx, tok))}
	if p.opts.UserinfoEndpoint != "" {
		opts = append(opts, option.WithEndpoint(p.opts.UserinfoEndpoint))
	}
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("userinfo client: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return domain.Identity{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	if info.Id == "" {
		return domain.Identity{}, errors.New("userinfo has no id")
	}
	name := info.Name
	if name == "" {
		name = info.Email
	}
	return domain.Identity{UID: info.Id, DisplayName: name, PhotoURL: info.Picture}, nil
}

func (p *OAuthProvider) load() (*cachedToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return p.cached, nil
	}
	data, err := os.ReadFile(p.opts.TokenFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cached cachedToken
	if err := sonic.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("decode token file %s: %w", p.opts.TokenFile, err)
	}
	if cached.Token == nil || cached.IDToken == "" {
		return nil, nil
	}
	p.cached = &cached
	return p.cached, nil
}

func (p *OAuthProvider) save(cached *cachedToken) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = cached
	data, err := sonic.Marshal(cached)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.opts.TokenFile), 0o700); err != nil {
		return err
	}
	return os.WriteFile(p.opts.TokenFile, data, 0o600)
}

// idTokenExpired reports whether the token's exp claim is before at. Tokens
// that cannot be decoded count as expired.
func idTokenExpired(idToken string, at time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return true
	}
	return !claims.VerifyExpiresAt(at.Unix(), true)
}
