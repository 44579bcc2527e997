package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fintalk-labs/fintalk-client/internal/backend"
	"github.com/fintalk-labs/fintalk-client/internal/config"
	"golang.org/x/oauth2"
)

var (
	// ErrStateMismatch is returned when the callback state does not equal the
	// locally generated nonce. Treated as a potential forgery, never trusted.
	ErrStateMismatch = errors.New("state mismatch")

	// ErrCancelled is returned when the provider reports the user dismissed
	// the authorization prompt.
	ErrCancelled = errors.New("login cancelled")

	// ErrNoPendingLogin is returned for a callback with no login in progress.
	ErrNoPendingLogin = errors.New("no login in progress")
)

// Exchanger performs the server-side token exchange. The backend owns the
// client secret, so the code never leaves this process unencrypted twice.
type Exchanger interface {
	ExchangeCode(ctx context.Context, code, state string) (backend.TokenReply, error)
	RefreshToken(ctx context.Context, refreshToken string) (backend.TokenReply, error)
}

// Identity is the subset of provider userinfo the client consumes. The
// verified email is what the backend accepts at login.
type Identity struct {
	Email string `json:"email"`
}

// Flow drives the browser-redirect authorization flow: generate a state
// nonce, hand out the provider URL, validate the redirect, exchange the code.
type Flow struct {
	oauth       oauth2.Config
	userinfoURL string
	exchanger   Exchanger
	log         *slog.Logger
	clock       func() time.Time

	mu      sync.Mutex
	pending string
	token   *oauth2.Token
}

func NewFlow(cfg config.OAuthConfig, exchanger Exchanger, log *slog.Logger) *Flow {
	return &Flow{
		oauth: oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Scopes:      strings.Fields(cfg.Scope),
			Endpoint: oauth2.Endpoint{
				AuthURL: cfg.AuthorizeURL,
			},
		},
		userinfoURL: cfg.UserinfoURL,
		exchanger:   exchanger,
		log:         log.With(slog.String("component", "auth-flow")),
		clock:       time.Now,
	}
}

// Begin generates a fresh state nonce and returns the provider authorize URL.
// Starting a new login supersedes any previous pending one.
func (f *Flow) Begin() (string, error) {
	state, err := newState()
	if err != nil {
		return "", fmt.Errorf("generate state nonce: %w", err)
	}
	f.mu.Lock()
	f.pending = state
	f.mu.Unlock()
	return f.oauth.AuthCodeURL(state), nil
}

// HandleCallback validates the redirect parameters and performs the code
// exchange. The state must equal the pending nonce exactly; any mismatch
// rejects the callback before the code is used.
func (f *Flow) HandleCallback(ctx context.Context, params url.Values) (*oauth2.Token, error) {
	if reason := params.Get("error"); reason != "" {
		f.clearPending()
		return nil, fmt.Errorf("%w: provider returned %q", ErrCancelled, reason)
	}

	code := params.Get("code")
	state := params.Get("state")
	if code == "" || state == "" {
		return nil, errors.New("callback missing code or state")
	}

	f.mu.Lock()
	pending := f.pending
	f.mu.Unlock()
	if pending == "" {
		return nil, ErrNoPendingLogin
	}
	if subtle.ConstantTimeCompare([]byte(pending), []byte(state)) != 1 {
		f.log.Warn("rejected oauth callback", slog.String("reason", "state mismatch"))
		return nil, ErrStateMismatch
	}
	f.clearPending()

	reply, err := f.exchanger.ExchangeCode(ctx, code, state)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	token := f.storeToken(reply)
	f.log.Info("login completed", slog.String("scope", reply.Scope))
	return token, nil
}

// FetchIdentity asks the provider's userinfo endpoint who the token belongs
// to. The returned email is already verified by the provider and is what the
// backend login endpoint accepts.
func (f *Flow) FetchIdentity(ctx context.Context, token *oauth2.Token) (Identity, error) {
	if f.userinfoURL == "" {
		return Identity{}, errors.New("userinfo url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.userinfoURL, nil)
	if err != nil {
		return Identity{}, err
	}
	resp, err := f.oauth.Client(ctx, token).Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("userinfo returned status %d", resp.StatusCode)
	}
	var identity Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return Identity{}, fmt.Errorf("decode userinfo: %w", err)
	}
	if identity.Email == "" {
		return Identity{}, errors.New("userinfo response missing email")
	}
	return identity, nil
}

// Refresh exchanges the stored refresh token for a new access token.
func (f *Flow) Refresh(ctx context.Context) (*oauth2.Token, error) {
	f.mu.Lock()
	current := f.token
	f.mu.Unlock()
	if current == nil || current.RefreshToken == "" {
		return nil, errors.New("no refresh token available")
	}

	reply, err := f.exchanger.RefreshToken(ctx, current.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if reply.RefreshToken == "" {
		reply.RefreshToken = current.RefreshToken
	}
	return f.storeToken(reply), nil
}

// Token returns the current token, if any. Tokens are held in memory only.
func (f *Flow) Token() (*oauth2.Token, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == nil {
		return nil, false
	}
	copied := *f.token
	return &copied, true
}

// Authenticated reports whether a non-expired token is held.
func (f *Flow) Authenticated() bool {
	token, ok := f.Token()
	return ok && token.Valid()
}

func (f *Flow) clearPending() {
	f.mu.Lock()
	f.pending = ""
	f.mu.Unlock()
}

func (f *Flow) storeToken(reply backend.TokenReply) *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  reply.AccessToken,
		TokenType:    reply.TokenType,
		RefreshToken: reply.RefreshToken,
	}
	if reply.ExpiresIn > 0 {
		token.Expiry = f.clock().Add(time.Duration(reply.ExpiresIn) * time.Second)
	}
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
	copied := *token
	return &copied
}

func newState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
