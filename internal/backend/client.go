package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/fintalk-labs/fintalk-client/internal/config"
	"golang.org/x/time/rate"
)

// StatusError reports a non-2xx backend response.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("backend returned status %d", e.StatusCode)
}

// Client talks to the assistant backend over HTTP. All calls take a context
// and are throttled by a shared rate limiter.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter

	mu     sync.RWMutex
	bearer string
}

func NewClient(cfg config.BackendConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Millisecond,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
	}
}

// SetBearer installs the session token attached to subsequent requests.
func (c *Client) SetBearer(token string) {
	c.mu.Lock()
	c.bearer = token
	c.mu.Unlock()
}

func (c *Client) bearerToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bearer
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	if token := c.bearerToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := ""
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != "" {
		detail = payload.Detail
	} else if len(body) > 0 {
		detail = string(body)
	}
	return &StatusError{StatusCode: resp.StatusCode, Detail: detail}
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// Chat sends the ordered conversation turns and returns the assistant reply.
func (c *Client) Chat(ctx context.Context, turns []ChatTurn) (ChatReply, error) {
	resp, err := c.postJSON(ctx, "/chat", turns)
	if err != nil {
		return ChatReply{}, err
	}
	defer resp.Body.Close()
	var reply ChatReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return ChatReply{}, fmt.Errorf("decode chat reply: %w", err)
	}
	return reply, nil
}

// Synthesize converts text to audio and returns the raw bytes. The content
// is treated as opaque; the backend serves mp3.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := c.postJSON(ctx, "/tts", map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read synthesized audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("backend returned empty audio")
	}
	return audio, nil
}

// Transcribe uploads a WAV recording as multipart form data and returns
// the transcript text.
func (c *Client) Transcribe(ctx context.Context, wav io.Reader) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "recording.wav")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, wav); err != nil {
		return "", fmt.Errorf("copy wav payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/stt", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var reply TranscriptReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("decode transcript: %w", err)
	}
	return reply.Text, nil
}

// ExchangeCode forwards the authorization code to the backend, which performs
// the server-to-server token exchange with the provider.
func (c *Client) ExchangeCode(ctx context.Context, code, state string) (TokenReply, error) {
	values := url.Values{}
	values.Set("code", code)
	values.Set("state", state)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/callback?"+values.Encode(), nil)
	if err != nil {
		return TokenReply{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return TokenReply{}, err
	}
	defer resp.Body.Close()
	var tokens TokenReply
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return TokenReply{}, fmt.Errorf("decode token response: %w", err)
	}
	return tokens, nil
}

// RefreshToken exchanges a refresh token for a fresh access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (TokenReply, error) {
	resp, err := c.postJSON(ctx, "/api/refresh_token", map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return TokenReply{}, err
	}
	defer resp.Body.Close()
	var tokens TokenReply
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return TokenReply{}, fmt.Errorf("decode token response: %w", err)
	}
	return tokens, nil
}

// Login exchanges a verified email for an API session token.
func (c *Client) Login(ctx context.Context, email string) (SessionToken, error) {
	resp, err := c.postJSON(ctx, "/login", map[string]string{"email": email})
	if err != nil {
		return SessionToken{}, err
	}
	defer resp.Body.Close()
	var token SessionToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return SessionToken{}, fmt.Errorf("decode session token: %w", err)
	}
	return token, nil
}

// Me returns the identity bound to the current session token.
func (c *Client) Me(ctx context.Context) (MeReply, error) {
	var reply MeReply
	if err := c.getJSON(ctx, "/me", &reply); err != nil {
		return MeReply{}, err
	}
	return reply, nil
}

// Logout revokes the current session token.
func (c *Client) Logout(ctx context.Context) error {
	resp, err := c.postJSON(ctx, "/logout", struct{}{})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// UnpaidInvoices lists open invoices for the notifications panel.
func (c *Client) UnpaidInvoices(ctx context.Context, page, pageSize int) (UnpaidInvoicesPage, error) {
	values := url.Values{}
	values.Set("page", strconv.Itoa(page))
	values.Set("page_size", strconv.Itoa(pageSize))
	var result UnpaidInvoicesPage
	if err := c.getJSON(ctx, "/unpaid-invoices?"+values.Encode(), &result); err != nil {
		return UnpaidInvoicesPage{}, err
	}
	return result, nil
}

// RecurringSameDay returns detected same-day recurring payments over the
// trailing window.
func (c *Client) RecurringSameDay(ctx context.Context, days int, refresh bool) (RecurringPage, error) {
	values := url.Values{}
	values.Set("days", strconv.Itoa(days))
	values.Set("refresh", strconv.FormatBool(refresh))
	var result RecurringPage
	if err := c.getJSON(ctx, "/recurring/same-day?"+values.Encode(), &result); err != nil {
		return RecurringPage{}, err
	}
	return result, nil
}
