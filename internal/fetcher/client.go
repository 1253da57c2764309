package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	tvlog "github.com/voyagen/tvguide/internal/log"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	tokenLifetime      = 23 * time.Hour
	tokenHeader        = "token"
	sdTimeLayout       = "2006-01-02T15:04:05Z"
)

// Token is a Schedules Direct session token and its expiry.
type Token struct {
	Value   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

func (t Token) valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.Expires)
}

// TokenStore persists tokens between runs so a fresh process does not have
// to log in again. A miss is reported as ok == false, not as an error.
type TokenStore interface {
	LoadToken(ctx context.Context) (tok Token, ok bool, err error)
	SaveToken(ctx context.Context, tok Token) error
}

// Options configures a Client.
type Options struct {
	BaseURL           string
	Username          string
	PasswordSHA1      string
	UserAgent         string
	Timeout           time.Duration
	Retries           int     // extra attempts for transient failures
	RequestsPerSecond float64 // 0 disables rate limiting
	Tokens            TokenStore
	HTTPClient        *http.Client
}

// Client talks to the Schedules Direct JSON API. Authenticated operations
// obtain a token on demand and attach it to that single request only.
type Client struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
	now     func() time.Time
	backoff func(attempt int) time.Duration

	mu       sync.Mutex
	token    Token
	rejected string // last token value the server refused
}

// NewClient creates a Client. BaseURL must not end with a slash.
func NewClient(opts Options) *Client {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &Client{
		opts:    opts,
		http:    hc,
		limiter: limiter,
		logger:  tvlog.WithComponent("fetcher"),
		now:     time.Now,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt*500) * time.Millisecond
		},
	}
}

// Status reports the service state and the lineups of the account.
type Status struct {
	Online  bool
	Message string
	Lineups []LineupPayload
}

// Status fetches the account status. Online reflects the most recent
// system status message.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var resp statusResponse
	if err := c.call(ctx, "status", http.MethodGet, "status", nil, true, &resp); err != nil {
		return nil, err
	}
	st := &Status{Lineups: resp.Lineups, Message: "no status reported"}
	var latest time.Time
	for _, s := range resp.SystemStatus {
		ts, err := time.Parse(sdTimeLayout, s.Date)
		if err != nil {
			continue
		}
		if ts.After(latest) {
			latest = ts
			st.Online = strings.EqualFold(s.Status, "Online")
			st.Message = s.Message
		}
	}
	return st, nil
}

// call runs one API operation with rate limiting and transient retries.
func (c *Client) call(ctx context.Context, op, method, route string, body any, authed bool, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return transient(op, 0, ctx.Err())
			}
		}
		err := c.once(ctx, op, method, route, body, authed, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			return err
		}
		c.logger.Debug().Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Msg("transient source error")
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, op, method, route string, body any, authed bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return transient(op, 0, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return permanent(op, 0, fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+"/"+route, reader)
	if err != nil {
		return permanent(op, 0, fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		tok, err := c.ensureToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set(tokenHeader, tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transient(op, resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return c.statusError(op, resp.StatusCode, respBody, authed)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return permanent(op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) statusError(op string, status int, body []byte, authed bool) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	detail := ae.Message
	if detail == "" {
		detail = http.StatusText(status)
	}
	se := &SourceError{Op: op, Status: status, Code: ae.Code, Err: errors.New(detail)}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		se.Kind = KindTransient
	case authed && (status == http.StatusUnauthorized || status == http.StatusForbidden):
		// The cached token was rejected; drop it so the retry logs in again.
		c.dropToken()
		se.Kind = KindTransient
	default:
		se.Kind = KindPermanent
	}
	return se
}

// ensureToken returns a valid token, refreshing it when absent or expired.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.token.valid(now) {
		return c.token.Value, nil
	}
	if c.opts.Tokens != nil {
		if tok, ok, err := c.opts.Tokens.LoadToken(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("token cache read failed")
		} else if ok && tok.valid(now) && tok.Value != c.rejected {
			c.token = tok
			return tok.Value, nil
		}
	}

	tok, err := c.login(ctx)
	if err != nil {
		return "", err
	}
	c.token = tok
	if c.opts.Tokens != nil {
		if err := c.opts.Tokens.SaveToken(ctx, tok); err != nil {
			c.logger.Warn().Err(err).Msg("token cache write failed")
		}
	}
	return tok.Value, nil
}

func (c *Client) login(ctx context.Context) (Token, error) {
	const op = "token"
	if c.opts.Username == "" || c.opts.PasswordSHA1 == "" {
		return Token{}, permanent(op, 0, errors.New("schedules direct credentials are not configured"))
	}
	var resp tokenResponse
	req := tokenRequest{Username: c.opts.Username, Password: c.opts.PasswordSHA1}
	if err := c.once(ctx, op, http.MethodPost, "token", req, false, &resp); err != nil {
		return Token{}, err
	}
	if resp.Code != 0 || resp.Token == "" {
		return Token{}, &SourceError{Kind: KindPermanent, Op: op, Code: resp.Code, Err: errors.New(resp.Message)}
	}
	issued, err := time.Parse(sdTimeLayout, resp.Datetime)
	if err != nil {
		issued = c.now()
	}
	c.logger.Debug().Str(tvlog.FieldEvent, "token.obtained").Msg("obtained schedules direct token")
	return Token{Value: resp.Token, Expires: issued.Add(tokenLifetime)}, nil
}

func (c *Client) dropToken() {
	c.mu.Lock()
	if c.token.Value != "" {
		c.rejected = c.token.Value
	}
	c.token = Token{}
	c.mu.Unlock()
}
