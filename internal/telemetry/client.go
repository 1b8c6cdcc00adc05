// Package telemetry reads inverter metrics from the remote monitoring
// service. It keeps a renewable session, signs every request and falls back
// to the secondary web endpoint when the primary query fails.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Config holds the monitoring account and the inverter identity.
type Config struct {
	BaseURL     string // primary API (http://api.dessmonitor.com/public/)
	FallbackURL string // web endpoint used for querySPDeviceLastData
	// StaticFallbackURL, when set, is fetched verbatim instead of building a
	// signed fallback request.
	StaticFallbackURL string

	Username   string
	Password   string
	CompanyKey string

	PN      string
	DevCode string
	DevAddr string
	SN      string

	AppID      string
	AppVersion string
	AppClient  string

	HTTPTimeout     time.Duration
	FallbackTimeout time.Duration
}

// DefaultConfig returns the endpoints and app identity the service expects.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://api.dessmonitor.com/public/",
		FallbackURL:     "https://web.dessmonitor.com/public/",
		AppID:           "com.demo.test",
		AppVersion:      "3.6.2.1",
		AppClient:       "android",
		HTTPTimeout:     120 * time.Second,
		FallbackTimeout: 20 * time.Second,
	}
}

// Client talks to the monitoring service. It is safe for concurrent use;
// calls are serialized.
type Client struct {
	config     Config
	httpClient *http.Client
	store      SessionStore
	now        func() time.Time

	mu      sync.Mutex
	session *Session
}

// NewClient creates a client and restores a cached session when the cache is
// younger than 90% of its lifetime. store may be nil.
func NewClient(config Config, store SessionStore) *Client {
	c := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.HTTPTimeout},
		store:      store,
		now:        time.Now,
	}
	c.restoreSession()
	return c
}

// SetClock replaces the time source. Used by tests.
func (c *Client) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// SetHTTPClient replaces the HTTP client.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.mu.Lock()
	c.httpClient = hc
	c.mu.Unlock()
}

// Session returns a copy of the current session, or nil.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

func (c *Client) restoreSession() {
	if c.store == nil {
		return
	}
	s, err := c.store.Load()
	if err != nil {
		slog.Warn("Telemetry.Session: cannot read cached session", "err", err)
		return
	}
	if s == nil {
		return
	}
	if s.NeedsRefresh(c.now()) {
		slog.Info("Telemetry.Session: cached session too old, ignoring", "age", s.Age(c.now()).Round(time.Second))
		return
	}
	c.session = s
	slog.Info("Telemetry.Session: restored cached session", "age", s.Age(c.now()).Round(time.Second))
}

// FetchReading returns the latest inverter snapshot. The session is renewed
// first when due; a token-expired answer triggers a full re-authentication.
// If the primary query still fails, the fallback endpoint is tried.
func (c *Client) FetchReading(ctx context.Context) (*Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureSession(ctx); err != nil {
		slog.Warn("Telemetry.Session: session not available", "err", err)
	}

	reading, err := c.queryPrimary(ctx)
	if errors.Is(err, ErrTokenExpired) {
		slog.Info("Telemetry.Session: token rejected, re-authenticating")
		if aerr := c.authenticate(ctx); aerr != nil {
			err = errors.Join(err, aerr)
		} else {
			reading, err = c.queryPrimary(ctx)
		}
	}
	if err == nil {
		reading.FetchedAt = c.now()
		return reading, nil
	}

	slog.Warn("Telemetry.Primary: query failed, trying fallback", "err", err)
	fallback, ferr := c.queryFallback(ctx)
	if ferr != nil {
		return nil, errors.Join(err, ferr)
	}
	fallback.FetchedAt = c.now()
	return fallback, nil
}

// ensureSession authenticates or refreshes as required. Caller holds c.mu.
func (c *Client) ensureSession(ctx context.Context) error {
	now := c.now()
	if c.session == nil {
		return c.authenticate(ctx)
	}
	if !c.session.NeedsRefresh(now) {
		return nil
	}

	err := c.refresh(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTokenExpired) || !c.session.Valid(now) {
		slog.Info("Telemetry.Session: refresh failed, re-authenticating", "err", err)
		return c.authenticate(ctx)
	}
	return err
}

type tokenDat struct {
	Token  string `json:"token"`
	Secret string `json:"secret"`
	Expire int64  `json:"expire"`
}

// authenticate performs authSource and replaces the session.
func (c *Client) authenticate(ctx context.Context) error {
	p := params{}.
		add("action", "authSource").
		add("usr", c.config.Username).
		add("company-key", c.config.CompanyKey)
	query := c.withAppParams(p).encode()

	salt := saltFor(c.now())
	sign := signWithPassword(salt, c.config.Password, query)
	u := fmt.Sprintf("%s?sign=%s&salt=%s&%s", c.config.BaseURL, sign, salt, query)

	env, err := c.call(ctx, "authSource", u, c.httpClient)
	if err != nil {
		return err
	}
	var dat tokenDat
	if err := json.Unmarshal(env.Dat, &dat); err != nil {
		return &ProtocolError{Op: "authSource", Msg: "bad dat", Err: err}
	}
	if dat.Token == "" || dat.Secret == "" {
		return &ProtocolError{Op: "authSource", Msg: "no token/secret in response"}
	}

	c.session = &Session{
		Token:      dat.Token,
		Secret:     dat.Secret,
		ExpiresIn:  time.Duration(dat.Expire) * time.Second,
		AcquiredAt: c.now(),
	}
	slog.Info("Telemetry.Session: authenticated", "expires_in", c.session.ExpiresIn)
	c.saveSession()
	return nil
}

// refresh performs updateToken, keeping any field the service omits.
func (c *Client) refresh(ctx context.Context) error {
	env, err := c.signedCall(ctx, "updateToken", params{}.add("action", "updateToken"))
	if err != nil {
		return err
	}
	var dat tokenDat
	if len(env.Dat) > 0 {
		if err := json.Unmarshal(env.Dat, &dat); err != nil {
			return &ProtocolError{Op: "updateToken", Msg: "bad dat", Err: err}
		}
	}

	next := *c.session
	if dat.Token != "" {
		next.Token = dat.Token
	}
	if dat.Secret != "" {
		next.Secret = dat.Secret
	}
	if dat.Expire > 0 {
		next.ExpiresIn = time.Duration(dat.Expire) * time.Second
	}
	next.AcquiredAt = c.now()
	c.session = &next
	slog.Info("Telemetry.Session: token refreshed", "expires_in", next.ExpiresIn)
	c.saveSession()
	return nil
}

func (c *Client) saveSession() {
	if c.store == nil || c.session == nil {
		return
	}
	if err := c.store.Save(c.session); err != nil {
		slog.Error("Telemetry.Session: cannot write session cache", "err", err)
	}
}

// queryPrimary runs queryDeviceLastData.
func (c *Client) queryPrimary(ctx context.Context) (*Reading, error) {
	p := params{}.
		add("action", "queryDeviceLastData").
		add("i18n", "en_US").
		add("pn", c.config.PN).
		add("devcode", c.config.DevCode).
		add("devaddr", c.config.DevAddr).
		add("sn", c.config.SN)
	env, err := c.signedCall(ctx, "queryDeviceLastData", p)
	if err != nil {
		return nil, err
	}
	return parsePrimary(env.Dat)
}

// queryFallback runs querySPDeviceLastData against the web endpoint. The web
// variant signs only its own parameters, without the app identity.
func (c *Client) queryFallback(ctx context.Context) (*Reading, error) {
	const op = "querySPDeviceLastData"
	hc := &http.Client{Timeout: c.config.FallbackTimeout, Transport: c.httpClient.Transport}

	var u string
	if c.config.StaticFallbackURL != "" {
		u = c.config.StaticFallbackURL
	} else {
		if c.session == nil {
			return nil, &TransportError{Op: op, Err: errNoSession}
		}
		action := "&" + params{}.
			add("action", op).
			add("pn", c.config.PN).
			add("devcode", c.config.DevCode).
			add("devaddr", c.config.DevAddr).
			add("sn", c.config.SN).
			add("i18n", "en_US").
			encode()
		salt := saltFor(c.now())
		sign := sha1Hex(salt + c.session.Secret + c.session.Token + action)
		u = fmt.Sprintf("%s?sign=%s&salt=%s&token=%s%s",
			c.config.FallbackURL, sign, salt, url.QueryEscape(c.session.Token), action)
	}

	env, err := c.call(ctx, op, u, hc)
	if err != nil {
		return nil, err
	}
	return parseFallback(env.Dat)
}

// signedCall performs an authenticated action.
func (c *Client) signedCall(ctx context.Context, op string, p params) (*envelope, error) {
	if c.session == nil {
		return nil, &TransportError{Op: op, Err: errNoSession}
	}
	query := c.withAppParams(p).encode()
	salt := saltFor(c.now())
	sign := signWithToken(salt, c.session.Secret, c.session.Token, query)
	u := fmt.Sprintf("%s?sign=%s&salt=%s&token=%s&%s",
		c.config.BaseURL, sign, salt, url.QueryEscape(c.session.Token), query)
	return c.call(ctx, op, u, c.httpClient)
}

// withAppParams appends the fixed client identity after the action params.
func (c *Client) withAppParams(p params) params {
	return p.
		add("source", "1").
		add("_app_client_", c.config.AppClient).
		add("_app_id_", c.config.AppID).
		add("_app_version_", c.config.AppVersion)
}

// call GETs u and decodes the response envelope.
func (c *Client) call(ctx context.Context, op, u string, hc *http.Client) (*envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	slog.Debug("Telemetry.HTTP: request", "op", op, "url", redact(u))

	resp, err := hc.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode >= 400 {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ProtocolError{Op: op, Msg: "invalid JSON", Err: err}
	}
	if err := env.check(op); err != nil {
		return nil, err
	}
	return &env, nil
}

// redact hides the token and signature in logged URLs.
func redact(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return "<unparseable url>"
	}
	parts := strings.Split(parsed.RawQuery, "&")
	for i, part := range parts {
		if strings.HasPrefix(part, "token=") || strings.HasPrefix(part, "sign=") {
			k, _, _ := strings.Cut(part, "=")
			parts[i] = k + "=***"
		}
	}
	parsed.RawQuery = strings.Join(parts, "&")
	return parsed.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
