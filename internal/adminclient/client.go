// Package adminclient is a Go client for the operator HTTP API. A request
// rejected with 401 triggers one token refresh and one retry; a failed
// refresh clears the stored tokens so the caller has to log in again.
package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"warden.org/internal/audit"
	"warden.org/internal/auth"
	"warden.org/internal/dashboard"
	"warden.org/internal/events"
	"warden.org/internal/rollback"
	"warden.org/internal/tick"
)

// ErrLoginRequired is returned once the stored tokens are gone.
var ErrLoginRequired = errors.New("adminclient: login required")

// Tokens are the credentials the client presents.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// Client talks to one API server. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client

	mu     sync.Mutex
	tokens Tokens
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTokens resumes a previously established session.
func WithTokens(t Tokens) Option {
	return func(c *Client) { c.tokens = t }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tokens returns the credentials currently held.
func (c *Client) Tokens() Tokens {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

func (c *Client) setTokens(t Tokens) {
	c.mu.Lock()
	c.tokens = t
	c.mu.Unlock()
}

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
	cause     error
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("adminclient: %d %s: %s (request %s)", e.Status, e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("adminclient: %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.cause }

var codeErrors = map[string]error{
	"INVALID_CREDENTIALS": auth.ErrInvalidCredentials,
	"ACCOUNT_LOCKED":      auth.ErrAccountLocked,
	"SESSION_REVOKED":     auth.ErrSessionRevoked,
	"TOKEN_EXPIRED":       auth.ErrTokenExpired,
	"UNAUTHORIZED":        auth.ErrUnauthorized,
	"INVALID_TARGET":      rollback.ErrInvalidTarget,
	"PRUNE_FAILED":        rollback.ErrPruneFailed,
	"TRANSACTION_FAILED":  events.ErrTransactionFailed,
	"NOT_FOUND":           events.ErrNotFound,
	"CONFLICT":            events.ErrAlreadyResolved,
	"INVALID_INPUT":       events.ErrInvalidInput,
}

func mapAPIError(resp *http.Response) error {
	var body struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		RequestID string `json:"request_id"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	if body.Code == "" {
		body.Code = http.StatusText(resp.StatusCode)
	}
	return &APIError{
		Status:    resp.StatusCode,
		Code:      body.Code,
		Message:   body.Error,
		RequestID: body.RequestID,
		cause:     codeErrors[body.Code],
	}
}

// request is one call; body is marshalled once so it can be replayed.
type request struct {
	method string
	path   string
	query  url.Values
	body   []byte
	authed bool
}

func (c *Client) do(ctx context.Context, req request, out any) error {
	if !req.authed {
		return c.send(ctx, req, "", out)
	}
	tokens := c.Tokens()
	if tokens.AccessToken == "" {
		return ErrLoginRequired
	}
	err := c.send(ctx, req, tokens.AccessToken, out)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		return err
	}
	if rerr := c.refresh(ctx, tokens.RefreshToken); rerr != nil {
		c.setTokens(Tokens{})
		return fmt.Errorf("%w: %w", ErrLoginRequired, rerr)
	}
	return c.send(ctx, req, c.Tokens().AccessToken, out)
}

func (c *Client) send(ctx context.Context, req request, token string, out any) error {
	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		return err
	}
	if req.body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	hreq.Header.Set("Accept", "application/json")
	if token != "" {
		hreq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(hreq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return mapAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("adminclient: decode %s %s: %w", req.method, req.path, err)
	}
	return nil
}

// refresh exchanges the refresh token for a new access token. Concurrent
// callers may each refresh; the session keeps only the newest access hash.
func (c *Client) refresh(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return auth.ErrSessionRevoked
	}
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return err
	}
	var res auth.RefreshResult
	if err := c.send(ctx, request{method: http.MethodPost, path: "/refresh", body: body}, "", &res); err != nil {
		return err
	}
	c.setTokens(Tokens{AccessToken: res.AccessToken, RefreshToken: refreshToken})
	return nil
}

func jsonBody(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := jsonBody(in)
	if err != nil {
		return err
	}
	return c.do(ctx, request{method: http.MethodPost, path: path, body: body, authed: true}, out)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, request{method: http.MethodGet, path: path, query: q, authed: true}, out)
}

// Login opens a session and stores its tokens.
func (c *Client) Login(ctx context.Context, email, password string) (auth.LoginResult, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return auth.LoginResult{}, err
	}
	var res auth.LoginResult
	if err := c.do(ctx, request{method: http.MethodPost, path: "/login", body: body}, &res); err != nil {
		return auth.LoginResult{}, err
	}
	c.setTokens(Tokens{AccessToken: res.AccessToken, RefreshToken: res.RefreshToken})
	return res, nil
}

// Logout revokes every session of the operator and forgets the tokens.
func (c *Client) Logout(ctx context.Context) (int, error) {
	var res struct {
		Revoked int `json:"revoked_sessions"`
	}
	err := c.post(ctx, "/logout", nil, &res)
	c.setTokens(Tokens{})
	return res.Revoked, err
}

// Session returns the caller's identity as the server sees it.
func (c *Client) Session(ctx context.Context) (auth.Identity, error) {
	var res struct {
		Identity auth.Identity `json:"identity"`
	}
	err := c.get(ctx, "/session", nil, &res)
	return res.Identity, err
}

func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	return c.post(ctx, "/change-password", map[string]string{
		"current_password": current,
		"new_password":     next,
	}, nil)
}

// CreateResult is the response to an event submission.
type CreateResult struct {
	EventID string       `json:"event_id"`
	Impact  float64      `json:"impact"`
	Effects int          `json:"effects"`
	Event   events.Event `json:"event"`
}

func (c *Client) CreateEvent(ctx context.Context, req events.CreateRequest) (CreateResult, error) {
	var res CreateResult
	err := c.post(ctx, "/events/create", req, &res)
	return res, err
}

// WorldEvent calls one of the /world/* shortcuts, e.g. "economic-shock".
func (c *Client) WorldEvent(ctx context.Context, action string, body map[string]any) (CreateResult, error) {
	var res CreateResult
	err := c.post(ctx, "/world/"+action, body, &res)
	return res, err
}

func (c *Client) ListEvents(ctx context.Context, f events.Filter) ([]events.Event, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Kind != 0 {
		q.Set("type", f.Kind.String())
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var res struct {
		Items []events.Event `json:"items"`
	}
	err := c.get(ctx, "/events", q, &res)
	return res.Items, err
}

func (c *Client) ResolveEvent(ctx context.Context, id string) (events.Event, error) {
	var ev events.Event
	err := c.post(ctx, "/events/"+url.PathEscape(id)+"/resolve", nil, &ev)
	return ev, err
}

// TickStatus is the clock state with its kappa view.
type TickStatus struct {
	State tick.State       `json:"state"`
	Kappa tick.KappaStatus `json:"kappa"`
}

func (c *Client) TickStatus(ctx context.Context) (TickStatus, error) {
	var res TickStatus
	err := c.get(ctx, "/tick/status", nil, &res)
	return res, err
}

func (c *Client) Pause(ctx context.Context) (tick.ToggleResult, error) {
	var res tick.ToggleResult
	err := c.post(ctx, "/tick/pause", nil, &res)
	return res, err
}

func (c *Client) Resume(ctx context.Context) (tick.ToggleResult, error) {
	var res tick.ToggleResult
	err := c.post(ctx, "/tick/resume", nil, &res)
	return res, err
}

func (c *Client) ModifyKappa(ctx context.Context, value float64, durationTicks uint64) (tick.KappaStatus, error) {
	var res tick.KappaStatus
	err := c.post(ctx, "/tick/modify-kappa", map[string]any{
		"value":          value,
		"duration_ticks": durationTicks,
	}, &res)
	return res, err
}

func (c *Client) Rollback(ctx context.Context, targetTick uint64) (rollback.Result, error) {
	var res rollback.Result
	err := c.post(ctx, "/world/rollback", map[string]any{"target_tick": targetTick}, &res)
	return res, err
}

func (c *Client) AuditLogs(ctx context.Context, f audit.EntryFilter) ([]audit.Entry, error) {
	q := url.Values{}
	if f.Action != "" {
		q.Set("action", f.Action)
	}
	if f.OperatorID != "" {
		q.Set("operator_id", f.OperatorID)
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var res struct {
		Items []audit.Entry `json:"items"`
	}
	err := c.get(ctx, "/audit-logs", q, &res)
	return res.Items, err
}

func (c *Client) Anomalies(ctx context.Context, f audit.AnomalyFilter) ([]audit.Anomaly, error) {
	q := url.Values{}
	if f.Severity != "" {
		q.Set("severity", string(f.Severity))
	}
	if f.Pattern != "" {
		q.Set("pattern", f.Pattern)
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var res struct {
		Items []audit.Anomaly `json:"items"`
	}
	err := c.get(ctx, "/anomaly-logs", q, &res)
	return res.Items, err
}

func (c *Client) DashboardStats(ctx context.Context) (dashboard.Stats, error) {
	var res dashboard.Stats
	err := c.get(ctx, "/dashboard-stats", nil, &res)
	return res, err
}

// WithTimeout returns a context with a default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
