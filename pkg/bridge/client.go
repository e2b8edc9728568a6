package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	merrors "github.com/odvcencio/missionctl/pkg/errors"
	"github.com/odvcencio/missionctl/pkg/logging"
	"github.com/odvcencio/missionctl/pkg/telemetry"
)

const (
	DefaultMaxRetries     = 5
	DefaultBackoffInitial = 250 * time.Millisecond
	DefaultBackoffMax     = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second

	maxErrorBody = 4 << 10
)

// Options configures a Client.
type Options struct {
	BaseURL        string
	Token          string
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	RequestTimeout time.Duration
	// HTTPClient is used for every request. It must not set a Timeout, or
	// long-lived event streams will be cut.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the delegate runtime.
type Client struct {
	base           *url.URL
	token          string
	maxRetries     int
	backoffInitial time.Duration
	backoffMax     time.Duration
	requestTimeout time.Duration
	http           *http.Client
	logger         *slog.Logger
}

var _ Starter = (*Client)(nil)

// NewClient validates opts and builds a Client.
func NewClient(opts Options) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		return nil, fmt.Errorf("bridge: base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("bridge: invalid base url %q", opts.BaseURL)
	}

	c := &Client{
		base:           base,
		token:          strings.TrimSpace(opts.Token),
		maxRetries:     opts.MaxRetries,
		backoffInitial: opts.BackoffInitial,
		backoffMax:     opts.BackoffMax,
		requestTimeout: opts.RequestTimeout,
		http:           opts.HTTPClient,
		logger:         logging.Component(opts.Logger, "bridge"),
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.backoffInitial <= 0 {
		c.backoffInitial = DefaultBackoffInitial
	}
	if c.backoffMax < c.backoffInitial {
		c.backoffMax = DefaultBackoffMax
		if c.backoffMax < c.backoffInitial {
			c.backoffMax = c.backoffInitial
		}
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = DefaultRequestTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c, nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(escaped, "/")
	return u.String()
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("User-Agent", "missionctl")
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

// StartSession creates a delegate session and opens its event stream.
// Creation is retried with the same Idempotency-Key on transport errors and
// 5xx responses; a 4xx is a protocol error and is not retried.
func (c *Client) StartSession(ctx context.Context, req SessionRequest) (stream Stream, err error) {
	ctx, span := telemetry.StartSpan(ctx, "bridge.start_session")
	span.SetAttributes(telemetry.AttrMissionID.String(req.MissionID))
	defer func() { telemetry.EndSpan(span, err) }()

	if len(req.AgentConfig) == 0 {
		req.AgentConfig = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInvalidInput, "encode session request")
	}

	idempotencyKey := uuid.NewString()
	logger := logging.WithMission(c.logger, req.MissionID)

	var sessionID string
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, context.Background(), backoff(attempt, c.backoffInitial, c.backoffMax)); err != nil {
				return nil, merrors.Wrap(err, merrors.ErrCodeBridgeConnection, "start session cancelled")
			}
		}
		sessionID, lastErr = c.createSession(ctx, body, idempotencyKey)
		if lastErr == nil {
			break
		}
		if !merrors.IsRetryable(lastErr) || ctx.Err() != nil {
			return nil, lastErr
		}
		logger.Warn("session create failed", slog.Int("attempt", attempt+1), slog.String("error", lastErr.Error()))
	}
	if lastErr != nil {
		return nil, merrors.Wrap(lastErr, merrors.ErrCodeBridgeConnection,
			fmt.Sprintf("delegate runtime unreachable after %d attempts", c.maxRetries+1))
	}
	span.SetAttributes(telemetry.AttrSessionID.String(sessionID))

	s := newSession(c, sessionID, req.MissionID)
	if err := s.connect(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	logger.Info("delegate session started", slog.String("session_id", sessionID))
	return s, nil
}

func (c *Client) createSession(ctx context.Context, body []byte, idempotencyKey string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint("v1", "sessions"), bytes.NewReader(body))
	if err != nil {
		return "", merrors.Wrap(err, merrors.ErrCodeInternal, "build session request")
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", merrors.Wrap(err, merrors.ErrCodeBridgeConnection, "create session").WithRetryable(true)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return "", merrors.Newf(merrors.ErrCodeBridgeConnection, "create session: runtime returned %d: %s",
			resp.StatusCode, readErrorBody(resp.Body)).WithRetryable(true)
	default:
		return "", merrors.Newf(merrors.ErrCodeBridgeProtocol, "create session: runtime returned %d: %s",
			resp.StatusCode, readErrorBody(resp.Body))
	}

	var out createSessionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", merrors.Wrap(err, merrors.ErrCodeBridgeProtocol, "decode session response")
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", merrors.New(merrors.ErrCodeBridgeProtocol, "runtime returned an empty session_id")
	}
	return out.SessionID, nil
}

func (c *Client) cancelSession(ctx context.Context, sessionID string) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint("v1", "sessions", sessionID, "cancel"), nil)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "build cancel request")
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeBridgeConnection, "cancel session")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK, http.StatusNoContent, http.StatusNotFound, http.StatusConflict:
		// 404/409: the session already ended; nothing left to cancel
		return nil
	default:
		return merrors.Newf(merrors.ErrCodeBridgeProtocol, "cancel session: runtime returned %d", resp.StatusCode)
	}
}

// openStream issues the event-stream GET. The caller owns the returned body.
func (c *Client) openStream(ctx context.Context, sessionID string, lastID int64, attempt int) (io.ReadCloser, error) {
	ctx, span := telemetry.StartSpan(ctx, "bridge.open_stream")
	span.SetAttributes(
		telemetry.AttrSessionID.String(sessionID),
		telemetry.AttrAttempt.Int(attempt),
		attribute.Int64("missionctl.bridge.last_event_id", lastID),
	)
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("v1", "sessions", sessionID, "events"), nil)
	if err != nil {
		err = merrors.Wrap(err, merrors.ErrCodeInternal, "build stream request")
		return nil, err
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if lastID > 0 {
		httpReq.Header.Set("Last-Event-ID", fmt.Sprintf("%d", lastID))
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		err = merrors.Wrap(err, merrors.ErrCodeBridgeConnection, "open event stream").WithRetryable(true)
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		msg := readErrorBody(resp.Body)
		resp.Body.Close()
		err = merrors.Newf(merrors.ErrCodeBridgeConnection, "open event stream: runtime returned %d: %s", resp.StatusCode, msg).
			WithRetryable(true)
		return nil, err
	default:
		msg := readErrorBody(resp.Body)
		resp.Body.Close()
		err = merrors.Newf(merrors.ErrCodeBridgeProtocol, "open event stream: runtime returned %d: %s", resp.StatusCode, msg)
		return nil, err
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		err = merrors.Newf(merrors.ErrCodeBridgeProtocol, "open event stream: unexpected content type %q", ct)
		return nil, err
	}
	return resp.Body, nil
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
