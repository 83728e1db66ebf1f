// Package client speaks the v1 JSON protocol over unix sockets: a Monarch
// client for the well-known coordinator socket and a Peasant client for the
// per-process window sockets the monarch dispatches to.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/windowcourt/court/internal/api"
	"github.com/windowcourt/court/internal/model"
)

const defaultUnaryTimeout = 10 * time.Second

// ErrReignEnded reports that the monarch's heartbeat stream terminated: the
// coordinator process is gone.
var ErrReignEnded = errors.New("reign ended")

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case code != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, code)
	case message != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	default:
		return fmt.Sprintf("http %d", e.StatusCode)
	}
}

// Retryable reports whether the request may succeed against a fresh monarch.
func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.Code == model.ErrMonarchGone || e.Code == model.ErrPeasantUnreachable {
		return true
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

type conn struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

func newConn(socketPath string, unaryTimeout time.Duration) conn {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	if unaryTimeout <= 0 {
		unaryTimeout = defaultUnaryTimeout
	}
	return conn{
		baseURL:      "http://unix",
		client:       &http.Client{Transport: transport},
		unaryTimeout: unaryTimeout,
	}
}

func (c conn) request(ctx context.Context, method, path string, body any, longLived bool) ([]byte, error) {
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{StatusCode: resp.StatusCode, Code: er.Error.Code, Message: er.Error.Message}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}

// Monarch is a connection to whichever process currently holds the
// coordinator registration.
type Monarch struct {
	conn conn
}

func NewMonarch(socketPath string, unaryTimeout time.Duration) *Monarch {
	return &Monarch{conn: newConn(socketPath, unaryTimeout)}
}

func (m *Monarch) Health(ctx context.Context) (api.HealthResponse, error) {
	return decode[api.HealthResponse](m.conn.request(ctx, http.MethodGet, "/v1/health", nil, false))
}

func (m *Monarch) Info(ctx context.Context) (api.MonarchEnvelope, error) {
	return decode[api.MonarchEnvelope](m.conn.request(ctx, http.MethodGet, "/v1/monarch", nil, false))
}

func (m *Monarch) Pid(ctx context.Context) (int, error) {
	info, err := m.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.PID, nil
}

func (m *Monarch) AddPeasant(ctx context.Context, req api.AddPeasantRequest) (api.AddPeasantResponse, error) {
	return decode[api.AddPeasantResponse](m.conn.request(ctx, http.MethodPost, "/v1/peasants", req, false))
}

func (m *Monarch) RemovePeasant(ctx context.Context, id model.PeasantID) error {
	_, err := m.conn.request(ctx, http.MethodDelete, "/v1/peasants/"+id.String(), nil, false)
	return err
}

func (m *Monarch) ListPeasants(ctx context.Context) (api.PeasantsEnvelope, error) {
	return decode[api.PeasantsEnvelope](m.conn.request(ctx, http.MethodGet, "/v1/peasants", nil, false))
}

func (m *Monarch) Propose(ctx context.Context, args model.CommandlineArgs) (api.ProposeResponse, error) {
	return decode[api.ProposeResponse](m.conn.request(ctx, http.MethodPost, "/v1/propose", api.ProposeRequest{Args: args}, false))
}

func (m *Monarch) Activate(ctx context.Context, req api.ActivateRequest) error {
	_, err := m.conn.request(ctx, http.MethodPost, "/v1/activate", req, false)
	return err
}

// WatchReign blocks on the monarch's heartbeat stream. It returns
// ctx.Err() when the caller cancels, and ErrReignEnded when the stream
// terminates for any other reason. Stream termination is the liveness signal.
func (m *Monarch) WatchReign(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.conn.baseURL+"/v1/reign", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := m.conn.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrReignEnded, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: http %d", ErrReignEnded, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line api.ReignLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return fmt.Errorf("%w: decode heartbeat: %v", ErrReignEnded, err)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrReignEnded, err)
	}
	return ErrReignEnded
}

// Peasant is a connection to one window process.
type Peasant struct {
	conn conn
}

func NewPeasant(socketPath string, unaryTimeout time.Duration) *Peasant {
	return &Peasant{conn: newConn(socketPath, unaryTimeout)}
}

func (p *Peasant) Health(ctx context.Context) (api.HealthResponse, error) {
	return decode[api.HealthResponse](p.conn.request(ctx, http.MethodGet, "/v1/health", nil, false))
}

func (p *Peasant) Execute(ctx context.Context, args model.CommandlineArgs) (api.ExecuteResponse, error) {
	return decode[api.ExecuteResponse](p.conn.request(ctx, http.MethodPost, "/v1/execute", api.ExecuteRequest{Args: args}, false))
}

func decode[T any](payload []byte, err error) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
