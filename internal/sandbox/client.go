// Package sandbox talks to the external code-execution service and manages
// the per-session persistent bindings built on top of it.
package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/circuitbreaker"
	"github.com/quarry-lab/conductor/internal/metrics"
)

// Sandbox failure classes. User code failures are deliberately absent:
// ExecCode reports them through ok=false with the traceback as output, since
// a traceback is a result for the agent, not a fault of the service.
var (
	ErrUnavailable   = errors.New("sandbox: unavailable")
	ErrTimeout       = errors.New("sandbox: timeout")
	ErrQuotaExceeded = errors.New("sandbox: quota exceeded")
	ErrSandboxGone   = errors.New("sandbox: gone")
)

const maxResponseBytes = 50 << 20 // 50MB of output is already unreasonable

// Entry is one row of a directory listing.
type Entry struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// Client is a thin typed wrapper over the sandbox HTTP service. Deadlines
// ride on the context: control ops get requestTimeout, exec ops get their own
// code timeout plus a grace window.
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// execGrace covers transport overhead beyond the code's own timeout.
const execGrace = 15 * time.Second

// NewClient creates a sandbox client. The breaker is optional.
func NewClient(baseURL string, requestTimeout time.Duration, breaker *circuitbreaker.Breaker, logger *zap.Logger) *Client {
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: requestTimeout,
		client:  &http.Client{},
		breaker: breaker,
		logger:  logger,
	}
}

// CreateFromSnapshot provisions a sandbox from the named snapshot image.
func (c *Client) CreateFromSnapshot(ctx context.Context, snapshot string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp struct {
		SandboxID string `json:"sandbox_id"`
	}
	err := c.do(ctx, "create", http.MethodPost, "/sandboxes",
		map[string]string{"snapshot": snapshot}, &resp)
	if err != nil {
		return "", err
	}
	if resp.SandboxID == "" {
		return "", fmt.Errorf("%w: empty sandbox id", ErrUnavailable)
	}
	metrics.SandboxesCreated.Inc()
	return resp.SandboxID, nil
}

// Upload places bytes at path inside the sandbox, creating parent directories.
func (c *Client) Upload(ctx context.Context, sandboxID, path string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := map[string]string{
		"path": path,
		"data": base64.StdEncoding.EncodeToString(data),
	}
	return c.do(ctx, "upload", http.MethodPost, "/sandboxes/"+sandboxID+"/upload", req, nil)
}

// Read fetches a file. ok=false means the path does not exist; that is an
// answer, not an error.
func (c *Client) Read(ctx context.Context, sandboxID, path string) (bool, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp struct {
		Found bool   `json:"found"`
		Data  string `json:"data"`
	}
	err := c.do(ctx, "read", http.MethodPost, "/sandboxes/"+sandboxID+"/read",
		map[string]string{"path": path}, &resp)
	if err != nil {
		return false, nil, err
	}
	if !resp.Found {
		return false, nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return false, nil, fmt.Errorf("decode file data: %w", err)
	}
	return true, data, nil
}

// Write replaces the file at path. ok=false means the path was not writable.
func (c *Client) Write(ctx context.Context, sandboxID, path string, data []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := map[string]string{
		"path": path,
		"data": base64.StdEncoding.EncodeToString(data),
	}
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	err := c.do(ctx, "write", http.MethodPost, "/sandboxes/"+sandboxID+"/write", req, &resp)
	if err != nil {
		return false, err
	}
	return resp.OK, nil
}

// List returns the entries under path.
func (c *Client) List(ctx context.Context, sandboxID, path string) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp struct {
		Entries []Entry `json:"entries"`
	}
	err := c.do(ctx, "list", http.MethodPost, "/sandboxes/"+sandboxID+"/list",
		map[string]string{"path": path}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Exec runs a shell command and returns its combined output and exit code.
func (c *Client) Exec(ctx context.Context, sandboxID, cmd string, timeout time.Duration) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+execGrace)
	defer cancel()

	req := map[string]interface{}{
		"cmd":     cmd,
		"timeout": int(timeout.Seconds()),
	}
	var resp struct {
		Output   string `json:"output"`
		ExitCode int    `json:"exit_code"`
	}
	err := c.do(ctx, "exec", http.MethodPost, "/sandboxes/"+sandboxID+"/exec", req, &resp)
	if err != nil {
		return "", 0, err
	}
	return resp.Output, resp.ExitCode, nil
}

// ExecCode runs a code cell. ok=false carries the user traceback in output.
func (c *Client) ExecCode(ctx context.Context, sandboxID, code string, timeout time.Duration) (bool, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+execGrace)
	defer cancel()

	req := map[string]interface{}{
		"code":    code,
		"timeout": int(timeout.Seconds()),
	}
	var resp struct {
		OK     bool   `json:"ok"`
		Output string `json:"output"`
	}
	err := c.do(ctx, "exec_code", http.MethodPost, "/sandboxes/"+sandboxID+"/exec_code", req, &resp)
	if err != nil {
		return false, "", err
	}
	return resp.OK, resp.Output, nil
}

// Destroy tears down the sandbox. Destroying an already-gone sandbox is not
// an error.
func (c *Client) Destroy(ctx context.Context, sandboxID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.do(ctx, "destroy", http.MethodDelete, "/sandboxes/"+sandboxID, nil, nil)
	if errors.Is(err, ErrSandboxGone) {
		err = nil
	}
	if err == nil {
		metrics.SandboxesDestroyed.Inc()
	}
	return err
}

// do sends one request through the breaker with transient-error retries and
// records the op metric.
func (c *Client) do(ctx context.Context, op, method, path string, reqBody, respBody interface{}) error {
	fn := func(ctx context.Context) error {
		return c.withRetry(ctx, op, func() error {
			return c.doOnce(ctx, method, path, reqBody, respBody)
		})
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, fn)
		if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
	} else {
		err = fn(ctx)
	}

	metrics.SandboxOps.WithLabelValues(op, statusLabel(err)).Inc()
	return err
}

// withRetry retries transient failures with exponential backoff and jitter
// (100ms, 400ms, 1.6s).
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(4),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrUnavailable) }),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			base := 100 * time.Millisecond << (2 * n)
			return base + time.Duration(rand.Int63n(int64(base/2)))
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Retrying sandbox operation",
				zap.String("op", op),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
}

func (c *Client) doOnce(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrSandboxGone, strings.TrimSpace(string(raw)))
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, strings.TrimSpace(string(raw)))
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, strings.TrimSpace(string(raw)))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(raw)))
	default:
		return fmt.Errorf("sandbox returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if respBody == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// classifyNetErr maps transport failures onto the sandbox error classes.
func classifyNetErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func statusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, ErrSandboxGone):
		return "gone"
	default:
		return "error"
	}
}
