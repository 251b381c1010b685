package inspect

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/guseggert/execbus/agent/process"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	tlsConfig                *tls.Config
	wsClient                 *http.Client
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("inspect_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// WithClientTLS connects over HTTPS with cfg, presenting its client certificate.
func WithClientTLS(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsConfig = cfg
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient returns a client for the inspection server at addr, given as host:port or as a base URL.
func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       zap.NewNop().Sugar(),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	baseURL := addr
	if !strings.Contains(addr, "://") {
		scheme := "http://"
		if c.tlsConfig != nil {
			scheme = "https://"
		}
		baseURL = scheme + addr
	}
	c.baseURL = strings.TrimSuffix(baseURL, "/")

	retryClient := retryablehttp.NewClient()
	if c.tlsConfig != nil {
		retryClient.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: c.tlsConfig},
		}
		c.wsClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: c.tlsConfig},
		}
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *Client) do(ctx context.Context, method, path string, result any) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Add("Accept", "application/json")

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer httpResp.Body.Close()

	b, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	switch httpResp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", process.ErrNotFound, strings.TrimSpace(string(b)))
	default:
		return fmt.Errorf("non-200 HTTP status code %d received for %s %s: %s", httpResp.StatusCode, method, path, strings.TrimSpace(string(b)))
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(b, result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var res HealthResponse
	err := c.do(ctx, http.MethodGet, "/healthz", &res)
	return res, err
}

func (c *Client) ListRuns(ctx context.Context) ([]Run, error) {
	var runs []Run
	err := c.do(ctx, http.MethodGet, "/runs", &runs)
	return runs, err
}

// Info returns a run, or an error wrapping process.ErrNotFound.
func (c *Client) Info(ctx context.Context, id string) (Run, error) {
	var run Run
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), &run)
	return run, err
}

func (c *Client) Cleanup(ctx context.Context) (int, error) {
	var res CleanupResponse
	err := c.do(ctx, http.MethodPost, "/cleanup", &res)
	return res.Removed, err
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

// Follow copies a run's output from chunk index start to stdout and stderr as it is produced,
// and returns the final message once the run's output is complete. Either writer may be nil.
func (c *Client) Follow(ctx context.Context, id string, start int, stdout, stderr io.Writer) (OutputMessage, error) {
	u := c.baseURL + "/runs/" + url.PathEscape(id) + "/output?start=" + strconv.Itoa(start)
	u = "ws" + strings.TrimPrefix(u, "http")

	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.wsClient})
	if err != nil {
		return OutputMessage{}, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	defer wsConn.Close(websocket.StatusInternalError, "")
	wsConn.SetReadLimit(readLimit)

	for {
		var msg OutputMessage
		if err := wsjson.Read(ctx, wsConn, &msg); err != nil {
			return OutputMessage{}, fmt.Errorf("reading output: %w", err)
		}
		if msg.Done {
			wsConn.Close(websocket.StatusNormalClosure, "")
			return msg, nil
		}
		var w io.Writer
		switch process.OutputStream(msg.Stream) {
		case process.Stdout:
			w = stdout
		case process.Stderr:
			w = stderr
		}
		if w == nil {
			continue
		}
		if _, err := w.Write(msg.Data); err != nil {
			return OutputMessage{}, fmt.Errorf("writing %s: %w", msg.Stream, err)
		}
	}
}
