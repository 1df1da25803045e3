// Package statsclient talks to the ledger endpoints of a running server.
package statsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/model/usage"
)

const statsPath = "/api/stats"

// ErrServer wraps every non-2xx answer from the server.
var ErrServer = errors.New("stats server error")

// Client records usage events remotely. It satisfies conversation.LedgerSink
// and conversation.Recorder.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New returns a client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("statsclient")
	return c
}

type recordResponse struct {
	Success bool         `json:"success"`
	Stats   usage.Record `json:"stats"`
	Message string       `json:"message"`
	Error   string       `json:"error"`
}

// Record posts ev and returns the persona's updated record.
func (c *Client) Record(ctx context.Context, ev usage.Event) (usage.Record, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return usage.Record{}, fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+statsPath, bytes.NewReader(body))
	if err != nil {
		return usage.Record{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out recordResponse
	if err := c.do(req, &out); err != nil {
		return usage.Record{}, err
	}
	c.logger.Debug("usage recorded", zap.String("persona", ev.PersonaID), zap.String("kind", string(ev.Kind)))
	return out.Stats, nil
}

// Emit discards the updated record.
func (c *Client) Emit(ctx context.Context, ev usage.Event) error {
	_, err := c.Record(ctx, ev)
	return err
}

// ReadAll fetches the whole ledger document.
func (c *Client) ReadAll(ctx context.Context) (usage.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+statsPath, nil)
	if err != nil {
		return nil, err
	}

	doc := usage.Document{}
	if err := c.do(req, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return fmt.Errorf("%w: %d %s", ErrServer, resp.StatusCode, msg)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
