package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/agentbridge-dev/agentbridge/pkg/agui/errors"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/wire"
)

// EventHandler receives each wire event of a run as it arrives. Returning
// an error stops the stream.
type EventHandler func(ev *wire.Event) error

// Client runs turns against a remote backend over its SSE endpoint and
// keeps the local state view reconciled.
type Client struct {
	baseURL    string
	httpClient *http.Client
	reconciler *Reconciler

	userID    string
	sessionID string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithIdentity sets the user and session headers sent with every run.
func WithIdentity(userID, sessionID string) Option {
	return func(c *Client) {
		c.userID = userID
		c.sessionID = sessionID
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 0}, // streaming; no request timeout
		reconciler: NewReconciler(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reconciler exposes the client's state view.
func (c *Client) Reconciler() *Reconciler {
	return c.reconciler
}

// Run sends one turn and consumes its event stream until RUN_FINISHED or
// RUN_ERROR. State events are reconciled before the handler sees them. The
// input's State field is overwritten with the reconciler's base state, so
// staged local edits ride along.
func (c *Client) Run(ctx context.Context, input *wire.RunAgentInput, handler EventHandler) error {
	input.State = c.reconciler.BaseState()
	if input.RunID == "" {
		input.RunID = fmt.Sprintf("run-%d", time.Now().UnixNano())
	}

	body, err := json.Marshal(input)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "failed to serialize run input", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agui/run", bytes.NewReader(body))
	if err != nil {
		return apperrors.New(apperrors.ErrCodeTransport, "failed to build run request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.userID != "" {
		req.Header.Set("X-User-Id", c.userID)
	}
	if c.sessionID != "" {
		req.Header.Set("X-Session-Id", c.sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeTransport, "run request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.New(apperrors.ErrCodeTransport,
			fmt.Sprintf("run request returned status %d", resp.StatusCode), nil)
	}

	return c.consume(resp.Body, handler)
}

func (c *Client) consume(body io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		ev, err := wire.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")))
		if err != nil {
			return apperrors.New(apperrors.ErrCodeTransport, "failed to decode stream event", err)
		}

		if err := c.reconciler.HandleEvent(ev); err != nil {
			return err
		}
		if handler != nil {
			if err := handler(ev); err != nil {
				return err
			}
		}

		switch ev.Type {
		case wire.EventTypeRunFinished:
			return nil
		case wire.EventTypeRunError:
			return apperrors.New(apperrors.ErrCodeRunFailed, ev.Error, nil)
		}
	}
	if err := scanner.Err(); err != nil {
		return apperrors.New(apperrors.ErrCodeTransport, "stream read failed", err)
	}
	return apperrors.New(apperrors.ErrCodeTransport, "stream ended before run completion", nil)
}
