package airlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/contracts"
)

const (
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultClientTimeout = 60 * time.Second
	// DefaultSubmitRate paces submissions at five per second.
	DefaultSubmitRate = 5
)

// ErrAlreadySubmitted is returned when a request for the id is already
// waiting in the inbox.
var ErrAlreadySubmitted = errors.New("airlock: request already pending")

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken signs requests and requires signed results.
func WithToken(token string) ClientOption { return func(c *Client) { c.token = token } }

// WithPollInterval sets how often AwaitResult checks the outbox.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithSubmitRate overrides submission pacing. A non-positive rate disables
// pacing.
func WithSubmitRate(perSecond float64) ClientOption {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption { return func(c *Client) { c.logger = l } }

// Client is the agent-side end of the airlock.
type Client struct {
	layout  Layout
	token   string
	signer  *signer
	poll    time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger

	mu       sync.Mutex
	consumed map[string]bool
}

// NewClient returns a client for the airlock rooted at root.
func NewClient(root string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		layout:   Layout{Root: root},
		poll:     DefaultPollInterval,
		limiter:  rate.NewLimiter(DefaultSubmitRate, 1),
		logger:   slog.Default().With("component", "airlock.client"),
		consumed: map[string]bool{},
	}
	for _, opt := range opts {
		opt(c)
	}
	var err error
	if c.signer, err = newSigner(c.token); err != nil {
		return nil, err
	}
	if err := c.layout.Ensure(); err != nil {
		return nil, err
	}
	return c, nil
}

// Submit validates cmd and publishes it to the inbox.
func (c *Client) Submit(ctx context.Context, cmd *contracts.Command) error {
	if err := cmd.Validate(); err != nil {
		return &contracts.ProtocolFailure{Op: "submit", Err: err}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return &contracts.ProtocolFailure{Op: "submit", Err: err}
	}
	path := c.layout.RequestPath(cmd.ID)
	if exists(path) {
		return &contracts.ProtocolFailure{Op: "submit", Err: fmt.Errorf("%w: %s", ErrAlreadySubmitted, cmd.ID)}
	}
	env := Envelope{Version: EnvelopeVersion, Command: *cmd}
	mac, err := c.signer.mac(env.Command)
	if err != nil {
		return &contracts.ProtocolFailure{Op: "submit", Err: err}
	}
	env.MAC = mac
	data, err := encode(env)
	if err != nil {
		return &contracts.ProtocolFailure{Op: "submit", Err: err}
	}
	if err := writeAtomic(path, data); err != nil {
		return &contracts.ProtocolFailure{Op: "submit", Err: err}
	}
	c.logger.DebugContext(ctx, "request submitted", "id", cmd.ID, "kind", cmd.Kind)
	return nil
}

// AwaitResult polls the outbox until the result for id appears, then
// consumes it. A non-positive timeout uses the 60 second default. On
// timeout the error wraps contracts.ErrTimeout; the caller should withdraw
// the request and retry under a fresh id.
func (c *Client) AwaitResult(ctx context.Context, id string, timeout time.Duration) (*contracts.Result, error) {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	path := c.layout.ResultPath(id)
	for {
		res, err := c.consume(path, id)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &contracts.ProtocolFailure{Op: "await_result", Err: fmt.Errorf("%w: %s after %s", contracts.ErrTimeout, id, timeout)}
			}
			return nil, &contracts.ProtocolFailure{Op: "await_result", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func (c *Client) consume(path, id string) (*contracts.Result, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &contracts.ProtocolFailure{Op: "await_result", Err: err}
	}
	var env ResultEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		_ = os.Remove(path)
		return nil, &contracts.ProtocolFailure{Op: "await_result", Err: fmt.Errorf("%w: %v", contracts.ErrMalformed, err)}
	}
	if err := c.signer.verify(env.Result, env.MAC); err != nil {
		_ = os.Remove(path)
		return nil, &contracts.ProtocolFailure{Op: "await_result", Err: err}
	}
	if env.Result.ID != id {
		_ = os.Remove(path)
		return nil, &contracts.ProtocolFailure{Op: "await_result", Err: fmt.Errorf("%w: result for %q in slot %q", contracts.ErrMalformed, env.Result.ID, id)}
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &contracts.ProtocolFailure{Op: "await_result", Err: err}
	}
	c.mu.Lock()
	c.consumed[id] = true
	c.mu.Unlock()
	return &env.Result, nil
}

// Withdraw removes a request the host has not taken yet. It reports
// whether a request was removed.
func (c *Client) Withdraw(id string) (bool, error) {
	err := os.Remove(c.layout.RequestPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("airlock: withdraw %s: %w", id, err)
	}
	return true, nil
}

// Call submits cmd and waits for its result. On timeout the pending
// request is withdrawn.
func (c *Client) Call(ctx context.Context, cmd *contracts.Command, timeout time.Duration) (*contracts.Result, error) {
	if err := c.Submit(ctx, cmd); err != nil {
		return nil, err
	}
	res, err := c.AwaitResult(ctx, cmd.ID, timeout)
	if err != nil {
		if errors.Is(err, contracts.ErrTimeout) {
			if removed, werr := c.Withdraw(cmd.ID); werr == nil && removed {
				c.logger.WarnContext(ctx, "request withdrawn after timeout", "id", cmd.ID)
			}
		}
		return nil, err
	}
	return res, nil
}

// State reports where id is in the airlock lifecycle.
func (c *Client) State(id string) State {
	c.mu.Lock()
	consumed := c.consumed[id]
	c.mu.Unlock()
	if s := c.layout.FileState(id); s != StateIdle {
		return s
	}
	if consumed {
		return StateConsumed
	}
	return StateIdle
}
