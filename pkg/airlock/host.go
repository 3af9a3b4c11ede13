package airlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/contracts"
)

// ReasonMalformed is the reason on results answering discarded artifacts.
const ReasonMalformed = "MALFORMED_ARTIFACT"

// Request is one command taken from the inbox.
type Request struct {
	Command *contracts.Command
	Path    string
	ModTime time.Time
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithHostToken requires signed requests and signs results.
func WithHostToken(token string) HostOption { return func(h *Host) { h.token = token } }

// WithHostLogger sets the logger.
func WithHostLogger(l *slog.Logger) HostOption { return func(h *Host) { h.logger = l } }

// WithHostClock overrides the timestamp used on protocol-failure results.
func WithHostClock(clock func() time.Time) HostOption { return func(h *Host) { h.clock = clock } }

// Host is the host-side end of the airlock. It is driven by a single
// goroutine and never blocks.
type Host struct {
	layout Layout
	token  string
	signer *signer
	logger *slog.Logger
	clock  func() time.Time
}

// NewHost returns a host for the airlock rooted at root, creating the
// inbox and outbox on demand.
func NewHost(root string, opts ...HostOption) (*Host, error) {
	h := &Host{
		layout: Layout{Root: root},
		logger: slog.Default().With("component", "airlock.host"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	var err error
	if h.signer, err = newSigner(h.token); err != nil {
		return nil, err
	}
	if err := h.layout.Ensure(); err != nil {
		return nil, err
	}
	return h, nil
}

// Layout exposes artifact paths.
func (h *Host) Layout() Layout { return h.layout }

type inboxItem struct {
	name    string
	modTime time.Time
}

// TakeNext returns the oldest well-formed request, or nil when the inbox
// is empty. Malformed artifacts met along the way are deleted, logged and,
// when their file name is a usable id, answered with a protocol failure.
// The request stays in the inbox until Ack.
func (h *Host) TakeNext(ctx context.Context) (*Request, error) {
	entries, err := os.ReadDir(h.layout.Inbox())
	if errors.Is(err, os.ErrNotExist) {
		if err := h.layout.Ensure(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("airlock: list inbox: %w", err)
	}

	items := make([]inboxItem, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isArtifact(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// raced with a withdraw
			continue
		}
		items = append(items, inboxItem{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].modTime.Equal(items[j].modTime) {
			return items[i].modTime.Before(items[j].modTime)
		}
		return items[i].name < items[j].name
	})

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := strings.TrimSuffix(it.name, requestSuffix)
		path := h.layout.RequestPath(id)
		cmd, err := h.decode(path, id)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			h.discard(ctx, path, id, err)
			continue
		}
		return &Request{Command: cmd, Path: path, ModTime: it.modTime}, nil
	}
	return nil, nil
}

func (h *Host) decode(path, id string) (*contracts.Command, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env Envelope
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrMalformed, err)
	}
	if env.Version != EnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", contracts.ErrMalformed, env.Version)
	}
	if env.Command.ID != id {
		return nil, fmt.Errorf("%w: command id %q does not match file name", contracts.ErrMalformed, env.Command.ID)
	}
	if err := h.signer.verify(env.Command, env.MAC); err != nil {
		return nil, err
	}
	if err := env.Command.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrMalformed, err)
	}
	return &env.Command, nil
}

func (h *Host) discard(ctx context.Context, path, id string, cause error) {
	h.logger.WarnContext(ctx, "discarding malformed request", "file", path, "error", cause)
	if _, err := uuid.Parse(id); err == nil && !exists(h.layout.ResultPath(id)) {
		res := &contracts.Result{
			ID:          id,
			Status:      contracts.StatusError,
			Reason:      ReasonMalformed,
			Message:     cause.Error(),
			ErrorClass:  contracts.ClassProtocolFailure,
			Retryable:   false,
			CompletedAt: h.clock().UTC(),
		}
		if err := h.Respond(ctx, id, res); err != nil {
			h.logger.ErrorContext(ctx, "failed to answer malformed request", "id", id, "error", err)
		}
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		h.logger.ErrorContext(ctx, "failed to remove malformed request", "file", path, "error", err)
	}
}

// Respond publishes the result for id.
func (h *Host) Respond(ctx context.Context, id string, res *contracts.Result) error {
	if res == nil {
		return errors.New("airlock: nil result")
	}
	env := ResultEnvelope{Version: EnvelopeVersion, Result: *res}
	env.Result.ID = id
	mac, err := h.signer.mac(env.Result)
	if err != nil {
		return fmt.Errorf("airlock: sign result: %w", err)
	}
	env.MAC = mac
	data, err := encode(env)
	if err != nil {
		return err
	}
	if err := writeAtomic(h.layout.ResultPath(id), data); err != nil {
		return err
	}
	h.logger.DebugContext(ctx, "result published", "id", id, "status", res.Status)
	return nil
}

// Ack deletes the request artifact once it has been fully dispatched.
func (h *Host) Ack(id string) error {
	err := os.Remove(h.layout.RequestPath(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("airlock: ack %s: %w", id, err)
	}
	return nil
}

// HasResult reports whether a result for id is already waiting. A
// redelivered request with a waiting result needs no second dispatch.
func (h *Host) HasResult(id string) bool {
	return exists(h.layout.ResultPath(id))
}
