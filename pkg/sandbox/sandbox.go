// Package sandbox runs agent scripts inside a WebAssembly interpreter with
// no filesystem, no network and no environment. The interpreter module is
// compiled once; each run gets a fresh instance with the script on stdin.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/contracts"
)

const (
	DefaultMemoryLimitBytes = 64 << 20
	DefaultTimeout          = 10 * time.Second
	DefaultMaxOutputBytes   = 1 << 20

	pageSize = 64 * 1024
)

var (
	// ErrTimeout is returned when a script outlives its deadline.
	ErrTimeout = errors.New("sandbox: script exceeded its time limit")
	// ErrNoScript is returned by the handler for a payload without a script.
	ErrNoScript = errors.New("sandbox: payload carries no script")
	// ErrExit wraps a non-zero interpreter exit.
	ErrExit = errors.New("sandbox: script exited with non-zero status")
)

// Config bounds a Runner.
type Config struct {
	MemoryLimitBytes int64
	Timeout          time.Duration
	MaxOutputBytes   int
	// Args is the interpreter argv. The script is always on stdin.
	Args []string
}

// Output is what one run produced.
type Output struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode uint32        `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Runner executes scripts in a compiled interpreter module.
type Runner struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	cfg      Config
	logger   *slog.Logger
}

// NewRunner compiles interpreter and prepares a deny-by-default runtime.
func NewRunner(ctx context.Context, interpreter []byte, cfg Config) (*Runner, error) {
	if cfg.MemoryLimitBytes <= 0 {
		cfg.MemoryLimitBytes = DefaultMemoryLimitBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{"interpreter"}
	}

	pages := uint32(cfg.MemoryLimitBytes / pageSize)
	if pages == 0 {
		pages = 1
	}
	rcfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, rcfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate WASI: %w", err)
	}
	compiled, err := r.CompileModule(ctx, interpreter)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: compile interpreter: %w", err)
	}
	return &Runner{
		runtime:  r,
		compiled: compiled,
		cfg:      cfg,
		logger:   slog.Default().With("component", "sandbox"),
	}, nil
}

// LoadRunner reads the interpreter module from path.
func LoadRunner(ctx context.Context, path string, cfg Config) (*Runner, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read interpreter: %w", err)
	}
	return NewRunner(ctx, wasm, cfg)
}

// Run executes script to completion or until the time limit. A non-zero
// exit is reported in Output, not as an error.
func (r *Runner) Run(ctx context.Context, script string) (*Output, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	stdout := &limitedBuffer{max: r.cfg.MaxOutputBytes}
	stderr := &limitedBuffer{max: r.cfg.MaxOutputBytes}
	mcfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(r.cfg.Args...).
		WithStdin(bytes.NewReader([]byte(script))).
		WithStdout(stdout).
		WithStderr(stderr).
		WithStartFunctions("_start")

	start := time.Now()
	mod, err := r.runtime.InstantiateModule(ctx, r.compiled, mcfg)
	out := &Output{Duration: time.Since(start)}
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}

	if err != nil {
		var exit *sys.ExitError
		switch {
		case errors.As(err, &exit) && (exit.ExitCode() == sys.ExitCodeDeadlineExceeded || exit.ExitCode() == sys.ExitCodeContextCanceled):
			r.logger.WarnContext(ctx, "script timed out", "limit", r.cfg.Timeout)
			return nil, fmt.Errorf("%w (%s)", ErrTimeout, r.cfg.Timeout)
		case errors.As(err, &exit):
			out.ExitCode = exit.ExitCode()
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w (%s)", ErrTimeout, r.cfg.Timeout)
		default:
			return nil, fmt.Errorf("sandbox: run: %w", err)
		}
	}
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	return out, nil
}

// Handler adapts the runner to a kernel handler for script kinds. The
// returned function matches kernel.Handler.
func (r *Runner) Handler(field string) func(ctx context.Context, cmd *contracts.Command) (any, error) {
	return func(ctx context.Context, cmd *contracts.Command) (any, error) {
		script, _ := cmd.Payload[field].(string)
		if script == "" {
			return nil, ErrNoScript
		}
		out, err := r.Run(ctx, script)
		if err != nil {
			return nil, err
		}
		if out.ExitCode != 0 {
			return nil, fmt.Errorf("%w: %d: %s", ErrExit, out.ExitCode, out.Stderr)
		}
		return out, nil
	}
}

// Close releases the runtime.
func (r *Runner) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// limitedBuffer keeps at most max bytes and drops the rest.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
