package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/airlock"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/config"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/contracts"
)

// runSubmitCmd implements `vibebridge submit`.
//
// Exit codes:
//
//	0 = SUCCESS
//	1 = BLOCKED, ERROR or no result in time
//	2 = usage error
func runSubmitCmd(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("submit", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		kind    string
		intent  string
		payload string
		session string
		dryRun  bool
		timeout time.Duration
	)
	cmd.StringVar(&kind, "kind", "", "Command kind (REQUIRED)")
	cmd.StringVar(&intent, "intent", "GENERAL", "Declared intent")
	cmd.StringVar(&payload, "payload", "{}", "JSON payload, or @file to read it from a file")
	cmd.StringVar(&session, "session", "", "Optional session id")
	cmd.BoolVar(&dryRun, "dry-run", false, "Evaluate governance without executing")
	cmd.DurationVar(&timeout, "timeout", cfg.ClientTimeout, "How long to wait for the result")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if kind == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --kind is required")
		return 2
	}
	in, err := contracts.ParseIntent(strings.ToUpper(intent))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	body, err := decodePayload(payload)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	c := contracts.NewCommand(kind, in, body)
	c.SessionID = session
	c.DryRun = dryRun
	return call(ctx, cfg, c, timeout, stdout, stderr)
}

// call sends c through the airlock and prints the result.
func call(ctx context.Context, cfg *config.Config, c *contracts.Command, timeout time.Duration, stdout, stderr io.Writer) int {
	client, err := airlock.NewClient(cfg.QueueDir,
		airlock.WithToken(cfg.BridgeToken),
		airlock.WithPollInterval(cfg.PollInterval),
	)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	res, err := client.Call(ctx, c, timeout)
	if err != nil {
		if errors.Is(err, contracts.ErrTimeout) {
			_, _ = fmt.Fprintf(stderr, "Error: no result for %s within %s; is the host running?\n", c.ID, timeout)
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeJSON(stdout, res); err != nil {
		return 1
	}
	if res.Status != contracts.StatusSuccess {
		return 1
	}
	return 0
}

func decodePayload(s string) (map[string]any, error) {
	raw := []byte(s)
	if strings.HasPrefix(s, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(s, "@"))
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = data
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return out, nil
}
