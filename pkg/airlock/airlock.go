// Package airlock is the filesystem transport between the agent-side
// client and the host. Requests land in root/inbox/<id>.json and results in
// root/outbox/res_<id>.json. Every artifact is written to a dot-prefixed
// temp file and renamed into place, so readers never see a partial file.
package airlock

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/canonicalize"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/contracts"
)

const (
	// EnvelopeVersion is the artifact format version.
	EnvelopeVersion = 1

	requestSuffix = ".json"
	resultPrefix  = "res_"
	tempSuffix    = ".tmp"

	kdfSalt = "vibebridge-airlock"
	kdfInfo = "envelope-mac-v1"
)

// State is the lifecycle of one command id as seen through the airlock.
type State string

const (
	StateIdle           State = "IDLE"
	StateRequestWritten State = "REQUEST_WRITTEN"
	StateResultWritten  State = "RESULT_WRITTEN"
	StateConsumed       State = "CONSUMED"
)

// CanTransition reports whether to follows s in the airlock state machine.
func (s State) CanTransition(to State) bool {
	switch s {
	case StateIdle:
		return to == StateRequestWritten
	case StateRequestWritten:
		// a withdrawn request returns to IDLE
		return to == StateResultWritten || to == StateIdle
	case StateResultWritten:
		return to == StateConsumed
	default:
		return false
	}
}

// Envelope wraps a request on disk.
type Envelope struct {
	Version int               `json:"version"`
	Command contracts.Command `json:"command"`
	MAC     string            `json:"mac,omitempty"`
}

// ResultEnvelope wraps a result on disk.
type ResultEnvelope struct {
	Version int              `json:"version"`
	Result  contracts.Result `json:"result"`
	MAC     string           `json:"mac,omitempty"`
}

// Layout resolves artifact paths under a root directory.
type Layout struct {
	Root string
}

func (l Layout) Inbox() string  { return filepath.Join(l.Root, "inbox") }
func (l Layout) Outbox() string { return filepath.Join(l.Root, "outbox") }

func (l Layout) RequestPath(id string) string {
	return filepath.Join(l.Inbox(), id+requestSuffix)
}

func (l Layout) ResultPath(id string) string {
	return filepath.Join(l.Outbox(), resultPrefix+id+requestSuffix)
}

// Ensure creates the inbox and outbox.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Inbox(), l.Outbox()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("airlock: ensure %s: %w", dir, err)
		}
	}
	return nil
}

// FileState derives the state of id from the artifacts on disk. It cannot
// tell CONSUMED from IDLE; the client tracks consumption itself.
func (l Layout) FileState(id string) State {
	if exists(l.ResultPath(id)) {
		return StateResultWritten
	}
	if exists(l.RequestPath(id)) {
		return StateRequestWritten
	}
	return StateIdle
}

// signer authenticates envelopes with an HMAC keyed from the bridge token.
// A nil signer neither signs nor verifies.
type signer struct {
	key []byte
}

func newSigner(token string) (*signer, error) {
	if token == "" {
		return nil, nil
	}
	r := hkdf.New(sha256.New, []byte(token), []byte(kdfSalt), []byte(kdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("airlock: derive mac key: %w", err)
	}
	return &signer{key: key}, nil
}

func (s *signer) mac(v any) (string, error) {
	if s == nil {
		return "", nil
	}
	canonical, err := canonicalize.JCS(v)
	if err != nil {
		return "", err
	}
	m := hmac.New(sha256.New, s.key)
	m.Write(canonical)
	return hex.EncodeToString(m.Sum(nil)), nil
}

func (s *signer) verify(v any, got string) error {
	if s == nil {
		return nil
	}
	if got == "" {
		return fmt.Errorf("%w: missing mac", contracts.ErrMalformed)
	}
	want, err := s.mac(v)
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrMalformed, err)
	}
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(got))) {
		return fmt.Errorf("%w: mac mismatch", contracts.ErrMalformed)
	}
	return nil
}

// writeAtomic writes data next to path under a dot-prefixed temp name and
// renames it into place.
func writeAtomic(path string, data []byte) error {
	dir, base := filepath.Split(path)
	tmp := filepath.Join(dir, "."+base+tempSuffix)
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("airlock: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("airlock: publish %s: %w", path, err)
	}
	return nil
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("airlock: encode: %w", err)
	}
	return data, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// isArtifact reports whether name is a committed artifact rather than a
// temp file or foreign file.
func isArtifact(name string) bool {
	return !strings.HasPrefix(name, ".") && strings.HasSuffix(name, requestSuffix)
}
