package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/contracts"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/governance"
)

// Control kinds the kernel handles itself.
const (
	KindBeginTransaction    = "begin_transaction"
	KindCommitTransaction   = "commit_transaction"
	KindRollbackTransaction = "rollback_transaction"
	KindResetGovernance     = "reset_governance"
)

var (
	ErrUnknownKind  = errors.New("unknown command kind")
	ErrKindExists   = errors.New("command kind already registered")
	ErrInvalidClass = errors.New("command class must be READ, MUTATE or CONTROL")
)

var kindName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Handler runs a kind inside the kernel instead of the host executor.
type Handler func(ctx context.Context, cmd *contracts.Command) (any, error)

// KindSpec declares one command kind.
type KindSpec struct {
	Kind  string
	Class governance.KindClass
	// Schema is an optional JSON Schema for the payload.
	Schema string
	// Heavy kinds pass the resource probe before dispatch.
	Heavy       bool
	Handler     Handler
	Description string
}

type registered struct {
	spec   KindSpec
	schema *jsonschema.Schema
}

// Registry is the catalog of command kinds. Kinds are validated when they
// are registered; lookups afterwards never fail on shape.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*registered
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]*registered)}
}

// Register adds spec. The kind name, class and schema are checked here.
func (r *Registry) Register(spec KindSpec) error {
	if !kindName.MatchString(spec.Kind) {
		return fmt.Errorf("kernel: register %q: %w", spec.Kind, contracts.ErrInvalidKind)
	}
	switch spec.Class {
	case governance.ClassRead, governance.ClassMutate, governance.ClassControl:
	default:
		return fmt.Errorf("kernel: register %q: %w", spec.Kind, ErrInvalidClass)
	}
	entry := &registered{spec: spec}
	if strings.TrimSpace(spec.Schema) != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://vibebridge.schemas.local/kinds/%s.schema.json", spec.Kind)
		if err := c.AddResource(url, strings.NewReader(spec.Schema)); err != nil {
			return fmt.Errorf("kernel: schema load for %q failed: %w", spec.Kind, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("kernel: schema compile for %q failed: %w", spec.Kind, err)
		}
		entry.schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[spec.Kind]; ok {
		return fmt.Errorf("kernel: register %q: %w", spec.Kind, ErrKindExists)
	}
	r.kinds[spec.Kind] = entry
	return nil
}

// SetHandler attaches h to an already registered kind.
func (r *Registry) SetHandler(kind string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.kinds[kind]
	if !ok {
		return fmt.Errorf("kernel: %w: %q", ErrUnknownKind, kind)
	}
	entry.spec.Handler = h
	return nil
}

// Lookup returns the spec for kind.
func (r *Registry) Lookup(kind string) (KindSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.kinds[kind]
	if !ok {
		return KindSpec{}, false
	}
	return entry.spec, true
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Classify implements governance.Classifier. Unregistered kinds are
// mutations.
func (r *Registry) Classify(kind string) governance.KindClass {
	if spec, ok := r.Lookup(kind); ok {
		return spec.Class
	}
	return governance.ClassMutate
}

// CheckPayload implements governance.PayloadChecker. Unregistered kinds are
// rejected.
func (r *Registry) CheckPayload(kind string, payload map[string]any) error {
	r.mu.RLock()
	entry, ok := r.kinds[kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if entry.schema == nil {
		return nil
	}
	doc, err := schemaDocument(payload)
	if err != nil {
		return err
	}
	if err := entry.schema.Validate(doc); err != nil {
		return fmt.Errorf("payload for %s does not match its schema: %w", kind, err)
	}
	return nil
}

// schemaDocument re-decodes payload into the plain JSON value tree the
// validator expects.
func schemaDocument(payload map[string]any) (any, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload not encodable: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("payload not decodable: %w", err)
	}
	return doc, nil
}

const vec3Schema = `{"type": "array", "items": {"type": "number"}, "minItems": 3, "maxItems": 3}`

// DefaultRegistry returns the catalog of the bridge's tool surface.
func DefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	for _, spec := range defaultCatalog() {
		if err := r.Register(spec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func defaultCatalog() []KindSpec {
	specs := []KindSpec{
		{Kind: "scene_query", Class: governance.ClassRead, Description: "read the scene graph"},
		{Kind: "audit_op", Class: governance.ClassRead, Description: "rig, weight and export audits"},

		{Kind: KindBeginTransaction, Class: governance.ClassControl,
			Schema: `{"type": "object", "properties": {"label": {"type": "string", "maxLength": 256}}}`},
		{Kind: KindCommitTransaction, Class: governance.ClassControl,
			Schema: `{"type": "object", "properties": {"rationale": {"oneOf": [{"type": "string", "maxLength": 1024}, {"type": "object", "properties": {"summary": {"type": "string", "maxLength": 1024}, "scene_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}}}]}}}`},
		{Kind: KindRollbackTransaction, Class: governance.ClassControl},
		{Kind: KindResetGovernance, Class: governance.ClassControl,
			Schema: `{"type": "object", "required": ["token"], "properties": {"token": {"type": "string", "minLength": 1}, "reason": {"type": "string"}}}`},

		{Kind: "transform", Class: governance.ClassMutate, Description: "move, rotate or scale an object",
			Schema: `{"type": "object", "properties": {
				"target": {"type": "string"},
				"location": ` + vec3Schema + `,
				"rotation": ` + vec3Schema + `,
				"scale": ` + vec3Schema + `}}`},
		{Kind: "modifier_op", Class: governance.ClassMutate,
			Schema: `{"type": "object", "properties": {
				"name": {"type": "string"},
				"mod_type": {"type": "string"},
				"levels": {"type": "integer", "minimum": 0}}}`},
		{Kind: "bake_op", Class: governance.ClassMutate, Heavy: true,
			Schema: `{"type": "object", "properties": {"resolution": {"type": "integer", "minimum": 1}}}`},
		{Kind: "render_op", Class: governance.ClassMutate, Heavy: true},
		{Kind: "lighting_op", Class: governance.ClassMutate,
			Schema: `{"type": "object", "properties": {
				"name": {"type": "string"},
				"energy": {"type": "number", "minimum": 0},
				"color": ` + vec3Schema + `}}`},
		{Kind: "unity_op", Class: governance.ClassMutate,
			Schema: `{"type": "object", "properties": {"action": {"type": "string"}, "ratio": {"type": "number"}}}`},
		{Kind: "exec_script", Class: governance.ClassMutate,
			Schema: `{"type": "object", "required": ["script"], "properties": {"script": {"type": "string"}}}`},
		{Kind: "sandbox_modify_object", Class: governance.ClassMutate,
			Schema: `{"type": "object", "required": ["script"], "properties": {"script": {"type": "string"}, "target": {"type": "string"}}}`},
		{Kind: "curve_op", Class: governance.ClassMutate,
			Schema: `{"type": "object", "properties": {"coords": {"type": "array", "items": ` + vec3Schema + `}}}`},
	}
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		seen[s.Kind] = true
	}
	// Every other kind the intent table permits is a plain mutation.
	var rest []string
	for _, kinds := range governance.DefaultIntentTable() {
		for _, k := range kinds {
			if !seen[k] {
				seen[k] = true
				rest = append(rest, k)
			}
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		specs = append(specs, KindSpec{Kind: k, Class: governance.ClassMutate})
	}
	return specs
}
