package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/Thulrus/ParallaxIndex/internal/core"
	"github.com/Thulrus/ParallaxIndex/pkg/logger"
)

// Registry binds plugin ids to implementations via an explicit table. It is
// populated once at process start by the discovery collaborator; the core
// never scans the filesystem itself.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	caps    map[string]core.Capability
	schemas map[string]*jsonschema.Schema
	raw     map[string][]byte // canonical schema JSON, for compatibility checks
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		caps:    make(map[string]core.Capability),
		schemas: make(map[string]*jsonschema.Schema),
		raw:     make(map[string][]byte),
	}
}

// Register binds a plugin. Re-registration replaces the prior binding unless
// the identical id+version pair is already bound with an incompatible config
// schema, which fails with ErrDuplicateCapability.
func (r *Registry) Register(p Plugin) error {
	cap := p.Capability()
	if cap.ID == "" {
		return fmt.Errorf("register plugin: empty plugin id")
	}
	if !cap.Category.Valid() {
		return fmt.Errorf("register plugin %s: unknown category %q", cap.ID, cap.Category)
	}

	rawSchema, err := json.Marshal(cap.ConfigSchema)
	if err != nil {
		return fmt.Errorf("register plugin %s: marshal config schema: %w", cap.ID, err)
	}
	compiled, err := compileSchema(cap.ID, rawSchema)
	if err != nil {
		return fmt.Errorf("register plugin %s: %w", cap.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.caps[cap.ID]; ok {
		if prev.Version == cap.Version && !bytes.Equal(r.raw[cap.ID], rawSchema) {
			return fmt.Errorf("%w: %s@%s schema differs from existing registration",
				core.ErrDuplicateCapability, cap.ID, cap.Version)
		}
		logger.Info("replacing plugin registration", cap.ID,
			zap.String("old_version", prev.Version), zap.String("new_version", cap.Version))
	}

	r.plugins[cap.ID] = p
	r.caps[cap.ID] = cap
	r.schemas[cap.ID] = compiled
	r.raw[cap.ID] = rawSchema
	logger.Info("registered plugin", cap.ID,
		zap.String("version", cap.Version), zap.String("category", string(cap.Category)))
	return nil
}

// Resolve returns the plugin bound to id or ErrUnknownPlugin.
func (r *Registry) Resolve(id string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownPlugin, id)
	}
	return p, nil
}

// Capability returns the declared capability for id or ErrUnknownPlugin.
func (r *Registry) Capability(id string) (core.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.caps[id]
	if !ok {
		return core.Capability{}, fmt.Errorf("%w: %s", core.ErrUnknownPlugin, id)
	}
	return cap, nil
}

// List returns all registered capabilities sorted by plugin id.
func (r *Registry) List() []core.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Capability, 0, len(r.caps))
	for _, cap := range r.caps {
		out = append(out, cap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidateConfig checks an instance config against the plugin's declared
// schema. A violation fails with ErrInvalidConfig carrying the schema error;
// this gate runs before a SourceInstance may be persisted or scheduled.
func (r *Registry) ValidateConfig(id string, config map[string]any) error {
	r.mu.RLock()
	sch, ok := r.schemas[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownPlugin, id)
	}

	// Round-trip through JSON so the instance uses the value types the
	// schema validator expects.
	encoded, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
	}
	return nil
}

func compileSchema(pluginID string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse config schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	resource := pluginID + "-config.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add config schema: %w", err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	return compiled, nil
}
