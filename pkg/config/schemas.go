package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/openfroyo/warden/pkg/types"
)

// SettingsDefinition is the definition a package schema may declare to
// constrain setup answers. A schema without it constrains the answers at its
// root.
const SettingsDefinition = "#Settings"

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	// mu serializes all use of ctx, which is not safe for concurrent use.
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]cue.Value
	files   map[string]cachedSchema
}

type cachedSchema struct {
	modTime time.Time
	value   cue.Value
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
		files:   make(map[string]cachedSchema),
	}
	if err := sr.RegisterSchema("instance", builtinInstanceSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, convertCUEErrors(err))
	}
	sr.schemas[name] = val
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAgainstSchema validates data against definition (e.g.
// "#InstanceConfig") of the named schema. data goes through its JSON form, so
// json tags and marshalers apply.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName, definition string, data any) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}
	def := schema.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no %s", schemaName, definition)
	}
	return sr.unify(def, data)
}

// ValidateInstanceConfig validates a persisted instance configuration.
func (sr *SchemaRegistry) ValidateInstanceConfig(cfg types.InstanceConfig) error {
	return sr.ValidateAgainstSchema("instance", "#InstanceConfig", cfg)
}

// ValidateSettings validates setup answers against the CUE file at schemaPath.
// The compiled file is cached until it changes on disk.
func (sr *SchemaRegistry) ValidateSettings(schemaPath string, settings map[string]map[string]any) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, err := sr.loadFile(schemaPath)
	if err != nil {
		return err
	}
	def := schema.LookupPath(cue.ParsePath(SettingsDefinition))
	if !def.Exists() {
		def = schema
	}
	if settings == nil {
		settings = map[string]map[string]any{}
	}
	return sr.unify(def, settings)
}

func (sr *SchemaRegistry) loadFile(path string) (cue.Value, error) {
	info, err := os.Stat(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to stat schema: %w", err)
	}
	if cached, ok := sr.files[path]; ok && cached.modTime.Equal(info.ModTime()) {
		return cached.value, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to read schema: %w", err)
	}
	val := sr.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile schema %s: %w", path, convertCUEErrors(err))
	}
	sr.files[path] = cachedSchema{modTime: info.ModTime(), value: val}
	return val, nil
}

func (sr *SchemaRegistry) unify(schema cue.Value, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	val := sr.ctx.CompileBytes(raw)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if err := schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

const builtinInstanceSchema = `
#InstanceConfig: {
	uuid: =~"^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$"

	// Name is shown to players and used in log lines
	name:         string & =~"^[^/\\\\]+$"
	description?: string
	kind:         "native" | "generic"
	game_type?:   string
	port?:        int & >0 & <=65535

	auto_start:       bool
	restart_on_crash: bool
	creation_time:    string
	path:             string & !=""

	command?:                string
	args?:                   [...string]
	env?:                    {[string]: string}
	stop_command?:           string
	stop_timeout?:           =~"^[0-9]"
	max_players?:            int & >=0
	player_join_pattern?:    string
	player_leave_pattern?:   string
	player_message_pattern?: string

	package?:      string
	sandbox_kind?: "starlark" | "wasm"
	settings?: {[string]: {[string]: _}}

	if kind == "native" {
		command: string & !=""
	}
	if kind == "generic" {
		package: string & !=""
	}
}
`
