package topology

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas used to validate topologies and
// per-kind instance configuration.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry preloaded with the built-in
// topology and service kind schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	sr.RegisterSchema("topology", builtinTopologySchema)
	sr.RegisterSchema("kind/zookeeper", builtinZookeeperSchema)
	sr.RegisterSchema("kind/kafka", builtinKafkaSchema)
	sr.RegisterSchema("kind/schema-registry", builtinSchemaRegistrySchema)
	sr.RegisterSchema("kind/kdc", builtinKDCSchema)
	sr.RegisterSchema("kind/oidc", builtinOIDCSchema)
	sr.RegisterSchema("kind/ssl", builtinSSLSchema)
}

// RegisterSchema compiles and stores a CUE schema under the given name,
// replacing any previous schema with that name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("compile schema %s: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// ValidateAgainstSchema unifies data with the named schema and reports
// any constraint violation.
func (sr *SchemaRegistry) ValidateAgainstSchema(name string, data interface{}) error {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateInstanceConfig validates an instance's configuration against
// the schema registered for its kind. Kinds without a schema pass.
func (sr *SchemaRegistry) ValidateInstanceConfig(kind string, config map[string]string) error {
	name := "kind/" + kind
	if _, ok := sr.GetSchema(name); !ok {
		return nil
	}
	if config == nil {
		config = map[string]string{}
	}
	return sr.ValidateAgainstSchema(name, config)
}

// Built-in schema definitions

const builtinTopologySchema = `
#Instance: {
	name: string & =~"^[a-zA-Z0-9_.-]+$"
	kind: string & =~"^[a-z0-9-]+$"
	version?: string
	count?: int & >=0
	depends_on?: [...string]
	config?: {[string]: string}
	env?: {[string]: string}
	command?: [...string]
	post_start?: [...[...string]]
	install_hint?: string
}

// Name is the cluster name
name: string & =~"^[a-zA-Z0-9_-]+$"

// Version is the default service version
version?: string

// Instances are the services to bring up
instances: [...#Instance] & [_, ...]
`

const builtinZookeeperSchema = `
{
	client_port?: string & =~"^[0-9]+$"
	tick_time?: string & =~"^[0-9]+$"
	...
}
`

const builtinKafkaSchema = `
{
	broker_id?: string & =~"^[0-9]+$"
	num_partitions?: string & =~"^[0-9]+$"
	replication_factor?: string & =~"^[0-9]+$"
	listener_security_protocol?: "PLAINTEXT" | "SSL" | "SASL_PLAINTEXT" | "SASL_SSL"
	sasl_mechanism?: "PLAIN" | "SCRAM-SHA-256" | "SCRAM-SHA-512" | "GSSAPI" | "OAUTHBEARER"
	...
}
`

const builtinSchemaRegistrySchema = `
{
	avro_compatibility_level?: "none" | "backward" | "forward" | "full"
	...
}
`

const builtinKDCSchema = `
{
	realm?: string & =~"^[A-Z0-9.-]+$"
	...
}
`

const builtinOIDCSchema = `
{
	issuer?: string
	token_ttl_seconds?: string & =~"^[0-9]+$"
	...
}
`

const builtinSSLSchema = `
{
	cn?: string
	key_password?: string
	...
}
`
