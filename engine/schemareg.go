package engine

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaRegistry holds compiled validators keyed by a short schema key.
// Registration persists the schema document in the index database so tools
// outside the process can read what a stream was validated against; the
// compiled validator is the in-memory parallel used on the append path.
type SchemaRegistry struct {
	mu         sync.RWMutex
	validators map[string]*jsonschema.Schema
}

func newSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{validators: make(map[string]*jsonschema.Schema)}
}

// compile builds a validator for a raw JSON Schema document.
func compileSchema(key string, document []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("parse schema %q: %w", key, err)
	}

	compiler := jsonschema.NewCompiler()
	url := key + ".schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema %q: %w", key, err)
	}

	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", key, err)
	}
	return schema, nil
}

func (r *SchemaRegistry) put(key string, schema *jsonschema.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[key] = schema
}

// get returns the compiled validator for key, or nil.
func (r *SchemaRegistry) get(key string) *jsonschema.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.validators[key]
}

// RegisterSchema compiles and installs a schema document under key, and
// persists it so the registry survives restarts. Re-registering the same key
// replaces the validator and bumps the stored document.
func (e *Engine) RegisterSchema(key string, document []byte, version int) error {
	schema, err := compileSchema(key, document)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	_, err = e.db.Exec(`
		INSERT INTO schemas (key, document, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET document = excluded.document,
			version = excluded.version, updated_at = excluded.updated_at`,
		key, string(document), version, now, now)
	if err != nil {
		return fmt.Errorf("persist schema %q: %w", key, err)
	}

	e.schemas.put(key, schema)
	return nil
}

// loadSchemas recompiles every persisted schema at open.
func (e *Engine) loadSchemas() error {
	rows, err := e.db.Query(`SELECT key, document FROM schemas`)
	if err != nil {
		return fmt.Errorf("load schemas: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, document string
		if err := rows.Scan(&key, &document); err != nil {
			return err
		}
		schema, err := compileSchema(key, []byte(document))
		if err != nil {
			return err
		}
		e.schemas.put(key, schema)
	}
	return rows.Err()
}

// validatePayload checks one record against the stream's schema, if any.
// The on-wire JSON framing suffixes each stored record with a comma; that
// (and trailing whitespace) is stripped before parsing.
func (e *Engine) validatePayload(schemaKey string, data []byte) error {
	if schemaKey == "" {
		return nil
	}
	schema := e.schemas.get(schemaKey)
	if schema == nil {
		return nil
	}

	trimmed := bytes.TrimRight(data, " \t\r\n")
	trimmed = bytes.TrimSuffix(trimmed, []byte(","))

	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	return nil
}
