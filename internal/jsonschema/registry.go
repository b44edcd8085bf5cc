// Package jsonschema maintains the process-wide registry of named JSON
// schemas used by CHECK constraints and record file columns.
package jsonschema

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	// SchemaFileUpload is the builtin schema for single file columns.
	SchemaFileUpload = "std.FileUpload"
	// SchemaFileUploads is the builtin schema for file list columns.
	SchemaFileUploads = "std.FileUploads"
)

var (
	ErrSchemaNotFound = errors.New("json schema not found")
	ErrNotValid       = errors.New("json schema validation failed")
)

const fileUploadSchema = `{
	"type": "object",
	"properties": {
		"id": {"type": "string"},
		"filename": {"type": "string"},
		"content_type": {"type": "string"},
		"mime_type": {"type": "string"}
	},
	"required": ["id"]
}`

const fileUploadsSchema = `{
	"type": "array",
	"items": ` + fileUploadSchema + `
}`

// ExtraValidator applies schema-specific options beyond the compiled schema,
// e.g. a MIME allowlist for file uploads.
type ExtraValidator func(value any, extra string) error

type entry struct {
	raw      string
	compiled *jsonschema.Schema
	extra    ExtraValidator
}

// Registry is a named-schema map with compiled, cached validators. Updates
// are serialized; validation is lock-free after lookup.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*entry
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the process-wide registry, initialized with the builtin
// file-upload schemas on first use.
func Global() *Registry {
	globalOnce.Do(func() {
		global = NewRegistry()
	})
	return global
}

// NewRegistry creates a registry seeded with the builtin schemas.
func NewRegistry() *Registry {
	r := &Registry{schemas: make(map[string]*entry)}
	if err := r.Register(SchemaFileUpload, fileUploadSchema, validateFileUploadExtra); err != nil {
		panic(fmt.Sprintf("compiling builtin schema: %v", err))
	}
	if err := r.Register(SchemaFileUploads, fileUploadsSchema, validateFileUploadsExtra); err != nil {
		panic(fmt.Sprintf("compiling builtin schema: %v", err))
	}
	return r
}

// Register compiles and installs a named schema, replacing any previous
// entry. Validation of in-flight calls against the old entry is unaffected.
func (r *Registry) Register(name, schema string, extra ExtraValidator) error {
	compiled, err := compile(name, schema)
	if err != nil {
		return fmt.Errorf("compiling schema %q: %w", name, err)
	}

	r.mu.Lock()
	r.schemas[name] = &entry{raw: schema, compiled: compiled, extra: extra}
	r.mu.Unlock()
	return nil
}

// Get returns the raw schema text for name.
func (r *Registry) Get(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.schemas[name]
	if !ok {
		return "", false
	}
	return e.raw, true
}

// Names returns all registered schema names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	return names
}

// Validate checks value (a decoded JSON document) against the named schema.
// extra passes schema-specific options to the entry's ExtraValidator.
func (r *Registry) Validate(name string, value any, extra string) error {
	r.mu.RLock()
	e, ok := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrSchemaNotFound, name)
	}

	if err := e.compiled.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrNotValid, err)
	}

	if e.extra != nil && extra != "" {
		if err := e.extra(value, extra); err != nil {
			return fmt.Errorf("%w: %v", ErrNotValid, err)
		}
	}
	return nil
}

// ValidateInline checks value against a schema given as text, compiling on
// the fly. Used by the jsonschema_matches() SQL function.
func ValidateInline(schema string, value any) error {
	compiled, err := compile("inline", schema)
	if err != nil {
		return fmt.Errorf("compiling inline schema: %w", err)
	}
	if err := compiled.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrNotValid, err)
	}
	return nil
}

func compile(name, schema string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schema)))
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	url := "registry:///" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// validateFileUploadExtra enforces a comma-separated MIME allowlist against
// a single file-upload object.
func validateFileUploadExtra(value any, extra string) error {
	obj, ok := value.(map[string]any)
	if !ok {
		return errors.New("expected file upload object")
	}
	return checkMime(obj, extra)
}

func validateFileUploadsExtra(value any, extra string) error {
	list, ok := value.([]any)
	if !ok {
		return errors.New("expected file upload list")
	}
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return errors.New("expected file upload object")
		}
		if err := checkMime(obj, extra); err != nil {
			return err
		}
	}
	return nil
}

func checkMime(obj map[string]any, allowlist string) error {
	mime, _ := obj["mime_type"].(string)
	if mime == "" {
		return nil
	}
	for _, allowed := range splitComma(allowlist) {
		if mime == allowed {
			return nil
		}
	}
	return fmt.Errorf("mime type %q not allowed", mime)
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
