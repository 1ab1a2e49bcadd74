package openiap

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaValidationError represents errors that occur during document validation
type SchemaValidationError struct {
	Type       string `json:"type"`
	Collection string `json:"collection,omitempty"`
	Details    string `json:"details"`
	Index      int    `json:"index,omitempty"`
}

func (e *SchemaValidationError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("Schema validation failed for collection '%s': %s", e.Collection, e.Details)
	}
	return fmt.Sprintf("Schema validation failed: %s", e.Details)
}

// SchemaResolver finds the schema of a collection. It returns nil, nil
// when the collection has none.
type SchemaResolver interface {
	ResolveSchema(collection string) ([]byte, error)
}

// FileSchemaResolver reads <basePath>/<collection>.json
type FileSchemaResolver struct {
	basePath string
}

// NewFileSchemaResolver creates a new file-based schema resolver
func NewFileSchemaResolver(basePath string) *FileSchemaResolver {
	return &FileSchemaResolver{basePath: basePath}
}

// ResolveSchema implements SchemaResolver.
func (f *FileSchemaResolver) ResolveSchema(collection string) ([]byte, error) {
	if strings.ContainsAny(collection, `/\`) || collection == ".." {
		return nil, &SchemaValidationError{
			Type:       "SchemaRefNotResolved",
			Collection: collection,
			Details:    "collection name is not a valid file name",
		}
	}
	data, err := os.ReadFile(filepath.Join(f.basePath, collection+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &SchemaValidationError{
			Type:       "SchemaRefNotResolved",
			Collection: collection,
			Details:    err.Error(),
		}
	}
	return data, nil
}

// SchemaValidator validates documents against per-collection JSON Schemas.
// Compiled schemas are cached; a miss in the resolver is cached as well.
type SchemaValidator struct {
	resolver SchemaResolver

	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

// NewSchemaValidator creates a validator that only knows schemas set with Set
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{schemas: make(map[string]*gojsonschema.Schema)}
}

// NewSchemaValidatorWithResolver creates a validator that falls back to resolver
func NewSchemaValidatorWithResolver(resolver SchemaResolver) *SchemaValidator {
	v := NewSchemaValidator()
	v.resolver = resolver
	return v
}

// Set compiles schema for collection, replacing any previous one. An empty
// schema removes it.
func (sv *SchemaValidator) Set(collection, schema string) error {
	if schema == "" {
		sv.mu.Lock()
		sv.schemas[collection] = nil
		sv.mu.Unlock()
		return nil
	}
	compiled, err := compileSchema(collection, []byte(schema))
	if err != nil {
		return err
	}
	sv.mu.Lock()
	sv.schemas[collection] = compiled
	sv.mu.Unlock()
	return nil
}

func compileSchema(collection string, schema []byte) (*gojsonschema.Schema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, &SchemaValidationError{
			Type:       "SchemaCompilation",
			Collection: collection,
			Details:    fmt.Sprintf("Failed to compile schema: %v", err),
		}
	}
	return compiled, nil
}

func (sv *SchemaValidator) schemaFor(collection string) (*gojsonschema.Schema, error) {
	sv.mu.RLock()
	s, known := sv.schemas[collection]
	sv.mu.RUnlock()
	if known || sv.resolver == nil {
		return s, nil
	}

	data, err := sv.resolver.ResolveSchema(collection)
	if err != nil {
		return nil, err
	}
	if data != nil {
		if s, err = compileSchema(collection, data); err != nil {
			return nil, err
		}
	}
	sv.mu.Lock()
	sv.schemas[collection] = s
	sv.mu.Unlock()
	return s, nil
}

// ValidateDocument validates one JSON document
func (sv *SchemaValidator) ValidateDocument(collection, doc string) error {
	s, err := sv.schemaFor(collection)
	if err != nil || s == nil {
		return err
	}
	return validateAgainst(s, collection, doc, -1)
}

// ValidateDocuments validates a JSON array of documents
func (sv *SchemaValidator) ValidateDocuments(collection, docs string) error {
	s, err := sv.schemaFor(collection)
	if err != nil || s == nil {
		return err
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(docs), &items); err != nil {
		return &SchemaValidationError{
			Type:       "InvalidJson",
			Collection: collection,
			Details:    fmt.Sprintf("Failed to parse documents: %v", err),
		}
	}
	for i, item := range items {
		if err := validateAgainst(s, collection, string(item), i); err != nil {
			return err
		}
	}
	return nil
}

func validateAgainst(s *gojsonschema.Schema, collection, doc string, index int) error {
	result, err := s.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return &SchemaValidationError{
			Type:       "InvalidJson",
			Collection: collection,
			Details:    fmt.Sprintf("Failed to parse document: %v", err),
			Index:      index,
		}
	}
	if result.Valid() {
		return nil
	}

	var errorDetails []string
	for _, desc := range result.Errors() {
		errorDetails = append(errorDetails, fmt.Sprintf("  - %s", desc))
	}
	details := strings.Join(errorDetails, "\n")
	if index >= 0 {
		details = fmt.Sprintf("document %d:\n%s", index, details)
	}
	return &SchemaValidationError{
		Type:       "DocumentValidation",
		Collection: collection,
		Details:    details,
		Index:      index,
	}
}
