// Package schema validates JSON documents, such as reported twin properties, against JSON schemas.
package schema

import (
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError is returned for documents that do not satisfy a schema
type ValidationError struct {
	SchemaID string
	// Problems holds one entry per violation, e.g. "uptime: Must be greater than or equal to 0"
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("document does not match schema %s: %s", e.SchemaID, strings.Join(e.Problems, "; "))
}

// Validator holds compiled schemas by their $id
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidatorFromFS loads the schemas of schemaFS. Json files in the root are schemas which
// can be used for validation, json files in refs/ can only be referenced by them. The refs
// directory is optional.
func NewValidatorFromFS(schemaFS fs.FS) (*Validator, error) {
	schemas, err := readJSONFiles(schemaFS, ".")
	if err != nil {
		return nil, err
	}
	var refs []string
	if _, err := fs.Stat(schemaFS, "refs"); err == nil {
		if refs, err = readJSONFiles(schemaFS, "refs"); err != nil {
			return nil, err
		}
	}
	return NewValidator(schemas, refs)
}

func readJSONFiles(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read schema directory: %w", err)
	}
	var documents []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("cannot read schema %s: %w", entry.Name(), err)
		}
		documents = append(documents, string(data))
	}
	return documents, nil
}

// NewValidator compiles schemas, which must carry an $id. Schemas may reference refs, but not
// each other.
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema)}
	for _, str := range schemas {
		var header struct {
			ID string `json:"$id"`
		}
		if err := json.Unmarshal([]byte(str), &header); err != nil {
			return nil, fmt.Errorf("schema is not valid JSON: %w", err)
		}
		if header.ID == "" {
			return nil, fmt.Errorf("schema without $id: '%s'", str)
		}
		compiled, err := compile(str, refs)
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s: %w", header.ID, err)
		}
		v.schemas[header.ID] = compiled
	}
	return v, nil
}

func compile(str string, refs []string) (*gojsonschema.Schema, error) {
	loader := gojsonschema.NewSchemaLoader()
	for _, ref := range refs {
		if err := loader.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
			return nil, fmt.Errorf("cannot add ref: %w", err)
		}
	}
	return loader.Compile(gojsonschema.NewStringLoader(str))
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.schemas[schemaID]
	return ok
}

// ValidateStruct validates a Go value, marshaled as JSON, against schemaID
func (v *Validator) ValidateStruct(value interface{}, schemaID string) error {
	return v.validate(gojsonschema.NewGoLoader(value), schemaID)
}

// ValidateString validates a JSON document against schemaID
func (v *Validator) ValidateString(document, schemaID string) error {
	return v.validate(gojsonschema.NewStringLoader(document), schemaID)
}

// ValidateWithSchema validates document against an inline schema
func ValidateWithSchema(schema, document string) error {
	compiled, err := compile(schema, nil)
	if err != nil {
		return fmt.Errorf("cannot compile schema: %w", err)
	}
	return check(compiled, gojsonschema.NewStringLoader(document), "inline")
}

func (v *Validator) validate(loader gojsonschema.JSONLoader, schemaID string) error {
	schema, ok := v.schemas[schemaID]
	if !ok {
		return fmt.Errorf("there is no schema %s", schemaID)
	}
	return check(schema, loader, schemaID)
}

func check(schema *gojsonschema.Schema, loader gojsonschema.JSONLoader, schemaID string) error {
	result, err := schema.Validate(loader)
	if err != nil {
		return fmt.Errorf("cannot validate with schema %s: %w", schemaID, err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{SchemaID: schemaID}
	for _, e := range result.Errors() {
		verr.Problems = append(verr.Problems, e.String())
	}
	return verr
}
