// Package schemavalidation checks JSON documents against the embedded
// keyprint schemas before they are decoded into Go types.
package schemavalidation

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema names.
const (
	SampleRequest = "sample-request-v1"
	Settings      = "settings-v1"
)

// baseURL matches the $id of every embedded schema.
const baseURL = "https://keyprint.local/schema/"

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// ErrUnknownSchema is returned for a name with no embedded schema.
var ErrUnknownSchema = errors.New("schemavalidation: unknown schema")

// ErrMalformed means the document is not JSON at all.
var ErrMalformed = errors.New("schemavalidation: malformed JSON")

// Problem is one failed constraint.
type Problem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error lists every constraint a document failed.
type Error struct {
	Schema   string
	Problems []Problem
}

func (e *Error) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("schemavalidation: %s: invalid document", e.Schema)
	}
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.Path + ": " + p.Message
	}
	return fmt.Sprintf("schemavalidation: %s: %s", e.Schema, strings.Join(parts, "; "))
}

// Validator holds the compiled schemas. It is safe for concurrent use.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every embedded schema.
func New() (*Validator, error) {
	entries, err := fs.Glob(schemaFS, "schemas/*.schema.json")
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		data, err := schemaFS.ReadFile(entry)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", entry, err)
		}
		file := path.Base(entry)
		if err := compiler.AddResource(baseURL+file, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", file, err)
		}
		names = append(names, strings.TrimSuffix(file, ".schema.json"))
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		schema, err := compiler.Compile(baseURL + name + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = schema
	}
	return v, nil
}

// Validate checks data against the named schema. A constraint failure
// is returned as *Error.
func (v *Validator) Validate(name string, data []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after document", ErrMalformed)
	}

	err := schema.Validate(instance)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("validate %s: %w", name, err)
	}
	out := &Error{Schema: name}
	collect(verr, &out.Problems)
	return out
}

// collect flattens the leaf causes of a validation error tree.
func collect(e *jsonschema.ValidationError, into *[]Problem) {
	if len(e.Causes) == 0 {
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*into = append(*into, Problem{Path: loc, Message: e.Message})
		return
	}
	for _, c := range e.Causes {
		collect(c, into)
	}
}
