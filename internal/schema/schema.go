// Package schema validates study JSON documents against embedded JSON
// Schemas.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var files embed.FS

// Schema names.
const (
	Metadata   = "metadata-v1.schema.json"
	Completion = "completion-v1.schema.json"
)

const baseURL = "https://keylab.local/schema/"

// ErrInvalidDocument wraps every validation failure.
var ErrInvalidDocument = errors.New("schema: invalid document")

var (
	once     sync.Once
	compiled map[string]*jsonschema.Schema
	compErr  error
)

func load() (map[string]*jsonschema.Schema, error) {
	once.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true

		names := []string{Metadata, Completion}
		for _, name := range names {
			data, err := files.ReadFile("schemas/" + name)
			if err != nil {
				compErr = fmt.Errorf("read schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(baseURL+name, bytes.NewReader(data)); err != nil {
				compErr = fmt.Errorf("add schema resource %s: %w", name, err)
				return
			}
		}

		compiled = make(map[string]*jsonschema.Schema, len(names))
		for _, name := range names {
			s, err := compiler.Compile(baseURL + name)
			if err != nil {
				compErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			compiled[name] = s
		}
	})
	return compiled, compErr
}

// Validate checks data against the named schema.
func Validate(name string, data []byte) error {
	schemas, err := load()
	if err != nil {
		return err
	}
	s, ok := schemas[name]
	if !ok {
		return fmt.Errorf("schema: unknown schema %q", name)
	}

	var instance any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}

// ValidateMetadata checks a task metadata document.
func ValidateMetadata(data []byte) error {
	return Validate(Metadata, data)
}

// ValidateCompletion checks a completion record.
func ValidateCompletion(data []byte) error {
	return Validate(Completion, data)
}
