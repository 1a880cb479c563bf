// Package codeunit describes what a deployed code unit looks like on disk and
// how interpreted runtimes talk to its entry point.
package codeunit

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the optional descriptor at the root of an archive.
const ManifestFile = "function.yaml"

const schemaURL = "https://cloudfunctions.local/schema/function.json"

//go:embed manifest.schema.json
var manifestSchema []byte

var (
	schemaOnce     sync.Once
	schemaErr      error
	compiledSchema *jsonschema.Schema
)

// Manifest overrides the defaults used to load a unit.
type Manifest struct {
	Entrypoint  string `yaml:"entrypoint" json:"entrypoint,omitempty"`
	Runtime     string `yaml:"runtime" json:"runtime,omitempty"`
	Timeout     string `yaml:"timeout" json:"timeout,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// ParseManifest decodes and validates a function.yaml document.
func ParseManifest(data []byte) (*Manifest, error) {
	var document any
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestFile, err)
	}
	if document == nil {
		return &Manifest{}, nil
	}

	// Round-trip through JSON so the validator sees JSON-native types.
	jsonData, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("convert %s to json: %w", ManifestFile, err)
	}
	var normalized any
	if err := json.Unmarshal(jsonData, &normalized); err != nil {
		return nil, fmt.Errorf("convert %s to json: %w", ManifestFile, err)
	}

	sch, err := loadSchema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(normalized); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ManifestFile, err)
	}

	var m Manifest
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ManifestFile, err)
	}
	if m.Entrypoint != "" && !filepath.IsLocal(m.Entrypoint) {
		return nil, fmt.Errorf("invalid %s: entrypoint %q escapes the unit directory", ManifestFile, m.Entrypoint)
	}
	if _, err := m.TimeoutDuration(); err != nil {
		return nil, err
	}
	return &m, nil
}

// TimeoutDuration returns the declared timeout, or zero when none was declared.
func (m *Manifest) TimeoutDuration() (time.Duration, error) {
	if m == nil || m.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(m.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: timeout: %w", ManifestFile, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: timeout must be positive", ManifestFile)
	}
	return d, nil
}

// ResolveRuntime picks the runtime for entry: the declared one, else wasm for
// .wasm entry points, else fallback.
func (m *Manifest) ResolveRuntime(entry, fallback string) string {
	if m != nil && m.Runtime != "" {
		return m.Runtime
	}
	if strings.EqualFold(filepath.Ext(entry), ".wasm") {
		return "wasm"
	}
	return fallback
}

// ResolveEntrypoint returns the declared entry point or fallback.
func (m *Manifest) ResolveEntrypoint(fallback string) string {
	if m != nil && m.Entrypoint != "" {
		return m.Entrypoint
	}
	return fallback
}

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(manifestSchema)); err != nil {
			schemaErr = fmt.Errorf("add manifest schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}
