// Package dag loads and validates workflow definitions from YAML files.
package dag

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"yqhp/task-scheduler/pkg/types"
)

// ParseError is a DAG definition error with source position when known.
type ParseError struct {
	Line    int
	Column  int
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Cause
}

// Parser parses YAML DAG definitions.
type Parser struct{}

// NewParser creates a new DAG parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse parses a DAG definition from bytes and validates it.
func (p *Parser) Parse(data []byte) (*types.DAG, error) {
	var d types.DAG

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // strict: unknown fields are errors

	if err := decoder.Decode(&d); err != nil {
		return nil, wrapYAMLError(err)
	}

	applyDefaults(&d)

	if err := Validate(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ParseFile parses a DAG definition from a file.
func (p *Parser) ParseFile(path string) (*types.DAG, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("read file %s", path), Cause: err}
	}
	return p.Parse(data)
}

// applyDefaults fills in queue and naming defaults.
func applyDefaults(d *types.DAG) {
	if d.Name == "" {
		d.Name = d.ID
	}
	for _, t := range d.Tasks {
		if t.Queue == "" {
			t.Queue = types.DefaultQueue
		}
		if t.Name == "" {
			t.Name = t.ID
		}
		if t.Action.Kind == "" {
			t.Action.Kind = "noop"
		}
	}
}

// wrapYAMLError converts a yaml error into a ParseError with line info.
func wrapYAMLError(err error) error {
	errStr := err.Error()
	var line int
	if idx := strings.Index(errStr, "line "); idx != -1 {
		fmt.Sscanf(errStr[idx:], "line %d", &line)
	}
	return &ParseError{
		Line:    line,
		Message: strings.TrimPrefix(errStr, "yaml: "),
		Cause:   err,
	}
}
