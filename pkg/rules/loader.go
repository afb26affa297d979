package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// LoadFile reads rule documents from a YAML or JSON file. The file may hold
// a single document (a mapping) or a list of documents.
func LoadFile(path string) ([]*RuleDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var docs []*RuleDoc
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		docs, err = decodeDocs(data, json.Unmarshal)
	default:
		docs, err = decodeDocs(data, yamlUnmarshal)
	}
	if err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return docs, nil
}

// decodeDocs tries a document list first and falls back to a single
// document.
func decodeDocs(data []byte, unmarshal func([]byte, any) error) ([]*RuleDoc, error) {
	var list []*RuleDoc
	if err := unmarshal(data, &list); err == nil {
		return list, nil
	}
	var single RuleDoc
	if err := unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []*RuleDoc{&single}, nil
}

// yamlUnmarshal adapts yaml.Unmarshal to the json.Unmarshal signature.
// yaml.v3 decodes nested mappings as map[string]any, so rule bodies look the
// same regardless of source format.
func yamlUnmarshal(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

// LoadGlobs loads every file matched by the given doublestar glob patterns,
// in deterministic path order.
func LoadGlobs(patterns []string) ([]*RuleDoc, error) {
	seen := make(map[string]struct{})
	var paths []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad rules glob %q: %w", pattern, err)
		}
		for _, match := range matches {
			if _, dup := seen[match]; dup {
				continue
			}
			seen[match] = struct{}{}
			paths = append(paths, match)
		}
	}
	sort.Strings(paths)

	var docs []*RuleDoc
	for _, path := range paths {
		fileDocs, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		docs = append(docs, fileDocs...)
	}
	return docs, nil
}

// BuildIndex loads rule files from glob patterns and builds a validated
// index. This is the loader the lifecycle coordinator calls on startup and
// on reload.
func BuildIndex(patterns []string) (*Index, error) {
	docs, err := LoadGlobs(patterns)
	if err != nil {
		return nil, err
	}
	return NewIndex(docs)
}

// ParseIndex builds a validated index from raw YAML or JSON bytes, used by
// the admin upload endpoint.
func ParseIndex(data []byte) (*Index, error) {
	docs, err := decodeDocs(data, yamlUnmarshal)
	if err != nil {
		return nil, fmt.Errorf("parse rules payload: %w", err)
	}
	return NewIndex(docs)
}
