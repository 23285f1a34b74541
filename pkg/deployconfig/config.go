// Package deployconfig parses the layered deployment configuration document and
// resolves keys through the account -> environment -> default precedence chain.
package deployconfig

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scope is a flat key/value block from one section of the config document.
type Scope map[string]string

// Document is the structured form of the deployment configuration file. The
// file has three kinds of top-level sections: an `accounts` block keyed by
// numeric account id, one flat block per environment name, and a `default`
// block. An empty Document is valid and resolves nothing.
type Document struct {
	Accounts     map[string]Scope
	Environments map[string]Scope
	Defaults     Scope
}

// Load reads and parses the config document at path. A missing file is not an
// error; it yields an empty Document so every lookup falls through to the
// caller's own defaults.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{}, nil
		}
		return nil, fmt.Errorf("failed to read config document '%s': %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Document from raw YAML. Top-level keys other than `accounts`
// and `default` are treated as environment blocks. Mappings are walked as
// yaml nodes rather than decoded into typed maps so that numeric account ids
// and numeric or boolean values all land as strings.
func Parse(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse config document: %w", err)
	}

	doc := &Document{
		Accounts:     make(map[string]Scope),
		Environments: make(map[string]Scope),
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return doc, nil
	}

	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config document root must be a mapping, got %s", nodeKind(top))
	}

	for i := 0; i < len(top.Content)-1; i += 2 {
		section := top.Content[i].Value
		node := top.Content[i+1]
		switch section {
		case "accounts":
			if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
				continue
			}
			if node.Kind != yaml.MappingNode {
				return nil, fmt.Errorf("accounts section must be a mapping, got %s", nodeKind(node))
			}
			for j := 0; j < len(node.Content)-1; j += 2 {
				accountID := node.Content[j].Value
				scope, err := decodeScope(node.Content[j+1])
				if err != nil {
					return nil, fmt.Errorf("failed to parse account block '%s': %w", accountID, err)
				}
				doc.Accounts[accountID] = scope
			}
		case "default":
			scope, err := decodeScope(node)
			if err != nil {
				return nil, fmt.Errorf("failed to parse default section: %w", err)
			}
			doc.Defaults = scope
		default:
			scope, err := decodeScope(node)
			if err != nil {
				return nil, fmt.Errorf("failed to parse environment section '%s': %w", section, err)
			}
			doc.Environments[section] = scope
		}
	}

	return doc, nil
}

// decodeScope flattens one mapping node into key/value strings. A null node
// (an empty section) yields an empty scope.
func decodeScope(node *yaml.Node) (Scope, error) {
	scope := make(Scope)
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return scope, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected a mapping of keys to values, got %s", nodeKind(node))
	}
	for i := 0; i < len(node.Content)-1; i += 2 {
		key := node.Content[i].Value
		value := node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("value for key '%s' must be a scalar, got %s", key, nodeKind(value))
		}
		if value.Tag == "!!null" {
			scope[key] = ""
			continue
		}
		scope[key] = sanitizeValue(value.Value)
	}
	return scope, nil
}

func nodeKind(node *yaml.Node) string {
	switch node.Kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "unknown"
}

// Resolve looks key up in the account scope (when accountID is non-empty),
// then the environment scope, then the default scope. The first scope that
// defines the key wins, even when the value is an explicit empty string.
// Absence in all scopes returns ok=false and is never an error.
func (d *Document) Resolve(key, accountID, environment string) (string, bool) {
	if accountID != "" {
		if scope, ok := d.Accounts[accountID]; ok {
			if value, ok := scope[key]; ok {
				return value, true
			}
		}
	}
	if scope, ok := d.Environments[environment]; ok {
		if value, ok := scope[key]; ok {
			return value, true
		}
	}
	if value, ok := d.Defaults[key]; ok {
		return value, true
	}
	return "", false
}

// Resolver binds a Document to one account and environment for the duration
// of a run. It is immutable once constructed.
type Resolver struct {
	doc         *Document
	accountID   string
	environment string
}

// NewResolver creates a Resolver for the given account and environment. A nil
// document behaves like an empty one.
func NewResolver(doc *Document, accountID, environment string) *Resolver {
	if doc == nil {
		doc = &Document{}
	}
	return &Resolver{doc: doc, accountID: accountID, environment: environment}
}

// Resolve applies scope precedence for the bound account and environment.
func (r *Resolver) Resolve(key string) (string, bool) {
	return r.doc.Resolve(key, r.accountID, r.environment)
}

// Environment returns the environment name the resolver is bound to.
func (r *Resolver) Environment() string {
	return r.environment
}

// AccountID returns the account id the resolver is bound to, if any.
func (r *Resolver) AccountID() string {
	return r.accountID
}

// sanitizeValue strips trailing inline comments and surrounding whitespace.
// The YAML parser already drops comments on plain scalars; this also covers
// quoted values carrying a literal '#'.
func sanitizeValue(value string) string {
	if idx := strings.Index(value, "#"); idx >= 0 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}
