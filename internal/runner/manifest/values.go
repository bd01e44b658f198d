package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrKeyNotFound indicates the dotted key path does not exist in the document.
var ErrKeyNotFound = errors.New("manifest: key not found")

// SetKey updates the scalar at the dotted key path to value and returns the
// updated document plus whether anything changed. Comments, ordering, and
// anchors in the document are preserved. Missing intermediate mappings are an
// error, never created.
func SetKey(doc []byte, keyPath, value string) ([]byte, bool, error) {
	segments, err := splitKeyPath(keyPath)
	if err != nil {
		return nil, false, err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, false, fmt.Errorf("parse manifest: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, false, fmt.Errorf("key %q: %w", keyPath, ErrKeyNotFound)
	}

	target, err := lookup(root.Content[0], segments)
	if err != nil {
		return nil, false, fmt.Errorf("key %q: %w", keyPath, err)
	}
	if target.Kind != yaml.ScalarNode {
		return nil, false, fmt.Errorf("key %q: not a scalar value", keyPath)
	}
	if target.Value == value {
		return doc, false, nil
	}
	target.SetString(value)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root.Content[0]); err != nil {
		return nil, false, fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, false, fmt.Errorf("encode manifest: %w", err)
	}
	return buf.Bytes(), true, nil
}

// GetKey reads the scalar at the dotted key path.
func GetKey(doc []byte, keyPath string) (string, error) {
	segments, err := splitKeyPath(keyPath)
	if err != nil {
		return "", err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return "", fmt.Errorf("parse manifest: %w", err)
	}
	if len(root.Content) == 0 {
		return "", fmt.Errorf("key %q: %w", keyPath, ErrKeyNotFound)
	}

	target, err := lookup(root.Content[0], segments)
	if err != nil {
		return "", fmt.Errorf("key %q: %w", keyPath, err)
	}
	if target.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("key %q: not a scalar value", keyPath)
	}
	return target.Value, nil
}

func lookup(node *yaml.Node, segments []string) (*yaml.Node, error) {
	current := node
	for _, seg := range segments {
		if current.Kind == yaml.AliasNode && current.Alias != nil {
			current = current.Alias
		}
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("segment %q is not a mapping", seg)
		}
		next := childValue(current, seg)
		if next == nil {
			return nil, ErrKeyNotFound
		}
		current = next
	}
	if current.Kind == yaml.AliasNode && current.Alias != nil {
		current = current.Alias
	}
	return current, nil
}

func childValue(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func splitKeyPath(keyPath string) ([]string, error) {
	if strings.TrimSpace(keyPath) == "" {
		return nil, fmt.Errorf("key path cannot be empty")
	}
	segments := strings.Split(keyPath, ".")
	for _, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("key path %q has an empty segment", keyPath)
		}
	}
	return segments, nil
}
