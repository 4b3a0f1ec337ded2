package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
)

// AbsentTag is the YAML tag that decodes to Absent: `mtu: !absent`.
const AbsentTag = "!absent"

// Decode parses a YAML or JSON document into an ordered map.
// An empty document decodes to an empty map.
func Decode(data []byte) (*Map, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errdefs.NewValueError("failed to parse document", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return NewMap(), nil
	}

	v, err := FromNode(&doc)
	if err != nil {
		return nil, errdefs.NewValueError("failed to decode document", err)
	}
	switch root := v.(type) {
	case *Map:
		return root, nil
	case nil:
		return NewMap(), nil
	default:
		return nil, errdefs.NewValueError(
			fmt.Sprintf("document root must be a mapping, got %T", v), nil)
	}
}

// FromNode converts a yaml.Node tree into a Value.
func FromNode(node *yaml.Node) (Value, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return nil, nil
		}
		return FromNode(node.Content[0])

	case yaml.AliasNode:
		return FromNode(node.Alias)

	case yaml.MappingNode:
		m := NewMap()
		for i := 0; i+1 < len(node.Content); i += 2 {
			keyNode, valNode := node.Content[i], node.Content[i+1]
			if keyNode.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: mapping keys must be scalars", keyNode.Line)
			}
			if m.Has(keyNode.Value) {
				return nil, fmt.Errorf("line %d: duplicate key %q", keyNode.Line, keyNode.Value)
			}
			v, err := FromNode(valNode)
			if err != nil {
				return nil, err
			}
			m.Set(keyNode.Value, v)
		}
		return m, nil

	case yaml.SequenceNode:
		seq := make([]Value, 0, len(node.Content))
		for _, item := range node.Content {
			v, err := FromNode(item)
			if err != nil {
				return nil, err
			}
			seq = append(seq, v)
		}
		return seq, nil

	case yaml.ScalarNode:
		return scalarFromNode(node)
	}
	return nil, fmt.Errorf("line %d: unsupported YAML node kind %v", node.Line, node.Kind)
}

func scalarFromNode(node *yaml.Node) (Value, error) {
	switch node.ShortTag() {
	case AbsentTag:
		return Absent, nil
	case "!!null":
		return nil, nil
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return nil, fmt.Errorf("line %d: %w", node.Line, err)
		}
		return b, nil
	case "!!int":
		var i int64
		if err := node.Decode(&i); err != nil {
			return nil, fmt.Errorf("line %d: %w", node.Line, err)
		}
		return i, nil
	case "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return nil, fmt.Errorf("line %d: %w", node.Line, err)
		}
		return f, nil
	default:
		return node.Value, nil
	}
}

// ToNode converts a Value into a yaml.Node tree. Absent encodes as the
// !absent tag so documents survive a round trip.
func ToNode(v Value) (*yaml.Node, error) {
	switch t := v.(type) {
	case *Map:
		node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		var err error
		t.Range(func(k string, item Value) bool {
			var child *yaml.Node
			child, err = ToNode(item)
			if err != nil {
				return false
			}
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}, child)
			return true
		})
		if err != nil {
			return nil, err
		}
		return node, nil

	case []Value:
		node := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range t {
			child, err := ToNode(item)
			if err != nil {
				return nil, err
			}
			node.Content = append(node.Content, child)
		}
		return node, nil

	case AbsentValue:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: AbsentTag, Value: ""}, nil
	}

	node := &yaml.Node{}
	if err := node.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return node, nil
}

// MarshalYAML keeps key order when a Map is embedded in a yaml-encoded struct.
func (m *Map) MarshalYAML() (interface{}, error) {
	return ToNode(m)
}

// EncodeYAML renders v as a YAML document with two-space indentation.
func EncodeYAML(v Value) ([]byte, error) {
	node, err := ToNode(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(node); err != nil {
		return nil, fmt.Errorf("failed to encode YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode YAML: %w", err)
	}
	return buf.Bytes(), nil
}

// MarshalJSON encodes the map with its keys in insertion order.
func (m *Map) MarshalJSON() ([]byte, error) {
	return EncodeJSON(m)
}

// EncodeJSON renders v as compact JSON, preserving map key order.
// Absent encodes as null since JSON has no way to express it.
func EncodeJSON(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v Value) error {
	switch t := v.(type) {
	case *Map:
		buf.WriteByte('{')
		var err error
		first := true
		t.Range(func(k string, item Value) bool {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			key, _ := json.Marshal(k)
			buf.Write(key)
			buf.WriteByte(':')
			err = writeJSON(buf, item)
			return err == nil
		})
		buf.WriteByte('}')
		return err
	case []Value:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case AbsentValue, nil:
		buf.WriteString("null")
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
		return nil
	case float64:
		if math.IsInf(t, 0) || math.IsNaN(t) {
			return fmt.Errorf("cannot encode %v as JSON", t)
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	buf.Write(data)
	return nil
}
