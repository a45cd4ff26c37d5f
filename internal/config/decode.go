package config

import (
	"strconv"

	"github.com/reconquest/karma-go"
	"github.com/reconquest/matrix-runner/internal/mapslice"
	"gopkg.in/yaml.v3"
)

func unexpectedNode(node *yaml.Node, expected string) error {
	return karma.
		Describe("line", node.Line).
		Describe("column", node.Column).
		Format(
			nil,
			"%s expected but found %s node",
			expected, mapslice.StringKind(node.Kind),
		)
}

// decodeStrings accepts a scalar or a sequence of scalars.
func decodeStrings(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return []string{}, nil
		}

		return []string{node.Value}, nil

	case yaml.SequenceNode:
		result := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, unexpectedNode(item, "a string")
			}

			result = append(result, item.Value)
		}

		return result, nil
	}

	return nil, unexpectedNode(node, "a string or a list of strings")
}

func decodeString(node *yaml.Node) (string, error) {
	if node.Kind != yaml.ScalarNode {
		return "", unexpectedNode(node, "a string")
	}

	return node.Value, nil
}

func decodeBool(node *yaml.Node) (bool, error) {
	if node.Kind != yaml.ScalarNode {
		return false, unexpectedNode(node, "a boolean")
	}

	value, err := strconv.ParseBool(node.Value)
	if err != nil {
		return false, karma.
			Describe("line", node.Line).
			Format(err, "a boolean expected but got %q", node.Value)
	}

	return value, nil
}

// decodeCommands accepts a single command, a list of commands or one of
// `skip` and `true` which mean an explicitly empty phase.
func decodeCommands(node *yaml.Node) ([]string, error) {
	if node.Kind == yaml.ScalarNode {
		switch node.Value {
		case "skip", "true", "":
			return []string{}, nil
		}
	}

	return decodeStrings(node)
}

// mapping returns pairs of a mapping node in declaration order.
func mapping(node *yaml.Node) ([][2]*yaml.Node, error) {
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return nil, nil
		}

		return mapping(node.Content[0])
	}

	if node.Kind != yaml.MappingNode {
		return nil, unexpectedNode(node, "a map")
	}

	pairs := [][2]*yaml.Node{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		pairs = append(pairs, [2]*yaml.Node{node.Content[i], node.Content[i+1]})
	}

	return pairs, nil
}
