package config

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/reconquest/karma-go"
	"github.com/reconquest/matrix-runner/internal/mapslice"
	"gopkg.in/yaml.v3"
)

// EnvEntry is a single line of the env section. One line may define several
// variables: `ACTION=tests DB=postgres`.
type EnvEntry struct {
	Vars *mapslice.MapSlice

	// Secure is set when the entry is an encrypted value. Such values can't
	// be decrypted locally.
	Secure bool
}

func (entry EnvEntry) String() string {
	if entry.Secure {
		return "[secure]"
	}

	return strings.Join(entry.Vars.Strings(), " ")
}

// Env is the env section: variables for every job and variables producing
// matrix rows.
type Env struct {
	Global []EnvEntry
	Jobs   []EnvEntry
}

func decodeEnv(node *yaml.Node) (Env, error) {
	var env Env

	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]

			switch key.Value {
			case "global":
				entries, err := decodeEnvEntries(value)
				if err != nil {
					return env, karma.Format(err, "invalid env field: 'global'")
				}

				env.Global = append(env.Global, entries...)

			case "jobs", "matrix":
				entries, err := decodeEnvEntries(value)
				if err != nil {
					return env, karma.Format(
						err,
						"invalid env field: '%s'", key.Value,
					)
				}

				env.Jobs = append(env.Jobs, entries...)

			case "secure":
				env.Jobs = append(env.Jobs, EnvEntry{Secure: true})

			default:
				return env, fmt.Errorf(
					"unexpected env field: '%s', expected global or jobs",
					key.Value,
				)
			}
		}

		return env, nil
	}

	entries, err := decodeEnvEntries(node)
	if err != nil {
		return env, err
	}

	env.Jobs = entries

	return env, nil
}

func decodeEnvEntries(node *yaml.Node) ([]EnvEntry, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		entry, err := decodeEnvEntry(node)
		if err != nil {
			return nil, err
		}

		return []EnvEntry{entry}, nil

	case yaml.MappingNode:
		entry, err := decodeEnvEntry(node)
		if err != nil {
			return nil, err
		}

		return []EnvEntry{entry}, nil

	case yaml.SequenceNode:
		entries := []EnvEntry{}
		for _, item := range node.Content {
			entry, err := decodeEnvEntry(item)
			if err != nil {
				return nil, err
			}

			entries = append(entries, entry)
		}

		return entries, nil
	}

	return nil, unexpectedNode(node, "a string or a list of strings")
}

func decodeEnvEntry(node *yaml.Node) (EnvEntry, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		vars, err := ParseAssignments(node.Value)
		if err != nil {
			return EnvEntry{}, karma.
				Describe("line", node.Line).
				Format(err, "invalid env entry: %q", node.Value)
		}

		return EnvEntry{Vars: vars}, nil

	case yaml.MappingNode:
		if len(node.Content) == 2 && node.Content[0].Value == "secure" {
			return EnvEntry{Secure: true, Vars: &mapslice.MapSlice{}}, nil
		}

		vars, err := mapslice.New(*node)
		if err != nil {
			return EnvEntry{}, err
		}

		return EnvEntry{Vars: vars}, nil
	}

	return EnvEntry{}, unexpectedNode(node, "a string")
}

// ParseAssignments parses shell-like assignments: `A=1 B="two words" C='x'`.
// Quotes are removed, backslash escapes the next symbol outside of single
// quotes.
func ParseAssignments(line string) (*mapslice.MapSlice, error) {
	result := &mapslice.MapSlice{}

	runes := []rune(strings.TrimSpace(line))
	for i := 0; i < len(runes); {
		for i < len(runes) && unicode.IsSpace(runes[i]) {
			i++
		}

		if i >= len(runes) {
			break
		}

		start := i
		for i < len(runes) && runes[i] != '=' && !unicode.IsSpace(runes[i]) {
			i++
		}

		if i >= len(runes) || runes[i] != '=' {
			return nil, fmt.Errorf(
				"expected NAME=value but got %q", string(runes[start:i]),
			)
		}

		name := string(runes[start:i])
		if !isVariableName(name) {
			return nil, fmt.Errorf("invalid variable name: %q", name)
		}

		i++

		var value strings.Builder
		var quote rune
	value:
		for ; i < len(runes); i++ {
			symbol := runes[i]
			switch {
			case quote == 0 && unicode.IsSpace(symbol):
				break value

			case quote == 0 && (symbol == '"' || symbol == '\''):
				quote = symbol

			case quote != 0 && symbol == quote:
				quote = 0

			case symbol == '\\' && quote != '\'' && i+1 < len(runes):
				i++
				value.WriteRune(runes[i])

			default:
				value.WriteRune(symbol)
			}
		}

		if quote != 0 {
			return nil, fmt.Errorf(
				"unterminated quote %q in value of %s", string(quote), name,
			)
		}

		result.Append(name, value.String())
	}

	return result, nil
}

func isVariableName(name string) bool {
	if name == "" {
		return false
	}

	for i, symbol := range name {
		switch {
		case symbol == '_':
		case symbol >= 'a' && symbol <= 'z':
		case symbol >= 'A' && symbol <= 'Z':
		case i > 0 && symbol >= '0' && symbol <= '9':
		default:
			return false
		}
	}

	return true
}
