package config

import (
	"errors"

	"github.com/reconquest/karma-go"
	"gopkg.in/yaml.v3"
)

type Policy string

const (
	POLICY_ALWAYS Policy = "always"
	POLICY_NEVER  Policy = "never"
	POLICY_CHANGE Policy = "change"
)

func (policy Policy) IsValid() bool {
	switch policy {
	case POLICY_ALWAYS, POLICY_NEVER, POLICY_CHANGE:
		return true
	}
	return false
}

// Room is a chat room or a webhook destination.
type Room struct {
	URL    string
	Secure bool
}

type Notifications struct {
	Slack    *Slack
	Webhooks *Webhooks

	// OnSuccess and OnFailure defined on the notifications level are used
	// by notifiers which don't define their own policy.
	OnSuccess Policy
	OnFailure Policy

	// Disabled lists notifiers turned off explicitly like `email: false`.
	Disabled []string

	// Unsupported lists known notifiers which are not implemented.
	Unsupported []string

	Unknown []string
}

type Slack struct {
	Rooms     []Room
	OnSuccess Policy
	OnFailure Policy
	Template  []string
}

type Webhooks struct {
	URLs      []Room
	OnSuccess Policy
	OnFailure Policy
}

var unsupportedNotifiers = map[string]struct{}{
	"email":     {},
	"irc":       {},
	"campfire":  {},
	"flowdock":  {},
	"hipchat":   {},
	"pushover":  {},
	"webhooks2": {},
}

func decodeNotifications(node *yaml.Node) (Notifications, error) {
	var notifications Notifications

	pairs, err := mapping(node)
	if err != nil {
		return notifications, err
	}

	for _, pair := range pairs {
		key, value := pair[0].Value, pair[1]

		switch key {
		case "slack":
			notifications.Slack, err = decodeSlack(value)

		case "webhooks":
			notifications.Webhooks, err = decodeWebhooks(value)

		case "on_success":
			notifications.OnSuccess, err = decodePolicy(value)

		case "on_failure":
			notifications.OnFailure, err = decodePolicy(value)

		default:
			if value.Kind == yaml.ScalarNode && value.Value == "false" {
				notifications.Disabled = append(notifications.Disabled, key)
				continue
			}

			if _, ok := unsupportedNotifiers[key]; ok {
				notifications.Unsupported = append(notifications.Unsupported, key)
				continue
			}

			notifications.Unknown = append(notifications.Unknown, key)
		}

		if err != nil {
			return notifications, karma.Format(
				err,
				"invalid notifications field: '%s'", key,
			)
		}
	}

	return notifications, nil
}

func decodePolicy(node *yaml.Node) (Policy, error) {
	value, err := decodeString(node)
	if err != nil {
		return "", err
	}

	return Policy(value), nil
}

// decodeRooms accepts a string, a {secure: ...} map or a list of those.
func decodeRooms(node *yaml.Node) ([]Room, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return []Room{{URL: node.Value}}, nil

	case yaml.MappingNode:
		if len(node.Content) == 2 && node.Content[0].Value == "secure" {
			return []Room{{Secure: true}}, nil
		}

		return nil, unexpectedNode(node, "a string or {secure: ...}")

	case yaml.SequenceNode:
		rooms := []Room{}
		for _, item := range node.Content {
			if item.Kind == yaml.SequenceNode {
				return nil, unexpectedNode(item, "a string")
			}

			items, err := decodeRooms(item)
			if err != nil {
				return nil, err
			}

			rooms = append(rooms, items...)
		}

		return rooms, nil
	}

	return nil, unexpectedNode(node, "a string or a list of strings")
}

func decodeSlack(node *yaml.Node) (*Slack, error) {
	slack := &Slack{}

	if node.Kind != yaml.MappingNode {
		rooms, err := decodeRooms(node)
		if err != nil {
			return nil, err
		}

		slack.Rooms = rooms

		return slack, nil
	}

	if len(node.Content) == 2 && node.Content[0].Value == "secure" {
		slack.Rooms = []Room{{Secure: true}}
		return slack, nil
	}

	pairs, err := mapping(node)
	if err != nil {
		return nil, err
	}

	for _, pair := range pairs {
		key, value := pair[0].Value, pair[1]

		switch key {
		case "rooms", "webhook_url":
			var rooms []Room
			rooms, err = decodeRooms(value)
			slack.Rooms = append(slack.Rooms, rooms...)

		case "on_success":
			slack.OnSuccess, err = decodePolicy(value)

		case "on_failure":
			slack.OnFailure, err = decodePolicy(value)

		case "template":
			slack.Template, err = decodeStrings(value)

		case "on_pull_requests", "if", "on_start", "on_cancel", "on_error":
			// accepted for compatibility

		default:
			err = errors.New("unexpected field")
		}

		if err != nil {
			return nil, karma.Format(err, "invalid slack field: '%s'", key)
		}
	}

	return slack, nil
}

func decodeWebhooks(node *yaml.Node) (*Webhooks, error) {
	webhooks := &Webhooks{}

	if node.Kind != yaml.MappingNode {
		urls, err := decodeRooms(node)
		if err != nil {
			return nil, err
		}

		webhooks.URLs = urls

		return webhooks, nil
	}

	pairs, err := mapping(node)
	if err != nil {
		return nil, err
	}

	for _, pair := range pairs {
		key, value := pair[0].Value, pair[1]

		switch key {
		case "urls":
			webhooks.URLs, err = decodeRooms(value)

		case "on_success":
			webhooks.OnSuccess, err = decodePolicy(value)

		case "on_failure":
			webhooks.OnFailure, err = decodePolicy(value)

		case "on_start", "on_cancel", "on_error":

		default:
			err = errors.New("unexpected field")
		}

		if err != nil {
			return nil, karma.Format(err, "invalid webhooks field: '%s'", key)
		}
	}

	return webhooks, nil
}
