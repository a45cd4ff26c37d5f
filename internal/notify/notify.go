package notify

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/reconquest/karma-go"
	"github.com/reconquest/matrix-runner/internal/config"
	"github.com/reconquest/matrix-runner/internal/status"
	"github.com/reconquest/pkg/log"
)

const (
	DEFAULT_ON_SUCCESS = config.POLICY_CHANGE
	DEFAULT_ON_FAILURE = config.POLICY_ALWAYS
)

type Policies struct {
	OnSuccess config.Policy
	OnFailure config.Policy
}

// Override returns policies with non-empty given values replacing current
// ones.
func (policies Policies) Override(onSuccess, onFailure config.Policy) Policies {
	if onSuccess != "" {
		policies.OnSuccess = onSuccess
	}

	if onFailure != "" {
		policies.OnFailure = onFailure
	}

	return policies
}

// ShouldNotify decides whether a build with the current status is worth a
// notification. Every status except PASSED is a failure.
func ShouldNotify(
	policy config.Policy,
	current status.Status,
	previous status.Status,
	hasPrevious bool,
) bool {
	switch policy {
	case config.POLICY_ALWAYS:
		return true
	case config.POLICY_NEVER:
		return false
	case config.POLICY_CHANGE:
		if !hasPrevious {
			return true
		}

		return current.IsSuccess() != previous.IsSuccess()
	}

	return false
}

type Notifier interface {
	Name() string
	Policies() Policies
	Notify(context.Context, Event) error
}

type Options struct {
	// SlackWebhook replaces rooms specified in the build definition.
	SlackWebhook string
	RetryMax     int
	RetryWait    time.Duration
}

// Dispatcher sends notifications according to policies of notifiers.
type Dispatcher struct {
	notifiers []Notifier
}

func NewDispatcher(notifications config.Notifications, options Options) *Dispatcher {
	if options.RetryWait == 0 {
		options.RetryWait = time.Second
	}

	client := NewClient(options.RetryMax, options.RetryWait)

	defaults := Policies{
		OnSuccess: DEFAULT_ON_SUCCESS,
		OnFailure: DEFAULT_ON_FAILURE,
	}.Override(notifications.OnSuccess, notifications.OnFailure)

	dispatcher := &Dispatcher{}

	if notifications.Slack != nil {
		dispatcher.notifiers = append(
			dispatcher.notifiers,
			NewSlack(client, *notifications.Slack, defaults, options.SlackWebhook),
		)
	}

	if notifications.Webhooks != nil {
		dispatcher.notifiers = append(
			dispatcher.notifiers,
			NewWebhooks(client, *notifications.Webhooks, defaults),
		)
	}

	return dispatcher
}

func (dispatcher *Dispatcher) Len() int {
	return len(dispatcher.notifiers)
}

// Dispatch returns names of notifiers which were triggered. Errors of
// different notifiers are combined.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, event Event) ([]string, error) {
	var result *multierror.Error

	sent := []string{}
	for _, notifier := range dispatcher.notifiers {
		policies := notifier.Policies()

		policy := policies.OnFailure
		if event.Status.IsSuccess() {
			policy = policies.OnSuccess
		}

		if !ShouldNotify(policy, event.Status, event.Previous, event.Previous != "") {
			log.Debugf(
				karma.
					Describe("policy", policy).
					Describe("status", event.Status).
					Describe("previous", event.Previous),
				"notification %s skipped", notifier.Name(),
			)
			continue
		}

		err := notifier.Notify(ctx, event)
		if err != nil {
			result = multierror.Append(result, karma.Format(
				err, "unable to send %s notification", notifier.Name(),
			))
			continue
		}

		sent = append(sent, notifier.Name())
	}

	return sent, result.ErrorOrNil()
}
