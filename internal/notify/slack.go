package notify

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/reconquest/karma-go"
	"github.com/reconquest/matrix-runner/internal/config"
	"github.com/reconquest/matrix-runner/internal/status"
)

type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackAttachment struct {
	Color    string       `json:"color"`
	Fallback string       `json:"fallback"`
	Text     string       `json:"text"`
	Fields   []SlackField `json:"fields,omitempty"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Slack posts messages to incoming webhooks.
type Slack struct {
	client   *retryablehttp.Client
	urls     []string
	template []string
	policies Policies
}

func NewSlack(
	client *retryablehttp.Client,
	slack config.Slack,
	defaults Policies,
	override string,
) *Slack {
	urls := []string{}
	if override != "" {
		urls = append(urls, override)
	} else {
		for _, room := range slack.Rooms {
			if !room.Secure {
				urls = append(urls, room.URL)
			}
		}
	}

	return &Slack{
		client:   client,
		urls:     urls,
		template: slack.Template,
		policies: defaults.Override(slack.OnSuccess, slack.OnFailure),
	}
}

func (slack *Slack) Name() string {
	return "slack"
}

func (slack *Slack) Policies() Policies {
	return slack.policies
}

func (slack *Slack) Message(event Event) SlackMessage {
	text := Render(slack.template, event)

	color := "danger"
	if event.Status.IsSuccess() {
		color = "good"
	} else if event.Status == status.CANCELED {
		color = "warning"
	}

	attachment := SlackAttachment{
		Color:    color,
		Fallback: text,
		Text:     event.Message,
	}

	for _, job := range event.Jobs {
		value := job.Status.Verb() + " in " + FormatDuration(job.Duration)
		if job.AllowFailure {
			value += " (allowed to fail)"
		}

		attachment.Fields = append(attachment.Fields, SlackField{
			Title: fmt.Sprintf("#%s %s", job.ID, job.Name),
			Value: value,
			Short: true,
		})
	}

	return SlackMessage{
		Text:        text,
		Attachments: []SlackAttachment{attachment},
	}
}

func (slack *Slack) Notify(ctx context.Context, event Event) error {
	message := slack.Message(event)

	var result *multierror.Error
	for index, url := range slack.urls {
		expanded := os.ExpandEnv(url)
		if expanded == "" {
			result = multierror.Append(result, fmt.Errorf(
				"slack room #%d: %s expands to an empty string", index+1, url,
			))
			continue
		}

		err := postJSON(ctx, slack.client, expanded, message)
		if err != nil {
			result = multierror.Append(result, karma.Format(
				err, "slack room #%d", index+1,
			))
		}
	}

	return result.ErrorOrNil()
}
