package notify

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/reconquest/karma-go"
	"github.com/reconquest/matrix-runner/internal/config"
	"github.com/reconquest/matrix-runner/internal/status"
)

type WebhookPayload struct {
	ID            string        `json:"id"`
	Number        int           `json:"number"`
	Status        status.Status `json:"status"`
	Result        string        `json:"result_message"`
	Repository    string        `json:"repository"`
	Branch        string        `json:"branch"`
	Commit        string        `json:"commit"`
	Author        string        `json:"author_name"`
	Message       string        `json:"message"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Duration      int64         `json:"duration"`
	Matrix        []WebhookJob  `json:"matrix"`
	PreviousState status.Status `json:"previous_status,omitempty"`
}

type WebhookJob struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Status       status.Status `json:"status"`
	AllowFailure bool          `json:"allow_failure"`
	Duration     int64         `json:"duration"`
}

// Webhooks posts build results as JSON documents.
type Webhooks struct {
	client   *retryablehttp.Client
	urls     []string
	policies Policies
}

func NewWebhooks(
	client *retryablehttp.Client,
	webhooks config.Webhooks,
	defaults Policies,
) *Webhooks {
	urls := []string{}
	for _, room := range webhooks.URLs {
		if !room.Secure {
			urls = append(urls, room.URL)
		}
	}

	return &Webhooks{
		client:   client,
		urls:     urls,
		policies: defaults.Override(webhooks.OnSuccess, webhooks.OnFailure),
	}
}

func (webhooks *Webhooks) Name() string {
	return "webhooks"
}

func (webhooks *Webhooks) Policies() Policies {
	return webhooks.policies
}

func (webhooks *Webhooks) Payload(event Event) WebhookPayload {
	payload := WebhookPayload{
		ID:            event.ID,
		Number:        event.Number,
		Status:        event.Status,
		Result:        event.Result(),
		Repository:    event.Repository,
		Branch:        event.Branch,
		Commit:        event.Commit,
		Author:        event.Author,
		Message:       event.Message,
		StartedAt:     event.StartedAt,
		FinishedAt:    event.FinishedAt,
		Duration:      int64(event.Duration().Seconds()),
		PreviousState: event.Previous,
		Matrix:        []WebhookJob{},
	}

	for _, job := range event.Jobs {
		payload.Matrix = append(payload.Matrix, WebhookJob{
			ID:           job.ID,
			Name:         job.Name,
			Status:       job.Status,
			AllowFailure: job.AllowFailure,
			Duration:     int64(job.Duration.Seconds()),
		})
	}

	return payload
}

func (webhooks *Webhooks) Notify(ctx context.Context, event Event) error {
	payload := webhooks.Payload(event)

	var result *multierror.Error
	for index, url := range webhooks.urls {
		expanded := os.ExpandEnv(url)
		if expanded == "" {
			result = multierror.Append(result, fmt.Errorf(
				"webhook #%d: %s expands to an empty string", index+1, url,
			))
			continue
		}

		err := postJSON(ctx, webhooks.client, expanded, payload)
		if err != nil {
			result = multierror.Append(result, karma.Format(err, "webhook #%d", index+1))
		}
	}

	return result.ErrorOrNil()
}
