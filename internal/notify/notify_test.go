package notify

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/reconquest/matrix-runner/internal/config"
	"github.com/reconquest/matrix-runner/internal/status"
	"github.com/stretchr/testify/assert"
)

func TestShouldNotify(t *testing.T) {
	test := assert.New(t)

	type testcase struct {
		policy      config.Policy
		current     status.Status
		previous    status.Status
		hasPrevious bool
		expected    bool
	}

	testcases := []testcase{
		{config.POLICY_ALWAYS, status.PASSED, status.PASSED, true, true},
		{config.POLICY_NEVER, status.FAILED, status.PASSED, true, false},
		{config.POLICY_CHANGE, status.PASSED, "", false, true},
		{config.POLICY_CHANGE, status.PASSED, status.PASSED, true, false},
		{config.POLICY_CHANGE, status.PASSED, status.FAILED, true, true},
		{config.POLICY_CHANGE, status.FAILED, status.ERRORED, true, false},
		{config.POLICY_CHANGE, status.CANCELED, status.PASSED, true, true},
		{config.Policy("sometimes"), status.FAILED, status.PASSED, true, false},
	}

	for _, testcase := range testcases {
		test.Equal(
			testcase.expected,
			ShouldNotify(
				testcase.policy,
				testcase.current,
				testcase.previous,
				testcase.hasPrevious,
			),
			"%#v", testcase,
		)
	}
}

func event() Event {
	mock := clock.NewMock()
	mock.Set(time.Date(2019, 5, 1, 10, 0, 0, 0, time.UTC))

	started := mock.Now()
	mock.Add(time.Minute*3 + time.Second*7)

	return Event{
		ID:         "0b7f",
		Number:     42,
		Repository: "hypothesis/h",
		Branch:     "master",
		Commit:     "0123456789abcdef",
		Author:     "Jane",
		Message:    "Fix search",
		Status:     status.PASSED,
		StartedAt:  started,
		FinishedAt: mock.Now(),
		Jobs: []Job{
			{ID: "42.1", Name: "python: 2.7 ACTION=tests", Status: status.PASSED, Duration: time.Minute},
			{ID: "42.2", Name: "python: 2.7 ACTION=docs", Status: status.FAILED, AllowFailure: true},
		},
	}
}

func TestRender(t *testing.T) {
	test := assert.New(t)

	test.Equal(
		"Build #42 (0123456) of hypothesis/h@master by Jane passed in 3 min 7 sec",
		Render(nil, event()),
	)

	broken := event()
	broken.Status = status.FAILED
	broken.Previous = status.PASSED

	test.Equal(
		"h: is broken\n%{unknown} Fix search",
		Render([]string{"%{repository_name}: %{result}", "%{unknown} %{commit_message}"}, broken),
	)

	fixed := event()
	fixed.Previous = status.ERRORED
	test.Equal("was fixed", Render([]string{"%{result}"}, fixed))

	still := event()
	still.Status = status.FAILED
	still.Previous = status.FAILED
	test.Equal("is still failing", Render([]string{"%{result}"}, still))
}

func TestFormatDuration(t *testing.T) {
	test := assert.New(t)

	test.Equal("0 sec", FormatDuration(0))
	test.Equal("59 sec", FormatDuration(time.Second*59))
	test.Equal("1 min", FormatDuration(time.Minute))
	test.Equal("1 hr 2 sec", FormatDuration(time.Hour+time.Second*2))
}

type receiver struct {
	mutex    sync.Mutex
	requests [][]byte
	failures int32
}

func (receiver *receiver) handler(t *testing.T) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		if atomic.AddInt32(&receiver.failures, -1) >= 0 {
			writer.WriteHeader(http.StatusBadGateway)
			return
		}

		body, err := ioutil.ReadAll(request.Body)
		if err != nil {
			t.Error(err)
		}

		if request.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type: %s", request.Header.Get("Content-Type"))
		}

		receiver.mutex.Lock()
		receiver.requests = append(receiver.requests, body)
		receiver.mutex.Unlock()
	}
}

func TestDispatcher_Slack(t *testing.T) {
	test := assert.New(t)

	receiver := &receiver{failures: 1}
	server := httptest.NewServer(receiver.handler(t))
	defer server.Close()

	os.Setenv("TEST_SLACK_WEBHOOK_URL", server.URL+"/hook")
	defer os.Unsetenv("TEST_SLACK_WEBHOOK_URL")

	dispatcher := NewDispatcher(
		config.Notifications{
			Slack: &config.Slack{
				Rooms: []config.Room{
					{URL: "$TEST_SLACK_WEBHOOK_URL"},
					{URL: "xxx", Secure: true},
				},
			},
		},
		Options{RetryMax: 2, RetryWait: time.Millisecond},
	)

	// passed without previous build: on_success defaults to change
	sent, err := dispatcher.Dispatch(context.Background(), event())
	test.NoError(err)
	test.Equal([]string{"slack"}, sent)

	// passed after passed: no change
	same := event()
	same.Previous = status.PASSED
	sent, err = dispatcher.Dispatch(context.Background(), same)
	test.NoError(err)
	test.Empty(sent)

	// failed after failed: on_failure defaults to always
	failed := event()
	failed.Status = status.FAILED
	failed.Previous = status.FAILED
	sent, err = dispatcher.Dispatch(context.Background(), failed)
	test.NoError(err)
	test.Equal([]string{"slack"}, sent)

	if !test.Len(receiver.requests, 2) {
		return
	}

	var message SlackMessage
	test.NoError(json.Unmarshal(receiver.requests[0], &message))
	test.Equal(
		"Build #42 (0123456) of hypothesis/h@master by Jane passed in 3 min 7 sec",
		message.Text,
	)
	if test.Len(message.Attachments, 1) {
		test.Equal("good", message.Attachments[0].Color)
		test.Len(message.Attachments[0].Fields, 2)
		test.Equal("failed in 0 sec (allowed to fail)", message.Attachments[0].Fields[1].Value)
	}

	test.NoError(json.Unmarshal(receiver.requests[1], &message))
	test.Equal("danger", message.Attachments[0].Color)
}

func TestDispatcher_Policies(t *testing.T) {
	test := assert.New(t)

	receiver := &receiver{}
	server := httptest.NewServer(receiver.handler(t))
	defer server.Close()

	dispatcher := NewDispatcher(
		config.Notifications{
			OnSuccess: config.POLICY_NEVER,
			Slack: &config.Slack{
				Rooms:     []config.Room{{URL: server.URL}},
				OnFailure: config.POLICY_CHANGE,
			},
			Webhooks: &config.Webhooks{
				URLs: []config.Room{{URL: server.URL}},
			},
		},
		Options{RetryWait: time.Millisecond},
	)

	test.Equal(2, dispatcher.Len())

	sent, err := dispatcher.Dispatch(context.Background(), event())
	test.NoError(err)
	test.Empty(sent)

	failed := event()
	failed.Status = status.ERRORED
	failed.Previous = status.FAILED

	sent, err = dispatcher.Dispatch(context.Background(), failed)
	test.NoError(err)
	test.Equal([]string{"webhooks"}, sent)

	if test.Len(receiver.requests, 1) {
		var payload WebhookPayload
		test.NoError(json.Unmarshal(receiver.requests[0], &payload))
		test.Equal(42, payload.Number)
		test.Equal(status.ERRORED, payload.Status)
		test.Equal(int64(187), payload.Duration)
		test.Len(payload.Matrix, 2)
	}
}

func TestDispatcher_Errors(t *testing.T) {
	test := assert.New(t)

	server := httptest.NewServer(http.HandlerFunc(
		func(writer http.ResponseWriter, request *http.Request) {
			writer.WriteHeader(http.StatusNotFound)
			writer.Write([]byte("no_service"))
		},
	))
	defer server.Close()

	dispatcher := NewDispatcher(
		config.Notifications{
			Slack: &config.Slack{
				Rooms: []config.Room{
					{URL: server.URL + "/token"},
					{URL: "$TEST_UNDEFINED_VARIABLE"},
				},
			},
		},
		Options{SlackWebhook: "", RetryWait: time.Millisecond},
	)

	sent, err := dispatcher.Dispatch(context.Background(), event())
	test.Empty(sent)
	if test.Error(err) {
		test.Contains(err.Error(), "unable to send slack notification")
		test.Contains(err.Error(), "unexpected status code: 404")
		test.Contains(err.Error(), "expands to an empty string")
	}
}

func TestDispatcher_SlackWebhookOverride(t *testing.T) {
	test := assert.New(t)

	receiver := &receiver{}
	server := httptest.NewServer(receiver.handler(t))
	defer server.Close()

	dispatcher := NewDispatcher(
		config.Notifications{
			Slack: &config.Slack{
				Rooms: []config.Room{{URL: "https://hooks.slack.invalid/services/x"}},
			},
		},
		Options{SlackWebhook: server.URL, RetryWait: time.Millisecond},
	)

	sent, err := dispatcher.Dispatch(context.Background(), event())
	test.NoError(err)
	test.Equal([]string{"slack"}, sent)
	test.Len(receiver.requests, 1)
}
