package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/reconquest/karma-go"
	"github.com/reconquest/pkg/log"
)

const (
	DEFAULT_RETRY_MAX = 3
	USER_AGENT        = "matrix-runner"
)

type leveledLogger struct{}

func (leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	log.Errorf(nil, "{http} %s: %v", msg, keysAndValues)
}

func (leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	log.Warningf(nil, "{http} %s: %v", msg, keysAndValues)
}

func (leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debugf(nil, "{http} %s: %v", msg, keysAndValues)
}

func (leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	log.Tracef(nil, "{http} %s: %v", msg, keysAndValues)
}

// NewClient returns an http client retrying on network errors and 5xx
// responses.
func NewClient(retryMax int, retryWait time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = retryWait
	client.RetryWaitMax = retryWait * 10
	client.Logger = leveledLogger{}
	client.HTTPClient = &http.Client{Timeout: time.Second * 30}

	// the last response is returned as is, it's examined by the caller
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return client
}

func postJSON(
	ctx context.Context,
	client *retryablehttp.Client,
	url string,
	payload interface{},
) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return karma.Format(err, "unable to encode payload")
	}

	request, err := retryablehttp.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return karma.Format(err, "unable to create request")
	}

	request = request.WithContext(ctx)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", USER_AGENT)

	response, err := client.Do(request)
	if err != nil {
		// webhook urls are secrets
		return karma.Format(
			errors.New(strings.ReplaceAll(err.Error(), url, "<webhook url>")),
			"unable to send request",
		)
	}

	defer response.Body.Close()

	if response.StatusCode >= 300 {
		reply, _ := ioutil.ReadAll(io.LimitReader(response.Body, 1024))

		return karma.
			Describe("body", string(reply)).
			Format(nil, "unexpected status code: %s", fmt.Sprint(response.StatusCode))
	}

	_, _ = io.Copy(ioutil.Discard, response.Body)

	return nil
}
